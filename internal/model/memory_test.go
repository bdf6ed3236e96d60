package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseKind(t *testing.T) {
	for _, s := range []string{"conversation", "preference", "context", "fact", "interaction", "task_history"} {
		k, err := ParseKind(s)
		if err != nil || k.String() != s {
			t.Errorf("ParseKind(%q) = %q, %v", s, k, err)
		}
	}
	if k, err := ParseKind(" Fact "); err != nil || k != KindFact {
		t.Errorf("expected case and space to be ignored, got %q, %v", k, err)
	}
	if k, err := ParseKind(""); err != nil || k != "" {
		t.Errorf("expected empty kind for empty input, got %q, %v", k, err)
	}
	if _, err := ParseKind("episodic"); !errors.Is(err, ErrInvalidKind) {
		t.Errorf("expected ErrInvalidKind, got %v", err)
	}
}

func TestEntryImportanceDefault(t *testing.T) {
	var e Entry
	if err := json.Unmarshal([]byte(`{"id":"mem_1","kind":"fact"}`), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.Importance != 1.0 {
		t.Errorf("expected default importance 1, got %v", e.Importance)
	}
	if e.ID != "mem_1" || e.Kind != KindFact {
		t.Errorf("unexpected entry %+v", e)
	}

	if err := json.Unmarshal([]byte(`{"id":"mem_2","importance":0}`), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.Importance != 0 {
		t.Errorf("expected explicit zero importance to stick, got %v", e.Importance)
	}
}

func TestEntryExpired(t *testing.T) {
	now := time.Now()
	past, future := now.Add(-time.Second), now.Add(time.Second)

	if (&Entry{}).Expired(now) {
		t.Error("entry without expiry should never expire")
	}
	if !(&Entry{ExpiresAt: &past}).Expired(now) {
		t.Error("expected past expiry to be expired")
	}
	if (&Entry{ExpiresAt: &future}).Expired(now) {
		t.Error("expected future expiry to be live")
	}
	if (&Entry{ExpiresAt: &now}).Expired(now) {
		t.Error("expected expiry equal to now to be live")
	}
}

func TestCanonicalJSON(t *testing.T) {
	got := CanonicalJSON(map[string]any{"role": "user", "message": "<b>hi</b>", "a": 1})
	want := `{"a": 1, "message": "<b>hi</b>", "role": "user"}`
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}

	got = CanonicalJSON(map[string]any{"q": `say "a:b, c"`, "list": []any{1, map[string]any{"k": "v"}}})
	want = `{"list": [1, {"k": "v"}], "q": "say \"a:b, c\""}`
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestEntryCloneIsDeep(t *testing.T) {
	e := &Entry{
		ID:       "mem_1",
		Content:  map[string]any{"metadata": map[string]any{"lang": "en"}, "list": []any{"a"}},
		Metadata: map[string]any{"nested": map[string]any{"k": "v"}},
	}

	c := e.Clone()
	c.Content["metadata"].(map[string]any)["lang"] = "fr"
	c.Content["list"].([]any)[0] = "b"
	c.Metadata["nested"].(map[string]any)["k"] = "changed"

	if e.Content["metadata"].(map[string]any)["lang"] != "en" {
		t.Error("nested content map shared with clone")
	}
	if e.Content["list"].([]any)[0] != "a" {
		t.Error("nested content list shared with clone")
	}
	if e.Metadata["nested"].(map[string]any)["k"] != "v" {
		t.Error("nested metadata shared with clone")
	}
	if (&Entry{}).Clone().Content != nil {
		t.Error("expected nil content to stay nil")
	}
}

func TestProfileAddFact(t *testing.T) {
	p := NewProfile("u1", time.Now())
	if !p.AddFact("likes tea") {
		t.Error("expected first fact to be added")
	}
	if p.AddFact("likes tea") {
		t.Error("expected duplicate fact to be ignored")
	}
	p.AddFact("has a cat")
	if len(p.Facts) != 2 || p.Facts[1] != "has a cat" {
		t.Errorf("expected facts in insertion order, got %v", p.Facts)
	}
}

func TestProfileCloneIsIndependent(t *testing.T) {
	name := "Ada"
	p := NewProfile("u1", time.Now())
	p.DisplayName = &name
	p.Preferences["theme"] = "dark"
	p.Preferences["ui"] = map[string]any{"font": "mono"}

	c := p.Clone()
	c.Preferences["theme"] = "light"
	c.Preferences["ui"].(map[string]any)["font"] = "serif"
	*c.DisplayName = "Grace"
	c.AddFact("new")

	if p.Preferences["ui"].(map[string]any)["font"] != "mono" {
		t.Error("nested preference shared with clone")
	}
	if p.Preferences["theme"] != "dark" || *p.DisplayName != "Ada" || len(p.Facts) != 0 {
		t.Errorf("clone leaked into original: %+v", p)
	}
}

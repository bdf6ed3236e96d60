// Package model defines the core memory data types.
package model

import (
	"bytes"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// Kind classifies the semantic role of an entry.
type Kind string

const (
	KindConversation Kind = "conversation"
	KindPreference   Kind = "preference"
	KindContext      Kind = "context"
	KindFact         Kind = "fact"
	KindInteraction  Kind = "interaction"
	KindTaskHistory  Kind = "task_history"
)

// ErrInvalidKind is returned when a kind string is not one of the known kinds.
var ErrInvalidKind = goerr.New("invalid memory kind")

// ValidKinds are the allowed entry kinds.
var ValidKinds = map[Kind]bool{
	KindConversation: true,
	KindPreference:   true,
	KindContext:      true,
	KindFact:         true,
	KindInteraction:  true,
	KindTaskHistory:  true,
}

// ParseKind converts a string into a Kind. The empty string yields the empty
// Kind, which list and search operations treat as "any kind".
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if k == "" || ValidKinds[k] {
		return k, nil
	}
	return "", goerr.Wrap(ErrInvalidKind, "parse kind", goerr.V("kind", s))
}

func (k Kind) String() string { return string(k) }

// Entry represents one stored memory.
type Entry struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Kind        Kind           `json:"kind"`
	Content     map[string]any `json:"content"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	ExpiresAt   *time.Time     `json:"expires_at"`
	Importance  float64        `json:"importance"`
	AccessCount int            `json:"access_count"`
	Tags        []string       `json:"tags"`
	Metadata    map[string]any `json:"metadata"`
}

// UnmarshalJSON decodes an entry, defaulting importance to 1 when absent.
func (e *Entry) UnmarshalJSON(data []byte) error {
	type plain Entry
	aux := struct {
		*plain
		Importance *float64 `json:"importance"`
	}{plain: (*plain)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	e.Importance = 1.0
	if aux.Importance != nil {
		e.Importance = *aux.Importance
	}
	return nil
}

// Expired reports whether the entry is logically dead at now.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && e.ExpiresAt.Before(now)
}

// Clone returns a deep copy of e. Nested JSON objects and arrays in content
// and metadata are copied too.
func (e *Entry) Clone() *Entry {
	c := *e
	c.Content = CloneMap(e.Content)
	c.Metadata = CloneMap(e.Metadata)
	c.Tags = slices.Clone(e.Tags)
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// ContentString returns the canonical form of the content used by substring
// search.
func (e *Entry) ContentString() string {
	return CanonicalJSON(e.Content)
}

// CanonicalJSON encodes v as JSON with map keys sorted, no HTML escaping, and
// one space after every ':' and ',' separator, e.g. {"a": 1, "b": [2, 3]}.
// Values that cannot be encoded yield an empty string.
func CanonicalJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return ""
	}
	return spaceSeparators(bytes.TrimRight(buf.Bytes(), "\n"))
}

// spaceSeparators adds a space after each separator outside string literals
// of compact JSON.
func spaceSeparators(compact []byte) string {
	var sb strings.Builder
	sb.Grow(len(compact) + len(compact)/4)
	inString, escaped := false, false
	for _, c := range compact {
		sb.WriteByte(c)
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && (c == ':' || c == ','):
			sb.WriteByte(' ')
		}
	}
	return sb.String()
}

// Profile is the aggregated per-user view.
type Profile struct {
	UserID            string         `json:"user_id"`
	DisplayName       *string        `json:"display_name"`
	FirstSeen         time.Time      `json:"first_seen"`
	LastSeen          time.Time      `json:"last_seen"`
	TotalInteractions int            `json:"total_interactions"`
	Preferences       map[string]any `json:"preferences"`
	Facts             []string       `json:"facts"`
	Tags              []string       `json:"tags"`
	Metadata          map[string]any `json:"metadata"`
}

// NewProfile returns a default-valued profile first seen at now.
func NewProfile(userID string, now time.Time) *Profile {
	return &Profile{
		UserID:      userID,
		FirstSeen:   now,
		LastSeen:    now,
		Preferences: map[string]any{},
		Facts:       []string{},
		Tags:        []string{},
		Metadata:    map[string]any{},
	}
}

// AddFact appends fact unless an identical string is already present.
// It reports whether the fact was appended.
func (p *Profile) AddFact(fact string) bool {
	if slices.Contains(p.Facts, fact) {
		return false
	}
	p.Facts = append(p.Facts, fact)
	return true
}

// Clone returns a deep copy of p.
func (p *Profile) Clone() *Profile {
	c := *p
	if p.DisplayName != nil {
		name := *p.DisplayName
		c.DisplayName = &name
	}
	c.Preferences = CloneMap(p.Preferences)
	c.Facts = slices.Clone(p.Facts)
	c.Tags = slices.Clone(p.Tags)
	c.Metadata = CloneMap(p.Metadata)
	return &c
}

// CloneMap deep-copies a JSON-shaped map. A nil map stays nil.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = cloneValue(v)
	}
	return c
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return CloneMap(v)
	case []any:
		if v == nil {
			return v
		}
		c := make([]any, len(v))
		for i, item := range v {
			c[i] = cloneValue(item)
		}
		return c
	case []string:
		return slices.Clone(v)
	case []map[string]any:
		if v == nil {
			return v
		}
		c := make([]map[string]any, len(v))
		for i, item := range v {
			c[i] = CloneMap(item)
		}
		return c
	default:
		return v
	}
}

// Normalize replaces nil collections with empty ones so decoded profiles
// behave like freshly created ones.
func (p *Profile) Normalize() {
	if p.Preferences == nil {
		p.Preferences = map[string]any{}
	}
	if p.Facts == nil {
		p.Facts = []string{}
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}
}

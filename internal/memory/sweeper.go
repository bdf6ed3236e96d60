package memory

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/rcliao/user-memory/internal/logging"
)

// Sweep physically removes expired entries on backends that do not expire
// them natively. Reads already hide them, so sweeping only reclaims space.
func (m *Memory) Sweep(ctx context.Context) (int, error) {
	n, err := m.store.SweepExpired(ctx)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to sweep expired entries")
	}
	return n, nil
}

// RunSweeper calls Sweep every interval until ctx is done. Sweep failures are
// logged and retried on the next tick.
func (m *Memory) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return goerr.New("sweep interval must be positive", goerr.V("interval", interval))
	}
	logger := logging.From(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := m.Sweep(ctx)
			if err != nil {
				logger.Error("sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("swept expired entries", "count", n)
			}
		}
	}
}

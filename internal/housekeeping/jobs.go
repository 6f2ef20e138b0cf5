package housekeeping

import (
	"context"
	"time"

	"notifyrelay/internal/storage"
	logx "notifyrelay/pkg/logx"
)

// Refresher rewrites this node's mappings into the shared store.
type Refresher interface {
	Refresh(ctx context.Context) (int, error)
}

// Pruner deletes audit records older than a cutoff.
type Pruner interface {
	PruneAudit(ctx context.Context, before time.Time) (int64, error)
}

var _ Pruner = (storage.Store)(nil)

// StatsJob logs a snapshot at info level.
func StatsJob(log logx.Logger, snapshot func() []logx.Field) Func {
	return func(context.Context) error {
		log.Info("relay stats", snapshot()...)
		return nil
	}
}

// RefreshJob re-asserts local mappings so keys expiring by TTL survive and
// a store that lost its data is repopulated.
func RefreshJob(r Refresher, log logx.Logger) Func {
	return func(ctx context.Context) error {
		n, err := r.Refresh(ctx)
		if err != nil {
			return err
		}
		log.Debug("store mappings refreshed", logx.Int("count", n))
		return nil
	}
}

// PruneJob removes audit records older than retention.
func PruneJob(p Pruner, retention time.Duration, log logx.Logger) Func {
	return func(ctx context.Context) error {
		if retention <= 0 {
			return nil
		}
		n, err := p.PruneAudit(ctx, time.Now().Add(-retention))
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info("audit pruned", logx.Int64("removed", n), logx.Duration("retention", retention))
		}
		return nil
	}
}

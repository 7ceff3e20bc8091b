package maintenance

import (
	"context"
	"time"

	"github.com/mbd888/fraudwatch/internal/metrics"
)

// Job names, used as metric labels.
const (
	JobHistorySweep = "customer_history_sweep"
	JobRetention    = "retention"
)

// HistorySweeper prunes customer history.
type HistorySweeper interface {
	SweepHistory(horizon time.Duration) int
}

// Evicter trims the record store.
type Evicter interface {
	EvictOldest(ctx context.Context, keep int) (int, error)
}

// HistorySweep forgets customers first seen more than horizon ago.
func HistorySweep(g HistorySweeper, horizon, every time.Duration) Job {
	return Job{
		Name:     JobHistorySweep,
		Interval: every,
		Run: func(context.Context) (int, error) {
			return g.SweepHistory(horizon), nil
		},
	}
}

// Retention keeps at most keep records. The generation loop already evicts
// while running; this catches inserts from other writers such as seeding.
func Retention(store Evicter, keep int, every time.Duration) Job {
	return Job{
		Name:     JobRetention,
		Interval: every,
		Run: func(ctx context.Context) (int, error) {
			n, err := store.EvictOldest(ctx, keep)
			if n > 0 {
				metrics.EvictedTotal.Add(float64(n))
			}
			return n, err
		},
	}
}

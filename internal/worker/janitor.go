package worker

import (
	"context"
	"log/slog"
	"time"
)

const (
	janitorSweepEvery = 5 * time.Minute
	bucketIdleAfter   = time.Hour
)

// StaleEvicter is the limiter surface the janitor sweeps.
type StaleEvicter interface {
	EvictStale(cutoff time.Time) int
}

// BucketJanitor periodically evicts idle rate limit buckets from the
// in-process limiter so per-key state does not grow without bound.
type BucketJanitor struct {
	limiter StaleEvicter
}

// NewBucketJanitor creates a janitor sweeping limiter.
func NewBucketJanitor(limiter StaleEvicter) *BucketJanitor {
	return &BucketJanitor{limiter: limiter}
}

// Run sweeps idle buckets on a periodic schedule until ctx is cancelled.
func (j *BucketJanitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(janitorSweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *BucketJanitor) sweep() {
	if n := j.limiter.EvictStale(time.Now().Add(-bucketIdleAfter)); n > 0 {
		slog.Debug("evicted idle rate limit buckets", "count", n)
	}
}

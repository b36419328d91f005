package worker

import (
	"context"
	"time"
)

// StaleEvictor is the subset of ratelimit.Limiter's behavior a Janitor
// drives: dropping per-key counters whose windows have all rolled over so
// the registry does not grow unbounded with keys that stopped sending
// traffic.
type StaleEvictor interface {
	EvictStale(now time.Time)
}

// Janitor periodically sweeps stale per-key rate-limit state.
type Janitor struct {
	evictor  StaleEvictor
	interval time.Duration
}

// NewJanitor returns a Janitor that sweeps every interval.
func NewJanitor(evictor StaleEvictor, interval time.Duration) *Janitor {
	return &Janitor{evictor: evictor, interval: interval}
}

// Name implements Worker.
func (j *Janitor) Name() string { return "rate_limit_janitor" }

// Run implements Worker.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.evictor.EvictStale(time.Now())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

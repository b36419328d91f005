package worker

import (
	"context"
	"time"
)

// Prober is the subset of router.Router's behavior a HealthProber drives.
type Prober interface {
	ProbeOnce(ctx context.Context)
}

// HealthProber periodically issues a synthetic request against every
// configured backend so the router's circuit state reflects reality even
// when no live traffic is flowing through a cooling-down endpoint.
type HealthProber struct {
	prober   Prober
	interval time.Duration
}

// NewHealthProber returns a HealthProber that probes every interval.
func NewHealthProber(prober Prober, interval time.Duration) *HealthProber {
	return &HealthProber{prober: prober, interval: interval}
}

// Name implements Worker.
func (p *HealthProber) Name() string { return "health_prober" }

// Run implements Worker. It probes once immediately, then on every tick,
// until ctx is cancelled.
func (p *HealthProber) Run(ctx context.Context) error {
	p.prober.ProbeOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.prober.ProbeOnce(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

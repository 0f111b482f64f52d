package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"breaklock/internal/engine"
)

const defaultInterval = 15 * time.Second

// Reaper periodically expires breaks that ran past their ends_at in every tenant.
type Reaper struct {
	Engine   engine.Engine
	Interval time.Duration
	Log      *zap.Logger
}

type Summary struct {
	Tenants int `json:"tenants"`
	Expired int `json:"expired"`
	Failed  int `json:"failed"`
}

// Run sweeps immediately, then once per interval until ctx is done.
func (r Reaper) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.log().Warn("reaper sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep expires due breaks in every tenant that has any. A failing tenant is logged
// and skipped; the error is returned only when tenants cannot be listed.
func (r Reaper) Sweep(ctx context.Context) (Summary, error) {
	var sum Summary
	tenants, err := r.Engine.DueTenants(ctx)
	if err != nil {
		return sum, err
	}
	for _, tenant := range tenants {
		res, err := r.Engine.ExpireDue(ctx, tenant)
		if err != nil {
			sum.Failed++
			r.log().Warn("reaper tenant failed", zap.String("tenant", tenant), zap.Error(err))
			continue
		}
		sum.Tenants++
		sum.Expired += len(res.Expired)
		sum.Failed += len(res.Failed)
		if len(res.Expired) > 0 {
			r.log().Info("expired breaks", zap.String("tenant", tenant), zap.Int("count", len(res.Expired)))
		}
	}
	return sum, nil
}

func (r Reaper) log() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

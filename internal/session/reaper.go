package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rakunlabs/logi"
	"github.com/worldline-go/hardloop"
)

// Reaper periodically sweeps the Manager for idle sessions, grounded on
// workflow.Scheduler's use of hardloop for interval-based
// background work (internal/service/workflow/scheduler.go), generalized
// from cron-spec trigger firing to a fixed-interval idle sweep.
type Reaper struct {
	manager  *Manager
	interval time.Duration

	cron   interface {
		Start(ctx context.Context) error
		Stop()
	}
}

// NewReaper builds a Reaper that sweeps every interval.
func NewReaper(manager *Manager, interval time.Duration) *Reaper {
	return &Reaper{manager: manager, interval: interval}
}

// Start begins the background sweep loop; it returns once the cron runner
// is started, the sweeps themselves continue until ctx is cancelled or
// Stop is called.
func (r *Reaper) Start(ctx context.Context) error {
	job, err := hardloop.NewCron(hardloop.Cron{
		Name:  "session-idle-reap",
		Specs: []string{fmt.Sprintf("@every %s", r.interval)},
		Func: func(ctx context.Context) error {
			n := r.manager.Reap(r.manager.clock.Now())
			if n > 0 {
				logi.Ctx(ctx).Info("reaped idle sessions", "count", n)
			}
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("session: create idle reaper: %w", err)
	}

	r.cron = job
	return job.Start(ctx)
}

// Stop halts the sweep loop.
func (r *Reaper) Stop() {
	if r.cron != nil {
		r.cron.Stop()
	}
}

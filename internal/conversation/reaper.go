package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/rakunlabs/logi"
	"github.com/worldline-go/hardloop"
)

// Reaper periodically deletes expired conversations (and, via the
// repository's foreign-key cascade, their messages and files), mirroring
// internal/session.Reaper's hardloop-driven interval sweep.
type Reaper struct {
	service  *Service
	interval time.Duration

	cron interface {
		Start(ctx context.Context) error
		Stop()
	}
}

// NewReaper builds a Reaper that sweeps service's store every interval.
func NewReaper(service *Service, interval time.Duration) *Reaper {
	return &Reaper{service: service, interval: interval}
}

// Start begins the background sweep loop; sweeps continue until ctx is
// cancelled or Stop is called.
func (r *Reaper) Start(ctx context.Context) error {
	job, err := hardloop.NewCron(hardloop.Cron{
		Name:  "conversation-ttl-reap",
		Specs: []string{fmt.Sprintf("@every %s", r.interval)},
		Func: func(ctx context.Context) error {
			n, err := r.service.store.DeleteExpiredConversations(ctx, r.service.clock.Now())
			if err != nil {
				logi.Ctx(ctx).Error("reap expired conversations", "error", err)
				return nil
			}
			if n > 0 {
				logi.Ctx(ctx).Info("reaped expired conversations", "count", n)
			}
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("conversation: create ttl reaper: %w", err)
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

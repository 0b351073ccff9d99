package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"claimq/internal/queue"
)

// Reaper re-queues tasks stranded by dead workers. A worker that has not
// heartbeated for longer than timeout is presumed dead, and its claimed and
// running tasks go back to queued without spending a retry.
type Reaper struct {
	repo     queue.Repository
	timeout  time.Duration
	interval time.Duration
}

func NewReaper(repo queue.Repository, timeout, interval time.Duration) *Reaper {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{repo: repo, timeout: timeout, interval: interval}
}

// Run sweeps once immediately, then on every interval tick until the
// context is canceled.
func (r *Reaper) Run(ctx context.Context) {
	r.sweep(ctx)
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	n, err := r.repo.ReapStale(ctx, r.timeout)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("reap sweep failed")
		}
		return
	}
	if n > 0 {
		log.Warn().Int("tasks", n).Dur("timeout", r.timeout).Msg("re-queued tasks from silent workers")
	}
}

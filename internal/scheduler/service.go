package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"claimq/internal/domain"
	"claimq/internal/queue"
)

// Service turns due cron schedules into queued tasks. It is a feeder, not
// an executor: workers pick the tasks up through the normal claim path.
type Service struct {
	repo     queue.Repository
	stop     chan struct{}
	interval time.Duration
}

func NewService(repo queue.Repository, checkInterval time.Duration) *Service {
	return &Service{
		repo:     repo,
		stop:     make(chan struct{}),
		interval: checkInterval,
	}
}

// Start checks for due schedules immediately, then on every interval tick.
// The immediate check lets schedules that came due while the process was
// down fire on startup instead of waiting out the first interval.
func (s *Service) Start(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Msg("schedule service started")
	s.processDueSchedules(ctx, time.Now())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.processDueSchedules(ctx, now)
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

func (s *Service) processDueSchedules(ctx context.Context, now time.Time) {
	schedules, err := s.repo.GetDueSchedules(ctx, now)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("failed to get due schedules")
		}
		return
	}

	for _, schedule := range schedules {
		if ctx.Err() != nil {
			return
		}
		if err := s.fire(ctx, schedule, now); err != nil {
			log.Error().Err(err).Str("schedule_id", schedule.ID).Str("schedule_name", schedule.Name).
				Msg("schedule did not fire")
		}
	}
}

// fire enqueues one occurrence of a schedule and advances its run times.
// The enqueue carries an idempotency key derived from the due time, so a
// crash after the enqueue but before the advance cannot produce a second
// task for the same occurrence on the next sweep.
func (s *Service) fire(ctx context.Context, schedule domain.Schedule, now time.Time) error {
	cronSchedule, err := cron.ParseStandard(schedule.CronExpr)
	if err != nil {
		return fmt.Errorf("parse cron %q: %w", schedule.CronExpr, err)
	}

	fireKey := fmt.Sprintf("%s@%d", schedule.ID, schedule.NextRun.UnixMilli())
	taskID, err := s.repo.Enqueue(ctx, domain.Task{
		Type:           schedule.TaskType,
		Parameters:     schedule.Parameters,
		Priority:       schedule.Priority,
		State:          schedule.State,
		MaxRetries:     schedule.MaxRetries,
		IdempotencyKey: &fireKey,
	})
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	nextRun := cronSchedule.Next(now)
	if err := s.repo.UpdateScheduleLastRun(ctx, schedule.ID, now, nextRun); err != nil {
		return fmt.Errorf("advance run times: %w", err)
	}

	log.Info().
		Str("schedule_id", schedule.ID).
		Str("schedule_name", schedule.Name).
		Int64("task_id", taskID).
		Time("next_run", nextRun).
		Msg("scheduled task enqueued")
	return nil
}

// ValidateCronExpression reports whether expr parses as a standard five
// field cron expression or a descriptor like @hourly.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime returns the first time expr fires strictly after from.
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}

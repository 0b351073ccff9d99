package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"claimq/internal/domain"
	"claimq/internal/queue"
)

// Handler executes one task. The returned string is stored as the task's
// result on success; the error message is stored on failure.
type Handler interface {
	Handle(ctx context.Context, task domain.Task) (string, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, task domain.Task) (string, error)

func (f HandlerFunc) Handle(ctx context.Context, task domain.Task) (string, error) {
	return f(ctx, task)
}

type Config struct {
	ID                string        // generated when empty
	TaskTypes         []string
	Strategy          queue.Strategy
	PollInterval      time.Duration
	HeartbeatInterval time.Duration // heartbeat cadence while a handler runs
	MaxIterations     int           // 0 means run until stopped
}

// Worker polls the queue, executes claimed tasks through registered
// handlers and records outcomes. Run several with the same Repository to
// scale out; the claim statement keeps them mutually exclusive.
type Worker struct {
	repo     queue.Repository
	handlers map[string]Handler
	cfg      Config

	stop     chan struct{}
	stopOnce sync.Once
}

func New(repo queue.Repository, handlers map[string]Handler, cfg Config) *Worker {
	if cfg.ID == "" {
		cfg.ID = "wkr_" + uuid.NewString()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Strategy == "" {
		cfg.Strategy = queue.StrategyFIFO
	}
	return &Worker{repo: repo, handlers: handlers, cfg: cfg, stop: make(chan struct{})}
}

func (w *Worker) ID() string { return w.cfg.ID }

// Run polls until the context is canceled, Stop is called, or MaxIterations
// cycles have run. A cycle that processed a task is followed immediately by
// the next one so a backlog drains at full speed; only an empty poll sleeps
// for PollInterval.
func (w *Worker) Run(ctx context.Context) {
	log.Info().Str("worker", w.cfg.ID).Str("strategy", string(w.cfg.Strategy)).
		Strs("task_types", w.cfg.TaskTypes).Msg("worker started")
	defer log.Info().Str("worker", w.cfg.ID).Msg("worker stopped")

	for i := 0; w.cfg.MaxIterations == 0 || i < w.cfg.MaxIterations; i++ {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		default:
		}

		processed, err := w.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Str("worker", w.cfg.ID).Msg("poll cycle failed")
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// Stop asks the worker to exit after the current cycle. Safe to call more
// than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// RunOnce performs a single poll cycle: heartbeat, claim, execute, record
// the outcome. It reports whether a task was processed; an empty queue is
// not an error.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	if err := w.repo.Heartbeat(ctx, w.cfg.ID, nil); err != nil {
		return false, err
	}

	task, err := w.repo.Claim(ctx, w.cfg.ID, w.cfg.TaskTypes, w.cfg.Strategy)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	log.Debug().Int64("task", task.ID).Str("type", task.Type).Str("worker", w.cfg.ID).Msg("claimed task")
	if err := w.repo.Heartbeat(ctx, w.cfg.ID, &task.ID); err != nil {
		return false, err
	}

	ok, err := w.repo.MarkRunning(ctx, task.ID, w.cfg.ID)
	if err != nil {
		return false, err
	}
	if !ok {
		// The claim vanished between claiming and starting, most likely
		// reaped after a heartbeat stall. The task belongs to someone
		// else now; touch nothing.
		log.Warn().Int64("task", task.ID).Str("worker", w.cfg.ID).Msg("lost claim before start")
		return false, nil
	}

	hbStop := make(chan struct{})
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.keepAlive(ctx, task.ID, hbStop)
	}()
	result, err := w.execute(ctx, *task)
	close(hbStop)
	<-hbDone

	if err != nil {
		log.Warn().Err(err).Int64("task", task.ID).Str("type", task.Type).Msg("task failed")
		return true, w.complete(ctx, task.ID, domain.StatusFailed, err.Error())
	}
	log.Debug().Int64("task", task.ID).Str("type", task.Type).Msg("task completed")
	return true, w.complete(ctx, task.ID, domain.StatusCompleted, result)
}

// keepAlive refreshes the worker's heartbeat until stop closes. A handler
// may legitimately run longer than the reap timeout, and without the
// refresh the reaper would hand its task to another worker mid-execution.
func (w *Worker) keepAlive(ctx context.Context, taskID int64, stop <-chan struct{}) {
	t := time.NewTicker(w.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := w.repo.Heartbeat(ctx, w.cfg.ID, &taskID); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("worker", w.cfg.ID).Msg("heartbeat failed")
			}
		}
	}
}

// complete records the outcome, absorbing the case where the task was
// reaped mid-execution and finished under another worker: the surviving
// claim's outcome stands and this worker moves on.
func (w *Worker) complete(ctx context.Context, taskID int64, status domain.Status, resultOrError string) error {
	err := w.repo.Complete(ctx, taskID, status, resultOrError)
	if errors.Is(err, queue.ErrAlreadyTerminal) {
		log.Warn().Int64("task", taskID).Str("worker", w.cfg.ID).Msg("lost claim before completion")
		return nil
	}
	return err
}

// execute dispatches to the registered handler, converting panics into
// ordinary failures so one bad task cannot take the worker down.
func (w *Worker) execute(ctx context.Context, task domain.Task) (result string, err error) {
	h, ok := w.handlers[task.Type]
	if !ok {
		return "", fmt.Errorf("no handler registered for task type %q", task.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, task)
}

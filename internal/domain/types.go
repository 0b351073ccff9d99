package domain

import (
	"encoding/json"
	"time"
)

// Status is the queue lifecycle state of a task. It is distinct from the
// free-text workflow State tag, which the queue never interprets.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusClaimed   Status = "claimed"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further status transition is expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Task struct {
	ID             int64           `json:"id"`
	Type           string          `json:"type"`
	Parameters     json.RawMessage `json:"parameters"`
	Priority       int             `json:"priority"`
	State          string          `json:"state,omitempty"`
	Status         Status          `json:"status"`
	ClaimedBy      string          `json:"claimed_by,omitempty"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	ResultData     string          `json:"result_data,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// Stats is a single point-in-time census of the queue by status.
type Stats struct {
	Queued    int64 `json:"queued"`
	Claimed   int64 `json:"claimed"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Total     int64 `json:"total"`
}

// WorkerHeartbeat records when a polling worker was last seen and which
// task, if any, it was holding at that moment.
type WorkerHeartbeat struct {
	WorkerID      string    `json:"worker_id"`
	LastSeenAt    time.Time `json:"last_seen_at"`
	CurrentTaskID *int64    `json:"current_task_id,omitempty"`
}

// Schedule is a recurring enqueue definition driven by a cron expression.
type Schedule struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	CronExpr   string          `json:"cron_expr"`
	TaskType   string          `json:"task_type"`
	Parameters json.RawMessage `json:"parameters"`
	Priority   int             `json:"priority"`
	MaxRetries int             `json:"max_retries"`
	State      string          `json:"state,omitempty"`
	Enabled    bool            `json:"enabled"`
	LastRun    *time.Time      `json:"last_run,omitempty"`
	NextRun    time.Time       `json:"next_run"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

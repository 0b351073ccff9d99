package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"

	"claimq/internal/domain"
)

// sqliteConstraintUnique is the SQLITE_CONSTRAINT_UNIQUE extended result code.
const sqliteConstraintUnique = 2067

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS task_queue (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_type TEXT NOT NULL,
  parameters BLOB NOT NULL,
  priority INTEGER NOT NULL DEFAULT 0,
  state TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL CHECK(status IN ('queued','claimed','running','completed','failed')) DEFAULT 'queued',
  claimed_by TEXT,
  retry_count INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 0,
  idempotency_key TEXT,
  result_data TEXT,
  error_message TEXT,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  started_at INTEGER,
  completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_task_queue_claim ON task_queue(status, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_task_queue_idem ON task_queue(idempotency_key)
  WHERE idempotency_key IS NOT NULL AND status != 'failed';
CREATE TABLE IF NOT EXISTS worker_heartbeats (
  worker_id TEXT PRIMARY KEY,
  last_seen_at INTEGER NOT NULL,
  current_task_id INTEGER
);
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  cron_expr TEXT NOT NULL,
  task_type TEXT NOT NULL,
  parameters BLOB NOT NULL,
  priority INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 0,
  state TEXT NOT NULL DEFAULT '',
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run INTEGER,
  next_run INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(enabled, next_run);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	Enqueue(ctx context.Context, t domain.Task) (int64, error)
	Claim(ctx context.Context, workerID string, taskTypes []string, strat Strategy) (*domain.Task, error)
	MarkRunning(ctx context.Context, id int64, workerID string) (bool, error)
	Complete(ctx context.Context, id int64, status domain.Status, resultOrError string) error
	Get(ctx context.Context, id int64) (domain.Task, error)
	Stats(ctx context.Context) (domain.Stats, error)
	ListRecent(ctx context.Context, limit int) ([]domain.Task, error)

	// Worker liveness
	Heartbeat(ctx context.Context, workerID string, currentTaskID *int64) error
	ListWorkers(ctx context.Context) ([]domain.WorkerHeartbeat, error)
	ReapStale(ctx context.Context, olderThan time.Duration) (int, error)

	// Schedule operations
	CreateSchedule(ctx context.Context, s domain.Schedule) (string, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
	GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)
	UpdateScheduleLastRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

// Timestamps persist as unix epoch milliseconds. Integers compare in time
// order under every ORDER BY clause, which text datetimes of mixed
// fractional precision do not.
func nowMillis() int64 { return time.Now().UTC().UnixMilli() }

func millisToTime(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullableTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := millisToTime(v.Int64)
	return &t
}

func millisOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

const taskColumns = `id, task_type, parameters, priority, state, status, claimed_by,
retry_count, max_retries, idempotency_key, result_data, error_message,
created_at, updated_at, started_at, completed_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t                                      domain.Task
		claimedBy, idemKey, resultData, errMsg sql.NullString
		createdAt, updatedAt                   int64
		startedAt, completedAt                 sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.Type, &t.Parameters, &t.Priority, &t.State, &t.Status,
		&claimedBy, &t.RetryCount, &t.MaxRetries, &idemKey, &resultData, &errMsg,
		&createdAt, &updatedAt, &startedAt, &completedAt)
	if err != nil {
		return domain.Task{}, err
	}
	t.ClaimedBy = claimedBy.String
	t.ResultData = resultData.String
	t.ErrorMessage = errMsg.String
	if idemKey.Valid {
		k := idemKey.String
		t.IdempotencyKey = &k
	}
	t.CreatedAt = millisToTime(createdAt)
	t.UpdatedAt = millisToTime(updatedAt)
	t.StartedAt = nullableTime(startedAt)
	t.CompletedAt = nullableTime(completedAt)
	return t, nil
}

func (r *sqliteRepo) Enqueue(ctx context.Context, t domain.Task) (int64, error) {
	if strings.TrimSpace(t.Type) == "" {
		return 0, ErrEmptyTaskType
	}
	if t.MaxRetries < 0 {
		t.MaxRetries = 0
	}
	if len(t.Parameters) == 0 {
		t.Parameters = []byte(`{}`)
	}

	if t.IdempotencyKey != nil {
		if id, ok, err := r.findByIdempotencyKey(ctx, *t.IdempotencyKey); err != nil {
			return 0, err
		} else if ok {
			return id, nil
		}
	}

	now := nowMillis()
	res, err := r.db.ExecContext(ctx, `
INSERT INTO task_queue (task_type, parameters, priority, state, status, retry_count, max_retries, idempotency_key, created_at, updated_at)
VALUES (?,?,?,?,'queued',0,?,?,?,?)
`, t.Type, t.Parameters, t.Priority, t.State, t.MaxRetries, t.IdempotencyKey, now, now)
	if err != nil {
		// Two callers can race past the key check above; the partial
		// unique index decides, and the loser adopts the surviving row.
		if t.IdempotencyKey != nil && isUniqueViolation(err) {
			if id, ok, ferr := r.findByIdempotencyKey(ctx, *t.IdempotencyKey); ferr == nil && ok {
				return id, nil
			}
		}
		return 0, err
	}
	return res.LastInsertId()
}

// findByIdempotencyKey looks up the live holder of a key. Terminally failed
// tasks release their key, so re-submitting after a hard failure creates a
// fresh task.
func (r *sqliteRepo) findByIdempotencyKey(ctx context.Context, key string) (int64, bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id FROM task_queue WHERE idempotency_key = ? AND status != 'failed'`, key)
	var id int64
	err := row.Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqliteConstraintUnique
}

// Claim hands at most one queued task to workerID. Selection and transition
// happen in a single statement, so two concurrent claimers can never take
// the same row: one wins it, the other sees a different task or nothing.
// A nil task with a nil error means nothing was eligible. An empty
// taskTypes slice means any type.
func (r *sqliteRepo) Claim(ctx context.Context, workerID string, taskTypes []string, strat Strategy) (*domain.Task, error) {
	now := nowMillis()
	filter := ""
	args := []any{workerID, now, now}
	if len(taskTypes) > 0 {
		filter = " AND task_type IN (?" + strings.Repeat(",?", len(taskTypes)-1) + ")"
		for _, tt := range taskTypes {
			args = append(args, tt)
		}
	}

	query := `
UPDATE task_queue
SET status='claimed', claimed_by=?, started_at=?, updated_at=?
WHERE id = (
  SELECT id FROM task_queue
  WHERE status='queued'` + filter + `
  ORDER BY ` + strat.orderClause() + `
  LIMIT 1
)
RETURNING ` + taskColumns
	t, err := scanTask(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// MarkRunning moves a claimed task to running. It reports false when the
// claim no longer holds, either because the task was reaped back to queued
// or because it belongs to another worker. Callers treat false as a lost
// claim, not a fault.
func (r *sqliteRepo) MarkRunning(ctx context.Context, id int64, workerID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE task_queue SET status='running', updated_at=?
WHERE id=? AND status='claimed' AND claimed_by=?`, nowMillis(), id, workerID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Complete records the outcome of an executed task. status must be
// completed or failed. A failure with retry_count < max_retries goes back
// to queued for another attempt instead of failing terminally; the error
// message stays on record either way. Completing a task already in a
// terminal status returns ErrAlreadyTerminal.
func (r *sqliteRepo) Complete(ctx context.Context, id int64, status domain.Status, resultOrError string) error {
	if status != domain.StatusCompleted && status != domain.StatusFailed {
		return fmt.Errorf("%w: %q (allowed: completed, failed)", ErrInvalidStatus, status)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		current                domain.Status
		retryCount, maxRetries int
	)
	row := tx.QueryRowContext(ctx, `SELECT status, retry_count, max_retries FROM task_queue WHERE id=?`, id)
	if err := row.Scan(&current, &retryCount, &maxRetries); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("task %d: %w", id, ErrNotFound)
		}
		return err
	}
	if current.Terminal() {
		return fmt.Errorf("task %d is %s: %w", id, current, ErrAlreadyTerminal)
	}

	now := nowMillis()
	switch {
	case status == domain.StatusCompleted:
		_, err = tx.ExecContext(ctx, `
UPDATE task_queue SET status='completed', result_data=?, error_message=NULL, claimed_by=NULL, completed_at=?, updated_at=?
WHERE id=?`, resultOrError, now, now, id)
	case retryCount < maxRetries:
		_, err = tx.ExecContext(ctx, `
UPDATE task_queue SET status='queued', retry_count=retry_count+1, error_message=?, claimed_by=NULL, started_at=NULL, updated_at=?
WHERE id=?`, resultOrError, now, id)
	default:
		_, err = tx.ExecContext(ctx, `
UPDATE task_queue SET status='failed', error_message=?, claimed_by=NULL, completed_at=?, updated_at=?
WHERE id=?`, resultOrError, now, now, id)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (r *sqliteRepo) Get(ctx context.Context, id int64) (domain.Task, error) {
	t, err := scanTask(r.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM task_queue WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return domain.Task{}, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return t, err
}

// Stats counts tasks by status in one query, so the returned numbers are a
// consistent snapshot.
func (r *sqliteRepo) Stats(ctx context.Context) (domain.Stats, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM task_queue GROUP BY status`)
	if err != nil {
		return domain.Stats{}, err
	}
	defer rows.Close()

	var s domain.Stats
	for rows.Next() {
		var status domain.Status
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return domain.Stats{}, err
		}
		switch status {
		case domain.StatusQueued:
			s.Queued = n
		case domain.StatusClaimed:
			s.Claimed = n
		case domain.StatusRunning:
			s.Running = n
		case domain.StatusCompleted:
			s.Completed = n
		case domain.StatusFailed:
			s.Failed = n
		}
		s.Total += n
	}
	return s, rows.Err()
}

func (r *sqliteRepo) ListRecent(ctx context.Context, limit int) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+taskColumns+` FROM task_queue ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *sqliteRepo) Heartbeat(ctx context.Context, workerID string, currentTaskID *int64) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO worker_heartbeats (worker_id, last_seen_at, current_task_id) VALUES (?,?,?)
ON CONFLICT(worker_id) DO UPDATE SET last_seen_at=excluded.last_seen_at, current_task_id=excluded.current_task_id
`, workerID, nowMillis(), currentTaskID)
	return err
}

func (r *sqliteRepo) ListWorkers(ctx context.Context) ([]domain.WorkerHeartbeat, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT worker_id, last_seen_at, current_task_id FROM worker_heartbeats ORDER BY last_seen_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []domain.WorkerHeartbeat
	for rows.Next() {
		var (
			w        domain.WorkerHeartbeat
			lastSeen int64
			taskID   sql.NullInt64
		)
		if err := rows.Scan(&w.WorkerID, &lastSeen, &taskID); err != nil {
			return nil, err
		}
		w.LastSeenAt = millisToTime(lastSeen)
		if taskID.Valid {
			id := taskID.Int64
			w.CurrentTaskID = &id
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// ReapStale re-queues claimed and running tasks whose worker has not
// heartbeated within olderThan, or never heartbeated at all. Reclaiming
// does not touch retry_count: that counter tracks handler failures only.
func (r *sqliteRepo) ReapStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
UPDATE task_queue
SET status='queued', claimed_by=NULL, started_at=NULL, updated_at=?
WHERE status IN ('claimed','running')
  AND claimed_by NOT IN (SELECT worker_id FROM worker_heartbeats WHERE last_seen_at >= ?)
`, now.UnixMilli(), now.Add(-olderThan).UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) CreateSchedule(ctx context.Context, s domain.Schedule) (string, error) {
	id := s.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	if len(s.Parameters) == 0 {
		s.Parameters = []byte(`{}`)
	}

	now := nowMillis()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO schedules (id,name,cron_expr,task_type,parameters,priority,max_retries,state,enabled,last_run,next_run,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
`, id, s.Name, s.CronExpr, s.TaskType, s.Parameters, s.Priority, s.MaxRetries, s.State, s.Enabled,
		millisOrNil(s.LastRun), s.NextRun.UnixMilli(), now, now)
	return id, err
}

const scheduleColumns = `id, name, cron_expr, task_type, parameters, priority, max_retries, state, enabled, last_run, next_run, created_at, updated_at`

func scanSchedule(row rowScanner) (domain.Schedule, error) {
	var (
		s                             domain.Schedule
		lastRun                       sql.NullInt64
		nextRun, createdAt, updatedAt int64
	)
	err := row.Scan(&s.ID, &s.Name, &s.CronExpr, &s.TaskType, &s.Parameters, &s.Priority,
		&s.MaxRetries, &s.State, &s.Enabled, &lastRun, &nextRun, &createdAt, &updatedAt)
	if err != nil {
		return domain.Schedule{}, err
	}
	s.LastRun = nullableTime(lastRun)
	s.NextRun = millisToTime(nextRun)
	s.CreatedAt = millisToTime(createdAt)
	s.UpdatedAt = millisToTime(updatedAt)
	return s, nil
}

func (r *sqliteRepo) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	return r.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY name`)
}

func (r *sqliteRepo) GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	return r.querySchedules(ctx, `
SELECT `+scheduleColumns+` FROM schedules WHERE enabled=1 AND next_run <= ? ORDER BY next_run`, now.UnixMilli())
}

func (r *sqliteRepo) querySchedules(ctx context.Context, query string, args ...any) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func (r *sqliteRepo) DeleteSchedule(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM schedules WHERE id=?`, id)
	return err
}

func (r *sqliteRepo) UpdateScheduleLastRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET last_run=?, next_run=?, updated_at=? WHERE id=?`,
		lastRun.UnixMilli(), nextRun.UnixMilli(), nowMillis(), id)
	return err
}

package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimq/internal/domain"
	"claimq/internal/queue"
)

func newTestRepo(t *testing.T) (queue.Repository, *sql.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)",
		filepath.Join(t.TempDir(), "queue.db"))
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, queue.EnsureSchema(db))
	return queue.NewSQLiteRepo(db), db
}

func TestValidateCronExpression(t *testing.T) {
	assert.NoError(t, ValidateCronExpression("* * * * *"))
	assert.NoError(t, ValidateCronExpression("0 2 * * *"))
	assert.NoError(t, ValidateCronExpression("@hourly"))
	assert.Error(t, ValidateCronExpression("not a cron"))
	assert.Error(t, ValidateCronExpression(""))
}

func TestNextRunTime(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 30, 0, time.UTC)
	next, err := NextRunTime("* * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC), next)

	_, err = NextRunTime("bogus", from)
	assert.Error(t, err)
}

func TestProcessDueSchedulesEnqueues(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	now := time.Now()
	due := now.Add(-time.Minute)

	schedID, err := repo.CreateSchedule(ctx, domain.Schedule{
		Name: "nightly-render", CronExpr: "*/5 * * * *", TaskType: "render",
		Parameters: []byte(`{"quality":"high"}`), Priority: 7, MaxRetries: 2,
		State: "PrismQ.T.Video.Assembly", Enabled: true, NextRun: due,
	})
	require.NoError(t, err)

	svc := NewService(repo, time.Hour)
	svc.processDueSchedules(ctx, now)

	tasks, err := repo.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	task := tasks[0]
	assert.Equal(t, "render", task.Type)
	assert.Equal(t, 7, task.Priority)
	assert.Equal(t, 2, task.MaxRetries)
	assert.Equal(t, "PrismQ.T.Video.Assembly", task.State)
	assert.JSONEq(t, `{"quality":"high"}`, string(task.Parameters))
	require.NotNil(t, task.IdempotencyKey)
	assert.Equal(t, fmt.Sprintf("%s@%d", schedID, due.UnixMilli()), *task.IdempotencyKey)

	schedules, err := repo.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	require.NotNil(t, schedules[0].LastRun)
	assert.Equal(t, now.UnixMilli(), schedules[0].LastRun.UnixMilli())
	assert.True(t, schedules[0].NextRun.After(now), "next_run advances past now")
}

func TestProcessDueSchedulesFiresOnce(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	now := time.Now()
	due := now.Add(-time.Minute)

	schedID, err := repo.CreateSchedule(ctx, domain.Schedule{
		Name: "sweep", CronExpr: "* * * * *", TaskType: "demo",
		Enabled: true, NextRun: due,
	})
	require.NoError(t, err)

	svc := NewService(repo, time.Hour)
	svc.processDueSchedules(ctx, now)

	// Wind the schedule back to the same occurrence, as if the update had
	// been lost mid-crash. The fire key keeps the queue at one task.
	require.NoError(t, repo.UpdateScheduleLastRun(ctx, schedID, now, due))
	svc.processDueSchedules(ctx, now)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
}

func TestProcessDueSchedulesSkipsBadCron(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	now := time.Now()

	schedID, err := repo.CreateSchedule(ctx, domain.Schedule{
		Name: "broken", CronExpr: "* * * * *", TaskType: "demo",
		Enabled: true, NextRun: now.Add(-time.Minute),
	})
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE schedules SET cron_expr='not a cron' WHERE id=?`, schedID)
	require.NoError(t, err)

	svc := NewService(repo, time.Hour)
	svc.processDueSchedules(ctx, now)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Total, "nothing enqueued for an unparseable schedule")
}

func TestServiceProcessesOnTick(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	_, err := repo.CreateSchedule(ctx, domain.Schedule{
		Name: "every-minute", CronExpr: "* * * * *", TaskType: "demo",
		Enabled: true, NextRun: time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)

	svc := NewService(repo, 10*time.Millisecond)
	go svc.Start(ctx)
	defer svc.Stop()

	require.Eventually(t, func() bool {
		stats, err := repo.Stats(context.Background())
		return err == nil && stats.Queued == 1
	}, 2*time.Second, 10*time.Millisecond)
}

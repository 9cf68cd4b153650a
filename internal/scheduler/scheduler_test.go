package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadstitch/flowline/internal/store"
)

// fakeRunner records scheduled runs.
type fakeRunner struct {
	mu     sync.Mutex
	calls  []scheduledCall
	runErr error
}

type scheduledCall struct {
	workflowID string
	input      json.RawMessage
}

func (r *fakeRunner) RunScheduled(ctx context.Context, workflowID string, input json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, scheduledCall{workflowID: workflowID, input: input})
	return r.runErr
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestScheduler(t *testing.T) (*Scheduler, store.Store, *fakeRunner) {
	t.Helper()
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "sched-test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	runner := &fakeRunner{}
	return NewScheduler(st, runner, nil), st, runner
}

func saveSchedule(t *testing.T, st store.Store, sched *store.ScheduleRecord) {
	t.Helper()
	require.NoError(t, st.CreateSchedule(context.Background(), sched))
}

func past(t *testing.T) *time.Time {
	t.Helper()
	ts := time.Now().UTC().Add(-time.Minute)
	return &ts
}

func future(t *testing.T) *time.Time {
	t.Helper()
	ts := time.Now().UTC().Add(time.Hour)
	return &ts
}

func TestCalculateNextRun(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	from := time.Date(2026, 3, 1, 10, 2, 0, 0, time.UTC)
	next, err := s.CalculateNextRun("*/5 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC), next)

	next, err = s.CalculateNextRun("0 9 * * 1", from)
	require.NoError(t, err)
	assert.Equal(t, time.Monday, next.Weekday())
	assert.Equal(t, 9, next.Hour())
}

func TestCalculateNextRun_InvalidExpr(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	_, err := s.CalculateNextRun("not cron", time.Now())
	assert.Error(t, err)
}

func TestValidateCronExpr(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	assert.NoError(t, s.ValidateCronExpr("*/10 * * * *"))
	assert.NoError(t, s.ValidateCronExpr("0 0 1 * *"))
	assert.Error(t, s.ValidateCronExpr("61 * * * *"))
	assert.Error(t, s.ValidateCronExpr(""))
}

func TestTick_RunsDueSchedule(t *testing.T) {
	s, st, runner := newTestScheduler(t)
	ctx := context.Background()

	saveSchedule(t, st, &store.ScheduleRecord{
		ID:         "due",
		WorkflowID: "wf-1",
		CronExpr:   "*/5 * * * *",
		Input:      json.RawMessage(`{"source":"cron"}`),
		Enabled:    true,
		NextRunAt:  past(t),
	})

	s.tick(ctx)

	require.Equal(t, 1, runner.callCount())
	assert.Equal(t, "wf-1", runner.calls[0].workflowID)
	assert.JSONEq(t, `{"source":"cron"}`, string(runner.calls[0].input))

	got, err := st.GetSchedule(ctx, "due")
	require.NoError(t, err)
	require.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()), "next run advances into the future")
}

func TestTick_RunsScheduleWithNoNextRun(t *testing.T) {
	s, st, runner := newTestScheduler(t)
	ctx := context.Background()

	saveSchedule(t, st, &store.ScheduleRecord{
		ID: "fresh", WorkflowID: "wf-1", CronExpr: "0 * * * *", Enabled: true,
	})

	s.tick(ctx)

	assert.Equal(t, 1, runner.callCount(), "a schedule that never fired is due immediately")
	got, err := st.GetSchedule(ctx, "fresh")
	require.NoError(t, err)
	assert.NotNil(t, got.NextRunAt)
}

func TestTick_SkipsFutureAndDisabled(t *testing.T) {
	s, st, runner := newTestScheduler(t)
	ctx := context.Background()

	saveSchedule(t, st, &store.ScheduleRecord{
		ID: "later", WorkflowID: "wf-1", CronExpr: "0 * * * *", Enabled: true, NextRunAt: future(t),
	})
	saveSchedule(t, st, &store.ScheduleRecord{
		ID: "off", WorkflowID: "wf-1", CronExpr: "0 * * * *", Enabled: false, NextRunAt: past(t),
	})

	s.tick(ctx)
	assert.Equal(t, 0, runner.callCount())
}

func TestTick_AdvancesEvenWhenRunFails(t *testing.T) {
	s, st, runner := newTestScheduler(t)
	runner.runErr = errors.New("workflow exploded")
	ctx := context.Background()

	saveSchedule(t, st, &store.ScheduleRecord{
		ID: "broken", WorkflowID: "wf-1", CronExpr: "*/5 * * * *", Enabled: true, NextRunAt: past(t),
	})

	s.tick(ctx)

	require.Equal(t, 1, runner.callCount())
	got, err := st.GetSchedule(ctx, "broken")
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()),
		"a failing workflow must not wedge the schedule into firing every tick")
}

func TestTick_DedupsInflightSchedule(t *testing.T) {
	s, st, runner := newTestScheduler(t)
	ctx := context.Background()

	saveSchedule(t, st, &store.ScheduleRecord{
		ID: "busy", WorkflowID: "wf-1", CronExpr: "* * * * *", Enabled: true, NextRunAt: past(t),
	})

	require.True(t, s.tryAcquire("busy"))
	s.tick(ctx)
	assert.Equal(t, 0, runner.callCount(), "in-flight schedule must not double-fire")

	s.release("busy")
	s.tick(ctx)
	assert.Equal(t, 1, runner.callCount())
}

func TestRecoverMissed(t *testing.T) {
	s, st, runner := newTestScheduler(t)
	ctx := context.Background()

	saveSchedule(t, st, &store.ScheduleRecord{
		ID: "missed", WorkflowID: "wf-1", CronExpr: "0 * * * *", Enabled: true, NextRunAt: past(t),
	})
	saveSchedule(t, st, &store.ScheduleRecord{
		ID: "upcoming", WorkflowID: "wf-2", CronExpr: "0 * * * *", Enabled: true, NextRunAt: future(t),
	})
	saveSchedule(t, st, &store.ScheduleRecord{
		ID: "never-ran", WorkflowID: "wf-3", CronExpr: "0 * * * *", Enabled: true,
	})

	require.NoError(t, s.RecoverMissed(ctx))

	require.Equal(t, 1, runner.callCount(), "only past-due schedules with a recorded next run recover")
	assert.Equal(t, "wf-1", runner.calls[0].workflowID)

	got, err := st.GetSchedule(ctx, "missed")
	require.NoError(t, err)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestStartStop(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	assert.Error(t, s.Start(ctx), "second start must fail")

	require.NoError(t, s.Stop())
	assert.NoError(t, s.Stop(), "stop is idempotent")

	// A stopped scheduler can start again.
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Stop())
}

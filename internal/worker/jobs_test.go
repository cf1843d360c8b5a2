package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recallbot/internal/models"
	"recallbot/internal/scheduler"
)

type conflictScheduler struct{}

func (conflictScheduler) Schedule(context.Context, string) (scheduler.Outcome, error) {
	return scheduler.OutcomeConflict, nil
}

func (conflictScheduler) Remove(context.Context, string) (scheduler.Outcome, error) {
	return scheduler.OutcomeRemoved, nil
}

type countingSyncer struct {
	all      int
	calendar []string
	checks   int
}

func (c *countingSyncer) SyncAll(context.Context) error { c.all++; return nil }

func (c *countingSyncer) SyncCalendar(_ context.Context, id string, _ time.Time) error {
	c.calendar = append(c.calendar, id)
	return nil
}

func (c *countingSyncer) CheckAll(context.Context) error { c.checks++; return nil }

type countingBackup struct{ runs int }

func (b *countingBackup) Run(context.Context) error { b.runs++; return nil }
func (b *countingBackup) Interval() time.Duration { return time.Hour }

func TestDispatcherRoutesEveryKind(t *testing.T) {
	syncer := &countingSyncer{}
	backup := &countingBackup{}
	d := &Dispatcher{Syncer: syncer, Scheduler: conflictScheduler{}, Monitor: syncer, Backup: backup}
	ctx := context.Background()

	payloads := []models.JobPayload{
		models.PeriodicSyncPayload{},
		models.WebhookSyncPayload{CalendarID: "cal-1"},
		models.BotSchedulePayload{RemoteEventID: "E1"},
		models.BotRemovePayload{RemoteEventID: "E1"},
		models.ConnectionCheckPayload{},
		models.StoreBackupPayload{},
	}
	require.Len(t, payloads, len(models.JobNames))
	for _, p := range payloads {
		require.NoError(t, d.Handle(ctx, nil, p), p.JobName())
	}

	assert.Equal(t, 1, syncer.all)
	assert.Equal(t, []string{"cal-1"}, syncer.calendar)
	assert.Equal(t, 1, syncer.checks)
	assert.Equal(t, 1, backup.runs)
}

func TestDispatcherWithoutBackup(t *testing.T) {
	d := &Dispatcher{}
	assert.NoError(t, d.Handle(context.Background(), nil, models.StoreBackupPayload{}))
}

func TestRetryPolicyNextDelay(t *testing.T) {
	p := RetryPolicy{InitialDelay: time.Second, MaxDelay: 10 * time.Second, BackoffFactor: 2}
	assert.Equal(t, time.Second, p.NextDelay(0))
	assert.Equal(t, time.Second, p.NextDelay(1))
	assert.Equal(t, 4*time.Second, p.NextDelay(3))
	assert.Equal(t, 10*time.Second, p.NextDelay(10))

	p.Jitter = 0.5
	for range 20 {
		d := p.NextDelay(2)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}

	defaults := RetryPolicy{}.withDefaults()
	assert.Equal(t, 5, defaults.MaxAttempts)
	assert.True(t, defaults.Exhausted(5, 0))
	assert.False(t, defaults.Exhausted(1, 3))
}

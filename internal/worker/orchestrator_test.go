package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recallbot/internal/config"
	"recallbot/internal/database"
	"recallbot/internal/events"
	"recallbot/internal/models"
)

type harness struct {
	db    *database.DB
	redis *redis.Client
	mr    *miniredis.Miniredis
	bus   *events.EventBus
	orch  *Orchestrator
	now   time.Time

	mu     sync.Mutex
	events []string
}

func newHarness(t *testing.T, withRedis bool) *harness {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "jobs.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{db: db, bus: events.NewEventBus(), now: time.Now().UTC()}
	if withRedis {
		h.mr = miniredis.RunT(t)
		h.redis = redis.NewClient(&redis.Options{Addr: h.mr.Addr()})
		t.Cleanup(func() { h.redis.Close() })
	}

	h.bus.Subscribe(events.AllTypes, func(ev *events.Event) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, ev.Type)
		return nil
	})

	h.orch = NewOrchestrator(db, h.redis, h.bus, config.SchedulerConfig{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		PollInterval: 20 * time.Millisecond,
		LockDuration: time.Minute,
	}, &logger)
	h.orch.now = func() time.Time { return h.now }
	return h
}

func (h *harness) seen(eventType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e == eventType {
			n++
		}
	}
	return n
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

func TestEnqueueIsIdempotentByKey(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	payload := models.BotSchedulePayload{RemoteEventID: "E1"}
	opts := models.EnqueueOptions{JobKey: models.BotScheduleJobKey("E1")}

	first, err := h.orch.Enqueue(ctx, payload, opts)
	require.NoError(t, err)
	second, err := h.orch.Enqueue(ctx, payload, opts)
	require.NoError(t, err)

	assert.Equal(t, first.Handle, second.Handle)
	count, err := h.db.CountJobs(ctx, models.JobBotSchedule, "")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEnqueueWithoutKeyAlwaysInserts(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	for range 2 {
		_, err := h.orch.Enqueue(ctx, models.ConnectionCheckPayload{}, models.EnqueueOptions{})
		require.NoError(t, err)
	}
	count, err := h.db.CountJobs(ctx, models.JobConnectionCheck, "")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRunNextCompletesAndDiscardsJob(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	var got models.JobPayload
	require.NoError(t, h.orch.RegisterHandler(models.JobWebhookSync, 1, func(_ context.Context, _ *models.Job, p models.JobPayload) error {
		got = p
		return nil
	}))

	changed := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	_, err := h.orch.Enqueue(ctx, models.WebhookSyncPayload{CalendarID: "cal-1", ChangedSince: changed}, models.EnqueueOptions{
		JobKey: models.WebhookSyncJobKey("cal-1", changed),
	})
	require.NoError(t, err)

	assert.True(t, h.orch.RunNext(ctx, models.JobWebhookSync))
	assert.False(t, h.orch.RunNext(ctx, models.JobWebhookSync))

	require.IsType(t, models.WebhookSyncPayload{}, got)
	assert.Equal(t, "cal-1", got.(models.WebhookSyncPayload).CalendarID)

	count, err := h.db.CountJobs(ctx, models.JobWebhookSync, "")
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Equal(t, 1, h.seen(events.EventJobStarted))
	assert.Equal(t, 1, h.seen(events.EventJobCompleted))

	// a finished key can be enqueued again
	_, err = h.orch.Enqueue(ctx, models.WebhookSyncPayload{CalendarID: "cal-1", ChangedSince: changed}, models.EnqueueOptions{
		JobKey: models.WebhookSyncJobKey("cal-1", changed),
	})
	require.NoError(t, err)
	count, err = h.db.CountJobs(ctx, models.JobWebhookSync, models.JobWaiting)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRetryThenDeadLetter(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	calls := 0
	require.NoError(t, h.orch.RegisterHandler(models.JobBotSchedule, 1, func(context.Context, *models.Job, models.JobPayload) error {
		calls++
		return errors.New("provider unavailable")
	}))

	_, err := h.orch.Enqueue(ctx, models.BotSchedulePayload{RemoteEventID: "E1"}, models.EnqueueOptions{JobKey: "bot-schedule-E1"})
	require.NoError(t, err)

	require.True(t, h.orch.RunNext(ctx, models.JobBotSchedule))
	job, err := h.db.GetLiveJobByKey(ctx, "bot-schedule-E1")
	require.NoError(t, err)
	assert.Equal(t, models.JobWaiting, job.State)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "provider unavailable", job.LastError)
	assert.True(t, job.RunAt.After(h.now))

	// not due yet
	assert.False(t, h.orch.RunNext(ctx, models.JobBotSchedule))

	for range 2 {
		h.advance(time.Minute)
		require.True(t, h.orch.RunNext(ctx, models.JobBotSchedule))
	}
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, h.seen(events.EventJobRetrying))
	assert.Equal(t, 1, h.seen(events.EventJobFailed))
	assert.Equal(t, 1, h.seen(events.EventJobDeadLettered))

	_, err = h.db.GetLiveJobByKey(ctx, "bot-schedule-E1")
	assert.ErrorIs(t, err, database.ErrNotFound)

	dead, err := h.orch.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "bot-schedule-E1", dead[0].Key)
	assert.Equal(t, models.JobFailed, dead[0].State)
}

func TestAbsorbedErrorCompletesWithoutRetry(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	d := &Dispatcher{Scheduler: conflictScheduler{}}
	require.NoError(t, h.orch.RegisterHandler(models.JobBotSchedule, 2, d.Handle))

	_, err := h.orch.Enqueue(ctx, models.BotSchedulePayload{RemoteEventID: "E1"}, models.EnqueueOptions{JobKey: "bot-schedule-E1"})
	require.NoError(t, err)
	require.True(t, h.orch.RunNext(ctx, models.JobBotSchedule))

	assert.Equal(t, 1, h.seen(events.EventJobCompleted))
	assert.Zero(t, h.seen(events.EventJobRetrying))
	assert.Zero(t, h.seen(events.EventJobFailed))
	count, err := h.db.CountJobs(ctx, models.JobBotSchedule, "")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestHandlerPanicIsRetried(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	require.NoError(t, h.orch.RegisterHandler(models.JobBotRemove, 1, func(context.Context, *models.Job, models.JobPayload) error {
		panic("boom")
	}))

	_, err := h.orch.Enqueue(ctx, models.BotRemovePayload{RemoteEventID: "E1"}, models.EnqueueOptions{})
	require.NoError(t, err)
	require.True(t, h.orch.RunNext(ctx, models.JobBotRemove))

	jobs, err := h.db.ListJobs(ctx, models.JobBotRemove)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Contains(t, jobs[0].LastError, "handler panic: boom")
	assert.Equal(t, 1, h.seen(events.EventJobRetrying))
}

func TestRepeatReschedulesInPlace(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	runs := 0
	require.NoError(t, h.orch.RegisterHandler(models.JobPeriodicSync, 1, func(context.Context, *models.Job, models.JobPayload) error {
		runs++
		if runs == 2 {
			return errors.New("scan failed")
		}
		return nil
	}))

	first, err := h.orch.Repeat(ctx, models.PeriodicSyncPayload{}, time.Minute)
	require.NoError(t, err)
	second, err := h.orch.Repeat(ctx, models.PeriodicSyncPayload{}, 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2*time.Minute, second.RepeatEvery)

	require.True(t, h.orch.RunNext(ctx, models.JobPeriodicSync))
	assert.False(t, h.orch.RunNext(ctx, models.JobPeriodicSync))

	jobs, err := h.db.ListJobs(ctx, models.JobPeriodicSync)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobWaiting, jobs[0].State)
	assert.Equal(t, 0, jobs[0].Attempts)
	assert.WithinDuration(t, h.now.Add(2*time.Minute), jobs[0].RunAt, time.Second)

	h.advance(2 * time.Minute)
	require.True(t, h.orch.RunNext(ctx, models.JobPeriodicSync))
	jobs, err = h.db.ListJobs(ctx, models.JobPeriodicSync)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "scan failed", jobs[0].LastError)
	assert.Equal(t, 2, runs)
}

func TestReapStalledMakesJobClaimableAgain(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	ran := 0
	require.NoError(t, h.orch.RegisterHandler(models.JobBotSchedule, 1, func(context.Context, *models.Job, models.JobPayload) error {
		ran++
		return nil
	}))
	_, err := h.orch.Enqueue(ctx, models.BotSchedulePayload{RemoteEventID: "E1"}, models.EnqueueOptions{JobKey: "bot-schedule-E1"})
	require.NoError(t, err)

	// a worker claimed the job and died
	_, err = h.db.ClaimJob(ctx, models.JobBotSchedule, h.now, h.now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, h.orch.RunNext(ctx, models.JobBotSchedule))

	h.advance(2 * time.Second)
	assert.Equal(t, 1, h.orch.ReapStalled(ctx))
	assert.Equal(t, 1, h.seen(events.EventJobStalled))

	// still live, so the key stays taken
	again, err := h.orch.Enqueue(ctx, models.BotSchedulePayload{RemoteEventID: "E1"}, models.EnqueueOptions{JobKey: "bot-schedule-E1"})
	require.NoError(t, err)
	assert.Equal(t, models.JobStalled, again.State)

	require.True(t, h.orch.RunNext(ctx, models.JobBotSchedule))
	assert.Equal(t, 1, ran)
}

func TestReapStalledFailsExhaustedJob(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	_, err := h.orch.Enqueue(ctx, models.BotSchedulePayload{RemoteEventID: "E1"}, models.EnqueueOptions{JobKey: "k", MaxAttempts: 1})
	require.NoError(t, err)
	_, err = h.db.ClaimJob(ctx, models.JobBotSchedule, h.now, h.now.Add(time.Second))
	require.NoError(t, err)

	h.advance(2 * time.Second)
	assert.Equal(t, 1, h.orch.ReapStalled(ctx))
	assert.Equal(t, 1, h.seen(events.EventJobFailed))

	count, err := h.db.CountJobs(ctx, models.JobBotSchedule, "")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestLateResultAfterReclaimIsDropped(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	key := models.BotScheduleJobKey("E1")

	started := make(chan int, 2)
	release := []chan struct{}{make(chan struct{}), make(chan struct{})}
	var runs atomic.Int32
	require.NoError(t, h.orch.RegisterHandler(models.JobBotSchedule, 2, func(context.Context, *models.Job, models.JobPayload) error {
		n := int(runs.Add(1)) - 1
		started <- n
		<-release[n]
		return nil
	}))

	original, err := h.orch.Enqueue(ctx, models.BotSchedulePayload{RemoteEventID: "E1"}, models.EnqueueOptions{JobKey: key})
	require.NoError(t, err)

	runInBackground := func() chan bool {
		done := make(chan bool, 1)
		go func() { done <- h.orch.RunNext(ctx, models.JobBotSchedule) }()
		return done
	}
	waitStarted := func(want int) {
		t.Helper()
		select {
		case n := <-started:
			require.Equal(t, want, n)
		case <-time.After(5 * time.Second):
			t.Fatalf("run %d did not start", want)
		}
	}

	firstDone := runInBackground()
	waitStarted(0)

	// the first run outlives its lock and another worker picks the job up
	h.advance(2 * time.Minute)
	require.Equal(t, 1, h.orch.ReapStalled(ctx))
	secondDone := runInBackground()
	waitStarted(1)

	close(release[0])
	require.True(t, <-firstDone)

	again, err := h.orch.Enqueue(ctx, models.BotSchedulePayload{RemoteEventID: "E1"}, models.EnqueueOptions{JobKey: key})
	require.NoError(t, err)
	assert.Equal(t, original.ID, again.ID)
	assert.Equal(t, models.JobActive, again.State)
	assert.Equal(t, int64(2), again.Claim)
	assert.Zero(t, h.seen(events.EventJobCompleted))

	count, err := h.db.CountJobs(ctx, models.JobBotSchedule, "")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	close(release[1])
	require.True(t, <-secondDone)
	assert.Equal(t, 1, h.seen(events.EventJobCompleted))
	count, err = h.db.CountJobs(ctx, models.JobBotSchedule, "")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestLateFailureAfterReclaimDoesNotDeadLetter(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	require.NoError(t, h.orch.RegisterHandler(models.JobBotRemove, 1, func(context.Context, *models.Job, models.JobPayload) error {
		started <- struct{}{}
		<-release
		return errors.New("provider unavailable")
	}))
	_, err := h.orch.Enqueue(ctx, models.BotRemovePayload{RemoteEventID: "E1"}, models.EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)

	done := make(chan bool, 1)
	go func() { done <- h.orch.RunNext(ctx, models.JobBotRemove) }()
	<-started

	// reaped as stalled on its final attempt and failed by the reaper
	h.advance(2 * time.Minute)
	require.Equal(t, 1, h.orch.ReapStalled(ctx))

	close(release)
	require.True(t, <-done)

	dead, err := h.orch.DeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, dead, 1)
	assert.Equal(t, 1, h.seen(events.EventJobDeadLettered))
	assert.Zero(t, h.seen(events.EventJobRetrying))
}

type gauge struct {
	mu   sync.Mutex
	cur  int
	peak int
}

func (g *gauge) enter() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cur++
	if g.cur > g.peak {
		g.peak = g.cur
	}
}

func (g *gauge) leave() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cur--
}

func (g *gauge) read() (cur, peak int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cur, g.peak
}

func TestStartHonorsPerKindConcurrency(t *testing.T) {
	h := newHarness(t, false)
	h.orch.now = time.Now
	ctx := context.Background()

	const scheduleJobs, syncJobs = 5, 3
	var scheduling, syncing gauge
	gate := make(chan struct{})
	done := make(chan models.JobName, scheduleJobs+syncJobs)

	require.NoError(t, h.orch.RegisterHandler(models.JobBotSchedule, 2, func(ctx context.Context, _ *models.Job, _ models.JobPayload) error {
		scheduling.enter()
		defer scheduling.leave()
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
		done <- models.JobBotSchedule
		return nil
	}))
	require.NoError(t, h.orch.RegisterHandler(models.JobPeriodicSync, 1, func(context.Context, *models.Job, models.JobPayload) error {
		syncing.enter()
		defer syncing.leave()
		time.Sleep(30 * time.Millisecond)
		done <- models.JobPeriodicSync
		return nil
	}))

	for i := range scheduleJobs {
		id := fmt.Sprintf("E%d", i)
		_, err := h.orch.Enqueue(ctx, models.BotSchedulePayload{RemoteEventID: id}, models.EnqueueOptions{JobKey: models.BotScheduleJobKey(id)})
		require.NoError(t, err)
	}
	for range syncJobs {
		_, err := h.orch.Enqueue(ctx, models.PeriodicSyncPayload{}, models.EnqueueOptions{})
		require.NoError(t, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		h.orch.Start(runCtx)
		close(stopped)
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	require.Eventually(t, func() bool {
		cur, _ := scheduling.read()
		return cur == 2
	}, 5*time.Second, 5*time.Millisecond)

	// several poll intervals pass with both slots held
	time.Sleep(150 * time.Millisecond)
	cur, peak := scheduling.read()
	assert.Equal(t, 2, cur)
	assert.Equal(t, 2, peak)

	close(gate)
	seen := map[models.JobName]int{}
	for range scheduleJobs + syncJobs {
		select {
		case name := <-done:
			seen[name]++
		case <-time.After(5 * time.Second):
			t.Fatalf("jobs did not finish: %v", seen)
		}
	}
	assert.Equal(t, scheduleJobs, seen[models.JobBotSchedule])
	assert.Equal(t, syncJobs, seen[models.JobPeriodicSync])

	_, peak = scheduling.read()
	assert.Equal(t, 2, peak)
	_, peak = syncing.read()
	assert.Equal(t, 1, peak)
}

func TestRegisterHandlerRejectsDuplicates(t *testing.T) {
	h := newHarness(t, false)
	noop := func(context.Context, *models.Job, models.JobPayload) error { return nil }

	require.NoError(t, h.orch.RegisterHandler(models.JobBotSchedule, 2, noop))
	assert.Error(t, h.orch.RegisterHandler(models.JobBotSchedule, 2, noop))
	assert.Error(t, h.orch.RegisterHandler(models.JobBotRemove, 1, nil))
}

func TestStartProcessesEnqueuedJobs(t *testing.T) {
	for _, withRedis := range []bool{false, true} {
		name := "memory"
		if withRedis {
			name = "redis"
		}
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, withRedis)
			h.orch.now = time.Now

			done := make(chan string, 4)
			require.NoError(t, h.orch.RegisterHandler(models.JobBotSchedule, 2, func(_ context.Context, _ *models.Job, p models.JobPayload) error {
				done <- p.(models.BotSchedulePayload).RemoteEventID
				return nil
			}))

			ctx, cancel := context.WithCancel(context.Background())
			stopped := make(chan struct{})
			go func() {
				h.orch.Start(ctx)
				close(stopped)
			}()

			_, err := h.orch.Enqueue(context.Background(), models.BotSchedulePayload{RemoteEventID: "E1"}, models.EnqueueOptions{})
			require.NoError(t, err)

			select {
			case id := <-done:
				assert.Equal(t, "E1", id)
			case <-time.After(5 * time.Second):
				t.Fatal("job was not processed")
			}

			cancel()
			select {
			case <-stopped:
			case <-time.After(5 * time.Second):
				t.Fatal("orchestrator did not stop")
			}
		})
	}
}

func TestInstallRegistersAllKindsAndSchedules(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	d := &Dispatcher{Syncer: &countingSyncer{}, Scheduler: conflictScheduler{}, Monitor: &countingSyncer{}}
	require.NoError(t, Install(ctx, h.orch, d, config.SchedulerConfig{
		SyncInterval:            2 * time.Minute,
		ConnectionCheckInterval: 15 * time.Minute,
	}))

	for _, name := range models.JobNames {
		assert.Contains(t, h.orch.handlers, name)
	}
	periodic, err := h.db.GetLiveJobByKey(ctx, models.RepeatJobKey(models.JobPeriodicSync))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, periodic.RepeatEvery)
	_, err = h.db.GetLiveJobByKey(ctx, models.RepeatJobKey(models.JobConnectionCheck))
	require.NoError(t, err)
	_, err = h.db.GetLiveJobByKey(ctx, models.RepeatJobKey(models.JobStoreBackup))
	assert.ErrorIs(t, err, database.ErrNotFound)
}

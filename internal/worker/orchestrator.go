package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"recallbot/internal/config"
	"recallbot/internal/database"
	"recallbot/internal/domain"
	"recallbot/internal/events"
	"recallbot/internal/logging"
	"recallbot/internal/models"
)

const (
	queueKeyPrefix = "recallbot:jobs:"
	deadLetterKey  = "recallbot:jobs:deadletter"

	bookkeepingTimeout = 5 * time.Second
)

// Handler runs one job. A returned error marks the attempt failed.
type Handler func(ctx context.Context, job *models.Job, payload models.JobPayload) error

type registration struct {
	name        models.JobName
	concurrency int
	fn          Handler
	wake        chan struct{}
}

// Orchestrator is a persistent at-least-once job queue. Jobs live in the
// sqlite jobs table; Redis, when configured, only carries wake-up signals
// and the dead-letter list, so any number of processes can share one store.
type Orchestrator struct {
	db           *database.DB
	redis        *redis.Client
	bus          *events.EventBus
	retry        RetryPolicy
	pollInterval time.Duration
	lockDuration time.Duration
	logger       *zerolog.Logger
	now          func() time.Time

	mu       sync.RWMutex
	handlers map[models.JobName]*registration
	started  bool
}

var _ domain.Enqueuer = (*Orchestrator)(nil)

// NewOrchestrator builds an orchestrator. redisClient and bus may be nil.
func NewOrchestrator(
	db *database.DB,
	redisClient *redis.Client,
	bus *events.EventBus,
	cfg config.SchedulerConfig,
	logger *zerolog.Logger,
) *Orchestrator {
	retry := RetryPolicy{
		MaxAttempts:  cfg.MaxAttempts,
		InitialDelay: cfg.InitialDelay,
		MaxDelay:     cfg.MaxDelay,
		Jitter:       0.1,
	}.withDefaults()

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	lock := cfg.LockDuration
	if lock <= 0 {
		lock = 5 * time.Minute
	}

	return &Orchestrator{
		db:           db,
		redis:        redisClient,
		bus:          bus,
		retry:        retry,
		pollInterval: poll,
		lockDuration: lock,
		logger:       logging.Component(logger, "orchestrator"),
		now:          time.Now,
		handlers:     make(map[models.JobName]*registration),
	}
}

// RegisterHandler binds fn to jobs of name with at most concurrency parallel runs.
func (o *Orchestrator) RegisterHandler(name models.JobName, concurrency int, fn Handler) error {
	if fn == nil {
		return errors.New("handler is required")
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return fmt.Errorf("register %s: orchestrator already started", name)
	}
	if _, exists := o.handlers[name]; exists {
		return fmt.Errorf("handler for %s already registered", name)
	}
	o.handlers[name] = &registration{
		name:        name,
		concurrency: concurrency,
		fn:          fn,
		wake:        make(chan struct{}, 1),
	}
	return nil
}

// Enqueue persists a job. When opts.JobKey matches a job that is still
// waiting, active or stalled, nothing is written and that job is returned.
func (o *Orchestrator) Enqueue(ctx context.Context, payload models.JobPayload, opts models.EnqueueOptions) (*models.Job, error) {
	job, _, err := o.enqueue(ctx, payload, opts)
	return job, err
}

// Repeat installs a repeating job of payload's kind, or updates the interval
// of the one already installed.
func (o *Orchestrator) Repeat(ctx context.Context, payload models.JobPayload, every time.Duration) (*models.Job, error) {
	if every <= 0 {
		return nil, fmt.Errorf("repeat %s: interval must be positive", payload.JobName())
	}
	job, inserted, err := o.enqueue(ctx, payload, models.EnqueueOptions{
		JobKey:      models.RepeatJobKey(payload.JobName()),
		RepeatEvery: every,
	})
	if err != nil {
		return nil, err
	}
	if !inserted && job.RepeatEvery != every {
		if err := o.db.SetJobRepeat(ctx, job.ID, every); err != nil {
			return nil, fmt.Errorf("update repeat of %s: %w", payload.JobName(), err)
		}
		job.RepeatEvery = every
	}
	return job, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, payload models.JobPayload, opts models.EnqueueOptions) (*models.Job, bool, error) {
	if payload == nil {
		return nil, false, errors.New("job payload is required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("encode payload: %w", err)
	}

	handle := uuid.NewString()
	key := opts.JobKey
	if key == "" {
		key = handle
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = o.retry.MaxAttempts
	}

	job := &models.Job{
		Handle:      handle,
		Key:         key,
		Name:        payload.JobName(),
		Payload:     raw,
		MaxAttempts: maxAttempts,
		RunAt:       o.now().Add(opts.Delay),
		RepeatEvery: opts.RepeatEvery,
	}

	stored, inserted, err := o.db.InsertJob(ctx, job)
	if err != nil {
		return nil, false, fmt.Errorf("persist job: %w", err)
	}
	if !inserted {
		o.logger.Debug().Str("job", string(job.Name)).Str("key", key).Str("existing", stored.Handle).Msg("job already queued")
		return stored, false, nil
	}

	if opts.Delay <= 0 {
		o.signal(ctx, job.Name)
	}
	return stored, true, nil
}

// signal wakes one worker of name.
func (o *Orchestrator) signal(ctx context.Context, name models.JobName) {
	if o.redis != nil {
		if err := o.redis.LPush(ctx, queueKeyPrefix+string(name), o.now().UnixNano()).Err(); err != nil {
			o.logger.Warn().Err(err).Str("job", string(name)).Msg("redis wake-up failed, relying on local signal")
		} else {
			return
		}
	}

	o.mu.RLock()
	reg, ok := o.handlers[name]
	o.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case reg.wake <- struct{}{}:
	default:
	}
}

// Start runs the worker pools and the stall reaper until ctx is done.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	o.started = true
	regs := make([]*registration, 0, len(o.handlers))
	for _, reg := range o.handlers {
		regs = append(regs, reg)
	}
	o.mu.Unlock()

	o.logger.Info().Int("handlers", len(regs)).Msg("orchestrator started")
	defer o.logger.Info().Msg("orchestrator stopped")

	var wg sync.WaitGroup
	for _, reg := range regs {
		for slot := 0; slot < reg.concurrency; slot++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				o.runWorker(ctx, reg)
			}()
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.runReaper(ctx)
	}()

	wg.Wait()
}

func (o *Orchestrator) runWorker(ctx context.Context, reg *registration) {
	for {
		if ctx.Err() != nil {
			return
		}
		if o.RunNext(ctx, reg.name) {
			continue
		}
		o.wait(ctx, reg)
	}
}

// wait blocks until a wake-up signal, the poll interval, or ctx cancellation.
func (o *Orchestrator) wait(ctx context.Context, reg *registration) {
	if o.redis != nil {
		_, err := o.redis.BRPop(ctx, o.pollInterval, queueKeyPrefix+string(reg.name)).Result()
		if err == nil || errors.Is(err, redis.Nil) || ctx.Err() != nil {
			return
		}
		o.logger.Warn().Err(err).Str("job", string(reg.name)).Msg("redis BRPOP error")
	}

	timer := time.NewTimer(o.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-reg.wake:
	case <-timer.C:
	}
}

// RunNext claims and runs one due job of name. It reports whether a job was found.
func (o *Orchestrator) RunNext(ctx context.Context, name models.JobName) bool {
	o.mu.RLock()
	reg, ok := o.handlers[name]
	o.mu.RUnlock()
	if !ok {
		return false
	}

	now := o.now()
	job, err := o.db.ClaimJob(ctx, name, now, now.Add(o.lockDuration))
	if errors.Is(err, database.ErrNotFound) {
		return false
	}
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Error().Err(err).Str("job", string(name)).Msg("claim failed")
		}
		return false
	}

	o.process(ctx, reg, job)
	return true
}

func (o *Orchestrator) process(ctx context.Context, reg *registration, job *models.Job) {
	log := o.logger.With().Str("job", string(job.Name)).Str("key", job.Key).Int("attempt", job.Attempts).Logger()

	payload, err := models.DecodeJobPayload(job.Name, job.Payload)
	if err != nil {
		log.Error().Err(err).Msg("undecodable job payload")
		o.fail(ctx, job, err)
		return
	}

	o.publish(events.EventJobStarted, job, nil, 0, 0)
	started := o.now()

	runCtx, cancel := context.WithTimeout(ctx, o.lockDuration)
	err = runHandler(runCtx, reg.fn, job, payload)
	cancel()
	elapsed := o.now().Sub(started)

	bctx, bcancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer bcancel()

	if err == nil {
		if job.Repeating() {
			err = o.db.RescheduleJob(bctx, job.ID, job.Claim, o.now().Add(job.RepeatEvery), "")
		} else {
			err = o.db.CompleteJob(bctx, job.ID, job.Claim)
		}
		if o.settled(log, err, "record completion") {
			log.Debug().Dur("duration", elapsed).Msg("job completed")
			o.publish(events.EventJobCompleted, job, nil, elapsed, 0)
		}
		return
	}

	o.retryOrFail(bctx, job, err, elapsed)
}

// settled reports whether the outcome of a run was stored. A lost lease
// means another worker owns the job now and this result is dropped.
func (o *Orchestrator) settled(log zerolog.Logger, err error, action string) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, database.ErrLeaseLost):
		log.Warn().Err(err).Msg("job lease lost, result dropped")
	default:
		log.Error().Err(err).Msg(action)
	}
	return false
}

func (o *Orchestrator) retryOrFail(ctx context.Context, job *models.Job, cause error, elapsed time.Duration) {
	log := o.logger.With().Str("job", string(job.Name)).Str("key", job.Key).Int("attempt", job.Attempts).Logger()

	if !o.retry.Exhausted(job.Attempts, job.MaxAttempts) {
		delay := o.retry.NextDelay(job.Attempts)
		err := o.db.RetryJob(ctx, job.ID, job.Claim, o.now().Add(delay), cause.Error())
		if o.settled(log, err, "schedule retry") {
			log.Warn().Err(cause).Dur("retry_in", delay).Msg("job failed, retrying")
			o.publish(events.EventJobRetrying, job, cause, elapsed, delay)
		}
		return
	}

	if job.Repeating() {
		// a repeating job keeps its schedule; the next run gets a fresh budget
		err := o.db.RescheduleJob(ctx, job.ID, job.Claim, o.now().Add(job.RepeatEvery), cause.Error())
		if o.settled(log, err, "reschedule repeating job") {
			log.Error().Err(cause).Msg("repeating job failed, waiting for next interval")
			o.publish(events.EventJobFailed, job, cause, elapsed, 0)
		}
		return
	}

	log.Error().Err(cause).Msg("job failed permanently")
	o.fail(ctx, job, cause)
}

// fail discards a job and dead-letters it, unless another claim owns it now.
func (o *Orchestrator) fail(ctx context.Context, job *models.Job, cause error) {
	log := o.logger.With().Str("job", string(job.Name)).Str("key", job.Key).Int("attempt", job.Attempts).Logger()
	if !o.settled(log, o.db.CompleteJob(ctx, job.ID, job.Claim), "discard failed job") {
		return
	}
	job.State = models.JobFailed
	job.LastError = cause.Error()
	o.publish(events.EventJobFailed, job, cause, 0, 0)
	o.pushDeadLetter(ctx, job)
}

func (o *Orchestrator) pushDeadLetter(ctx context.Context, job *models.Job) {
	defer o.publish(events.EventJobDeadLettered, job, errors.New(job.LastError), 0, 0)

	if o.redis == nil {
		o.logger.Error().
			Str("job", string(job.Name)).
			Str("key", job.Key).
			RawJSON("payload", job.Payload).
			Str("last_error", job.LastError).
			Msg("dead letter")
		return
	}
	data, err := json.Marshal(job)
	if err != nil {
		o.logger.Error().Err(err).Str("key", job.Key).Msg("encode dead letter")
		return
	}
	if err := o.redis.LPush(ctx, deadLetterKey, data).Err(); err != nil {
		o.logger.Error().Err(err).Str("key", job.Key).Msg("dead letter push failed")
	}
}

// runReaper flags active jobs whose lock expired, so another worker can claim them.
func (o *Orchestrator) runReaper(ctx context.Context) {
	interval := o.lockDuration / 2
	if interval < o.pollInterval {
		interval = o.pollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.ReapStalled(ctx)
		}
	}
}

// ReapStalled marks expired active jobs stalled. Stalled jobs with attempts
// left become claimable again; the rest are failed.
func (o *Orchestrator) ReapStalled(ctx context.Context) int {
	stalled, err := o.db.MarkStalledJobs(ctx, o.now())
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Error().Err(err).Msg("stall scan failed")
		}
		return 0
	}

	for _, job := range stalled {
		o.logger.Warn().Str("job", string(job.Name)).Str("key", job.Key).Int("attempt", job.Attempts).Msg("job stalled")
		o.publish(events.EventJobStalled, job, nil, 0, 0)

		if !job.Repeating() && o.retry.Exhausted(job.Attempts, job.MaxAttempts) {
			o.fail(ctx, job, errors.New("job stalled after final attempt"))
			continue
		}
		o.signal(ctx, job.Name)
	}
	return len(stalled)
}

// DeadLetters returns the most recent dead-lettered jobs, newest first.
func (o *Orchestrator) DeadLetters(ctx context.Context, limit int64) ([]*models.Job, error) {
	if o.redis == nil {
		return nil, nil
	}
	raw, err := o.redis.LRange(ctx, deadLetterKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	jobs := make([]*models.Job, 0, len(raw))
	for _, r := range raw {
		var job models.Job
		if err := json.Unmarshal([]byte(r), &job); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

func (o *Orchestrator) publish(eventType string, job *models.Job, cause error, elapsed, retryIn time.Duration) {
	if o.bus == nil {
		return
	}
	payload := events.JobEventPayload{
		JobID:    job.Handle,
		Name:     string(job.Name),
		Key:      job.Key,
		Attempt:  job.Attempts,
		Duration: elapsed,
		RetryIn:  retryIn,
	}
	if cause != nil {
		payload.Error = cause.Error()
	}
	if err := o.bus.PublishJSON(eventType, payload); err != nil {
		o.logger.Warn().Err(err).Str("event", eventType).Msg("lifecycle subscriber failed")
	}
}

// runHandler converts a handler panic into an error.
func runHandler(ctx context.Context, fn Handler, job *models.Job, payload models.JobPayload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx, job, payload)
}

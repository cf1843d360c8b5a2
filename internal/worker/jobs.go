package worker

import (
	"context"
	"fmt"
	"time"

	"recallbot/internal/config"
	"recallbot/internal/models"
	"recallbot/internal/scheduler"
)

type Syncer interface {
	SyncAll(ctx context.Context) error
	SyncCalendar(ctx context.Context, remoteCalendarID string, changedSince time.Time) error
}

type BotScheduler interface {
	Schedule(ctx context.Context, remoteEventID string) (scheduler.Outcome, error)
	Remove(ctx context.Context, remoteEventID string) (scheduler.Outcome, error)
}

type ConnectionChecker interface {
	CheckAll(ctx context.Context) error
}

type Backuper interface {
	Run(ctx context.Context) error
	Interval() time.Duration
}

// Dispatcher routes every job kind to the component that handles it.
type Dispatcher struct {
	Syncer    Syncer
	Scheduler BotScheduler
	Monitor   ConnectionChecker
	// Backup is optional.
	Backup Backuper
}

// Handle is the single exhaustive switch over job payloads.
func (d *Dispatcher) Handle(ctx context.Context, _ *models.Job, payload models.JobPayload) error {
	switch p := payload.(type) {
	case models.PeriodicSyncPayload:
		return d.Syncer.SyncAll(ctx)
	case models.WebhookSyncPayload:
		return d.Syncer.SyncCalendar(ctx, p.CalendarID, p.ChangedSince)
	case models.BotSchedulePayload:
		_, err := d.Scheduler.Schedule(ctx, p.RemoteEventID)
		return err
	case models.BotRemovePayload:
		_, err := d.Scheduler.Remove(ctx, p.RemoteEventID)
		return err
	case models.ConnectionCheckPayload:
		return d.Monitor.CheckAll(ctx)
	case models.StoreBackupPayload:
		if d.Backup == nil {
			return nil
		}
		return d.Backup.Run(ctx)
	default:
		return fmt.Errorf("no handler for payload %T", payload)
	}
}

type repeatSchedule struct {
	payload models.JobPayload
	every   time.Duration
}

// Install registers a handler for every job kind with its configured
// concurrency and installs the repeating schedules.
func Install(ctx context.Context, o *Orchestrator, d *Dispatcher, cfg config.SchedulerConfig) error {
	concurrency := map[models.JobName]int{
		models.JobPeriodicSync:    cfg.PeriodicSyncConcurrency,
		models.JobWebhookSync:     cfg.WebhookSyncConcurrency,
		models.JobBotSchedule:     cfg.SchedulingConcurrency,
		models.JobBotRemove:       cfg.RemovalConcurrency,
		models.JobConnectionCheck: cfg.ConnectionCheckConcurrency,
		models.JobStoreBackup:     1,
	}
	for _, name := range models.JobNames {
		if err := o.RegisterHandler(name, concurrency[name], d.Handle); err != nil {
			return err
		}
	}

	repeats := []repeatSchedule{
		{models.PeriodicSyncPayload{}, cfg.SyncInterval},
		{models.ConnectionCheckPayload{}, cfg.ConnectionCheckInterval},
	}
	if d.Backup != nil {
		repeats = append(repeats, repeatSchedule{models.StoreBackupPayload{}, d.Backup.Interval()})
	}

	for _, r := range repeats {
		if r.every <= 0 {
			continue
		}
		if _, err := o.Repeat(ctx, r.payload, r.every); err != nil {
			return fmt.Errorf("install %s schedule: %w", r.payload.JobName(), err)
		}
	}
	return nil
}

// Package reconciler pulls changed events from the provisioning API into the
// local store and queues the scheduling work that follows from them.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"recallbot/internal/config"
	"recallbot/internal/database"
	"recallbot/internal/domain"
	"recallbot/internal/logging"
	"recallbot/internal/models"
	"recallbot/internal/policy"
)

type Reconciler struct {
	store       domain.Store
	client      domain.ProvisioningClient
	jobs        domain.Enqueuer
	lookback    time.Duration
	parallelism int
	logger      *zerolog.Logger
	now         func() time.Time
}

func New(
	store domain.Store,
	client domain.ProvisioningClient,
	jobs domain.Enqueuer,
	cfg config.SchedulerConfig,
	logger *zerolog.Logger,
) *Reconciler {
	lookback := cfg.SyncLookback
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	parallelism := cfg.CalendarParallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Reconciler{
		store:       store,
		client:      client,
		jobs:        jobs,
		lookback:    lookback,
		parallelism: parallelism,
		logger:      logging.Component(logger, "reconciler"),
		now:         time.Now,
	}
}

// SyncAll reconciles every connected calendar with a remote id. A failing
// calendar is logged and does not stop the others.
func (r *Reconciler) SyncAll(ctx context.Context) error {
	calendars, err := r.store.ListCalendarsWithRemoteID(ctx)
	if err != nil {
		return fmt.Errorf("list calendars: %w", err)
	}

	since := r.now().Add(-r.lookback)
	var synced, skipped, failed atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for _, cal := range calendars {
		if cal.Status == models.CalendarStatusDisconnected {
			skipped.Add(1)
			continue
		}
		g.Go(func() error {
			if err := r.syncCalendar(gctx, cal, since); err != nil {
				failed.Add(1)
				r.logger.Error().Err(err).
					Int64("calendar_id", cal.ID).
					Str("remote_calendar_id", cal.RemoteID).
					Msg("calendar sync failed")
				return nil
			}
			synced.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	r.logger.Info().
		Int32("synced", synced.Load()).
		Int32("skipped", skipped.Load()).
		Int32("failed", failed.Load()).
		Msg("periodic sync finished")
	return ctx.Err()
}

// SyncCalendar reconciles one calendar from a webhook. A zero changedSince
// falls back to the lookback window.
func (r *Reconciler) SyncCalendar(ctx context.Context, remoteCalendarID string, changedSince time.Time) error {
	cal, err := r.store.GetCalendarByRemoteID(ctx, remoteCalendarID)
	if errors.Is(err, database.ErrNotFound) {
		r.logger.Warn().Str("remote_calendar_id", remoteCalendarID).Msg("webhook for unknown calendar")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load calendar %s: %w", remoteCalendarID, err)
	}
	if cal.Status == models.CalendarStatusDisconnected {
		r.logger.Info().Int64("calendar_id", cal.ID).Msg("calendar disconnected, skipping webhook sync")
		return nil
	}

	since := changedSince
	if since.IsZero() {
		since = r.now().Add(-r.lookback)
	}
	return r.syncCalendar(ctx, cal, since)
}

func (r *Reconciler) syncCalendar(ctx context.Context, cal *models.Calendar, since time.Time) error {
	log := r.logger.With().Int64("calendar_id", cal.ID).Str("remote_calendar_id", cal.RemoteID).Logger()
	now := r.now()

	remote, err := r.client.ListEvents(ctx, cal.RemoteID, since)
	if err != nil {
		return fmt.Errorf("list events since %s: %w", since.Format(time.RFC3339), err)
	}

	seen := make(map[string]struct{}, len(remote))
	var upserted, deleted, queued int
	for i := range remote {
		re := &remote[i]
		seen[re.ID] = struct{}{}

		if re.IsDeleted {
			if err := r.store.DeleteEventByRemoteID(ctx, re.ID); err != nil {
				return err
			}
			if err := r.enqueueRemove(ctx, re.ID); err != nil {
				return err
			}
			deleted++
			continue
		}

		ev, err := r.upsert(ctx, cal, re)
		if err != nil {
			return err
		}
		upserted++

		if ev.StartTime.After(now) && (ev.WantsBot() || len(re.Bots) > 0) {
			if err := r.enqueueSchedule(ctx, ev.RemoteID); err != nil {
				return err
			}
			queued++
		}
	}

	converged, err := r.converge(ctx, cal, now, seen)
	if err != nil {
		return err
	}

	if err := r.store.MarkCalendarSynced(ctx, cal.ID, now); err != nil {
		return fmt.Errorf("mark calendar synced: %w", err)
	}

	log.Debug().
		Int("upserted", upserted).
		Int("deleted", deleted).
		Int("queued", queued).
		Int("converged", converged).
		Time("since", since).
		Msg("calendar synced")
	return nil
}

// upsert stores the provider's view of the event and re-runs the auto-record policy on it.
func (r *Reconciler) upsert(ctx context.Context, cal *models.Calendar, re *models.RemoteEvent) (*models.CalendarEvent, error) {
	snapshot, err := json.Marshal(re)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot for %s: %w", re.ID, err)
	}
	ev := &models.CalendarEvent{
		RemoteID:       re.ID,
		CalendarID:     cal.ID,
		StartTime:      re.StartTime,
		EndTime:        re.EndTime,
		MeetingURL:     re.MeetingURL,
		Platform:       re.MeetingPlatform,
		RemoteSnapshot: snapshot,
	}
	if err := r.store.UpsertEvent(ctx, ev); err != nil {
		return nil, err
	}

	decision := policy.Evaluate(cal, ev, policy.ParseAttributes(re.Raw))
	if decision.ShouldRecordAutomatic != ev.ShouldRecordAutomatic {
		if err := r.store.SetEventAutomaticRecording(ctx, ev.ID, decision.ShouldRecordAutomatic); err != nil {
			return nil, fmt.Errorf("store policy for %s: %w", re.ID, err)
		}
		ev.ShouldRecordAutomatic = decision.ShouldRecordAutomatic
	}
	return ev, nil
}

// converge queues scheduling for upcoming events whose bot presence differs
// from what their flags ask for, whether or not the provider reported them
// in this pull.
func (r *Reconciler) converge(ctx context.Context, cal *models.Calendar, now time.Time, seen map[string]struct{}) (int, error) {
	upcoming, err := r.store.ListUpcomingEvents(ctx, []int64{cal.ID}, now)
	if err != nil {
		return 0, fmt.Errorf("list upcoming events: %w", err)
	}

	queued := 0
	for _, ev := range upcoming {
		if _, ok := seen[ev.RemoteID]; ok {
			continue
		}
		desired := ev.WantsBot() && ev.MeetingURL != ""
		realized := len(ev.Bots()) > 0
		if desired == realized {
			continue
		}
		if err := r.enqueueSchedule(ctx, ev.RemoteID); err != nil {
			return queued, err
		}
		queued++
	}
	return queued, nil
}

func (r *Reconciler) enqueueSchedule(ctx context.Context, remoteEventID string) error {
	_, err := r.jobs.Enqueue(ctx, models.BotSchedulePayload{RemoteEventID: remoteEventID}, models.EnqueueOptions{
		JobKey: models.BotScheduleJobKey(remoteEventID),
	})
	if err != nil {
		return fmt.Errorf("enqueue schedule for %s: %w", remoteEventID, err)
	}
	return nil
}

func (r *Reconciler) enqueueRemove(ctx context.Context, remoteEventID string) error {
	_, err := r.jobs.Enqueue(ctx, models.BotRemovePayload{RemoteEventID: remoteEventID}, models.EnqueueOptions{
		JobKey: models.BotRemoveJobKey(remoteEventID),
	})
	if err != nil {
		return fmt.Errorf("enqueue removal for %s: %w", remoteEventID, err)
	}
	return nil
}

// Package scheduler decides, per calendar event, whether a bot should be
// added, removed or left alone, and applies the decision to the provider.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"recallbot/internal/botconfig"
	"recallbot/internal/config"
	"recallbot/internal/database"
	"recallbot/internal/dedup"
	"recallbot/internal/domain"
	"recallbot/internal/events"
	"recallbot/internal/logging"
	"recallbot/internal/metrics"
	"recallbot/internal/models"
	"recallbot/internal/recall"
)

// Outcome names what one scheduling pass did.
type Outcome string

const (
	OutcomeScheduled            Outcome = "scheduled"
	OutcomeRemoved              Outcome = "removed"
	OutcomeBotPresent           Outcome = "bot_present"
	OutcomeConflict             Outcome = "conflict"
	OutcomeSkippedPast          Outcome = "skipped_past"
	OutcomeSkippedShared        Outcome = "skipped_shared"
	OutcomeNotFound             Outcome = "not_found"
	OutcomeCalendarDisconnected Outcome = "calendar_disconnected"
)

const (
	MaxJoinBeforeStartMinutes = 15
	MaxLeaveAfterEndMinutes   = 30
)

type Scheduler struct {
	store    domain.Store
	client   domain.ProvisioningClient
	dedup    *dedup.Deduplicator
	bus      domain.EventPublisher
	botName  string
	callback string
	logger   *zerolog.Logger
	now      func() time.Time
}

func New(
	store domain.Store,
	client domain.ProvisioningClient,
	dd *dedup.Deduplicator,
	cfg config.BotConfig,
	bus domain.EventPublisher,
	logger *zerolog.Logger,
) *Scheduler {
	return &Scheduler{
		store:    store,
		client:   client,
		dedup:    dd,
		bus:      bus,
		botName:  cfg.DefaultName,
		callback: cfg.CallbackBaseURL,
		logger:   logging.Component(logger, "scheduler"),
		now:      time.Now,
	}
}

// ClampJoinBefore bounds the configured lead time to [0, 15] minutes.
func ClampJoinBefore(minutes int) int {
	return clamp(minutes, 0, MaxJoinBeforeStartMinutes)
}

// ClampLeaveAfter bounds the configured overrun to [0, 30] minutes.
func ClampLeaveAfter(minutes int) int {
	return clamp(minutes, 0, MaxLeaveAfterEndMinutes)
}

// JoinAt is the time the bot enters the meeting.
func JoinAt(start time.Time, joinBeforeStartMinutes int) time.Time {
	return start.Add(-time.Duration(ClampJoinBefore(joinBeforeStartMinutes)) * time.Minute)
}

// Schedule brings the provider's bot state for one event in line with its
// policy flags. Expected steady-state conditions return an outcome and a
// nil error; only failures the orchestrator should retry return an error.
func (s *Scheduler) Schedule(ctx context.Context, remoteEventID string) (Outcome, error) {
	outcome, err := s.schedule(ctx, remoteEventID)
	if err == nil {
		metrics.IncSchedulingOutcome(string(outcome))
	}
	return outcome, err
}

func (s *Scheduler) schedule(ctx context.Context, remoteEventID string) (Outcome, error) {
	log := s.logger.With().Str("remote_event_id", remoteEventID).Logger()

	ev, err := s.store.GetEventByRemoteID(ctx, remoteEventID)
	if errors.Is(err, database.ErrNotFound) {
		log.Warn().Msg("event not found locally, waiting for next sync")
		return OutcomeNotFound, nil
	}
	if err != nil {
		return "", fmt.Errorf("load event %s: %w", remoteEventID, err)
	}

	cal, err := s.store.GetCalendar(ctx, ev.CalendarID)
	if err != nil {
		return "", fmt.Errorf("load calendar %d: %w", ev.CalendarID, err)
	}
	log = log.With().Int64("calendar_id", cal.ID).Logger()

	if cal.Status == models.CalendarStatusDisconnected {
		log.Info().Msg("calendar disconnected, skipping")
		return OutcomeCalendarDisconnected, nil
	}

	if !ev.WantsBot() || ev.MeetingURL == "" {
		return s.remove(ctx, ev.RemoteID, log)
	}

	now := s.now()
	if !ev.StartTime.After(now) {
		log.Info().Time("start_time", ev.StartTime).Msg("event already started, skipping")
		return OutcomeSkippedPast, nil
	}

	joinAt := JoinAt(ev.StartTime, cal.Settings.JoinBeforeStartMinutes)
	for _, bot := range ev.Bots() {
		if bot.StartTime.Equal(joinAt) {
			log.Debug().Str("bot_id", bot.BotID).Msg("bot already scheduled")
			return OutcomeBotPresent, nil
		}
	}

	ownerEmail := cal.Email
	if owner, err := s.store.GetUserByID(ctx, cal.UserID); err == nil && owner.Email != "" {
		ownerEmail = owner.Email
	}

	check, err := s.dedup.Check(ctx, ev, ownerEmail)
	if err != nil {
		return "", fmt.Errorf("dedup check for %s: %w", ev.RemoteID, err)
	}
	if check.Shared {
		log.Info().
			Str("shared_with", check.SharedWith).
			Str("bot_id", check.ExistingBot).
			Msg("meeting already has an organization bot, skipping")
		return OutcomeSkippedShared, nil
	}

	cfg := s.buildConfig(cal, ev, joinAt, check.Key)
	remote, err := s.client.AddBot(ctx, ev.RemoteID, check.Key, cfg)
	if recall.IsConflict(err) {
		log.Info().Str("dedup_key", check.Key).Msg("add bot already in flight for dedup key")
		s.publish(events.EventBotConflict, ev.RemoteID, check.Key, OutcomeConflict)
		return OutcomeConflict, nil
	}
	if err != nil {
		return "", fmt.Errorf("add bot to %s: %w", ev.RemoteID, err)
	}

	if len(remote.Bots) > 1 {
		log.Warn().Int("bots", len(remote.Bots)).Msg("provider returned more than one bot for event")
	}
	if err := s.saveSnapshot(ctx, remote); err != nil {
		return "", err
	}
	s.dedup.Forget(ctx, ev.RemoteID)

	log.Info().Str("dedup_key", check.Key).Time("join_at", joinAt).Msg("bot scheduled")
	s.publish(events.EventBotScheduled, ev.RemoteID, check.Key, OutcomeScheduled)
	return OutcomeScheduled, nil
}

// Remove detaches any bot from the event. A missing local row is fine: the
// event may already have been deleted by the reconciler.
func (s *Scheduler) Remove(ctx context.Context, remoteEventID string) (Outcome, error) {
	log := s.logger.With().Str("remote_event_id", remoteEventID).Logger()
	outcome, err := s.remove(ctx, remoteEventID, log)
	if err == nil {
		metrics.IncSchedulingOutcome(string(outcome))
	}
	return outcome, err
}

func (s *Scheduler) remove(ctx context.Context, remoteEventID string, log zerolog.Logger) (Outcome, error) {
	remote, err := s.client.RemoveBot(ctx, remoteEventID)
	if recall.IsNotFound(err) {
		log.Debug().Msg("no bot to remove")
		return OutcomeRemoved, nil
	}
	if err != nil {
		return "", fmt.Errorf("remove bot from %s: %w", remoteEventID, err)
	}
	s.dedup.Forget(ctx, remoteEventID)

	if err := s.saveSnapshot(ctx, remote); err != nil && !errors.Is(err, database.ErrNotFound) {
		return "", err
	}
	log.Info().Msg("bot removed")
	s.publish(events.EventBotRemoved, remoteEventID, "", OutcomeRemoved)
	return OutcomeRemoved, nil
}

func (s *Scheduler) buildConfig(cal *models.Calendar, ev *models.CalendarEvent, joinAt time.Time, key string) models.BotConfig {
	settings := cal.Settings
	if settings.BotName == "" {
		settings.BotName = s.botName
	}

	cfg := botconfig.Build(settings, ev.TranscriptionModeOverride, s.callback)
	cfg.JoinAt = &joinAt

	leaveAt := ev.EndTime.Add(time.Duration(ClampLeaveAfter(settings.LeaveAfterEndMinutes)) * time.Minute)
	cfg.Metadata = map[string]string{
		"remote_event_id":    ev.RemoteID,
		"remote_calendar_id": cal.RemoteID,
		"deduplication_key":  key,
		"leave_at":           leaveAt.UTC().Format(time.RFC3339),
	}
	return cfg
}

func (s *Scheduler) saveSnapshot(ctx context.Context, remote *models.RemoteEvent) error {
	if remote == nil {
		return nil
	}
	snapshot, err := json.Marshal(remote)
	if err != nil {
		return fmt.Errorf("encode snapshot for %s: %w", remote.ID, err)
	}
	if err := s.store.UpdateEventSnapshot(ctx, remote.ID, snapshot); err != nil {
		return fmt.Errorf("save snapshot for %s: %w", remote.ID, err)
	}
	return nil
}

func (s *Scheduler) publish(eventType, remoteEventID, key string, outcome Outcome) {
	if s.bus == nil {
		return
	}
	payload := events.BotEventPayload{RemoteEventID: remoteEventID, DeduplicationKey: key, Outcome: string(outcome)}
	if err := s.bus.PublishJSON(eventType, payload); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("failed to publish bot event")
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

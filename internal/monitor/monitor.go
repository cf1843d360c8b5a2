// Package monitor checks that calendars are still connected on the provider side.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"recallbot/internal/domain"
	"recallbot/internal/events"
	"recallbot/internal/logging"
	"recallbot/internal/models"
	"recallbot/internal/recall"
)

type Monitor struct {
	store       domain.CalendarRepository
	client      domain.ProvisioningClient
	bus         domain.EventPublisher
	parallelism int
	logger      *zerolog.Logger
}

func New(
	store domain.CalendarRepository,
	client domain.ProvisioningClient,
	bus domain.EventPublisher,
	parallelism int,
	logger *zerolog.Logger,
) *Monitor {
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Monitor{
		store:       store,
		client:      client,
		bus:         bus,
		parallelism: parallelism,
		logger:      logging.Component(logger, "monitor"),
	}
}

// CheckAll refreshes the connection status of every calendar with a remote id.
// Per-calendar errors are logged and do not fail the run.
func (m *Monitor) CheckAll(ctx context.Context) error {
	calendars, err := m.store.ListCalendarsWithRemoteID(ctx)
	if err != nil {
		return fmt.Errorf("list calendars: %w", err)
	}

	var changed, failed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.parallelism)
	for _, cal := range calendars {
		g.Go(func() error {
			change, err := m.Check(gctx, cal)
			if err != nil {
				failed.Add(1)
				m.logger.Error().Err(err).Int64("calendar_id", cal.ID).Str("remote_calendar_id", cal.RemoteID).Msg("connection check failed")
				return nil
			}
			if change != nil {
				changed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Info().
		Int("calendars", len(calendars)).
		Int32("changed", changed.Load()).
		Int32("failed", failed.Load()).
		Msg("connection check finished")
	return ctx.Err()
}

// Check fetches one calendar from the provider and records any status change.
// 401, 403 and 404 mean the link is gone and flip the calendar to disconnected.
func (m *Monitor) Check(ctx context.Context, cal *models.Calendar) (*models.CalendarStatusChange, error) {
	remote, err := m.client.GetCalendar(ctx, cal.RemoteID)
	if err != nil {
		if !recall.IsDisconnected(err) {
			return nil, err
		}
		reason := "provider returned " + strconv.Itoa(recall.StatusCode(err))
		change, err := m.store.SetCalendarStatus(ctx, cal.ID, models.CalendarStatusDisconnected, reason, nil)
		if err != nil {
			return nil, fmt.Errorf("mark calendar %d disconnected: %w", cal.ID, err)
		}
		m.record(cal, change)
		return change, nil
	}

	snapshot, err := json.Marshal(remote)
	if err != nil {
		return nil, fmt.Errorf("encode calendar snapshot: %w", err)
	}
	status := models.ParseCalendarStatus(remote.Status)
	change, err := m.store.SetCalendarStatus(ctx, cal.ID, status, "provider status "+remote.Status, snapshot)
	if err != nil {
		return nil, fmt.Errorf("update calendar %d status: %w", cal.ID, err)
	}
	m.record(cal, change)
	return change, nil
}

func (m *Monitor) record(cal *models.Calendar, change *models.CalendarStatusChange) {
	if change == nil {
		return
	}
	log := m.logger.With().Int64("calendar_id", cal.ID).Str("from", string(change.From)).Str("to", string(change.To)).Logger()
	if change.IsReconnection() {
		log.Info().Msg("calendar reconnected")
	} else {
		log.Warn().Str("reason", change.Reason).Msg("calendar status changed")
	}

	if m.bus == nil {
		return
	}
	payload := events.CalendarStatusPayload{
		CalendarID:   cal.ID,
		RemoteID:     cal.RemoteID,
		From:         string(change.From),
		To:           string(change.To),
		Reason:       change.Reason,
		Reconnection: change.IsReconnection(),
	}
	if err := m.bus.PublishJSON(events.EventCalendarStatusChanged, payload); err != nil {
		log.Warn().Err(err).Msg("failed to publish status change")
	}
}

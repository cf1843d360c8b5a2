package domain

import (
	"context"
	"encoding/json"
	"time"

	"recallbot/internal/models"
)

// ProvisioningClient is the external bot/calendar API.
type ProvisioningClient interface {
	CreateCalendar(ctx context.Context, req models.CreateCalendarRequest) (*models.RemoteCalendar, error)
	GetCalendar(ctx context.Context, id string) (*models.RemoteCalendar, error)
	UpdateCalendar(ctx context.Context, id string, patch models.UpdateCalendarRequest) (*models.RemoteCalendar, error)
	DeleteCalendar(ctx context.Context, id string) error

	ListEvents(ctx context.Context, calendarID string, updatedSince time.Time) ([]models.RemoteEvent, error)
	GetEvent(ctx context.Context, id string) (*models.RemoteEvent, error)

	AddBot(ctx context.Context, eventID, deduplicationKey string, cfg models.BotConfig) (*models.RemoteEvent, error)
	RemoveBot(ctx context.Context, eventID string) (*models.RemoteEvent, error)
	GetBot(ctx context.Context, botID string) (*models.Bot, error)
}

type UserRepository interface {
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	ListUsersByDomain(ctx context.Context, domain string) ([]*models.User, error)
}

type CalendarRepository interface {
	GetCalendar(ctx context.Context, id int64) (*models.Calendar, error)
	GetCalendarByRemoteID(ctx context.Context, remoteID string) (*models.Calendar, error)
	ListCalendarsWithRemoteID(ctx context.Context) ([]*models.Calendar, error)
	ListCalendarsByUserIDs(ctx context.Context, userIDs []int64) ([]*models.Calendar, error)
	MarkCalendarSynced(ctx context.Context, id int64, at time.Time) error
	SetCalendarStatus(
		ctx context.Context,
		id int64,
		status models.CalendarStatus,
		reason string,
		snapshot json.RawMessage,
	) (*models.CalendarStatusChange, error)
}

type EventRepository interface {
	GetEventByRemoteID(ctx context.Context, remoteID string) (*models.CalendarEvent, error)
	UpsertEvent(ctx context.Context, ev *models.CalendarEvent) error
	SetEventAutomaticRecording(ctx context.Context, id int64, automatic bool) error
	UpdateEventSnapshot(ctx context.Context, remoteID string, snapshot []byte) error
	DeleteEventByRemoteID(ctx context.Context, remoteID string) error
	ListUpcomingEvents(ctx context.Context, calendarIDs []int64, after time.Time) ([]*models.CalendarEvent, error)
}

// Store is everything the engine reads and writes locally.
type Store interface {
	UserRepository
	CalendarRepository
	EventRepository
}

// RemoteEventCache caches provider event lookups. Get returns nil, nil on a miss.
type RemoteEventCache interface {
	GetRemoteEvent(ctx context.Context, id string) (*models.RemoteEvent, error)
	SetRemoteEvent(ctx context.Context, ev *models.RemoteEvent) error
	DeleteRemoteEvent(ctx context.Context, id string) error
}

// DeliveryTracker remembers webhook delivery ids for replay rejection.
type DeliveryTracker interface {
	MarkDelivered(ctx context.Context, id string, ttl time.Duration) (bool, error)
}

type CacheBackend interface {
	RemoteEventCache
	DeliveryTracker
}

// Enqueuer is the orchestrator surface used by producers of jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload models.JobPayload, opts models.EnqueueOptions) (*models.Job, error)
}

type EventPublisher interface {
	PublishJSON(eventType string, payload any) error
}

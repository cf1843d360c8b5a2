package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobStalled   JobState = "stalled"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Terminal reports whether the job will never run again.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

type JobName string

const (
	JobPeriodicSync    JobName = "calendar-sync-periodic"
	JobWebhookSync     JobName = "calendar-sync-webhook"
	JobBotSchedule     JobName = "bot-schedule"
	JobBotRemove       JobName = "bot-remove"
	JobConnectionCheck JobName = "calendar-connection-check"
	JobStoreBackup     JobName = "store-backup"
)

// JobNames lists every job kind the orchestrator knows about.
var JobNames = []JobName{
	JobPeriodicSync,
	JobWebhookSync,
	JobBotSchedule,
	JobBotRemove,
	JobConnectionCheck,
	JobStoreBackup,
}

// JobPayload is implemented by every typed payload; the set is closed.
type JobPayload interface {
	JobName() JobName
}

type PeriodicSyncPayload struct{}

type WebhookSyncPayload struct {
	CalendarID   string    `json:"calendar_id"`
	ChangedSince time.Time `json:"changed_since"`
}

type BotSchedulePayload struct {
	RemoteEventID string `json:"remote_event_id"`
}

type BotRemovePayload struct {
	RemoteEventID string `json:"remote_event_id"`
}

type ConnectionCheckPayload struct{}

type StoreBackupPayload struct{}

func (PeriodicSyncPayload) JobName() JobName    { return JobPeriodicSync }
func (WebhookSyncPayload) JobName() JobName     { return JobWebhookSync }
func (BotSchedulePayload) JobName() JobName     { return JobBotSchedule }
func (BotRemovePayload) JobName() JobName       { return JobBotRemove }
func (ConnectionCheckPayload) JobName() JobName { return JobConnectionCheck }
func (StoreBackupPayload) JobName() JobName     { return JobStoreBackup }

// DecodeJobPayload turns a persisted payload back into its typed form.
func DecodeJobPayload(name JobName, raw []byte) (JobPayload, error) {
	switch name {
	case JobPeriodicSync:
		return PeriodicSyncPayload{}, nil
	case JobWebhookSync:
		var p WebhookSyncPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", name, err)
		}
		if p.CalendarID == "" {
			return nil, fmt.Errorf("%s payload: calendar_id is required", name)
		}
		return p, nil
	case JobBotSchedule:
		var p BotSchedulePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", name, err)
		}
		if p.RemoteEventID == "" {
			return nil, fmt.Errorf("%s payload: remote_event_id is required", name)
		}
		return p, nil
	case JobBotRemove:
		var p BotRemovePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", name, err)
		}
		if p.RemoteEventID == "" {
			return nil, fmt.Errorf("%s payload: remote_event_id is required", name)
		}
		return p, nil
	case JobConnectionCheck:
		return ConnectionCheckPayload{}, nil
	case JobStoreBackup:
		return StoreBackupPayload{}, nil
	default:
		return nil, fmt.Errorf("unknown job name: %q", name)
	}
}

// Job keys used for idempotent enqueue.
func BotScheduleJobKey(remoteEventID string) string { return "bot-schedule-" + remoteEventID }
func BotRemoveJobKey(remoteEventID string) string   { return "bot-remove-" + remoteEventID }
func RepeatJobKey(name JobName) string              { return "repeat:" + string(name) }

func WebhookSyncJobKey(calendarID string, changedSince time.Time) string {
	return fmt.Sprintf("calendar-sync-%s-%d", calendarID, changedSince.Unix())
}

// EnqueueOptions controls idempotency, delay and repetition of a job.
type EnqueueOptions struct {
	JobKey      string
	Delay       time.Duration
	RepeatEvery time.Duration
	MaxAttempts int
}

// Job is a persisted unit of work.
type Job struct {
	ID          int64           `json:"id"`
	Handle      string          `json:"handle"`
	Key         string          `json:"key,omitempty"`
	Name        JobName         `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	State       JobState        `json:"state"`
	Attempts    int             `json:"attempts"`
	Claim       int64           `json:"claim"`
	MaxAttempts int             `json:"max_attempts"`
	RunAt       time.Time       `json:"run_at"`
	RepeatEvery time.Duration   `json:"repeat_every,omitempty"`
	LockedUntil *time.Time      `json:"locked_until,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Repeating reports whether the job is rescheduled after each run.
func (j *Job) Repeating() bool {
	return j.RepeatEvery > 0
}

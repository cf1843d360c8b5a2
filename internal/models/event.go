package models

import (
	"encoding/json"
	"time"
)

type CalendarEvent struct {
	ID         int64     `json:"id"`
	RemoteID   string    `json:"remote_id"`
	CalendarID int64     `json:"calendar_id"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	MeetingURL string    `json:"meeting_url"`
	Platform   string    `json:"platform"` // zoom, google_meet, microsoft_teams, webex

	ShouldRecordAutomatic bool `json:"should_record_automatic"`
	ShouldRecordManual    bool `json:"should_record_manual"`

	// TranscriptionModeOverride is empty when the calendar setting applies.
	TranscriptionModeOverride TranscriptionMode `json:"transcription_mode_override,omitempty"`

	RemoteSnapshot json.RawMessage `json:"remote_snapshot,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// WantsBot reports whether either policy flag asks for a recording.
func (e *CalendarEvent) WantsBot() bool {
	return e.ShouldRecordAutomatic || e.ShouldRecordManual
}

// Snapshot decodes the cached provider state. An empty snapshot yields a zero value.
func (e *CalendarEvent) Snapshot() (RemoteEvent, error) {
	var remote RemoteEvent
	if len(e.RemoteSnapshot) == 0 {
		return remote, nil
	}
	err := json.Unmarshal(e.RemoteSnapshot, &remote)
	return remote, err
}

// Bots returns the bots recorded on the snapshot; a malformed snapshot has none.
func (e *CalendarEvent) Bots() []RemoteBot {
	remote, err := e.Snapshot()
	if err != nil {
		return nil
	}
	return remote.Bots
}

// Overlaps reports whether two events share any part of their time window.
func (e *CalendarEvent) Overlaps(other *CalendarEvent) bool {
	return e.StartTime.Before(other.EndTime) && other.StartTime.Before(e.EndTime)
}

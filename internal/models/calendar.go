package models

import (
	"encoding/json"
	"time"
)

type CalendarStatus string

const (
	CalendarStatusConnecting   CalendarStatus = "connecting"
	CalendarStatusConnected    CalendarStatus = "connected"
	CalendarStatusDisconnected CalendarStatus = "disconnected"
)

// ParseCalendarStatus maps a provider status string onto the local set.
// Unknown values are treated as connected.
func ParseCalendarStatus(s string) CalendarStatus {
	switch CalendarStatus(s) {
	case CalendarStatusConnecting:
		return CalendarStatusConnecting
	case CalendarStatusDisconnected:
		return CalendarStatusDisconnected
	default:
		return CalendarStatusConnected
	}
}

type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CalendarSettings holds the per-calendar recording policy edited by the user.
type CalendarSettings struct {
	BotName           string            `json:"bot_name" yaml:"bot_name"`
	MediaTypes        MediaTypes        `json:"media_types" yaml:"media_types"`
	TranscriptionMode TranscriptionMode `json:"transcription_mode" yaml:"transcription_mode"`

	AutoRecordExternalEvents      bool `json:"auto_record_external_events" yaml:"auto_record_external_events"`
	AutoRecordInternalEvents      bool `json:"auto_record_internal_events" yaml:"auto_record_internal_events"`
	AutoRecordOnlyConfirmedEvents bool `json:"auto_record_only_confirmed_events" yaml:"auto_record_only_confirmed_events"`

	JoinBeforeStartMinutes int `json:"join_before_start_minutes" yaml:"join_before_start_minutes"`
	LeaveAfterEndMinutes   int `json:"leave_after_end_minutes" yaml:"leave_after_end_minutes"`

	WaitingRoomTimeoutSeconds  int  `json:"waiting_room_timeout_seconds" yaml:"waiting_room_timeout_seconds"`
	NoOneJoinedTimeoutSeconds  int  `json:"noone_joined_timeout_seconds" yaml:"noone_joined_timeout_seconds"`
	EveryoneLeftTimeoutSeconds int  `json:"everyone_left_timeout_seconds" yaml:"everyone_left_timeout_seconds"`
	BotDetection               bool `json:"bot_detection" yaml:"bot_detection"`
}

type Calendar struct {
	ID             int64            `json:"id"`
	UserID         int64            `json:"user_id"`
	RemoteID       string           `json:"remote_id"`
	Platform       string           `json:"platform"` // google_calendar, microsoft_outlook
	Email          string           `json:"email"`
	Status         CalendarStatus   `json:"status"`
	Settings       CalendarSettings `json:"settings"`
	RemoteSnapshot json.RawMessage  `json:"remote_snapshot,omitempty"`
	LastSyncedAt   *time.Time       `json:"last_synced_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// CalendarStatusChange is one row of calendar_status_history.
type CalendarStatusChange struct {
	ID         int64          `json:"id"`
	CalendarID int64          `json:"calendar_id"`
	From       CalendarStatus `json:"from"`
	To         CalendarStatus `json:"to"`
	Reason     string         `json:"reason"`
	CreatedAt  time.Time      `json:"created_at"`
}

// IsReconnection reports a disconnected -> connected transition.
func (c CalendarStatusChange) IsReconnection() bool {
	return c.From == CalendarStatusDisconnected && c.To == CalendarStatusConnected
}

package models

import (
	"encoding/json"
	"time"
)

// RemoteEvent mirrors a calendar event as returned by the provisioning API.
type RemoteEvent struct {
	ID              string          `json:"id"`
	CalendarID      string          `json:"calendar_id"`
	StartTime       time.Time       `json:"start_time"`
	EndTime         time.Time       `json:"end_time"`
	MeetingURL      string          `json:"meeting_url"`
	MeetingPlatform string          `json:"meeting_platform"`
	IsDeleted       bool            `json:"is_deleted"`
	Bots            []RemoteBot     `json:"bots"`
	Raw             json.RawMessage `json:"raw,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// RemoteBot is a bot reference attached to a RemoteEvent.
type RemoteBot struct {
	BotID            string    `json:"bot_id"`
	StartTime        time.Time `json:"start_time"`
	DeduplicationKey string    `json:"deduplication_key"`
	MeetingURL       string    `json:"meeting_url"`
}

type RemoteCalendar struct {
	ID            string          `json:"id"`
	Platform      string          `json:"platform"`
	PlatformEmail string          `json:"platform_email"`
	Status        string          `json:"status"`
	StatusChanges json.RawMessage `json:"status_changes,omitempty"`
	OAuthClientID string          `json:"oauth_client_id,omitempty"`
	OAuthEmail    string          `json:"oauth_email,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// CreateCalendarRequest is the body of createCalendar.
type CreateCalendarRequest struct {
	Platform          string `json:"platform"`
	OAuthClientID     string `json:"oauth_client_id"`
	OAuthClientSecret string `json:"oauth_client_secret"`
	OAuthRefreshToken string `json:"oauth_refresh_token"`
	OAuthEmail        string `json:"oauth_email,omitempty"`
}

// UpdateCalendarRequest is a sparse patch for updateCalendar.
type UpdateCalendarRequest struct {
	OAuthClientID     *string `json:"oauth_client_id,omitempty"`
	OAuthClientSecret *string `json:"oauth_client_secret,omitempty"`
	OAuthRefreshToken *string `json:"oauth_refresh_token,omitempty"`
	OAuthEmail        *string `json:"oauth_email,omitempty"`
}

// Bot is the provider's full bot resource.
type Bot struct {
	ID            string            `json:"id"`
	MeetingURL    json.RawMessage   `json:"meeting_url,omitempty"`
	JoinAt        *time.Time        `json:"join_at,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	StatusChanges []BotStatusChange `json:"status_changes,omitempty"`
}

type BotStatusChange struct {
	Code      string    `json:"code"`
	SubCode   string    `json:"sub_code,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Ended reports whether the bot has left its meeting for good.
func (b *Bot) Ended() bool {
	switch b.LatestStatus() {
	case "call_ended", "done", "fatal", "analysis_done", "analysis_failed", "media_expired":
		return true
	}
	return false
}

// LatestStatus returns the most recent status code, or "" when none is known.
func (b *Bot) LatestStatus() string {
	if len(b.StatusChanges) == 0 {
		return ""
	}
	return b.StatusChanges[len(b.StatusChanges)-1].Code
}

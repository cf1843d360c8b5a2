package models

import "time"

type MediaTypes string

const (
	MediaVideoAndAudio MediaTypes = "video_and_audio"
	MediaAudioOnly     MediaTypes = "audio_only"
)

type TranscriptionMode string

const (
	TranscriptionNone            TranscriptionMode = "none"
	TranscriptionMeetingCaptions TranscriptionMode = "meeting_captions"
	TranscriptionProvider        TranscriptionMode = "provider_streaming"
)

// Valid reports whether m is one of the known modes.
func (m TranscriptionMode) Valid() bool {
	switch m {
	case TranscriptionNone, TranscriptionMeetingCaptions, TranscriptionProvider:
		return true
	}
	return false
}

// BotConfig is passed unmodified to the provisioning API's add-bot call.
type BotConfig struct {
	BotName           string            `json:"bot_name"`
	JoinAt            *time.Time        `json:"join_at,omitempty"`
	StatusCallbackURL string            `json:"status_callback_url,omitempty"`
	RecordingConfig   RecordingConfig   `json:"recording_config"`
	AutomaticLeave    AutomaticLeave    `json:"automatic_leave"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

type RecordingConfig struct {
	VideoMixedMP4     *struct{}          `json:"video_mixed_mp4,omitempty"`
	AudioMixedMP3     *struct{}          `json:"audio_mixed_mp3,omitempty"`
	Transcript        *TranscriptConfig  `json:"transcript,omitempty"`
	RealtimeEndpoints []RealtimeEndpoint `json:"realtime_endpoints,omitempty"`
}

type TranscriptConfig struct {
	Provider map[string]any `json:"provider"`
}

type RealtimeEndpoint struct {
	Type   string   `json:"type"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

type AutomaticLeave struct {
	WaitingRoomTimeout  int           `json:"waiting_room_timeout"`
	NoOneJoinedTimeout  int           `json:"noone_joined_timeout"`
	EveryoneLeftTimeout *LeaveTimeout `json:"everyone_left_timeout,omitempty"`
	BotDetection        *BotDetection `json:"bot_detection,omitempty"`
}

type LeaveTimeout struct {
	Timeout       int `json:"timeout"`
	ActivateAfter int `json:"activate_after,omitempty"`
}

type BotDetection struct {
	UsingParticipantEvents *LeaveTimeout         `json:"using_participant_events,omitempty"`
	UsingParticipantNames  *ParticipantNameMatch `json:"using_participant_names,omitempty"`
}

type ParticipantNameMatch struct {
	Matches       []string `json:"matches"`
	Timeout       int      `json:"timeout"`
	ActivateAfter int      `json:"activate_after"`
}

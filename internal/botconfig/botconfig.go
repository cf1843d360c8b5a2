// Package botconfig turns calendar settings into the bot configuration sent
// to the provisioning API.
package botconfig

import (
	"strings"

	"recallbot/internal/models"
)

const (
	DefaultBotName = "Meeting Notetaker"

	// StatusCallbackPath is served by the ingress process.
	StatusCallbackPath = "/webhooks/bot-status"

	defaultWaitingRoomTimeout = 1200
	defaultNoOneJoinedTimeout = 1200
	maxTimeout                = 4 * 3600

	botDetectionTimeout       = 600
	botDetectionActivateAfter = 1200
)

// botNameMatches are participant names that identify other recorders.
var botNameMatches = []string{"notetaker", "recorder", "bot", "otter", "fireflies"}

// Build returns the provider bot configuration for an event. override, when
// valid, replaces the calendar's transcription mode. JoinAt and Metadata are
// left for the caller.
func Build(settings models.CalendarSettings, override models.TranscriptionMode, callbackBaseURL string) models.BotConfig {
	name := strings.TrimSpace(settings.BotName)
	if name == "" {
		name = DefaultBotName
	}

	cfg := models.BotConfig{
		BotName:         name,
		RecordingConfig: recording(settings.MediaTypes, TranscriptionMode(settings, override)),
		AutomaticLeave:  automaticLeave(settings),
	}

	if base := strings.TrimRight(strings.TrimSpace(callbackBaseURL), "/"); base != "" {
		cfg.StatusCallbackURL = base + StatusCallbackPath
		if cfg.RecordingConfig.Transcript != nil {
			cfg.RecordingConfig.RealtimeEndpoints = []models.RealtimeEndpoint{{
				Type:   "webhook",
				URL:    cfg.StatusCallbackURL,
				Events: []string{"transcript.data"},
			}}
		}
	}
	return cfg
}

// TranscriptionMode resolves the effective mode for an event.
func TranscriptionMode(settings models.CalendarSettings, override models.TranscriptionMode) models.TranscriptionMode {
	if override.Valid() {
		return override
	}
	if settings.TranscriptionMode.Valid() {
		return settings.TranscriptionMode
	}
	return models.TranscriptionNone
}

func recording(media models.MediaTypes, mode models.TranscriptionMode) models.RecordingConfig {
	var rc models.RecordingConfig
	if media == models.MediaAudioOnly {
		rc.AudioMixedMP3 = &struct{}{}
	} else {
		rc.VideoMixedMP4 = &struct{}{}
	}

	switch mode {
	case models.TranscriptionMeetingCaptions:
		rc.Transcript = &models.TranscriptConfig{Provider: map[string]any{"meeting_captions": map[string]any{}}}
	case models.TranscriptionProvider:
		rc.Transcript = &models.TranscriptConfig{Provider: map[string]any{
			"recallai_streaming": map[string]any{"mode": "prioritize_accuracy"},
		}}
	}
	return rc
}

func automaticLeave(settings models.CalendarSettings) models.AutomaticLeave {
	leave := models.AutomaticLeave{
		WaitingRoomTimeout: timeout(settings.WaitingRoomTimeoutSeconds, defaultWaitingRoomTimeout),
		NoOneJoinedTimeout: timeout(settings.NoOneJoinedTimeoutSeconds, defaultNoOneJoinedTimeout),
	}
	if settings.EveryoneLeftTimeoutSeconds > 0 {
		leave.EveryoneLeftTimeout = &models.LeaveTimeout{
			Timeout: timeout(settings.EveryoneLeftTimeoutSeconds, 0),
		}
	}
	if settings.BotDetection {
		leave.BotDetection = &models.BotDetection{
			UsingParticipantEvents: &models.LeaveTimeout{
				Timeout:       botDetectionTimeout,
				ActivateAfter: botDetectionActivateAfter,
			},
			UsingParticipantNames: &models.ParticipantNameMatch{
				Matches:       append([]string(nil), botNameMatches...),
				Timeout:       botDetectionTimeout,
				ActivateAfter: botDetectionActivateAfter,
			},
		}
	}
	return leave
}

func timeout(seconds, fallback int) int {
	switch {
	case seconds <= 0:
		return fallback
	case seconds > maxTimeout:
		return maxTimeout
	default:
		return seconds
	}
}

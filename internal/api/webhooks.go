package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"recallbot/internal/metrics"
	"recallbot/internal/models"
)

const (
	maxBodyBytes = 1 << 20

	eventCalendarSync   = "calendar.sync_events"
	eventCalendarUpdate = "calendar.update"

	// Pending connection checks triggered by webhooks collapse into one job.
	connectionCheckJobKey = "connection-check-webhook"
)

type webhookEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type calendarWebhookData struct {
	CalendarID    string `json:"calendar_id"`
	LastUpdatedTS string `json:"last_updated_ts"`
}

type botStatusData struct {
	Bot struct {
		ID       string            `json:"id"`
		Metadata map[string]string `json:"metadata"`
	} `json:"bot"`
	Data struct {
		Code      string    `json:"code"`
		SubCode   string    `json:"sub_code"`
		UpdatedAt time.Time `json:"updated_at"`
	} `json:"data"`
}

func (s *HTTPServer) handleCalendarSync(w http.ResponseWriter, r *http.Request) {
	env, ok := s.readWebhook(w, r, "calendar")
	if !ok {
		return
	}
	log := zerolog.Ctx(r.Context())

	var data calendarWebhookData
	if err := json.Unmarshal(env.Data, &data); err != nil || strings.TrimSpace(data.CalendarID) == "" {
		metrics.IncWebhook("calendar", "invalid")
		writeError(w, http.StatusBadRequest, "data.calendar_id is required")
		return
	}

	var since time.Time
	if env.Event == eventCalendarSync && data.LastUpdatedTS != "" {
		parsed, err := time.Parse(time.RFC3339, data.LastUpdatedTS)
		if err != nil {
			metrics.IncWebhook("calendar", "invalid")
			writeError(w, http.StatusBadRequest, "data.last_updated_ts must be RFC3339")
			return
		}
		since = parsed.UTC()
	}

	if !s.firstDelivery(w, r, "calendar") {
		return
	}

	switch env.Event {
	case eventCalendarSync:
		payload := models.WebhookSyncPayload{CalendarID: data.CalendarID, ChangedSince: since}
		job, err := s.jobs.Enqueue(r.Context(), payload, models.EnqueueOptions{
			JobKey: models.WebhookSyncJobKey(data.CalendarID, since),
		})
		if err != nil {
			log.Error().Err(err).Str("remote_calendar_id", data.CalendarID).Msg("failed to enqueue calendar sync")
			metrics.IncWebhook("calendar", "error")
			writeError(w, http.StatusInternalServerError, "failed to enqueue")
			return
		}
		log.Info().Str("remote_calendar_id", data.CalendarID).Time("changed_since", since).Str("job", job.Handle).Msg("calendar sync queued")
		metrics.IncWebhook("calendar", "queued")
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "job": job.Handle})

	case eventCalendarUpdate:
		job, err := s.jobs.Enqueue(r.Context(), models.ConnectionCheckPayload{}, models.EnqueueOptions{
			JobKey: connectionCheckJobKey,
		})
		if err != nil {
			log.Error().Err(err).Str("remote_calendar_id", data.CalendarID).Msg("failed to enqueue connection check")
			metrics.IncWebhook("calendar", "error")
			writeError(w, http.StatusInternalServerError, "failed to enqueue")
			return
		}
		log.Info().Str("remote_calendar_id", data.CalendarID).Str("job", job.Handle).Msg("connection check queued")
		metrics.IncWebhook("calendar", "queued")
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "job": job.Handle})

	default:
		log.Debug().Str("event", env.Event).Msg("ignoring calendar webhook")
		metrics.IncWebhook("calendar", "ignored")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	}
}

func (s *HTTPServer) handleBotStatus(w http.ResponseWriter, r *http.Request) {
	env, ok := s.readWebhook(w, r, "bot_status")
	if !ok {
		return
	}

	var data botStatusData
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Bot.ID == "" {
		metrics.IncWebhook("bot_status", "invalid")
		writeError(w, http.StatusBadRequest, "data.bot.id is required")
		return
	}
	if !s.firstDelivery(w, r, "bot_status") {
		return
	}

	status := data.Data.Code
	if status == "" {
		status = "unknown"
	}
	zerolog.Ctx(r.Context()).Info().
		Str("event", env.Event).
		Str("bot_id", data.Bot.ID).
		Str("remote_event_id", data.Bot.Metadata["remote_event_id"]).
		Str("deduplication_key", data.Bot.Metadata["deduplication_key"]).
		Str("code", status).
		Str("sub_code", data.Data.SubCode).
		Msg("bot status")
	metrics.IncWebhook("bot_status", status)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readWebhook enforces method, size and signature rules and decodes the
// envelope. On false the response has already been written.
func (s *HTTPServer) readWebhook(w http.ResponseWriter, r *http.Request, kind string) (webhookEnvelope, bool) {
	var env webhookEnvelope
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return env, false
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		} else {
			writeError(w, http.StatusBadRequest, "failed to read body")
		}
		metrics.IncWebhook(kind, "invalid")
		return env, false
	}

	log := zerolog.Ctx(r.Context())
	if err := s.validator.Validate(r.Header, body); err != nil {
		log.Warn().Err(err).Str("kind", kind).Msg("rejected webhook")
		metrics.IncWebhook(kind, "unauthorized")
		writeError(w, http.StatusUnauthorized, err.Error())
		return env, false
	}

	if err := json.Unmarshal(body, &env); err != nil || env.Event == "" {
		metrics.IncWebhook(kind, "invalid")
		writeError(w, http.StatusBadRequest, "invalid webhook payload")
		return env, false
	}
	return env, true
}

// firstDelivery records the delivery id once the payload has been accepted,
// so a rejected delivery can be resent under the same id. On false a
// duplicate response has been written.
func (s *HTTPServer) firstDelivery(w http.ResponseWriter, r *http.Request, kind string) bool {
	id := deliveryID(r.Header)
	if id == "" || s.deliveries == nil {
		return true
	}

	log := zerolog.Ctx(r.Context())
	first, err := s.deliveries.MarkDelivered(r.Context(), kind+":"+id, 2*s.cfg.Webhook.Tolerance)
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("delivery tracking unavailable, accepting webhook")
	case !first:
		log.Info().Str("delivery_id", id).Msg("duplicate webhook delivery")
		metrics.IncWebhook(kind, "duplicate")
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return false
	}
	return true
}

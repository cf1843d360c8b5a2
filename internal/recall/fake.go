package recall

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"recallbot/internal/domain"
	"recallbot/internal/models"
)

// AddBotCall records one FakeClient.AddBot invocation.
type AddBotCall struct {
	EventID          string
	DeduplicationKey string
	Config           models.BotConfig
}

// ListEventsCall records one FakeClient.ListEvents invocation.
type ListEventsCall struct {
	CalendarID   string
	UpdatedSince time.Time
}

// FakeClient is an in-memory provisioning API for tests. Bots sharing a
// deduplication key are collapsed onto one bot id, like the real provider.
type FakeClient struct {
	mu sync.Mutex

	calendars map[string]*models.RemoteCalendar
	events    map[string]*models.RemoteEvent
	bots      map[string]*models.Bot
	nextBot   int

	failures map[string][]error
	always   map[string]error

	AddBotCalls     []AddBotCall
	RemoveBotCalls  []string
	GetEventCalls   []string
	GetCalendarCall []string
	ListEventsCalls []ListEventsCall

	Now func() time.Time
}

var _ domain.ProvisioningClient = (*FakeClient)(nil)

func NewFakeClient() *FakeClient {
	return &FakeClient{
		calendars: make(map[string]*models.RemoteCalendar),
		events:    make(map[string]*models.RemoteEvent),
		bots:      make(map[string]*models.Bot),
		failures:  make(map[string][]error),
		always:    make(map[string]error),
		Now:       time.Now,
	}
}

// NewAPIError builds the error a real client would return for status.
func NewAPIError(operation string, status int) *APIError {
	return &APIError{
		Operation:  operation,
		Method:     http.MethodGet,
		Path:       "/fake",
		StatusCode: status,
		Body:       http.StatusText(status),
	}
}

// FailNext makes the next len(errs) calls of operation return errs in order.
func (f *FakeClient) FailNext(operation string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[operation] = append(f.failures[operation], errs...)
}

// FailAlways makes every call of operation return err; nil clears it.
func (f *FakeClient) FailAlways(operation string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.always, operation)
		return
	}
	f.always[operation] = err
}

func (f *FakeClient) PutCalendar(cal models.RemoteCalendar) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calendars[cal.ID] = &cal
}

func (f *FakeClient) PutBot(bot models.Bot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bots[bot.ID] = &bot
}

// PutEvent stores ev as the provider's current state, stamping UpdatedAt when empty.
func (f *FakeClient) PutEvent(ev models.RemoteEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev.UpdatedAt.IsZero() {
		ev.UpdatedAt = f.Now()
	}
	f.events[ev.ID] = &ev
}

func (f *FakeClient) Event(id string) (models.RemoteEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[id]
	if !ok {
		return models.RemoteEvent{}, false
	}
	return copyEvent(ev), true
}

func (f *FakeClient) AddBotCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.AddBotCalls)
}

func (f *FakeClient) RemoveBotCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.RemoveBotCalls)
}

// injected returns the scripted error for operation, if any. Callers hold mu.
func (f *FakeClient) injected(operation string) error {
	if queue := f.failures[operation]; len(queue) > 0 {
		f.failures[operation] = queue[1:]
		return queue[0]
	}
	return f.always[operation]
}

func (f *FakeClient) CreateCalendar(_ context.Context, req models.CreateCalendarRequest) (*models.RemoteCalendar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("create_calendar"); err != nil {
		return nil, err
	}
	now := f.Now()
	cal := &models.RemoteCalendar{
		ID:            fmt.Sprintf("cal-%d", len(f.calendars)+1),
		Platform:      req.Platform,
		PlatformEmail: req.OAuthEmail,
		Status:        string(models.CalendarStatusConnecting),
		OAuthClientID: req.OAuthClientID,
		OAuthEmail:    req.OAuthEmail,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	f.calendars[cal.ID] = cal
	out := *cal
	return &out, nil
}

func (f *FakeClient) GetCalendar(_ context.Context, id string) (*models.RemoteCalendar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GetCalendarCall = append(f.GetCalendarCall, id)
	if err := f.injected("get_calendar"); err != nil {
		return nil, err
	}
	cal, ok := f.calendars[id]
	if !ok {
		return nil, NewAPIError("get_calendar", http.StatusNotFound)
	}
	out := *cal
	return &out, nil
}

func (f *FakeClient) UpdateCalendar(_ context.Context, id string, patch models.UpdateCalendarRequest) (*models.RemoteCalendar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("update_calendar"); err != nil {
		return nil, err
	}
	cal, ok := f.calendars[id]
	if !ok {
		return nil, NewAPIError("update_calendar", http.StatusNotFound)
	}
	if patch.OAuthClientID != nil {
		cal.OAuthClientID = *patch.OAuthClientID
	}
	if patch.OAuthEmail != nil {
		cal.OAuthEmail = *patch.OAuthEmail
	}
	if patch.OAuthRefreshToken != nil {
		// a new refresh token is what reconnects a calendar
		cal.Status = string(models.CalendarStatusConnected)
	}
	cal.UpdatedAt = f.Now()
	out := *cal
	return &out, nil
}

func (f *FakeClient) DeleteCalendar(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("delete_calendar"); err != nil {
		return err
	}
	if _, ok := f.calendars[id]; !ok {
		return NewAPIError("delete_calendar", http.StatusNotFound)
	}
	delete(f.calendars, id)
	return nil
}

func (f *FakeClient) ListEvents(_ context.Context, calendarID string, updatedSince time.Time) ([]models.RemoteEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListEventsCalls = append(f.ListEventsCalls, ListEventsCall{CalendarID: calendarID, UpdatedSince: updatedSince})
	if err := f.injected("list_events"); err != nil {
		return nil, err
	}

	var out []models.RemoteEvent
	for _, ev := range f.events {
		if ev.CalendarID != calendarID {
			continue
		}
		if !updatedSince.IsZero() && ev.UpdatedAt.Before(updatedSince) {
			continue
		}
		out = append(out, copyEvent(ev))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeClient) GetEvent(_ context.Context, id string) (*models.RemoteEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GetEventCalls = append(f.GetEventCalls, id)
	if err := f.injected("get_event"); err != nil {
		return nil, err
	}
	ev, ok := f.events[id]
	if !ok {
		return nil, NewAPIError("get_event", http.StatusNotFound)
	}
	out := copyEvent(ev)
	return &out, nil
}

func (f *FakeClient) AddBot(_ context.Context, eventID, deduplicationKey string, cfg models.BotConfig) (*models.RemoteEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AddBotCalls = append(f.AddBotCalls, AddBotCall{EventID: eventID, DeduplicationKey: deduplicationKey, Config: cfg})
	if err := f.injected("add_bot"); err != nil {
		return nil, err
	}
	ev, ok := f.events[eventID]
	if !ok {
		return nil, NewAPIError("add_bot", http.StatusNotFound)
	}

	botID := ""
	for _, other := range f.events {
		for _, b := range other.Bots {
			if b.DeduplicationKey == deduplicationKey {
				botID = b.BotID
			}
		}
	}
	if botID == "" {
		f.nextBot++
		botID = fmt.Sprintf("bot-%d", f.nextBot)
	}

	start := ev.StartTime
	if cfg.JoinAt != nil {
		start = *cfg.JoinAt
	}
	f.bots[botID] = &models.Bot{ID: botID, JoinAt: &start, Metadata: cfg.Metadata}
	ev.Bots = []models.RemoteBot{{
		BotID:            botID,
		StartTime:        start,
		DeduplicationKey: deduplicationKey,
		MeetingURL:       ev.MeetingURL,
	}}
	ev.UpdatedAt = f.Now()
	out := copyEvent(ev)
	return &out, nil
}

func (f *FakeClient) RemoveBot(_ context.Context, eventID string) (*models.RemoteEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RemoveBotCalls = append(f.RemoveBotCalls, eventID)
	if err := f.injected("remove_bot"); err != nil {
		return nil, err
	}
	ev, ok := f.events[eventID]
	if !ok {
		return nil, NewAPIError("remove_bot", http.StatusNotFound)
	}
	ev.Bots = nil
	ev.UpdatedAt = f.Now()
	out := copyEvent(ev)
	return &out, nil
}

func (f *FakeClient) GetBot(_ context.Context, botID string) (*models.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("get_bot"); err != nil {
		return nil, err
	}
	bot, ok := f.bots[botID]
	if !ok {
		return nil, NewAPIError("get_bot", http.StatusNotFound)
	}
	out := *bot
	return &out, nil
}

func copyEvent(ev *models.RemoteEvent) models.RemoteEvent {
	out := *ev
	out.Bots = append([]models.RemoteBot(nil), ev.Bots...)
	if ev.Raw != nil {
		out.Raw = append(json.RawMessage(nil), ev.Raw...)
	}
	return out
}

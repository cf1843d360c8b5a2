package recall

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recallbot/internal/models"
)

func TestFakeClientCollapsesSharedDedupKey(t *testing.T) {
	fake := NewFakeClient()
	start := time.Now().Add(time.Hour)
	fake.PutEvent(models.RemoteEvent{ID: "a", CalendarID: "cal-1", StartTime: start})
	fake.PutEvent(models.RemoteEvent{ID: "b", CalendarID: "cal-2", StartTime: start})

	evA, err := fake.AddBot(context.Background(), "a", "shared", models.BotConfig{JoinAt: &start})
	require.NoError(t, err)
	evB, err := fake.AddBot(context.Background(), "b", "shared", models.BotConfig{JoinAt: &start})
	require.NoError(t, err)

	require.Len(t, evA.Bots, 1)
	require.Len(t, evB.Bots, 1)
	assert.Equal(t, evA.Bots[0].BotID, evB.Bots[0].BotID)
	assert.Equal(t, 2, fake.AddBotCount())
}

func TestFakeClientScriptedFailures(t *testing.T) {
	fake := NewFakeClient()
	fake.PutEvent(models.RemoteEvent{ID: "a"})
	fake.FailNext("add_bot", NewAPIError("add_bot", http.StatusConflict))

	_, err := fake.AddBot(context.Background(), "a", "k", models.BotConfig{})
	assert.True(t, IsConflict(err))

	_, err = fake.AddBot(context.Background(), "a", "k", models.BotConfig{})
	assert.NoError(t, err)

	boom := errors.New("boom")
	fake.FailAlways("get_event", boom)
	_, err = fake.GetEvent(context.Background(), "a")
	assert.ErrorIs(t, err, boom)
	fake.FailAlways("get_event", nil)
	_, err = fake.GetEvent(context.Background(), "a")
	assert.NoError(t, err)
}

func TestFakeClientListEventsFilters(t *testing.T) {
	fake := NewFakeClient()
	old := time.Now().Add(-48 * time.Hour)
	fake.PutEvent(models.RemoteEvent{ID: "old", CalendarID: "cal-1", UpdatedAt: old})
	fake.PutEvent(models.RemoteEvent{ID: "new", CalendarID: "cal-1"})
	fake.PutEvent(models.RemoteEvent{ID: "other", CalendarID: "cal-2"})

	events, err := fake.ListEvents(context.Background(), "cal-1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "new", events[0].ID)

	_, err = fake.GetCalendar(context.Background(), "missing")
	assert.True(t, IsDisconnected(err))
}

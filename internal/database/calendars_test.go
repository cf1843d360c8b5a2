package database

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recallbot/internal/models"
)

func TestCreateAndGetCalendar(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	user, cal := seedCalendar(t, db, "alice@acme.com", "rc-1")

	got, err := db.GetCalendar(ctx, cal.ID)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.UserID)
	assert.Equal(t, "rc-1", got.RemoteID)
	assert.Equal(t, models.CalendarStatusConnected, got.Status)
	assert.True(t, got.Settings.AutoRecordExternalEvents)
	assert.Nil(t, got.LastSyncedAt)

	byRemote, err := db.GetCalendarByRemoteID(ctx, "rc-1")
	require.NoError(t, err)
	assert.Equal(t, cal.ID, byRemote.ID)

	_, err = db.GetCalendarByRemoteID(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = db.GetCalendarByRemoteID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateCalendarDuplicateRemoteID(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	user, _ := seedCalendar(t, db, "alice@acme.com", "rc-1")

	err := db.CreateCalendar(ctx, &models.Calendar{UserID: user.ID, RemoteID: "rc-1"})
	assert.ErrorIs(t, err, ErrDuplicate)

	// unlinked calendars may coexist
	require.NoError(t, db.CreateCalendar(ctx, &models.Calendar{UserID: user.ID}))
	require.NoError(t, db.CreateCalendar(ctx, &models.Calendar{UserID: user.ID}))
}

func TestListCalendars(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	alice, _ := seedCalendar(t, db, "alice@acme.com", "rc-1")
	bob, _ := seedCalendar(t, db, "bob@acme.com", "rc-2")
	require.NoError(t, db.CreateCalendar(ctx, &models.Calendar{UserID: alice.ID}))

	linked, err := db.ListCalendarsWithRemoteID(ctx)
	require.NoError(t, err)
	assert.Len(t, linked, 2)

	byUsers, err := db.ListCalendarsByUserIDs(ctx, []int64{alice.ID, bob.ID})
	require.NoError(t, err)
	assert.Len(t, byUsers, 3)

	empty, err := db.ListCalendarsByUserIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSetCalendarStatusRecordsHistory(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, cal := seedCalendar(t, db, "alice@acme.com", "rc-1")

	change, err := db.SetCalendarStatus(ctx, cal.ID, models.CalendarStatusDisconnected, "getCalendar 404", nil)
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Equal(t, models.CalendarStatusConnected, change.From)
	assert.Equal(t, models.CalendarStatusDisconnected, change.To)
	assert.False(t, change.IsReconnection())

	// same status again is not a transition
	again, err := db.SetCalendarStatus(ctx, cal.ID, models.CalendarStatusDisconnected, "still 404", nil)
	require.NoError(t, err)
	assert.Nil(t, again)

	snapshot := json.RawMessage(`{"id":"rc-1","status":"connected"}`)
	back, err := db.SetCalendarStatus(ctx, cal.ID, models.CalendarStatusConnected, "", snapshot)
	require.NoError(t, err)
	require.NotNil(t, back)
	assert.True(t, back.IsReconnection())

	got, err := db.GetCalendar(ctx, cal.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CalendarStatusConnected, got.Status)
	assert.JSONEq(t, string(snapshot), string(got.RemoteSnapshot))

	history, err := db.ListCalendarStatusHistory(ctx, cal.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "getCalendar 404", history[0].Reason)
	assert.True(t, history[1].IsReconnection())

	_, err = db.SetCalendarStatus(ctx, 999, models.CalendarStatusConnected, "", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetCalendarStatusConcurrentWriters(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	_, cal := seedCalendar(t, db, "alice@acme.com", "rc-1")

	const writers, rounds = 8, 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		changes int
		errs    []error
	)
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range rounds {
				status := models.CalendarStatusConnected
				if (w+i)%2 == 0 {
					status = models.CalendarStatusDisconnected
				}
				change, err := db.SetCalendarStatus(ctx, cal.ID, status, "check", json.RawMessage(`{"id":"rc-1"}`))
				mu.Lock()
				if err != nil {
					errs = append(errs, err)
				} else if change != nil {
					changes++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	history, err := db.ListCalendarStatusHistory(ctx, cal.ID)
	require.NoError(t, err)
	require.Len(t, history, changes)
	for i := 1; i < len(history); i++ {
		assert.Equal(t, history[i-1].To, history[i].From, "transition %d", i)
	}
}

func TestCalendarUpdates(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, cal := seedCalendar(t, db, "alice@acme.com", "rc-1")

	settings := models.CalendarSettings{BotName: "Notes", JoinBeforeStartMinutes: 2}
	require.NoError(t, db.UpdateCalendarSettings(ctx, cal.ID, settings))

	syncedAt := time.Now().Add(-time.Minute).Truncate(time.Second)
	require.NoError(t, db.MarkCalendarSynced(ctx, cal.ID, syncedAt))
	require.NoError(t, db.UpdateCalendarSnapshot(ctx, cal.ID, json.RawMessage(`{"id":"rc-1"}`)))

	got, err := db.GetCalendar(ctx, cal.ID)
	require.NoError(t, err)
	assert.Equal(t, "Notes", got.Settings.BotName)
	assert.Equal(t, 2, got.Settings.JoinBeforeStartMinutes)
	require.NotNil(t, got.LastSyncedAt)
	assert.True(t, syncedAt.Equal(*got.LastSyncedAt))

	assert.ErrorIs(t, db.MarkCalendarSynced(ctx, 999, syncedAt), ErrNotFound)
}

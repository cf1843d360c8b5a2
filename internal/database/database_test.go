package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recallbot/internal/models"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// seedCalendar creates a user and one connected calendar.
func seedCalendar(t *testing.T, db *DB, email, remoteID string) (*models.User, *models.Calendar) {
	t.Helper()
	ctx := context.Background()

	user := &models.User{Email: email}
	require.NoError(t, db.CreateOrUpdateUser(ctx, user))

	cal := &models.Calendar{
		UserID:   user.ID,
		RemoteID: remoteID,
		Platform: "google_calendar",
		Email:    email,
		Status:   models.CalendarStatusConnected,
		Settings: models.CalendarSettings{AutoRecordExternalEvents: true},
	}
	require.NoError(t, db.CreateCalendar(ctx, cal))
	return user, cal
}

func TestNewDB_DirectoryCreation(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	logger := zerolog.Nop()

	db, err := NewDB(dbPath, &logger)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, dbPath)
	assert.Equal(t, dbPath, db.Path())
}

func TestNewDB_Memory(t *testing.T) {
	db, err := NewDB(":memory:", nil)
	require.NoError(t, err)
	defer db.Close()

	assert.NoError(t, db.PingContext(context.Background()))
}

func TestNewDB_SchemaIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "twice.db")

	first, err := NewDB(dbPath, nil)
	require.NoError(t, err)
	first.Close()

	second, err := NewDB(dbPath, nil)
	require.NoError(t, err)
	second.Close()
}

func TestDB_ErrorPaths(t *testing.T) {
	db, err := NewDB(filepath.Join(t.TempDir(), "closed.db"), nil)
	require.NoError(t, err)
	db.Close()

	ctx := context.Background()

	_, err = db.GetCalendar(ctx, 1)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)

	_, err = db.ListCalendarsWithRemoteID(ctx)
	assert.Error(t, err)

	err = db.UpsertEvent(ctx, &models.CalendarEvent{RemoteID: "x"})
	assert.Error(t, err)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", placeholders(0))
	assert.Equal(t, "?", placeholders(1))
	assert.Equal(t, "?, ?, ?", placeholders(3))
}

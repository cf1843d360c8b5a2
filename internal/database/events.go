package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"recallbot/internal/models"
)

const eventColumns = `id, remote_id, calendar_id, start_time, end_time, meeting_url, platform,
                 should_record_automatic, should_record_manual, transcription_mode_override,
                 remote_snapshot, created_at, updated_at`

// UpsertEvent writes the provider-owned fields of ev keyed by remote id. The
// user-owned manual flag, the transcription override and the last policy
// result are kept on update and copied back into ev.
func (db *DB) UpsertEvent(ctx context.Context, ev *models.CalendarEvent) error {
	now := utc(time.Now())
	query := `INSERT INTO calendar_events (
                remote_id, calendar_id, start_time, end_time, meeting_url, platform,
                should_record_automatic, should_record_manual, transcription_mode_override,
                remote_snapshot, created_at, updated_at
              ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
              ON CONFLICT(remote_id) DO UPDATE SET
                calendar_id = excluded.calendar_id,
                start_time = excluded.start_time,
                end_time = excluded.end_time,
                meeting_url = excluded.meeting_url,
                platform = excluded.platform,
                remote_snapshot = excluded.remote_snapshot,
                updated_at = excluded.updated_at
              RETURNING id, should_record_automatic, should_record_manual, transcription_mode_override, created_at`

	var override string
	err := db.QueryRowContext(ctx, query,
		ev.RemoteID,
		ev.CalendarID,
		utc(ev.StartTime),
		utc(ev.EndTime),
		ev.MeetingURL,
		ev.Platform,
		ev.ShouldRecordAutomatic,
		ev.ShouldRecordManual,
		string(ev.TranscriptionModeOverride),
		nullJSON(ev.RemoteSnapshot),
		now,
		now,
	).Scan(&ev.ID, &ev.ShouldRecordAutomatic, &ev.ShouldRecordManual, &override, &ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert event %s: %w", ev.RemoteID, err)
	}
	ev.TranscriptionModeOverride = models.TranscriptionMode(override)
	ev.UpdatedAt = now
	return nil
}

func (db *DB) GetEvent(ctx context.Context, id int64) (*models.CalendarEvent, error) {
	row := db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM calendar_events WHERE id = ?`, id)
	return scanEvent(row)
}

func (db *DB) GetEventByRemoteID(ctx context.Context, remoteID string) (*models.CalendarEvent, error) {
	row := db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM calendar_events WHERE remote_id = ?`, remoteID)
	return scanEvent(row)
}

// SetEventAutomaticRecording stores the policy evaluator's result.
func (db *DB) SetEventAutomaticRecording(ctx context.Context, id int64, automatic bool) error {
	return db.execOne(ctx, `UPDATE calendar_events SET should_record_automatic = ?, updated_at = ? WHERE id = ?`,
		automatic, utc(time.Now()), id)
}

// SetEventManualRecording stores the user's explicit choice for a single event.
func (db *DB) SetEventManualRecording(ctx context.Context, id int64, manual bool) error {
	return db.execOne(ctx, `UPDATE calendar_events SET should_record_manual = ?, updated_at = ? WHERE id = ?`,
		manual, utc(time.Now()), id)
}

func (db *DB) SetEventTranscriptionOverride(ctx context.Context, id int64, mode models.TranscriptionMode) error {
	if mode != "" && !mode.Valid() {
		return fmt.Errorf("invalid transcription mode %q", mode)
	}
	return db.execOne(ctx, `UPDATE calendar_events SET transcription_mode_override = ?, updated_at = ? WHERE id = ?`,
		string(mode), utc(time.Now()), id)
}

func (db *DB) UpdateEventSnapshot(ctx context.Context, remoteID string, snapshot []byte) error {
	return db.execOne(ctx, `UPDATE calendar_events SET remote_snapshot = ?, updated_at = ? WHERE remote_id = ?`,
		nullJSON(snapshot), utc(time.Now()), remoteID)
}

// DeleteEventByRemoteID removes the row; a missing row is not an error.
func (db *DB) DeleteEventByRemoteID(ctx context.Context, remoteID string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM calendar_events WHERE remote_id = ?`, remoteID); err != nil {
		return fmt.Errorf("failed to delete event %s: %w", remoteID, err)
	}
	return nil
}

// ListUpcomingEvents returns events of the given calendars that start after the given time.
func (db *DB) ListUpcomingEvents(ctx context.Context, calendarIDs []int64, after time.Time) ([]*models.CalendarEvent, error) {
	if len(calendarIDs) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(calendarIDs)+1)
	for _, id := range calendarIDs {
		args = append(args, id)
	}
	args = append(args, utc(after))

	query := `SELECT ` + eventColumns + ` FROM calendar_events
              WHERE calendar_id IN (` + placeholders(len(calendarIDs)) + `) AND start_time > ?
              ORDER BY start_time, id`
	return db.queryEvents(ctx, query, args...)
}

func (db *DB) ListEventsUpdatedSince(ctx context.Context, calendarID int64, since time.Time) ([]*models.CalendarEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM calendar_events
              WHERE calendar_id = ? AND updated_at >= ?
              ORDER BY updated_at, id`
	return db.queryEvents(ctx, query, calendarID, utc(since))
}

func (db *DB) queryEvents(ctx context.Context, query string, args ...any) ([]*models.CalendarEvent, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*models.CalendarEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanEvent(row rowScanner) (*models.CalendarEvent, error) {
	var (
		ev       models.CalendarEvent
		override string
		snapshot sql.NullString
	)
	err := row.Scan(
		&ev.ID,
		&ev.RemoteID,
		&ev.CalendarID,
		&ev.StartTime,
		&ev.EndTime,
		&ev.MeetingURL,
		&ev.Platform,
		&ev.ShouldRecordAutomatic,
		&ev.ShouldRecordManual,
		&override,
		&snapshot,
		&ev.CreatedAt,
		&ev.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	ev.TranscriptionModeOverride = models.TranscriptionMode(override)
	ev.RemoteSnapshot = scanJSON(snapshot)
	ev.StartTime = ev.StartTime.UTC()
	ev.EndTime = ev.EndTime.UTC()
	return &ev, nil
}

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"recallbot/internal/models"
)

const calendarColumns = `id, user_id, remote_id, platform, email, status, settings,
                 remote_snapshot, last_synced_at, created_at, updated_at`

func (db *DB) CreateCalendar(ctx context.Context, cal *models.Calendar) error {
	settings, err := json.Marshal(cal.Settings)
	if err != nil {
		return fmt.Errorf("encode calendar settings: %w", err)
	}
	if cal.Status == "" {
		cal.Status = models.CalendarStatusConnecting
	}

	now := utc(time.Now())
	query := `INSERT INTO calendars (user_id, remote_id, platform, email, status, settings, remote_snapshot, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := db.ExecContext(ctx, query,
		cal.UserID,
		cal.RemoteID,
		cal.Platform,
		cal.Email,
		string(cal.Status),
		string(settings),
		nullJSON(cal.RemoteSnapshot),
		now,
		now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("calendar remote id %q: %w", cal.RemoteID, ErrDuplicate)
		}
		return fmt.Errorf("failed to create calendar: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	cal.ID = id
	cal.CreatedAt = now
	cal.UpdatedAt = now
	return nil
}

func (db *DB) GetCalendar(ctx context.Context, id int64) (*models.Calendar, error) {
	row := db.QueryRowContext(ctx, `SELECT `+calendarColumns+` FROM calendars WHERE id = ?`, id)
	return scanCalendar(row)
}

func (db *DB) GetCalendarByRemoteID(ctx context.Context, remoteID string) (*models.Calendar, error) {
	if remoteID == "" {
		return nil, ErrNotFound
	}
	row := db.QueryRowContext(ctx, `SELECT `+calendarColumns+` FROM calendars WHERE remote_id = ?`, remoteID)
	return scanCalendar(row)
}

// ListCalendarsWithRemoteID returns every calendar linked to the provider, any status.
func (db *DB) ListCalendarsWithRemoteID(ctx context.Context) ([]*models.Calendar, error) {
	return db.queryCalendars(ctx, `SELECT `+calendarColumns+` FROM calendars WHERE remote_id <> '' ORDER BY id`)
}

func (db *DB) ListCalendarsByUserIDs(ctx context.Context, userIDs []int64) ([]*models.Calendar, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	args := make([]any, len(userIDs))
	for i, id := range userIDs {
		args[i] = id
	}
	query := `SELECT ` + calendarColumns + ` FROM calendars WHERE user_id IN (` + placeholders(len(userIDs)) + `) ORDER BY id`
	return db.queryCalendars(ctx, query, args...)
}

func (db *DB) UpdateCalendarSettings(ctx context.Context, id int64, settings models.CalendarSettings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode calendar settings: %w", err)
	}
	return db.execOne(ctx, `UPDATE calendars SET settings = ?, updated_at = ? WHERE id = ?`,
		string(raw), utc(time.Now()), id)
}

func (db *DB) UpdateCalendarSnapshot(ctx context.Context, id int64, snapshot json.RawMessage) error {
	return db.execOne(ctx, `UPDATE calendars SET remote_snapshot = ?, updated_at = ? WHERE id = ?`,
		nullJSON(snapshot), utc(time.Now()), id)
}

func (db *DB) MarkCalendarSynced(ctx context.Context, id int64, at time.Time) error {
	return db.execOne(ctx, `UPDATE calendars SET last_synced_at = ?, updated_at = ? WHERE id = ?`,
		utc(at), utc(time.Now()), id)
}

// SetCalendarStatus moves the calendar to status and records the transition in
// calendar_status_history. It returns the recorded change, or nil when the
// status was already current. snapshot is stored when non-empty.
func (db *DB) SetCalendarStatus(
	ctx context.Context,
	id int64,
	status models.CalendarStatus,
	reason string,
	snapshot json.RawMessage,
) (*models.CalendarStatusChange, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin status tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM calendars WHERE id = ?`, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read calendar status: %w", err)
	}

	now := utc(time.Now())
	if len(snapshot) > 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE calendars SET remote_snapshot = ?, updated_at = ? WHERE id = ?`,
			string(snapshot), now, id); err != nil {
			return nil, fmt.Errorf("update calendar snapshot: %w", err)
		}
	}

	from := models.CalendarStatus(current)
	if from == status {
		return nil, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `UPDATE calendars SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), now, id); err != nil {
		return nil, fmt.Errorf("update calendar status: %w", err)
	}

	change := &models.CalendarStatusChange{
		CalendarID: id,
		From:       from,
		To:         status,
		Reason:     reason,
		CreatedAt:  now,
	}
	result, err := tx.ExecContext(ctx,
		`INSERT INTO calendar_status_history (calendar_id, from_status, to_status, reason, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, string(from), string(status), reason, now)
	if err != nil {
		return nil, fmt.Errorf("insert status history: %w", err)
	}
	if change.ID, err = result.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to get last insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit status tx: %w", err)
	}
	return change, nil
}

func (db *DB) ListCalendarStatusHistory(ctx context.Context, calendarID int64) ([]models.CalendarStatusChange, error) {
	query := `SELECT id, calendar_id, from_status, to_status, reason, created_at
              FROM calendar_status_history WHERE calendar_id = ? ORDER BY id`
	rows, err := db.QueryContext(ctx, query, calendarID)
	if err != nil {
		return nil, fmt.Errorf("failed to list status history: %w", err)
	}
	defer rows.Close()

	var changes []models.CalendarStatusChange
	for rows.Next() {
		var (
			c        models.CalendarStatusChange
			from, to string
		)
		if err := rows.Scan(&c.ID, &c.CalendarID, &from, &to, &c.Reason, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan status history: %w", err)
		}
		c.From = models.CalendarStatus(from)
		c.To = models.CalendarStatus(to)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

func (db *DB) queryCalendars(ctx context.Context, query string, args ...any) ([]*models.Calendar, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}
	defer rows.Close()

	var calendars []*models.Calendar
	for rows.Next() {
		cal, err := scanCalendar(rows)
		if err != nil {
			return nil, err
		}
		calendars = append(calendars, cal)
	}
	return calendars, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCalendar(row rowScanner) (*models.Calendar, error) {
	var (
		cal      models.Calendar
		status   string
		settings string
		snapshot sql.NullString
		synced   sql.NullTime
	)
	err := row.Scan(
		&cal.ID,
		&cal.UserID,
		&cal.RemoteID,
		&cal.Platform,
		&cal.Email,
		&status,
		&settings,
		&snapshot,
		&synced,
		&cal.CreatedAt,
		&cal.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan calendar: %w", err)
	}

	if settings != "" {
		if err := json.Unmarshal([]byte(settings), &cal.Settings); err != nil {
			return nil, fmt.Errorf("decode calendar %d settings: %w", cal.ID, err)
		}
	}
	cal.Status = models.CalendarStatus(status)
	cal.RemoteSnapshot = scanJSON(snapshot)
	cal.LastSyncedAt = scanNullTime(synced)
	return &cal, nil
}

// execOne runs an UPDATE/DELETE that must touch exactly one row.
func (db *DB) execOne(ctx context.Context, query string, args ...any) error {
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to execute update: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

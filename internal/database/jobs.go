package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"recallbot/internal/models"
)

const jobColumns = `id, handle, job_key, name, payload, state, attempts, claim_seq, max_attempts,
                 run_at, repeat_every_ms, locked_until, last_error, created_at, updated_at`

// ErrLeaseLost is returned when a claimed job was reaped and claimed again
// before its worker reported the outcome.
var ErrLeaseLost = errors.New("job lease lost")

// InsertJob stores job as waiting unless a live job (waiting, active or
// stalled) already holds the same key. In that case the existing job is
// returned with inserted=false.
func (db *DB) InsertJob(ctx context.Context, job *models.Job) (existing *models.Job, inserted bool, err error) {
	// the live job can finish between the failed insert and the lookup; try again then
	for range 3 {
		now := utc(time.Now())
		query := `INSERT INTO jobs (handle, job_key, name, payload, state, attempts, max_attempts,
                    run_at, repeat_every_ms, last_error, created_at, updated_at)
                  VALUES (?, ?, ?, ?, 'waiting', 0, ?, ?, ?, '', ?, ?)
                  ON CONFLICT DO NOTHING`
		result, err := db.ExecContext(ctx, query,
			job.Handle,
			job.Key,
			string(job.Name),
			string(job.Payload),
			job.MaxAttempts,
			utc(job.RunAt),
			job.RepeatEvery.Milliseconds(),
			now,
			now,
		)
		if err != nil {
			return nil, false, fmt.Errorf("failed to insert job %s: %w", job.Key, err)
		}

		n, err := result.RowsAffected()
		if err != nil {
			return nil, false, fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 1 {
			id, err := result.LastInsertId()
			if err != nil {
				return nil, false, fmt.Errorf("failed to get last insert id: %w", err)
			}
			job.ID = id
			job.State = models.JobWaiting
			job.CreatedAt = now
			job.UpdatedAt = now
			return job, true, nil
		}

		live, err := db.GetLiveJobByKey(ctx, job.Key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return live, false, nil
	}
	return nil, false, fmt.Errorf("job %s: %w", job.Key, ErrDuplicate)
}

// GetLiveJobByKey returns the non-terminal job holding key.
func (db *DB) GetLiveJobByKey(ctx context.Context, key string) (*models.Job, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_key = ? AND state IN ('waiting', 'active', 'stalled')`, key)
	return scanJob(row)
}

func (db *DB) GetJobByHandle(ctx context.Context, handle string) (*models.Job, error) {
	row := db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE handle = ?`, handle)
	return scanJob(row)
}

// ClaimJob atomically moves the oldest due job of the given name to active,
// bumps its attempt and claim counters and locks it until lockUntil. It
// returns ErrNotFound when nothing is due.
func (db *DB) ClaimJob(ctx context.Context, name models.JobName, now, lockUntil time.Time) (*models.Job, error) {
	query := `UPDATE jobs SET state = 'active', attempts = attempts + 1, claim_seq = claim_seq + 1,
                locked_until = ?, updated_at = ?
              WHERE id = (
                SELECT id FROM jobs
                WHERE name = ? AND state IN ('waiting', 'stalled') AND run_at <= ?
                ORDER BY run_at, id LIMIT 1
              )
              RETURNING ` + jobColumns
	row := db.QueryRowContext(ctx, query, utc(lockUntil), utc(now), string(name), utc(now))
	return scanJob(row)
}

// The calls below report the outcome of a claim. They only touch the row
// while it still carries that claim and return ErrLeaseLost otherwise.

// RetryJob puts a claimed job back to waiting at runAt.
func (db *DB) RetryJob(ctx context.Context, id, claim int64, runAt time.Time, lastError string) error {
	return db.execClaimed(ctx, id, claim,
		`UPDATE jobs SET state = 'waiting', run_at = ?, locked_until = NULL, last_error = ?, updated_at = ?`,
		utc(runAt), lastError, utc(time.Now()))
}

// RescheduleJob puts a claimed repeating job back to waiting at runAt with a fresh attempt budget.
func (db *DB) RescheduleJob(ctx context.Context, id, claim int64, runAt time.Time, lastError string) error {
	return db.execClaimed(ctx, id, claim,
		`UPDATE jobs SET state = 'waiting', attempts = 0, run_at = ?, locked_until = NULL, last_error = ?, updated_at = ?`,
		utc(runAt), lastError, utc(time.Now()))
}

// CompleteJob discards a claimed job that finished or failed for good.
func (db *DB) CompleteJob(ctx context.Context, id, claim int64) error {
	return db.execClaimed(ctx, id, claim, `DELETE FROM jobs`)
}

func (db *DB) execClaimed(ctx context.Context, id, claim int64, stmt string, args ...any) error {
	query := stmt + ` WHERE id = ? AND claim_seq = ? AND state IN ('active', 'stalled')`
	result, err := db.ExecContext(ctx, query, append(args, id, claim)...)
	if err != nil {
		return fmt.Errorf("failed to update job %d: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %d claim %d: %w", id, claim, ErrLeaseLost)
	}
	return nil
}

// SetJobRepeat changes the interval of a repeating job.
func (db *DB) SetJobRepeat(ctx context.Context, id int64, every time.Duration) error {
	return db.execOne(ctx, `UPDATE jobs SET repeat_every_ms = ?, updated_at = ? WHERE id = ?`,
		every.Milliseconds(), utc(time.Now()), id)
}

// MarkStalledJobs flags active jobs whose lock expired before now and returns them.
func (db *DB) MarkStalledJobs(ctx context.Context, now time.Time) ([]*models.Job, error) {
	query := `UPDATE jobs SET state = 'stalled', locked_until = NULL, updated_at = ?
              WHERE state = 'active' AND locked_until IS NOT NULL AND locked_until < ?
              RETURNING ` + jobColumns
	rows, err := db.QueryContext(ctx, query, utc(now), utc(now))
	if err != nil {
		return nil, fmt.Errorf("failed to mark stalled jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountJobs counts jobs of a name in the given state; an empty state counts all.
func (db *DB) CountJobs(ctx context.Context, name models.JobName, state models.JobState) (int, error) {
	query := `SELECT COUNT(*) FROM jobs WHERE name = ?`
	args := []any{string(name)}
	if state != "" {
		query += ` AND state = ?`
		args = append(args, string(state))
	}

	var count int
	if err := db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return count, nil
}

func (db *DB) ListJobs(ctx context.Context, name models.JobName) ([]*models.Job, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE name = ? ORDER BY id`, string(name))
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job     models.Job
		name    string
		payload string
		state   string
		repeat  int64
		locked  sql.NullTime
	)
	err := row.Scan(
		&job.ID,
		&job.Handle,
		&job.Key,
		&name,
		&payload,
		&state,
		&job.Attempts,
		&job.Claim,
		&job.MaxAttempts,
		&job.RunAt,
		&repeat,
		&locked,
		&job.LastError,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	job.Name = models.JobName(name)
	job.Payload = []byte(payload)
	job.State = models.JobState(state)
	job.RepeatEvery = time.Duration(repeat) * time.Millisecond
	job.LockedUntil = scanNullTime(locked)
	job.RunAt = job.RunAt.UTC()
	return &job, nil
}

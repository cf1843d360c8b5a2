package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"recallbot/internal/models"
)

// CreateOrUpdateUser inserts the user or refreshes updated_at when the email already exists.
func (db *DB) CreateOrUpdateUser(ctx context.Context, user *models.User) error {
	query := `INSERT INTO users (email, created_at, updated_at) VALUES (?, ?, ?)
              ON CONFLICT(email) DO UPDATE SET updated_at = excluded.updated_at
              RETURNING id, created_at`
	now := utc(time.Now())
	err := db.QueryRowContext(ctx, query, strings.TrimSpace(user.Email), now, now).
		Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create or update user: %w", err)
	}
	user.UpdatedAt = now
	return nil
}

func (db *DB) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	return db.queryUser(ctx, `SELECT id, email, created_at, updated_at FROM users WHERE id = ?`, id)
}

func (db *DB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return db.queryUser(ctx, `SELECT id, email, created_at, updated_at FROM users WHERE email = ?`, strings.TrimSpace(email))
}

// ListUsersByDomain returns every user whose email is on the given domain.
func (db *DB) ListUsersByDomain(ctx context.Context, domain string) ([]*models.User, error) {
	query := `SELECT id, email, created_at, updated_at FROM users
              WHERE lower(substr(email, instr(email, '@') + 1)) = ?
              ORDER BY id`
	rows, err := db.QueryContext(ctx, query, strings.ToLower(strings.TrimSpace(domain)))
	if err != nil {
		return nil, fmt.Errorf("failed to list users by domain: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Email, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

func (db *DB) queryUser(ctx context.Context, query string, arg any) (*models.User, error) {
	var u models.User
	err := db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Email, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// User is an alert recipient.
type User struct {
	ID                string
	Email             string
	FullName          string
	DiscordWebhookURL string
	EmailVerified     bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ErrDuplicateEmail is returned when a user with the email already exists.
var ErrDuplicateEmail = errors.New("db: email already registered")

// CreateUser stores a new recipient and returns the generated id.
func (d *DB) CreateUser(ctx context.Context, email, fullName, discordWebhookURL string) (string, error) {
	var id string
	err := d.client.QueryRowContext(ctx, `
		INSERT INTO users (email, full_name, discord_webhook_url)
		VALUES ($1, $2, NULLIF($3, ''))
		RETURNING id
	`, email, fullName, discordWebhookURL).Scan(&id)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return "", ErrDuplicateEmail
	}
	if err != nil {
		return "", fmt.Errorf("failed to create user: %w", err)
	}
	return id, nil
}

// GetUserByEmail loads a user, nil when absent.
func (d *DB) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	var fullName, webhook sql.NullString
	err := d.client.QueryRowContext(ctx, `
		SELECT id, email, full_name, discord_webhook_url, email_verified, created_at, updated_at
		FROM users WHERE email = $1
	`, email).Scan(&u.ID, &u.Email, &fullName, &webhook, &u.EmailVerified, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	u.FullName = fullName.String
	u.DiscordWebhookURL = webhook.String
	return &u, nil
}

// SetEmailVerified records the outcome of recipient address verification.
func (d *DB) SetEmailVerified(ctx context.Context, userID string, verified bool) error {
	_, err := d.client.ExecContext(ctx, `
		UPDATE users SET email_verified = $1, updated_at = NOW() WHERE id = $2
	`, verified, userID)
	if err != nil {
		return fmt.Errorf("failed to update email verification: %w", err)
	}
	return nil
}

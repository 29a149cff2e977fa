package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
)

// Match records that an offer satisfied an alert's criteria.
type Match struct {
	ID         int64
	AlertID    int64
	OfferID    int64
	MatchedAt  time.Time
	NotifiedAt *time.Time
}

// CreateMatch records an alert/offer match. Re-matching the same pair is a
// no-op: the unique constraint absorbs it and created is false, so an offer
// re-crawl never triggers a second notification.
func (d *DB) CreateMatch(ctx context.Context, alertID, offerID int64) (matchID int64, created bool, err error) {
	err = d.client.QueryRowContext(ctx, `
		INSERT INTO matches (alert_id, offer_id) VALUES ($1, $2)
		RETURNING id
	`, alertID, offerID).Scan(&matchID)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to create match: %w", err)
	}

	log.Info().
		Int64("alert_id", alertID).
		Int64("offer_id", offerID).
		Int64("match_id", matchID).
		Msg("Offer matched alert")
	return matchID, true, nil
}

// MarkMatchNotified timestamps a match once its notifications went out.
func (d *DB) MarkMatchNotified(ctx context.Context, matchID int64) error {
	_, err := d.client.ExecContext(ctx, `
		UPDATE matches SET notified_at = NOW()
		WHERE id = $1 AND notified_at IS NULL
	`, matchID)
	if err != nil {
		return fmt.Errorf("failed to mark match notified: %w", err)
	}
	return nil
}

// GetMatch loads a match by id, nil when absent.
func (d *DB) GetMatch(ctx context.Context, matchID int64) (*Match, error) {
	var m Match
	err := d.client.QueryRowContext(ctx, `
		SELECT id, alert_id, offer_id, matched_at, notified_at
		FROM matches WHERE id = $1
	`, matchID).Scan(&m.ID, &m.AlertID, &m.OfferID, &m.MatchedAt, &m.NotifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load match: %w", err)
	}
	return &m, nil
}

package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Notification methods an alert can request. Empty means both.
const (
	NotifyMethodEmail   = "email"
	NotifyMethodDiscord = "discord"
	NotifyMethodBoth    = "both"
)

// Alert is a user's saved search. Nil criteria are unconstrained; a set
// criterion must hold for an offer to match.
type Alert struct {
	ID     int64
	UserID string
	Name   string
	Active bool

	City      string
	Districts []string

	MinPrice   *float64
	MaxPrice   *float64
	MinFootage *float64
	MaxFootage *float64
	MinRooms   *int
	MaxRooms   *int
	MinFloor   *int
	MaxFloor   *int

	Furnished *bool
	Elevator  *bool
	Pets      *bool

	BuildingTypes []string
	ParkingTypes  []string
	OwnerType     string
	Keywords      []string

	// NotifyMethod selects the delivery channels for this alert's matches.
	NotifyMethod string
	// MatchCount is the running total of offers that have matched.
	MatchCount int64

	CreatedAt time.Time
	UpdatedAt time.Time

	// Recipient data joined from users, filled by ListActiveAlerts.
	UserEmail         string
	DiscordWebhookURL string
}

// CreateAlert stores a new alert and returns its id. An unset notification
// method defaults to both channels.
func (d *DB) CreateAlert(ctx context.Context, a *Alert) (int64, error) {
	districts, buildingTypes, parkingTypes, keywords, err := marshalAlertLists(a)
	if err != nil {
		return 0, err
	}
	if a.NotifyMethod == "" {
		a.NotifyMethod = NotifyMethodBoth
	}

	var id int64
	err = d.client.QueryRowContext(ctx, `
		INSERT INTO alerts (
			user_id, name, active, city, districts,
			min_price, max_price, min_footage, max_footage,
			min_rooms, max_rooms, min_floor, max_floor,
			furnished, elevator, pets_allowed,
			building_types, parking_types, owner_type, keywords, notify_method
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		RETURNING id
	`,
		a.UserID, a.Name, a.Active, nullString(a.City), districts,
		a.MinPrice, a.MaxPrice, a.MinFootage, a.MaxFootage,
		a.MinRooms, a.MaxRooms, a.MinFloor, a.MaxFloor,
		a.Furnished, a.Elevator, a.Pets,
		buildingTypes, parkingTypes, nullString(a.OwnerType), keywords, a.NotifyMethod,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create alert: %w", err)
	}

	log.Info().Int64("alert_id", id).Str("name", a.Name).Msg("Alert created")
	return id, nil
}

// SetAlertActive toggles an alert without deleting its history.
func (d *DB) SetAlertActive(ctx context.Context, alertID int64, active bool) error {
	result, err := d.client.ExecContext(ctx, `
		UPDATE alerts SET active = $1, updated_at = NOW() WHERE id = $2
	`, active, alertID)
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListActiveAlerts loads all active alerts with their recipients. Called
// once per ingested offer batch, so the alert set is small and fully
// loaded rather than filtered in SQL.
func (d *DB) ListActiveAlerts(ctx context.Context) ([]Alert, error) {
	rows, err := d.client.QueryContext(ctx, `
		SELECT a.id, a.user_id, a.name, a.active,
			COALESCE(a.city, ''), a.districts,
			a.min_price, a.max_price, a.min_footage, a.max_footage,
			a.min_rooms, a.max_rooms, a.min_floor, a.max_floor,
			a.furnished, a.elevator, a.pets_allowed,
			a.building_types, a.parking_types, COALESCE(a.owner_type, ''), a.keywords,
			a.notify_method, a.match_count,
			a.created_at, a.updated_at,
			u.email, COALESCE(u.discord_webhook_url, '')
		FROM alerts a
		JOIN users u ON u.id = a.user_id
		WHERE a.active
		ORDER BY a.id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		var a Alert
		var districts, buildingTypes, parkingTypes, keywords []byte
		err := rows.Scan(
			&a.ID, &a.UserID, &a.Name, &a.Active,
			&a.City, &districts,
			&a.MinPrice, &a.MaxPrice, &a.MinFootage, &a.MaxFootage,
			&a.MinRooms, &a.MaxRooms, &a.MinFloor, &a.MaxFloor,
			&a.Furnished, &a.Elevator, &a.Pets,
			&buildingTypes, &parkingTypes, &a.OwnerType, &keywords,
			&a.NotifyMethod, &a.MatchCount,
			&a.CreatedAt, &a.UpdatedAt,
			&a.UserEmail, &a.DiscordWebhookURL,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}

		if err := unmarshalAlertLists(&a, districts, buildingTypes, parkingTypes, keywords); err != nil {
			// A corrupt criteria list disables one alert, not the batch.
			log.Error().Err(err).Int64("alert_id", a.ID).Msg("Skipping alert with corrupt criteria")
			continue
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// GetAlert loads one alert with its recipient, nil when absent.
func (d *DB) GetAlert(ctx context.Context, alertID int64) (*Alert, error) {
	var a Alert
	var districts, buildingTypes, parkingTypes, keywords []byte
	err := d.client.QueryRowContext(ctx, `
		SELECT a.id, a.user_id, a.name, a.active,
			COALESCE(a.city, ''), a.districts,
			a.min_price, a.max_price, a.min_footage, a.max_footage,
			a.min_rooms, a.max_rooms, a.min_floor, a.max_floor,
			a.furnished, a.elevator, a.pets_allowed,
			a.building_types, a.parking_types, COALESCE(a.owner_type, ''), a.keywords,
			a.notify_method, a.match_count,
			a.created_at, a.updated_at,
			u.email, COALESCE(u.discord_webhook_url, '')
		FROM alerts a
		JOIN users u ON u.id = a.user_id
		WHERE a.id = $1
	`, alertID).Scan(
		&a.ID, &a.UserID, &a.Name, &a.Active,
		&a.City, &districts,
		&a.MinPrice, &a.MaxPrice, &a.MinFootage, &a.MaxFootage,
		&a.MinRooms, &a.MaxRooms, &a.MinFloor, &a.MaxFloor,
		&a.Furnished, &a.Elevator, &a.Pets,
		&buildingTypes, &parkingTypes, &a.OwnerType, &keywords,
		&a.NotifyMethod, &a.MatchCount,
		&a.CreatedAt, &a.UpdatedAt,
		&a.UserEmail, &a.DiscordWebhookURL,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load alert: %w", err)
	}
	if err := unmarshalAlertLists(&a, districts, buildingTypes, parkingTypes, keywords); err != nil {
		return nil, err
	}
	return &a, nil
}

// IncrementAlertMatchCount bumps the running match total for an alert.
func (d *DB) IncrementAlertMatchCount(ctx context.Context, alertID int64) error {
	_, err := d.client.ExecContext(ctx, `
		UPDATE alerts SET match_count = match_count + 1 WHERE id = $1
	`, alertID)
	if err != nil {
		return fmt.Errorf("failed to increment alert match count: %w", err)
	}
	return nil
}

func marshalAlertLists(a *Alert) (districts, buildingTypes, parkingTypes, keywords []byte, err error) {
	if districts, err = json.Marshal(a.Districts); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal districts: %w", err)
	}
	if buildingTypes, err = json.Marshal(a.BuildingTypes); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal building types: %w", err)
	}
	if parkingTypes, err = json.Marshal(a.ParkingTypes); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal parking types: %w", err)
	}
	if keywords, err = json.Marshal(a.Keywords); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal keywords: %w", err)
	}
	return districts, buildingTypes, parkingTypes, keywords, nil
}

func unmarshalAlertLists(a *Alert, districts, buildingTypes, parkingTypes, keywords []byte) error {
	if len(districts) > 0 {
		if err := json.Unmarshal(districts, &a.Districts); err != nil {
			return fmt.Errorf("failed to unmarshal districts: %w", err)
		}
	}
	if len(buildingTypes) > 0 {
		if err := json.Unmarshal(buildingTypes, &a.BuildingTypes); err != nil {
			return fmt.Errorf("failed to unmarshal building types: %w", err)
		}
	}
	if len(parkingTypes) > 0 {
		if err := json.Unmarshal(parkingTypes, &a.ParkingTypes); err != nil {
			return fmt.Errorf("failed to unmarshal parking types: %w", err)
		}
	}
	if len(keywords) > 0 {
		if err := json.Unmarshal(keywords, &a.Keywords); err != nil {
			return fmt.Errorf("failed to unmarshal keywords: %w", err)
		}
	}
	return nil
}

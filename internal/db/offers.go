package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/rentradar/rentradar/internal/offer"
)

// UpsertOffer stores an offer keyed by URL. A first sighting inserts the
// full record, fixing is_new from the discovering queue; a re-crawl updates
// the volatile fields and refreshes last_seen_at, leaving first_seen_at and
// is_new untouched. Returns the row id and whether the offer was new.
func (d *DB) UpsertOffer(ctx context.Context, o *offer.Offer) (int, bool, error) {
	images, err := json.Marshal(o.Images)
	if err != nil {
		return 0, false, fmt.Errorf("failed to marshal images: %w", err)
	}

	var id int
	var inserted bool
	err = d.client.QueryRowContext(ctx, `
		INSERT INTO offers (
			url, source, title, description, price, rent_extra,
			city, district, street, street_number,
			latitude, longitude, geo_accuracy,
			footage, rooms, floor, furnished, elevator, pets_allowed, negotiable,
			building_type, parking, owner_type, seller_name, seller_member_id,
			views, views_method, images, is_new, available, source_created_at,
			first_seen_at, last_seen_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24, $25, $26, $27, $28, $29, TRUE, $30, NOW(), NOW()
		)
		ON CONFLICT (url) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			price = EXCLUDED.price,
			rent_extra = EXCLUDED.rent_extra,
			footage = COALESCE(EXCLUDED.footage, offers.footage),
			furnished = COALESCE(EXCLUDED.furnished, offers.furnished),
			views = GREATEST(EXCLUDED.views, offers.views),
			views_method = EXCLUDED.views_method,
			images = EXCLUDED.images,
			available = TRUE,
			unavailable_since = NULL,
			last_seen_at = NOW()
		RETURNING id, (xmax = 0)
	`,
		o.URL, string(o.Source), o.Title, o.Description, o.Price, o.RentExtra,
		o.City, o.District, o.Street, o.StreetNumber,
		o.Latitude, o.Longitude, nullString(o.GeoAccuracy),
		o.Footage, o.Rooms, o.Floor, o.Furnished, o.Elevator, o.Pets, o.Negotiable,
		string(o.BuildingType), string(o.ParkingType), string(o.OwnerType),
		o.SellerName, o.SellerMemberID,
		o.Views, o.ViewsMethod, images, o.IsNew, o.SourceCreatedAt,
	).Scan(&id, &inserted)
	if err != nil {
		return 0, false, fmt.Errorf("failed to upsert offer: %w", err)
	}

	log.Debug().
		Str("url", o.URL).
		Int("offer_id", id).
		Bool("new", inserted).
		Msg("Offer stored")
	return id, inserted, nil
}

// UpdateOfferLocation writes resolved coordinates back to an offer.
func (d *DB) UpdateOfferLocation(ctx context.Context, offerID int, lat, lng float64, accuracy, street, streetNumber string) error {
	_, err := d.client.ExecContext(ctx, `
		UPDATE offers
		SET latitude = $1, longitude = $2, geo_accuracy = $3,
			street = COALESCE(NULLIF($4, ''), street),
			street_number = COALESCE(NULLIF($5, ''), street_number)
		WHERE id = $6
	`, lat, lng, accuracy, street, streetNumber, offerID)
	if err != nil {
		return fmt.Errorf("failed to update offer location: %w", err)
	}
	return nil
}

// KnownOfferURLs filters urls down to those already stored, so index pages
// can be split into new and existing work.
func (d *DB) KnownOfferURLs(ctx context.Context, urls []string) (map[string]bool, error) {
	if len(urls) == 0 {
		return map[string]bool{}, nil
	}

	rows, err := d.client.QueryContext(ctx, `
		SELECT url FROM offers WHERE url = ANY($1)
	`, pq.Array(urls))
	if err != nil {
		return nil, fmt.Errorf("failed to query known offers: %w", err)
	}
	defer rows.Close()

	known := make(map[string]bool)
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, fmt.Errorf("failed to scan offer url: %w", err)
		}
		known[url] = true
	}
	return known, rows.Err()
}

// MarkOfferUnavailable flags an offer as gone from its source. The row is
// kept so price history and matches stay intact until retention removes it.
func (d *DB) MarkOfferUnavailable(ctx context.Context, url string) error {
	result, err := d.client.ExecContext(ctx, `
		UPDATE offers
		SET available = FALSE, unavailable_since = COALESCE(unavailable_since, NOW())
		WHERE url = $1 AND available
	`, url)
	if err != nil {
		return fmt.Errorf("failed to mark offer unavailable: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		log.Info().Str("url", url).Msg("Offer no longer available")
	}
	return nil
}

// ListAvailableOfferURLs returns URLs of available offers for a source that
// have not been seen since the cutoff, oldest first. Used by the
// availability sweep.
func (d *DB) ListAvailableOfferURLs(ctx context.Context, source offer.Source, notSeenSince time.Time, limit int) ([]string, error) {
	rows, err := d.client.QueryContext(ctx, `
		SELECT url FROM offers
		WHERE source = $1 AND available AND last_seen_at < $2
		ORDER BY last_seen_at ASC
		LIMIT $3
	`, string(source), notSeenSince, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list offers for availability check: %w", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, fmt.Errorf("failed to scan offer url: %w", err)
		}
		urls = append(urls, url)
	}
	return urls, rows.Err()
}

// DeleteUnavailableBefore removes offers that went unavailable before the
// cutoff, along with their matches. Retention policy enforcement.
func (d *DB) DeleteUnavailableBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := (&DbQueue{db: d.client}).Execute(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM notification_jobs
			WHERE match_id IN (
				SELECT m.id FROM matches m
				JOIN offers o ON o.id = m.offer_id
				WHERE NOT o.available AND o.unavailable_since < $1
			)
		`, cutoff); err != nil {
			return fmt.Errorf("failed to delete stale notification jobs: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM matches
			WHERE offer_id IN (
				SELECT id FROM offers WHERE NOT available AND unavailable_since < $1
			)
		`, cutoff); err != nil {
			return fmt.Errorf("failed to delete stale matches: %w", err)
		}

		result, err := tx.ExecContext(ctx, `
			DELETE FROM offers WHERE NOT available AND unavailable_since < $1
		`, cutoff)
		if err != nil {
			return fmt.Errorf("failed to delete stale offers: %w", err)
		}
		deleted, _ = result.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}

	if deleted > 0 {
		log.Info().
			Int64("offers_deleted", deleted).
			Time("cutoff", cutoff).
			Msg("Purged unavailable offers past retention")
	}
	return deleted, nil
}

// GetOffer loads a stored offer by id.
func (d *DB) GetOffer(ctx context.Context, id int) (*offer.Offer, error) {
	var o offer.Offer
	var source, buildingType, parking, ownerType string
	var geoAccuracy, viewsMethod sql.NullString
	var images []byte

	err := d.client.QueryRowContext(ctx, `
		SELECT url, source, title, COALESCE(description, ''), price, rent_extra,
			COALESCE(city, ''), COALESCE(district, ''), street, street_number,
			latitude, longitude, COALESCE(geo_accuracy, ''),
			footage, rooms, floor, furnished, elevator, pets_allowed, negotiable,
			COALESCE(building_type, ''), COALESCE(parking, ''), COALESCE(owner_type, ''),
			COALESCE(seller_name, ''), COALESCE(seller_member_id, ''),
			views, views_method, images, is_new, available, source_created_at
		FROM offers WHERE id = $1
	`, id).Scan(
		&o.URL, &source, &o.Title, &o.Description, &o.Price, &o.RentExtra,
		&o.City, &o.District, &o.Street, &o.StreetNumber,
		&o.Latitude, &o.Longitude, &geoAccuracy,
		&o.Footage, &o.Rooms, &o.Floor, &o.Furnished, &o.Elevator, &o.Pets, &o.Negotiable,
		&buildingType, &parking, &ownerType,
		&o.SellerName, &o.SellerMemberID,
		&o.Views, &viewsMethod, &images, &o.IsNew, &o.Available, &o.SourceCreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load offer: %w", err)
	}

	o.ID = int64(id)
	o.Source = offer.Source(source)
	o.BuildingType = offer.BuildingType(buildingType)
	o.ParkingType = offer.ParkingType(parking)
	o.OwnerType = offer.OwnerType(ownerType)
	o.GeoAccuracy = geoAccuracy.String
	o.ViewsMethod = viewsMethod.String
	if len(images) > 0 {
		if err := json.Unmarshal(images, &o.Images); err != nil {
			return nil, fmt.Errorf("failed to unmarshal images: %w", err)
		}
	}
	return &o, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

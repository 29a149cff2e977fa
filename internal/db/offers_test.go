package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentradar/rentradar/internal/offer"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	return &DB{client: sqlDB}, mock, func() { sqlDB.Close() }
}

func sampleOffer() *offer.Offer {
	footage := 48.5
	rooms := 2
	return &offer.Offer{
		URL:             "https://www.olx.pl/d/oferta/kawalerka-centrum-abc.html",
		Source:          offer.SourceOlx,
		Title:           "Kawalerka w centrum",
		Price:           2400,
		City:            "Warszawa",
		District:        "Śródmieście",
		Footage:         &footage,
		Rooms:           &rooms,
		OwnerType:       offer.OwnerPrivate,
		BuildingType:    offer.BuildingBlock,
		ParkingType:     offer.ParkingOther,
		Available:       true,
		SourceCreatedAt: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestUpsertOffer(t *testing.T) {
	t.Parallel()

	t.Run("first sighting inserts", func(t *testing.T) {
		d, mock, cleanup := newMockDB(t)
		defer cleanup()

		mock.ExpectQuery("INSERT INTO offers").
			WillReturnRows(sqlmock.NewRows([]string{"id", "inserted"}).AddRow(7, true))

		id, isNew, err := d.UpsertOffer(context.Background(), sampleOffer())
		require.NoError(t, err)
		assert.Equal(t, 7, id)
		assert.True(t, isNew)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("discovery class is written on insert", func(t *testing.T) {
		d, mock, cleanup := newMockDB(t)
		defer cleanup()

		// is_new must be part of the insert column list, and must stay out
		// of the conflict-update SET so a re-crawl cannot flip it.
		mock.ExpectQuery(`INSERT INTO offers \([\s\S]*is_new[\s\S]*\) VALUES`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "inserted"}).AddRow(8, true))

		o := sampleOffer()
		o.IsNew = true
		_, _, err := d.UpsertOffer(context.Background(), o)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("re-crawl of the same URL updates in place", func(t *testing.T) {
		d, mock, cleanup := newMockDB(t)
		defer cleanup()

		// Same row id back, inserted=false: the conflict branch ran.
		mock.ExpectQuery("INSERT INTO offers").
			WillReturnRows(sqlmock.NewRows([]string{"id", "inserted"}).AddRow(7, true))
		mock.ExpectQuery("INSERT INTO offers").
			WillReturnRows(sqlmock.NewRows([]string{"id", "inserted"}).AddRow(7, false))

		o := sampleOffer()
		firstID, isNew, err := d.UpsertOffer(context.Background(), o)
		require.NoError(t, err)
		require.True(t, isNew)

		o.Price = 2500
		secondID, isNew, err := d.UpsertOffer(context.Background(), o)
		require.NoError(t, err)
		assert.False(t, isNew)
		assert.Equal(t, firstID, secondID, "same URL must map to the same row")

		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGetOffer_LoadsStoredRecord(t *testing.T) {
	t.Parallel()

	d, mock, cleanup := newMockDB(t)
	defer cleanup()

	cols := []string{
		"url", "source", "title", "description", "price", "rent_extra",
		"city", "district", "street", "street_number",
		"latitude", "longitude", "geo_accuracy",
		"footage", "rooms", "floor", "furnished", "elevator", "pets_allowed", "negotiable",
		"building_type", "parking", "owner_type", "seller_name", "seller_member_id",
		"views", "views_method", "images", "is_new", "available", "source_created_at",
	}
	created := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT url, source, title").
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"https://olx.pl/d/oferta/kawalerka-centrum-abc.html", "olx", "Kawalerka w centrum", "", 2400.0, nil,
			"Warszawa", "Śródmieście", nil, nil,
			nil, nil, "",
			48.5, 2, nil, nil, nil, nil, nil,
			"block", "other", "private", "", "",
			0, nil, []byte(`[]`), true, true, created,
		))

	o, err := d.GetOffer(context.Background(), 7)
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.True(t, o.IsNew, "the discovery class must survive a round trip")
	assert.Equal(t, offer.SourceOlx, o.Source)
	assert.Equal(t, offer.BuildingBlock, o.BuildingType)
	require.NotNil(t, o.Footage)
	assert.Equal(t, 48.5, *o.Footage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkOfferUnavailable(t *testing.T) {
	t.Parallel()

	d, mock, cleanup := newMockDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE offers").
		WithArgs("https://www.olx.pl/d/oferta/gone.html").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := d.MarkOfferUnavailable(context.Background(), "https://www.olx.pl/d/oferta/gone.html")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteUnavailableBefore(t *testing.T) {
	t.Parallel()

	d, mock, cleanup := newMockDB(t)
	defer cleanup()

	cutoff := time.Date(2025, 11, 30, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM notification_jobs").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM matches").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM offers").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectCommit()

	deleted, err := d.DeleteUnavailableBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(5), deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateMatch(t *testing.T) {
	t.Parallel()

	t.Run("new pair creates a match", func(t *testing.T) {
		d, mock, cleanup := newMockDB(t)
		defer cleanup()

		mock.ExpectQuery("INSERT INTO matches").
			WithArgs(int64(3), int64(9)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

		matchID, created, err := d.CreateMatch(context.Background(), 3, 9)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, int64(42), matchID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate pair is absorbed", func(t *testing.T) {
		d, mock, cleanup := newMockDB(t)
		defer cleanup()

		mock.ExpectQuery("INSERT INTO matches").
			WithArgs(int64(3), int64(9)).
			WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "matches_alert_id_offer_id_key"})

		_, created, err := d.CreateMatch(context.Background(), 3, 9)
		require.NoError(t, err, "a duplicate match is not an error")
		assert.False(t, created)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestNotificationLifecycle(t *testing.T) {
	t.Parallel()

	t.Run("claim bumps attempts", func(t *testing.T) {
		d, mock, cleanup := newMockDB(t)
		defer cleanup()

		created := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, match_id, channel, recipient, attempts, created_at").
			WillReturnRows(sqlmock.NewRows(
				[]string{"id", "match_id", "channel", "recipient", "attempts", "created_at"},
			).AddRow("job-1", int64(42), ChannelEmail, "anna@example.com", 0, created))
		mock.ExpectExec("UPDATE notification_jobs").
			WithArgs("job-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		job, err := d.ClaimNextNotification(context.Background())
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, 1, job.Attempts)
		assert.Equal(t, ChannelEmail, job.Channel)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failure under the limit reschedules", func(t *testing.T) {
		d, mock, cleanup := newMockDB(t)
		defer cleanup()

		mock.ExpectExec("UPDATE notification_jobs").
			WithArgs("smtp 451", sqlmock.AnyArg(), "job-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		job := &NotificationJob{ID: "job-1", Attempts: 1}
		err := d.MarkNotificationFailed(context.Background(), job, errors.New("smtp 451"))
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failure at the limit is permanent", func(t *testing.T) {
		d, mock, cleanup := newMockDB(t)
		defer cleanup()

		mock.ExpectExec("UPDATE notification_jobs").
			WithArgs("webhook 404", "job-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		job := &NotificationJob{ID: "job-1", Attempts: MaxNotificationAttempts}
		err := d.MarkNotificationFailed(context.Background(), job, errors.New("webhook 404"))
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

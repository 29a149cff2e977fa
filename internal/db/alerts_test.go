package db

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAlert_DefaultsNotifyMethod(t *testing.T) {
	t.Parallel()

	d, mock, cleanup := newMockDB(t)
	defer cleanup()

	mock.ExpectQuery(`INSERT INTO alerts[\s\S]*notify_method`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(5)))

	a := &Alert{UserID: "user-1", Name: "Centrum", City: "Wrocław"}
	id, err := d.CreateAlert(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, int64(5), id)
	assert.Equal(t, NotifyMethodBoth, a.NotifyMethod, "an unset method must default to both channels")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAlert_PersistsCategoryFilters(t *testing.T) {
	t.Parallel()

	d, mock, cleanup := newMockDB(t)
	defer cleanup()

	mock.ExpectQuery(`INSERT INTO alerts[\s\S]*parking_types[\s\S]*min_floor|min_floor[\s\S]*parking_types`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(6)))

	minFloor := 1
	a := &Alert{
		UserID:       "user-1",
		Name:         "Garaż obowiązkowy",
		City:         "Wrocław",
		MinFloor:     &minFloor,
		ParkingTypes: []string{"garage", "guarded"},
		NotifyMethod: NotifyMethodDiscord,
	}
	_, err := d.CreateAlert(context.Background(), a)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementAlertMatchCount(t *testing.T) {
	t.Parallel()

	d, mock, cleanup := newMockDB(t)
	defer cleanup()

	mock.ExpectExec(`UPDATE alerts SET match_count = match_count \+ 1`).
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, d.IncrementAlertMatchCount(context.Background(), 5))
	assert.NoError(t, mock.ExpectationsWereMet())
}

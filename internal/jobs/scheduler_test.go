package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRetentionStore struct {
	deleted atomic.Int64
	cutoff  atomic.Value
}

func (s *fakeRetentionStore) DeleteUnavailableBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.cutoff.Store(cutoff)
	s.deleted.Add(1)
	return 3, nil
}

func TestSchedulerImmediateBackfill(t *testing.T) {
	d := newTestDispatcher(&fakeDispatcherStore{}, newFakeDispatcherQueue(), map[int]string{
		1: olxIndexHTML(nil, false),
	})

	s, err := NewScheduler(DefaultSchedulerConfig(), d, nil, &fakeRetentionStore{})
	require.NoError(t, err)

	var backfills atomic.Int32
	s.backfill = func(ctx context.Context) { backfills.Add(1) }

	var newSweeps atomic.Int32
	s.sweepNew = func(ctx context.Context) { newSweeps.Add(1) }

	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool { return backfills.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, newSweeps.Load())
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	d := newTestDispatcher(&fakeDispatcherStore{}, newFakeDispatcherQueue(), nil)
	_, err := NewScheduler(&SchedulerConfig{
		NewSweepSchedule:     "not a schedule",
		BackfillSchedule:     "@every 6h",
		AvailabilitySchedule: "@every 24h",
		RetentionSchedule:    "@every 24h",
	}, d, nil, &fakeRetentionStore{})
	assert.Error(t, err)
}

func TestSchedulerRetentionCutoff(t *testing.T) {
	d := newTestDispatcher(&fakeDispatcherStore{}, newFakeDispatcherQueue(), nil)
	store := &fakeRetentionStore{}
	s, err := NewScheduler(DefaultSchedulerConfig(), d, nil, store)
	require.NoError(t, err)

	s.retention(context.Background())

	require.Equal(t, int64(1), store.deleted.Load())
	cutoff := store.cutoff.Load().(time.Time)
	assert.WithinDuration(t, time.Now().Add(-offerRetention), cutoff, time.Minute)
}

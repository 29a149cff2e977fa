package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentradar/rentradar/internal/browser"
)

// fakeStore is an in-memory cookieStore.
type fakeStore struct {
	mu   sync.Mutex
	data map[string][]byte
	ttls map[string]time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (s *fakeStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.data[key]
	return raw, ok, nil
}

func (s *fakeStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	s.ttls[key] = ttl
	return nil
}

func (s *fakeStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	delete(s.ttls, key)
	return nil
}

func (s *fakeStore) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return -2 * time.Second, nil
	}
	return s.ttls[key], nil
}

func (s *fakeStore) Close() error { return nil }

// fakePool hands out inert resources without Chrome.
type fakePool struct {
	acquires int32
}

func (p *fakePool) Acquire(_ context.Context) (*browser.Resource, error) {
	atomic.AddInt32(&p.acquires, 1)
	return &browser.Resource{}, nil
}

func (p *fakePool) Release(_ *browser.Resource) {}

func testCookies() []browser.Cookie {
	return []browser.Cookie{{Name: "sid", Value: "abc123", Domain: ".otodom.pl", Path: "/"}}
}

func newTestManager(store cookieStore, pool browserPool, login LoginFunc) *Manager {
	return &Manager{store: store, pool: pool, login: login}
}

func TestEnsureAuthenticated_LogsInOnEmptyCache(t *testing.T) {
	var logins int32
	login := func(ctx context.Context, res *browser.Resource) ([]browser.Cookie, error) {
		atomic.AddInt32(&logins, 1)
		return testCookies(), nil
	}

	store := newFakeStore()
	m := newTestManager(store, &fakePool{}, login)

	cookies, err := m.EnsureAuthenticated(context.Background())
	require.NoError(t, err)
	require.Len(t, cookies, 1)
	assert.Equal(t, "sid", cookies[0].Name)
	assert.Equal(t, int32(1), atomic.LoadInt32(&logins))

	// Cookies landed in the store with the session TTL.
	raw, found, _ := store.Get(context.Background(), sessionKey)
	require.True(t, found)
	var stored []browser.Cookie
	require.NoError(t, json.Unmarshal(raw, &stored))
	assert.Equal(t, cookies, stored)
	assert.Equal(t, sessionTTL, store.ttls[sessionKey])
}

func TestEnsureAuthenticated_ReusesCachedSession(t *testing.T) {
	var logins int32
	login := func(ctx context.Context, res *browser.Resource) ([]browser.Cookie, error) {
		atomic.AddInt32(&logins, 1)
		return testCookies(), nil
	}

	m := newTestManager(newFakeStore(), &fakePool{}, login)

	_, err := m.EnsureAuthenticated(context.Background())
	require.NoError(t, err)
	_, err = m.EnsureAuthenticated(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&logins), "second call should hit the cache")
}

func TestEnsureAuthenticated_ConcurrentCallersShareOneLogin(t *testing.T) {
	var logins int32
	loginStarted := make(chan struct{})
	release := make(chan struct{})
	login := func(ctx context.Context, res *browser.Resource) ([]browser.Cookie, error) {
		atomic.AddInt32(&logins, 1)
		close(loginStarted)
		<-release
		return testCookies(), nil
	}

	m := newTestManager(newFakeStore(), &fakePool{}, login)

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = m.EnsureAuthenticated(context.Background())
		}()
	}

	<-loginStarted
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&logins), "concurrent callers must share a single login")
}

func TestEnsureAuthenticated_CorruptCacheTriggersRelogin(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.Set(context.Background(), sessionKey, []byte("not json"), sessionTTL))

	var logins int32
	login := func(ctx context.Context, res *browser.Resource) ([]browser.Cookie, error) {
		atomic.AddInt32(&logins, 1)
		return testCookies(), nil
	}

	m := newTestManager(store, &fakePool{}, login)
	cookies, err := m.EnsureAuthenticated(context.Background())
	require.NoError(t, err)
	assert.Len(t, cookies, 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&logins))
}

func TestEnsureAuthenticated_EmptyCookieJarIsAnError(t *testing.T) {
	login := func(ctx context.Context, res *browser.Resource) ([]browser.Cookie, error) {
		return nil, nil
	}

	m := newTestManager(newFakeStore(), &fakePool{}, login)
	_, err := m.EnsureAuthenticated(context.Background())
	assert.Error(t, err)
}

func TestEnsureAuthenticated_FailedLoginFiresHook(t *testing.T) {
	login := func(ctx context.Context, res *browser.Resource) ([]browser.Cookie, error) {
		return nil, errors.New("login rejected: Nieprawidłowy e-mail lub hasło")
	}

	m := newTestManager(newFakeStore(), &fakePool{}, login)
	var hookErr error
	m.OnLoginFailure = func(err error) { hookErr = err }

	_, err := m.EnsureAuthenticated(context.Background())
	require.Error(t, err)
	require.Error(t, hookErr)
	assert.Contains(t, hookErr.Error(), "Nieprawidłowy e-mail lub hasło")
}

func TestLoginFailure_PrefersScrapedPageMessage(t *testing.T) {
	waitErr := errors.New("waiting for selector timed out")

	err := loginFailure("Nieprawidłowy e-mail lub hasło", waitErr)
	require.Error(t, err)
	assert.Equal(t, "login rejected: Nieprawidłowy e-mail lub hasło", err.Error())

	err = loginFailure("", waitErr)
	require.Error(t, err)
	assert.ErrorIs(t, err, waitErr)
}

func TestInvalidate(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store, &fakePool{}, func(ctx context.Context, res *browser.Resource) ([]browser.Cookie, error) {
		return testCookies(), nil
	})

	_, err := m.EnsureAuthenticated(context.Background())
	require.NoError(t, err)

	exists, ttl := m.Status(context.Background())
	assert.True(t, exists)
	assert.Equal(t, sessionTTL, ttl)

	require.NoError(t, m.Invalidate(context.Background()))
	exists, _ = m.Status(context.Background())
	assert.False(t, exists)
}

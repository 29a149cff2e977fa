// Package session maintains the authenticated browser session for the
// login-gated source. Cookies live in Redis so restarts and multiple
// workers reuse one login instead of hammering the login form.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/rentradar/rentradar/internal/browser"
)

const (
	// sessionKey is the Redis key holding the serialized cookie jar.
	sessionKey = "otodom:session"
	// sessionTTL bounds how long cookies are trusted before a fresh login.
	sessionTTL = 12 * time.Hour

	loginFlightKey = "otodom-login"
)

// LoginFunc performs an interactive login in the given browser and returns
// the resulting session cookies.
type LoginFunc func(ctx context.Context, res *browser.Resource) ([]browser.Cookie, error)

// browserPool is the slice of the browser pool the manager needs.
type browserPool interface {
	Acquire(ctx context.Context) (*browser.Resource, error)
	Release(res *browser.Resource)
}

// cookieStore is the durable side of the session cache.
type cookieStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Close() error
}

// redisStore backs cookieStore with Redis.
type redisStore struct {
	client *redis.Client
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (s *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *redisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.client.TTL(ctx, key).Result()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

// Manager caches the authenticated session and deduplicates logins: any
// number of concurrent callers needing a session share a single login.
type Manager struct {
	store cookieStore
	pool  browserPool
	login LoginFunc
	group singleflight.Group

	// OnLoginFailure, when set, is called after each failed login attempt.
	OnLoginFailure func(err error)
}

// NewManager creates a session manager. redisURL is parsed with the
// standard redis URL scheme.
func NewManager(redisURL string, pool *browser.Pool, login LoginFunc) (*Manager, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("session: invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("session: redis ping failed: %w", err)
	}

	return &Manager{
		store: &redisStore{client: client},
		pool:  pool,
		login: login,
	}, nil
}

// EnsureAuthenticated returns valid session cookies, logging in when the
// cache is empty or expired. Concurrent callers during a login all receive
// the cookies from that one login.
func (m *Manager) EnsureAuthenticated(ctx context.Context) ([]browser.Cookie, error) {
	if cookies, ok := m.cachedCookies(ctx); ok {
		return cookies, nil
	}

	result, err, shared := m.group.Do(loginFlightKey, func() (any, error) {
		// Re-check under the flight: a racing caller may have finished a
		// login between our cache miss and winning the flight.
		if cookies, ok := m.cachedCookies(ctx); ok {
			return cookies, nil
		}
		return m.performLogin(ctx)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.Debug().Msg("Login shared with concurrent caller")
	}
	return result.([]browser.Cookie), nil
}

// Invalidate drops the cached session, forcing a login on the next use.
// Called when a fetched page shows the logged-out state.
func (m *Manager) Invalidate(ctx context.Context) error {
	if err := m.store.Delete(ctx, sessionKey); err != nil {
		return fmt.Errorf("session: invalidate: %w", err)
	}
	log.Info().Msg("Session invalidated")
	return nil
}

// Status reports whether a cached session exists and its remaining TTL,
// for the admin surface.
func (m *Manager) Status(ctx context.Context) (exists bool, ttl time.Duration) {
	d, err := m.store.TTL(ctx, sessionKey)
	if err != nil || d <= 0 {
		return false, 0
	}
	return true, d
}

// Close releases the underlying store connection.
func (m *Manager) Close() error {
	return m.store.Close()
}

func (m *Manager) cachedCookies(ctx context.Context) ([]browser.Cookie, bool) {
	raw, found, err := m.store.Get(ctx, sessionKey)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read cached session, treating as missing")
		return nil, false
	}
	if !found {
		return nil, false
	}

	var cookies []browser.Cookie
	if err := json.Unmarshal(raw, &cookies); err != nil {
		log.Warn().Err(err).Msg("Cached session is corrupt, discarding")
		if delErr := m.store.Delete(ctx, sessionKey); delErr != nil {
			log.Warn().Err(delErr).Msg("Failed to discard corrupt session")
		}
		return nil, false
	}
	if len(cookies) == 0 {
		return nil, false
	}
	return cookies, true
}

func (m *Manager) performLogin(ctx context.Context) ([]browser.Cookie, error) {
	res, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: acquire browser for login: %w", err)
	}
	defer m.pool.Release(res)

	start := time.Now()
	cookies, err := m.login(ctx, res)
	if err == nil && len(cookies) == 0 {
		err = fmt.Errorf("login produced no cookies")
	}
	if err != nil {
		if m.OnLoginFailure != nil {
			m.OnLoginFailure(err)
		}
		return nil, fmt.Errorf("session: login failed: %w", err)
	}

	raw, err := json.Marshal(cookies)
	if err != nil {
		return nil, fmt.Errorf("session: marshal cookies: %w", err)
	}
	if err := m.store.Set(ctx, sessionKey, raw, sessionTTL); err != nil {
		// The session still works for this process even if caching failed.
		log.Warn().Err(err).Msg("Failed to cache session cookies")
	}

	log.Info().
		Int("cookies", len(cookies)).
		Dur("duration", time.Since(start)).
		Msg("Logged in and cached session")
	return cookies, nil
}

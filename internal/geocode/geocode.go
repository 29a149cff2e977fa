// Package geocode resolves free-text addresses to coordinates through a
// Nominatim-format search endpoint, with an in-memory cache and a failure
// circuit breaker in front of the provider.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/rentradar/rentradar/internal/cache"
)

// Accuracy tiers, classified from the provider's returned place type.
const (
	AccuracyHigh   = "high"
	AccuracyMedium = "medium"
	AccuracyLow    = "low"
)

// Result is a resolved address. Source is "provider" for fresh lookups and
// "cache" for hits.
type Result struct {
	Lat      float64
	Lng      float64
	Accuracy string
	Source   string
}

// Config holds geocoder settings.
type Config struct {
	BaseURL string
	// UserAgent identifies this client to the provider, which requires a
	// descriptive value for rate-limit attribution.
	UserAgent string
	Timeout   time.Duration
	// FailureThreshold is the consecutive-error count that opens the breaker.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before a trial lookup is
	// admitted. A failed trial re-arms the cool-off.
	Cooldown time.Duration
	// CacheTTL bounds how long a resolved address is served from cache
	// before the provider is consulted again.
	CacheTTL time.Duration
	// BatchRate caps provider calls during batch geocoding.
	BatchRate rate.Limit
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:          "https://nominatim.openstreetmap.org/search",
		UserAgent:        "RentRadar/1.0 (+https://rentradar.example/about)",
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
		Cooldown:         5 * time.Minute,
		CacheTTL:         30 * 24 * time.Hour,
		BatchRate:        rate.Limit(1), // provider policy: one request per second
	}
}

// Geocoder resolves addresses with caching and a circuit breaker.
type Geocoder struct {
	config     *Config
	httpClient *http.Client
	cache      *cache.InMemoryCache
	limiter    *rate.Limiter

	// OnBreakerOpen, when set, is called once each time the breaker trips.
	OnBreakerOpen func()

	mu       sync.Mutex
	failures int
	openedAt time.Time
}

// New creates a Geocoder. A nil config uses defaults.
func New(config *Config) *Geocoder {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 5 * time.Minute
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 30 * 24 * time.Hour
	}
	return &Geocoder{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		cache:      cache.NewInMemoryCache(),
		limiter:    rate.NewLimiter(config.BatchRate, 1),
	}
}

// CacheSize returns the number of cached addresses, for the admin surface.
func (g *Geocoder) CacheSize() int {
	return g.cache.Len()
}

// BreakerOpen reports whether the failure breaker is currently open.
func (g *Geocoder) BreakerOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures >= g.config.FailureThreshold
}

// Geocode resolves an address, trying progressively less specific
// variations until the provider returns a hit. Returns nil when the address
// cannot be resolved or the breaker is open; never an error the caller must
// branch on, since a missing location is a tolerated outcome.
func (g *Geocoder) Geocode(ctx context.Context, address, city string) *Result {
	key := cacheKey(address, city)
	if key == "" {
		return nil
	}

	if cached, found := g.cache.Get(key); found {
		res := cached.(Result)
		res.Source = "cache"
		return &res
	}

	if !g.allowLookup() {
		log.Debug().Str("address", address).Msg("Geocode breaker open, skipping lookup")
		return nil
	}

	for _, variation := range AddressVariations(address, city) {
		res, err := g.lookup(ctx, variation)
		if err != nil {
			if g.recordFailure() {
				log.Warn().
					Err(err).
					Int("failures", g.config.FailureThreshold).
					Msg("Geocode circuit breaker opened")
				return nil
			}
			continue
		}
		g.resetFailures()

		if res != nil {
			g.cache.SetWithTTL(key, *res, g.config.CacheTTL)
			return res
		}
	}

	return nil
}

// GeocodeBatch resolves a list of addresses sequentially, pacing provider
// calls with the rate limiter. Cache hits skip the wait.
func (g *Geocoder) GeocodeBatch(ctx context.Context, addresses []string, city string) []*Result {
	results := make([]*Result, len(addresses))
	for i, addr := range addresses {
		if _, found := g.cache.Get(cacheKey(addr, city)); !found {
			if err := g.limiter.Wait(ctx); err != nil {
				return results
			}
		}
		results[i] = g.Geocode(ctx, addr, city)
	}
	return results
}

// providerPlace is the subset of the provider's response we consume.
type providerPlace struct {
	Lat        string  `json:"lat"`
	Lon        string  `json:"lon"`
	Type       string  `json:"type"`
	Class      string  `json:"class"`
	Importance float64 `json:"importance"`
}

// lookup performs a single provider call. A nil result with nil error means
// the provider returned no places for the query.
func (g *Geocoder) lookup(ctx context.Context, query string) (*Result, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("limit", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.config.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("geocode: build request: %w", err)
	}
	req.Header.Set("User-Agent", g.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geocode: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geocode: provider status %d", resp.StatusCode)
	}

	var places []providerPlace
	if err := json.NewDecoder(resp.Body).Decode(&places); err != nil {
		return nil, fmt.Errorf("geocode: decode response: %w", err)
	}
	if len(places) == 0 {
		return nil, nil
	}

	place := places[0]
	lat, errLat := strconv.ParseFloat(place.Lat, 64)
	lng, errLng := strconv.ParseFloat(place.Lon, 64)
	if errLat != nil || errLng != nil {
		return nil, fmt.Errorf("geocode: malformed coordinates %q,%q", place.Lat, place.Lon)
	}

	return &Result{
		Lat:      lat,
		Lng:      lng,
		Accuracy: classifyAccuracy(place),
		Source:   "provider",
	}, nil
}

// classifyAccuracy maps the provider place type onto the accuracy tiers.
func classifyAccuracy(place providerPlace) string {
	switch place.Type {
	case "building", "house", "residential_building":
		return AccuracyHigh
	case "residential", "way", "road", "street":
		return AccuracyMedium
	}
	if place.Importance >= 0.5 {
		return AccuracyMedium
	}
	return AccuracyLow
}

// recordFailure increments the failure counter and reports whether the
// breaker is now open. Every failure at or past the threshold re-arms the
// cool-off, so a failed trial lookup keeps the breaker open.
func (g *Geocoder) recordFailure() bool {
	g.mu.Lock()
	g.failures++
	open := g.failures >= g.config.FailureThreshold
	tripped := g.failures == g.config.FailureThreshold
	if open {
		g.openedAt = time.Now()
	}
	g.mu.Unlock()

	if tripped && g.OnBreakerOpen != nil {
		g.OnBreakerOpen()
	}
	return open
}

// allowLookup gates provider calls. While the breaker is open, one trial
// lookup is admitted after each elapsed cool-off; its success closes the
// breaker through resetFailures.
func (g *Geocoder) allowLookup() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failures < g.config.FailureThreshold {
		return true
	}
	if time.Since(g.openedAt) < g.config.Cooldown {
		return false
	}
	g.openedAt = time.Now()
	return true
}

func (g *Geocoder) resetFailures() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = 0
}

func cacheKey(address, city string) string {
	full := strings.TrimSpace(address)
	if city != "" {
		full = full + ", " + city
	}
	return strings.ToLower(strings.TrimSpace(full))
}

package geocode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func testConfig(baseURL string) *Config {
	return &Config{
		BaseURL:          baseURL,
		UserAgent:        "test",
		Timeout:          2 * time.Second,
		FailureThreshold: 5,
		BatchRate:        rate.Inf,
	}
}

func TestGeocode_CachesProviderResult(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`[{"lat":"52.2297","lon":"21.0122","type":"building","class":"building","importance":0.6}]`))
	}))
	defer server.Close()

	g := New(testConfig(server.URL))

	first := g.Geocode(context.Background(), "ul. Marszałkowska 1", "Warszawa")
	require.NotNil(t, first)
	assert.Equal(t, "provider", first.Source)
	assert.Equal(t, AccuracyHigh, first.Accuracy)
	assert.InDelta(t, 52.2297, first.Lat, 0.0001)

	second := g.Geocode(context.Background(), "ul. Marszałkowska 1", "Warszawa")
	require.NotNil(t, second)
	assert.Equal(t, "cache", second.Source)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "repeat lookup should not reach the provider")
}

func TestGeocode_FallsBackThroughVariations(t *testing.T) {
	var queries []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		queries = append(queries, q)
		if q == "Marszałkowska, Warszawa" {
			w.Write([]byte(`[{"lat":"52.23","lon":"21.01","type":"residential","class":"highway","importance":0.4}]`))
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	g := New(testConfig(server.URL))

	res := g.Geocode(context.Background(), "ul. Marszałkowska 1", "Warszawa")
	require.NotNil(t, res)
	assert.Equal(t, AccuracyMedium, res.Accuracy)
	require.Len(t, queries, 3)
	assert.Equal(t, "ul. Marszałkowska 1, Warszawa", queries[0])
	assert.Equal(t, "Marszałkowska 1, Warszawa", queries[1])
	assert.Equal(t, "Marszałkowska, Warszawa", queries[2])
}

func TestGeocode_UnresolvableReturnsNil(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	g := New(testConfig(server.URL))
	assert.Nil(t, g.Geocode(context.Background(), "nigdzie 99", "Nibylandia"))
}

func TestGeocode_BreakerOpensAndShortCircuits(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	g := New(testConfig(server.URL))

	// Each distinct address contributes failed variations until the
	// threshold trips mid-ladder.
	g.Geocode(context.Background(), "ul. Pierwsza 1", "Kraków")
	g.Geocode(context.Background(), "ul. Druga 2", "Kraków")

	require.True(t, g.BreakerOpen())
	callsWhenOpen := atomic.LoadInt32(&calls)

	assert.Nil(t, g.Geocode(context.Background(), "ul. Trzecia 3", "Kraków"))
	assert.Equal(t, callsWhenOpen, atomic.LoadInt32(&calls), "open breaker must not call the provider")
}

func TestGeocode_BreakerClosesAfterCooldown(t *testing.T) {
	var fail int32 = 1
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if atomic.LoadInt32(&fail) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`[{"lat":"51.11","lon":"17.03","type":"building","class":"building","importance":0.6}]`))
	}))
	defer server.Close()

	config := testConfig(server.URL)
	config.Cooldown = 20 * time.Millisecond
	var trips int32
	g := New(config)
	g.OnBreakerOpen = func() { atomic.AddInt32(&trips, 1) }

	g.Geocode(context.Background(), "ul. Pierwsza 1", "Wrocław")
	g.Geocode(context.Background(), "ul. Druga 2", "Wrocław")
	require.True(t, g.BreakerOpen())
	assert.Equal(t, int32(1), atomic.LoadInt32(&trips))

	// Inside the cool-off the provider stays untouched even when healthy.
	atomic.StoreInt32(&fail, 0)
	callsWhenOpen := atomic.LoadInt32(&calls)
	assert.Nil(t, g.Geocode(context.Background(), "ul. Trzecia 3", "Wrocław"))
	assert.Equal(t, callsWhenOpen, atomic.LoadInt32(&calls))

	// After the cool-off a trial lookup runs and its success closes the
	// breaker for good.
	time.Sleep(25 * time.Millisecond)
	res := g.Geocode(context.Background(), "ul. Czwarta 4", "Wrocław")
	require.NotNil(t, res)
	assert.Equal(t, "provider", res.Source)
	assert.False(t, g.BreakerOpen())

	again := g.Geocode(context.Background(), "ul. Piąta 5", "Wrocław")
	require.NotNil(t, again)
	assert.Equal(t, int32(1), atomic.LoadInt32(&trips), "a closed breaker must not re-report the old trip")
}

func TestGeocode_FailedTrialKeepsBreakerOpen(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	config := testConfig(server.URL)
	config.Cooldown = 20 * time.Millisecond
	g := New(config)

	g.Geocode(context.Background(), "ul. Pierwsza 1", "Łódź")
	g.Geocode(context.Background(), "ul. Druga 2", "Łódź")
	require.True(t, g.BreakerOpen())

	time.Sleep(25 * time.Millisecond)
	assert.Nil(t, g.Geocode(context.Background(), "ul. Trzecia 3", "Łódź"))
	require.True(t, g.BreakerOpen())

	// The failed trial re-armed the cool-off, so the very next call is
	// short-circuited again.
	callsAfterTrial := atomic.LoadInt32(&calls)
	assert.Nil(t, g.Geocode(context.Background(), "ul. Czwarta 4", "Łódź"))
	assert.Equal(t, callsAfterTrial, atomic.LoadInt32(&calls))
}

func TestGeocode_SuccessResetsFailureCount(t *testing.T) {
	var fail int32 = 1
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&fail) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`[{"lat":"50.06","lon":"19.94","type":"city","class":"place","importance":0.8}]`))
	}))
	defer server.Close()

	g := New(testConfig(server.URL))

	g.Geocode(context.Background(), "ul. Czwarta 4", "Kraków") // 4 failed variations
	require.False(t, g.BreakerOpen())

	atomic.StoreInt32(&fail, 0)
	res := g.Geocode(context.Background(), "Rynek Główny", "Kraków")
	require.NotNil(t, res)

	atomic.StoreInt32(&fail, 1)
	g.Geocode(context.Background(), "ul. Piąta 5", "Kraków")
	assert.False(t, g.BreakerOpen(), "success should have reset the consecutive failure count")
}

func TestClassifyAccuracy(t *testing.T) {
	tests := []struct {
		name  string
		place providerPlace
		want  string
	}{
		{"building", providerPlace{Type: "building"}, AccuracyHigh},
		{"house", providerPlace{Type: "house"}, AccuracyHigh},
		{"street", providerPlace{Type: "residential"}, AccuracyMedium},
		{"important place", providerPlace{Type: "suburb", Importance: 0.7}, AccuracyMedium},
		{"obscure place", providerPlace{Type: "suburb", Importance: 0.1}, AccuracyLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyAccuracy(tt.place))
		})
	}
}

func TestAddressVariations(t *testing.T) {
	tests := []struct {
		name    string
		address string
		city    string
		want    []string
	}{
		{
			"prefixed street with number",
			"ul. Długa 15/3", "Gdańsk",
			[]string{"ul. Długa 15/3, Gdańsk", "Długa 15/3, Gdańsk", "Długa, Gdańsk", "Gdańsk"},
		},
		{
			"no prefix no number",
			"Stare Miasto", "Wrocław",
			[]string{"Stare Miasto, Wrocław", "Wrocław"},
		},
		{
			"city only",
			"", "Poznań",
			[]string{"Poznań"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AddressVariations(tt.address, tt.city))
		})
	}
}

func TestGeocodeBatch(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`[{"lat":"52.40","lon":"16.92","type":"building","class":"building"}]`))
	}))
	defer server.Close()

	g := New(testConfig(server.URL))

	results := g.GeocodeBatch(context.Background(), []string{"ul. Półwiejska 1", "ul. Półwiejska 1"}, "Poznań")
	require.Len(t, results, 2)
	require.NotNil(t, results[0])
	require.NotNil(t, results[1])
	assert.Equal(t, "cache", results[1].Source)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

package jobs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentradar/rentradar/internal/offer"
)

type fakeAvailabilityStore struct {
	mu          sync.Mutex
	urls        map[offer.Source][]string
	unavailable []string
}

func (s *fakeAvailabilityStore) ListAvailableOfferURLs(ctx context.Context, source offer.Source, notSeenSince time.Time, limit int) ([]string, error) {
	return s.urls[source], nil
}

func (s *fakeAvailabilityStore) MarkOfferUnavailable(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = append(s.unavailable, url)
	return nil
}

func TestAvailabilityCheckerRun(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/live", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><h1>Mieszkanie do wynajęcia</h1></body></html>`))
	})
	mux.HandleFunc("/expired", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><p>To ogłoszenie nie jest już dostępne</p></body></html>`))
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := &fakeAvailabilityStore{urls: map[offer.Source][]string{
		offer.SourceOlx: {srv.URL + "/live", srv.URL + "/expired", srv.URL + "/gone"},
	}}

	checker := NewAvailabilityChecker(store)
	checker.newCollector = func() *colly.Collector {
		c := colly.NewCollector(colly.AllowURLRevisit())
		c.IgnoreRobotsTxt = true
		return c
	}

	removed, err := checker.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, removed)
	assert.ElementsMatch(t, []string{srv.URL + "/expired", srv.URL + "/gone"}, store.unavailable)
}

func TestAvailabilityCheckerNoStaleOffers(t *testing.T) {
	checker := NewAvailabilityChecker(&fakeAvailabilityStore{urls: map[offer.Source][]string{}})
	removed, err := checker.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, removed)
}

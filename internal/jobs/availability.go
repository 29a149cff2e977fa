package jobs

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/rs/zerolog/log"

	"github.com/rentradar/rentradar/internal/offer"
)

// availabilityUserAgent matches a plain desktop browser. Expired-listing
// pages are served without a JS challenge, so a light HTTP fetch is enough
// here and the browser pool stays free for real crawls.
const availabilityUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// removedMarkers are the phrases both sources render on delisted offers.
var removedMarkers = []string{
	"to ogłoszenie nie jest już dostępne",
	"ogłoszenie zostało usunięte",
	"oferta wygasła",
	"ta oferta jest już nieaktualna",
}

// availabilityBatchSize caps how many offers one sweep re-checks.
const availabilityBatchSize = 200

// staleAfter is how long an offer may go unseen by index sweeps before the
// checker re-visits it.
const staleAfter = 24 * time.Hour

type availabilityStore interface {
	ListAvailableOfferURLs(ctx context.Context, source offer.Source, notSeenSince time.Time, limit int) ([]string, error)
	MarkOfferUnavailable(ctx context.Context, url string) error
}

// AvailabilityChecker re-visits stored offers that index sweeps stopped
// seeing and marks delisted ones unavailable.
type AvailabilityChecker struct {
	store availabilityStore

	// newCollector is swapped in tests to point at a local server.
	newCollector func() *colly.Collector
}

// NewAvailabilityChecker creates a checker over the offer store.
func NewAvailabilityChecker(store availabilityStore) *AvailabilityChecker {
	c := &AvailabilityChecker{store: store}
	c.newCollector = func() *colly.Collector {
		collector := colly.NewCollector(
			colly.UserAgent(availabilityUserAgent),
			colly.MaxDepth(1),
			colly.Async(true),
			colly.AllowURLRevisit(),
		)
		collector.Limit(&colly.LimitRule{
			DomainGlob:  "*",
			Parallelism: 2,
			Delay:       500 * time.Millisecond,
		})
		collector.SetRequestTimeout(30 * time.Second)
		return collector
	}
	return c
}

// Run checks one batch of stale offers per source. Returns how many offers
// were marked unavailable.
func (c *AvailabilityChecker) Run(ctx context.Context) (int, error) {
	total := 0
	for _, source := range []offer.Source{offer.SourceOlx, offer.SourceOtodom} {
		urls, err := c.store.ListAvailableOfferURLs(ctx, source, time.Now().Add(-staleAfter), availabilityBatchSize)
		if err != nil {
			return total, err
		}
		if len(urls) == 0 {
			continue
		}

		removed := c.checkBatch(ctx, urls)
		for _, u := range removed {
			if err := c.store.MarkOfferUnavailable(ctx, u); err != nil {
				log.Error().Err(err).Str("url", u).Msg("Failed to mark offer unavailable")
				continue
			}
			total++
		}

		log.Info().
			Str("source", string(source)).
			Int("checked", len(urls)).
			Int("removed", len(removed)).
			Msg("Availability sweep finished")
	}
	return total, nil
}

// checkBatch visits the URLs and returns the ones whose listing is gone.
func (c *AvailabilityChecker) checkBatch(ctx context.Context, urls []string) []string {
	var (
		mu      sync.Mutex
		removed []string
	)
	markRemoved := func(url string) {
		if url == "" {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		removed = append(removed, url)
	}

	collector := c.newCollector()

	// Expired listings often redirect to a category page, so the stored URL
	// is carried in the request context rather than read back from the
	// final response URL.
	collector.OnRequest(func(r *colly.Request) {
		if r.Ctx.Get("offer_url") == "" {
			r.Ctx.Put("offer_url", r.URL.String())
		}
	})

	collector.OnResponse(func(r *colly.Response) {
		body := strings.ToLower(string(r.Body))
		for _, marker := range removedMarkers {
			if strings.Contains(body, marker) {
				markRemoved(r.Ctx.Get("offer_url"))
				return
			}
		}
	})

	collector.OnError(func(r *colly.Response, err error) {
		switch r.StatusCode {
		case http.StatusNotFound, http.StatusGone:
			markRemoved(r.Ctx.Get("offer_url"))
		default:
			log.Debug().Err(err).Str("url", r.Request.URL.String()).Msg("Availability check request failed")
		}
	})

	for _, u := range urls {
		if ctx.Err() != nil {
			break
		}
		if err := collector.Visit(u); err != nil {
			log.Debug().Err(err).Str("url", u).Msg("Availability visit rejected")
		}
	}
	collector.Wait()

	return removed
}

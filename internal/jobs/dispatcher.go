package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"

	"github.com/rentradar/rentradar/internal/botwall"
	"github.com/rentradar/rentradar/internal/browser"
	"github.com/rentradar/rentradar/internal/db"
	"github.com/rentradar/rentradar/internal/offer"
	"github.com/rentradar/rentradar/internal/scrape"
	"github.com/rentradar/rentradar/internal/util"
)

// taskNotifyChannel is the Postgres NOTIFY channel that wakes workers after
// a sweep enqueues tasks.
const taskNotifyChannel = "crawl_tasks"

// defaultMaxIndexPages caps one backfill sweep. Listings past this depth
// are old enough to already be stored.
const defaultMaxIndexPages = 25

// newSweepPages is the depth of the frequent new-offer sweep. Sources list
// newest first, so fresh offers surface on the first page.
const newSweepPages = 1

// indexConcurrency is how many index pages one sweep fetches at once. Kept
// below the browser pool ceiling so detail workers are never starved.
const indexConcurrency = 2

type dispatcherStore interface {
	KnownOfferURLs(ctx context.Context, urls []string) (map[string]bool, error)
}

type dispatcherQueue interface {
	EnqueueTasks(ctx context.Context, queue string, urls []string, priority int) (int, error)
}

// SweepStats summarises one index sweep.
type SweepStats struct {
	Source         offer.Source `json:"source"`
	PagesFetched   int          `json:"pages_fetched"`
	Discovered     int          `json:"discovered"`
	NewQueued      int          `json:"new_queued"`
	ExistingQueued int          `json:"existing_queued"`
}

// Dispatcher walks the paginated listing indexes and feeds discovered URLs
// into the crawl queues.
type Dispatcher struct {
	store    dispatcherStore
	queue    dispatcherQueue
	sessions sessionManager
	maxPages int

	fetchIndex func(ctx context.Context, url string, source offer.Source) (string, error)
	wake       func(ctx context.Context)
}

// NewDispatcher wires a dispatcher to the browser pool and database.
// sessions may be nil when the authenticated source is not configured.
func NewDispatcher(database *db.DB, queue *db.DbQueue, pool *browser.Pool, detector *botwall.Detector, sessions sessionManager) *Dispatcher {
	d := &Dispatcher{
		store:    database,
		queue:    queue,
		sessions: sessions,
		maxPages: defaultMaxIndexPages,
	}
	d.fetchIndex = func(ctx context.Context, url string, source offer.Source) (string, error) {
		opts := browser.FetchOptions{ScrollPage: true}
		if source == offer.SourceOtodom && d.sessions != nil {
			cookies, err := d.sessions.EnsureAuthenticated(ctx)
			if err != nil {
				return "", fmt.Errorf("jobs: session unavailable: %w", err)
			}
			opts.Cookies = cookies
		}
		return pool.FetchPage(ctx, detector, url, opts)
	}
	d.wake = func(ctx context.Context) {
		if _, err := database.Client().ExecContext(ctx, "SELECT pg_notify($1, '')", taskNotifyChannel); err != nil {
			log.Warn().Err(err).Msg("Failed to notify workers of new tasks")
		}
	}
	return d
}

// Sweep walks one source's listing index to full depth and enqueues every
// discovered detail URL on the appropriate queue.
func (d *Dispatcher) Sweep(ctx context.Context, source offer.Source) (*SweepStats, error) {
	return d.sweep(ctx, source, d.maxPages)
}

// SweepNew is the shallow variant that only reads the front of the index,
// where fresh listings appear.
func (d *Dispatcher) SweepNew(ctx context.Context, source offer.Source) (*SweepStats, error) {
	return d.sweep(ctx, source, newSweepPages)
}

func (d *Dispatcher) sweep(ctx context.Context, source offer.Source, maxPages int) (*SweepStats, error) {
	stats := &SweepStats{Source: source}

	log.Info().Str("source", string(source)).Int("max_pages", maxPages).Msg("Starting index sweep")

	urls, pagesFetched, err := d.collectIndexURLs(ctx, source, maxPages)
	stats.PagesFetched = pagesFetched
	if err != nil && len(urls) == 0 {
		return stats, err
	}
	if err != nil {
		// Partial sweeps still enqueue what they found.
		log.Warn().Err(err).Str("source", string(source)).Msg("Index sweep ended early")
	}

	canonical := make([]string, 0, len(urls))
	seen := make(map[string]struct{}, len(urls))
	host := sourceHost(source)
	for _, u := range urls {
		// Index pages mix listing links with cross-site promo links.
		if !util.SameHost(u, host) {
			log.Debug().Str("url", u).Msg("Skipping off-site link from index page")
			continue
		}
		cu, err := util.CanonicalURL(u)
		if err != nil {
			log.Debug().Err(err).Str("url", u).Msg("Skipping uncanonicalisable listing URL")
			continue
		}
		if _, dup := seen[cu]; dup {
			continue
		}
		seen[cu] = struct{}{}
		canonical = append(canonical, cu)
	}
	stats.Discovered = len(canonical)
	if len(canonical) == 0 {
		return stats, nil
	}

	known, err := d.store.KnownOfferURLs(ctx, canonical)
	if err != nil {
		return stats, fmt.Errorf("jobs: failed to check known offers: %w", err)
	}

	var fresh, existing []string
	for _, u := range canonical {
		if known[u] {
			existing = append(existing, u)
		} else {
			fresh = append(fresh, u)
		}
	}

	if len(fresh) > 0 {
		queue := QueueFor(source, false)
		n, err := d.queue.EnqueueTasks(ctx, queue, fresh, QueuePriority(queue))
		if err != nil {
			return stats, fmt.Errorf("jobs: failed to enqueue new listings: %w", err)
		}
		stats.NewQueued = n
	}
	if len(existing) > 0 {
		queue := QueueFor(source, true)
		n, err := d.queue.EnqueueTasks(ctx, queue, existing, QueuePriority(queue))
		if err != nil {
			return stats, fmt.Errorf("jobs: failed to enqueue known listings: %w", err)
		}
		stats.ExistingQueued = n
	}

	if stats.NewQueued+stats.ExistingQueued > 0 && d.wake != nil {
		d.wake(ctx)
	}

	log.Info().
		Str("source", string(source)).
		Int("pages", stats.PagesFetched).
		Int("discovered", stats.Discovered).
		Int("new_queued", stats.NewQueued).
		Int("existing_queued", stats.ExistingQueued).
		Msg("Index sweep finished")

	return stats, nil
}

// SweepAll runs every source's deep sweep and returns the per-source stats.
// A failing source does not stop the others.
func (d *Dispatcher) SweepAll(ctx context.Context) []*SweepStats {
	return d.sweepAll(ctx, d.maxPages)
}

// SweepAllNew runs the shallow new-offer sweep across every source.
func (d *Dispatcher) SweepAllNew(ctx context.Context) []*SweepStats {
	return d.sweepAll(ctx, newSweepPages)
}

func (d *Dispatcher) sweepAll(ctx context.Context, maxPages int) []*SweepStats {
	var all []*SweepStats
	for _, source := range []offer.Source{offer.SourceOlx, offer.SourceOtodom} {
		stats, err := d.sweep(ctx, source, maxPages)
		if err != nil {
			log.Error().Err(err).Str("source", string(source)).Msg("Index sweep failed")
		}
		all = append(all, stats)
	}
	return all
}

// collectIndexURLs walks index pages concurrently until a page has no next
// link or the depth cap is hit. Page numbers are handed out in order; a
// fetcher that sees the last page stops the hand-out.
func (d *Dispatcher) collectIndexURLs(ctx context.Context, source offer.Source, maxPages int) ([]string, int, error) {
	type pageResult struct {
		page int
		urls []string
		last bool
		err  error
	}

	pageCh := make(chan int)
	resultCh := make(chan pageResult)

	var wg sync.WaitGroup
	workers := indexConcurrency
	if workers > maxPages {
		workers = maxPages
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for page := range pageCh {
				html, err := d.fetchIndex(ctx, indexURL(source, page), source)
				if err != nil {
					resultCh <- pageResult{page: page, err: err}
					continue
				}
				ip, err := parseIndexPage(source, html)
				if err != nil {
					resultCh <- pageResult{page: page, err: err}
					continue
				}
				resultCh <- pageResult{page: page, urls: ip.URLs, last: !ip.HasNext || len(ip.URLs) == 0}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	var (
		urls     []string
		fetched  int
		firstErr error
	)

	nextPage := 1
	lastPage := maxPages
	inFlight := 0

	feed := func() {
		for inFlight < workers && nextPage <= lastPage {
			select {
			case pageCh <- nextPage:
				nextPage++
				inFlight++
			case <-ctx.Done():
				return
			}
		}
	}

	feed()
	for inFlight > 0 {
		res, ok := <-resultCh
		if !ok {
			break
		}
		inFlight--
		fetched++

		switch {
		case res.err != nil:
			if firstErr == nil {
				firstErr = res.err
			}
			// Stop paging past a failure; later pages would likely fail too.
			if res.page <= lastPage {
				lastPage = res.page
			}
		default:
			urls = append(urls, res.urls...)
			if res.last && res.page < lastPage {
				lastPage = res.page
			}
		}

		if ctx.Err() != nil {
			break
		}
		feed()
	}
	close(pageCh)
	for range resultCh {
		// Drain late results after an early exit.
	}

	return urls, fetched, firstErr
}

func parseIndexPage(source offer.Source, html string) (scrape.IndexPage, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return scrape.IndexPage{}, fmt.Errorf("jobs: failed to parse index page: %w", err)
	}
	if source == offer.SourceOtodom {
		return scrape.ExtractOtodomIndex(doc), nil
	}
	return scrape.ExtractOlxIndex(doc), nil
}

// sourceHost is the host listing URLs for a source must live on.
func sourceHost(source offer.Source) string {
	if source == offer.SourceOtodom {
		return "otodom.pl"
	}
	return "olx.pl"
}

func indexURL(source offer.Source, page int) string {
	base := scrape.OlxBaseURL
	if source == offer.SourceOtodom {
		base = scrape.OtodomBaseURL
	}
	if page <= 1 {
		return base
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%spage=%d", base, sep, page)
}

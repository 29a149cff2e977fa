package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"

	"github.com/rentradar/rentradar/internal/ai"
	"github.com/rentradar/rentradar/internal/botwall"
	"github.com/rentradar/rentradar/internal/browser"
	"github.com/rentradar/rentradar/internal/db"
	"github.com/rentradar/rentradar/internal/geocode"
	"github.com/rentradar/rentradar/internal/match"
	"github.com/rentradar/rentradar/internal/offer"
	"github.com/rentradar/rentradar/internal/scrape"
)

// offerStore is the slice of the database the processor writes to.
type offerStore interface {
	UpsertOffer(ctx context.Context, o *offer.Offer) (int, bool, error)
	UpdateOfferLocation(ctx context.Context, offerID int, lat, lng float64, accuracy, street, streetNumber string) error
}

type offerMatcher interface {
	ProcessOffer(ctx context.Context, o *offer.Offer) (int, error)
}

type sessionManager interface {
	EnsureAuthenticated(ctx context.Context) ([]browser.Cookie, error)
	Invalidate(ctx context.Context) error
}

// TaskProcessor turns one claimed crawl task into a stored, geocoded and
// matched offer.
type TaskProcessor struct {
	store    offerStore
	matcher  offerMatcher
	sessions sessionManager
	geocoder *geocode.Geocoder
	ai       *ai.Client

	// fetch retrieves the rendered HTML of a listing page.
	fetch func(ctx context.Context, url string, source offer.Source) (string, error)
}

// NewProcessor wires the processor to the real browser pool and stores.
// sessions may be nil when the authenticated source is not configured.
func NewProcessor(database *db.DB, pool *browser.Pool, detector *botwall.Detector, sessions sessionManager, geocoder *geocode.Geocoder, aiClient *ai.Client, matcher *match.Engine) *TaskProcessor {
	p := &TaskProcessor{
		store:    database,
		matcher:  matcher,
		sessions: sessions,
		geocoder: geocoder,
		ai:       aiClient,
	}
	p.fetch = func(ctx context.Context, url string, source offer.Source) (string, error) {
		opts := browser.FetchOptions{ScrollPage: true}
		if source == offer.SourceOtodom && p.sessions != nil {
			cookies, err := p.sessions.EnsureAuthenticated(ctx)
			if err != nil {
				return "", fmt.Errorf("jobs: session unavailable: %w", err)
			}
			opts.Cookies = cookies
		}
		return pool.FetchPage(ctx, detector, url, opts)
	}
	return p
}

// Process fetches, extracts and stores the listing a task points at.
func (p *TaskProcessor) Process(ctx context.Context, task *db.CrawlTask) error {
	source := SourceForQueue(task.Queue)

	html, err := p.fetch(ctx, task.URL, source)
	if err != nil {
		if errors.Is(err, botwall.ErrBotBlocked) && source == offer.SourceOtodom && p.sessions != nil {
			// A challenge on the authenticated source usually means the
			// cached session went stale. Drop it so the next task logs in
			// fresh.
			if invErr := p.sessions.Invalidate(ctx); invErr != nil {
				log.Warn().Err(invErr).Msg("Failed to invalidate session after block")
			}
		}
		return fmt.Errorf("jobs: fetch failed: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return fmt.Errorf("jobs: failed to parse page: %w", err)
	}

	var rf scrape.RawFields
	switch source {
	case offer.SourceOtodom:
		rf = scrape.ExtractOtodom(doc)
	default:
		rf = scrape.ExtractOlx(doc)
	}
	if _, hasTitle := rf.Get(scrape.FieldTitle); !hasTitle {
		if _, hasPrice := rf.Get(scrape.FieldPrice); !hasPrice {
			return fmt.Errorf("jobs: no listing content extracted from %s", task.URL)
		}
	}

	o := offer.FromRawFields(source, task.URL, rf, time.Now().UTC())
	o.IsNew = IsNewQueue(task.Queue)

	id, inserted, err := p.store.UpsertOffer(ctx, &o)
	if err != nil {
		return fmt.Errorf("jobs: failed to store offer: %w", err)
	}
	o.ID = int64(id)

	log.Info().
		Str("url", o.URL).
		Str("source", string(o.Source)).
		Bool("inserted", inserted).
		Msg("Offer stored")

	p.enrichLocation(ctx, id, &o)

	if p.matcher != nil {
		if _, err := p.matcher.ProcessOffer(ctx, &o); err != nil {
			log.Error().Err(err).Int("offer_id", id).Msg("Alert matching failed")
		}
	}
	return nil
}

// enrichLocation resolves coordinates for the offer. Failures only cost the
// map pin, never the offer itself.
func (p *TaskProcessor) enrichLocation(ctx context.Context, offerID int, o *offer.Offer) {
	if p.geocoder == nil || o.City == "" {
		return
	}
	if o.Latitude != nil && o.Longitude != nil {
		return
	}

	street, number := streetOf(o)
	if street == "" && p.ai != nil {
		addr, err := p.ai.ExtractAddress(ctx, o.Title, o.Description)
		if err != nil {
			log.Warn().Err(err).Int("offer_id", offerID).Msg("Address extraction failed")
		} else if addr.Street != "" {
			street, number = addr.Street, addr.StreetNumber
		}
	}

	address := street
	if number != "" {
		address = street + " " + number
	}
	if address == "" {
		address = o.District
	}

	result := p.geocoder.Geocode(ctx, address, o.City)
	if result == nil {
		return
	}
	if err := p.store.UpdateOfferLocation(ctx, offerID, result.Lat, result.Lng, result.Accuracy, street, number); err != nil {
		log.Error().Err(err).Int("offer_id", offerID).Msg("Failed to store offer location")
	}
}

func streetOf(o *offer.Offer) (street, number string) {
	if o.Street != nil {
		street = *o.Street
	}
	if o.StreetNumber != nil {
		number = *o.StreetNumber
	}
	return street, number
}

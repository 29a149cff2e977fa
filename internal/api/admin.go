package api

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rentradar/rentradar/internal/jobs"
	"github.com/rentradar/rentradar/internal/offer"
)

type sweeper interface {
	Sweep(ctx context.Context, source offer.Source) (*jobs.SweepStats, error)
	SweepNew(ctx context.Context, source offer.Source) (*jobs.SweepStats, error)
	SweepAll(ctx context.Context) []*jobs.SweepStats
	SweepAllNew(ctx context.Context) []*jobs.SweepStats
}

type sessionControl interface {
	Status(ctx context.Context) (exists bool, ttl time.Duration)
	Invalidate(ctx context.Context) error
}

type geocoderStats interface {
	CacheSize() int
	BreakerOpen() bool
}

type browserStats interface {
	InUse() int
	Waiting() int
}

type queueStats interface {
	QueueDepths(ctx context.Context) (map[string]int, error)
}

type notificationRetrier interface {
	RetryFailedNotifications(ctx context.Context) (int64, error)
}

// AdminHandler exposes the operational surface: crawl triggers, session and
// breaker state, queue depths. Any dependency may be nil; its endpoints then
// report unavailable.
type AdminHandler struct {
	Dispatcher    sweeper
	Sessions      sessionControl
	Geocoder      geocoderStats
	Browsers      browserStats
	Queue         queueStats
	Notifications notificationRetrier
}

// SetupRoutes registers the admin endpoints.
func (a *AdminHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/crawl", a.TriggerCrawl)
	mux.HandleFunc("/admin/session", a.SessionHandler)
	mux.HandleFunc("/admin/geocoder", a.GeocoderStatus)
	mux.HandleFunc("/admin/browsers", a.BrowserStatus)
	mux.HandleFunc("/admin/queues", a.QueueStatus)
	mux.HandleFunc("/admin/notifications/retry", a.RetryNotifications)
}

// TriggerCrawl kicks off an index sweep in the background. Optional query
// params narrow it: source=olx|otodom, class=new for the shallow front-page
// sweep.
func (a *AdminHandler) TriggerCrawl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}
	if a.Dispatcher == nil {
		ServiceUnavailable(w, r, "Crawl dispatcher not configured")
		return
	}

	var source offer.Source
	switch r.URL.Query().Get("source") {
	case "":
	case string(offer.SourceOlx):
		source = offer.SourceOlx
	case string(offer.SourceOtodom):
		source = offer.SourceOtodom
	default:
		BadRequest(w, r, "Unknown source")
		return
	}

	class := r.URL.Query().Get("class")
	if class != "" && class != "new" && class != "full" {
		BadRequest(w, r, "class must be new or full")
		return
	}
	shallow := class == "new"

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		var stats []*jobs.SweepStats
		switch {
		case source != "" && shallow:
			s, err := a.Dispatcher.SweepNew(ctx, source)
			if err != nil {
				log.Error().Err(err).Str("source", string(source)).Msg("Manual sweep failed")
			}
			stats = append(stats, s)
		case source != "":
			s, err := a.Dispatcher.Sweep(ctx, source)
			if err != nil {
				log.Error().Err(err).Str("source", string(source)).Msg("Manual sweep failed")
			}
			stats = append(stats, s)
		case shallow:
			stats = a.Dispatcher.SweepAllNew(ctx)
		default:
			stats = a.Dispatcher.SweepAll(ctx)
		}

		for _, s := range stats {
			if s == nil {
				continue
			}
			log.Info().
				Str("source", string(s.Source)).
				Int("new_queued", s.NewQueued).
				Int("existing_queued", s.ExistingQueued).
				Msg("Manual sweep finished")
		}
	}()

	WriteAccepted(w, r, "Index sweep started")
}

// SessionHandler reports (GET) or drops (DELETE) the cached login session.
func (a *AdminHandler) SessionHandler(w http.ResponseWriter, r *http.Request) {
	if a.Sessions == nil {
		ServiceUnavailable(w, r, "Session manager not configured")
		return
	}

	switch r.Method {
	case http.MethodGet:
		exists, ttl := a.Sessions.Status(r.Context())
		WriteSuccess(w, r, map[string]interface{}{
			"cached":      exists,
			"ttl_seconds": int(ttl.Seconds()),
		}, "")
	case http.MethodDelete:
		if err := a.Sessions.Invalidate(r.Context()); err != nil {
			InternalError(w, r, err)
			return
		}
		WriteSuccess(w, r, nil, "Session invalidated")
	default:
		MethodNotAllowed(w, r)
	}
}

// GeocoderStatus reports the geocode cache size and breaker state.
func (a *AdminHandler) GeocoderStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	if a.Geocoder == nil {
		ServiceUnavailable(w, r, "Geocoder not configured")
		return
	}

	WriteSuccess(w, r, map[string]interface{}{
		"cache_size":   a.Geocoder.CacheSize(),
		"breaker_open": a.Geocoder.BreakerOpen(),
	}, "")
}

// BrowserStatus reports browser pool utilisation.
func (a *AdminHandler) BrowserStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	if a.Browsers == nil {
		ServiceUnavailable(w, r, "Browser pool not configured")
		return
	}

	WriteSuccess(w, r, map[string]int{
		"in_use":  a.Browsers.InUse(),
		"waiting": a.Browsers.Waiting(),
	}, "")
}

// QueueStatus reports pending task counts per crawl queue.
func (a *AdminHandler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	if a.Queue == nil {
		ServiceUnavailable(w, r, "Task queue not configured")
		return
	}

	depths, err := a.Queue.QueueDepths(r.Context())
	if err != nil {
		DatabaseError(w, r, err)
		return
	}
	WriteSuccess(w, r, depths, "")
}

// RetryNotifications requeues permanently failed notification jobs.
func (a *AdminHandler) RetryNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}
	if a.Notifications == nil {
		ServiceUnavailable(w, r, "Notification store not configured")
		return
	}

	n, err := a.Notifications.RetryFailedNotifications(r.Context())
	if err != nil {
		DatabaseError(w, r, err)
		return
	}
	WriteSuccess(w, r, map[string]int64{"requeued": n}, "Failed notifications requeued")
}

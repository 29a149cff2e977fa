package match

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/rentradar/rentradar/internal/db"
	"github.com/rentradar/rentradar/internal/offer"
)

// store is the slice of the database the engine needs.
type store interface {
	ListActiveAlerts(ctx context.Context) ([]db.Alert, error)
	CreateMatch(ctx context.Context, alertID, offerID int64) (int64, bool, error)
	IncrementAlertMatchCount(ctx context.Context, alertID int64) error
	EnqueueNotification(ctx context.Context, matchID int64, channel, recipient string) (string, error)
}

// Engine runs alert matching over freshly ingested offers.
type Engine struct {
	store store
}

// NewEngine creates a matching engine backed by the database.
func NewEngine(database *db.DB) *Engine {
	return &Engine{store: database}
}

// ProcessOffer checks one offer against every active alert, records the
// matches, and queues notifications for each newly created match. One
// broken alert never blocks the rest. Returns the number of new matches.
// The offer must already be stored, with its row id set.
func (e *Engine) ProcessOffer(ctx context.Context, o *offer.Offer) (int, error) {
	alerts, err := e.store.ListActiveAlerts(ctx)
	if err != nil {
		return 0, err
	}

	created := 0
	for i := range alerts {
		a := &alerts[i]
		if !CheckMatch(a, o) {
			continue
		}

		matchID, isNew, err := e.store.CreateMatch(ctx, a.ID, o.ID)
		if err != nil {
			log.Error().
				Err(err).
				Int64("alert_id", a.ID).
				Int64("offer_id", o.ID).
				Msg("Failed to record match, continuing with remaining alerts")
			continue
		}
		if !isNew {
			continue
		}
		created++

		if err := e.store.IncrementAlertMatchCount(ctx, a.ID); err != nil {
			log.Error().Err(err).Int64("alert_id", a.ID).Msg("Failed to bump alert match count")
		}
		e.queueNotifications(ctx, matchID, a)
	}

	if created > 0 {
		log.Info().
			Int64("offer_id", o.ID).
			Int("matches", created).
			Msg("Offer matched alerts")
	}
	return created, nil
}

// queueNotifications enqueues one delivery job per channel the alert's
// notification method selects, skipping channels with no recipient.
func (e *Engine) queueNotifications(ctx context.Context, matchID int64, a *db.Alert) {
	method := a.NotifyMethod
	if method == "" {
		method = db.NotifyMethodBoth
	}

	if (method == db.NotifyMethodEmail || method == db.NotifyMethodBoth) && a.UserEmail != "" {
		if _, err := e.store.EnqueueNotification(ctx, matchID, db.ChannelEmail, a.UserEmail); err != nil {
			log.Error().Err(err).Int64("match_id", matchID).Msg("Failed to queue email notification")
		}
	}
	if (method == db.NotifyMethodDiscord || method == db.NotifyMethodBoth) && a.DiscordWebhookURL != "" {
		if _, err := e.store.EnqueueNotification(ctx, matchID, db.ChannelDiscord, a.DiscordWebhookURL); err != nil {
			log.Error().Err(err).Int64("match_id", matchID).Msg("Failed to queue discord notification")
		}
	}
}

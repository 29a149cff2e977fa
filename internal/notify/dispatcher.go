package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rentradar/rentradar/internal/db"
	"github.com/rentradar/rentradar/internal/offer"
)

// store is the slice of the database the dispatcher needs.
type store interface {
	ClaimNextNotification(ctx context.Context) (*db.NotificationJob, error)
	MarkNotificationSent(ctx context.Context, jobID string) error
	MarkNotificationFailed(ctx context.Context, job *db.NotificationJob, deliveryErr error) error
	GetMatch(ctx context.Context, matchID int64) (*db.Match, error)
	GetAlert(ctx context.Context, alertID int64) (*db.Alert, error)
	GetOffer(ctx context.Context, id int) (*offer.Offer, error)
	MarkMatchNotified(ctx context.Context, matchID int64) error
}

// emailSender and discordSender decouple the dispatcher from the concrete
// clients for testing.
type emailSender interface {
	SendMatchEmail(ctx context.Context, recipient string, msg *MatchMessage, idempotencyKey string) error
}

type discordSender interface {
	SendMatch(ctx context.Context, webhookURL string, msg *MatchMessage) error
}

// Dispatcher drains the notification queue and delivers over the job's
// channel.
type Dispatcher struct {
	store   store
	email   emailSender
	discord discordSender

	pollInterval time.Duration
	stopCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// NewDispatcher creates a notification dispatcher.
func NewDispatcher(database *db.DB, email *EmailClient, discord *DiscordClient) *Dispatcher {
	return &Dispatcher{
		store:        database,
		email:        email,
		discord:      discord,
		pollInterval: 5 * time.Second,
		stopCh:       make(chan struct{}),
	}
}

// Start launches the delivery loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.run(ctx)
	log.Info().Msg("Notification dispatcher started")
}

// Stop shuts the delivery loop down and waits for the in-flight delivery.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		default:
		}

		processed, err := d.ProcessNext(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Notification delivery cycle failed")
		}
		if !processed {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case <-time.After(d.pollInterval):
			}
		}
	}
}

// ProcessNext claims and delivers one queued notification. Returns false
// when the queue is empty.
func (d *Dispatcher) ProcessNext(ctx context.Context) (bool, error) {
	job, err := d.store.ClaimNextNotification(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	if err := d.deliver(ctx, job); err != nil {
		if markErr := d.store.MarkNotificationFailed(ctx, job, err); markErr != nil {
			log.Error().Err(markErr).Str("job_id", job.ID).Msg("Failed to record delivery failure")
		}
		return true, nil
	}

	if err := d.store.MarkNotificationSent(ctx, job.ID); err != nil {
		return true, err
	}
	if err := d.store.MarkMatchNotified(ctx, job.MatchID); err != nil {
		log.Warn().Err(err).Int64("match_id", job.MatchID).Msg("Failed to timestamp match notification")
	}

	log.Info().
		Str("job_id", job.ID).
		Str("channel", job.Channel).
		Int64("match_id", job.MatchID).
		Msg("Notification delivered")
	return true, nil
}

func (d *Dispatcher) deliver(ctx context.Context, job *db.NotificationJob) error {
	msg, err := d.buildMessage(ctx, job.MatchID)
	if err != nil {
		return err
	}

	switch job.Channel {
	case db.ChannelEmail:
		return d.email.SendMatchEmail(ctx, job.Recipient, msg, job.ID)
	case db.ChannelDiscord:
		return d.discord.SendMatch(ctx, job.Recipient, msg)
	default:
		return fmt.Errorf("notify: unknown channel %q", job.Channel)
	}
}

func (d *Dispatcher) buildMessage(ctx context.Context, matchID int64) (*MatchMessage, error) {
	m, err := d.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("notify: match no longer exists")
	}

	a, err := d.store.GetAlert(ctx, m.AlertID)
	if err != nil {
		return nil, err
	}
	o, err := d.store.GetOffer(ctx, int(m.OfferID))
	if err != nil {
		return nil, err
	}
	if a == nil || o == nil {
		return nil, errors.New("notify: match references deleted alert or offer")
	}

	return BuildMatchMessage(a, o), nil
}

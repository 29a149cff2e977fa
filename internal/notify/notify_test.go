package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentradar/rentradar/internal/db"
	"github.com/rentradar/rentradar/internal/offer"
)

func f64(v float64) *float64 { return &v }
func iptr(v int) *int        { return &v }

func sampleOffer() *offer.Offer {
	street := "Długa"
	return &offer.Offer{
		ID:       42,
		URL:      "https://www.olx.pl/d/oferta/kawalerka-ID1abc.html",
		Source:   "olx",
		Title:    "Kawalerka w centrum",
		Price:    2400,
		City:     "Wrocław",
		District: "Stare Miasto",
		Street:   &street,
		Footage:  f64(31.5),
		Rooms:    iptr(1),
		Images:   []string{"https://img.example/1.jpg"},
	}
}

func TestBuildMatchMessage(t *testing.T) {
	alert := &db.Alert{Name: "Centrum do 2500"}

	t.Run("full offer", func(t *testing.T) {
		msg := BuildMatchMessage(alert, sampleOffer())
		assert.Equal(t, "Centrum do 2500", msg.AlertName)
		assert.Equal(t, "Kawalerka w centrum", msg.Title)
		assert.Equal(t, "2400 zł", msg.Price)
		assert.Equal(t, "ul. Długa, Stare Miasto, Wrocław", msg.Location)
		assert.Equal(t, "32 m²", msg.Footage)
		assert.Equal(t, "kawalerka", msg.Rooms)
		assert.Equal(t, "https://img.example/1.jpg", msg.ImageURL)
	})

	t.Run("sparse offer omits missing fields", func(t *testing.T) {
		o := &offer.Offer{
			URL:   "https://www.otodom.pl/pl/oferta/x-ID4abc",
			Title: "Mieszkanie",
			Price: 3100,
			City:  "Wrocław",
			Rooms: iptr(3),
		}
		msg := BuildMatchMessage(alert, o)
		assert.Equal(t, "Wrocław", msg.Location)
		assert.Empty(t, msg.Footage)
		assert.Equal(t, "3 pokoje", msg.Rooms)
		assert.Empty(t, msg.ImageURL)
	})
}

func TestDiscordClientSendMatch(t *testing.T) {
	var got discordWebhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewDiscordClient()
	msg := BuildMatchMessage(&db.Alert{Name: "Centrum"}, sampleOffer())

	err := client.SendMatch(context.Background(), srv.URL, msg)
	require.NoError(t, err)

	require.Len(t, got.Embeds, 1)
	embed := got.Embeds[0]
	assert.Equal(t, "Kawalerka w centrum", embed.Title)
	assert.Equal(t, "https://www.olx.pl/d/oferta/kawalerka-ID1abc.html", embed.URL)
	assert.Contains(t, got.Content, "Centrum")
	require.NotNil(t, embed.Image)
	assert.Equal(t, "https://img.example/1.jpg", embed.Image.URL)

	fields := map[string]string{}
	for _, f := range embed.Fields {
		fields[f.Name] = f.Value
	}
	assert.Equal(t, "2400 zł", fields["Cena"])
	assert.Equal(t, "kawalerka", fields["Pokoje"])
}

func TestDiscordClientSendMatchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message": "Unknown Webhook"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	err := NewDiscordClient().SendMatch(context.Background(), srv.URL, &MatchMessage{Title: "x"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.False(t, apiErr.Retryable())
}

func TestEmailClientSendMatchEmail(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		var got transactionalRequest
		var idemKey, auth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			idemKey = r.Header.Get("Idempotency-Key")
			auth = r.Header.Get("Authorization")
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.Write([]byte(`{"success": true}`))
		}))
		defer srv.Close()

		client := NewEmailClient("key-123", "tmpl-match")
		client.baseURL = srv.URL

		msg := BuildMatchMessage(&db.Alert{Name: "Centrum"}, sampleOffer())
		err := client.SendMatchEmail(context.Background(), "anna@example.com", msg, "job-7")
		require.NoError(t, err)

		assert.Equal(t, "anna@example.com", got.Email)
		assert.Equal(t, "tmpl-match", got.TransactionalID)
		assert.Equal(t, "Kawalerka w centrum", got.DataVariables["title"])
		assert.Equal(t, "job-7", idemKey)
		assert.Equal(t, "Bearer key-123", auth)
	})

	t.Run("invalid recipient syntax fails without provider call", func(t *testing.T) {
		calls := 0
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
		}))
		defer srv.Close()

		client := NewEmailClient("key-123", "tmpl-match")
		client.baseURL = srv.URL

		err := client.SendMatchEmail(context.Background(), "not-an-address", &MatchMessage{}, "")
		require.Error(t, err)
		assert.Zero(t, calls)
	})

	t.Run("server error is retryable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"message": "upstream down"}`, http.StatusBadGateway)
		}))
		defer srv.Close()

		client := NewEmailClient("key-123", "tmpl-match")
		client.baseURL = srv.URL

		err := client.SendMatchEmail(context.Background(), "anna@example.com", &MatchMessage{}, "")
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "upstream down", apiErr.Message)
		assert.True(t, apiErr.Retryable())
	})
}

type fakeDispatchStore struct {
	jobs     []*db.NotificationJob
	matches  map[int64]*db.Match
	alerts   map[int64]*db.Alert
	offers   map[int]*offer.Offer
	sent     []string
	failed   map[string]string
	notified []int64
}

func newFakeDispatchStore() *fakeDispatchStore {
	return &fakeDispatchStore{
		matches: map[int64]*db.Match{},
		alerts:  map[int64]*db.Alert{},
		offers:  map[int]*offer.Offer{},
		failed:  map[string]string{},
	}
}

func (s *fakeDispatchStore) ClaimNextNotification(ctx context.Context) (*db.NotificationJob, error) {
	if len(s.jobs) == 0 {
		return nil, nil
	}
	job := s.jobs[0]
	s.jobs = s.jobs[1:]
	return job, nil
}

func (s *fakeDispatchStore) MarkNotificationSent(ctx context.Context, jobID string) error {
	s.sent = append(s.sent, jobID)
	return nil
}

func (s *fakeDispatchStore) MarkNotificationFailed(ctx context.Context, job *db.NotificationJob, deliveryErr error) error {
	s.failed[job.ID] = deliveryErr.Error()
	return nil
}

func (s *fakeDispatchStore) GetMatch(ctx context.Context, matchID int64) (*db.Match, error) {
	return s.matches[matchID], nil
}

func (s *fakeDispatchStore) GetAlert(ctx context.Context, alertID int64) (*db.Alert, error) {
	return s.alerts[alertID], nil
}

func (s *fakeDispatchStore) GetOffer(ctx context.Context, id int) (*offer.Offer, error) {
	return s.offers[id], nil
}

func (s *fakeDispatchStore) MarkMatchNotified(ctx context.Context, matchID int64) error {
	s.notified = append(s.notified, matchID)
	return nil
}

type fakeEmailSender struct {
	recipients []string
	err        error
}

func (f *fakeEmailSender) SendMatchEmail(ctx context.Context, recipient string, msg *MatchMessage, idempotencyKey string) error {
	f.recipients = append(f.recipients, recipient)
	return f.err
}

type fakeDiscordSender struct {
	webhooks []string
	err      error
}

func (f *fakeDiscordSender) SendMatch(ctx context.Context, webhookURL string, msg *MatchMessage) error {
	f.webhooks = append(f.webhooks, webhookURL)
	return f.err
}

func newTestDispatcher(store *fakeDispatchStore, email *fakeEmailSender, discord *fakeDiscordSender) *Dispatcher {
	return &Dispatcher{
		store:   store,
		email:   email,
		discord: discord,
		stopCh:  make(chan struct{}),
	}
}

func seedMatch(s *fakeDispatchStore) {
	s.matches[10] = &db.Match{ID: 10, AlertID: 1, OfferID: 42}
	s.alerts[1] = &db.Alert{ID: 1, Name: "Centrum"}
	s.offers[42] = sampleOffer()
}

func TestDispatcherProcessNext(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers email and marks match notified", func(t *testing.T) {
		store := newFakeDispatchStore()
		seedMatch(store)
		store.jobs = []*db.NotificationJob{
			{ID: "job-1", MatchID: 10, Channel: db.ChannelEmail, Recipient: "anna@example.com"},
		}
		email := &fakeEmailSender{}
		d := newTestDispatcher(store, email, &fakeDiscordSender{})

		processed, err := d.ProcessNext(ctx)
		require.NoError(t, err)
		assert.True(t, processed)
		assert.Equal(t, []string{"anna@example.com"}, email.recipients)
		assert.Equal(t, []string{"job-1"}, store.sent)
		assert.Equal(t, []int64{10}, store.notified)
	})

	t.Run("delivers discord by webhook url", func(t *testing.T) {
		store := newFakeDispatchStore()
		seedMatch(store)
		store.jobs = []*db.NotificationJob{
			{ID: "job-2", MatchID: 10, Channel: db.ChannelDiscord, Recipient: "https://discord.com/api/webhooks/1/x"},
		}
		discord := &fakeDiscordSender{}
		d := newTestDispatcher(store, &fakeEmailSender{}, discord)

		processed, err := d.ProcessNext(ctx)
		require.NoError(t, err)
		assert.True(t, processed)
		assert.Equal(t, []string{"https://discord.com/api/webhooks/1/x"}, discord.webhooks)
	})

	t.Run("delivery failure is recorded, not returned", func(t *testing.T) {
		store := newFakeDispatchStore()
		seedMatch(store)
		store.jobs = []*db.NotificationJob{
			{ID: "job-3", MatchID: 10, Channel: db.ChannelEmail, Recipient: "anna@example.com"},
		}
		email := &fakeEmailSender{err: errors.New("smtp 451")}
		d := newTestDispatcher(store, email, &fakeDiscordSender{})

		processed, err := d.ProcessNext(ctx)
		require.NoError(t, err)
		assert.True(t, processed)
		assert.Equal(t, "smtp 451", store.failed["job-3"])
		assert.Empty(t, store.sent)
		assert.Empty(t, store.notified)
	})

	t.Run("deleted match fails the job", func(t *testing.T) {
		store := newFakeDispatchStore()
		store.jobs = []*db.NotificationJob{
			{ID: "job-4", MatchID: 99, Channel: db.ChannelEmail, Recipient: "anna@example.com"},
		}
		d := newTestDispatcher(store, &fakeEmailSender{}, &fakeDiscordSender{})

		processed, err := d.ProcessNext(ctx)
		require.NoError(t, err)
		assert.True(t, processed)
		assert.Contains(t, store.failed["job-4"], "match no longer exists")
	})

	t.Run("empty queue reports idle", func(t *testing.T) {
		d := newTestDispatcher(newFakeDispatchStore(), &fakeEmailSender{}, &fakeDiscordSender{})
		processed, err := d.ProcessNext(ctx)
		require.NoError(t, err)
		assert.False(t, processed)
	})
}

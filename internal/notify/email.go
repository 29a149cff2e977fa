// Package notify delivers match notifications over email and Discord, and
// raises operational alerts over Slack. Deliveries are driven by the
// durable notification queue, not sent inline from the matching engine.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	emailverifier "github.com/AfterShip/email-verifier"
	"github.com/rs/zerolog/log"
)

const (
	emailBaseURL        = "https://app.loops.so/api/v1"
	emailDefaultTimeout = 10 * time.Second
)

var verifier = emailverifier.NewVerifier()

// EmailClient sends match notification emails through a transactional
// email API.
type EmailClient struct {
	apiKey     string
	templateID string
	baseURL    string
	httpClient *http.Client
}

// NewEmailClient creates an email client. templateID names the match
// notification template configured with the provider.
func NewEmailClient(apiKey, templateID string) *EmailClient {
	return &EmailClient{
		apiKey:     apiKey,
		templateID: templateID,
		baseURL:    emailBaseURL,
		httpClient: &http.Client{Timeout: emailDefaultTimeout},
	}
}

// transactionalRequest is the provider's send payload.
type transactionalRequest struct {
	Email           string         `json:"email"`
	TransactionalID string         `json:"transactionalId"`
	DataVariables   map[string]any `json:"dataVariables,omitempty"`
}

// SendMatchEmail sends one match notification. The recipient address is
// syntax-checked first so obviously undeliverable addresses fail without
// burning a provider call. idempotencyKey dedupes provider-side retries.
func (c *EmailClient) SendMatchEmail(ctx context.Context, recipient string, msg *MatchMessage, idempotencyKey string) error {
	result, err := verifier.Verify(recipient)
	if err != nil {
		log.Warn().Err(err).Str("recipient", recipient).Msg("Email verifier failed, sending anyway")
	} else if !result.Syntax.Valid {
		return fmt.Errorf("notify: invalid recipient address %q", recipient)
	}

	body, err := json.Marshal(transactionalRequest{
		Email:           recipient,
		TransactionalID: c.templateID,
		DataVariables: map[string]any{
			"alertName": msg.AlertName,
			"title":     msg.Title,
			"price":     msg.Price,
			"location":  msg.Location,
			"footage":   msg.Footage,
			"rooms":     msg.Rooms,
			"url":       msg.URL,
		},
	})
	if err != nil {
		return fmt.Errorf("notify: failed to marshal email request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transactional", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: failed to create email request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("notify: email request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	raw, _ := io.ReadAll(resp.Body)
	var apiResp struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &apiResp) == nil && apiResp.Message != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: apiResp.Message}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: string(raw)}
}

// APIError represents an error response from a delivery provider.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("notify: API error %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the provider error is worth another attempt.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Package ai provides a client for extracting street addresses from
// free-text listing descriptions via an OpenAI-compatible chat endpoint.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 30 * time.Second
)

const extractionPrompt = `Extract the street address of the rental property from the listing text below.
Respond with JSON only: {"street": "<street name or empty>", "street_number": "<number or empty>"}.
Use an empty string when the text does not name a street. Never guess.`

// Client calls the completion API to pull street addresses out of listings.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// New creates a new extraction client with the given API key.
func New(apiKey string) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// Address is a street extracted from listing text. Both fields may be empty.
type Address struct {
	Street       string `json:"street"`
	StreetNumber string `json:"street_number"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
	Temperature    float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// ExtractAddress asks the model for the street named in the listing text.
// Returns a zero Address when the text names no street. Errors are returned
// for transport and API failures so the caller can degrade to no address.
func (c *Client) ExtractAddress(ctx context.Context, title, description string) (Address, error) {
	if c.apiKey == "" {
		return Address{}, nil
	}

	listing := strings.TrimSpace(title + "\n\n" + description)
	if listing == "" {
		return Address{}, nil
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: extractionPrompt},
			{Role: "user", Content: listing},
		},
		ResponseFormat: &respFormat{Type: "json_object"},
	})
	if err != nil {
		return Address{}, fmt.Errorf("ai: failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Address{}, fmt.Errorf("ai: failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Address{}, fmt.Errorf("ai: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return Address{}, &APIError{StatusCode: resp.StatusCode, Message: string(raw)}
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return Address{}, fmt.Errorf("ai: failed to decode response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return Address{}, fmt.Errorf("ai: response contained no choices")
	}

	var addr Address
	content := chat.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(content), &addr); err != nil {
		log.Debug().Str("content", content).Msg("Address extraction returned non-JSON content")
		return Address{}, fmt.Errorf("ai: failed to parse extraction: %w", err)
	}

	addr.Street = strings.TrimSpace(addr.Street)
	addr.StreetNumber = strings.TrimSpace(addr.StreetNumber)
	return addr, nil
}

// APIError represents an error response from the completion API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ai: API error %d: %s", e.StatusCode, e.Message)
}

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DiscordClient posts match notifications to per-user Discord webhooks.
type DiscordClient struct {
	httpClient *http.Client
}

// NewDiscordClient creates a Discord webhook client.
func NewDiscordClient() *DiscordClient {
	return &DiscordClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type discordEmbed struct {
	Title       string              `json:"title"`
	URL         string              `json:"url"`
	Description string              `json:"description,omitempty"`
	Color       int                 `json:"color"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
	Image       *discordEmbedImage  `json:"image,omitempty"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbedImage struct {
	URL string `json:"url"`
}

type discordWebhookPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds"`
}

const discordGreen = 0x2ecc71

// SendMatch posts one match notification embed to the webhook URL.
func (c *DiscordClient) SendMatch(ctx context.Context, webhookURL string, msg *MatchMessage) error {
	embed := discordEmbed{
		Title: msg.Title,
		URL:   msg.URL,
		Color: discordGreen,
		Fields: []discordEmbedField{
			{Name: "Cena", Value: msg.Price, Inline: true},
		},
	}
	if msg.Location != "" {
		embed.Fields = append(embed.Fields, discordEmbedField{Name: "Lokalizacja", Value: msg.Location, Inline: true})
	}
	if msg.Footage != "" {
		embed.Fields = append(embed.Fields, discordEmbedField{Name: "Metraż", Value: msg.Footage, Inline: true})
	}
	if msg.Rooms != "" {
		embed.Fields = append(embed.Fields, discordEmbedField{Name: "Pokoje", Value: msg.Rooms, Inline: true})
	}
	if msg.ImageURL != "" {
		embed.Image = &discordEmbedImage{URL: msg.ImageURL}
	}

	body, err := json.Marshal(discordWebhookPayload{
		Content: fmt.Sprintf("Nowa oferta dla alertu **%s**", msg.AlertName),
		Embeds:  []discordEmbed{embed},
	})
	if err != nil {
		return fmt.Errorf("notify: failed to marshal discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: failed to create discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: discord request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	raw, _ := io.ReadAll(resp.Body)
	return &APIError{StatusCode: resp.StatusCode, Message: string(raw)}
}

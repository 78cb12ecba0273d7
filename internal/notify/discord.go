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

// Discord embed colors.
const (
	colorInfo  = 0x2ecc71
	colorWarn  = 0xf1c40f
	colorError = 0xe74c3c
)

// discordMaxDescription is the embed description limit.
const discordMaxDescription = 4096

// DiscordNotifier posts messages to a Discord webhook as embeds.
type DiscordNotifier struct {
	webhookURL string
	username   string
	client     *http.Client
	now        func() time.Time
}

var _ Notifier = (*DiscordNotifier)(nil)

// NewDiscordNotifier creates a notifier for webhookURL. An empty URL makes
// Notify a no-op.
func NewDiscordNotifier(webhookURL, username string) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: webhookURL,
		username:   username,
		client:     &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp"`
}

type discordPayload struct {
	Username string         `json:"username,omitempty"`
	Embeds   []discordEmbed `json:"embeds"`
}

func (d *DiscordNotifier) Notify(ctx context.Context, msg Message) error {
	if d.webhookURL == "" {
		return nil
	}

	color := colorInfo
	switch msg.Level {
	case LevelWarn:
		color = colorWarn
	case LevelError:
		color = colorError
	}
	body := msg.Body
	if len(body) > discordMaxDescription {
		body = body[:discordMaxDescription-3] + "..."
	}

	data, err := json.Marshal(discordPayload{
		Username: d.username,
		Embeds: []discordEmbed{{
			Title:       msg.Title,
			Description: body,
			Color:       color,
			Timestamp:   d.now().UTC().Format(time.RFC3339),
		}},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting discord webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("discord returned status: %d", resp.StatusCode)
	}
	return nil
}

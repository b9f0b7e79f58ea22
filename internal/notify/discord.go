package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/repomon/internal/config"
	"github.com/fyrsmithlabs/repomon/internal/scanning"
)

// discordMessageLimit is Discord's hard cap per webhook message.
const discordMessageLimit = 2000

// Discord delivers notifications through an incoming webhook.
type Discord struct {
	webhookURL config.Secret
	http       *http.Client
}

// NewDiscord creates a notifier for the given webhook.
func NewDiscord(webhookURL config.Secret) *Discord {
	return &Discord{
		webhookURL: webhookURL,
		http:       &http.Client{Timeout: 15 * time.Second},
	}
}

// Name implements Notifier.
func (d *Discord) Name() string { return "discord" }

// Notify implements Notifier.
func (d *Discord) Notify(ctx context.Context, summary *scanning.RunSummary, newFindings []scanning.Finding) error {
	text := message(summary, newFindings)
	if len(text) > discordMessageLimit {
		text = text[:discordMessageLimit-4] + "\n..."
	}

	payload, err := json.Marshal(map[string]string{"content": text})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL.Value(), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("discord: webhook returned %d: %s", resp.StatusCode, body)
	}
	return nil
}

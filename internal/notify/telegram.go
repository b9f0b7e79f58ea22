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

const telegramAPIURL = "https://api.telegram.org"

// telegramMessageLimit is Telegram's hard cap per sendMessage call.
const telegramMessageLimit = 4096

// Telegram delivers notifications through the Bot API's sendMessage
// endpoint.
type Telegram struct {
	botToken config.Secret
	chatID   string
	baseURL  string
	http     *http.Client
}

// TelegramOption configures a Telegram notifier.
type TelegramOption func(*Telegram)

// WithTelegramBaseURL overrides the API endpoint, for tests.
func WithTelegramBaseURL(u string) TelegramOption {
	return func(t *Telegram) { t.baseURL = u }
}

// NewTelegram creates a notifier for the given bot and chat.
func NewTelegram(botToken config.Secret, chatID string, opts ...TelegramOption) *Telegram {
	t := &Telegram{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  telegramAPIURL,
		http:     &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name implements Notifier.
func (t *Telegram) Name() string { return "telegram" }

// Notify implements Notifier.
func (t *Telegram) Notify(ctx context.Context, summary *scanning.RunSummary, newFindings []scanning.Finding) error {
	text := message(summary, newFindings)
	if len(text) > telegramMessageLimit {
		text = text[:telegramMessageLimit-4] + "\n..."
	}

	payload, err := json.Marshal(map[string]string{
		"chat_id": t.chatID,
		"text":    text,
	})
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken.Value())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram: sendMessage returned %d: %s", resp.StatusCode, body)
	}
	return nil
}

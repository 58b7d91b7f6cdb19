package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Notification carries the disposition of one pipeline run.
type Notification struct {
	RunID     string
	CreatedAt time.Time
	Query     string
	Action    string
	Risk      float64
	FlagCount int
	Notes     []string
	TopTxnIDs []string
	Channels  []string
	Summary   string
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage with the rendered text.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Str("run_id", note.RunID).
		Str("action", note.Action).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("alert sent (telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Ledger Insight] %s\n", note.Action))
	builder.WriteString(fmt.Sprintf("Run: %s at %s UTC\n", note.RunID, note.CreatedAt.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Query: %s\n", note.Query))
	builder.WriteString(fmt.Sprintf("Risk: %.2f/100, flags: %d\n", note.Risk, note.FlagCount))
	if len(note.Notes) > 0 {
		builder.WriteString(fmt.Sprintf("Notes: %s\n", strings.Join(note.Notes, "; ")))
	}
	if len(note.TopTxnIDs) > 0 {
		builder.WriteString(fmt.Sprintf("Top transactions: %s\n", strings.Join(note.TopTxnIDs, ", ")))
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.Summary != "" {
		builder.WriteString("\n")
		builder.WriteString(note.Summary)
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)

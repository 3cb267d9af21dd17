// Package alerting delivers operator notifications for events that need a
// human: circuit breaker trips and conversions that exhausted their retry
// allowance.
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
	"github.com/shopspring/decimal"
)

// Event classifies a notification.
type Event string

const (
	EventCircuitTrip      Event = "circuit_trip"
	EventRetriesExhausted Event = "retries_exhausted"
)

// Notification carries the operator alert context.
type Notification struct {
	Event         Event
	Timestamp     time.Time
	TenantID      string
	Instrument    string
	TransactionID string
	Amount        decimal.Decimal
	Reason        string
	RetryCount    int
}

// Notifier delivers notifications to an operator channel.
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

// Notify sends the rendered message via the sendMessage endpoint.
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
		return fmt.Errorf("telegram responded %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().
		Str("event", string(note.Event)).
		Str("tenant_id", note.TenantID).
		Msg("operator alert sent")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	switch note.Event {
	case EventCircuitTrip:
		builder.WriteString("[Liquid ABT] Trading suspended\n")
	case EventRetriesExhausted:
		builder.WriteString("[Liquid ABT] Conversion abandoned\n")
	default:
		builder.WriteString("[Liquid ABT] Alert\n")
	}
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", note.Timestamp.UTC().Format(time.RFC3339)))
	if note.Instrument != "" {
		builder.WriteString(fmt.Sprintf("Instrument: %s\n", note.Instrument))
	}
	if note.TenantID != "" {
		builder.WriteString(fmt.Sprintf("Tenant: %s\n", note.TenantID))
	}
	if note.TransactionID != "" {
		builder.WriteString(fmt.Sprintf("Transaction: %s\n", note.TransactionID))
	}
	if note.Amount.Sign() > 0 {
		builder.WriteString(fmt.Sprintf("Amount: %s AUD\n", note.Amount.StringFixed(2)))
	}
	if note.RetryCount > 0 {
		builder.WriteString(fmt.Sprintf("Retries: %d\n", note.RetryCount))
	}
	if note.Reason != "" {
		builder.WriteString(fmt.Sprintf("Reason: %s\n", note.Reason))
	}
	return builder.String()
}

// NopNotifier discards notifications; used when alerting is not
// configured.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) error { return nil }

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = NopNotifier{}
)

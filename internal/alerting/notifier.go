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

	"liqguard/internal/domain"
)

// Kind classifies a policy event.
type Kind string

const (
	KindResolved     Kind = "resolved"
	KindExpired      Kind = "expired"
	KindPayoutFailed Kind = "payout_failed"
)

// Event describes a policy lifecycle change worth telling an operator about.
type Event struct {
	Kind          Kind
	PolicyID      string
	Asset         domain.Asset
	Side          domain.Side
	StrikePrice   decimal.Decimal
	Price         decimal.Decimal
	Coverage      decimal.Decimal
	SettlementRef string
	At            time.Time
	Detail        string
}

// Notifier delivers events.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// TelegramNotifier posts events through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier builds a Telegram notifier.
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

// Notify calls sendMessage with the rendered event.
func (n *TelegramNotifier) Notify(ctx context.Context, event Event) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(event),
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
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram returned ok=false")
	}

	n.logger.Info().
		Str("kind", string(event.Kind)).
		Str("policy_id", event.PolicyID).
		Msg("event sent to telegram")
	return nil
}

// LogNotifier writes events to the log. Used when no channel is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier builds a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	n.logger.Info().
		Str("kind", string(event.Kind)).
		Str("policy_id", event.PolicyID).
		Str("asset", string(event.Asset)).
		Str("strike", event.StrikePrice.String()).
		Str("price", event.Price.String()).
		Str("settlement_ref", event.SettlementRef).
		Msg("policy event")
	return nil
}

func renderMessage(event Event) string {
	b := strings.Builder{}
	fmt.Fprintf(&b, "[liqguard] policy %s %s\n", event.PolicyID, event.Kind)
	fmt.Fprintf(&b, "Time: %s UTC\n", event.At.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Asset: %s %s strike %s\n", event.Asset, event.Side, event.StrikePrice.String())
	if !event.Price.IsZero() {
		fmt.Fprintf(&b, "Price: %s\n", event.Price.String())
	}
	if !event.Coverage.IsZero() {
		fmt.Fprintf(&b, "Coverage: %s\n", event.Coverage.String())
	}
	if event.SettlementRef != "" {
		fmt.Fprintf(&b, "Settlement: %s\n", event.SettlementRef)
	}
	if event.Detail != "" {
		b.WriteString(event.Detail)
	}
	return b.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)

package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liqguard/internal/domain"
)

func sampleEvent() Event {
	return Event{
		Kind:          KindResolved,
		PolicyID:      "p-1",
		Asset:         domain.AssetBTC,
		Side:          domain.SidePut,
		StrikePrice:   decimal.NewFromInt(58000),
		Price:         decimal.RequireFromString("57990.5"),
		Coverage:      decimal.NewFromInt(1000),
		SettlementRef: "0xabc",
		At:            time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/bottoken/sendMessage"), r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	require.NoError(t, notifier.Notify(context.Background(), sampleEvent()))

	assert.Equal(t, "chat", received["chat_id"])
	assert.Contains(t, received["text"], "policy p-1 resolved")
	assert.Contains(t, received["text"], "Settlement: 0xabc")
	assert.Contains(t, received["text"], "2026-01-02T03:04:05Z")
}

func TestTelegramNotifierOKFalse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	require.Error(t, notifier.Notify(context.Background(), sampleEvent()))
}

func TestTelegramNotifierHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	err := notifier.Notify(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestRenderMessageOmitsEmptyFields(t *testing.T) {
	ev := sampleEvent()
	ev.Kind = KindExpired
	ev.Price = decimal.Zero
	ev.SettlementRef = ""
	msg := renderMessage(ev)
	assert.Contains(t, msg, "expired")
	assert.NotContains(t, msg, "Price:")
	assert.NotContains(t, msg, "Settlement:")
}

func TestLogNotifierNeverFails(t *testing.T) {
	require.NoError(t, NewLogNotifier(zerolog.Nop()).Notify(context.Background(), sampleEvent()))
}

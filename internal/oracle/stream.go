package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"liqguard/internal/domain"
)

// HermesStreamOptions parameterise the Pyth websocket subscription.
type HermesStreamOptions struct {
	URL              string
	HandshakeTimeout time.Duration
	ReconnectDelay   time.Duration
	FeedIDs          map[domain.Asset]string
}

// HermesStream consumes Pyth price_update pushes.
type HermesStream struct {
	opts   HermesStreamOptions
	logger zerolog.Logger
}

// NewHermesStream constructs a push-stream adapter.
func NewHermesStream(opts HermesStreamOptions, logger zerolog.Logger) *HermesStream {
	if opts.URL == "" {
		opts.URL = "wss://hermes.pyth.network/ws"
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 15 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	return &HermesStream{opts: opts, logger: logger.With().Str("component", "hermes_stream").Logger()}
}

// Subscribe streams samples until ctx is done, reconnecting on failures.
func (s *HermesStream) Subscribe(ctx context.Context, assets []domain.Asset, handle Handler) error {
	if len(assets) == 0 {
		return errors.New("no assets to subscribe")
	}

	byFeed := make(map[string]domain.Asset, len(assets))
	ids := make([]string, 0, len(assets))
	for _, asset := range assets {
		id := feedIDFor(s.opts.FeedIDs, asset)
		if id == "" {
			return fmt.Errorf("no pyth feed id for %s", asset)
		}
		byFeed[id] = asset
		ids = append(ids, id)
	}

	for {
		err := s.session(ctx, ids, byFeed, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn().Err(err).Dur("retry_in", s.opts.ReconnectDelay).Msg("hermes stream disconnected")

		timer := time.NewTimer(s.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *HermesStream) session(ctx context.Context, ids []string, byFeed map[string]domain.Asset, handle Handler) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: s.opts.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, s.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial hermes stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.WriteJSON(subscribeMessage{Type: "subscribe", IDs: ids}); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}
	s.logger.Info().Strs("feeds", ids).Msg("hermes stream subscribed")

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg streamMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.logger.Debug().Err(err).Msg("skip undecodable stream frame")
			continue
		}
		switch msg.Type {
		case "price_update":
		case "response":
			if msg.Status == "error" {
				return fmt.Errorf("hermes subscribe rejected: %s", msg.Error)
			}
			continue
		default:
			continue
		}
		if msg.PriceFeed == nil {
			continue
		}

		asset, ok := byFeed[strings.ToLower(strings.TrimPrefix(msg.PriceFeed.ID, "0x"))]
		if !ok {
			continue
		}
		raw, err := msg.PriceFeed.Price.raw()
		if err != nil {
			s.logger.Warn().Err(err).Str("asset", asset.String()).Msg("skip malformed price update")
			continue
		}
		handle(raw.Sample(asset, "pyth-stream"))
	}
}

type subscribeMessage struct {
	Type string   `json:"type"`
	IDs  []string `json:"ids"`
}

type streamMessage struct {
	Type      string      `json:"type"`
	Status    string      `json:"status,omitempty"`
	Error     string      `json:"error,omitempty"`
	PriceFeed *parsedFeed `json:"price_feed,omitempty"`
}

var _ Stream = (*HermesStream)(nil)

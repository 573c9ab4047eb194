package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"liqguard/internal/domain"
)

const hermesLatestPath = "/v2/updates/price/latest"

// HermesOptions parameterise the Pyth Hermes REST client.
type HermesOptions struct {
	BaseURL        string
	Timeout        time.Duration
	UserAgent      string
	RequestsPerSec float64
	FeedIDs        map[domain.Asset]string
}

// Hermes fetches Pyth prices over the Hermes REST API.
type Hermes struct {
	opts    HermesOptions
	logger  zerolog.Logger
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
}

// NewHermes constructs a Hermes client.
func NewHermes(opts HermesOptions, logger zerolog.Logger) *Hermes {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://hermes.pyth.network"
	}

	limit := rate.Inf
	if opts.RequestsPerSec > 0 {
		limit = rate.Limit(opts.RequestsPerSec)
	}

	return &Hermes{
		opts:    opts,
		logger:  logger.With().Str("component", "hermes_oracle").Logger(),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
		baseURL: baseURL,
	}
}

// Name identifies the adapter in samples and metrics.
func (h *Hermes) Name() string { return "pyth-hermes" }

// FetchLatest retrieves the latest parsed Pyth price for asset.
func (h *Hermes) FetchLatest(ctx context.Context, asset domain.Asset) (RawPrice, error) {
	feedID := feedIDFor(h.opts.FeedIDs, asset)
	if feedID == "" {
		return RawPrice{}, fmt.Errorf("no pyth feed id for %s", asset)
	}

	if err := h.limiter.Wait(ctx); err != nil {
		return RawPrice{}, err
	}

	query := url.Values{}
	query.Add("ids[]", feedID)
	query.Set("parsed", "true")
	endpoint := h.baseURL + hermesLatestPath + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return RawPrice{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(h.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "liqguard/1.0")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return RawPrice{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return RawPrice{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return RawPrice{}, parseHTTPError(resp.StatusCode, payload)
	}

	var body latestResponse
	if err := json.Unmarshal(payload, &body); err != nil {
		return RawPrice{}, fmt.Errorf("decode hermes response: %w", err)
	}

	for _, feed := range body.Parsed {
		if !strings.EqualFold(strings.TrimPrefix(feed.ID, "0x"), feedID) {
			continue
		}
		raw, err := feed.Price.raw()
		if err != nil {
			return RawPrice{}, fmt.Errorf("parse %s price: %w", asset, err)
		}
		h.logger.Debug().Str("asset", asset.String()).Int64("mantissa", raw.Mantissa).Int32("expo", raw.Exponent).Msg("hermes price fetched")
		return raw, nil
	}

	return RawPrice{}, errors.New("hermes response missing requested feed")
}

type latestResponse struct {
	Parsed []parsedFeed `json:"parsed"`
}

type parsedFeed struct {
	ID    string     `json:"id"`
	Price pythPrice  `json:"price"`
	EMA   *pythPrice `json:"ema_price,omitempty"`
}

type pythPrice struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

func (p pythPrice) raw() (RawPrice, error) {
	mantissa, err := strconv.ParseInt(p.Price, 10, 64)
	if err != nil {
		return RawPrice{}, fmt.Errorf("price mantissa: %w", err)
	}
	conf := decimal.Zero
	if p.Conf != "" {
		c, err := strconv.ParseUint(p.Conf, 10, 64)
		if err != nil {
			return RawPrice{}, fmt.Errorf("confidence: %w", err)
		}
		conf = decimal.New(int64(c), p.Expo)
	}
	if p.PublishTime <= 0 {
		return RawPrice{}, errors.New("missing publish_time")
	}
	return RawPrice{
		Mantissa:    mantissa,
		Exponent:    p.Expo,
		Confidence:  conf,
		PublishedAt: time.Unix(p.PublishTime, 0).UTC(),
	}, nil
}

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("hermes api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("hermes api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("hermes api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("hermes api error (%d)", status)
}

func feedIDFor(overrides map[domain.Asset]string, asset domain.Asset) string {
	if id, ok := overrides[asset]; ok && id != "" {
		return strings.ToLower(strings.TrimPrefix(id, "0x"))
	}
	return asset.PythFeedID()
}

var _ Source = (*Hermes)(nil)

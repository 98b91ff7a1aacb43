package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const hermesLatestPath = "/v2/updates/price/latest"

// PythOptions parameterise the Hermes price fetcher.
type PythOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	// Feeds maps token symbols to Pyth price feed IDs. Several symbols may
	// share one feed (wrapped assets track their underlying).
	Feeds map[string]string
}

// Pyth fetches price updates from the Pyth Hermes API.
type Pyth struct {
	opts    PythOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewPyth constructs a Hermes client.
func NewPyth(opts PythOptions, logger zerolog.Logger) *Pyth {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://hermes.pyth.network"
	}

	return &Pyth{
		opts:    opts,
		logger:  logger.With().Str("component", "pyth_oracle").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Prices fetches the latest price for every symbol in one Hermes request.
// The result is all-or-nothing: if any symbol cannot be priced the whole
// batch fails with ErrPriceUnavailable.
func (p *Pyth) Prices(ctx context.Context, symbols []string) (PriceTable, error) {
	if len(symbols) == 0 {
		return PriceTable{}, nil
	}

	// Deduplicate feed IDs while remembering which symbols each feed serves.
	feedSymbols := make(map[string][]string, len(symbols))
	var feedIDs []string
	for _, sym := range symbols {
		id, ok := p.opts.Feeds[sym]
		if !ok || id == "" {
			return nil, fmt.Errorf("%w: no feed configured for %s", ErrPriceUnavailable, sym)
		}
		norm := normalizeFeedID(id)
		if _, seen := feedSymbols[norm]; !seen {
			feedIDs = append(feedIDs, norm)
		}
		feedSymbols[norm] = append(feedSymbols[norm], sym)
	}

	query := url.Values{}
	for _, id := range feedIDs {
		query.Add("ids[]", id)
	}

	endpoint := p.baseURL + hermesLatestPath + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "lendwatch/1.0")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %v", ErrPriceUnavailable, parseHTTPError(resp.StatusCode, payload))
	}

	var parsed hermesResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode hermes payload: %v", ErrPriceUnavailable, err)
	}

	table := make(PriceTable, len(symbols))
	for _, update := range parsed.Parsed {
		point, err := update.point()
		if err != nil {
			p.logger.Warn().Str("feed_id", update.ID).Err(err).Msg("skipping unusable price update")
			continue
		}
		for _, sym := range feedSymbols[normalizeFeedID(update.ID)] {
			table[sym] = point
		}
	}

	var missing []string
	for _, sym := range symbols {
		if _, ok := table[sym]; !ok {
			missing = append(missing, sym)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: no usable update for %s", ErrPriceUnavailable, strings.Join(missing, ", "))
	}

	return table, nil
}

type hermesResponse struct {
	Parsed []hermesUpdate `json:"parsed"`
}

type hermesUpdate struct {
	ID    string `json:"id"`
	Price struct {
		Price       string `json:"price"`
		Conf        string `json:"conf"`
		Expo        int32  `json:"expo"`
		PublishTime int64  `json:"publish_time"`
	} `json:"price"`
}

// point converts the raw integer-and-exponent encoding into decimals.
func (u hermesUpdate) point() (PricePoint, error) {
	raw, err := decimal.NewFromString(u.Price.Price)
	if err != nil {
		return PricePoint{}, fmt.Errorf("parse price: %w", err)
	}
	price := raw.Shift(u.Price.Expo)
	if !price.IsPositive() {
		return PricePoint{}, fmt.Errorf("non-positive price %s", price)
	}

	conf := decimal.Zero
	if u.Price.Conf != "" {
		c, err := decimal.NewFromString(u.Price.Conf)
		if err != nil {
			return PricePoint{}, fmt.Errorf("parse conf: %w", err)
		}
		conf = c.Shift(u.Price.Expo)
	}

	return PricePoint{
		PriceUSD:    price,
		Confidence:  conf,
		PublishTime: time.Unix(u.Price.PublishTime, 0).UTC(),
	}, nil
}

func normalizeFeedID(id string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(id)), "0x")
}

type hermesError struct {
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr hermesError
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Message != "" {
		return fmt.Errorf("hermes api error (%d): %s", status, apiErr.Message)
	}
	if len(payload) > 0 {
		return fmt.Errorf("hermes api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("hermes api error (%d)", status)
}

var _ Oracle = (*Pyth)(nil)

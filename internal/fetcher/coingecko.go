package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Todd838/Coin-Insights/internal/market"
	"github.com/Todd838/Coin-Insights/internal/watchlist"
)

const coinGeckoMarketsPath = "/coins/markets"

// CoinGeckoOptions parameterise the CoinGecko markets poller.
type CoinGeckoOptions struct {
	BaseURL            string
	APIKey             string
	Pages              int
	PerPage            int
	PageDelay          time.Duration
	ChangeThresholdPct float64
	Timeout            time.Duration
}

// CoinGecko polls the /coins/markets endpoint and emits ticks for watchlist
// symbols whose price moved more than the configured relative threshold
// since the previous observation.
type CoinGecko struct {
	opts      CoinGeckoOptions
	logger    zerolog.Logger
	client    *http.Client
	baseURL   string
	source    WatchlistSource
	sink      market.TickSink
	threshold decimal.Decimal

	mu   sync.Mutex
	last map[string]decimal.Decimal // legacy symbol -> last emitted price
}

// NewCoinGecko constructs the poller.
func NewCoinGecko(opts CoinGeckoOptions, source WatchlistSource, sink market.TickSink, logger zerolog.Logger) *CoinGecko {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3"
	}
	if opts.Pages <= 0 {
		opts.Pages = 4
	}
	if opts.PerPage <= 0 {
		opts.PerPage = 250
	}

	return &CoinGecko{
		opts:      opts,
		logger:    logger.With().Str("component", "coingecko_poller").Logger(),
		client:    &http.Client{Timeout: timeout},
		baseURL:   baseURL,
		source:    source,
		sink:      sink,
		threshold: decimal.NewFromFloat(opts.ChangeThresholdPct),
		last:      make(map[string]decimal.Decimal),
	}
}

type geckoCoin struct {
	Symbol       string  `json:"symbol"`
	CurrentPrice float64 `json:"current_price"`
}

// Poll runs one polling cycle. Page-level failures are logged and skipped;
// the cycle continues with the next page.
func (g *CoinGecko) Poll(ctx context.Context) error {
	watch, err := g.source.CategoryUnion(watchlist.CategoryCoinGecko)
	if err != nil {
		return fmt.Errorf("collect watchlist symbols: %w", err)
	}
	if len(watch) == 0 {
		return nil
	}

	g.logger.Debug().Int("symbols", len(watch)).Msg("polling coingecko markets")

	emitted := 0
	for page := 1; page <= g.opts.Pages; page++ {
		coins, err := g.fetchPage(ctx, page)
		if err != nil {
			g.logger.Warn().Err(err).Int("page", page).Msg("coingecko page failed")
		} else {
			for _, coin := range coins {
				legacy := strings.ToUpper(coin.Symbol) + "USDT"
				if _, ok := watch[legacy]; !ok {
					continue
				}
				if g.emit(legacy, coin.CurrentPrice) {
					emitted++
				}
			}
		}

		if page < g.opts.Pages && g.opts.PageDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(g.opts.PageDelay):
			}
		}
	}

	if emitted > 0 {
		g.logger.Info().Int("updates", emitted).Msg("coingecko price updates emitted")
	}
	return nil
}

func (g *CoinGecko) fetchPage(ctx context.Context, page int) ([]geckoCoin, error) {
	query := url.Values{}
	query.Set("vs_currency", "usd")
	query.Set("order", "market_cap_desc")
	query.Set("per_page", fmt.Sprintf("%d", g.opts.PerPage))
	query.Set("page", fmt.Sprintf("%d", page))
	query.Set("sparkline", "false")

	endpoint := g.baseURL + coinGeckoMarketsPath + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if g.opts.APIKey != "" {
		req.Header.Set("x-cg-demo-api-key", g.opts.APIKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("coingecko api error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var coins []geckoCoin
	if err := json.NewDecoder(resp.Body).Decode(&coins); err != nil {
		return nil, fmt.Errorf("decode markets page: %w", err)
	}
	return coins, nil
}

// emit publishes a tick when the price moved more than the threshold (or on
// first sight), updating the last-seen cache. The cache grows with the
// symbol universe and is never evicted.
func (g *CoinGecko) emit(legacy string, price float64) bool {
	if price <= 0 {
		return false
	}
	current := decimal.NewFromFloat(price)

	g.mu.Lock()
	previous, seen := g.last[legacy]
	if seen && !previous.IsZero() {
		changePct := current.Sub(previous).Abs().Div(previous).Mul(decimal.NewFromInt(100))
		if !changePct.GreaterThan(g.threshold) {
			g.mu.Unlock()
			return false
		}
	}
	g.last[legacy] = current
	g.mu.Unlock()

	if g.sink != nil {
		g.sink.PublishTicks([]market.Tick{{
			Symbol: legacy,
			Price:  price,
			TS:     time.Now().UnixMilli(),
		}})
	}
	return true
}

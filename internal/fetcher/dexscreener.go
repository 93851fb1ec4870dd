package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Todd838/Coin-Insights/internal/market"
	"github.com/Todd838/Coin-Insights/internal/watchlist"
)

const dexSearchPath = "/latest/dex/search"

// DexScreenerOptions parameterise the DexScreener search poller.
type DexScreenerOptions struct {
	BaseURL            string
	RequestDelay       time.Duration
	MinLiquidityUSD    float64
	ChangeThresholdPct float64
	Timeout            time.Duration
}

// DexScreener polls prices for DEX-only tokens in the Dex/OnChain category.
// Symbols already spelled as USDT pairs are covered by the live feed and
// skipped here.
type DexScreener struct {
	opts      DexScreenerOptions
	logger    zerolog.Logger
	client    *http.Client
	baseURL   string
	source    WatchlistSource
	sink      market.TickSink
	threshold decimal.Decimal

	mu   sync.Mutex
	last map[string]decimal.Decimal
}

// NewDexScreener constructs the poller.
func NewDexScreener(opts DexScreenerOptions, source WatchlistSource, sink market.TickSink, logger zerolog.Logger) *DexScreener {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.dexscreener.com"
	}

	return &DexScreener{
		opts:      opts,
		logger:    logger.With().Str("component", "dexscreener_poller").Logger(),
		client:    &http.Client{Timeout: timeout},
		baseURL:   baseURL,
		source:    source,
		sink:      sink,
		threshold: decimal.NewFromFloat(opts.ChangeThresholdPct),
		last:      make(map[string]decimal.Decimal),
	}
}

type dexPair struct {
	DexID     string `json:"dexId"`
	PriceUSD  string `json:"priceUsd"`
	Liquidity struct {
		USD float64 `json:"usd"`
	} `json:"liquidity"`
}

type dexSearchResponse struct {
	Pairs []dexPair `json:"pairs"`
}

// Poll runs one polling cycle. Per-symbol failures are logged and skipped.
func (d *DexScreener) Poll(ctx context.Context) error {
	union, err := d.source.CategoryUnion(watchlist.CategoryDex)
	if err != nil {
		return fmt.Errorf("collect watchlist symbols: %w", err)
	}

	syms := make([]string, 0, len(union))
	for sym := range union {
		if strings.HasSuffix(sym, "USDT") {
			continue
		}
		syms = append(syms, sym)
	}
	if len(syms) == 0 {
		return nil
	}
	sort.Strings(syms)

	d.logger.Debug().Int("symbols", len(syms)).Msg("polling dexscreener")

	for i, sym := range syms {
		price, dexID, err := d.lookup(ctx, sym)
		if err != nil {
			d.logger.Warn().Err(err).Str("symbol", sym).Msg("dexscreener lookup failed")
		} else if d.emit(sym, price) {
			d.logger.Debug().Str("symbol", sym).Str("dex", dexID).Str("price", price.String()).Msg("dex price update")
		}

		if i < len(syms)-1 && d.opts.RequestDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.opts.RequestDelay):
			}
		}
	}
	return nil
}

// lookup returns the price of the highest-liquidity pair above the minimum
// liquidity floor.
func (d *DexScreener) lookup(ctx context.Context, symbol string) (decimal.Decimal, string, error) {
	endpoint := d.baseURL + dexSearchPath + "?q=" + url.QueryEscape(symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return decimal.Decimal{}, "", fmt.Errorf("dexscreener api error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result dexSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return decimal.Decimal{}, "", fmt.Errorf("decode search response: %w", err)
	}

	var best *dexPair
	for i := range result.Pairs {
		pair := &result.Pairs[i]
		if pair.Liquidity.USD < d.opts.MinLiquidityUSD {
			continue
		}
		if best == nil || pair.Liquidity.USD > best.Liquidity.USD {
			best = pair
		}
	}
	if best == nil {
		return decimal.Decimal{}, "", fmt.Errorf("no pair above %.0f USD liquidity", d.opts.MinLiquidityUSD)
	}

	price, err := decimal.NewFromString(best.PriceUSD)
	if err != nil {
		return decimal.Decimal{}, "", fmt.Errorf("parse price %q: %w", best.PriceUSD, err)
	}
	if !price.IsPositive() {
		return decimal.Decimal{}, "", fmt.Errorf("non-positive price %s", price)
	}
	return price, best.DexID, nil
}

func (d *DexScreener) emit(symbol string, price decimal.Decimal) bool {
	d.mu.Lock()
	previous, seen := d.last[symbol]
	if seen && !previous.IsZero() {
		changePct := price.Sub(previous).Abs().Div(previous).Mul(decimal.NewFromInt(100))
		if !changePct.GreaterThan(d.threshold) {
			d.mu.Unlock()
			return false
		}
	}
	d.last[symbol] = price
	d.mu.Unlock()

	if d.sink != nil {
		d.sink.PublishTicks([]market.Tick{{
			Symbol: symbol,
			Price:  price.InexactFloat64(),
			TS:     time.Now().UnixMilli(),
		}})
	}
	return true
}

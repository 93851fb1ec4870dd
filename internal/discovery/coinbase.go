package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Todd838/Coin-Insights/internal/symbols"
	"github.com/Todd838/Coin-Insights/internal/watchlist"
)

// CoinbaseOptions parameterise the Coinbase listing detector.
type CoinbaseOptions struct {
	BaseURL string
	DataDir string
	AutoAdd bool
	Timeout time.Duration
}

// Coinbase polls the public products endpoint and records USD spot products
// that were not present in earlier cycles. Like the Binance detector, the
// history file doubles as the persisted seen set.
type Coinbase struct {
	opts    CoinbaseOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	adder   WatchAdder

	mu     sync.Mutex
	seen   map[string]struct{}
	primed bool
	seeded bool
}

// NewCoinbase constructs the detector.
func NewCoinbase(opts CoinbaseOptions, adder WatchAdder, logger zerolog.Logger) *Coinbase {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.coinbase.com"
	}
	return &Coinbase{
		opts:    opts,
		logger:  logger.With().Str("component", "coinbase_detector").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		adder:   adder,
		seen:    make(map[string]struct{}),
	}
}

type coinbaseProducts struct {
	Products []struct {
		ProductID     string `json:"product_id"`
		Status        string `json:"status"`
		ProductType   string `json:"product_type"`
		BaseCurrency  string `json:"base_currency_id"`
		QuoteCurrency string `json:"quote_currency_id"`
	} `json:"products"`
}

func (c *Coinbase) ensureSeeded() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seeded {
		return nil
	}
	doc, err := ReadListings(filepath.Join(c.opts.DataDir, CoinbaseFile))
	if err != nil {
		return err
	}
	for _, item := range doc.Items {
		if item.Symbol != "" {
			c.seen[item.Symbol] = struct{}{}
		}
	}
	if len(doc.Items) > 0 {
		c.primed = true
	}
	c.seeded = true
	return nil
}

// Poll runs one detection cycle.
func (c *Coinbase) Poll(ctx context.Context) error {
	if err := c.ensureSeeded(); err != nil {
		return err
	}
	listed, err := c.fetchProducts(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	firstRun := !c.primed
	var fresh []Listing
	for _, item := range listed {
		if _, ok := c.seen[item.Symbol]; !ok {
			c.seen[item.Symbol] = struct{}{}
			fresh = append(fresh, item)
		}
	}
	c.primed = true
	c.mu.Unlock()

	if firstRun {
		c.logger.Info().Int("products", len(fresh)).Msg("coinbase listing baseline recorded")
		return c.record(fresh, true)
	}
	if len(fresh) == 0 {
		return nil
	}

	names := make([]string, len(fresh))
	for i, item := range fresh {
		names[i] = item.Symbol
	}
	c.logger.Info().Strs("products", names).Msg("new coinbase listings detected")
	return c.record(fresh, false)
}

func (c *Coinbase) fetchProducts(ctx context.Context) ([]Listing, error) {
	endpoint := c.baseURL + "/api/v3/brokerage/market/products"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("coinbase api error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result coinbaseProducts
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode products: %w", err)
	}

	var out []Listing
	for _, product := range result.Products {
		if !strings.HasSuffix(product.ProductID, "-USD") {
			continue
		}
		if product.Status != "online" || product.ProductType != "SPOT" {
			continue
		}
		base := product.BaseCurrency
		if base == "" {
			base = strings.TrimSuffix(product.ProductID, "-USD")
		}
		quote := product.QuoteCurrency
		if quote == "" {
			quote = "USD"
		}
		out = append(out, Listing{
			Symbol:     product.ProductID,
			BaseAsset:  base,
			QuoteAsset: quote,
			Status:     product.Status,
		})
	}
	return out, nil
}

func (c *Coinbase) record(fresh []Listing, baseline bool) error {
	if len(fresh) == 0 {
		return nil
	}
	path := filepath.Join(c.opts.DataDir, CoinbaseFile)
	doc, err := ReadListings(path)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	entries := make([]Listing, 0, len(fresh)+len(doc.Items))
	for _, item := range fresh {
		item.Source = "coinbase"
		item.SeenAt = now
		entries = append(entries, item)
	}
	entries = append(entries, doc.Items...)

	if err := WriteListings(path, entries); err != nil {
		return err
	}

	if baseline || !c.opts.AutoAdd || c.adder == nil {
		return nil
	}
	for _, item := range fresh {
		legacy := symbols.ToLegacy(item.Symbol)
		if _, _, err := c.adder.Add("", legacy, watchlist.CategoryCoinbase); err != nil {
			c.logger.Warn().Err(err).Str("symbol", legacy).Msg("auto-add to watchlist failed")
		}
	}
	return nil
}

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

	"github.com/Todd838/Coin-Insights/internal/watchlist"
)

// WatchAdder appends auto-discovered symbols to the shared watchlist.
type WatchAdder interface {
	Add(userID, symbol, category string) (string, bool, error)
}

// BinanceOptions parameterise the Binance listing detector.
type BinanceOptions struct {
	BaseURL string
	DataDir string
	AutoAdd bool
	Timeout time.Duration
}

// Binance polls the exchangeInfo endpoint and records USDT spot pairs that
// were not present in earlier cycles. The seen set survives restarts: the
// history file is the persisted form, and the first cycle against an empty
// file writes the full universe as the baseline so a later run only reports
// genuinely new pairs.
type Binance struct {
	opts    BinanceOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	adder   WatchAdder

	mu     sync.Mutex
	seen   map[string]struct{}
	primed bool
	seeded bool
}

// NewBinance constructs the detector.
func NewBinance(opts BinanceOptions, adder WatchAdder, logger zerolog.Logger) *Binance {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.binance.com"
	}
	return &Binance{
		opts:    opts,
		logger:  logger.With().Str("component", "binance_detector").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		adder:   adder,
		seen:    make(map[string]struct{}),
	}
}

type binanceExchangeInfo struct {
	Symbols []struct {
		Symbol     string `json:"symbol"`
		Status     string `json:"status"`
		BaseAsset  string `json:"baseAsset"`
		QuoteAsset string `json:"quoteAsset"`
		IsSpot     bool   `json:"isSpotTradingAllowed"`
	} `json:"symbols"`
}

// ensureSeeded loads the persisted history into the seen set once. A
// non-empty history counts as the baseline, so pairs listed while the
// process was down are reported as new on the next cycle.
func (b *Binance) ensureSeeded() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.seeded {
		return nil
	}
	doc, err := ReadListings(filepath.Join(b.opts.DataDir, BinanceFile))
	if err != nil {
		return err
	}
	for _, item := range doc.Items {
		if item.Symbol != "" {
			b.seen[item.Symbol] = struct{}{}
		}
	}
	if len(doc.Items) > 0 {
		b.primed = true
	}
	b.seeded = true
	return nil
}

// Poll runs one detection cycle.
func (b *Binance) Poll(ctx context.Context) error {
	if err := b.ensureSeeded(); err != nil {
		return err
	}
	listed, err := b.fetchSymbols(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	firstRun := !b.primed
	var fresh []Listing
	for _, item := range listed {
		if _, ok := b.seen[item.Symbol]; !ok {
			b.seen[item.Symbol] = struct{}{}
			fresh = append(fresh, item)
		}
	}
	b.primed = true
	b.mu.Unlock()

	if firstRun {
		b.logger.Info().Int("symbols", len(fresh)).Msg("binance listing baseline recorded")
		return b.record(fresh, true)
	}
	if len(fresh) == 0 {
		return nil
	}

	names := make([]string, len(fresh))
	for i, item := range fresh {
		names[i] = item.Symbol
	}
	b.logger.Info().Strs("symbols", names).Msg("new binance listings detected")
	return b.record(fresh, false)
}

func (b *Binance) fetchSymbols(ctx context.Context) ([]Listing, error) {
	endpoint := b.baseURL + "/api/v3/exchangeInfo"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnavailableForLegalReasons {
		return nil, fmt.Errorf("binance exchangeInfo blocked in this region (451)")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("binance api error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var info binanceExchangeInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode exchangeInfo: %w", err)
	}

	var out []Listing
	for _, sym := range info.Symbols {
		if sym.QuoteAsset != "USDT" || sym.Status != "TRADING" || !sym.IsSpot {
			continue
		}
		out = append(out, Listing{
			Symbol:     sym.Symbol,
			BaseAsset:  sym.BaseAsset,
			QuoteAsset: sym.QuoteAsset,
			Status:     sym.Status,
		})
	}
	return out, nil
}

// record prepends the new listings to the history file and, outside the
// baseline cycle, optionally adds them to the shared watchlist.
func (b *Binance) record(fresh []Listing, baseline bool) error {
	if len(fresh) == 0 {
		return nil
	}
	path := filepath.Join(b.opts.DataDir, BinanceFile)
	doc, err := ReadListings(path)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	entries := make([]Listing, 0, len(fresh)+len(doc.Items))
	for _, item := range fresh {
		item.Source = "binance"
		item.SeenAt = now
		entries = append(entries, item)
	}
	entries = append(entries, doc.Items...)

	if err := WriteListings(path, entries); err != nil {
		return err
	}

	if baseline || !b.opts.AutoAdd || b.adder == nil {
		return nil
	}
	for _, item := range fresh {
		if _, _, err := b.adder.Add("", item.Symbol, watchlist.CategoryCoinGecko); err != nil {
			b.logger.Warn().Err(err).Str("symbol", item.Symbol).Msg("auto-add to watchlist failed")
		}
	}
	return nil
}

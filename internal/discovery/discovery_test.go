package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

type recordingAdder struct {
	added []string
}

func (r *recordingAdder) Add(userID, symbol, category string) (string, bool, error) {
	r.added = append(r.added, category+":"+symbol)
	return symbol, true, nil
}

func TestReadListingsMissingFile(t *testing.T) {
	doc, err := ReadListings(filepath.Join(t.TempDir(), "none.json"))
	if err != nil {
		t.Fatalf("ReadListings: %v", err)
	}
	if doc.Items == nil || len(doc.Items) != 0 {
		t.Fatalf("missing file should yield empty items, got %+v", doc.Items)
	}
}

func TestWriteListingsCapsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "listings.json")
	items := make([]Listing, HistoryCap+40)
	for i := range items {
		items[i] = Listing{Symbol: fmt.Sprintf("SYM%dUSDT", i), Source: "binance"}
	}
	if err := WriteListings(path, items); err != nil {
		t.Fatalf("WriteListings: %v", err)
	}

	doc, err := ReadListings(path)
	if err != nil {
		t.Fatalf("ReadListings: %v", err)
	}
	if len(doc.Items) != HistoryCap {
		t.Fatalf("items = %d, want %d", len(doc.Items), HistoryCap)
	}
	if doc.Items[0].Symbol != "SYM0USDT" {
		t.Errorf("head = %q, 应保留最新条目", doc.Items[0].Symbol)
	}
	if doc.UpdatedAt == "" {
		t.Error("UpdatedAt should be set")
	}
}

func TestBinanceDetectsOnlyNewListings(t *testing.T) {
	extra := ""
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/exchangeInfo" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"symbols":[
			{"symbol":"BTCUSDT","status":"TRADING","baseAsset":"BTC","quoteAsset":"USDT","isSpotTradingAllowed":true},
			{"symbol":"ETHBTC","status":"TRADING","baseAsset":"ETH","quoteAsset":"BTC","isSpotTradingAllowed":true},
			{"symbol":"OLDUSDT","status":"BREAK","baseAsset":"OLD","quoteAsset":"USDT","isSpotTradingAllowed":true}
			%s]}`, extra)
	}))
	defer server.Close()

	dir := t.TempDir()
	adder := &recordingAdder{}
	detector := NewBinance(BinanceOptions{BaseURL: server.URL, DataDir: dir, AutoAdd: true}, adder, zerolog.Nop())

	ctx := context.Background()
	if err := detector.Poll(ctx); err != nil {
		t.Fatalf("baseline Poll: %v", err)
	}
	doc, err := ReadListings(filepath.Join(dir, BinanceFile))
	if err != nil {
		t.Fatalf("ReadListings: %v", err)
	}
	// Baseline is written so a restart can diff against it, but it is not
	// treated as new listings.
	if len(doc.Items) != 1 || doc.Items[0].Symbol != "BTCUSDT" {
		t.Fatalf("baseline items = %+v, want exactly BTCUSDT", doc.Items)
	}
	if len(adder.added) != 0 {
		t.Fatalf("baseline cycle must not auto-add, got %v", adder.added)
	}

	extra = `,{"symbol":"NEWUSDT","status":"TRADING","baseAsset":"NEW","quoteAsset":"USDT","isSpotTradingAllowed":true}`
	if err := detector.Poll(ctx); err != nil {
		t.Fatalf("second Poll: %v", err)
	}

	doc, err = ReadListings(filepath.Join(dir, BinanceFile))
	if err != nil {
		t.Fatalf("ReadListings: %v", err)
	}
	if len(doc.Items) != 2 || doc.Items[0].Symbol != "NEWUSDT" {
		t.Fatalf("items = %+v, want NEWUSDT first", doc.Items)
	}
	entry := doc.Items[0]
	if entry.Source != "binance" || entry.SeenAt == "" {
		t.Errorf("entry missing metadata: %+v", entry)
	}
	if entry.BaseAsset != "NEW" || entry.QuoteAsset != "USDT" || entry.Status != "TRADING" {
		t.Errorf("entry 缺少 base/quote/status 字段: %+v", entry)
	}
	if len(adder.added) != 1 || adder.added[0] != "CoinGecko:NEWUSDT" {
		t.Fatalf("auto-add = %v, want CoinGecko:NEWUSDT", adder.added)
	}

	// Unchanged universe, nothing new to report.
	if err := detector.Poll(ctx); err != nil {
		t.Fatalf("third Poll: %v", err)
	}
	doc, _ = ReadListings(filepath.Join(dir, BinanceFile))
	if len(doc.Items) != 2 {
		t.Fatalf("repeat cycle must not duplicate, got %d items", len(doc.Items))
	}
}

func TestBinanceDetectsListingsAcrossRestart(t *testing.T) {
	extra := ""
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"symbols":[
			{"symbol":"BTCUSDT","status":"TRADING","baseAsset":"BTC","quoteAsset":"USDT","isSpotTradingAllowed":true}
			%s]}`, extra)
	}))
	defer server.Close()

	dir := t.TempDir()
	first := NewBinance(BinanceOptions{BaseURL: server.URL, DataDir: dir}, nil, zerolog.Nop())
	if err := first.Poll(context.Background()); err != nil {
		t.Fatalf("baseline Poll: %v", err)
	}

	// The pair lists while the process is down; a fresh detector instance
	// must pick it up on its very first cycle from the persisted history.
	extra = `,{"symbol":"GAPUSDT","status":"TRADING","baseAsset":"GAP","quoteAsset":"USDT","isSpotTradingAllowed":true}`
	second := NewBinance(BinanceOptions{BaseURL: server.URL, DataDir: dir}, nil, zerolog.Nop())
	if err := second.Poll(context.Background()); err != nil {
		t.Fatalf("restart Poll: %v", err)
	}

	doc, err := ReadListings(filepath.Join(dir, BinanceFile))
	if err != nil {
		t.Fatalf("ReadListings: %v", err)
	}
	if len(doc.Items) != 2 || doc.Items[0].Symbol != "GAPUSDT" {
		t.Fatalf("items = %+v, 重启后应检测到停机期间的新上市", doc.Items)
	}
}

func TestBinanceRegionBlock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnavailableForLegalReasons)
	}))
	defer server.Close()

	detector := NewBinance(BinanceOptions{BaseURL: server.URL, DataDir: t.TempDir()}, nil, zerolog.Nop())
	err := detector.Poll(context.Background())
	if err == nil {
		t.Fatal("expected an error for HTTP 451")
	}
}

func TestCoinbaseDetectsNewProducts(t *testing.T) {
	extra := ""
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/brokerage/market/products" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"products":[
			{"product_id":"BTC-USD","status":"online","product_type":"SPOT","base_currency_id":"BTC","quote_currency_id":"USD"},
			{"product_id":"ETH-EUR","status":"online","product_type":"SPOT","base_currency_id":"ETH","quote_currency_id":"EUR"},
			{"product_id":"DEAD-USD","status":"delisted","product_type":"SPOT","base_currency_id":"DEAD","quote_currency_id":"USD"}
			%s]}`, extra)
	}))
	defer server.Close()

	dir := t.TempDir()
	adder := &recordingAdder{}
	detector := NewCoinbase(CoinbaseOptions{BaseURL: server.URL, DataDir: dir, AutoAdd: true}, adder, zerolog.Nop())

	ctx := context.Background()
	if err := detector.Poll(ctx); err != nil {
		t.Fatalf("baseline Poll: %v", err)
	}
	if len(adder.added) != 0 {
		t.Fatalf("baseline cycle must not auto-add, got %v", adder.added)
	}

	extra = `,{"product_id":"WIF-USD","status":"online","product_type":"SPOT","base_currency_id":"WIF","quote_currency_id":"USD"}`
	if err := detector.Poll(ctx); err != nil {
		t.Fatalf("second Poll: %v", err)
	}

	doc, err := ReadListings(filepath.Join(dir, CoinbaseFile))
	if err != nil {
		t.Fatalf("ReadListings: %v", err)
	}
	if len(doc.Items) != 2 || doc.Items[0].Symbol != "WIF-USD" {
		t.Fatalf("items = %+v, want WIF-USD first", doc.Items)
	}
	entry := doc.Items[0]
	if entry.BaseAsset != "WIF" || entry.QuoteAsset != "USD" || entry.Status != "online" {
		t.Errorf("entry 缺少 base/quote/status 字段: %+v", entry)
	}
	if len(adder.added) != 1 || adder.added[0] != "CoinBase:WIFUSDT" {
		t.Fatalf("auto-add = %v, want the legacy form in the CoinBase category", adder.added)
	}
}

package service

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Todd838/Coin-Insights/internal/config"
	"github.com/Todd838/Coin-Insights/internal/market"
	"github.com/Todd838/Coin-Insights/internal/watchlist"
)

type fakeFeed struct {
	tracked      map[string]struct{}
	resubscribes int
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{tracked: make(map[string]struct{})}
}

func (f *fakeFeed) Track(products ...string) bool {
	grew := false
	for _, p := range products {
		if _, ok := f.tracked[p]; !ok {
			f.tracked[p] = struct{}{}
			grew = true
		}
	}
	return grew
}

func (f *fakeFeed) Tracked() []string {
	out := make([]string, 0, len(f.tracked))
	for p := range f.tracked {
		out = append(out, p)
	}
	return out
}

func (f *fakeFeed) Resubscribe()                  { f.resubscribes++ }
func (f *fakeFeed) Run(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }

func testConfig(t *testing.T, autoPromote bool) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Data.Dir = t.TempDir()
	cfg.Analytics.AutoPromote = autoPromote
	cfg.Coinbase.WSURL = "ws://localhost:0"
	cfg.Analytics.URL = "ws://localhost:0"
	return cfg
}

func newTestService(t *testing.T, autoPromote bool) (*Service, *fakeFeed, *watchlist.Store) {
	t.Helper()
	cfg := testConfig(t, autoPromote)
	store := watchlist.NewStore(cfg.Data.Dir, zerolog.Nop())

	svc, err := New(Options{Config: cfg, Store: store}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	feed := newFakeFeed()
	svc.feed = feed
	return svc, feed, store
}

func TestExplosiveAlertPromotesOnce(t *testing.T) {
	svc, feed, store := newTestService(t, true)

	raw := []byte(`{"type":"alerts","alerts":[{"symbol":"PEPEUSDT","level":"EXPLOSIVE","vol5m":12.5}]}`)
	svc.handleAlerts(raw, []market.Alert{{Symbol: "PEPEUSDT", Level: market.LevelExplosive, Vol5m: 12.5}})

	doc, err := store.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	gecko := doc.Categories[watchlist.CategoryCoinGecko]
	if len(gecko) != 1 || gecko[0] != "PEPEUSDT" {
		t.Fatalf("CoinGecko category = %v, want exactly PEPEUSDT", gecko)
	}
	if _, ok := feed.tracked["PEPE-USD"]; !ok {
		t.Error("promoted symbol should be tracked in venue form")
	}
	if feed.resubscribes != 1 {
		t.Fatalf("resubscribes = %d, want exactly 1", feed.resubscribes)
	}

	// Same alert again: symbol already persisted, no second append and no
	// second resubscription.
	svc.handleAlerts(raw, []market.Alert{{Symbol: "PEPEUSDT", Level: market.LevelExplosive, Vol5m: 12.5}})
	doc, _ = store.Load("")
	if len(doc.Categories[watchlist.CategoryCoinGecko]) != 1 {
		t.Error("重复告警不应重复写入")
	}
	if feed.resubscribes != 1 {
		t.Errorf("resubscribes = %d after duplicate alert, want 1", feed.resubscribes)
	}
}

func TestLowAlertDoesNotPromote(t *testing.T) {
	svc, feed, store := newTestService(t, true)

	svc.handleAlerts([]byte(`{"type":"alerts","alerts":[]}`),
		[]market.Alert{{Symbol: "BTCUSDT", Level: market.LevelLow}})

	doc, _ := store.Load("")
	if len(doc.Categories[watchlist.CategoryCoinGecko]) != 0 {
		t.Error("LOW alerts must not touch the watchlist")
	}
	if feed.resubscribes != 0 {
		t.Errorf("resubscribes = %d, want 0", feed.resubscribes)
	}
}

func TestAutoPromoteDisabled(t *testing.T) {
	svc, feed, store := newTestService(t, false)

	svc.handleAlerts([]byte(`{}`),
		[]market.Alert{{Symbol: "PEPEUSDT", Level: market.LevelExplosive}})

	doc, _ := store.Load("")
	if len(doc.Categories[watchlist.CategoryCoinGecko]) != 0 {
		t.Error("promotion disabled, watchlist must stay empty")
	}
	if feed.resubscribes != 0 {
		t.Errorf("resubscribes = %d, want 0", feed.resubscribes)
	}
}

func TestAlertsRelayedVerbatim(t *testing.T) {
	svc, _, _ := newTestService(t, false)

	server := httptest.NewServer(svc.Hub().Handler())
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial hub: %v", err)
	}
	defer conn.Close()
	time.Sleep(50 * time.Millisecond)

	raw := []byte(`{"type":"alerts","alerts":[{"symbol":"BTCUSDT","level":"HOT"}],"engineVersion":"7"}`)
	svc.handleAlerts(raw, []market.Alert{{Symbol: "BTCUSDT", Level: market.LevelHot}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, got, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(raw) {
		t.Fatalf("relay altered the frame:\n got %s\nwant %s", got, raw)
	}
}

func TestPublishTicksBroadcastsPricesEnvelope(t *testing.T) {
	svc, _, _ := newTestService(t, false)

	server := httptest.NewServer(svc.Hub().Handler())
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial hub: %v", err)
	}
	defer conn.Close()
	time.Sleep(50 * time.Millisecond)

	svc.PublishTicks([]market.Tick{{Symbol: "BTCUSDT", Price: 65000, TS: 1700000000000}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, got, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var msg market.PricesMessage
	if err := json.Unmarshal(got, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != "prices" || len(msg.Updates) != 1 || msg.Updates[0].Symbol != "BTCUSDT" {
		t.Fatalf("message = %+v", msg)
	}
}

func TestRunReturnsWhenListenerPortTaken(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	svc, _, _ := newTestService(t, false)
	svc.cfg.Server.WSPort = port
	svc.cfg.Server.HTTPPort = port

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Run must surface the bind failure")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run 未在端口占用后退出")
	}
}

func TestStartupProductsMergeConfigAndWatchlist(t *testing.T) {
	cfg := testConfig(t, true)
	cfg.Coinbase.Products = []string{"BTC-USD", "ETH-USD"}
	store := watchlist.NewStore(cfg.Data.Dir, zerolog.Nop())
	if _, _, err := store.Add("", "SOLUSDT", watchlist.CategoryCoinGecko); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.Add("", "BTCUSDT", watchlist.CategoryCoinbase); err != nil {
		t.Fatal(err)
	}

	svc, err := New(Options{Config: cfg, Store: store}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tracked := make(map[string]struct{})
	for _, product := range svc.Feed().Tracked() {
		tracked[product] = struct{}{}
	}
	for _, want := range []string{"BTC-USD", "ETH-USD", "SOL-USD"} {
		if _, ok := tracked[want]; !ok {
			t.Errorf("missing %s in tracked set: %v", want, tracked)
		}
	}
	if len(tracked) != 3 {
		t.Errorf("tracked = %v, duplicates should collapse", tracked)
	}
}

package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Todd838/Coin-Insights/internal/market"
)

type captureSink struct {
	mu    sync.Mutex
	ticks []market.Tick
}

func (s *captureSink) PublishTicks(ticks []market.Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks = append(s.ticks, ticks...)
}

func (s *captureSink) all() []market.Tick {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]market.Tick{}, s.ticks...)
}

func tickerFrame(product, price string) []byte {
	raw, _ := json.Marshal(map[string]any{
		"channel": "ticker",
		"events": []map[string]any{
			{
				"type": "update",
				"tickers": []map[string]string{
					{"product_id": product, "price": price},
				},
			},
		},
	})
	return raw
}

func TestHandleMessageNormalizesTrackedTicker(t *testing.T) {
	c := New(Options{URL: "ws://unused"}, []string{"BTC-USD"}, nil, zerolog.Nop())

	ticks := c.handleMessage(tickerFrame("BTC-USD", "50123.45"), time.UnixMilli(1700000000000))
	if len(ticks) != 1 {
		t.Fatalf("ticks = %v, want one", ticks)
	}
	if ticks[0].Symbol != "BTCUSDT" {
		t.Errorf("symbol = %q, want legacy BTCUSDT", ticks[0].Symbol)
	}
	if ticks[0].Price != 50123.45 {
		t.Errorf("price = %v", ticks[0].Price)
	}
	if ticks[0].TS != 1700000000000 {
		t.Errorf("ts = %v", ticks[0].TS)
	}
}

func TestHandleMessageDropsUntrackedProduct(t *testing.T) {
	c := New(Options{URL: "ws://unused"}, []string{"BTC-USD"}, nil, zerolog.Nop())

	if ticks := c.handleMessage(tickerFrame("ETH-USD", "3000"), time.Now()); len(ticks) != 0 {
		t.Fatalf("untracked product should be dropped, got %v", ticks)
	}

	c.Untrack("BTC-USD")
	if ticks := c.handleMessage(tickerFrame("BTC-USD", "50000"), time.Now()); len(ticks) != 0 {
		t.Fatalf("removed product should be dropped, got %v", ticks)
	}
}

func TestHandleMessageRejectsBadPrices(t *testing.T) {
	c := New(Options{URL: "ws://unused"}, []string{"BTC-USD"}, nil, zerolog.Nop())

	for _, price := range []string{"", "abc", "0", "-1", "NaN", "Inf"} {
		if ticks := c.handleMessage(tickerFrame("BTC-USD", price), time.Now()); len(ticks) != 0 {
			t.Errorf("price %q should be rejected, got %v", price, ticks)
		}
	}
}

func TestHandleMessageIgnoresHeartbeatsAndGarbage(t *testing.T) {
	c := New(Options{URL: "ws://unused"}, []string{"BTC-USD"}, nil, zerolog.Nop())

	heartbeat, _ := json.Marshal(map[string]any{"channel": "heartbeats"})
	if ticks := c.handleMessage(heartbeat, time.Now()); len(ticks) != 0 {
		t.Fatalf("heartbeat should be discarded, got %v", ticks)
	}
	if ticks := c.handleMessage([]byte("{broken"), time.Now()); len(ticks) != 0 {
		t.Fatalf("garbage should be dropped, got %v", ticks)
	}
}

func TestTrackReportsGrowth(t *testing.T) {
	c := New(Options{URL: "ws://unused"}, []string{"BTC-USD"}, nil, zerolog.Nop())

	if c.Track("BTC-USD") {
		t.Fatal("re-tracking should not report growth")
	}
	if !c.Track("ETH-USD") {
		t.Fatal("new product should report growth")
	}
	got := c.Tracked()
	if len(got) != 2 || got[0] != "BTC-USD" || got[1] != "ETH-USD" {
		t.Fatalf("Tracked() = %v", got)
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func TestRunSubscribesAndEmitsTicks(t *testing.T) {
	subscribed := make(chan controlFrame, 4)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// expect ticker + heartbeats subscribes
		for i := 0; i < 2; i++ {
			var frame controlFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			subscribed <- frame
		}

		_ = conn.WriteMessage(websocket.TextMessage, tickerFrame("BTC-USD", "42000"))

		// hold the connection open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	sink := &captureSink{}
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	c := New(Options{URL: wsURL, ReconnectDelay: time.Hour}, []string{"BTC-USD"}, sink, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case frame := <-subscribed:
			if frame.Type != "subscribe" {
				t.Errorf("frame type = %q", frame.Type)
			}
			if len(frame.ProductIDs) != 1 || frame.ProductIDs[0] != "BTC-USD" {
				t.Errorf("product_ids = %v", frame.ProductIDs)
			}
			seen[frame.Channel] = true
		case <-time.After(2 * time.Second):
			t.Fatal("subscribe frames not received")
		}
	}
	if !seen["ticker"] || !seen["heartbeats"] {
		t.Fatalf("expected both channels, got %v", seen)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.all()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	ticks := sink.all()
	if len(ticks) == 0 {
		t.Fatal("no ticks emitted")
	}
	if ticks[0].Symbol != "BTCUSDT" || ticks[0].Price != 42000 {
		t.Fatalf("tick = %+v", ticks[0])
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

package hub

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Todd838/Coin-Insights/internal/market"
)

func dialClient(t *testing.T, serverURL string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func waitForClients(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.ClientCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client count = %d, want %d", h.ClientCount(), want)
}

func TestBroadcastReachesAllClients(t *testing.T) {
	h := New(zerolog.Nop())
	server := httptest.NewServer(h.Handler())
	defer server.Close()

	first := dialClient(t, server.URL)
	defer first.Close()
	second := dialClient(t, server.URL)
	defer second.Close()
	waitForClients(t, h, 2)

	msg := market.NewPricesMessage([]market.Tick{{Symbol: "BTCUSDT", Price: 42000, TS: 1}})
	h.Broadcast(msg)

	for _, conn := range []*websocket.Conn{first, second} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var got market.PricesMessage
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Type != "prices" || len(got.Updates) != 1 || got.Updates[0].Symbol != "BTCUSDT" {
			t.Fatalf("message = %+v", got)
		}
	}
}

func TestBroadcastRawIsVerbatim(t *testing.T) {
	h := New(zerolog.Nop())
	server := httptest.NewServer(h.Handler())
	defer server.Close()

	conn := dialClient(t, server.URL)
	defer conn.Close()
	waitForClients(t, h, 1)

	payload := []byte(`{"type":"alerts","alerts":[{"symbol":"PEPEUSDT","level":"EXPLOSIVE","vol5m":9.3,"extra":"kept"}]}`)
	h.BroadcastRaw(payload)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(raw) != string(payload) {
		t.Fatalf("payload altered: %s", raw)
	}
}

func TestDisconnectedClientIsDropped(t *testing.T) {
	h := New(zerolog.Nop())
	server := httptest.NewServer(h.Handler())
	defer server.Close()

	conn := dialClient(t, server.URL)
	waitForClients(t, h, 1)

	conn.Close()
	waitForClients(t, h, 0)

	// broadcasting with no clients must not panic
	h.Broadcast(market.NewPricesMessage(nil))
}

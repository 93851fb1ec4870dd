package symbols

import "testing"

func TestToVenue(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"BTCUSDT", "BTC-USD"},
		{"ETHUSDT", "ETH-USD"},
		{"btcusdt", "BTC-USD"},
		{"BTC-USD", "BTC-USD"},
		{"DOGE", "DOGE"},
		{"USDT", "USDT"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := ToVenue(tc.in); got != tc.want {
			t.Errorf("ToVenue(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestToLegacy(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"BTC-USD", "BTCUSDT"},
		{"SOL-USD", "SOLUSDT"},
		{"btc-usd", "BTCUSDT"},
		{"BTCUSDT", "BTCUSDT"},
		{"WBTC-ETH", "WBTCETH"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := ToLegacy(tc.in); got != tc.want {
			t.Errorf("ToLegacy(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRoundTripWellFormed(t *testing.T) {
	for _, legacy := range []string{"BTCUSDT", "ETHUSDT", "PEPEUSDT", "AAVEUSDT"} {
		if got := ToLegacy(ToVenue(legacy)); got != legacy {
			t.Errorf("round trip %q -> %q", legacy, got)
		}
	}
	for _, venue := range []string{"BTC-USD", "XRP-USD", "1INCH-USD"} {
		if got := ToVenue(ToLegacy(venue)); got != venue {
			t.Errorf("round trip %q -> %q", venue, got)
		}
	}
}

func TestNormalizeLegacy(t *testing.T) {
	if got := NormalizeLegacy("BTC-USD"); got != "BTCUSDT" {
		t.Errorf("NormalizeLegacy venue form = %q", got)
	}
	if got := NormalizeLegacy("btcusdt"); got != "BTCUSDT" {
		t.Errorf("NormalizeLegacy legacy form = %q", got)
	}
}

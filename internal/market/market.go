// Package market holds the wire types shared by the feed client, the pollers,
// the browser hub, and the analytics link.
package market

// Tick is a single observed price. Symbol is always the legacy spelling by
// the time a tick leaves its producer. TS is epoch milliseconds.
type Tick struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	TS     int64   `json:"ts"`
}

// Alert severity levels emitted by the analytics engine.
const (
	LevelExplosive = "EXPLOSIVE"
	LevelHot       = "HOT"
	LevelLow       = "LOW"
	LevelStagnant  = "STAGNANT"
)

// Alert is a volatility signal produced by the analytics engine. Vol5m is the
// rolling five-minute range as a percentage.
type Alert struct {
	Symbol       string  `json:"symbol"`
	Level        string  `json:"level"`
	Vol5m        float64 `json:"vol5m"`
	DurationText string  `json:"durationText,omitempty"`
}

// Promotable reports whether an alert is severe enough to auto-promote its
// symbol into the persistent watchlist.
func (a Alert) Promotable() bool {
	return a.Level == LevelExplosive || a.Level == LevelHot
}

// PricesMessage is pushed to browser clients.
type PricesMessage struct {
	Type    string `json:"type"`
	Updates []Tick `json:"updates"`
}

// AlertsMessage carries an alert batch, inbound from analytics and outbound
// to browsers.
type AlertsMessage struct {
	Type   string  `json:"type"`
	Alerts []Alert `json:"alerts"`
}

// TicksMessage is the outbound batch format for the analytics link.
type TicksMessage struct {
	Type  string `json:"type"`
	Ticks []Tick `json:"ticks"`
}

// NewPricesMessage wraps ticks in the browser envelope.
func NewPricesMessage(ticks []Tick) PricesMessage {
	return PricesMessage{Type: "prices", Updates: ticks}
}

// NewTicksMessage wraps ticks in the analytics envelope.
func NewTicksMessage(ticks []Tick) TicksMessage {
	return TicksMessage{Type: "ticks", Ticks: ticks}
}

// TickSink receives normalized tick batches from any producer (live feed or
// pollers) and fans them out downstream.
type TickSink interface {
	PublishTicks(ticks []Tick)
}

package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceTick is one archived price observation.
type PriceTick struct {
	Symbol    string
	Price     decimal.Decimal
	Source    string
	TS        time.Time
	CreatedAt time.Time
}

// AlertEntry captures a relayed analytics alert for auditing.
type AlertEntry struct {
	ID           int64
	Symbol       string
	Level        string
	Vol5m        decimal.Decimal
	DurationText string
	CreatedAt    time.Time
}

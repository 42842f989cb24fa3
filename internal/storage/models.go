package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Reading is one journaled fetch-and-estimate cycle.
type Reading struct {
	ID            int64
	ObservedAt    time.Time
	Price         decimal.Decimal
	Source        string
	VolatilityPct *decimal.Decimal
	WindowSamples int
	CreatedAt     time.Time
}

package price

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrConnection marks transport or handshake failures. The collector reconnects on the next call.
	ErrConnection = errors.New("connection error")
	// ErrProtocol marks a response whose shape could not be decoded.
	ErrProtocol = errors.New("protocol error")
	// ErrData marks an observation whose numeric content is unusable.
	ErrData = errors.New("data error")
)

// Sample is a single timestamped price observation.
type Sample struct {
	Timestamp time.Time
	Price     float64
	Source    string
}

// Validate checks that the sample carries a timestamp and a positive finite price.
func (s Sample) Validate() error {
	if s.Timestamp.IsZero() {
		return fmt.Errorf("%w: sample from %q has no timestamp", ErrData, s.Source)
	}
	if math.IsNaN(s.Price) || math.IsInf(s.Price, 0) || s.Price <= 0 {
		return fmt.Errorf("%w: sample from %q has invalid price %v", ErrData, s.Source, s.Price)
	}
	return nil
}

// Collector yields the latest observed price from a single upstream source.
type Collector interface {
	Name() string
	LatestPrice(ctx context.Context) (Sample, error)
}

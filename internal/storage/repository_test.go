package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestUnconfiguredStoreReturnsErrNotConfigured(t *testing.T) {
	var s *Store
	ctx := context.Background()

	if _, err := s.InsertReading(ctx, Reading{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := s.ListRecentReadings(ctx, 10); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := NewStore(nil).ListReadingsBetween(ctx, time.Now(), time.Now()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if err := NewStore(nil).EnsureSchema(ctx); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	s.Close()
}

func TestFillDecimals(t *testing.T) {
	vol := "63.125"
	rec, err := fillDecimals(Reading{Source: "Binance"}, "3150.25", &vol)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Price.String() != "3150.25" {
		t.Fatalf("price not parsed: %s", rec.Price)
	}
	if rec.VolatilityPct == nil || rec.VolatilityPct.String() != "63.125" {
		t.Fatalf("volatility not parsed: %v", rec.VolatilityPct)
	}

	rec, err = fillDecimals(Reading{}, "1", nil)
	if err != nil || rec.VolatilityPct != nil {
		t.Fatalf("null volatility should stay nil: %v %v", rec.VolatilityPct, err)
	}

	if _, err := fillDecimals(Reading{}, "n/a", nil); err == nil {
		t.Fatal("bad price should fail")
	}
}

package price

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestSampleValidate(t *testing.T) {
	now := time.Now().UTC()
	cases := []struct {
		name   string
		sample Sample
		ok     bool
	}{
		{"valid", Sample{Timestamp: now, Price: 3150.25, Source: "Binance"}, true},
		{"zero timestamp", Sample{Price: 1, Source: "Binance"}, false},
		{"zero price", Sample{Timestamp: now, Price: 0}, false},
		{"negative price", Sample{Timestamp: now, Price: -1}, false},
		{"nan price", Sample{Timestamp: now, Price: math.NaN()}, false},
		{"inf price", Sample{Timestamp: now, Price: math.Inf(1)}, false},
	}

	for _, tc := range cases {
		err := tc.sample.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok {
			if err == nil {
				t.Fatalf("%s: expected error", tc.name)
			}
			if !errors.Is(err, ErrData) {
				t.Fatalf("%s: expected ErrData, got %v", tc.name, err)
			}
		}
	}
}

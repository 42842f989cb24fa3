package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"volatility-estimator/internal/app"
)

var (
	simulatePrices []string
	simulateStep   time.Duration
	simulateStart  string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Replay a synthetic price series through the estimator",
	RunE: func(cmd *cobra.Command, args []string) error {
		prices, err := parsePrices(simulatePrices)
		if err != nil {
			return err
		}

		opts := app.SimulateOptions{Prices: prices, Step: simulateStep}
		if simulateStart != "" {
			start, err := time.Parse(time.RFC3339, simulateStart)
			if err != nil {
				return fmt.Errorf("invalid --start value: %w", err)
			}
			opts.Start = start
		}

		return getApp().Simulate(cmd.Context(), opts)
	},
}

func parsePrices(raw []string) ([]float64, error) {
	if len(raw) == 0 {
		return nil, errors.New("--prices is required")
	}
	out := make([]float64, 0, len(raw))
	for _, s := range raw {
		p, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid price %q: %w", s, err)
		}
		if p <= 0 {
			return nil, fmt.Errorf("price %q must be greater than 0", s)
		}
		out = append(out, p)
	}
	return out, nil
}

func init() {
	simulateCmd.Flags().StringSliceVar(&simulatePrices, "prices", nil, "Comma separated prices, oldest first")
	simulateCmd.Flags().DurationVar(&simulateStep, "step", 5*time.Second, "Spacing between simulated samples")
	simulateCmd.Flags().StringVar(&simulateStart, "start", "", "Timestamp of the first sample (RFC3339, defaults to now)")
}

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"volatility-estimator/internal/storage"
)

// Show prints the most recent journaled readings.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show readings")
	}
	if closeStore != nil {
		defer closeStore()
	}

	readings, err := store.ListRecentReadings(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(readings) == 0 {
		fmt.Fprintln(os.Stdout, "no readings found")
		return nil
	}

	printReadings(os.Stdout, readings)
	return nil
}

func printReadings(out io.Writer, readings []storage.Reading) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tPrice\tSource\tVolatility%\tSamples")

	for _, r := range readings {
		vol := optionalDecimal(r.VolatilityPct, 2)
		if vol == "" {
			vol = "-"
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%d\n",
			r.ObservedAt.UTC().Format(time.RFC3339),
			formatDecimal(r.Price, 2),
			r.Source,
			vol,
			r.WindowSamples,
		)
	}

	writer.Flush()
}

package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"lendwatch/internal/alerting"
)

// Show prints recent position snapshots.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show snapshots")
	}
	if closeStore != nil {
		defer closeStore()
	}

	snapshots, err := store.ListRecentSnapshots(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		fmt.Fprintln(os.Stdout, "no snapshots found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tWallet\tProtocol\tBand\tCollateral $\tBorrowed $\tLTV %\tHF\tLiquidatable")

	for _, snap := range snapshots {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%v\n",
			snap.CycleTS.UTC().Format(time.RFC3339),
			alerting.ShortWallet(snap.Wallet),
			snap.Protocol,
			snap.Band,
			snap.TotalCollateralUSD.StringFixed(2),
			snap.TotalDebtUSD.StringFixed(2),
			formatNullableDecimal(snap.LTVPct, 2),
			formatNullableDecimal(snap.HealthFactor, 4),
			snap.IsLiquidatable,
		)
	}

	writer.Flush()
	return nil
}

// formatNullableDecimal renders a metric that has no finite value as N/A.
func formatNullableDecimal(d *decimal.Decimal, places int32) string {
	if d == nil {
		return "N/A"
	}
	return d.StringFixed(places)
}

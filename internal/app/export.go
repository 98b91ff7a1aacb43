package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"lendwatch/internal/storage"
)

// Export renders snapshot history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	var snapshots []storage.SnapshotRecord
	if opts.Wallet != "" {
		snapshots, err = store.ListWalletSnapshotsBetween(ctx, opts.Wallet, from, to)
	} else {
		snapshots, err = store.ListSnapshotsBetween(ctx, from, to)
	}
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		a.Logger.Info().Msg("no snapshots found for export window")
		return nil
	}

	downsampled := downsampleSnapshots(snapshots, opts.MaxPoints)
	a.Logger.Info().Int("total", len(snapshots)).Int("exported", len(downsampled)).Msg("exporting snapshots")

	if opts.CSVPath != "" {
		if err := writeSnapshotsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSnapshotsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleSnapshots(snapshots []storage.SnapshotRecord, max int) []storage.SnapshotRecord {
	if max <= 0 || len(snapshots) <= max {
		return snapshots
	}

	result := make([]storage.SnapshotRecord, 0, max)
	step := float64(len(snapshots)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(snapshots) {
			idx = len(snapshots) - 1
		}
		result = append(result, snapshots[idx])
	}
	return result
}

func writeSnapshotsCSV(path string, snapshots []storage.SnapshotRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"cycle_ts", "wallet", "protocol", "position_id", "band", "total_collateral_usd", "total_debt_usd", "ltv_pct", "health_factor", "liquidation_threshold_pct", "is_healthy", "is_liquidatable"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, snap := range snapshots {
		ltv := ""
		if snap.LTVPct != nil {
			ltv = snap.LTVPct.String()
		}
		hf := ""
		if snap.HealthFactor != nil {
			hf = snap.HealthFactor.String()
		}
		record := []string{
			snap.CycleTS.Format(time.RFC3339),
			snap.Wallet,
			snap.Protocol,
			snap.PositionID,
			snap.Band,
			snap.TotalCollateralUSD.String(),
			snap.TotalDebtUSD.String(),
			ltv,
			hf,
			snap.LiquidationThresholdPct.String(),
			strconv.FormatBool(snap.IsHealthy),
			strconv.FormatBool(snap.IsLiquidatable),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeSnapshotsPNG(path string, snapshots []storage.SnapshotRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	// Unbounded metrics persist as null and cannot be plotted, so each
	// series carries its own x axis.
	var ltvX []time.Time
	var ltvY []float64
	var hfX []time.Time
	var hfY []float64

	for _, snap := range snapshots {
		if snap.LTVPct != nil {
			ltvX = append(ltvX, snap.CycleTS)
			ltvY = append(ltvY, snap.LTVPct.InexactFloat64())
		}
		if snap.HealthFactor != nil {
			hfX = append(hfX, snap.CycleTS)
			hfY = append(hfY, snap.HealthFactor.InexactFloat64())
		}
	}

	if len(ltvX) == 0 && len(hfX) == 0 {
		return errors.New("no finite data points to plot")
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}

	var series []chart.Series
	if len(ltvX) > 0 {
		series = append(series, chart.TimeSeries{
			Name:    "LTV %",
			XValues: ltvX,
			YValues: ltvY,
		})
	}
	if len(hfX) > 0 {
		series = append(series, chart.TimeSeries{
			Name:    "Health Factor",
			XValues: hfX,
			YValues: hfY,
			YAxis:   chart.YAxisSecondary,
		})
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "LTV (%)",
			ValueFormatter: valueFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Health Factor",
			ValueFormatter: valueFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

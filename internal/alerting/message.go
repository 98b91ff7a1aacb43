package alerting

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"lendwatch/internal/position"
)

func alertTitle(b Band) string {
	if b == BandCritical {
		return "🚨 CRITICAL: Liquidation Risk!"
	}
	return "⚠️ WARNING: High LTV"
}

func bandStatus(b Band) string {
	switch b {
	case BandCritical:
		return "🚨 CRITICAL"
	case BandWarning:
		return "⚠️ WARNING"
	case BandModerate:
		return "🟡 MODERATE"
	default:
		return "✅ SAFE"
	}
}

// ShortWallet abbreviates a wallet address for display.
func ShortWallet(address string) string {
	if len(address) > 16 {
		return address[:10] + "..." + address[len(address)-6:]
	}
	return address
}

func subjectLine(s Subject) string {
	label := s.Label
	if label == "" {
		label = ShortWallet(s.Wallet)
	}
	chain := s.Chain
	if chain == "" {
		chain = "sui"
	}
	return fmt.Sprintf("%s · %s · %s", label, s.Protocol, strings.ToUpper(chain))
}

func assetSymbols(values map[string]decimal.Decimal) string {
	if len(values) == 0 {
		return "—"
	}
	symbols := make([]string, 0, len(values))
	for sym := range values {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	return strings.Join(symbols, ", ")
}

func timestampLine(now time.Time) string {
	return now.UTC().Format("2006-01-02 15:04:05") + " UTC"
}

func statusMessage(subject Subject, snap position.Snapshot, band Band, now time.Time) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("📊 %s\n\n", subjectLine(subject)))
	builder.WriteString(bandStatus(band) + "\n\n")
	builder.WriteString(fmt.Sprintf("Collateral: %s — $%s\n", assetSymbols(snap.PerCollateralUSD), snap.TotalCollateralUSD.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Borrowed: %s — $%s\n", assetSymbols(snap.PerDebtUSD), snap.TotalDebtUSD.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("LTV: %s · HF: %s\n\n", snap.FormatLTV(), snap.FormatHealthFactor()))
	builder.WriteString(timestampLine(now))
	return builder.String()
}

func alertMessage(subject Subject, snap position.Snapshot, band Band, now time.Time) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("%s — LTV %s\n\n", bandStatus(band), snap.FormatLTV()))
	builder.WriteString(subjectLine(subject) + "\n\n")
	builder.WriteString(fmt.Sprintf("Collateral: %s\n  $%s\n\n", assetSymbols(snap.PerCollateralUSD), snap.TotalCollateralUSD.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Borrowed: %s\n  $%s\n\n", assetSymbols(snap.PerDebtUSD), snap.TotalDebtUSD.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Health Factor: %s\n", snap.FormatHealthFactor()))
	builder.WriteString(fmt.Sprintf("Liquidation Threshold: %s%%\n\n", snap.LiquidationThresholdPercent.StringFixed(2)))
	if band == BandCritical {
		builder.WriteString("⚠️ Add collateral or repay debt immediately!\n\n")
	} else {
		builder.WriteString("Consider adding collateral or reducing borrowed amount.\n\n")
	}
	builder.WriteString(fmt.Sprintf("Wallet: %s\n", ShortWallet(subject.Wallet)))
	builder.WriteString(timestampLine(now))
	return builder.String()
}

func recoveredMessage(subject Subject, snap position.Snapshot, band Band, now time.Time) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("✅ RECOVERED — LTV %s\n\n", snap.FormatLTV()))
	builder.WriteString(subjectLine(subject) + "\n\n")
	builder.WriteString(fmt.Sprintf("Risk level is back to %s.\n", band))
	builder.WriteString(fmt.Sprintf("Collateral: $%s · Borrowed: $%s · HF: %s\n\n", snap.TotalCollateralUSD.StringFixed(2), snap.TotalDebtUSD.StringFixed(2), snap.FormatHealthFactor()))
	builder.WriteString(fmt.Sprintf("Wallet: %s\n", ShortWallet(subject.Wallet)))
	builder.WriteString(timestampLine(now))
	return builder.String()
}

// NoPositionsMessage is the routine status body when a wallet holds no
// positions on a protocol.
func NoPositionsMessage(subject Subject, now time.Time) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("📊 %s\n\n", subjectLine(subject)))
	builder.WriteString("No active positions found.\n\n")
	builder.WriteString(timestampLine(now))
	return builder.String()
}

// CycleErrorMessage is the status body when a check cycle aborts on an
// error. Errors are reported, never dressed up as a safe valuation.
func CycleErrorMessage(subject Subject, err error, now time.Time) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("❌ %s\n\n", subjectLine(subject)))
	builder.WriteString("Check cycle failed: " + err.Error() + "\n\n")
	builder.WriteString(timestampLine(now))
	return builder.String()
}

// ReportEntry is one position line in the daily digest.
type ReportEntry struct {
	Protocol string
	Band     Band
	Snapshot position.Snapshot
}

// ReportSection groups one wallet's digest entries.
type ReportSection struct {
	Label   string
	Chain   string
	Entries []ReportEntry
}

// DailyReportMessage renders the once-a-day digest grouped wallet by wallet.
func DailyReportMessage(sections []ReportSection, now time.Time) string {
	var rendered []string
	for _, section := range sections {
		if len(section.Entries) == 0 {
			continue
		}
		chain := section.Chain
		if chain == "" {
			chain = "sui"
		}
		lines := make([]string, 0, len(section.Entries))
		for _, entry := range section.Entries {
			snap := entry.Snapshot
			lines = append(lines, fmt.Sprintf(
				"%s · %s\n  Collateral: $%s\n  Borrowed: $%s\n  LTV: %s · HF: %s",
				entry.Protocol, bandStatus(entry.Band),
				snap.TotalCollateralUSD.StringFixed(2), snap.TotalDebtUSD.StringFixed(2),
				snap.FormatLTV(), snap.FormatHealthFactor(),
			))
		}
		header := fmt.Sprintf("━━ %s (%s) ━━", section.Label, strings.ToUpper(chain))
		rendered = append(rendered, header+"\n\n"+strings.Join(lines, "\n\n"))
	}

	body := "No active positions found."
	if len(rendered) > 0 {
		body = strings.Join(rendered, "\n\n")
	}

	builder := strings.Builder{}
	builder.WriteString("📋 Daily DeFi Position Report\n\n")
	builder.WriteString(body + "\n\n")
	builder.WriteString(timestampLine(now))
	return builder.String()
}

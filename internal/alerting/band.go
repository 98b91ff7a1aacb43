package alerting

import (
	"github.com/shopspring/decimal"

	"lendwatch/internal/position"
)

// Band is an ordered risk category derived from a position's loan-to-value
// ratio. Alert de-duplication keys on the band, not the raw percentage, so
// small oscillations inside a band stay quiet.
type Band int

const (
	BandSafe Band = iota
	BandModerate
	BandWarning
	BandCritical
)

func (b Band) String() string {
	switch b {
	case BandSafe:
		return "SAFE"
	case BandModerate:
		return "MODERATE"
	case BandWarning:
		return "WARNING"
	case BandCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Risky reports whether the band warrants an operator-facing alert.
func (b Band) Risky() bool {
	return b >= BandWarning
}

// moderateFloorPercent is the fixed lower boundary of the MODERATE band.
// Only the warning and critical boundaries are configurable.
var moderateFloorPercent = decimal.NewFromInt(50)

// Thresholds are the configurable band boundaries, as LTV percentages.
// Each threshold is the inclusive lower bound of its band.
type Thresholds struct {
	WarningPercent  decimal.Decimal
	CriticalPercent decimal.Decimal
}

// Classify maps a snapshot onto its risk band. An unbounded LTV (debt with
// no collateral) is always CRITICAL.
func Classify(snap position.Snapshot, t Thresholds) Band {
	if snap.LTVUnbounded {
		return BandCritical
	}
	switch {
	case snap.LTVPercent.GreaterThanOrEqual(t.CriticalPercent):
		return BandCritical
	case snap.LTVPercent.GreaterThanOrEqual(t.WarningPercent):
		return BandWarning
	case snap.LTVPercent.GreaterThanOrEqual(moderateFloorPercent):
		return BandModerate
	default:
		return BandSafe
	}
}

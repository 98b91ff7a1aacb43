package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// SnapshotRecord is a persisted position evaluation. LTVPct and
// HealthFactor are nil when the underlying metric has no finite value
// (zero collateral or zero debt).
type SnapshotRecord struct {
	ID                      int64
	CycleID                 string
	CycleTS                 time.Time
	Wallet                  string
	Protocol                string
	PositionID              string
	Band                    string
	TotalCollateralUSD      decimal.Decimal
	TotalDebtUSD            decimal.Decimal
	LTVPct                  *decimal.Decimal
	HealthFactor            *decimal.Decimal
	LiquidationThresholdPct decimal.Decimal
	IsHealthy               bool
	IsLiquidatable          bool
	Breakdown               json.RawMessage
	CreatedAt               time.Time
}

// AlertEventRecord captures an emitted notification for auditing.
// PrevBand is the band last notified before this event, nil when the
// position had no outstanding notification.
type AlertEventRecord struct {
	ID         int64
	CycleID    string
	CycleTS    time.Time
	Wallet     string
	Protocol   string
	PositionID string
	Class      string
	Severity   string
	Band       string
	PrevBand   *string
	Title      string
	CreatedAt  time.Time
}

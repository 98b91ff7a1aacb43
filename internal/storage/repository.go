package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertSnapshotSQL = `INSERT INTO position_snapshots (
        cycle_id,
        cycle_ts,
        wallet,
        protocol,
        position_id,
        band,
        total_collateral_usd,
        total_debt_usd,
        ltv_pct,
        health_factor,
        liquidation_threshold_pct,
        is_healthy,
        is_liquidatable,
        breakdown
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
    )
    ON CONFLICT (cycle_ts, position_id) DO UPDATE
    SET
        cycle_id                  = EXCLUDED.cycle_id,
        wallet                    = EXCLUDED.wallet,
        protocol                  = EXCLUDED.protocol,
        band                      = EXCLUDED.band,
        total_collateral_usd      = EXCLUDED.total_collateral_usd,
        total_debt_usd            = EXCLUDED.total_debt_usd,
        ltv_pct                   = EXCLUDED.ltv_pct,
        health_factor             = EXCLUDED.health_factor,
        liquidation_threshold_pct = EXCLUDED.liquidation_threshold_pct,
        is_healthy                = EXCLUDED.is_healthy,
        is_liquidatable           = EXCLUDED.is_liquidatable,
        breakdown                 = EXCLUDED.breakdown;`

	snapshotColumns = `
        id,
        cycle_id,
        cycle_ts,
        wallet,
        protocol,
        position_id,
        band,
        total_collateral_usd,
        total_debt_usd,
        ltv_pct,
        health_factor,
        liquidation_threshold_pct,
        is_healthy,
        is_liquidatable,
        breakdown,
        created_at`

	listSnapshotsBetweenSQL = `SELECT` + snapshotColumns + `
    FROM position_snapshots
    WHERE cycle_ts >= $1
      AND cycle_ts < $2
    ORDER BY cycle_ts;`

	listRecentSnapshotsSQL = `SELECT` + snapshotColumns + `
    FROM position_snapshots
    ORDER BY cycle_ts DESC
    LIMIT $1;`

	listWalletSnapshotsBetweenSQL = `SELECT` + snapshotColumns + `
    FROM position_snapshots
    WHERE wallet = $1
      AND cycle_ts >= $2
      AND cycle_ts < $3
    ORDER BY cycle_ts;`

	countSnapshotsSQL = `SELECT COUNT(*) FROM position_snapshots;`

	insertAlertEventSQL = `INSERT INTO alert_events (
        cycle_id,
        cycle_ts,
        wallet,
        protocol,
        position_id,
        class,
        severity,
        band,
        prev_band,
        title
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    RETURNING id, cycle_id, cycle_ts, wallet, protocol, position_id, class, severity, band, prev_band, title, created_at;`

	listRecentAlertEventsSQL = `SELECT
        id,
        cycle_id,
        cycle_ts,
        wallet,
        protocol,
        position_id,
        class,
        severity,
        band,
        prev_band,
        title,
        created_at
    FROM alert_events
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteAlertEventsBeforeSQL = `DELETE FROM alert_events WHERE created_at < $1;`

	deleteSnapshotsBeforeSQL = `DELETE FROM position_snapshots WHERE cycle_ts < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SnapshotStore defines operations for snapshot persistence.
type SnapshotStore interface {
	UpsertSnapshot(ctx context.Context, rec SnapshotRecord) error
	ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]SnapshotRecord, error)
	ListWalletSnapshotsBetween(ctx context.Context, wallet string, from, to time.Time) ([]SnapshotRecord, error)
	ListRecentSnapshots(ctx context.Context, limit int) ([]SnapshotRecord, error)
	CountSnapshots(ctx context.Context) (int64, error)
}

// AlertEventStore defines operations for notification auditing.
type AlertEventStore interface {
	InsertAlertEvent(ctx context.Context, rec AlertEventRecord) (AlertEventRecord, error)
	ListRecentAlertEvents(ctx context.Context, limit int) ([]AlertEventRecord, error)
	DeleteAlertEventsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to snapshots and alert events.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertSnapshot persists or updates one position snapshot.
func (s *Store) UpsertSnapshot(ctx context.Context, rec SnapshotRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var ltv interface{}
	if rec.LTVPct != nil {
		ltv = rec.LTVPct.String()
	}
	var hf interface{}
	if rec.HealthFactor != nil {
		hf = rec.HealthFactor.String()
	}

	_, execErr := pool.Exec(ctx, upsertSnapshotSQL,
		rec.CycleID,
		rec.CycleTS,
		rec.Wallet,
		rec.Protocol,
		rec.PositionID,
		rec.Band,
		rec.TotalCollateralUSD.String(),
		rec.TotalDebtUSD.String(),
		ltv,
		hf,
		rec.LiquidationThresholdPct.String(),
		rec.IsHealthy,
		rec.IsLiquidatable,
		[]byte(rec.Breakdown),
	)
	if execErr != nil {
		return fmt.Errorf("upsert snapshot: %w", execErr)
	}
	return nil
}

// ListSnapshotsBetween lists snapshots within a time window.
func (s *Store) ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]SnapshotRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSnapshotsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots between: %w", queryErr)
	}
	defer rows.Close()

	return collectSnapshots(rows, 0)
}

// ListWalletSnapshotsBetween lists one wallet's snapshots within a window.
func (s *Store) ListWalletSnapshotsBetween(ctx context.Context, wallet string, from, to time.Time) ([]SnapshotRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listWalletSnapshotsBetweenSQL, wallet, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list wallet snapshots: %w", queryErr)
	}
	defer rows.Close()

	return collectSnapshots(rows, 0)
}

// ListRecentSnapshots lists the most recent snapshots ordered by descending cycle.
func (s *Store) ListRecentSnapshots(ctx context.Context, limit int) ([]SnapshotRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSnapshotsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent snapshots: %w", queryErr)
	}
	defer rows.Close()

	return collectSnapshots(rows, limit)
}

// CountSnapshots counts stored snapshots.
func (s *Store) CountSnapshots(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSnapshotsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count snapshots: %w", scanErr)
	}
	return count, nil
}

// InsertAlertEvent persists a notification emission.
func (s *Store) InsertAlertEvent(ctx context.Context, rec AlertEventRecord) (AlertEventRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertEventRecord{}, err
	}

	var prev interface{}
	if rec.PrevBand != nil {
		prev = *rec.PrevBand
	}

	row := pool.QueryRow(ctx, insertAlertEventSQL,
		rec.CycleID,
		rec.CycleTS,
		rec.Wallet,
		rec.Protocol,
		rec.PositionID,
		rec.Class,
		rec.Severity,
		rec.Band,
		prev,
		rec.Title,
	)

	var out AlertEventRecord
	var prevOut sql.NullString
	if scanErr := row.Scan(
		&out.ID,
		&out.CycleID,
		&out.CycleTS,
		&out.Wallet,
		&out.Protocol,
		&out.PositionID,
		&out.Class,
		&out.Severity,
		&out.Band,
		&prevOut,
		&out.Title,
		&out.CreatedAt,
	); scanErr != nil {
		return AlertEventRecord{}, fmt.Errorf("insert alert event: %w", scanErr)
	}
	if prevOut.Valid {
		out.PrevBand = &prevOut.String
	}
	return out, nil
}

// ListRecentAlertEvents lists most recent alert events.
func (s *Store) ListRecentAlertEvents(ctx context.Context, limit int) ([]AlertEventRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertEventsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alert events: %w", queryErr)
	}
	defer rows.Close()

	events := make([]AlertEventRecord, 0, limit)
	for rows.Next() {
		var rec AlertEventRecord
		var prev sql.NullString
		if err := rows.Scan(
			&rec.ID,
			&rec.CycleID,
			&rec.CycleTS,
			&rec.Wallet,
			&rec.Protocol,
			&rec.PositionID,
			&rec.Class,
			&rec.Severity,
			&rec.Band,
			&prev,
			&rec.Title,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		if prev.Valid {
			rec.PrevBand = &prev.String
		}
		events = append(events, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// DeleteAlertEventsBefore deletes historical alert events.
func (s *Store) DeleteAlertEventsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertEventsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alert events before: %w", execErr)
	}
	return nil
}

// DeleteSnapshotsBefore deletes snapshot history older than the cutoff.
func (s *Store) DeleteSnapshotsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteSnapshotsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete snapshots before: %w", execErr)
	}
	return nil
}

func collectSnapshots(rows pgx.Rows, sizeHint int) ([]SnapshotRecord, error) {
	records := make([]SnapshotRecord, 0, sizeHint)
	for rows.Next() {
		rec, scanErr := scanSnapshot(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanSnapshot(rows pgx.Rows) (SnapshotRecord, error) {
	var (
		rec           SnapshotRecord
		collateralStr string
		debtStr       string
		ltv           sql.NullString
		hf            sql.NullString
		liqStr        string
		breakdown     json.RawMessage
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.CycleID,
		&rec.CycleTS,
		&rec.Wallet,
		&rec.Protocol,
		&rec.PositionID,
		&rec.Band,
		&collateralStr,
		&debtStr,
		&ltv,
		&hf,
		&liqStr,
		&rec.IsHealthy,
		&rec.IsLiquidatable,
		&breakdown,
		&rec.CreatedAt,
	); err != nil {
		return SnapshotRecord{}, err
	}

	var err error
	rec.TotalCollateralUSD, err = decimal.NewFromString(collateralStr)
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("parse total collateral: %w", err)
	}
	rec.TotalDebtUSD, err = decimal.NewFromString(debtStr)
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("parse total debt: %w", err)
	}
	rec.LiquidationThresholdPct, err = decimal.NewFromString(liqStr)
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("parse liquidation threshold: %w", err)
	}

	if ltv.Valid {
		value, convErr := decimal.NewFromString(ltv.String)
		if convErr != nil {
			return SnapshotRecord{}, fmt.Errorf("parse ltv pct: %w", convErr)
		}
		rec.LTVPct = &value
	}
	if hf.Valid {
		value, convErr := decimal.NewFromString(hf.String)
		if convErr != nil {
			return SnapshotRecord{}, fmt.Errorf("parse health factor: %w", convErr)
		}
		rec.HealthFactor = &value
	}

	rec.Breakdown = breakdown
	return rec, nil
}

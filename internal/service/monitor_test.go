package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"lendwatch/internal/alerting"
	"lendwatch/internal/config"
	"lendwatch/internal/oracle"
	"lendwatch/internal/position"
	"lendwatch/internal/protocol"
	"lendwatch/internal/storage"
)

const (
	walletA = "0x1234567890abcdef1234567890abcdef12345678"
	walletB = "0xfedcba0987654321fedcba0987654321fedcba09"
)

type stubAdapter struct {
	fetch func(wallet string) ([]position.Position, error)
}

func (s *stubAdapter) Name() string { return "alphalend" }

func (s *stubAdapter) FetchPositions(_ context.Context, wallet string) ([]position.Position, error) {
	return s.fetch(wallet)
}

type stubOracle struct {
	table oracle.PriceTable
	err   error
	calls int
}

func (s *stubOracle) Prices(context.Context, []string) (oracle.PriceTable, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.table, nil
}

type recordingNotifier struct {
	intents []alerting.Intent
}

func (r *recordingNotifier) Name() string { return "recording" }

func (r *recordingNotifier) Send(_ context.Context, intent alerting.Intent) error {
	r.intents = append(r.intents, intent)
	return nil
}

func (r *recordingNotifier) byClass(class alerting.ChannelClass) []alerting.Intent {
	var out []alerting.Intent
	for _, intent := range r.intents {
		if intent.Class == class {
			out = append(out, intent)
		}
	}
	return out
}

type memStore struct {
	snapshots []storage.SnapshotRecord
	events    []storage.AlertEventRecord
}

func (s *memStore) UpsertSnapshot(_ context.Context, rec storage.SnapshotRecord) error {
	s.snapshots = append(s.snapshots, rec)
	return nil
}

func (s *memStore) ListSnapshotsBetween(context.Context, time.Time, time.Time) ([]storage.SnapshotRecord, error) {
	return nil, nil
}

func (s *memStore) ListWalletSnapshotsBetween(context.Context, string, time.Time, time.Time) ([]storage.SnapshotRecord, error) {
	return nil, nil
}

func (s *memStore) ListRecentSnapshots(context.Context, int) ([]storage.SnapshotRecord, error) {
	return nil, nil
}

func (s *memStore) CountSnapshots(context.Context) (int64, error) {
	return int64(len(s.snapshots)), nil
}

func (s *memStore) InsertAlertEvent(_ context.Context, rec storage.AlertEventRecord) (storage.AlertEventRecord, error) {
	s.events = append(s.events, rec)
	return rec, nil
}

func (s *memStore) ListRecentAlertEvents(context.Context, int) ([]storage.AlertEventRecord, error) {
	return nil, nil
}

func (s *memStore) DeleteAlertEventsBefore(context.Context, time.Time) error {
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Scheduler: config.SchedulerConfig{Interval: time.Minute},
		Oracle: config.OracleConfig{
			Feeds: map[string]string{"USDC": "eaa020c61cc479712813461ce153894a96a6c00b21ed0cfc2798d1f9a9e9c94a"},
		},
		Protocols: map[string]config.ProtocolConfig{
			"alphalend": {LiquidationThresholdPct: 85},
		},
		Wallets: []config.WalletConfig{{
			Address:   walletA,
			Label:     "Main",
			Protocols: []string{"alphalend"},
		}},
		Alerting: config.AlertingConfig{
			WarningThresholdPct:  70,
			CriticalThresholdPct: 80,
		},
	}
}

func usdTable() oracle.PriceTable {
	return oracle.PriceTable{
		"USDC": oracle.PricePoint{PriceUSD: decimal.NewFromInt(1), PublishTime: time.Now().UTC()},
	}
}

// testPosition holds 10,000 USDC collateral against debtRaw micro-USDC of
// debt, so debtRaw of 3_000_000_000 means an LTV of 30%.
func testPosition(wallet string, debtRaw int64) position.Position {
	return position.Position{
		ID:       "0xpos-" + wallet[len(wallet)-4:],
		Wallet:   wallet,
		Protocol: "alphalend",
		Collaterals: []position.CollateralLeg{{
			Symbol:    "USDC",
			RawShares: decimal.NewFromInt(10_000_000_000),
			Ratio:     decimal.NewFromInt(1),
			Decimals:  6,
		}},
		Debts: []position.DebtLeg{{
			Symbol:    "USDC",
			RawAmount: decimal.NewFromInt(debtRaw),
			Decimals:  6,
		}},
	}
}

func newTestMonitor(t *testing.T, cfg *config.Config, adapter protocol.Adapter, orc oracle.Oracle, notifier alerting.Notifier, store *memStore) *Monitor {
	t.Helper()
	var snapshots storage.SnapshotStore
	var events storage.AlertEventStore
	if store != nil {
		snapshots = store
		events = store
	}
	return New(cfg, nil, protocol.NewRegistry(adapter), orc, []alerting.Notifier{notifier}, snapshots, events, nil, zerolog.Nop())
}

func TestRunCycleHealthyLogsOnly(t *testing.T) {
	adapter := &stubAdapter{fetch: func(string) ([]position.Position, error) {
		return []position.Position{testPosition(walletA, 3_000_000_000)}, nil
	}}
	notifier := &recordingNotifier{}
	monitor := newTestMonitor(t, testConfig(), adapter, &stubOracle{table: usdTable()}, notifier, nil)

	if err := monitor.RunCycle(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}

	if alerts := notifier.byClass(alerting.ChannelAlert); len(alerts) != 0 {
		t.Fatalf("expected no alerts for a healthy position, got %d", len(alerts))
	}
	logs := notifier.byClass(alerting.ChannelLog)
	if len(logs) != 1 {
		t.Fatalf("expected one status log, got %d", len(logs))
	}
	if logs[0].Band != alerting.BandSafe {
		t.Fatalf("expected SAFE band in status log, got %s", logs[0].Band)
	}

	state := monitor.states[testPosition(walletA, 0).ID]
	if state.LastBand != alerting.BandSafe || state.LastNotifiedBand != nil {
		t.Fatalf("unexpected state after healthy cycle: %+v", state)
	}
}

func TestRunCycleCriticalAlertsOnce(t *testing.T) {
	adapter := &stubAdapter{fetch: func(string) ([]position.Position, error) {
		return []position.Position{testPosition(walletA, 8_500_000_000)}, nil
	}}
	notifier := &recordingNotifier{}
	monitor := newTestMonitor(t, testConfig(), adapter, &stubOracle{table: usdTable()}, notifier, nil)

	for i := 0; i < 2; i++ {
		if err := monitor.RunCycle(context.Background(), time.Now().UTC()); err != nil {
			t.Fatalf("cycle %d returned error: %v", i, err)
		}
	}

	alerts := notifier.byClass(alerting.ChannelAlert)
	if len(alerts) != 1 {
		t.Fatalf("expected exactly one alert across two critical cycles, got %d", len(alerts))
	}
	if alerts[0].Severity != alerting.SeverityCritical {
		t.Fatalf("expected CRITICAL severity, got %s", alerts[0].Severity)
	}
	if !strings.Contains(alerts[0].Title, "CRITICAL") {
		t.Fatalf("unexpected alert title %q", alerts[0].Title)
	}
	if logs := notifier.byClass(alerting.ChannelLog); len(logs) != 2 {
		t.Fatalf("expected a status log per cycle, got %d", len(logs))
	}
}

func TestRunCycleErrorLeavesStateUntouched(t *testing.T) {
	adapter := &stubAdapter{fetch: func(string) ([]position.Position, error) {
		return []position.Position{testPosition(walletA, 8_500_000_000)}, nil
	}}
	orc := &stubOracle{table: usdTable()}
	notifier := &recordingNotifier{}
	monitor := newTestMonitor(t, testConfig(), adapter, orc, notifier, nil)

	if err := monitor.RunCycle(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("first cycle returned error: %v", err)
	}
	posID := testPosition(walletA, 0).ID
	before := monitor.states[posID]
	if before.LastNotifiedBand == nil {
		t.Fatal("expected first critical cycle to record a notified band")
	}

	orc.err = errors.New("hermes down")
	if err := monitor.RunCycle(context.Background(), time.Now().UTC()); err == nil {
		t.Fatal("expected cycle error when the oracle fails")
	}

	after := monitor.states[posID]
	if after.LastBand != before.LastBand || *after.LastNotifiedBand != *before.LastNotifiedBand {
		t.Fatalf("failed cycle mutated state: before=%+v after=%+v", before, after)
	}

	var sawFailure bool
	for _, intent := range notifier.byClass(alerting.ChannelLog) {
		if strings.Contains(intent.Message, "Check cycle failed") {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Fatal("expected a failure status message for the aborted cycle")
	}

	// State survived the outage, so the still-critical position must not
	// page again on the next good cycle.
	orc.err = nil
	if err := monitor.RunCycle(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("recovery cycle returned error: %v", err)
	}
	if alerts := notifier.byClass(alerting.ChannelAlert); len(alerts) != 1 {
		t.Fatalf("expected no duplicate alert after the outage, got %d alerts", len(alerts))
	}
}

func TestRunCycleWalletFailureIsIsolated(t *testing.T) {
	cfg := testConfig()
	cfg.Wallets = append(cfg.Wallets, config.WalletConfig{
		Address:   walletB,
		Label:     "Backup",
		Protocols: []string{"alphalend"},
	})

	adapter := &stubAdapter{fetch: func(wallet string) ([]position.Position, error) {
		if wallet == walletA {
			return nil, errors.New("rpc timeout")
		}
		return []position.Position{testPosition(walletB, 8_500_000_000)}, nil
	}}
	notifier := &recordingNotifier{}
	monitor := newTestMonitor(t, cfg, adapter, &stubOracle{table: usdTable()}, notifier, nil)

	if err := monitor.RunCycle(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("wallet failures must not fail the cycle: %v", err)
	}

	alerts := notifier.byClass(alerting.ChannelAlert)
	if len(alerts) != 1 {
		t.Fatalf("expected the healthy wallet to alert, got %d alerts", len(alerts))
	}
	if alerts[0].Subject.Wallet != walletB {
		t.Fatalf("alert attributed to wrong wallet: %s", alerts[0].Subject.Wallet)
	}

	var failures int
	for _, intent := range notifier.byClass(alerting.ChannelLog) {
		if strings.Contains(intent.Message, "Check cycle failed") {
			failures++
			if intent.Subject.Wallet != walletA {
				t.Fatalf("failure attributed to wrong wallet: %s", intent.Subject.Wallet)
			}
		}
	}
	if failures != 1 {
		t.Fatalf("expected one failure status for the broken wallet, got %d", failures)
	}
}

func TestRunCycleNoPositions(t *testing.T) {
	adapter := &stubAdapter{fetch: func(string) ([]position.Position, error) {
		return nil, nil
	}}
	notifier := &recordingNotifier{}
	monitor := newTestMonitor(t, testConfig(), adapter, &stubOracle{table: usdTable()}, notifier, nil)

	if err := monitor.RunCycle(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}

	logs := notifier.byClass(alerting.ChannelLog)
	if len(logs) != 1 {
		t.Fatalf("expected one status log, got %d", len(logs))
	}
	if !strings.Contains(logs[0].Message, "No active positions") {
		t.Fatalf("unexpected status message: %q", logs[0].Message)
	}
}

func TestRunCyclePersistsHistory(t *testing.T) {
	adapter := &stubAdapter{fetch: func(string) ([]position.Position, error) {
		return []position.Position{testPosition(walletA, 8_500_000_000)}, nil
	}}
	store := &memStore{}
	notifier := &recordingNotifier{}
	monitor := newTestMonitor(t, testConfig(), adapter, &stubOracle{table: usdTable()}, notifier, store)

	cycle := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := monitor.RunCycle(context.Background(), cycle); err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}

	if len(store.snapshots) != 1 {
		t.Fatalf("expected one snapshot row, got %d", len(store.snapshots))
	}
	snap := store.snapshots[0]
	if snap.CycleID == "" {
		t.Fatal("snapshot row missing cycle id")
	}
	if !snap.CycleTS.Equal(cycle) {
		t.Fatalf("snapshot cycle_ts = %s, want %s", snap.CycleTS, cycle)
	}
	if snap.Band != "CRITICAL" {
		t.Fatalf("snapshot band = %q, want CRITICAL", snap.Band)
	}
	if snap.LTVPct == nil || snap.LTVPct.StringFixed(2) != "85.00" {
		t.Fatalf("unexpected persisted ltv: %v", snap.LTVPct)
	}
	if snap.HealthFactor == nil {
		t.Fatal("expected a finite health factor to persist")
	}

	if len(store.events) != 1 {
		t.Fatalf("expected one alert event row, got %d", len(store.events))
	}
	event := store.events[0]
	if event.Class != "ALERT" || event.Severity != "CRITICAL" {
		t.Fatalf("unexpected alert event %+v", event)
	}
	if event.PrevBand != nil {
		t.Fatalf("first notification must have no prev band, got %q", *event.PrevBand)
	}
	if event.CycleID != snap.CycleID {
		t.Fatal("alert event and snapshot should share the cycle id")
	}
}

func TestRunCyclePersistsUnboundedAsNull(t *testing.T) {
	pos := position.Position{
		ID:       "0xpos-debt",
		Wallet:   walletA,
		Protocol: "alphalend",
		Debts: []position.DebtLeg{{
			Symbol:    "USDC",
			RawAmount: decimal.NewFromInt(500_000_000),
			Decimals:  6,
		}},
	}
	adapter := &stubAdapter{fetch: func(string) ([]position.Position, error) {
		return []position.Position{pos}, nil
	}}
	store := &memStore{}
	monitor := newTestMonitor(t, testConfig(), adapter, &stubOracle{table: usdTable()}, &recordingNotifier{}, store)

	if err := monitor.RunCycle(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}

	if len(store.snapshots) != 1 {
		t.Fatalf("expected one snapshot row, got %d", len(store.snapshots))
	}
	snap := store.snapshots[0]
	if snap.LTVPct != nil {
		t.Fatalf("unbounded ltv must persist as null, got %s", snap.LTVPct)
	}
	if snap.Band != "CRITICAL" {
		t.Fatalf("debt without collateral should classify CRITICAL, got %q", snap.Band)
	}
}

func TestReportSendsDigest(t *testing.T) {
	adapter := &stubAdapter{fetch: func(string) ([]position.Position, error) {
		return []position.Position{testPosition(walletA, 8_500_000_000)}, nil
	}}
	notifier := &recordingNotifier{}
	monitor := newTestMonitor(t, testConfig(), adapter, &stubOracle{table: usdTable()}, notifier, nil)

	if err := monitor.Report(context.Background()); err != nil {
		t.Fatalf("Report returned error: %v", err)
	}

	alerts := notifier.byClass(alerting.ChannelAlert)
	if len(alerts) != 1 {
		t.Fatalf("expected one digest alert, got %d", len(alerts))
	}
	message := alerts[0].Message
	for _, want := range []string{"📋 Daily DeFi Position Report", "━━ Main (SUI) ━━", "alphalend", "LTV: 85.00%"} {
		if !strings.Contains(message, want) {
			t.Fatalf("digest missing %q:\n%s", want, message)
		}
	}
}

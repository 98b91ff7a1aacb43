package alerting

import (
	"lendwatch/internal/position"
)

// ChannelClass separates routine status traffic from operator alerts.
type ChannelClass int

const (
	// ChannelLog is routine status reporting, sent every cycle.
	ChannelLog ChannelClass = iota
	// ChannelAlert is an operator-facing notification.
	ChannelAlert
)

func (c ChannelClass) String() string {
	if c == ChannelAlert {
		return "ALERT"
	}
	return "LOG"
}

// Severity grades an intent for routing and metrics.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "WARNING"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "INFO"
	}
}

func severityForBand(b Band) Severity {
	switch b {
	case BandCritical:
		return SeverityCritical
	case BandWarning:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Subject identifies whose position an intent concerns.
type Subject struct {
	Wallet   string
	Label    string
	Chain    string
	Protocol string
}

// Intent is one notification the engine wants delivered. Intents are
// immutable and fire-and-forget; delivery failures never feed back into
// the decision state.
type Intent struct {
	Class      ChannelClass
	Severity   Severity
	Band       Band
	PrevBand   *Band
	Subject    Subject
	PositionID string
	Title      string
	Message    string
	Snapshot   position.Snapshot
}

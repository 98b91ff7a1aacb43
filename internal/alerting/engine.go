package alerting

import (
	"time"

	"lendwatch/internal/position"
)

// State is what the engine remembers about one position between cycles.
// The zero value is the startup state: SAFE, nothing notified yet. State
// lives in process memory only; a restart resets it.
type State struct {
	LastBand         Band
	LastNotifiedBand *Band
	LastNotifiedAt   time.Time
}

// Engine turns a stream of snapshots into notification intents for one
// monitored wallet. Decide is a pure function of (snapshot, prior state);
// the caller owns the state map and passes it back each cycle.
type Engine struct {
	thresholds Thresholds
	subject    Subject
}

// NewEngine constructs a decision engine with the wallet's thresholds.
func NewEngine(thresholds Thresholds, subject Subject) *Engine {
	return &Engine{thresholds: thresholds, subject: subject}
}

// Decide classifies the snapshot and emits intents.
//
// A LOG intent goes out every cycle regardless of band. An ALERT intent
// goes out only when the position sits in a risky band different from the
// last band already notified, so holding steady inside WARNING or CRITICAL
// never repeats the page. Leaving the risky bands emits one recovery ALERT
// and clears the notified band.
func (e *Engine) Decide(snap position.Snapshot, prior State, now time.Time) ([]Intent, State) {
	band := Classify(snap, e.thresholds)

	subject := e.subject
	if snap.Protocol != "" {
		subject.Protocol = snap.Protocol
	}

	next := prior
	next.LastBand = band

	intents := []Intent{{
		Class:      ChannelLog,
		Severity:   severityForBand(band),
		Band:       band,
		Subject:    subject,
		PositionID: snap.PositionID,
		Title:      "Position status",
		Message:    statusMessage(subject, snap, band, now),
		Snapshot:   snap,
	}}

	switch {
	case band.Risky() && (prior.LastNotifiedBand == nil || *prior.LastNotifiedBand != band):
		intents = append(intents, Intent{
			Class:      ChannelAlert,
			Severity:   severityForBand(band),
			Band:       band,
			PrevBand:   prior.LastNotifiedBand,
			Subject:    subject,
			PositionID: snap.PositionID,
			Title:      alertTitle(band),
			Message:    alertMessage(subject, snap, band, now),
			Snapshot:   snap,
		})
		notified := band
		next.LastNotifiedBand = &notified
		next.LastNotifiedAt = now

	case !band.Risky() && prior.LastNotifiedBand != nil && prior.LastNotifiedBand.Risky():
		intents = append(intents, Intent{
			Class:      ChannelAlert,
			Severity:   SeverityInfo,
			Band:       band,
			PrevBand:   prior.LastNotifiedBand,
			Subject:    subject,
			PositionID: snap.PositionID,
			Title:      "✅ RECOVERED: Position healthy again",
			Message:    recoveredMessage(subject, snap, band, now),
			Snapshot:   snap,
		})
		next.LastNotifiedBand = nil
		next.LastNotifiedAt = now
	}

	return intents, next
}

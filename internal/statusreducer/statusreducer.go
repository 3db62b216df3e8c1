// Package statusreducer is a per-agent-kind pluggable projection from
// (runtimeStatus, telemetry, notify) onto a StatusModel the renderer
// paints directly. The state machine itself lives in livesession; only
// the UI-facing projection lives here, so it stays pure and restartable.
package statusreducer

import "time"

// Phase is the projected UI-level state.
type Phase string

const (
	PhaseStarting    Phase = "starting"
	PhaseWorking     Phase = "working"
	PhaseIdle        Phase = "idle"
	PhaseNeedsAction Phase = "needs-action"
	PhaseExited      Phase = "exited"
)

// Telemetry is the latest one-shot summary from an external exporter or
// hook pipeline.
type Telemetry struct {
	Text       string
	PhaseHint  Phase
	ObservedAt time.Time
}

// StatusModel is the full projection handed to the renderer and to
// session.status responses.
type StatusModel struct {
	RuntimeStatus    string
	Phase            Phase
	Glyph            string
	Badge            string
	DetailText       string
	AttentionReason  string
	LastKnownWork    string
	LastKnownWorkAt  time.Time
	PhaseHint        Phase
	ObservedAt       time.Time
}

var glyphs = map[Phase]string{
	PhaseNeedsAction: "▲",
	PhaseStarting:    "◔",
	PhaseWorking:     "◆",
	PhaseExited:      "■",
	PhaseIdle:        "○",
}

var badges = map[string]string{
	"needs-input": "NEED",
	"running":     "RUN",
	"completed":   "DONE",
	"exited":      "EXIT",
}

var defaultDetail = map[Phase]string{
	PhaseStarting:    "starting",
	PhaseWorking:     "working",
	PhaseIdle:        "idle",
	PhaseNeedsAction: "needs input",
	PhaseExited:      "exited",
}

// Reducer folds successive inputs into a StatusModel, remembering the
// lastKnownWork/phaseHint fields telemetry supersedes only when strictly
// newer, and the prior phase so a completed transition can tell whether it
// is superseding a needs-action phase.
type Reducer struct {
	lastKnownWork   string
	lastKnownWorkAt time.Time
	phaseHint       Phase
	phaseHintAt     time.Time
	prevPhase       Phase
}

// New creates a Reducer with no prior telemetry.
func New() *Reducer {
	return &Reducer{}
}

// Reduce projects a new StatusModel from the session's runtimeStatus,
// attentionReason, and the latest telemetry sample (nil if none arrived
// since the last call).
func (r *Reducer) Reduce(runtimeStatus string, attentionReason string, telemetry *Telemetry) StatusModel {
	now := time.Now()

	if telemetry != nil && telemetry.ObservedAt.After(r.phaseHintAt) {
		r.lastKnownWork = telemetry.Text
		r.lastKnownWorkAt = telemetry.ObservedAt
		r.phaseHint = telemetry.PhaseHint
		r.phaseHintAt = telemetry.ObservedAt
	}

	switch runtimeStatus {
	case "completed":
		if r.prevPhase != PhaseNeedsAction {
			r.lastKnownWork = "inactive"
			r.phaseHint = PhaseIdle
		}
	case "exited":
		r.lastKnownWork = "exited"
		r.phaseHint = PhaseIdle
	}

	phase := derivePhase(runtimeStatus, r.phaseHint)
	r.prevPhase = phase

	detail := detailText(runtimeStatus, attentionReason, r.lastKnownWork)

	model := StatusModel{
		RuntimeStatus:   runtimeStatus,
		Phase:           phase,
		Glyph:           glyphs[phase],
		Badge:           badges[runtimeStatus],
		DetailText:      detail,
		AttentionReason: attentionReason,
		LastKnownWork:   r.lastKnownWork,
		LastKnownWorkAt: r.lastKnownWorkAt,
		PhaseHint:       r.phaseHint,
		ObservedAt:      now,
	}
	return model
}

// derivePhase implements the phase derivation order: needs-input always
// wins, exited always wins, then the phaseHint (if one of the three
// recognized values), then running maps to starting, else idle.
func derivePhase(runtimeStatus string, hint Phase) Phase {
	switch runtimeStatus {
	case "needs-input":
		return PhaseNeedsAction
	case "exited":
		return PhaseExited
	}
	switch hint {
	case PhaseWorking, PhaseNeedsAction, PhaseIdle:
		return hint
	}
	if runtimeStatus == "running" {
		return PhaseStarting
	}
	return PhaseIdle
}

// detailText picks the most specific description available: the attention
// reason while input is needed, then last known work, then a per-phase
// default.
func detailText(runtimeStatus, attentionReason, lastKnownWork string) string {
	normalizedReason := normalizeReason(attentionReason)
	if runtimeStatus == "needs-input" && normalizedReason != "" {
		return normalizedReason
	}
	if lastKnownWork != "" {
		return lastKnownWork
	}
	if normalizedReason != "" {
		return normalizedReason
	}
	return defaultDetail[derivePhase(runtimeStatus, "")]
}

func normalizeReason(reason string) string {
	return reason
}

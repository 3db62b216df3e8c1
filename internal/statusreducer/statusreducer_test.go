package statusreducer

import (
	"testing"
	"time"
)

func TestDerivePhaseNeedsInputAndExitedWin(t *testing.T) {
	if got := derivePhase("needs-input", PhaseWorking); got != PhaseNeedsAction {
		t.Fatalf("needs-input should force needs-action phase, got %s", got)
	}
	if got := derivePhase("exited", PhaseWorking); got != PhaseExited {
		t.Fatalf("exited should force exited phase, got %s", got)
	}
}

func TestDerivePhaseFallsBackToHintThenRunning(t *testing.T) {
	if got := derivePhase("running", PhaseWorking); got != PhaseWorking {
		t.Fatalf("expected phaseHint to win over running, got %s", got)
	}
	if got := derivePhase("running", ""); got != PhaseStarting {
		t.Fatalf("running with no hint should map to starting, got %s", got)
	}
	if got := derivePhase("completed", ""); got != PhaseIdle {
		t.Fatalf("unrecognized hint should fall back to idle, got %s", got)
	}
}

func TestReduceCompletedForcesInactiveUnlessPriorNeedsAction(t *testing.T) {
	r := New()
	m := r.Reduce("needs-input", "waiting on approval", nil)
	if m.Phase != PhaseNeedsAction {
		t.Fatalf("expected needs-action, got %s", m.Phase)
	}

	m = r.Reduce("completed", "", nil)
	// Prior phase was needs-action, so completed must not force inactive/idle.
	if m.LastKnownWork == "inactive" {
		t.Fatalf("completed after needs-action should not force lastKnownWork=inactive")
	}

	r2 := New()
	r2.Reduce("running", "", nil)
	m2 := r2.Reduce("completed", "", nil)
	if m2.LastKnownWork != "inactive" || m2.PhaseHint != PhaseIdle {
		t.Fatalf("completed after non-needs-action should force inactive/idle, got %+v", m2)
	}
}

func TestReduceExitedForcesExitedWork(t *testing.T) {
	r := New()
	m := r.Reduce("exited", "", nil)
	if m.LastKnownWork != "exited" || m.Phase != PhaseExited {
		t.Fatalf("expected exited lastKnownWork/phase, got %+v", m)
	}
}

func TestReduceTelemetryOnlySupersedesWhenStrictlyNewer(t *testing.T) {
	r := New()
	t0 := time.Now()
	m := r.Reduce("running", "", &Telemetry{Text: "thinking", PhaseHint: PhaseWorking, ObservedAt: t0})
	if m.LastKnownWork != "thinking" || m.Phase != PhaseWorking {
		t.Fatalf("expected telemetry to set working, got %+v", m)
	}

	// Older telemetry must not supersede.
	older := r.Reduce("running", "", &Telemetry{Text: "stale", PhaseHint: PhaseIdle, ObservedAt: t0.Add(-time.Second)})
	if older.LastKnownWork != "thinking" {
		t.Fatalf("older telemetry should not supersede, got %+v", older)
	}

	newer := r.Reduce("running", "", &Telemetry{Text: "tool use", PhaseHint: PhaseWorking, ObservedAt: t0.Add(time.Second)})
	if newer.LastKnownWork != "tool use" {
		t.Fatalf("newer telemetry should supersede, got %+v", newer)
	}
}

func TestDetailTextResolutionOrder(t *testing.T) {
	if got := detailText("needs-input", "waiting for approval", ""); got != "waiting for approval" {
		t.Fatalf("needs-input with reason should surface the reason, got %q", got)
	}
	if got := detailText("running", "", "thinking"); got != "thinking" {
		t.Fatalf("lastKnownWork should win when present, got %q", got)
	}
	if got := detailText("running", "stuck", ""); got != "stuck" {
		t.Fatalf("attentionReason should surface when lastKnownWork is empty, got %q", got)
	}
	if got := detailText("running", "", ""); got != defaultDetail[PhaseStarting] {
		t.Fatalf("expected default detail for phase, got %q", got)
	}
}

func TestResolveFallsBackToGeneric(t *testing.T) {
	cap := Resolve("some-unregistered-agent")
	if cap.Extract == nil || cap.NewReducer == nil {
		t.Fatalf("expected generic fallback capability, got %+v", cap)
	}
	text, hint, ok := cap.Extract("turn-started")
	if !ok || text != "working" || hint != PhaseWorking {
		t.Fatalf("unexpected generic extraction: %q %q %v", text, hint, ok)
	}
}

func TestResolveKnownAgents(t *testing.T) {
	text, hint, ok := Resolve("claude").Extract("PermissionRequest")
	if !ok || hint != PhaseNeedsAction {
		t.Fatalf("expected claude PermissionRequest to map to needs-action, got %q %q %v", text, hint, ok)
	}
	text, hint, ok = Resolve("codex").Extract("codex.tool_decision")
	if !ok || hint != PhaseNeedsAction {
		t.Fatalf("expected codex tool_decision to map to needs-action, got %q %q %v", text, hint, ok)
	}
}

func TestRegisterAddsCustomAgent(t *testing.T) {
	Register("my-agent", Capability{
		NewReducer: New,
		Extract: func(event string) (string, Phase, bool) {
			if event == "ping" {
				return "pong", PhaseWorking, true
			}
			return "", "", false
		},
	})
	text, hint, ok := Resolve("my-agent").Extract("ping")
	if !ok || text != "pong" || hint != PhaseWorking {
		t.Fatalf("expected registered agent extractor to resolve, got %q %q %v", text, hint, ok)
	}
}

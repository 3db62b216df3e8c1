package statusreducer

// Extractor maps an agent's native telemetry event name to the
// (text, phaseHint) pair a Reducer folds in as a Telemetry sample. The
// reducer core carries no agent-specific strings itself; everything
// agent-flavored lives in the registry entries below.
type Extractor func(eventName string) (text string, phaseHint Phase, ok bool)

// Capability bundles the per-agent reducer factory with its prompt/telemetry
// extractor, the unit the registry resolves by agentType.
type Capability struct {
	NewReducer func() *Reducer
	Extract    Extractor
}

var registry = map[string]Capability{
	"generic": {NewReducer: New, Extract: genericExtractor},
	"claude":  {NewReducer: New, Extract: claudeExtractor},
	"codex":   {NewReducer: New, Extract: codexExtractor},
}

// Register adds or replaces the capability bundle for agentType, letting a
// front-end or automation surface register agents the control plane doesn't
// ship with.
func Register(agentType string, cap Capability) {
	registry[agentType] = cap
}

// Resolve returns the capability bundle for agentType, falling back to
// "generic" for any unrecognized agent kind so every agentType string works
// out of the box.
func Resolve(agentType string) Capability {
	if cap, ok := registry[agentType]; ok {
		return cap
	}
	return registry["generic"]
}

func genericExtractor(eventName string) (string, Phase, bool) {
	switch eventName {
	case "turn-started":
		return "working", PhaseWorking, true
	case "turn-completed":
		return "inactive", PhaseIdle, true
	}
	return "", "", false
}

func claudeExtractor(eventName string) (string, Phase, bool) {
	switch eventName {
	case "UserPromptSubmit":
		return "thinking", PhaseWorking, true
	case "PreToolUse":
		return "tool use", PhaseWorking, true
	case "PostToolUse":
		return "thinking", PhaseWorking, true
	case "PermissionRequest":
		return "waiting for permission", PhaseNeedsAction, true
	case "Stop":
		return "inactive", PhaseIdle, true
	}
	return "", "", false
}

func codexExtractor(eventName string) (string, Phase, bool) {
	switch eventName {
	case "codex.conversation_starts":
		return "starting", PhaseStarting, true
	case "codex.user_prompt":
		return "thinking", PhaseWorking, true
	case "codex.sse_event":
		return "thinking", PhaseWorking, true
	case "codex.tool_result":
		return "thinking", PhaseWorking, true
	case "codex.tool_decision":
		return "waiting for permission", PhaseNeedsAction, true
	}
	return "", "", false
}

package providers

// Hooks observes a run in flight. Implementations are called from a single
// goroutine per run; calls never interleave.
type Hooks interface {
	// OnRunStart fires once before any provider interaction.
	OnRunStart()
	// OnAssistantMessageStart fires on the first assistant chunk.
	OnAssistantMessageStart()
	// OnTextDelta receives incremental assistant text.
	OnTextDelta(text string)
	// OnReasoningDelta receives incremental reasoning text.
	OnReasoningDelta(text string)
	// OnToolStart fires as soon as a requested tool has a name; its
	// arguments may still be streaming in.
	OnToolStart(name string, args map[string]any)
	// OnToolResult fires after a tool executed.
	OnToolResult(name string, result string, failed bool)
	// OnBlockReply fires when an accumulated partial reply is flushed
	// mid-run.
	OnBlockReply(text string)
	// OnAgentEvent is a generic passthrough (compaction notices etc).
	OnAgentEvent(kind string, payload map[string]any)
}

// NopHooks is the do-nothing Hooks. Embed it to implement a subset.
type NopHooks struct{}

func (NopHooks) OnRunStart()                         {}
func (NopHooks) OnAssistantMessageStart()            {}
func (NopHooks) OnTextDelta(string)                  {}
func (NopHooks) OnReasoningDelta(string)             {}
func (NopHooks) OnToolStart(string, map[string]any)  {}
func (NopHooks) OnToolResult(string, string, bool)   {}
func (NopHooks) OnBlockReply(string)                 {}
func (NopHooks) OnAgentEvent(string, map[string]any) {}

var _ Hooks = NopHooks{}

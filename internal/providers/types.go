// Package providers drives one model turn against an LLM backend. The
// orchestrator consumes the Runner interface and observes progress through
// the Hooks callbacks; concrete runners speak the Anthropic and
// OpenAI-compatible streaming HTTP protocols.
package providers

import "context"

// Runner executes one provider turn, streaming progress into hooks.
type Runner interface {
	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string
	// Run performs the turn. Hooks fire in strict order from a single
	// goroutine; they must not be retained past the call.
	Run(ctx context.Context, req Request, hooks Hooks) (*Result, error)
}

// Request is the input for one turn.
type Request struct {
	Model    string           `json:"model"`
	System   string           `json:"system,omitempty"`
	Messages []Message        `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`

	// ThinkingLevel is off|low|medium|high|xhigh; empty means provider
	// default.
	ThinkingLevel string `json:"thinkingLevel,omitempty"`
	MaxTokens     int    `json:"maxTokens,omitempty"`
}

// Result is the outcome of one turn.
type Result struct {
	Text       string     `json:"text"`
	Reasoning  string     `json:"reasoning,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	StopReason string     `json:"stopReason"` // "stop", "tool_calls", "length"
	Usage      Usage      `json:"usage"`
}

// Message is one conversation turn.
type Message struct {
	Role       string     `json:"role"` // "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage is token accounting for one turn.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	TotalTokens  int64 `json:"totalTokens"`
}

// thinkingBudgets maps levels onto reasoning token budgets.
var thinkingBudgets = map[string]int{
	"low":    1024,
	"medium": 4096,
	"high":   16384,
	"xhigh":  65536,
}

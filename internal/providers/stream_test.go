package providers

import (
	"strings"
	"testing"
)

type recordingHooks struct {
	NopHooks
	events []string
}

func (h *recordingHooks) OnAssistantMessageStart() {
	h.events = append(h.events, "message_start")
}

func (h *recordingHooks) OnTextDelta(text string) {
	h.events = append(h.events, "text:"+text)
}

func (h *recordingHooks) OnToolStart(name string, _ map[string]any) {
	h.events = append(h.events, "tool:"+name)
}

const anthropicToolStream = `event: message_start
data: {"message":{"usage":{"input_tokens":12}}}

event: content_block_start
data: {"index":0,"content_block":{"type":"tool_use","id":"tu_1","name":"fetch_page"}}

event: content_block_delta
data: {"delta":{"type":"input_json_delta","partial_json":"{\"url\":"}}

event: content_block_delta
data: {"delta":{"type":"input_json_delta","partial_json":"\"https://example.com\"}"}}

event: content_block_delta
data: {"delta":{"type":"text_delta","text":"done"}}

event: message_delta
data: {"delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":3}}
`

func TestAnthropicToolStartFiresOnName(t *testing.T) {
	h := &recordingHooks{}
	res, err := (&AnthropicRunner{}).consumeStream(strings.NewReader(anthropicToolStream), h)
	if err != nil {
		t.Fatalf("consumeStream: %v", err)
	}

	// the hook fires when the name arrives, before the arguments finish
	// streaming and before any later deltas
	if len(h.events) == 0 || h.events[0] != "tool:fetch_page" {
		t.Fatalf("events = %v, want tool:fetch_page first", h.events)
	}
	if res.StopReason != "tool_calls" {
		t.Errorf("stopReason = %q", res.StopReason)
	}
	if len(res.ToolCalls) != 1 {
		t.Fatalf("toolCalls = %v", res.ToolCalls)
	}
	if got := res.ToolCalls[0].Arguments["url"]; got != "https://example.com" {
		t.Errorf("assembled arguments = %v", res.ToolCalls[0].Arguments)
	}
}

const openaiToolStream = `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"fetch_page","arguments":"{\"url\":"}}]}}]}

data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"https://example.com\"}"}}]}}]}

data: {"choices":[{"delta":{"content":"done"}}]}

data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":12,"completion_tokens":3}}

data: [DONE]
`

func TestOpenAIToolStartFiresOnName(t *testing.T) {
	h := &recordingHooks{}
	res, err := (&OpenAIRunner{provider: "openai"}).consumeStream(strings.NewReader(openaiToolStream), h)
	if err != nil {
		t.Fatalf("consumeStream: %v", err)
	}

	want := []string{"tool:fetch_page", "message_start", "text:done"}
	if len(h.events) != len(want) {
		t.Fatalf("events = %v, want %v", h.events, want)
	}
	for i, ev := range want {
		if h.events[i] != ev {
			t.Fatalf("events = %v, want %v", h.events, want)
		}
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].Name != "fetch_page" {
		t.Fatalf("toolCalls = %v", res.ToolCalls)
	}
	if got := res.ToolCalls[0].Arguments["url"]; got != "https://example.com" {
		t.Errorf("assembled arguments = %v", res.ToolCalls[0].Arguments)
	}
	if res.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", res.Usage)
	}
}

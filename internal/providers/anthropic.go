package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawdbot/internal/authprofiles"
)

const (
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
	anthropicBetaOAuth  = "oauth-2025-04-20"
)

// AnthropicRunner speaks the Anthropic messages streaming API.
type AnthropicRunner struct {
	cred    authprofiles.Credential
	baseURL string
	client  *http.Client
	retry   RetryConfig
}

type AnthropicOption func(*AnthropicRunner)

func WithAnthropicBaseURL(baseURL string) AnthropicOption {
	return func(r *AnthropicRunner) {
		if baseURL != "" {
			r.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func NewAnthropicRunner(cred authprofiles.Credential, opts ...AnthropicOption) *AnthropicRunner {
	r := &AnthropicRunner{
		cred:    cred,
		baseURL: anthropicAPIBase,
		client:  &http.Client{Timeout: 10 * time.Minute},
		retry:   DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *AnthropicRunner) Name() string { return "anthropic" }

func (r *AnthropicRunner) Run(ctx context.Context, req Request, hooks Hooks) (*Result, error) {
	if hooks == nil {
		hooks = NopHooks{}
	}
	body := r.buildBody(req)

	hooks.OnRunStart()
	respBody, err := RetryDo(ctx, r.retry, func() (io.ReadCloser, error) {
		return r.doRequest(ctx, body)
	})
	if err != nil {
		return nil, Classify(err)
	}
	defer respBody.Close()

	res, err := r.consumeStream(respBody, hooks)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, Classify(err)
	}
	return res, nil
}

// consumeStream reads SSE frames and feeds hooks in arrival order.
func (r *AnthropicRunner) consumeStream(body io.Reader, hooks Hooks) (*Result, error) {
	result := &Result{StopReason: "stop"}
	toolJSON := map[int]string{}
	started := false

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var event string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			event = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := []byte(strings.TrimPrefix(line, "data: "))

		switch event {
		case "message_start":
			var ev anthropicMessageStartEvent
			if json.Unmarshal(data, &ev) == nil {
				result.Usage.InputTokens = int64(ev.Message.Usage.InputTokens)
			}

		case "content_block_start":
			var ev anthropicContentBlockStartEvent
			if json.Unmarshal(data, &ev) == nil && ev.ContentBlock.Type == "tool_use" {
				result.ToolCalls = append(result.ToolCalls, ToolCall{
					ID:        ev.ContentBlock.ID,
					Name:      ev.ContentBlock.Name,
					Arguments: map[string]any{},
				})
				// arguments stream in afterwards via input_json_delta
				hooks.OnToolStart(ev.ContentBlock.Name, nil)
			}

		case "content_block_delta":
			var ev anthropicContentBlockDeltaEvent
			if json.Unmarshal(data, &ev) != nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				if !started {
					started = true
					hooks.OnAssistantMessageStart()
				}
				result.Text += ev.Delta.Text
				hooks.OnTextDelta(ev.Delta.Text)
			case "thinking_delta":
				result.Reasoning += ev.Delta.Thinking
				hooks.OnReasoningDelta(ev.Delta.Thinking)
			case "input_json_delta":
				if n := len(result.ToolCalls); n > 0 {
					toolJSON[n-1] += ev.Delta.PartialJSON
				}
			}

		case "message_delta":
			var ev anthropicMessageDeltaEvent
			if json.Unmarshal(data, &ev) == nil {
				switch ev.Delta.StopReason {
				case "tool_use":
					result.StopReason = "tool_calls"
				case "max_tokens":
					result.StopReason = "length"
				case "":
				default:
					result.StopReason = "stop"
				}
				if ev.Usage.OutputTokens > 0 {
					result.Usage.OutputTokens = int64(ev.Usage.OutputTokens)
				}
			}

		case "error":
			var ev anthropicErrorEvent
			if json.Unmarshal(data, &ev) == nil {
				return nil, fmt.Errorf("anthropic stream error: %s: %s", ev.Error.Type, ev.Error.Message)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	for i, raw := range toolJSON {
		if raw == "" {
			continue
		}
		args := map[string]any{}
		_ = json.Unmarshal([]byte(raw), &args)
		result.ToolCalls[i].Arguments = args
	}
	result.Usage.TotalTokens = result.Usage.InputTokens + result.Usage.OutputTokens
	return result, nil
}

func (r *AnthropicRunner) buildBody(req Request) map[string]any {
	var messages []map[string]any
	for _, msg := range req.Messages {
		switch msg.Role {
		case "assistant":
			var blocks []map[string]any
			if msg.Content != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, map[string]any{
					"type": "tool_use", "id": tc.ID, "name": tc.Name, "input": tc.Arguments,
				})
			}
			messages = append(messages, map[string]any{"role": "assistant", "content": blocks})
		case "tool":
			messages = append(messages, map[string]any{
				"role": "user",
				"content": []map[string]any{{
					"type": "tool_result", "tool_use_id": msg.ToolCallID, "content": msg.Content,
				}},
			})
		default:
			messages = append(messages, map[string]any{"role": "user", "content": msg.Content})
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}
	body := map[string]any{
		"model":      stripProviderPrefix(req.Model),
		"max_tokens": maxTokens,
		"messages":   messages,
		"stream":     true,
	}
	if req.System != "" {
		body["system"] = []map[string]any{{"type": "text", "text": req.System}}
	}
	if budget, ok := thinkingBudgets[req.ThinkingLevel]; ok {
		body["thinking"] = map[string]any{"type": "enabled", "budget_tokens": budget}
	}
	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"name": t.Name, "description": t.Description, "input_schema": t.Parameters,
			})
		}
		body["tools"] = tools
	}
	return body
}

func (r *AnthropicRunner) doRequest(ctx context.Context, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	switch c := r.cred.(type) {
	case authprofiles.APIKey:
		httpReq.Header.Set("x-api-key", c.Key)
	case authprofiles.OAuth:
		httpReq.Header.Set("Authorization", "Bearer "+c.Access)
		httpReq.Header.Set("anthropic-beta", anthropicBetaOAuth)
	case authprofiles.Token:
		httpReq.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       "anthropic: " + string(respBody),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

// stripProviderPrefix turns "anthropic/claude-opus-4" into "claude-opus-4".
func stripProviderPrefix(model string) string {
	if i := strings.IndexByte(model, '/'); i > 0 {
		return model[i+1:]
	}
	return model
}

// --- streaming event types ---

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicMessageStartEvent struct {
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
}

type anthropicContentBlockStartEvent struct {
	Index        int `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
	} `json:"content_block"`
}

type anthropicContentBlockDeltaEvent struct {
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		Thinking    string `json:"thinking,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta"`
}

type anthropicMessageDeltaEvent struct {
	Delta struct {
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicErrorEvent struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

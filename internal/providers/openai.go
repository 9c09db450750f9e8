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

// compatBases maps provider ids onto their OpenAI-compatible API roots.
var compatBases = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"zai":        "https://api.z.ai/api/paas/v4",
	"openrouter": "https://openrouter.ai/api/v1",
	"minimax":    "https://api.minimax.io/v1",
	"gemini":     "https://generativelanguage.googleapis.com/v1beta/openai",
}

// OpenAIRunner speaks the OpenAI chat-completions streaming protocol. It
// serves every provider exposing a compatible surface (openai, zai,
// openrouter, minimax, gemini).
type OpenAIRunner struct {
	provider string
	cred     authprofiles.Credential
	baseURL  string
	client   *http.Client
	retry    RetryConfig
}

func NewOpenAIRunner(provider string, cred authprofiles.Credential) *OpenAIRunner {
	provider = authprofiles.NormalizeProvider(provider)
	base, ok := compatBases[provider]
	if !ok {
		base = compatBases["openai"]
	}
	return &OpenAIRunner{
		provider: provider,
		cred:     cred,
		baseURL:  base,
		client:   &http.Client{Timeout: 10 * time.Minute},
		retry:    DefaultRetryConfig(),
	}
}

func (r *OpenAIRunner) Name() string { return r.provider }

func (r *OpenAIRunner) Run(ctx context.Context, req Request, hooks Hooks) (*Result, error) {
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

func (r *OpenAIRunner) consumeStream(body io.Reader, hooks Hooks) (*Result, error) {
	result := &Result{StopReason: "stop"}
	toolArgs := map[int]string{}
	started := false

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk openaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return nil, fmt.Errorf("%s stream error: %s", r.provider, chunk.Error.Message)
		}
		if chunk.Usage != nil {
			result.Usage.InputTokens = chunk.Usage.PromptTokens
			result.Usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			if !started {
				started = true
				hooks.OnAssistantMessageStart()
			}
			result.Text += choice.Delta.Content
			hooks.OnTextDelta(choice.Delta.Content)
		}
		if choice.Delta.ReasoningContent != "" {
			result.Reasoning += choice.Delta.ReasoningContent
			hooks.OnReasoningDelta(choice.Delta.ReasoningContent)
		}
		for _, tc := range choice.Delta.ToolCalls {
			for len(result.ToolCalls) <= tc.Index {
				result.ToolCalls = append(result.ToolCalls, ToolCall{Arguments: map[string]any{}})
			}
			if tc.ID != "" {
				result.ToolCalls[tc.Index].ID = tc.ID
			}
			if tc.Function.Name != "" && result.ToolCalls[tc.Index].Name == "" {
				result.ToolCalls[tc.Index].Name = tc.Function.Name
				// arguments stream in across later chunks
				hooks.OnToolStart(tc.Function.Name, nil)
			}
			toolArgs[tc.Index] += tc.Function.Arguments
		}
		switch choice.FinishReason {
		case "tool_calls":
			result.StopReason = "tool_calls"
		case "length":
			result.StopReason = "length"
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	for i, raw := range toolArgs {
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

func (r *OpenAIRunner) buildBody(req Request) map[string]any {
	var messages []map[string]any
	if req.System != "" {
		messages = append(messages, map[string]any{"role": "system", "content": req.System})
	}
	for _, msg := range req.Messages {
		m := map[string]any{"role": msg.Role, "content": msg.Content}
		if len(msg.ToolCalls) > 0 {
			var calls []map[string]any
			for _, tc := range msg.ToolCalls {
				args, _ := json.Marshal(tc.Arguments)
				calls = append(calls, map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name": tc.Name, "arguments": string(args),
					},
				})
			}
			m["tool_calls"] = calls
		}
		if msg.ToolCallID != "" {
			m["tool_call_id"] = msg.ToolCallID
		}
		messages = append(messages, m)
	}

	body := map[string]any{
		"model":          stripProviderPrefix(req.Model),
		"messages":       messages,
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
	}
	if req.MaxTokens > 0 {
		body["max_completion_tokens"] = req.MaxTokens
	}
	if req.ThinkingLevel != "" && req.ThinkingLevel != "off" {
		effort := req.ThinkingLevel
		if effort == "xhigh" {
			effort = "high"
		}
		body["reasoning_effort"] = effort
	}
	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name": t.Name, "description": t.Description, "parameters": t.Parameters,
				},
			})
		}
		body["tools"] = tools
	}
	return body
}

func (r *OpenAIRunner) doRequest(ctx context.Context, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", r.provider, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	switch c := r.cred.(type) {
	case authprofiles.APIKey:
		httpReq.Header.Set("Authorization", "Bearer "+c.Key)
	case authprofiles.OAuth:
		httpReq.Header.Set("Authorization", "Bearer "+c.Access)
	case authprofiles.Token:
		httpReq.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", r.provider, err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       r.provider + ": " + string(respBody),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

// --- streaming chunk types ---

type openaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content,omitempty"`
			ReasoningContent string `json:"reasoning_content,omitempty"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id,omitempty"`
				Function struct {
					Name      string `json:"name,omitempty"`
					Arguments string `json:"arguments,omitempty"`
				} `json:"function"`
			} `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

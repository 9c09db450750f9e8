package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawdbot/internal/agent"
	"github.com/nextlevelbuilder/clawdbot/internal/sessions"
)

// chatCompletionRequest is the accepted subset of the OpenAI request shape.
type chatCompletionRequest struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	User     string `json:"user,omitempty"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

type chatCompletionChoice struct {
	Index        int          `json:"index"`
	Message      *chatMessage `json:"message,omitempty"`
	Delta        *chatMessage `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

type chatMessage struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type chatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []chatCompletionChoice `json:"choices"`
	Usage   *chatUsage             `json:"usage,omitempty"`
}

type chatUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// handleChatCompletions translates an OpenAI-style request into one agent
// run on a webchat session.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := s.authorize(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	prompt := lastUserContent(req)
	if prompt == "" {
		http.Error(w, "no user message", http.StatusBadRequest)
		return
	}

	chatID := req.User
	if chatID == "" {
		chatID = "api"
	}
	agentID := s.cfg.ResolveDefaultAgentID()
	key := sessions.ChatKey(agentID, "webchat", "direct", chatID)

	res, err := s.orchestrator.Run(r.Context(), agent.RunRequest{
		SessionKey: key,
		Prompt:     prompt,
		Channel:    "webchat",
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	model := req.Model
	if model == "" {
		model = s.cfg.ResolveModel(agentID)
	}
	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()

	if req.Stream {
		s.streamCompletion(w, id, created, model, res)
		return
	}

	stop := "stop"
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(chatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []chatCompletionChoice{{
			Message:      &chatMessage{Role: "assistant", Content: res.Text},
			FinishReason: &stop,
		}},
		Usage: &chatUsage{
			PromptTokens:     res.Usage.InputTokens,
			CompletionTokens: res.Usage.OutputTokens,
			TotalTokens:      res.Usage.TotalTokens,
		},
	})
}

// streamCompletion emits the reply as SSE chunks followed by [DONE].
func (s *Server) streamCompletion(w http.ResponseWriter, id string, created int64, model string, res *agent.RunResult) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	writeChunk := func(choice chatCompletionChoice) {
		data, _ := json.Marshal(chatCompletionResponse{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []chatCompletionChoice{choice},
		})
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	writeChunk(chatCompletionChoice{Delta: &chatMessage{Role: "assistant"}})
	// paragraph-sized chunks keep clients responsive without delta replay
	for _, part := range strings.SplitAfter(res.Text, "\n\n") {
		if part == "" {
			continue
		}
		writeChunk(chatCompletionChoice{Delta: &chatMessage{Content: part}})
	}
	stop := "stop"
	writeChunk(chatCompletionChoice{FinishReason: &stop})
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func lastUserContent(req chatCompletionRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content
		}
	}
	return ""
}

package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrorKind classifies a failed turn for recovery decisions.
type ErrorKind string

const (
	KindInvalidRequest    ErrorKind = "invalid_request"
	KindUnauthorized      ErrorKind = "unauthorized"
	KindCredentialExpired ErrorKind = "credential_expired"
	KindBilling           ErrorKind = "billing"
	KindRateLimit         ErrorKind = "rate_limit"
	KindContextOverflow   ErrorKind = "context_overflow"
	KindCorruptHistory    ErrorKind = "corrupt_history"
	KindTimeout           ErrorKind = "timeout"
	KindAborted           ErrorKind = "aborted"
	KindTransport         ErrorKind = "transport"
	KindInternal          ErrorKind = "internal"
)

// RunError is the classified failure of one provider turn.
type RunError struct {
	Kind         ErrorKind
	Message      string
	ProviderHint string
	ProfileID    string
	Err          error
}

func (e *RunError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *RunError) Unwrap() error { return e.Err }

// Retriable reports whether the failure warrants trying the next credential.
func (e *RunError) Retriable() bool {
	switch e.Kind {
	case KindUnauthorized, KindCredentialExpired, KindBilling, KindRateLimit:
		return true
	}
	return false
}

// HTTPError carries a non-200 provider response through the retry layer.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, truncate(e.Body, 300))
}

// Payload markers that signal an unrecoverable transcript rather than a
// transient provider fault.
var (
	overflowMarkers = []string{
		"Context overflow: Summarization failed",
		"prompt is too long",
		"input length and `max_tokens` exceed context limit",
	}
	corruptMarkers = []string{
		"function call turn comes immediately after",
		"unexpected `tool_use_id` found",
	}
)

// Classify maps an arbitrary run failure onto a RunError. Already-classified
// errors pass through.
func Classify(err error) *RunError {
	if err == nil {
		return nil
	}
	var re *RunError
	if errors.As(err, &re) {
		return re
	}

	if errors.Is(err, context.Canceled) {
		return &RunError{Kind: KindAborted, Message: "run aborted", Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &RunError{Kind: KindTimeout, Message: "run timed out", Err: err}
	}

	msg := err.Error()
	if k, ok := classifyPayload(msg); ok {
		return &RunError{Kind: k, Message: msg, Err: err}
	}

	var he *HTTPError
	if errors.As(err, &he) {
		return classifyHTTP(he)
	}

	// Bun-style socket failures read as gibberish to users; rewrite.
	if strings.Contains(msg, "socket connection was closed") ||
		strings.Contains(msg, "ConnectionClosed") ||
		strings.Contains(msg, "ECONNRESET") {
		return &RunError{Kind: KindTransport, Message: "LLM connection failed: " + msg, Err: err}
	}

	return &RunError{Kind: KindInternal, Message: msg, Err: err}
}

// classifyPayload inspects text for overflow and corruption markers.
func classifyPayload(msg string) (ErrorKind, bool) {
	for _, m := range overflowMarkers {
		if strings.Contains(msg, m) {
			return KindContextOverflow, true
		}
	}
	for _, m := range corruptMarkers {
		if strings.Contains(msg, m) {
			return KindCorruptHistory, true
		}
	}
	return "", false
}

func classifyHTTP(he *HTTPError) *RunError {
	body := he.Body
	switch {
	case he.Status == http.StatusUnauthorized || he.Status == http.StatusForbidden:
		kind := KindUnauthorized
		if strings.Contains(body, "expired") || strings.Contains(body, "invalid x-api-key") {
			kind = KindCredentialExpired
		}
		return &RunError{Kind: kind, Message: body, Err: he}
	case he.Status == http.StatusPaymentRequired,
		strings.Contains(body, "billing"),
		strings.Contains(body, "insufficient credit"),
		strings.Contains(body, "credit balance is too low"):
		return &RunError{Kind: KindBilling, Message: body, Err: he}
	case he.Status == http.StatusTooManyRequests:
		return &RunError{Kind: KindRateLimit, Message: body, Err: he}
	case he.Status == http.StatusBadRequest:
		if k, ok := classifyPayload(body); ok {
			return &RunError{Kind: k, Message: body, Err: he}
		}
		return &RunError{Kind: KindInvalidRequest, Message: body, Err: he}
	case he.Status >= 500:
		return &RunError{Kind: KindTransport, Message: body, Err: he}
	}
	return &RunError{Kind: KindInternal, Message: body, Err: he}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

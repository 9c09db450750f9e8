package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/clawdbot/internal/providers"
	"github.com/nextlevelbuilder/clawdbot/internal/sessions"
	"github.com/nextlevelbuilder/clawdbot/pkg/protocol"
)

// Call is one in-flight request as seen by a handler.
type Call struct {
	Method string
	Params json.RawMessage

	// Emit sends a non-final stream event carrying the request id. Nil when
	// the client did not opt into streaming.
	Emit func(name string, payload any)
}

// Bind unmarshals the call params into dst.
func (c *Call) Bind(dst any) error {
	if len(c.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Params, dst); err != nil {
		return protocol.NewRPCError(protocol.ErrInvalidRequest, "bad params: "+err.Error())
	}
	return nil
}

// HandlerFunc executes one method call and returns the final payload.
type HandlerFunc func(ctx context.Context, call *Call) (any, error)

// MethodRouter maps method names onto handlers.
type MethodRouter struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewMethodRouter() *MethodRouter {
	return &MethodRouter{handlers: map[string]HandlerFunc{}}
}

// Register installs a handler. Later registrations replace earlier ones.
func (m *MethodRouter) Register(method string, h HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method] = h
}

// Methods lists registered methods, sorted, for the hello envelope.
func (m *MethodRouter) Methods() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.handlers))
	for name := range m.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Dispatch runs the handler for a call and shapes the terminal response.
func (m *MethodRouter) Dispatch(ctx context.Context, id string, call *Call) protocol.Response {
	m.mu.RLock()
	h := m.handlers[call.Method]
	m.mu.RUnlock()
	if h == nil {
		return protocol.NewErrorResponse(id, protocol.ErrNotFound, "unknown method "+call.Method)
	}

	payload, err := h(ctx, call)
	if err != nil {
		code, msg := classifyHandlerError(err)
		return protocol.NewErrorResponse(id, code, msg)
	}
	return protocol.NewResponse(id, payload)
}

// classifyHandlerError maps handler failures onto the closed wire enum.
func classifyHandlerError(err error) (protocol.ErrorCode, string) {
	var rpcErr *protocol.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code, rpcErr.Message
	}
	var patchErr *sessions.PatchError
	if errors.As(err, &patchErr) {
		if patchErr.Conflict {
			return protocol.ErrConflict, patchErr.Error()
		}
		return protocol.ErrInvalidRequest, patchErr.Error()
	}
	var runErr *providers.RunError
	if errors.As(err, &runErr) {
		switch runErr.Kind {
		case providers.KindInvalidRequest:
			return protocol.ErrInvalidRequest, runErr.Message
		case providers.KindUnauthorized, providers.KindCredentialExpired, providers.KindBilling:
			return protocol.ErrUnauthorized, runErr.Message
		case providers.KindTimeout:
			return protocol.ErrTimeout, runErr.Message
		case providers.KindRateLimit, providers.KindTransport:
			return protocol.ErrUnavailable, runErr.Message
		}
		return protocol.ErrInternal, runErr.Message
	}
	if errors.Is(err, sessions.ErrNotFound) {
		return protocol.ErrNotFound, err.Error()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return protocol.ErrTimeout, err.Error()
	}
	return protocol.ErrInternal, err.Error()
}

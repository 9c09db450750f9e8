// Package protocol defines the wire format of the clawdbot gateway:
// JSON frames over a single WebSocket connection, plus the method and
// error-code catalogue shared by server and clients.
package protocol

import "encoding/json"

// ProtocolVersion is bumped on incompatible frame changes.
const ProtocolVersion = 3

// Request is a client → server method call.
type Request struct {
	ID             string          `json:"id"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`

	// ExpectFinal opts the caller into multi-frame responses: the server may
	// emit any number of non-final Event frames with this request's id before
	// the single final Response.
	ExpectFinal bool `json:"expectFinal,omitempty"`
}

// Response is the terminal server → client frame for a request.
type Response struct {
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
}

// Event is a server → client push. When ID is set it belongs to an in-flight
// request (streaming); otherwise it is a broadcast lifecycle event.
type Event struct {
	Event   string          `json:"event"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Hello is the first frame the server sends after upgrade. Clients must wait
// for it before issuing requests.
type Hello struct {
	OK            bool     `json:"ok"`
	Features      Features `json:"features"`
	ServerVersion string   `json:"serverVersion"`
}

// Features advertises what this server supports.
type Features struct {
	Methods []string `json:"methods"`
}

// ErrorShape is the error half of a failed Response.
type ErrorShape struct {
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// NewResponse builds an ok response, marshaling payload to JSON.
// Marshal failures degrade to an INTERNAL error response.
func NewResponse(id string, payload any) Response {
	data, err := json.Marshal(payload)
	if err != nil {
		return NewErrorResponse(id, ErrInternal, "encode payload: "+err.Error())
	}
	return Response{ID: id, OK: true, Payload: data}
}

// NewErrorResponse builds a failed response.
func NewErrorResponse(id string, code ErrorCode, message string) Response {
	return Response{ID: id, OK: false, Error: &ErrorShape{Code: code, Message: message}}
}

// NewEvent builds a broadcast event frame.
func NewEvent(name string, payload any) Event {
	data, _ := json.Marshal(payload)
	return Event{Event: name, Payload: data}
}

// NewStreamEvent builds a non-final event frame tied to a request id.
func NewStreamEvent(id, name string, payload any) Event {
	data, _ := json.Marshal(payload)
	return Event{Event: name, ID: id, Payload: data}
}

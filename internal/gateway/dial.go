package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawdbot/pkg/protocol"
)

// Conn is a client connection to a gateway. It waits for the hello envelope
// before the first call and demultiplexes responses by request id.
type Conn struct {
	ws    *websocket.Conn
	hello protocol.Hello

	mu      sync.Mutex
	pending map[string]chan protocol.Response
	events  func(protocol.Event)
	closed  chan struct{}
}

// DialOptions configure a client connection.
type DialOptions struct {
	// Token is sent as a bearer secret; empty connects unauthenticated.
	Token string
	// OnEvent receives broadcast and stream events; nil drops them.
	OnEvent func(protocol.Event)
}

// Dial connects to ws://host:port/ws and waits for hello.
func Dial(ctx context.Context, url string, opts DialOptions) (*Conn, error) {
	var wsOpts websocket.DialOptions
	if opts.Token != "" {
		wsOpts.Subprotocols = []string{bearerProtoPrefix + opts.Token}
	}
	ws, _, err := websocket.Dial(ctx, url, &wsOpts)
	if err != nil {
		return nil, fmt.Errorf("gateway dial: %w", err)
	}
	ws.SetReadLimit(maxFrameBytes)

	c := &Conn{
		ws:      ws,
		pending: map[string]chan protocol.Response{},
		events:  opts.OnEvent,
		closed:  make(chan struct{}),
	}
	if err := wsjson.Read(ctx, ws, &c.hello); err != nil {
		ws.Close(websocket.StatusProtocolError, "no hello")
		return nil, fmt.Errorf("gateway hello: %w", err)
	}
	if !c.hello.OK {
		ws.Close(websocket.StatusProtocolError, "hello not ok")
		return nil, fmt.Errorf("gateway refused connection")
	}
	go c.readLoop()
	return c, nil
}

// Hello returns the server's hello envelope.
func (c *Conn) Hello() protocol.Hello { return c.hello }

// Close tears down the connection; in-flight calls fail.
func (c *Conn) Close() error {
	select {
	case <-c.closed:
		return nil
	default:
	}
	return c.ws.Close(websocket.StatusNormalClosure, "bye")
}

// Call invokes a method and blocks for the final response. Non-final stream
// frames go to the OnEvent callback.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	req := protocol.Request{
		ID:          uuid.NewString(),
		Method:      method,
		Params:      data,
		ExpectFinal: true,
	}

	ch := make(chan protocol.Response, 1)
	c.mu.Lock()
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	if err := wsjson.Write(ctx, c.ws, req); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return fmt.Errorf("gateway connection closed")
	case resp := <-ch:
		if !resp.OK {
			code := protocol.ErrInternal
			msg := "unknown error"
			if resp.Error != nil {
				code, msg = resp.Error.Code, resp.Error.Message
			}
			return protocol.NewRPCError(code, msg)
		}
		if result != nil && len(resp.Payload) > 0 {
			return json.Unmarshal(resp.Payload, result)
		}
		return nil
	}
}

// readLoop routes frames: responses resolve pending calls, events go to the
// callback. Any read error ends the connection.
func (c *Conn) readLoop() {
	defer close(c.closed)
	ctx := context.Background()
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, c.ws, &raw); err != nil {
			return
		}

		// a frame with "ok" is a response; otherwise an event
		var probe struct {
			ID    string  `json:"id"`
			OK    *bool   `json:"ok"`
			Event *string `json:"event"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			continue
		}
		switch {
		case probe.OK != nil:
			var resp protocol.Response
			if json.Unmarshal(raw, &resp) != nil {
				continue
			}
			c.mu.Lock()
			ch := c.pending[resp.ID]
			c.mu.Unlock()
			if ch != nil {
				ch <- resp
			}
		case probe.Event != nil:
			if c.events != nil {
				var ev protocol.Event
				if json.Unmarshal(raw, &ev) == nil {
					c.events(ev)
				}
			}
		}
	}
}

// WaitClosed blocks until the connection ends or the timeout elapses.
func (c *Conn) WaitClosed(timeout time.Duration) bool {
	select {
	case <-c.closed:
		return true
	case <-time.After(timeout):
		return false
	}
}

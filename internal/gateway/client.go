package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawdbot/pkg/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second

	maxFrameBytes = 4 << 20
)

// client is one WebSocket connection. Writes are serialized through send;
// each request dispatches on its own goroutine.
type client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	send      chan any
	closeOnce sync.Once
	closed    chan struct{}
}

func newClient(conn *websocket.Conn, s *Server) *client {
	return &client{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
		send:   make(chan any, 64),
		closed: make(chan struct{}),
	}
}

// run drives the connection until either pump fails. The hello envelope goes
// out before any request is read.
func (c *client) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	c.enqueue(protocol.Hello{
		OK:            true,
		Features:      protocol.Features{Methods: c.server.router.Methods()},
		ServerVersion: c.server.version,
	})
	c.readPump(ctx)
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// enqueue queues a frame for writing, dropping it if the client is gone.
func (c *client) enqueue(frame any) {
	select {
	case c.send <- frame:
	case <-c.closed:
	}
}

func (c *client) readPump(ctx context.Context) {
	defer c.close()
	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read", "client", c.id, "error", err)
			}
			return
		}
		var req protocol.Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.enqueue(protocol.NewErrorResponse("", protocol.ErrInvalidRequest, "bad frame: "+err.Error()))
			continue
		}
		if req.ID == "" || req.Method == "" {
			c.enqueue(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "id and method are required"))
			continue
		}
		if !c.server.allowRequest() {
			c.enqueue(protocol.NewErrorResponse(req.ID, protocol.ErrUnavailable, "rate limited"))
			continue
		}
		go c.dispatch(ctx, req)
	}
}

func (c *client) dispatch(ctx context.Context, req protocol.Request) {
	if resp, ok := c.server.idem.Lookup(req.IdempotencyKey, req.ID); ok {
		c.enqueue(resp)
		return
	}

	call := &Call{Method: req.Method, Params: req.Params}
	if req.ExpectFinal {
		call.Emit = func(name string, payload any) {
			c.enqueue(protocol.NewStreamEvent(req.ID, name, payload))
		}
	}

	resp := c.server.router.Dispatch(ctx, req.ID, call)
	c.server.idem.Store(req.IdempotencyKey, resp)
	c.enqueue(resp)
}

func (c *client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Package gateway serves the WebSocket RPC surface: one HTTP listener, many
// long-lived client connections, a method router, and the OpenAI-compatible
// completions endpoint.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/clawdbot/internal/agent"
	"github.com/nextlevelbuilder/clawdbot/internal/bus"
	"github.com/nextlevelbuilder/clawdbot/internal/channels"
	"github.com/nextlevelbuilder/clawdbot/internal/config"
	"github.com/nextlevelbuilder/clawdbot/internal/heartbeat"
	"github.com/nextlevelbuilder/clawdbot/internal/sessions"
	"github.com/nextlevelbuilder/clawdbot/internal/subagents"
	"github.com/nextlevelbuilder/clawdbot/internal/usage"
	"github.com/nextlevelbuilder/clawdbot/pkg/protocol"
)

// Options wire a Server.
type Options struct {
	Config       *config.Config
	ConfigPath   string
	Orchestrator *agent.Orchestrator
	Sessions     *sessions.Store
	Subagents    *subagents.Registry
	Heartbeat    *heartbeat.Runner
	Outbound     *channels.Outbound
	Events       *bus.Bus
	Ledger       *usage.Ledger
	Version      string

	// RequestRestart is called by config.apply after writing the restart
	// sentinel. Nil makes apply a plain save.
	RequestRestart func()
}

// Server is the gateway process surface.
type Server struct {
	cfg          *config.Config
	configPath   string
	orchestrator *agent.Orchestrator
	sessions     *sessions.Store
	subagents    *subagents.Registry
	heartbeat    *heartbeat.Runner
	outbound     *channels.Outbound
	events       *bus.Bus
	ledger       *usage.Ledger
	version      string
	restart      func()

	router   *MethodRouter
	idem     *idempotencyCache
	limiter  *rate.Limiter
	upgrader websocket.Upgrader

	mu        sync.RWMutex
	clients   map[string]*client
	startedAt time.Time

	httpServer *http.Server
}

func New(opts Options) (*Server, error) {
	if err := ValidateBind(opts.Config.Gateway); err != nil {
		return nil, err
	}

	window := time.Duration(opts.Config.Gateway.IdempotencyWindowMin) * time.Minute
	if window <= 0 {
		window = 10 * time.Minute
	}

	s := &Server{
		cfg:          opts.Config,
		configPath:   opts.ConfigPath,
		orchestrator: opts.Orchestrator,
		sessions:     opts.Sessions,
		subagents:    opts.Subagents,
		heartbeat:    opts.Heartbeat,
		outbound:     opts.Outbound,
		events:       opts.Events,
		ledger:       opts.Ledger,
		version:      opts.Version,
		restart:      opts.RequestRestart,
		router:       NewMethodRouter(),
		idem:         newIdempotencyCache(window, nil),
		clients:      map[string]*client{},
		startedAt:    time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// auth happens before upgrade; browser clients carry the secret
		CheckOrigin: func(*http.Request) bool { return true },
	}
	if rpm := opts.Config.Gateway.RateLimitRPM; rpm > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60), rpm)
	}

	s.registerMethods()
	return s, nil
}

// Router exposes the method router for extra registrations.
func (s *Server) Router() *MethodRouter { return s.router }

// allowRequest applies the global request rate limit.
func (s *Server) allowRequest() bool {
	return s.limiter == nil || s.limiter.Allow()
}

// Handler builds the HTTP mux: WebSocket upgrade, health, and the
// OpenAI-compatible completions endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealthHTTP)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	return mux
}

// Start listens until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler()}

	// forward bus events to all connected clients
	if s.events != nil {
		s.events.Subscribe("gateway", func(ev bus.Event) {
			s.Broadcast(protocol.NewEvent(ev.Name, ev.Payload))
		})
	}

	slog.Info("gateway listening", "addr", addr, "authMode", s.cfg.Gateway.Auth.Mode)

	go func() {
		<-ctx.Done()
		s.Broadcast(protocol.NewEvent(protocol.EventShutdown, nil))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}

// StartOn serves an existing listener; used by tests to bind :0.
func (s *Server) StartOn(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()
	if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	proto, err := s.authorize(r)
	if err != nil {
		slog.Warn("gateway auth rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var respHeader http.Header
	if proto != "" {
		respHeader = http.Header{"Sec-Websocket-Protocol": []string{proto}}
	}
	conn, err := s.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(conn, s)
	s.register(c)
	defer func() {
		s.unregister(c)
		c.close()
	}()
	c.run(r.Context())
}

func (s *Server) handleHealthHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

// Broadcast sends an event frame to every connected client.
func (s *Server) Broadcast(ev protocol.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.enqueue(ev)
	}
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
	slog.Info("client connected", "id", c.id)
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	slog.Info("client disconnected", "id", c.id)
}

// Package gateway runs the localhost WebSocket server that streams
// activity-bus events to UI clients and accepts user input frames
// (interjections and slash commands) back from them.
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

	"github.com/allydev/ally/internal/bus"
	"github.com/allydev/ally/internal/config"
	"github.com/allydev/ally/pkg/protocol"
)

// InputHandler receives text a client typed. Lines starting with "/" are
// slash commands; everything else is an interjection for the running agent.
type InputHandler interface {
	HandleInput(ctx context.Context, text string) (string, error)
}

// Server broadcasts bus events to connected clients. It binds loopback
// only; this is a local UI surface, not a network service.
type Server struct {
	cfg     config.GatewayConfig
	bus     *bus.ActivityBus
	handler InputHandler

	mu      sync.RWMutex
	clients map[string]*client

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	subID    string

	addrMu sync.Mutex
	addr   string
	ready  chan struct{}
}

// New creates the gateway server. handler may be nil, in which case input
// frames are rejected.
func New(cfg config.GatewayConfig, b *bus.ActivityBus, handler InputHandler) *Server {
	return &Server{
		cfg:     cfg,
		bus:     b,
		handler: handler,
		clients: make(map[string]*client),
		ready:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Loopback-only listener; browser clients on other origins
			// cannot reach it anyway.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Start listens on 127.0.0.1 and serves until ctx is cancelled. The actual
// address is logged; pass port 0 to pick a free one.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", handleHealth)

	s.httpSrv = &http.Server{Handler: mux}
	s.subID = s.bus.Subscribe(bus.EventAll, s.broadcast)

	s.addrMu.Lock()
	s.addr = ln.Addr().String()
	s.addrMu.Unlock()
	close(s.ready)

	slog.Info("gateway listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		s.bus.Unsubscribe(s.subID)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutdownCtx)
	}()

	if err := s.httpSrv.Serve(ln); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// Addr blocks until the listener is bound and returns its address. Useful
// with port 0.
func (s *Server) Addr() string {
	<-s.ready
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.addr
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(conn, s.handler, s.cfg.RateLimitRPS)
	s.register(c)
	defer func() {
		s.unregister(c)
		c.close()
	}()

	c.run(r.Context())
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

// broadcast fans one bus event out to every client. It runs on the
// emitter's goroutine; client send buffers keep it non-blocking.
func (s *Server) broadcast(ev bus.Event) {
	wire := &protocol.Event{
		ID:        ev.ID,
		Type:      string(ev.Type),
		Timestamp: ev.Timestamp,
		ParentID:  ev.ParentID,
		Data:      ev.Data,
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.send(protocol.Frame{Type: protocol.FrameEvent, Event: wire})
	}
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
	slog.Info("gateway client connected", "id", c.id)
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	slog.Info("gateway client disconnected", "id", c.id)
}

// ClientCount reports connected clients, for tests and /debug.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

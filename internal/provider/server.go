package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/openclaw/clawgate/internal/auth"
	"github.com/openclaw/clawgate/internal/catalog"
	"github.com/openclaw/clawgate/internal/events"
	"github.com/openclaw/clawgate/internal/ledger"
	"github.com/openclaw/clawgate/internal/registry"
	"github.com/openclaw/clawgate/internal/router"
)

// Logger is the interface for provider server logging
type Logger interface {
	Printf(format string, v ...interface{})
	Debugf(format string, v ...interface{})
}

type defaultLogger struct {
	logger *log.Logger
	debug  bool
}

func newDefaultLogger(debug bool) *defaultLogger {
	return &defaultLogger{
		logger: log.New(os.Stderr, "[provider] ", log.LstdFlags),
		debug:  debug,
	}
}

func (l *defaultLogger) Printf(format string, v ...interface{}) {
	l.logger.Printf(format, v...)
}

func (l *defaultLogger) Debugf(format string, v ...interface{}) {
	if l.debug {
		l.logger.Printf("[DEBUG] "+format, v...)
	}
}

// Config holds provider server configuration.
type Config struct {
	Host           string
	Port           int
	MaxConnections int
	RateLimitRPS   float64
	RateLimitBurst int

	// ReadyTimeout bounds how long a connection may sit between the
	// upgrade and its ready frame (default 15s)
	ReadyTimeout time.Duration

	// PingInterval is how often the gateway pings each provider (default 20s)
	PingInterval time.Duration

	Debug bool
}

func (c *Config) withDefaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 1000
	}
	if c.RateLimitRPS <= 0 {
		c.RateLimitRPS = 5
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 10
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 15 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
}

// Server accepts provider reverse connections and binds them to the
// registry, catalog, and router.
type Server struct {
	config   Config
	keys     auth.KeyValidator
	registry *registry.Registry
	catalog  *catalog.Catalog
	router   *router.Router
	ledger   *ledger.Service
	bus      *events.Bus
	limiter  *RateLimiter
	logger   Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu      sync.Mutex
	running bool

	totalConnections  int64
	failedConnections int64
	activeConnections int64
}

// NewServer creates a provider channel server.
func NewServer(cfg Config, keys auth.KeyValidator, reg *registry.Registry, cat *catalog.Catalog, rtr *router.Router, led *ledger.Service, bus *events.Bus) *Server {
	cfg.withDefaults()
	s := &Server{
		config:   cfg,
		keys:     keys,
		registry: reg,
		catalog:  cat,
		router:   rtr,
		ledger:   led,
		bus:      bus,
		limiter:  NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		logger:   newDefaultLogger(cfg.Debug),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			// Providers are CLI processes, not browsers; there is no
			// origin to enforce.
			return true
		},
	}
	return s
}

// Handler returns the websocket endpoint handler for mounting on a mux.
func (s *Server) Handler() http.HandlerFunc {
	return s.handleWebSocket
}

// Start serves the provider endpoint on its own listener. When the
// gateway mounts Handler on a shared mux instead, Start is not used.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServerAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/provider", s.handleWebSocket)

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:     mux,
		IdleTimeout: 60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on port %d: %w", s.config.Port, err)
	}
	s.logger.Printf("provider channel listening on %s", listener.Addr().String())

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("server error: %v", err)
		}
	}()
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrServerNotRunning
	}
	s.running = false
	s.mu.Unlock()

	s.limiter.Stop()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func writeJSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q,"status":%d}`, message, status)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleWebSocket authenticates, upgrades, and runs a provider session
// until the connection dies.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	atomic.AddInt64(&s.totalConnections, 1)
	s.logger.Debugf("connection attempt from %s", ip)

	if !s.limiter.Allow(ip) {
		s.logger.Printf("rate limit exceeded for %s", ip)
		atomic.AddInt64(&s.failedConnections, 1)
		writeJSONError(w, ErrRateLimited.Error(), http.StatusTooManyRequests)
		return
	}

	key := r.URL.Query().Get("key")
	if key == "" {
		atomic.AddInt64(&s.failedConnections, 1)
		writeJSONError(w, "missing key parameter", http.StatusUnauthorized)
		return
	}

	identity, err := s.keys.ValidateKey(key)
	if err != nil {
		s.logger.Printf("key validation failed from %s: %v", ip, err)
		atomic.AddInt64(&s.failedConnections, 1)
		writeJSONError(w, "authentication failed", http.StatusUnauthorized)
		return
	}
	if identity.Role != auth.RoleProvider {
		atomic.AddInt64(&s.failedConnections, 1)
		writeJSONError(w, "key is not a provider key", http.StatusForbidden)
		return
	}
	providerID := identity.AccountID

	if int64(s.registry.Count()) >= int64(s.config.MaxConnections) {
		s.logger.Printf("max connections reached (%d), rejecting %s", s.config.MaxConnections, ip)
		atomic.AddInt64(&s.failedConnections, 1)
		writeJSONError(w, ErrMaxConnectionsReached.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("websocket upgrade failed for %s: %v", ip, err)
		atomic.AddInt64(&s.failedConnections, 1)
		return
	}

	atomic.AddInt64(&s.activeConnections, 1)
	defer atomic.AddInt64(&s.activeConnections, -1)

	s.runSession(providerID, conn, ip)
}

// runSession handles one provider connection from handshake to teardown.
func (s *Server) runSession(providerID string, conn *websocket.Conn, ip string) {
	transport := newWSTransport(conn)

	// The ready frame must arrive before the session exists anywhere
	ready, err := s.awaitReady(conn)
	if err != nil {
		s.logger.Printf("provider %s from %s: %v", providerID, ip, err)
		transport.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	if err := s.ledger.EnsureAccount(providerID, ledger.RoleProvider); err != nil {
		s.logger.Printf("provider %s: ensure account: %v", providerID, err)
		transport.Close()
		return
	}
	if _, err := s.registry.Register(providerID, transport); err != nil {
		s.logger.Printf("provider %s: register: %v", providerID, err)
		transport.Close()
		return
	}

	s.applyReady(providerID, ready)
	s.logger.Printf("provider %s online from %s (%d workflow(s))", providerID, ip, len(ready.Workflows))

	stopPing := make(chan struct{})
	go s.pingLoop(transport, stopPing)

	s.readLoop(providerID, conn)

	close(stopPing)
	s.registry.UnregisterIf(providerID, transport)
	s.logger.Printf("provider %s session ended", providerID)
}

// awaitReady blocks for the provider's opening frame.
func (s *Server) awaitReady(conn *websocket.Conn) (Frame, error) {
	conn.SetReadDeadline(time.Now().Add(s.config.ReadyTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return Frame{}, ErrReadyTimeout
	}
	f, err := UnmarshalFrame(data)
	if err != nil {
		return Frame{}, err
	}
	if f.Type != FrameReady {
		return Frame{}, fmt.Errorf("%w: expected ready, got %s", ErrBadFrame, f.Type)
	}
	return f, nil
}

// applyReady flips the offered workflows online. Offered ids the
// provider never published are ignored.
func (s *Server) applyReady(providerID string, ready Frame) {
	for _, wf := range ready.Workflows {
		if err := s.catalog.SetWorkflowOnline(providerID, wf.ID, true); err != nil {
			s.logger.Debugf("provider %s offered unknown workflow %s: %v", providerID, wf.ID, err)
		}
	}
	s.bus.Publish(events.ProviderTopic(providerID), events.Event{
		Type: events.TypeProviderUp, ProviderID: providerID,
		Detail: map[string]any{"gpu_info": ready.GPUInfo},
	})
}

func (s *Server) pingLoop(transport *wsTransport, stop <-chan struct{}) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := transport.SendJSON(NewPingFrame()); err != nil {
				return
			}
		}
	}
}

// readLoop consumes provider frames until the connection errors. Every
// frame refreshes the session's liveness.
func (s *Server) readLoop(providerID string, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debugf("provider %s read: %v", providerID, err)
			return
		}

		f, err := UnmarshalFrame(data)
		if err != nil {
			s.logger.Debugf("provider %s sent bad frame: %v", providerID, err)
			continue
		}

		s.registry.Heartbeat(providerID)
		s.handleFrame(providerID, f)
	}
}

func (s *Server) handleFrame(providerID string, f Frame) {
	switch f.Type {
	case FramePong, FrameHeartbeat:
		// Liveness already refreshed

	case FrameReady:
		// A late ready re-declares the offered workflow set
		s.applyReady(providerID, f)

	case FrameProgress:
		s.router.HandleProgress(f.JobID, f.Progress)

	case FrameComplete:
		s.router.HandleComplete(f.JobID, router.Result{
			Output:        f.Output,
			OutputType:    f.OutputType,
			ResolvedSeeds: f.ResolvedSeeds,
		})

	case FrameFailed:
		s.router.HandleFailed(f.JobID, f.Error)

	case FramePublish:
		s.handlePublish(providerID, f)

	case FrameUnpublish:
		if err := s.catalog.Unpublish(providerID, f.WorkflowID); err != nil {
			s.logger.Debugf("provider %s unpublish %s: %v", providerID, f.WorkflowID, err)
		}

	case FrameSetPrice:
		price, err := decimal.NewFromString(f.Price)
		if err != nil {
			s.logger.Debugf("provider %s set_price %s: bad price %q", providerID, f.WorkflowID, f.Price)
			return
		}
		if err := s.catalog.SetPrice(providerID, f.WorkflowID, price); err != nil {
			s.logger.Debugf("provider %s set_price %s: %v", providerID, f.WorkflowID, err)
		}
	}
}

func (s *Server) handlePublish(providerID string, f Frame) {
	price, err := decimal.NewFromString(f.Price)
	if err != nil {
		s.logger.Debugf("provider %s publish %s: bad price %q", providerID, f.WorkflowID, f.Price)
		return
	}
	var schema catalog.InputSchema
	if len(f.Schema) > 0 {
		if err := json.Unmarshal(f.Schema, &schema); err != nil {
			s.logger.Debugf("provider %s publish %s: bad schema: %v", providerID, f.WorkflowID, err)
			return
		}
	}
	if err := s.catalog.Publish(providerID, f.WorkflowID, schema, price, f.Category); err != nil {
		s.logger.Debugf("provider %s publish %s: %v", providerID, f.WorkflowID, err)
		return
	}
	// Published over a live channel means immediately serveable
	if err := s.catalog.SetWorkflowOnline(providerID, f.WorkflowID, true); err != nil {
		s.logger.Debugf("provider %s publish %s: online flip: %v", providerID, f.WorkflowID, err)
	}
}

// Stats reports connection counters for the stats endpoint.
func (s *Server) Stats() map[string]int64 {
	return map[string]int64{
		"total_connections":  atomic.LoadInt64(&s.totalConnections),
		"failed_connections": atomic.LoadInt64(&s.failedConnections),
		"active_connections": atomic.LoadInt64(&s.activeConnections),
		"rate_limited_ips":   int64(s.limiter.Count()),
	}
}

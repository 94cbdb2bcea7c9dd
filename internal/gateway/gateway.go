package gateway

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openclaw/clawgate/internal/auth"
	"github.com/openclaw/clawgate/internal/catalog"
	"github.com/openclaw/clawgate/internal/events"
	"github.com/openclaw/clawgate/internal/ledger"
	"github.com/openclaw/clawgate/internal/provider"
	"github.com/openclaw/clawgate/internal/registry"
	"github.com/openclaw/clawgate/internal/router"
)

// Logger is the interface for gateway logging
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
		logger: log.New(os.Stderr, "[gateway] ", log.LstdFlags),
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

// Gateway owns every subsystem and their lifecycles.
type Gateway struct {
	cfg    *Config
	logger *defaultLogger

	bus    *events.Bus
	mirror *events.RedisMirror

	ledgerStore *ledger.Store
	Ledger      *ledger.Service

	Catalog  *catalog.Catalog
	Registry *registry.Registry

	jobStore *router.Store
	Router   *router.Router

	keyStore *auth.KeyStore
	Keys     auth.KeyValidator
	Sessions *auth.SessionManager

	Provider *provider.Server

	httpServer *http.Server
	startedAt  time.Time

	mu      sync.Mutex
	running bool
}

// New builds a gateway from config. Nothing listens until Start.
func New(cfg *Config) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	g := &Gateway{cfg: cfg, logger: newDefaultLogger(cfg.Debug), startedAt: time.Now()}
	debugf := g.logger.Debugf

	// Event fan-out, optionally mirrored to Redis
	busOpts := []events.Option{events.WithDebug(debugf)}
	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		mirror, err := events.NewRedisMirror(ctx, cfg.RedisAddr, cfg.RedisPassword, debugf)
		cancel()
		if err != nil {
			return nil, err
		}
		g.mirror = mirror
		busOpts = append(busOpts, events.WithMirror(mirror))
		g.logger.Printf("mirroring events to redis at %s", cfg.RedisAddr)
	}
	g.bus = events.NewBus(busOpts...)

	// Money
	ledgerStore, err := ledger.OpenStore(filepath.Join(cfg.DataDir, "ledger.db"))
	if err != nil {
		g.closePartial()
		return nil, err
	}
	g.ledgerStore = ledgerStore

	var settlement ledger.SettlementNotifier = ledger.NoopSettlement{}
	if cfg.SettlementURL != "" {
		settlement = ledger.NewHTTPSettlement(cfg.SettlementURL)
	}
	g.Ledger, err = ledger.NewService(ledgerStore, ledger.Config{
		MarkupPercent: int64(cfg.MarkupPercent),
		Settlement:    settlement,
		OnBalanceChange: func(accountID string, balance decimal.Decimal) {
			g.bus.Publish(events.AccountTopic(accountID), events.Event{
				Type: events.TypeBalanceChanged, AccountID: accountID,
				Detail: map[string]any{"balance": balance.String()},
			})
		},
		DebugFunc: debugf,
	})
	if err != nil {
		g.closePartial()
		return nil, err
	}

	// Listings
	g.Catalog = catalog.New(func(workflowID, providerID string, online bool) {
		typ := events.TypeWorkflowOffline
		if online {
			typ = events.TypeWorkflowOnline
		}
		g.bus.Publish(events.CatalogTopic, events.Event{
			Type: typ, WorkflowID: workflowID, ProviderID: providerID,
		})
	})

	// Sessions: when a provider's connection dies, its listings go
	// offline, its in-flight jobs fail and release their holds, and
	// observers hear about it.
	g.Registry = registry.New(registry.Config{
		SweepInterval: cfg.SweepInterval,
		DeadAfter:     cfg.DeadAfter,
		DebugFunc:     debugf,
	}, registry.Hooks{
		OnSessionDown: func(providerID string) {
			g.Catalog.SetOnline(providerID, false)
			g.Router.FailAllForProvider(providerID)
			g.bus.Publish(events.ProviderTopic(providerID), events.Event{
				Type: events.TypeProviderDown, ProviderID: providerID,
			})
		},
	})

	// Jobs
	jobStore, err := router.OpenStore(filepath.Join(cfg.DataDir, "jobs.db"))
	if err != nil {
		g.closePartial()
		return nil, err
	}
	g.jobStore = jobStore
	g.Router = router.New(g.Catalog, g.Ledger, g.Registry, g.bus, jobStore, router.Config{
		JobTimeout: cfg.JobTimeout,
		DebugFunc:  debugf,
	})

	// Credentials
	keyStore, err := auth.OpenKeyStore(filepath.Join(cfg.DataDir, "keys.db"))
	if err != nil {
		g.closePartial()
		return nil, err
	}
	g.keyStore = keyStore
	g.Keys = auth.NewStoreValidator(keyStore)
	g.Sessions = auth.NewSessionManager(cfg.SessionTTL)

	// Provider reverse channel
	g.Provider = provider.NewServer(provider.Config{
		MaxConnections: cfg.MaxConnections,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Debug:          cfg.Debug,
	}, g.Keys, g.Registry, g.Catalog, g.Router, g.Ledger, g.bus)

	return g, nil
}

// Bus exposes the event broadcaster.
func (g *Gateway) Bus() *events.Bus { return g.bus }

// KeyStore exposes key management for the CLI.
func (g *Gateway) KeyStore() *auth.KeyStore { return g.keyStore }

// Start begins serving the consumer API and the provider channel on one
// listener.
func (g *Gateway) Start() error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return ErrAlreadyRunning
	}
	g.running = true
	g.mu.Unlock()

	g.startedAt = time.Now()
	mux := g.buildMux()
	g.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", g.cfg.Host, g.cfg.Port),
		Handler:     mux,
		IdleTimeout: 60 * time.Second,
	}

	listener, err := net.Listen("tcp", g.httpServer.Addr)
	if err != nil {
		g.mu.Lock()
		g.running = false
		g.mu.Unlock()
		return fmt.Errorf("failed to listen on port %d: %w", g.cfg.Port, err)
	}
	g.logger.Printf("gateway listening on %s", listener.Addr().String())

	go func() {
		if err := g.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			g.logger.Printf("server error: %v", err)
		}
	}()
	return nil
}

// Stop shuts everything down in dependency order.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return ErrNotRunning
	}
	g.running = false
	g.mu.Unlock()

	g.logger.Printf("stopping gateway...")

	var firstErr error
	if g.httpServer != nil {
		if err := g.httpServer.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	g.Registry.Stop()
	g.closePartial()
	g.logger.Printf("gateway stopped")
	return firstErr
}

// closePartial releases whatever New managed to open.
func (g *Gateway) closePartial() {
	if g.keyStore != nil {
		g.keyStore.Close()
	}
	if g.jobStore != nil {
		g.jobStore.Close()
	}
	if g.ledgerStore != nil {
		g.ledgerStore.Close()
	}
	if g.mirror != nil {
		g.mirror.Close()
	}
}

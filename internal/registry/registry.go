// Package registry tracks live provider connections.
//
// Providers dial the gateway, so the registry is the only map from a
// provider id to a transport the gateway can write to. At most one live
// transport exists per provider id; a newer registration supersedes and
// closes the older one.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transport is the write side of a provider connection. Implementations
// must serialize concurrent SendJSON calls internally.
type Transport interface {
	SendJSON(v any) error
	Close() error
	RemoteAddr() string
}

// Hooks are callbacks fired on session lifecycle transitions. They keep
// the registry decoupled from the catalog and router, which react to
// sessions going away.
type Hooks struct {
	// OnSessionUp fires after a provider's transport is registered
	OnSessionUp func(providerID string)

	// OnSessionDown fires after a provider's transport is removed,
	// whether by explicit unregister, supersession, or the liveness sweep
	OnSessionDown func(providerID string)
}

type session struct {
	providerID string
	token      string
	transport  Transport
	lastSeen   time.Time
}

// Config holds registry configuration.
type Config struct {
	// SweepInterval is how often the liveness sweep runs (default 10s)
	SweepInterval time.Duration

	// DeadAfter is how long without a heartbeat before a session is
	// considered dead (default 30s)
	DeadAfter time.Duration

	// DebugFunc is an optional callback for debug logging
	DebugFunc func(format string, args ...any)
}

// Registry is the live-session table.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session

	hooks     Hooks
	cfg       Config
	debugFunc func(format string, args ...any)

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a registry and starts its liveness sweep.
func New(cfg Config, hooks Hooks) *Registry {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	if cfg.DeadAfter <= 0 {
		cfg.DeadAfter = 30 * time.Second
	}
	r := &Registry{
		sessions:  make(map[string]*session),
		hooks:     hooks,
		cfg:       cfg,
		debugFunc: cfg.DebugFunc,
		stopCh:    make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

func (r *Registry) debug(format string, args ...any) {
	if r.debugFunc != nil {
		r.debugFunc(format, args...)
	}
}

// Register binds a transport to a provider id and returns a session
// token. If the provider already has a live session the old transport is
// closed and replaced; the swap is atomic under the registry lock and
// the close happens outside it.
func (r *Registry) Register(providerID string, t Transport) (string, error) {
	if providerID == "" {
		return "", ErrInvalidProviderID
	}
	if t == nil {
		return "", ErrNilTransport
	}

	token := uuid.NewString()
	s := &session{providerID: providerID, token: token, transport: t, lastSeen: time.Now()}

	r.mu.Lock()
	old := r.sessions[providerID]
	r.sessions[providerID] = s
	r.mu.Unlock()

	if old != nil {
		r.debug("registry: superseding session for provider %s (%s)", providerID, old.transport.RemoteAddr())
		old.transport.Close()
	}
	r.debug("registry: provider %s registered from %s", providerID, t.RemoteAddr())

	if r.hooks.OnSessionUp != nil {
		r.hooks.OnSessionUp(providerID)
	}
	return token, nil
}

// Lookup returns the provider's live transport.
func (r *Registry) Lookup(providerID string) (Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[providerID]
	if !ok {
		return nil, ErrNotConnected
	}
	return s.transport, nil
}

// Connected reports whether the provider has a live session.
func (r *Registry) Connected(providerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[providerID]
	return ok
}

// Heartbeat refreshes the session's liveness clock. Any received frame
// counts as a heartbeat.
func (r *Registry) Heartbeat(providerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[providerID]
	if !ok {
		return ErrNotConnected
	}
	s.lastSeen = time.Now()
	return nil
}

// Unregister removes the provider's session and closes its transport.
// Removing an unknown provider is a no-op.
func (r *Registry) Unregister(providerID string) {
	r.mu.Lock()
	s, ok := r.sessions[providerID]
	if ok {
		delete(r.sessions, providerID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	s.transport.Close()
	r.debug("registry: provider %s unregistered", providerID)
	if r.hooks.OnSessionDown != nil {
		r.hooks.OnSessionDown(providerID)
	}
}

// UnregisterIf removes the session only if it still owns the given
// transport. The read loop uses this on exit so it never tears down a
// session that superseded it.
func (r *Registry) UnregisterIf(providerID string, t Transport) {
	r.mu.Lock()
	s, ok := r.sessions[providerID]
	if ok && s.transport == t {
		delete(r.sessions, providerID)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	s.transport.Close()
	r.debug("registry: provider %s unregistered (read loop exit)", providerID)
	if r.hooks.OnSessionDown != nil {
		r.hooks.OnSessionDown(providerID)
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Providers returns the ids of all live sessions.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

// Stop halts the liveness sweep. Live sessions are left registered.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

// sweep removes sessions whose liveness clock has expired.
func (r *Registry) sweep(now time.Time) {
	cutoff := now.Add(-r.cfg.DeadAfter)

	r.mu.Lock()
	var dead []*session
	for id, s := range r.sessions {
		if s.lastSeen.Before(cutoff) {
			delete(r.sessions, id)
			dead = append(dead, s)
		}
	}
	r.mu.Unlock()

	for _, s := range dead {
		s.transport.Close()
		r.debug("registry: provider %s swept (last seen %s)", s.providerID, s.lastSeen.Format(time.RFC3339))
		if r.hooks.OnSessionDown != nil {
			r.hooks.OnSessionDown(s.providerID)
		}
	}
}

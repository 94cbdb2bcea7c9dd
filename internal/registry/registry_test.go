package registry

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeTransport records writes and close calls.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []any
	closed bool
	addr   string
}

func (f *fakeTransport) SendJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("transport closed")
	}
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return f.addr }

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestRegistry(t *testing.T, hooks Hooks) *Registry {
	t.Helper()
	// Long intervals: tests drive sweep() directly
	r := New(Config{SweepInterval: time.Hour, DeadAfter: 30 * time.Second}, hooks)
	t.Cleanup(r.Stop)
	return r
}

func TestRegisterAndLookup(t *testing.T) {
	r := newTestRegistry(t, Hooks{})
	tr := &fakeTransport{addr: "10.0.0.1:1234"}

	token, err := r.Register("prov-1", tr)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if token == "" {
		t.Error("Register() returned empty session token")
	}

	got, err := r.Lookup("prov-1")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if got != Transport(tr) {
		t.Error("Lookup() returned a different transport")
	}

	if _, err := r.Lookup("prov-2"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Lookup(unknown) error = %v, want ErrNotConnected", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	r := newTestRegistry(t, Hooks{})
	if _, err := r.Register("", &fakeTransport{}); !errors.Is(err, ErrInvalidProviderID) {
		t.Errorf("Register(empty id) error = %v, want ErrInvalidProviderID", err)
	}
	if _, err := r.Register("prov-1", nil); !errors.Is(err, ErrNilTransport) {
		t.Errorf("Register(nil transport) error = %v, want ErrNilTransport", err)
	}
}

func TestReRegisterSupersedesAndCloses(t *testing.T) {
	var ups, downs []string
	r := newTestRegistry(t, Hooks{
		OnSessionUp:   func(id string) { ups = append(ups, id) },
		OnSessionDown: func(id string) { downs = append(downs, id) },
	})

	old := &fakeTransport{addr: "old"}
	replacement := &fakeTransport{addr: "new"}

	r.Register("prov-1", old)
	r.Register("prov-1", replacement)

	if !old.isClosed() {
		t.Error("superseded transport was not closed")
	}
	got, err := r.Lookup("prov-1")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if got.RemoteAddr() != "new" {
		t.Errorf("Lookup() returned %s, want the replacement", got.RemoteAddr())
	}
	if len(ups) != 2 {
		t.Errorf("OnSessionUp fired %d times, want 2", len(ups))
	}
	// Supersession is a swap, not a disconnect
	if len(downs) != 0 {
		t.Errorf("OnSessionDown fired %d times on supersession, want 0", len(downs))
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}
}

func TestUnregisterFiresHookAndCloses(t *testing.T) {
	var downs []string
	r := newTestRegistry(t, Hooks{OnSessionDown: func(id string) { downs = append(downs, id) }})

	tr := &fakeTransport{}
	r.Register("prov-1", tr)
	r.Unregister("prov-1")

	if !tr.isClosed() {
		t.Error("transport not closed on unregister")
	}
	if len(downs) != 1 || downs[0] != "prov-1" {
		t.Errorf("OnSessionDown calls = %v, want [prov-1]", downs)
	}

	// Unknown provider is a no-op
	r.Unregister("prov-9")
	if len(downs) != 1 {
		t.Errorf("OnSessionDown fired for unknown provider")
	}
}

func TestUnregisterIfSkipsSupersededTransport(t *testing.T) {
	var downs int
	r := newTestRegistry(t, Hooks{OnSessionDown: func(string) { downs++ }})

	old := &fakeTransport{}
	replacement := &fakeTransport{}
	r.Register("prov-1", old)
	r.Register("prov-1", replacement)

	// The old read loop exits after supersession; it must not tear down
	// the replacement session.
	r.UnregisterIf("prov-1", old)
	if !r.Connected("prov-1") {
		t.Error("replacement session was torn down by stale read loop")
	}
	if downs != 0 {
		t.Errorf("OnSessionDown fired %d times, want 0", downs)
	}

	r.UnregisterIf("prov-1", replacement)
	if r.Connected("prov-1") {
		t.Error("session still registered after owning read loop exit")
	}
	if downs != 1 {
		t.Errorf("OnSessionDown fired %d times, want 1", downs)
	}
}

func TestSweepRemovesDeadSessions(t *testing.T) {
	var downs []string
	r := newTestRegistry(t, Hooks{OnSessionDown: func(id string) { downs = append(downs, id) }})

	stale := &fakeTransport{}
	fresh := &fakeTransport{}
	r.Register("prov-stale", stale)
	r.Register("prov-fresh", fresh)

	// prov-fresh heartbeats just before the sweep; prov-stale does not
	future := time.Now().Add(45 * time.Second)
	r.mu.Lock()
	r.sessions["prov-fresh"].lastSeen = future.Add(-time.Second)
	r.mu.Unlock()

	r.sweep(future)

	if r.Connected("prov-stale") {
		t.Error("stale session survived sweep")
	}
	if !stale.isClosed() {
		t.Error("stale transport not closed by sweep")
	}
	if !r.Connected("prov-fresh") {
		t.Error("fresh session removed by sweep")
	}
	if len(downs) != 1 || downs[0] != "prov-stale" {
		t.Errorf("OnSessionDown calls = %v, want [prov-stale]", downs)
	}
}

func TestHeartbeatRefreshesLiveness(t *testing.T) {
	r := newTestRegistry(t, Hooks{})
	r.Register("prov-1", &fakeTransport{})

	r.mu.Lock()
	r.sessions["prov-1"].lastSeen = time.Now().Add(-time.Hour)
	r.mu.Unlock()

	if err := r.Heartbeat("prov-1"); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	r.sweep(time.Now())
	if !r.Connected("prov-1") {
		t.Error("heartbeated session was swept")
	}

	if err := r.Heartbeat("prov-9"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Heartbeat(unknown) error = %v, want ErrNotConnected", err)
	}
}

package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
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

const testProviderKey = "ccn_sk_000000000000000000000000000000000000000000000000"

type fixture struct {
	server   *Server
	http     *httptest.Server
	registry *registry.Registry
	catalog  *catalog.Catalog
	router   *router.Router
	ledger   *ledger.Service
	bus      *events.Bus
	keys     *auth.MockKeyValidator
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	lstore, err := ledger.OpenStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("ledger.OpenStore() error = %v", err)
	}
	t.Cleanup(func() { lstore.Close() })
	led, err := ledger.NewService(lstore, ledger.Config{})
	if err != nil {
		t.Fatalf("ledger.NewService() error = %v", err)
	}

	bus := events.NewBus()
	cat := catalog.New(func(workflowID, providerID string, online bool) {
		typ := events.TypeWorkflowOffline
		if online {
			typ = events.TypeWorkflowOnline
		}
		bus.Publish(events.CatalogTopic, events.Event{
			Type: typ, WorkflowID: workflowID, ProviderID: providerID,
		})
	})

	var rtr *router.Router
	reg := registry.New(registry.Config{SweepInterval: time.Hour}, registry.Hooks{
		OnSessionDown: func(providerID string) {
			cat.SetOnline(providerID, false)
			rtr.FailAllForProvider(providerID)
			bus.Publish(events.ProviderTopic(providerID), events.Event{
				Type: events.TypeProviderDown, ProviderID: providerID,
			})
		},
	})
	t.Cleanup(reg.Stop)

	rtr = router.New(cat, led, reg, bus, nil, router.Config{})

	keys := auth.NewMockKeyValidator()
	keys.AddKey(testProviderKey, auth.Identity{AccountID: "prov-1", Role: auth.RoleProvider})

	cfg.Debug = testing.Verbose()
	srv := NewServer(cfg, keys, reg, cat, rtr, led, bus)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	t.Cleanup(srv.limiter.Stop)

	// Pre-published listing, offline until the provider connects
	schema := catalog.InputSchema{"3.text": {Type: catalog.FieldString, Required: true}}
	if err := cat.Publish("prov-1", "wf-1", schema, dec("3.00"), "image"); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	led.EnsureAccount("alice", ledger.RoleConsumer)
	if err := led.Deposit(context.Background(), "alice", dec("10.00")); err != nil {
		t.Fatalf("Deposit() error = %v", err)
	}

	return &fixture{server: srv, http: hs, registry: reg, catalog: cat, router: rtr, ledger: led, bus: bus, keys: keys}
}

func (f *fixture) wsURL(key string) string {
	return "ws" + strings.TrimPrefix(f.http.URL, "http") + "?key=" + key
}

// dialReady connects as prov-1 and completes the ready handshake.
func (f *fixture) dialReady(t *testing.T, workflows ...string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(testProviderKey), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	ready := map[string]any{"type": "ready", "gpu_info": map[string]any{"name": "RTX 4090"}}
	var wfs []map[string]string
	for _, id := range workflows {
		wfs = append(wfs, map[string]string{"id": id})
	}
	ready["workflows"] = wfs
	if err := conn.WriteJSON(ready); err != nil {
		t.Fatalf("write ready: %v", err)
	}

	waitFor(t, func() bool { return f.registry.Connected("prov-1") }, "provider never registered")
	return conn
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHandshakeFlipsWorkflowsOnline(t *testing.T) {
	f := newFixture(t, Config{})
	f.dialReady(t, "wf-1")

	waitFor(t, func() bool {
		e, err := f.catalog.Get("wf-1")
		return err == nil && e.Online
	}, "workflow never came online")
}

func TestRejectsBadCredentials(t *testing.T) {
	f := newFixture(t, Config{})

	t.Run("missing key", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.http.URL, "http"), nil)
		if err == nil {
			t.Fatal("dial without key succeeded")
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %v, want 401", resp)
		}
	})

	t.Run("unknown key", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("ccn_sk_bogus"), nil)
		if err == nil {
			t.Fatal("dial with unknown key succeeded")
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %v, want 401", resp)
		}
	})

	t.Run("consumer key on provider endpoint", func(t *testing.T) {
		f.keys.AddKey("ccn_sk_consumer", auth.Identity{AccountID: "alice", Role: auth.RoleConsumer})
		_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("ccn_sk_consumer"), nil)
		if err == nil {
			t.Fatal("dial with consumer key succeeded")
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %v, want 403", resp)
		}
	})
}

func TestJobRoundTrip(t *testing.T) {
	f := newFixture(t, Config{})
	conn := f.dialReady(t, "wf-1")
	waitFor(t, func() bool {
		e, _ := f.catalog.Get("wf-1")
		return e.Online
	}, "workflow never came online")

	ctx := context.Background()
	jobID, err := f.router.Submit(ctx, "alice", "wf-1", map[string]any{"3.text": "a cat"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	// The provider receives the job frame
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var job struct {
		Type       string         `json:"type"`
		JobID      string         `json:"job_id"`
		WorkflowID string         `json:"workflow_id"`
		Inputs     map[string]any `json:"inputs"`
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read job frame: %v", err)
		}
		if err := json.Unmarshal(data, &job); err != nil {
			t.Fatalf("decode job frame: %v", err)
		}
		if job.Type == "job" {
			break
		}
		// Skip pings
	}
	if job.JobID != jobID || job.WorkflowID != "wf-1" {
		t.Errorf("job frame = %+v, want job %s / wf-1", job, jobID)
	}
	if job.Inputs["3.text"] != "a cat" {
		t.Errorf("inputs = %v", job.Inputs)
	}

	conn.WriteJSON(map[string]any{"type": "progress", "job_id": jobID, "progress": 0.5})
	conn.WriteJSON(map[string]any{
		"type": "complete", "job_id": jobID,
		"output": "b64data", "output_type": "image/png",
		"resolved_seeds": map[string]int64{"7.seed": 123456},
	})

	awaitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	done, err := f.router.Await(awaitCtx, jobID)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if done.State != router.StateSucceeded || done.Result.Output != "b64data" {
		t.Errorf("job = %s/%q, want succeeded/b64data", done.State, done.Result.Output)
	}
	if done.Result.ResolvedSeeds["7.seed"] != 123456 {
		t.Errorf("resolved seeds = %v", done.Result.ResolvedSeeds)
	}

	balance, _ := f.ledger.Balance(ctx, "prov-1")
	if !balance.Equal(dec("2.4")) {
		t.Errorf("provider balance = %s, want 2.4", balance)
	}
}

func TestPublishOverChannel(t *testing.T) {
	f := newFixture(t, Config{})
	conn := f.dialReady(t)

	schemaJSON, _ := json.Marshal(catalog.InputSchema{
		"3.text": {Type: catalog.FieldString, Required: true},
	})
	conn.WriteJSON(map[string]any{
		"type": "publish", "workflow_id": "wf-new",
		"schema": json.RawMessage(schemaJSON), "price": "1.50", "category": "video",
	})

	waitFor(t, func() bool {
		e, err := f.catalog.Get("wf-new")
		return err == nil && e.Online
	}, "published workflow never appeared")

	e, _ := f.catalog.Get("wf-new")
	if !e.Price.Equal(dec("1.50")) || e.Category != "video" {
		t.Errorf("entry = %+v, want 1.50/video", e)
	}

	conn.WriteJSON(map[string]any{"type": "set_price", "workflow_id": "wf-new", "price": "2.00"})
	waitFor(t, func() bool {
		e, _ := f.catalog.Get("wf-new")
		return e.Price.Equal(dec("2.00"))
	}, "price change never applied")

	conn.WriteJSON(map[string]any{"type": "unpublish", "workflow_id": "wf-new"})
	waitFor(t, func() bool {
		_, err := f.catalog.Get("wf-new")
		return err != nil
	}, "workflow never unpublished")
}

func TestDisconnectFailsInFlightJobAndFlipsOffline(t *testing.T) {
	f := newFixture(t, Config{})
	conn := f.dialReady(t, "wf-1")
	waitFor(t, func() bool {
		e, _ := f.catalog.Get("wf-1")
		return e.Online
	}, "workflow never came online")

	ctx := context.Background()
	jobID, err := f.router.Submit(ctx, "alice", "wf-1", map[string]any{"3.text": "a cat"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	conn.Close()

	waitFor(t, func() bool {
		j, err := f.router.Get(jobID)
		return err == nil && j.State == router.StateFailed
	}, "in-flight job never failed after disconnect")

	j, _ := f.router.Get(jobID)
	if j.FailureReason != router.ErrProviderDisconnected.Error() {
		t.Errorf("failure reason = %q, want provider disconnected", j.FailureReason)
	}

	e, _ := f.catalog.Get("wf-1")
	if e.Online {
		t.Error("workflow still online after provider disconnect")
	}

	avail, _ := f.ledger.Available(ctx, "alice")
	if !avail.Equal(dec("10.00")) {
		t.Errorf("available = %s after disconnect, want 10.00", avail)
	}
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, Config{RateLimitRPS: 0.001, RateLimitBurst: 1})

	// First attempt consumes the burst
	conn := f.dialReady(t)
	_ = conn

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL(testProviderKey), nil)
	if err == nil {
		t.Fatal("second dial succeeded despite rate limit")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %v, want 429", resp)
	}
}

func TestFrameValidation(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"ready", `{"type":"ready","workflows":[{"id":"wf-1"}]}`, false},
		{"pong", `{"type":"pong"}`, false},
		{"progress", `{"type":"progress","job_id":"j-1","progress":0.5}`, false},
		{"progress missing job", `{"type":"progress","progress":0.5}`, true},
		{"progress out of range", `{"type":"progress","job_id":"j-1","progress":1.5}`, true},
		{"complete", `{"type":"complete","job_id":"j-1","output":"x"}`, false},
		{"complete missing job", `{"type":"complete"}`, true},
		{"failed", `{"type":"failed","job_id":"j-1","error":"oom"}`, false},
		{"publish", `{"type":"publish","workflow_id":"wf-1","price":"1.00"}`, false},
		{"publish missing price", `{"type":"publish","workflow_id":"wf-1"}`, true},
		{"set_price missing fields", `{"type":"set_price"}`, true},
		{"unknown type", `{"type":"dance"}`, true},
		{"missing type", `{}`, true},
		{"garbage", `{{{`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalFrame([]byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Errorf("UnmarshalFrame() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openclaw/clawgate/internal/auth"
	"github.com/openclaw/clawgate/internal/events"
)

type fixture struct {
	gateway *Gateway
	http    *httptest.Server

	providerKey string
	consumerKey string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.RedisAddr = ""
	cfg.SweepInterval = time.Hour
	cfg.Debug = testing.Verbose()

	g, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	hs := httptest.NewServer(g.buildMux())
	t.Cleanup(hs.Close)
	t.Cleanup(func() {
		g.Registry.Stop()
		g.closePartial()
	})

	providerKey, _, err := g.KeyStore().CreateKey(auth.RoleProvider, "gpu-box", "")
	if err != nil {
		t.Fatalf("CreateKey(provider) error = %v", err)
	}
	consumerKey, _, err := g.KeyStore().CreateKey(auth.RoleConsumer, "app", "")
	if err != nil {
		t.Fatalf("CreateKey(consumer) error = %v", err)
	}

	return &fixture{gateway: g, http: hs, providerKey: providerKey, consumerKey: consumerKey}
}

// session exchanges an API key for a session token.
func (f *fixture) session(t *testing.T, key string) string {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, f.http.URL+"/api/v1/auth/session", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("session request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session status = %d", resp.StatusCode)
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return body.Token
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, f.http.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

// dialProvider connects the provider websocket and sends a ready frame.
func (f *fixture) dialProvider(t *testing.T, workflows ...string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws/provider?key=" + f.providerKey
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial provider: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	wfs := make([]map[string]string, 0, len(workflows))
	for _, id := range workflows {
		wfs = append(wfs, map[string]string{"id": id})
	}
	if err := conn.WriteJSON(map[string]any{"type": "ready", "workflows": wfs}); err != nil {
		t.Fatalf("write ready: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if f.gateway.Registry.Count() > 0 {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("provider never registered")
	return nil
}

func TestSessionRequiresValidKey(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/auth/session", "ccn_sk_bogus", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad key session status = %d, want 401", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/balance", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated balance status = %d, want 401", resp.StatusCode)
	}
}

func TestEndToEndJobOverHTTP(t *testing.T) {
	f := newFixture(t)
	token := f.session(t, f.consumerKey)

	// Fund the consumer
	resp := f.do(t, http.MethodPost, "/api/v1/deposit", token, map[string]string{"amount": "10.00"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deposit status = %d", resp.StatusCode)
	}

	// Provider connects and publishes a workflow over the channel
	conn := f.dialProvider(t)
	schemaJSON, _ := json.Marshal(map[string]any{
		"3.text": map[string]any{"type": "string", "required": true},
	})
	conn.WriteJSON(map[string]any{
		"type": "publish", "workflow_id": "wf-1",
		"schema": json.RawMessage(schemaJSON), "price": "3.00", "category": "image",
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if e, err := f.gateway.Catalog.Get("wf-1"); err == nil && e.Online {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The catalog endpoint lists it
	resp = f.do(t, http.MethodGet, "/api/v1/catalog?online=true", token, nil)
	catalogBody := decode[map[string][]map[string]any](t, resp)
	if len(catalogBody["workflows"]) != 1 {
		t.Fatalf("catalog lists %d workflows, want 1", len(catalogBody["workflows"]))
	}

	// Provider answers the job as it arrives
	go func() {
		for {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame["type"] != "job" {
				continue
			}
			jobID := frame["job_id"].(string)
			conn.WriteJSON(map[string]any{"type": "progress", "job_id": jobID, "progress": 0.5})
			conn.WriteJSON(map[string]any{
				"type": "complete", "job_id": jobID,
				"output": "cmVzdWx0", "output_type": "image/png",
			})
		}
	}()

	// Submit and wait inline
	resp = f.do(t, http.MethodPost, "/api/v1/jobs?wait=5s", token, map[string]any{
		"workflow_id": "wf-1",
		"inputs":      map[string]any{"3.text": "a cat"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	job := decode[map[string]any](t, resp)
	if job["state"] != "succeeded" || job["output"] != "cmVzdWx0" {
		t.Errorf("job = %v, want succeeded with output", job)
	}

	// Money moved
	resp = f.do(t, http.MethodGet, "/api/v1/balance", token, nil)
	balance := decode[map[string]string](t, resp)
	if balance["balance"] != "7" || balance["available"] != "7" {
		t.Errorf("balance = %v, want 7/7", balance)
	}

	// Result survives in the job endpoint
	resp = f.do(t, http.MethodGet, "/api/v1/jobs/"+job["job_id"].(string), token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get job status = %d", resp.StatusCode)
	}
}

func TestSubmitWaitExpiryReportsCurrentState(t *testing.T) {
	f := newFixture(t)
	token := f.session(t, f.consumerKey)
	f.do(t, http.MethodPost, "/api/v1/deposit", token, map[string]string{"amount": "10.00"})

	conn := f.dialProvider(t)
	schemaJSON, _ := json.Marshal(map[string]any{})
	conn.WriteJSON(map[string]any{
		"type": "publish", "workflow_id": "wf-slow",
		"schema": json.RawMessage(schemaJSON), "price": "1.00",
	})
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if e, err := f.gateway.Catalog.Get("wf-slow"); err == nil && e.Online {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The provider reports progress but never finishes
	go func() {
		for {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame["type"] != "job" {
				continue
			}
			conn.WriteJSON(map[string]any{"type": "progress", "job_id": frame["job_id"], "progress": 0.3})
		}
	}()

	resp := f.do(t, http.MethodPost, "/api/v1/jobs?wait=500ms", token, map[string]any{"workflow_id": "wf-slow"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d, want 202", resp.StatusCode)
	}
	job := decode[map[string]any](t, resp)
	if job["state"] != "running" {
		t.Errorf("state after wait expiry = %v, want running", job["state"])
	}
	if job["progress"] != 0.3 {
		t.Errorf("progress after wait expiry = %v, want 0.3", job["progress"])
	}
}

func TestSubmitErrorsMapToStatusCodes(t *testing.T) {
	f := newFixture(t)
	token := f.session(t, f.consumerKey)
	f.do(t, http.MethodPost, "/api/v1/deposit", token, map[string]string{"amount": "1.00"})

	t.Run("unknown workflow", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/api/v1/jobs", token, map[string]any{"workflow_id": "wf-nope"})
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
	})

	t.Run("offline workflow", func(t *testing.T) {
		conn := f.dialProvider(t)
		schemaJSON, _ := json.Marshal(map[string]any{})
		conn.WriteJSON(map[string]any{
			"type": "publish", "workflow_id": "wf-off",
			"schema": json.RawMessage(schemaJSON), "price": "5.00",
		})
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			if _, err := f.gateway.Catalog.Get("wf-off"); err == nil {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		conn.Close()
		deadline = time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			if e, _ := f.gateway.Catalog.Get("wf-off"); !e.Online {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}

		resp := f.do(t, http.MethodPost, "/api/v1/jobs", token, map[string]any{"workflow_id": "wf-off"})
		if resp.StatusCode != http.StatusConflict {
			t.Errorf("status = %d, want 409", resp.StatusCode)
		}
	})

	t.Run("insufficient funds", func(t *testing.T) {
		conn := f.dialProvider(t)
		schemaJSON, _ := json.Marshal(map[string]any{})
		conn.WriteJSON(map[string]any{
			"type": "publish", "workflow_id": "wf-pricey",
			"schema": json.RawMessage(schemaJSON), "price": "99.00",
		})
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			if e, err := f.gateway.Catalog.Get("wf-pricey"); err == nil && e.Online {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}

		resp := f.do(t, http.MethodPost, "/api/v1/jobs", token, map[string]any{"workflow_id": "wf-pricey"})
		if resp.StatusCode != http.StatusPaymentRequired {
			t.Errorf("status = %d, want 402", resp.StatusCode)
		}
	})
}

func TestEventsWebSocket(t *testing.T) {
	f := newFixture(t)
	token := f.session(t, f.consumerKey)

	url := fmt.Sprintf("ws%s/ws/events?token=%s&topic=%s",
		strings.TrimPrefix(f.http.URL, "http"), token, events.CatalogTopic)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	defer conn.Close()

	f.gateway.Bus().Publish(events.CatalogTopic, events.Event{
		Type: events.TypeWorkflowOnline, WorkflowID: "wf-1",
	})

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var e events.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if e.Type != events.TypeWorkflowOnline || e.WorkflowID != "wf-1" {
		t.Errorf("event = %+v, want workflow_online wf-1", e)
	}

	// Unauthenticated subscription is rejected
	badURL := fmt.Sprintf("ws%s/ws/events?token=bogus&topic=%s",
		strings.TrimPrefix(f.http.URL, "http"), events.CatalogTopic)
	if _, resp, err := websocket.DefaultDialer.Dial(badURL, nil); err == nil {
		t.Error("unauthenticated events dial succeeded")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %v, want 401", resp)
	}
}

func TestHealthAndStats(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}
	health := decode[map[string]any](t, resp)
	if health["status"] != "ok" {
		t.Errorf("health = %v", health)
	}

	resp = f.do(t, http.MethodGet, "/stats", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("stats status = %d", resp.StatusCode)
	}
	stats := decode[map[string]any](t, resp)
	if stats["version"] != version {
		t.Errorf("stats version = %v, want %s", stats["version"], version)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"defaults", func(c *Config) {}, nil},
		{"bad port", func(c *Config) { c.Port = 0 }, ErrInvalidPort},
		{"no data dir", func(c *Config) { c.DataDir = "" }, ErrMissingDataDir},
		{"markup too high", func(c *Config) { c.MarkupPercent = 100 }, ErrInvalidMarkup},
		{"negative markup", func(c *Config) { c.MarkupPercent = -1 }, ErrInvalidMarkup},
		{"tiny job timeout", func(c *Config) { c.JobTimeout = time.Millisecond }, ErrInvalidJobTimeout},
		{"zero connections", func(c *Config) { c.MaxConnections = 0 }, ErrInvalidMaxConnections},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.DataDir = t.TempDir()
			tt.mutate(cfg)
			if err := cfg.Validate(); err != tt.want {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestConfigLoadFile(t *testing.T) {
	cfg := DefaultConfig()
	path := t.TempDir() + "/gateway.yaml"
	yaml := "port: 9999\nmarkup_percent: 25\ndebug: true\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if err := cfg.LoadFile(path); err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Port != 9999 || cfg.MarkupPercent != 25 || !cfg.Debug {
		t.Errorf("cfg = %+v, want port 9999 / markup 25 / debug", cfg)
	}

	if err := cfg.LoadFile(path + ".missing"); err == nil {
		t.Error("LoadFile(missing) succeeded")
	}
}

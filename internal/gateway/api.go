package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shopspring/decimal"

	"github.com/openclaw/clawgate/internal/auth"
	"github.com/openclaw/clawgate/internal/catalog"
	"github.com/openclaw/clawgate/internal/ledger"
	"github.com/openclaw/clawgate/internal/router"
)

const version = "0.3.0"

func (g *Gateway) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws/provider", g.Provider.Handler())
	mux.HandleFunc("/ws/events", g.handleEventsWS)

	mux.HandleFunc("POST /api/v1/auth/session", g.handleSession)
	mux.HandleFunc("GET /api/v1/catalog", g.authed(g.handleCatalog))
	mux.HandleFunc("POST /api/v1/jobs", g.authed(g.handleSubmitJob))
	mux.HandleFunc("GET /api/v1/jobs/{id}", g.authed(g.handleGetJob))
	mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", g.authed(g.handleCancelJob))
	mux.HandleFunc("GET /api/v1/balance", g.authed(g.handleBalance))
	mux.HandleFunc("POST /api/v1/deposit", g.authed(g.handleDeposit))

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /stats", g.handleStats)
	mux.HandleFunc("/", g.handleRoot)
	return mux
}

type apiError struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg, Status: status})
}

// bearerToken extracts the Authorization bearer credential.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// handleSession exchanges an API key for a short-lived session token.
// The account is created on first authenticated access.
func (g *Gateway) handleSession(w http.ResponseWriter, r *http.Request) {
	key := bearerToken(r)
	if key == "" {
		writeError(w, http.StatusUnauthorized, "missing api key")
		return
	}
	identity, err := g.Keys.ValidateKey(key)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return
	}

	role := ledger.RoleConsumer
	if identity.Role == auth.RoleProvider {
		role = ledger.RoleProvider
	}
	if err := g.Ledger.EnsureAccount(identity.AccountID, role); err != nil {
		writeError(w, http.StatusInternalServerError, "account setup failed")
		return
	}

	token, err := g.Sessions.IssueSession(identity)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "session issue failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":      token,
		"account_id": identity.AccountID,
		"role":       string(identity.Role),
	})
}

// authed wraps a handler with session-token authentication.
func (g *Gateway) authed(next func(http.ResponseWriter, *http.Request, auth.Identity)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing session token")
			return
		}
		identity, err := g.Sessions.ValidateSession(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next(w, r, identity)
	}
}

type catalogEntryResponse struct {
	WorkflowID string              `json:"workflow_id"`
	ProviderID string              `json:"provider_id"`
	Schema     catalog.InputSchema `json:"schema,omitempty"`
	Price      string              `json:"price"`
	Category   string              `json:"category,omitempty"`
	Online     bool                `json:"online"`
	RunCount   int64               `json:"run_count"`
}

func (g *Gateway) handleCatalog(w http.ResponseWriter, r *http.Request, _ auth.Identity) {
	f := catalog.Filter{
		Category:   r.URL.Query().Get("category"),
		OnlineOnly: r.URL.Query().Get("online") == "true",
		Sort:       catalog.SortOrder(r.URL.Query().Get("sort")),
	}
	entries := g.Catalog.List(f)
	out := make([]catalogEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, catalogEntryResponse{
			WorkflowID: e.WorkflowID,
			ProviderID: e.ProviderID,
			Schema:     e.Schema,
			Price:      e.Price.String(),
			Category:   e.Category,
			Online:     e.Online,
			RunCount:   e.RunCount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": out})
}

type submitRequest struct {
	WorkflowID string         `json:"workflow_id"`
	Inputs     map[string]any `json:"inputs"`
}

type jobResponse struct {
	JobID         string           `json:"job_id"`
	State         string           `json:"state"`
	WorkflowID    string           `json:"workflow_id"`
	Progress      float64          `json:"progress,omitempty"`
	Output        string           `json:"output,omitempty"`
	OutputType    string           `json:"output_type,omitempty"`
	ResolvedSeeds map[string]int64 `json:"resolved_seeds,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
}

func toJobResponse(j router.Job) jobResponse {
	return jobResponse{
		JobID:         j.ID,
		State:         string(j.State),
		WorkflowID:    j.WorkflowID,
		Progress:      j.Progress,
		Output:        j.Result.Output,
		OutputType:    j.Result.OutputType,
		ResolvedSeeds: j.Result.ResolvedSeeds,
		FailureReason: j.FailureReason,
	}
}

// handleSubmitJob submits a job; ?wait=30s awaits the result inline.
func (g *Gateway) handleSubmitJob(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WorkflowID == "" {
		writeError(w, http.StatusBadRequest, "workflow_id is required")
		return
	}

	jobID, err := g.Router.Submit(r.Context(), id.AccountID, req.WorkflowID, req.Inputs)
	if err != nil {
		g.writeSubmitError(w, err)
		return
	}

	if waitStr := r.URL.Query().Get("wait"); waitStr != "" {
		wait, err := time.ParseDuration(waitStr)
		if err != nil || wait <= 0 {
			writeError(w, http.StatusBadRequest, "invalid wait duration")
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		job, err := g.Router.Await(ctx, jobID)
		if err != nil {
			// Not finished within the wait window; report where it stands
			if cur, getErr := g.Router.Get(jobID); getErr == nil {
				writeJSON(w, http.StatusAccepted, toJobResponse(cur))
				return
			}
			writeJSON(w, http.StatusAccepted, jobResponse{JobID: jobID, State: string(router.StateDispatched)})
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(job))
		return
	}

	writeJSON(w, http.StatusAccepted, jobResponse{JobID: jobID, State: string(router.StateDispatched)})
}

func (g *Gateway) writeSubmitError(w http.ResponseWriter, err error) {
	var ve *catalog.ValidationError
	switch {
	case errors.Is(err, catalog.ErrWorkflowNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, router.ErrCatalogEntryOffline):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.As(err, &ve):
		writeError(w, http.StatusUnprocessableEntity, ve.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (g *Gateway) handleGetJob(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	job, err := g.Router.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if job.ConsumerID != id.AccountID {
		// Do not reveal that the job exists
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (g *Gateway) handleCancelJob(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	jobID := r.PathValue("id")
	job, err := g.Router.Get(jobID)
	if err != nil || job.ConsumerID != id.AccountID {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err := g.Router.Cancel(r.Context(), jobID); err != nil {
		if errors.Is(err, router.ErrJobTerminal) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	job, _ = g.Router.Get(jobID)
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (g *Gateway) handleBalance(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	balance, err := g.Ledger.Balance(r.Context(), id.AccountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "balance lookup failed")
		return
	}
	available, err := g.Ledger.Available(r.Context(), id.AccountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "balance lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"account_id": id.AccountID,
		"balance":    balance.String(),
		"available":  available.String(),
	})
}

type depositRequest struct {
	Amount string `json:"amount"`
}

func (g *Gateway) handleDeposit(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	if err := g.Ledger.Deposit(r.Context(), id.AccountID, amount); err != nil {
		if errors.Is(err, ledger.ErrInvalidAmount) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	balance, _ := g.Ledger.Balance(r.Context(), id.AccountID)
	writeJSON(w, http.StatusOK, map[string]string{"balance": balance.String()})
}

var eventsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleEventsWS streams a topic's events over a websocket. The session
// token rides in the query string because browsers cannot set headers on
// websocket dials.
func (g *Gateway) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if _, err := g.Sessions.ValidateSession(token); err != nil {
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return
	}
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		writeError(w, http.StatusBadRequest, "missing topic parameter")
		return
	}

	conn, err := eventsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch, cancel := g.bus.Subscribe(topic)
	defer cancel()

	// Drain the client side so close frames are processed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for e := range ch {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(e); err != nil {
			return
		}
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"providers": g.Registry.Count(),
	})
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"status":          "ok",
		"version":         version,
		"uptime_seconds":  int64(time.Since(g.startedAt).Seconds()),
		"providers":       g.Registry.Count(),
		"jobs_in_flight":  g.Router.InFlightCount(),
		"workflows":       len(g.Catalog.List(catalog.Filter{})),
		"provider_server": g.Provider.Stats(),
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		stats["cpu_percent"] = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats["mem_used_percent"] = vm.UsedPercent
	}
	writeJSON(w, http.StatusOK, stats)
}

func (g *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "clawgate",
		"version": version,
		"endpoints": []string{
			"/ws/provider", "/ws/events",
			"/api/v1/auth/session", "/api/v1/catalog", "/api/v1/jobs",
			"/api/v1/balance", "/health", "/stats",
		},
	})
}

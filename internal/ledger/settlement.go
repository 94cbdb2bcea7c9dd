package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SettlementNotifier receives deposit and payout entries so an external
// payment processor can move real funds. It is never invoked for per-job
// commits or releases, which are internal transfers.
type SettlementNotifier interface {
	Notify(ctx context.Context, e Entry) error
}

// NoopSettlement discards notifications. Used when no processor is configured.
type NoopSettlement struct{}

func (NoopSettlement) Notify(ctx context.Context, e Entry) error { return nil }

// HTTPSettlement posts settlement notifications to a payment processor endpoint.
type HTTPSettlement struct {
	URL    string
	Client *http.Client
}

// NewHTTPSettlement creates a notifier posting to url.
func NewHTTPSettlement(url string) *HTTPSettlement {
	return &HTTPSettlement{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

type settlementPayload struct {
	EntryID   string `json:"entry_id"`
	AccountID string `json:"account_id"`
	Kind      string `json:"kind"`
	Amount    string `json:"amount"`
	CreatedAt string `json:"created_at"`
}

func (h *HTTPSettlement) Notify(ctx context.Context, e Entry) error {
	payload := settlementPayload{
		EntryID:   e.ID,
		AccountID: e.AccountID,
		Kind:      string(e.Kind),
		Amount:    e.Amount.String(),
		CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal settlement payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create settlement request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post settlement: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("settlement endpoint returned %d", resp.StatusCode)
	}
	return nil
}

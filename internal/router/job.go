// Package router moves jobs from paying consumers to provider
// connections and settles money based on the outcome.
//
// The order of operations is fixed: funds are reserved before a job is
// dispatched, and every job resolves to exactly one terminal state,
// which triggers exactly one ledger settlement (commit on success,
// release otherwise).
package router

import (
	"time"

	"github.com/shopspring/decimal"
)

// State is a job's position in its lifecycle.
type State string

const (
	// StateReserved means funds are held but the job is not yet sent.
	StateReserved State = "reserved"

	// StateDispatched means the job frame was written to the provider.
	StateDispatched State = "dispatched"

	// StateRunning means at least one progress frame arrived.
	StateRunning State = "running"

	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// Result is the output of a succeeded job. Output is an opaque blob
// reference the gateway never interprets.
type Result struct {
	Output        string           `json:"output,omitempty"`
	OutputType    string           `json:"output_type,omitempty"`
	ResolvedSeeds map[string]int64 `json:"resolved_seeds,omitempty"`
}

// Job is one paid workflow execution.
type Job struct {
	ID            string
	ConsumerID    string
	ProviderID    string
	WorkflowID    string
	State         State
	ReservationID string
	Price         decimal.Decimal
	Progress      float64
	Result        Result
	FailureReason string
	CreatedAt     time.Time
	CompletedAt   time.Time // zero until terminal
}

// jobFrame is the dispatch message written to the provider transport.
type jobFrame struct {
	Type       string         `json:"type"`
	JobID      string         `json:"job_id"`
	WorkflowID string         `json:"workflow_id"`
	Inputs     map[string]any `json:"inputs"`
}

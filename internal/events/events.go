// Package events fans out gateway state changes to interested parties.
//
// Topics are strings: "job:{id}" for a single job's lifecycle,
// "provider:{id}" for a provider's connectivity, "catalog" for listing
// changes. Delivery is at-most-once; a slow subscriber loses events
// rather than stalling the publisher.
package events

import (
	"fmt"
	"time"
)

// Type identifies what happened.
type Type string

const (
	TypeWorkflowOnline  Type = "workflow_online"
	TypeWorkflowOffline Type = "workflow_offline"
	TypeProviderUp      Type = "provider_up"
	TypeProviderDown    Type = "provider_down"
	TypeJobDispatched   Type = "job_dispatched"
	TypeJobProgress     Type = "job_progress"
	TypeJobCompleted    Type = "job_completed"
	TypeJobFailed       Type = "job_failed"
	TypeBalanceChanged  Type = "balance_changed"
	TypeCatalogChanged  Type = "catalog_changed"
)

// Event is a single broadcast message.
type Event struct {
	Type       Type           `json:"type"`
	Topic      string         `json:"topic"`
	JobID      string         `json:"job_id,omitempty"`
	ProviderID string         `json:"provider_id,omitempty"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	AccountID  string         `json:"account_id,omitempty"`
	Progress   float64        `json:"progress,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// JobTopic returns the topic for a single job's events.
func JobTopic(jobID string) string { return fmt.Sprintf("job:%s", jobID) }

// ProviderTopic returns the topic for a provider's connectivity events.
func ProviderTopic(providerID string) string { return fmt.Sprintf("provider:%s", providerID) }

// AccountTopic returns the topic for an account's balance events.
func AccountTopic(accountID string) string { return fmt.Sprintf("account:%s", accountID) }

// CatalogTopic is the topic for listing changes.
const CatalogTopic = "catalog"

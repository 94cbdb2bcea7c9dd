// Package ledger maintains the authoritative record of balance-affecting
// events for every account on the gateway.
//
// The ledger is append-only: an account's balance is never stored as a
// mutable number, it is derived by folding the account's entries from
// empty. Reservations hold funds out of the available balance until they
// are resolved by exactly one Commit or Release.
//
// Flow:
//
//	Submit → Reserve (hold)  → Commit  (consumer debit, provider/platform credits)
//	                         → Release (hold dropped, no net effect)
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryKind identifies the effect of a ledger entry.
type EntryKind string

const (
	// KindReserve places a hold on the account's available balance.
	KindReserve EntryKind = "reserve"

	// KindCommit finalizes a reservation as a signed balance movement.
	KindCommit EntryKind = "commit"

	// KindRelease drops a reservation's hold with no net balance effect.
	KindRelease EntryKind = "release"

	// KindDeposit credits external funds into an account.
	KindDeposit EntryKind = "deposit"

	// KindPayout debits funds out of an account to the external processor.
	KindPayout EntryKind = "payout"
)

// Entry is a single immutable ledger record.
//
// Amount is signed for KindCommit and KindPayout (a consumer debit is
// negative, a provider credit positive) and positive for the other kinds,
// where it records the held or moved quantity.
type Entry struct {
	ID            string
	AccountID     string
	Kind          EntryKind
	Amount        decimal.Decimal
	JobID         string // empty when not job-linked
	ReservationID string // links Reserve/Commit/Release to a hold
	CreatedAt     time.Time
}

// Role classifies an account.
type Role string

const (
	RoleConsumer Role = "consumer"
	RoleProvider Role = "provider"
	RolePlatform Role = "platform"
)

// PlatformAccountID is the well-known account that collects the markup.
const PlatformAccountID = "platform"

// Account is an accounting identity. Balance is a cache; the entry
// stream is the source of truth.
type Account struct {
	ID        string
	Role      Role
	CreatedAt time.Time
}

// ReservationStatus tracks how a hold was resolved.
type ReservationStatus string

const (
	ReservationOpen      ReservationStatus = "open"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
)

// Reservation is a hold on an account's available balance.
type Reservation struct {
	ID        string
	AccountID string
	Amount    decimal.Decimal
	JobID     string
	Status    ReservationStatus
	CreatedAt time.Time
}

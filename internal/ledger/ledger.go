package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service is the wallet ledger. All balance mutations for a single
// account are serialized through that account's lock; the entry stream
// in the store is the source of truth and the in-memory state is a
// cache rebuilt from it.
type Service struct {
	store      *Store
	settlement SettlementNotifier

	// markupPercent is the platform's cut of a committed job price,
	// e.g. 20 means the provider receives 80% of list price.
	markupPercent int64

	mu       sync.Mutex
	accounts map[string]*accountState

	// onBalanceChange, when set, is invoked after any settled-balance
	// mutation with the account's new balance. Used by the gateway to
	// broadcast balance events without the ledger importing the bus.
	onBalanceChange func(accountID string, balance decimal.Decimal)

	debugFunc func(format string, args ...any)
}

// accountState is the cached fold of an account's entries.
type accountState struct {
	mu      sync.Mutex
	role    Role
	settled decimal.Decimal
	held    map[string]decimal.Decimal // reservation id -> amount
}

// Config holds ledger service configuration.
type Config struct {
	// MarkupPercent is the platform's percentage cut at commit time (default 20)
	MarkupPercent int64

	// Settlement receives deposit/payout notifications (default: no-op)
	Settlement SettlementNotifier

	// OnBalanceChange is an optional balance-change callback
	OnBalanceChange func(accountID string, balance decimal.Decimal)

	// DebugFunc is an optional callback for debug logging
	DebugFunc func(format string, args ...any)
}

// NewService creates a ledger service over the given store and warms the
// balance cache from the persisted entry stream.
func NewService(store *Store, cfg Config) (*Service, error) {
	if cfg.MarkupPercent == 0 {
		cfg.MarkupPercent = 20
	}
	if cfg.MarkupPercent < 0 || cfg.MarkupPercent >= 100 {
		return nil, fmt.Errorf("markup percent must be in [0,100): %d", cfg.MarkupPercent)
	}
	if cfg.Settlement == nil {
		cfg.Settlement = NoopSettlement{}
	}
	s := &Service{
		store:           store,
		settlement:      cfg.Settlement,
		markupPercent:   cfg.MarkupPercent,
		accounts:        make(map[string]*accountState),
		onBalanceChange: cfg.OnBalanceChange,
		debugFunc:       cfg.DebugFunc,
	}
	if err := s.store.EnsureAccount(Account{ID: PlatformAccountID, Role: RolePlatform, CreatedAt: time.Now()}); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) debug(format string, args ...any) {
	if s.debugFunc != nil {
		s.debugFunc(format, args...)
	}
}

// EnsureAccount creates the account on first authenticated access.
// Existing accounts are untouched.
func (s *Service) EnsureAccount(accountID string, role Role) error {
	return s.store.EnsureAccount(Account{ID: accountID, Role: role, CreatedAt: time.Now()})
}

// state returns the cached account state, loading it from the store on
// first access.
func (s *Service) state(accountID string) (*accountState, error) {
	s.mu.Lock()
	st, ok := s.accounts[accountID]
	s.mu.Unlock()
	if ok {
		return st, nil
	}

	settled, held, err := s.fold(accountID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Another goroutine may have loaded it while we were folding
	if st, ok := s.accounts[accountID]; ok {
		return st, nil
	}
	st = &accountState{settled: settled, held: held}
	if a, err := s.store.Account(accountID); err == nil {
		st.role = a.Role
	}
	s.accounts[accountID] = st
	return st, nil
}

// fold replays the account's entry stream from empty.
func (s *Service) fold(accountID string) (settled decimal.Decimal, held map[string]decimal.Decimal, err error) {
	entries, err := s.store.EntriesByAccount(accountID)
	if err != nil {
		return decimal.Zero, nil, err
	}
	settled = decimal.Zero
	held = make(map[string]decimal.Decimal)
	for _, e := range entries {
		switch e.Kind {
		case KindDeposit, KindPayout, KindCommit:
			settled = settled.Add(e.Amount)
		case KindReserve:
			held[e.ReservationID] = e.Amount
		case KindRelease:
			delete(held, e.ReservationID)
		}
		// A commit on the holding account resolves its reservation
		if e.Kind == KindCommit && e.ReservationID != "" {
			delete(held, e.ReservationID)
		}
	}
	return settled, held, nil
}

// Balance returns the account's settled balance.
func (s *Service) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	st, err := s.state(accountID)
	if err != nil {
		return decimal.Zero, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.settled, nil
}

// Available returns the settled balance minus open reservations.
func (s *Service) Available(ctx context.Context, accountID string) (decimal.Decimal, error) {
	st, err := s.state(accountID)
	if err != nil {
		return decimal.Zero, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.settled.Sub(sumHeld(st.held)), nil
}

func sumHeld(held map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range held {
		total = total.Add(a)
	}
	return total
}

// Reserve places a hold of amount against accountID for jobID. It fails
// with ErrInsufficientFunds if the available balance cannot cover it.
func (s *Service) Reserve(ctx context.Context, accountID string, amount decimal.Decimal, jobID string) (string, error) {
	if !amount.IsPositive() {
		return "", ErrInvalidAmount
	}
	st, err := s.state(accountID)
	if err != nil {
		return "", err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	available := st.settled.Sub(sumHeld(st.held))
	if available.LessThan(amount) {
		return "", ErrInsufficientFunds
	}

	now := time.Now()
	resID := uuid.NewString()
	res := Reservation{
		ID: resID, AccountID: accountID, Amount: amount, JobID: jobID,
		Status: ReservationOpen, CreatedAt: now,
	}
	entry := Entry{
		ID: uuid.NewString(), AccountID: accountID, Kind: KindReserve,
		Amount: amount, JobID: jobID, ReservationID: resID, CreatedAt: now,
	}
	if err := s.store.Reserve(res, entry); err != nil {
		return "", err
	}
	st.held[resID] = amount
	s.debug("ledger: reserved %s for account %s (job %s)", amount, accountID, jobID)
	return resID, nil
}

// Commit finalizes a reservation: the consumer is debited the full list
// price and the price is split between the provider and the platform
// according to the markup percentage. Exactly-once: committing or
// releasing a reservation twice returns ErrDuplicateSettlement.
func (s *Service) Commit(ctx context.Context, reservationID, providerAccountID string) error {
	res, err := s.store.Reservation(reservationID)
	if err != nil {
		return err
	}

	st, err := s.state(res.AccountID)
	if err != nil {
		return err
	}

	markup := res.Amount.Mul(decimal.NewFromInt(s.markupPercent)).Div(decimal.NewFromInt(100))
	providerShare := res.Amount.Sub(markup)
	now := time.Now()

	entries := []Entry{
		{
			ID: uuid.NewString(), AccountID: res.AccountID, Kind: KindCommit,
			Amount: res.Amount.Neg(), JobID: res.JobID, ReservationID: reservationID, CreatedAt: now,
		},
		{
			ID: uuid.NewString(), AccountID: providerAccountID, Kind: KindCommit,
			Amount: providerShare, JobID: res.JobID, CreatedAt: now,
		},
		{
			ID: uuid.NewString(), AccountID: PlatformAccountID, Kind: KindCommit,
			Amount: markup, JobID: res.JobID, CreatedAt: now,
		},
	}

	st.mu.Lock()
	err = s.store.Settle(reservationID, ReservationCommitted, entries)
	if err != nil {
		st.mu.Unlock()
		return err
	}
	st.settled = st.settled.Sub(res.Amount)
	delete(st.held, reservationID)
	consumerBalance := st.settled
	st.mu.Unlock()

	s.credit(providerAccountID, providerShare)
	s.credit(PlatformAccountID, markup)

	s.debug("ledger: committed reservation %s (provider %s +%s, platform +%s)",
		reservationID, providerAccountID, providerShare, markup)
	s.notify(res.AccountID, consumerBalance)
	return nil
}

// credit applies a settled-balance credit to the cached state, if loaded.
func (s *Service) credit(accountID string, amount decimal.Decimal) {
	s.mu.Lock()
	st, ok := s.accounts[accountID]
	s.mu.Unlock()
	if !ok {
		// Not cached yet: first access will fold from the store
		return
	}
	st.mu.Lock()
	st.settled = st.settled.Add(amount)
	balance := st.settled
	st.mu.Unlock()
	s.notify(accountID, balance)
}

// Release drops a reservation's hold with no net balance effect.
// Exactly-once with Commit: a second resolution returns ErrDuplicateSettlement.
func (s *Service) Release(ctx context.Context, reservationID string) error {
	res, err := s.store.Reservation(reservationID)
	if err != nil {
		return err
	}

	st, err := s.state(res.AccountID)
	if err != nil {
		return err
	}

	entry := Entry{
		ID: uuid.NewString(), AccountID: res.AccountID, Kind: KindRelease,
		Amount: res.Amount, JobID: res.JobID, ReservationID: reservationID, CreatedAt: time.Now(),
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if err := s.store.Settle(reservationID, ReservationReleased, []Entry{entry}); err != nil {
		return err
	}
	delete(st.held, reservationID)
	s.debug("ledger: released reservation %s for account %s", reservationID, res.AccountID)
	return nil
}

// Deposit credits external funds and notifies the settlement processor.
func (s *Service) Deposit(ctx context.Context, accountID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	st, err := s.state(accountID)
	if err != nil {
		return err
	}

	entry := Entry{
		ID: uuid.NewString(), AccountID: accountID, Kind: KindDeposit,
		Amount: amount, CreatedAt: time.Now(),
	}

	st.mu.Lock()
	if err := s.store.Append(entry); err != nil {
		st.mu.Unlock()
		return err
	}
	st.settled = st.settled.Add(amount)
	balance := st.settled
	st.mu.Unlock()

	if err := s.settlement.Notify(ctx, entry); err != nil {
		// The ledger entry stands; settlement is retried out of band
		s.debug("ledger: settlement notify failed for deposit %s: %v", entry.ID, err)
	}
	s.notify(accountID, balance)
	return nil
}

// Payout debits funds to the external processor. Fails with
// ErrInsufficientFunds if the available balance cannot cover it.
func (s *Service) Payout(ctx context.Context, accountID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	st, err := s.state(accountID)
	if err != nil {
		return err
	}

	entry := Entry{
		ID: uuid.NewString(), AccountID: accountID, Kind: KindPayout,
		Amount: amount.Neg(), CreatedAt: time.Now(),
	}

	st.mu.Lock()
	available := st.settled.Sub(sumHeld(st.held))
	if available.LessThan(amount) {
		st.mu.Unlock()
		return ErrInsufficientFunds
	}
	if err := s.store.Append(entry); err != nil {
		st.mu.Unlock()
		return err
	}
	st.settled = st.settled.Add(entry.Amount)
	balance := st.settled
	st.mu.Unlock()

	if err := s.settlement.Notify(ctx, entry); err != nil {
		s.debug("ledger: settlement notify failed for payout %s: %v", entry.ID, err)
	}
	s.notify(accountID, balance)
	return nil
}

// Replay recomputes the account's settled balance from the persisted
// entry stream, bypassing the cache. The result must always equal
// Balance; tests use this to verify the cache is a pure fold.
func (s *Service) Replay(ctx context.Context, accountID string) (decimal.Decimal, error) {
	settled, _, err := s.fold(accountID)
	return settled, err
}

func (s *Service) notify(accountID string, balance decimal.Decimal) {
	if s.onBalanceChange != nil {
		s.onBalanceChange(accountID, balance)
	}
}

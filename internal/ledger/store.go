package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id         TEXT PRIMARY KEY,
    role       TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS ledger_entries (
    seq            INTEGER PRIMARY KEY AUTOINCREMENT,
    id             TEXT NOT NULL UNIQUE,
    account_id     TEXT NOT NULL,
    kind           TEXT NOT NULL,
    amount         TEXT NOT NULL,
    job_id         TEXT NOT NULL DEFAULT '',
    reservation_id TEXT NOT NULL DEFAULT '',
    created_at     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS reservations (
    id         TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    amount     TEXT NOT NULL,
    job_id     TEXT NOT NULL DEFAULT '',
    status     TEXT NOT NULL DEFAULT 'open',
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_account ON ledger_entries(account_id, seq);
CREATE INDEX IF NOT EXISTS idx_reservations_open ON reservations(account_id) WHERE status = 'open';
`

// Store provides SQLite-backed append-only storage for ledger entries.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the ledger database at dbPath and runs migrations.
func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}

	// Enable WAL mode for concurrent reads during settlement
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// EnsureAccount creates the account row if it does not exist.
func (s *Store) EnsureAccount(a Account) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO accounts (id, role, created_at) VALUES (?, ?, ?)`,
		a.ID, string(a.Role), a.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("ensure account %s: %w", a.ID, err)
	}
	return nil
}

// Account returns the stored account for id.
func (s *Store) Account(id string) (Account, error) {
	var a Account
	var role, created string
	err := s.db.QueryRow(`SELECT id, role, created_at FROM accounts WHERE id = ?`, id).
		Scan(&a.ID, &role, &created)
	if err == sql.ErrNoRows {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("query account: %w", err)
	}
	a.Role = Role(role)
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		a.CreatedAt = t
	}
	return a, nil
}

// Append writes a single entry outside of any reservation lifecycle
// (deposits and payouts).
func (s *Store) Append(e Entry) error {
	return s.insertEntry(s.db, e)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (s *Store) insertEntry(x execer, e Entry) error {
	_, err := x.Exec(`
		INSERT INTO ledger_entries (id, account_id, kind, amount, job_id, reservation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, string(e.Kind), e.Amount.String(), e.JobID, e.ReservationID,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// Reserve records a new hold: the reservation row and its Reserve entry
// are written in one transaction.
func (s *Store) Reserve(res Reservation, entry Entry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO reservations (id, account_id, amount, job_id, status, created_at)
		VALUES (?, ?, ?, ?, 'open', ?)`,
		res.ID, res.AccountID, res.Amount.String(), res.JobID,
		res.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	if err := s.insertEntry(tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

// Settle resolves an open reservation to the given terminal status and
// appends the settlement entries atomically. The status transition is a
// compare-and-set on status='open': if the reservation was already
// settled, ErrDuplicateSettlement is returned and nothing is written.
func (s *Store) Settle(reservationID string, status ReservationStatus, entries []Entry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		`UPDATE reservations SET status = ? WHERE id = ? AND status = 'open'`,
		string(status), reservationID,
	)
	if err != nil {
		return fmt.Errorf("update reservation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		// Distinguish missing from already-settled
		var existing string
		err := tx.QueryRow(`SELECT status FROM reservations WHERE id = ?`, reservationID).Scan(&existing)
		if err == sql.ErrNoRows {
			return ErrReservationNotFound
		}
		if err != nil {
			return fmt.Errorf("query reservation: %w", err)
		}
		return ErrDuplicateSettlement
	}

	for _, e := range entries {
		if err := s.insertEntry(tx, e); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Reservation returns the stored reservation for id.
func (s *Store) Reservation(id string) (Reservation, error) {
	var r Reservation
	var amount, status, created string
	err := s.db.QueryRow(`
		SELECT id, account_id, amount, job_id, status, created_at
		FROM reservations WHERE id = ?`, id).
		Scan(&r.ID, &r.AccountID, &amount, &r.JobID, &status, &created)
	if err == sql.ErrNoRows {
		return Reservation{}, ErrReservationNotFound
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("query reservation: %w", err)
	}
	r.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return Reservation{}, fmt.Errorf("parse reservation amount: %w", err)
	}
	r.Status = ReservationStatus(status)
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		r.CreatedAt = t
	}
	return r, nil
}

// EntriesByAccount returns the account's entries in append order.
func (s *Store) EntriesByAccount(accountID string) ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, account_id, kind, amount, job_id, reservation_id, created_at
		FROM ledger_entries
		WHERE account_id = ?
		ORDER BY seq ASC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var kind, amount, created string
		if err := rows.Scan(&e.ID, &e.AccountID, &kind, &amount, &e.JobID, &e.ReservationID, &created); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Kind = EntryKind(kind)
		e.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("parse entry amount: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// OpenReservations returns the account's unresolved holds.
func (s *Store) OpenReservations(accountID string) ([]Reservation, error) {
	rows, err := s.db.Query(`
		SELECT id, account_id, amount, job_id, status, created_at
		FROM reservations
		WHERE account_id = ? AND status = 'open'`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query open reservations: %w", err)
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		var r Reservation
		var amount, status, created string
		if err := rows.Scan(&r.ID, &r.AccountID, &amount, &r.JobID, &status, &created); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		r.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("parse reservation amount: %w", err)
		}
		r.Status = ReservationStatus(status)
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			r.CreatedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

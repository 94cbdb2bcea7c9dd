package router

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id             TEXT PRIMARY KEY,
    consumer_id    TEXT NOT NULL,
    provider_id    TEXT NOT NULL,
    workflow_id    TEXT NOT NULL,
    state          TEXT NOT NULL,
    reservation_id TEXT NOT NULL DEFAULT '',
    price          TEXT NOT NULL,
    output         TEXT NOT NULL DEFAULT '',
    output_type    TEXT NOT NULL DEFAULT '',
    failure_reason TEXT NOT NULL DEFAULT '',
    created_at     TEXT NOT NULL,
    completed_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_consumer ON jobs(consumer_id, created_at);
`

// Store archives terminal jobs to SQLite so results survive a restart.
// In-flight jobs are memory-only.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the job archive at dbPath.
func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open job archive: %w", err)
	}
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

// Archive writes a terminal job. Re-archiving the same id is idempotent.
func (s *Store) Archive(j Job) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO jobs
		(id, consumer_id, provider_id, workflow_id, state, reservation_id,
		 price, output, output_type, failure_reason, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.ConsumerID, j.ProviderID, j.WorkflowID, string(j.State), j.ReservationID,
		j.Price.String(), j.Result.Output, j.Result.OutputType, j.FailureReason,
		j.CreatedAt.UTC().Format(time.RFC3339Nano),
		j.CompletedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("archive job %s: %w", j.ID, err)
	}
	return nil
}

// Get returns the archived job for id.
func (s *Store) Get(id string) (Job, error) {
	var j Job
	var state, price, created, completed string
	err := s.db.QueryRow(`
		SELECT id, consumer_id, provider_id, workflow_id, state, reservation_id,
		       price, output, output_type, failure_reason, created_at, completed_at
		FROM jobs WHERE id = ?`, id).
		Scan(&j.ID, &j.ConsumerID, &j.ProviderID, &j.WorkflowID, &state, &j.ReservationID,
			&price, &j.Result.Output, &j.Result.OutputType, &j.FailureReason, &created, &completed)
	if err == sql.ErrNoRows {
		return Job{}, ErrJobNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("query job: %w", err)
	}
	j.State = State(state)
	j.Price, err = decimal.NewFromString(price)
	if err != nil {
		return Job{}, fmt.Errorf("parse job price: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		j.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, completed); err == nil {
		j.CompletedAt = t
	}
	return j, nil
}

// ListByConsumer returns the consumer's archived jobs, newest first.
func (s *Store) ListByConsumer(consumerID string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, consumer_id, provider_id, workflow_id, state, reservation_id,
		       price, output, output_type, failure_reason, created_at, completed_at
		FROM jobs WHERE consumer_id = ?
		ORDER BY created_at DESC LIMIT ?`, consumerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		var state, price, created, completed string
		if err := rows.Scan(&j.ID, &j.ConsumerID, &j.ProviderID, &j.WorkflowID, &state, &j.ReservationID,
			&price, &j.Result.Output, &j.Result.OutputType, &j.FailureReason, &created, &completed); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.State = State(state)
		j.Price, err = decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("parse job price: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			j.CreatedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, completed); err == nil {
			j.CompletedAt = t
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

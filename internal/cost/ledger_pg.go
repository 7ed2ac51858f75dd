package cost

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PGMirror writes cost events to an optional Postgres table, purely for
// historical reporting; it is never authoritative (the JSON ledger is).
type PGMirror struct {
	db *sql.DB
}

// NewPGMirrorFromDB wraps an already-open *sql.DB as a PGMirror, skipping
// the connect/ping/create-table steps NewPGMirror performs. This is the
// seam tests use to substitute a sqlmock connection for a real Postgres
// server.
func NewPGMirrorFromDB(db *sql.DB) *PGMirror {
	return &PGMirror{db: db}
}

// NewPGMirror opens dsn and ensures the cost_events table exists.
func NewPGMirror(dsn string) (*PGMirror, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening cost ledger postgres mirror: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging cost ledger postgres mirror: %w", err)
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		return nil, fmt.Errorf("ensuring cost_events table: %w", err)
	}
	return &PGMirror{db: db}, nil
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS cost_events (
	id SERIAL PRIMARY KEY,
	job_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	stage TEXT NOT NULL,
	service TEXT NOT NULL,
	units DOUBLE PRECISION NOT NULL,
	unit_cost DOUBLE PRECISION NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
)`

// Record inserts one cost event.
func (m *PGMirror) Record(e Event) error {
	_, err := m.db.Exec(
		`INSERT INTO cost_events (job_id, user_id, stage, service, units, unit_cost, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.JobID, e.User, e.Stage, e.Service, e.Units, e.UnitCost, e.Timestamp,
	)
	return err
}

// Close releases the underlying connection pool.
func (m *PGMirror) Close() error {
	return m.db.Close()
}

// Package archive is the optional Postgres archive of closed sessions
// from spec.md §1's Non-goals carve-out: a full time-series of raw
// measurements is out of scope, but a row-per-closed-session mirror for
// the host platform's own reporting is not. Grounded on the teacher's
// scheduler/mpc_persistence.go: lib/pq driver, prepared upsert inside a
// transaction, ON CONFLICT DO UPDATE keyed on a natural id. Disabled
// outright when no DSN is configured.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	_ "github.com/lib/pq"

	"github.com/devskill-org/evse-driver/model"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS charging_sessions (
	id                    BIGINT PRIMARY KEY,
	start_time            TIMESTAMPTZ NOT NULL,
	end_time              TIMESTAMPTZ,
	ended                 BOOLEAN NOT NULL,
	energy_delivered_kwh  DOUBLE PRECISION NOT NULL,
	charging_time_sec     DOUBLE PRECISION NOT NULL,
	cost                  DOUBLE PRECISION NOT NULL,
	cost_gap              BOOLEAN NOT NULL
)`

const upsertSQL = `
INSERT INTO charging_sessions (
	id, start_time, end_time, ended, energy_delivered_kwh, charging_time_sec, cost, cost_gap
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
	end_time = EXCLUDED.end_time,
	ended = EXCLUDED.ended,
	energy_delivered_kwh = EXCLUDED.energy_delivered_kwh,
	charging_time_sec = EXCLUDED.charging_time_sec,
	cost = EXCLUDED.cost,
	cost_gap = EXCLUDED.cost_gap
`

// Archiver writes closed sessions to Postgres. A nil *Archiver (or one
// constructed with an empty DSN) means archival is disabled; callers
// should check Enabled before invoking Archive.
type Archiver struct {
	db     *sql.DB
	logger *log.Logger
}

// New opens a connection pool for dsn and ensures the archive table
// exists. An empty dsn disables archival: New returns (nil, nil).
func New(dsn string, logger *log.Logger) (*Archiver, error) {
	if dsn == "" {
		return nil, nil
	}
	if logger == nil {
		logger = log.Default()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach archive database: %w", err)
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create charging_sessions table: %w", err)
	}
	return &Archiver{db: db, logger: logger}, nil
}

// Enabled reports whether archival is configured.
func (a *Archiver) Enabled() bool { return a != nil }

// Archive upserts one closed session row inside a transaction.
func (a *Archiver) Archive(ctx context.Context, s model.Session) error {
	if a == nil {
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin archive transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare archive upsert: %w", err)
	}
	defer stmt.Close()

	var endTime any
	if s.Ended {
		endTime = s.End
	}

	if _, err := stmt.ExecContext(ctx, s.ID, s.Start, endTime, s.Ended,
		s.EnergyDeliveredKWh, s.ChargingTimeSec, s.Cost, s.CostGap); err != nil {
		return fmt.Errorf("failed to archive session %d: %w", s.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive transaction: %w", err)
	}

	a.logger.Printf("archive: recorded session %d (%.3f kWh, closed=%v)", s.ID, s.EnergyDeliveredKWh, s.Ended)
	return nil
}

// Close releases the underlying connection pool.
func (a *Archiver) Close() error {
	if a == nil {
		return nil
	}
	return a.db.Close()
}

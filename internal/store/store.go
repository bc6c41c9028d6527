package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/andresmejia3/headcount/internal/types"
)

// Store manages the PostgreSQL pool used for run history and court occupancy.
type Store struct {
	pool *pgxpool.Pool
}

// Run is a persisted batch summary.
type Run struct {
	ID           uuid.UUID
	Source       string
	Fingerprint  string
	Output       string
	Frames       int
	DurationSec  float64
	FPSOut       float64
	Conf         float64
	Model        string
	PersonCounts []int32
	CreatedAt    time.Time
}

// Peak returns the largest per-frame person count.
func (r Run) Peak() int {
	max := 0
	for _, c := range r.PersonCounts {
		if int(c) > max {
			max = int(c)
		}
	}
	return max
}

// New establishes a connection pool and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the necessary tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS runs (
			id UUID PRIMARY KEY,
			source TEXT NOT NULL,
			fingerprint TEXT NOT NULL DEFAULT '',
			output TEXT NOT NULL,
			frames INT NOT NULL,
			duration_sec DOUBLE PRECISION NOT NULL,
			fps_out DOUBLE PRECISION NOT NULL,
			conf DOUBLE PRECISION NOT NULL,
			model TEXT NOT NULL,
			person_counts INT[] NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS runs_fingerprint_idx ON runs (fingerprint);
		CREATE TABLE IF NOT EXISTS occupancy (
			court_id TEXT PRIMARY KEY,
			occupancy_count INT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS occupancy_events (
			id BIGSERIAL PRIMARY KEY,
			court_id TEXT NOT NULL,
			occupancy_count INT NOT NULL,
			observed_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS occupancy_events_court_idx ON occupancy_events (court_id, observed_at);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates the pool.
func (s *Store) Close(ctx context.Context) {
	s.pool.Close()
}

// InsertRun saves a batch summary and returns its generated id.
func (s *Store) InsertRun(ctx context.Context, r Run) (uuid.UUID, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.PersonCounts == nil {
		r.PersonCounts = []int32{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO runs (id, source, fingerprint, output, frames, duration_sec, fps_out, conf, model, person_counts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, r.ID, r.Source, r.Fingerprint, r.Output, r.Frames, r.DurationSec, r.FPSOut, r.Conf, r.Model, r.PersonCounts)
	if err != nil {
		return uuid.Nil, err
	}
	return r.ID, nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, source, fingerprint, output, frames, duration_sec, fps_out, conf, model, person_counts, created_at
		FROM runs ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Source, &r.Fingerprint, &r.Output, &r.Frames, &r.DurationSec,
			&r.FPSOut, &r.Conf, &r.Model, &r.PersonCounts, &r.CreatedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Record stores the latest count for a court and appends it to the history, atomically.
func (s *Store) Record(ctx context.Context, u types.OccupancyUpdate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // Safe to call even if committed

	if _, err := tx.Exec(ctx, `
		INSERT INTO occupancy (court_id, occupancy_count, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (court_id) DO UPDATE SET occupancy_count = EXCLUDED.occupancy_count, updated_at = EXCLUDED.updated_at
	`, u.CourtID, u.Count, u.At); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO occupancy_events (court_id, occupancy_count, observed_at) VALUES ($1, $2, $3)
	`, u.CourtID, u.Count, u.At); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Occupancy returns the latest count for one court.
func (s *Store) Occupancy(ctx context.Context, courtID string) (types.OccupancyUpdate, bool, error) {
	u := types.OccupancyUpdate{CourtID: courtID}
	err := s.pool.QueryRow(ctx, `SELECT occupancy_count, updated_at FROM occupancy WHERE court_id = $1`, courtID).
		Scan(&u.Count, &u.At)
	if errors.Is(err, pgx.ErrNoRows) {
		return u, false, nil
	}
	if err != nil {
		return u, false, err
	}
	return u, true, nil
}

// ListOccupancy returns the latest count of every court, ordered by court id.
func (s *Store) ListOccupancy(ctx context.Context) ([]types.OccupancyUpdate, error) {
	rows, err := s.pool.Query(ctx, `SELECT court_id, occupancy_count, updated_at FROM occupancy ORDER BY court_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.OccupancyUpdate
	for rows.Next() {
		var u types.OccupancyUpdate
		if err := rows.Scan(&u.CourtID, &u.Count, &u.At); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS occupancy_events CASCADE;
		DROP TABLE IF EXISTS occupancy CASCADE;
		DROP TABLE IF EXISTS runs CASCADE;
	`)
	return err
}

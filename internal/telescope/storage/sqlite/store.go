// Package sqlite persists alignment runs in a SQLite database: the geometry
// of every alignment iteration, the iteration summaries and the final
// fitted tracks. The schema is managed with embedded golang-migrate
// migrations.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/testbeam/internal/monitoring"
	"github.com/banshee-data/testbeam/internal/telescope"
	"github.com/banshee-data/testbeam/internal/telescope/alignment"
	"github.com/banshee-data/testbeam/internal/telescope/geometry"
	"github.com/banshee-data/testbeam/internal/telescope/trackio"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound reports a missing run or geometry.
var ErrNotFound = errors.New("not found")

// Store is a SQLite-backed run store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and migrates it to the latest
// schema. Use ":memory:" for a throwaway store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	s := &Store{db: db}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// MigrateUp runs all pending migrations.
func (s *Store) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the current schema version.
func (s *Store) MigrateVersion() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	return m, nil
}

// migrateLogger implements migrate.Logger on top of monitoring.Logf.
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// Run is one stored alignment run.
type Run struct {
	RunID      string
	CreatedAt  string
	Producer   string
	ConfigJSON string
	StopReason string
	Iterations int
	TrackCount int
}

// CreateRun records the start of a run.
func (s *Store) CreateRun(ctx context.Context, runID, producer, configJSON string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, producer, config_json) VALUES (?, ?, ?)`,
		runID, producer, configJSON)
	if err != nil {
		return fmt.Errorf("create run %s: %w", runID, err)
	}
	return nil
}

// FinishRun records how a run ended.
func (s *Store) FinishRun(ctx context.Context, runID string, reason alignment.StopReason, iterations, tracks int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET stop_reason = ?, iterations = ?, track_count = ? WHERE run_id = ?`,
		reason.String(), iterations, tracks, runID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// GetRun returns a stored run.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, created_at, producer, COALESCE(config_json, ''),
		       COALESCE(stop_reason, ''), COALESCE(iterations, 0), COALESCE(track_count, 0)
		FROM runs WHERE run_id = ?`, runID)
	var r Run
	if err := row.Scan(&r.RunID, &r.CreatedAt, &r.Producer, &r.ConfigJSON, &r.StopReason, &r.Iterations, &r.TrackCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		return nil, err
	}
	return &r, nil
}

// LatestRunID returns the id of the most recently created run.
func (s *Store) LatestRunID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id FROM runs ORDER BY created_at DESC, rowid DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("latest run: %w", ErrNotFound)
	}
	return id, err
}

// SaveIteration stores the geometry snapshot and summary of one alignment
// iteration.
func (s *Store) SaveIteration(ctx context.Context, runID string, summary alignment.IterationSummary, geom *geometry.Geometry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	converged := 0
	if summary.Converged {
		converged = 1
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO alignment_iterations (run_id, iteration, track_count, max_residual, converged)
		VALUES (?, ?, ?, ?, ?)`,
		runID, summary.Iteration, summary.Tracks, summary.MaxResidual, converged); err != nil {
		return fmt.Errorf("save iteration %d: %w", summary.Iteration, err)
	}
	if err := insertGeometry(ctx, tx, runID, summary.Iteration, geom); err != nil {
		return err
	}
	return tx.Commit()
}

func insertGeometry(ctx context.Context, tx *sql.Tx, runID string, iteration int, geom *geometry.Geometry) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO geometry_versions
			(run_id, iteration, plane_index, plane_id, z, offset_x, offset_y, rotation, resolution_x, resolution_y)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, p := range geom.Record().Planes {
		if _, err := stmt.ExecContext(ctx, runID, iteration, p.Index, p.ID, p.Z,
			p.OffsetX, p.OffsetY, p.Rotation, p.ResolutionX, p.ResolutionY); err != nil {
			return fmt.Errorf("save geometry plane %d: %w", p.ID, err)
		}
	}
	return nil
}

// LatestGeometry returns the geometry of the highest stored iteration of
// runID, with that iteration number.
func (s *Store) LatestGeometry(ctx context.Context, runID string) (*geometry.Geometry, int, error) {
	var iteration sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(iteration) FROM geometry_versions WHERE run_id = ?`, runID).Scan(&iteration); err != nil {
		return nil, 0, err
	}
	if !iteration.Valid {
		return nil, 0, fmt.Errorf("geometry for run %s: %w", runID, ErrNotFound)
	}
	g, err := s.Geometry(ctx, runID, int(iteration.Int64))
	return g, int(iteration.Int64), err
}

// Geometry returns the geometry stored for one iteration of runID.
func (s *Store) Geometry(ctx context.Context, runID string, iteration int) (*geometry.Geometry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT plane_index, plane_id, z, offset_x, offset_y, rotation, resolution_x, resolution_y
		FROM geometry_versions
		WHERE run_id = ? AND iteration = ?
		ORDER BY plane_index`, runID, iteration)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rec := geometry.Record{FormatVersion: geometry.FormatVersion}
	for rows.Next() {
		var p geometry.PlaneRecord
		if err := rows.Scan(&p.Index, &p.ID, &p.Z, &p.OffsetX, &p.OffsetY, &p.Rotation, &p.ResolutionX, &p.ResolutionY); err != nil {
			return nil, err
		}
		rec.Planes = append(rec.Planes, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(rec.Planes) == 0 {
		return nil, fmt.Errorf("geometry for run %s iteration %d: %w", runID, iteration, ErrNotFound)
	}
	return geometry.FromRecord(rec)
}

// SaveTracks stores the final tracks of runID in one transaction.
func (s *Store) SaveTracks(ctx context.Context, runID string, tracks []*telescope.FittedTrack) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tracks
			(run_id, event_id, track_index, reference_plane, x, y, slope_x, slope_y, chi_square, ndf, record)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	var lastEvent int64
	index := 0
	for i, t := range tracks {
		if i > 0 && t.EventID == lastEvent {
			index++
		} else {
			index = 0
		}
		lastEvent = t.EventID
		if _, err := stmt.ExecContext(ctx, runID, t.EventID, index, t.ReferencePlane,
			t.Reference.X, t.Reference.Y, t.Reference.SlopeX, t.Reference.SlopeY,
			t.ChiSquare, t.NDF, trackio.MarshalTrack(t)); err != nil {
			return fmt.Errorf("save track for event %d: %w", t.EventID, err)
		}
	}
	return tx.Commit()
}

// Tracks returns the stored tracks of runID ordered by event id.
func (s *Store) Tracks(ctx context.Context, runID string) ([]*telescope.FittedTrack, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM tracks WHERE run_id = ? ORDER BY event_id, track_index`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*telescope.FittedTrack
	for rows.Next() {
		var rec []byte
		if err := rows.Scan(&rec); err != nil {
			return nil, err
		}
		t, err := trackio.UnmarshalTrack(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

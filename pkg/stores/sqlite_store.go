package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	return &SQLiteStore{
		path: cfg.Path,
	}, nil
}

// Init opens the database, enables WAL mode and applies pending migrations.
func (s *SQLiteStore) Init(ctx context.Context) error {
	// Open database with SQLite-specific connection parameters
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool. The index sees one writer (the compiler)
	// and occasional CLI readers.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db

	if err := s.migrate(); err != nil {
		_ = db.Close()
		s.db = nil
		return err
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// migrate applies embedded schema migrations.
func (s *SQLiteStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// UpsertArtifact inserts or replaces a script's artifact record.
func (s *SQLiteStore) UpsertArtifact(ctx context.Context, rec *ArtifactRecord) error {
	query := `
		INSERT INTO artifacts (script, source_path, artifact_path, source_hash, source_mtime, compiled_at, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(script) DO UPDATE SET
			source_path = excluded.source_path,
			artifact_path = excluded.artifact_path,
			source_hash = excluded.source_hash,
			source_mtime = excluded.source_mtime,
			compiled_at = excluded.compiled_at,
			status = excluded.status,
			error = excluded.error
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.Script,
		rec.SourcePath,
		rec.ArtifactPath,
		rec.SourceHash,
		rec.SourceModTime.UTC().Format(time.RFC3339Nano),
		rec.CompiledAt.UTC().Format(time.RFC3339Nano),
		rec.Status,
		rec.Error,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert artifact %s: %w", rec.Script, err)
	}

	return nil
}

// GetArtifact returns a script's artifact record, or nil when unknown.
func (s *SQLiteStore) GetArtifact(ctx context.Context, script string) (*ArtifactRecord, error) {
	query := `
		SELECT script, source_path, artifact_path, source_hash, source_mtime, compiled_at, status, error
		FROM artifacts
		WHERE script = ?
	`

	rec, err := scanArtifact(s.db.QueryRowContext(ctx, query, script))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact %s: %w", script, err)
	}
	return rec, nil
}

// ListArtifacts returns every artifact record ordered by script identity.
func (s *SQLiteStore) ListArtifacts(ctx context.Context) ([]ArtifactRecord, error) {
	query := `
		SELECT script, source_path, artifact_path, source_hash, source_mtime, compiled_at, status, error
		FROM artifacts
		ORDER BY script
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []ArtifactRecord
	for rows.Next() {
		rec, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate artifacts: %w", err)
	}

	return records, nil
}

// DeleteArtifact removes a script's record and its compile events.
func (s *SQLiteStore) DeleteArtifact(ctx context.Context, script string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM compile_events WHERE script = ?", script); err != nil {
		return fmt.Errorf("failed to delete compile events for %s: %w", script, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM artifacts WHERE script = ?", script); err != nil {
		return fmt.Errorf("failed to delete artifact %s: %w", script, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// CountCompiled returns the number of scripts whose last compile succeeded.
func (s *SQLiteStore) CountCompiled(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM artifacts WHERE status = ?", ArtifactStatusOK,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count compiled artifacts: %w", err)
	}
	return count, nil
}

// AppendEvent appends a compile event. A missing id or timestamp is filled in.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *CompileEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO compile_events (id, script, level, message, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		ev.ID,
		ev.Script,
		ev.Level,
		ev.Message,
		ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to append compile event: %w", err)
	}
	return nil
}

// ListEvents returns a script's most recent compile events, newest first.
// An empty script matches all scripts. limit <= 0 selects 100.
func (s *SQLiteStore) ListEvents(ctx context.Context, script string, limit int) ([]CompileEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, script, level, message, created_at
		FROM compile_events
		WHERE (? = '' OR script = ?)
		ORDER BY created_at DESC, id
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, script, script, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list compile events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []CompileEvent
	for rows.Next() {
		var ev CompileEvent
		var createdAt string
		if err := rows.Scan(&ev.ID, &ev.Script, &ev.Level, &ev.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan compile event: %w", err)
		}
		ev.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse event timestamp: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate compile events: %w", err)
	}

	return events, nil
}

// rowScanner abstracts sql.Row and sql.Rows for scanArtifact.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanArtifact(row rowScanner) (*ArtifactRecord, error) {
	rec := &ArtifactRecord{}
	var sourceModTime, compiledAt string
	if err := row.Scan(
		&rec.Script,
		&rec.SourcePath,
		&rec.ArtifactPath,
		&rec.SourceHash,
		&sourceModTime,
		&compiledAt,
		&rec.Status,
		&rec.Error,
	); err != nil {
		return nil, err
	}

	var err error
	rec.SourceModTime, err = time.Parse(time.RFC3339Nano, sourceModTime)
	if err != nil {
		return nil, fmt.Errorf("failed to parse source mtime: %w", err)
	}
	rec.CompiledAt, err = time.Parse(time.RFC3339Nano, compiledAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse compiled-at: %w", err)
	}
	return rec, nil
}

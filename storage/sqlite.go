package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/attestation-service/interfaces"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps reference values in a single sqlite table keyed by name.
type SQLiteStore struct {
	db   *sql.DB
	path string
	log  *slog.Logger
}

// OpenSQLiteStore opens (or creates) the database at path and applies the schema.
func OpenSQLiteStore(path string, log *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// Single writer; WAL lets readers proceed during writes
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &SQLiteStore{db: db, path: path, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate sqlite database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS reference_values (
		name TEXT PRIMARY KEY,
		value JSON NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, name string) (*interfaces.ReferenceValue, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM reference_values WHERE name = ?`, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("query", s.Name(), err)
	}
	return decodeReferenceValue(name, []byte(data))
}

func (s *SQLiteStore) Set(ctx context.Context, rv interfaces.ReferenceValue) error {
	data, err := encodeReferenceValue(rv)
	if err != nil {
		return err
	}

	query := `INSERT INTO reference_values (name, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query, rv.Name, string(data)); err != nil {
		return unavailable("upsert", s.Name(), err)
	}

	s.log.Debug("Stored reference value in sqlite", slog.String("name", rv.Name))
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM reference_values WHERE name = ?`, name); err != nil {
		return unavailable("delete", s.Name(), err)
	}
	return nil
}

func (s *SQLiteStore) Available(ctx context.Context) bool {
	if err := s.db.PingContext(ctx); err != nil {
		s.log.Debug("SQLite store unavailable", "err", err)
		return false
	}
	return true
}

func (s *SQLiteStore) Name() string {
	return "sqlite"
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

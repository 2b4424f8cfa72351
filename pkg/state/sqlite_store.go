package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openlakehouse/lakesource/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists state records as JSON documents in a single
// SQLite table. Row replacement is transactional, which gives the same
// atomic-replace guarantee the file store gets from rename.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (or creates) the database at path, enables WAL
// mode, and applies embedded migrations.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	store := &SQLiteStore{db: db, path: path}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("creating migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// Get loads the record for a name, or nil if no row exists.
func (s *SQLiteStore) Get(ctx context.Context, name string) (*engine.StateRecord, error) {
	var document string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM datasource_state WHERE name = ?`, name,
	).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying state for %q: %w", name, err)
	}
	var record engine.StateRecord
	if err := json.Unmarshal([]byte(document), &record); err != nil {
		return nil, fmt.Errorf("decoding state for %q: %w", name, err)
	}
	if record.Resources == nil {
		record.Resources = make(map[string]*engine.ResourceRecord)
	}
	return &record, nil
}

// Put upserts the record's JSON document.
func (s *SQLiteStore) Put(ctx context.Context, record *engine.StateRecord) error {
	document, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding state for %q: %w", record.Name, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO datasource_state (name, document, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at`,
		record.Name, string(document), record.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("persisting state for %q: %w", record.Name, err)
	}
	return nil
}

// Delete removes the row for a name. Absent rows are a no-op.
func (s *SQLiteStore) Delete(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM datasource_state WHERE name = ?`, name,
	); err != nil {
		return fmt.Errorf("removing state for %q: %w", name, err)
	}
	return nil
}

// List returns every persisted record ordered by name.
func (s *SQLiteStore) List(ctx context.Context) ([]*engine.StateRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document FROM datasource_state ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing state: %w", err)
	}
	defer rows.Close()

	var records []*engine.StateRecord
	for rows.Next() {
		var document string
		if err := rows.Scan(&document); err != nil {
			return nil, fmt.Errorf("scanning state row: %w", err)
		}
		var record engine.StateRecord
		if err := json.Unmarshal([]byte(document), &record); err != nil {
			return nil, fmt.Errorf("decoding state row: %w", err)
		}
		records = append(records, &record)
	}
	return records, rows.Err()
}

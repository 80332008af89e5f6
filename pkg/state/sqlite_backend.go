package state

import (
	"context"
	"database/sql"
	stderrors "errors"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ajitpratap0/intacct-extractor/pkg/errors"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS extractor_state (
	key        TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	document   BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`

// SQLiteBackend keeps the document in a single row of a SQLite database.
type SQLiteBackend struct {
	db  *sql.DB
	key string
}

// NewSQLiteBackend opens (and migrates) the database at path.
func NewSQLiteBackend(ctx context.Context, path, key string) (*SQLiteBackend, error) {
	if path == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "state.path is required for the sqlite backend")
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to create state directory").
					WithDetail("path", dir)
			}
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to open sqlite state").WithDetail("path", path)
	}
	// A single connection keeps :memory: databases alive across calls.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to open sqlite state").WithDetail("path", path)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to migrate sqlite state")
	}
	return &SQLiteBackend{db: db, key: key}, nil
}

// Load implements Backend.
func (s *SQLiteBackend) Load(ctx context.Context) (*Document, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT document FROM extractor_state WHERE key = ?`, s.key).Scan(&data)
	if stderrors.Is(err, sql.ErrNoRows) {
		return NewDocument(), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to read sqlite state")
	}
	return decodeDocument(data)
}

// Save implements Backend.
func (s *SQLiteBackend) Save(ctx context.Context, doc *Document) error {
	data, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO extractor_state (key, version, document, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET version = excluded.version, document = excluded.document, updated_at = excluded.updated_at`,
		s.key, doc.Version, data, time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "failed to write sqlite state")
	}
	return nil
}

// Close implements Backend.
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

package state

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ajitpratap0/intacct-extractor/pkg/errors"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS extractor_state (
	key        TEXT PRIMARY KEY,
	version    BIGINT NOT NULL,
	document   JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresBackend keeps the document in a JSONB row, for deployments that
// already run the extractor next to a PostgreSQL database.
type PostgresBackend struct {
	pool *pgxpool.Pool
	key  string
}

// NewPostgresBackend connects with dsn and creates the state table.
func NewPostgresBackend(ctx context.Context, dsn, key string) (*PostgresBackend, error) {
	if dsn == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "state.dsn is required for the postgres backend")
	}
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid state.dsn")
	}
	poolConfig.MaxConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to connect to postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to ping postgres")
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to migrate postgres state")
	}
	return &PostgresBackend{pool: pool, key: key}, nil
}

// Load implements Backend.
func (p *PostgresBackend) Load(ctx context.Context) (*Document, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, `SELECT document FROM extractor_state WHERE key = $1`, p.key).Scan(&data)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return NewDocument(), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to read postgres state")
	}
	return decodeDocument(data)
}

// Save implements Backend.
func (p *PostgresBackend) Save(ctx context.Context, doc *Document) error {
	data, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO extractor_state (key, version, document, updated_at) VALUES ($1, $2, $3, now())
		ON CONFLICT (key) DO UPDATE SET version = EXCLUDED.version, document = EXCLUDED.document, updated_at = now()`,
		p.key, doc.Version, data)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "failed to write postgres state")
	}
	return nil
}

// Close implements Backend.
func (p *PostgresBackend) Close() error {
	p.pool.Close()
	return nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

const postgresSchemaSQL = `
CREATE TABLE IF NOT EXISTS conversions (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	filename TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	settings JSONB NOT NULL,
	progress JSONB NOT NULL DEFAULT '{}',
	result TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	webhook_url TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS conversions_created_at_idx ON conversions (created_at DESC);
`

var postgresDialect = dialect{
	name:       "postgres",
	schema:     postgresSchemaSQL,
	lockSuffix: " FOR UPDATE",
	rebind:     rebindDollar,
}

func NewPostgresJobStore(ctx context.Context, dsn string) (*SQLJobStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	return newSQLJobStore(ctx, db, postgresDialect)
}

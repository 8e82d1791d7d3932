package repostore

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// pool wraps sqlitex.Pool with the pragmas and schema every connection
// needs.
type pool struct {
	inner *sqlitex.Pool
	log   *zap.SugaredLogger
	path  string
}

func openPool(path string, size int, log *zap.SugaredLogger) (*pool, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if size <= 0 {
		size = 4
	}
	inner, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    size,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	log.Debugf("sqlite pool opened: path=%s size=%d", path, size)
	return &pool{inner: inner, log: log, path: path}, nil
}

func (p *pool) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("taking connection: %w", err)
	}
	return conn, nil
}

func (p *pool) put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

func (p *pool) close() error {
	if err := p.inner.Close(); err != nil {
		p.log.Errorf("closing sqlite pool %s: %v", p.path, err)
		return fmt.Errorf("closing %s: %w", p.path, err)
	}
	p.log.Debugf("sqlite pool closed: path=%s", p.path)
	return nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS units (
	id                      INTEGER PRIMARY KEY,
	unit_type               TEXT NOT NULL,
	unit_key                TEXT NOT NULL,
	"name"                  TEXT NOT NULL DEFAULT '',
	"epoch"                 TEXT NOT NULL DEFAULT '',
	"version"               TEXT NOT NULL DEFAULT '',
	"release"               TEXT NOT NULL DEFAULT '',
	"arch"                  TEXT NOT NULL DEFAULT '',
	"filename"              TEXT NOT NULL DEFAULT '',
	"checksum_type"         TEXT NOT NULL DEFAULT '',
	"checksum"              TEXT NOT NULL DEFAULT '',
	"repo_id"               TEXT NOT NULL DEFAULT '',
	"group_id"              TEXT NOT NULL DEFAULT '',
	version_sort_index      TEXT NOT NULL DEFAULT '',
	release_sort_index      TEXT NOT NULL DEFAULT '',
	storage_path            TEXT NOT NULL DEFAULT '',
	downloaded              INTEGER NOT NULL DEFAULT 0,
	size                    INTEGER NOT NULL DEFAULT -1,
	snippet                 BLOB,
	published_checksum_type TEXT NOT NULL DEFAULT '',
	published_checksum      TEXT NOT NULL DEFAULT '',
	signing_key_id          TEXT NOT NULL DEFAULT '',
	UNIQUE (unit_type, unit_key)
);

CREATE INDEX IF NOT EXISTS units_by_name ON units (unit_type, "name");

CREATE TABLE IF NOT EXISTS repo_units (
	repo_id TEXT NOT NULL,
	unit_id INTEGER NOT NULL REFERENCES units (id),
	UNIQUE (repo_id, unit_id)
);

CREATE TABLE IF NOT EXISTS catalog (
	unit_id       INTEGER NOT NULL REFERENCES units (id),
	unit_type     TEXT NOT NULL,
	source        TEXT NOT NULL,
	url           TEXT NOT NULL DEFAULT '',
	path          TEXT NOT NULL DEFAULT '',
	checksum_type TEXT NOT NULL DEFAULT '',
	checksum      TEXT NOT NULL DEFAULT '',
	UNIQUE (unit_id, source)
);

CREATE INDEX IF NOT EXISTS catalog_by_checksum ON catalog (checksum_type, checksum);
`

// Package repostore persists units, their repository associations and
// catalog entries in SQLite.
package repostore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/open-edge-platform/reposync/internal/ospackage"
	"github.com/open-edge-platform/reposync/internal/ospackage/rpmutils"
	"github.com/open-edge-platform/reposync/internal/utils/general/slice"
	"github.com/open-edge-platform/reposync/internal/utils/logger"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// Store is the unit database.
type Store struct {
	pool *pool
	log  *zap.SugaredLogger
}

// Open opens (and if needed creates) the database at path.
func Open(path string, poolSize int) (*Store, error) {
	log := logger.Logger()
	p, err := openPool(path, poolSize, log)
	if err != nil {
		return nil, fmt.Errorf("unit store: %w", err)
	}
	return &Store{pool: p, log: log}, nil
}

// Close waits for borrowed connections and closes the database.
func (s *Store) Close() error {
	return s.pool.close()
}

// keyColumns are the unit columns every query selects, in scan order.
const keyColumns = `id, unit_type, storage_path, downloaded, size, signing_key_id,
	"name", "epoch", "version", "release", "arch", "filename", "checksum_type", "checksum", "repo_id", "group_id"`

var allKeyFields = []string{"name", "epoch", "version", "release", "arch", "filename", "checksum_type", "checksum", "repo_id", "group_id"}

func scanUnit(stmt *sqlite.Stmt) (ospackage.ExistingUnit, error) {
	t, err := ospackage.ParseUnitType(stmt.ColumnText(1))
	if err != nil {
		return ospackage.ExistingUnit{}, err
	}
	values := make(map[string]string, len(allKeyFields))
	for i, col := range allKeyFields {
		values[col] = stmt.ColumnText(6 + i)
	}
	key, err := ospackage.NewKey(t, values)
	if err != nil {
		return ospackage.ExistingUnit{}, err
	}
	return ospackage.ExistingUnit{
		ID:           stmt.ColumnInt64(0),
		Key:          key,
		StoragePath:  stmt.ColumnText(2),
		Downloaded:   stmt.ColumnInt64(3) != 0,
		Size:         stmt.ColumnInt64(4),
		SigningKeyID: stmt.ColumnText(5),
	}, nil
}

// MaxLookupKeys is the most keys FindUnits puts in one query. Each key
// adds an OR term and up to ten bound values; SQLite rejects expression
// trees deeper than 1000.
const MaxLookupKeys = 500

// FindUnits returns the stored units of type t matching any of keys. Keys
// are looked up MaxLookupKeys at a time, each batch one query of AND-ed
// per-key filters OR-ed together.
func (s *Store) FindUnits(ctx context.Context, t ospackage.UnitType, keys []ospackage.UnitKey) ([]ospackage.ExistingUnit, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	for _, k := range keys {
		if k.Type() != t {
			return nil, fmt.Errorf("find %s units: key %s has type %s", t, k, k.Type())
		}
	}

	conn, err := s.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.put(conn)

	var units []ospackage.ExistingUnit
	for _, batch := range slice.Chunk(keys, MaxLookupKeys) {
		query, args := findQuery(t, batch)
		err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				u, err := scanUnit(stmt)
				if err != nil {
					return err
				}
				units = append(units, u)
				return nil
			},
		})
		if err != nil {
			return nil, fmt.Errorf("find %s units: %w", t, err)
		}
	}
	return units, nil
}

func findQuery(t ospackage.UnitType, keys []ospackage.UnitKey) (string, []any) {
	var where strings.Builder
	args := []any{string(t)}
	for i, k := range keys {
		if i > 0 {
			where.WriteString(" OR ")
		}
		where.WriteByte('(')
		for j, f := range k.Fields() {
			if j > 0 {
				where.WriteString(" AND ")
			}
			where.WriteString(`"` + f.Name + `" = ?`)
			args = append(args, f.Value)
		}
		where.WriteByte(')')
	}
	return "SELECT " + keyColumns + " FROM units WHERE unit_type = ? AND (" + where.String() + ")", args
}

// AssociateUnit links a unit to a repository. It reports whether a new
// association was created; re-associating is a no-op.
func (s *Store) AssociateUnit(ctx context.Context, repoID string, unitID int64) (bool, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.put(conn)

	err = sqlitex.Execute(conn, "INSERT OR IGNORE INTO repo_units (repo_id, unit_id) VALUES (?, ?)", &sqlitex.ExecOptions{
		Args: []any{repoID, unitID},
	})
	if err != nil {
		return false, fmt.Errorf("associating unit %d with %s: %w", unitID, repoID, err)
	}
	return conn.Changes() > 0, nil
}

// SetDownloaded corrects the presence flag of a unit.
func (s *Store) SetDownloaded(ctx context.Context, unitID int64, downloaded bool) error {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.put(conn)

	err = sqlitex.Execute(conn, "UPDATE units SET downloaded = ? WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{boolInt(downloaded), unitID},
	})
	if err != nil {
		return fmt.Errorf("updating unit %d: %w", unitID, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("updating unit %d: %w", unitID, ErrNotFound)
	}
	return nil
}

// SaveUnit stores u if its key is new and otherwise merges it into the
// existing row: the downloaded flag only ever turns on, and empty fields
// never overwrite recorded ones. Version and release sort indexes are
// derived from the key.
func (s *Store) SaveUnit(ctx context.Context, u ospackage.Unit) (saved ospackage.ExistingUnit, err error) {
	values := map[string]string{}
	for _, f := range u.Key.Fields() {
		values[f.Name] = f.Value
	}
	var versionIdx, releaseIdx string
	if v, ok := u.Key.(ospackage.Versioned); ok {
		_, version, release := v.EVR()
		versionIdx = s.sortIndex(u.Key, version)
		releaseIdx = s.sortIndex(u.Key, release)
	}
	var snippet any
	if len(u.Snippet) > 0 {
		snippet = u.Snippet
	}

	conn, err := s.pool.take(ctx)
	if err != nil {
		return ospackage.ExistingUnit{}, err
	}
	defer s.pool.put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return ospackage.ExistingUnit{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn, `
		INSERT INTO units (unit_type, unit_key,
			"name", "epoch", "version", "release", "arch", "filename", "checksum_type", "checksum", "repo_id", "group_id",
			version_sort_index, release_sort_index, storage_path, downloaded, size, snippet,
			published_checksum_type, published_checksum, signing_key_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (unit_type, unit_key) DO UPDATE SET
			storage_path = CASE WHEN excluded.storage_path != '' THEN excluded.storage_path ELSE units.storage_path END,
			downloaded = MAX(units.downloaded, excluded.downloaded),
			size = CASE WHEN excluded.size >= 0 THEN excluded.size ELSE units.size END,
			snippet = COALESCE(excluded.snippet, units.snippet),
			published_checksum_type = CASE WHEN excluded.published_checksum != '' THEN excluded.published_checksum_type ELSE units.published_checksum_type END,
			published_checksum = CASE WHEN excluded.published_checksum != '' THEN excluded.published_checksum ELSE units.published_checksum END,
			signing_key_id = CASE WHEN excluded.signing_key_id != '' THEN excluded.signing_key_id ELSE units.signing_key_id END`,
		&sqlitex.ExecOptions{
			Args: []any{
				string(u.Key.Type()), ospackage.CanonicalKey(u.Key),
				values["name"], values["epoch"], values["version"], values["release"], values["arch"],
				values["filename"], values["checksum_type"], values["checksum"], values["repo_id"], values["group_id"],
				versionIdx, releaseIdx, u.StoragePath, boolInt(u.Downloaded), u.Size, snippet,
				u.PublishedChecksumType, u.PublishedChecksum, u.SigningKeyID,
			},
		})
	if err != nil {
		return ospackage.ExistingUnit{}, fmt.Errorf("saving unit %s: %w", u.Key, err)
	}

	found := false
	err = sqlitex.Execute(conn, "SELECT "+keyColumns+" FROM units WHERE unit_type = ? AND unit_key = ?", &sqlitex.ExecOptions{
		Args: []any{string(u.Key.Type()), ospackage.CanonicalKey(u.Key)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var scanErr error
			saved, scanErr = scanUnit(stmt)
			found = true
			return scanErr
		},
	})
	if err != nil {
		return ospackage.ExistingUnit{}, fmt.Errorf("reading saved unit %s: %w", u.Key, err)
	}
	if !found {
		return ospackage.ExistingUnit{}, fmt.Errorf("reading saved unit %s: %w", u.Key, ErrNotFound)
	}
	return saved, nil
}

func (s *Store) sortIndex(key ospackage.UnitKey, field string) string {
	idx, err := rpmutils.Encode(field)
	if err != nil {
		s.log.Warnf("no sort index for %s: %v", key, err)
		return ""
	}
	return idx
}

// Snippet returns the metadata snippet stored with a unit.
func (s *Store) Snippet(ctx context.Context, unitID int64) ([]byte, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.put(conn)

	var snippet []byte
	found := false
	err = sqlitex.Execute(conn, "SELECT snippet FROM units WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{unitID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			if stmt.ColumnIsNull(0) {
				return nil
			}
			snippet = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, snippet)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("reading snippet of unit %d: %w", unitID, err)
	}
	if !found {
		return nil, fmt.Errorf("reading snippet of unit %d: %w", unitID, ErrNotFound)
	}
	return snippet, nil
}

// RepoUnits lists the units of type t associated with repoID. An empty t
// lists every type.
func (s *Store) RepoUnits(ctx context.Context, repoID string, t ospackage.UnitType) ([]ospackage.ExistingUnit, error) {
	query := "SELECT " + keyColumns + " FROM units JOIN repo_units ON repo_units.unit_id = units.id WHERE repo_units.repo_id = ?"
	args := []any{repoID}
	if t != "" {
		query += " AND unit_type = ?"
		args = append(args, string(t))
	}
	query += " ORDER BY unit_type, unit_key"
	return s.queryUnits(ctx, query, args)
}

// NewestUnits returns up to limit units of type t named name in repoID,
// newest first by epoch, version and release.
func (s *Store) NewestUnits(ctx context.Context, repoID string, t ospackage.UnitType, name string, limit int) ([]ospackage.ExistingUnit, error) {
	if limit <= 0 {
		limit = 1
	}
	query := "SELECT " + keyColumns + ` FROM units
		JOIN repo_units ON repo_units.unit_id = units.id
		WHERE repo_units.repo_id = ? AND unit_type = ? AND "name" = ?
		ORDER BY CAST("epoch" AS INTEGER) DESC, version_sort_index DESC, release_sort_index DESC
		LIMIT ?`
	return s.queryUnits(ctx, query, []any{repoID, string(t), name, int64(limit)})
}

func (s *Store) queryUnits(ctx context.Context, query string, args []any) ([]ospackage.ExistingUnit, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.put(conn)

	var units []ospackage.ExistingUnit
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			u, err := scanUnit(stmt)
			if err != nil {
				return err
			}
			units = append(units, u)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("querying units: %w", err)
	}
	return units, nil
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

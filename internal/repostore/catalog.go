package repostore

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/open-edge-platform/reposync/internal/ospackage"
)

// CatalogEntry records one place a unit's bytes can be found.
type CatalogEntry struct {
	UnitID       int64
	UnitType     ospackage.UnitType
	Source       string
	URL          string
	Path         string
	ChecksumType string
	Checksum     string
}

// AddCatalogEntry records e, replacing the entry the same source holds
// for the unit.
func (s *Store) AddCatalogEntry(ctx context.Context, e CatalogEntry) error {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO catalog (unit_id, unit_type, source, url, path, checksum_type, checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (unit_id, source) DO UPDATE SET
			url = excluded.url,
			path = excluded.path,
			checksum_type = excluded.checksum_type,
			checksum = excluded.checksum`,
		&sqlitex.ExecOptions{
			Args: []any{e.UnitID, string(e.UnitType), e.Source, e.URL, e.Path, e.ChecksumType, e.Checksum},
		})
	if err != nil {
		return fmt.Errorf("adding catalog entry for unit %d: %w", e.UnitID, err)
	}
	return nil
}

// LookupCatalog returns the entries that hold content with the given
// checksum, local copies first.
func (s *Store) LookupCatalog(ctx context.Context, checksumType, checksum string) ([]CatalogEntry, error) {
	return s.queryCatalog(ctx, `
		SELECT unit_id, unit_type, source, url, path, checksum_type, checksum FROM catalog
		WHERE checksum_type = ? AND checksum = ?
		ORDER BY path = '', source`, checksumType, checksum)
}

// UnitCatalog returns every entry recorded for a unit.
func (s *Store) UnitCatalog(ctx context.Context, unitID int64) ([]CatalogEntry, error) {
	return s.queryCatalog(ctx, `
		SELECT unit_id, unit_type, source, url, path, checksum_type, checksum FROM catalog
		WHERE unit_id = ? ORDER BY source`, unitID)
}

func (s *Store) queryCatalog(ctx context.Context, query string, args ...any) ([]CatalogEntry, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.put(conn)

	var entries []CatalogEntry
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			entries = append(entries, CatalogEntry{
				UnitID:       stmt.ColumnInt64(0),
				UnitType:     ospackage.UnitType(stmt.ColumnText(1)),
				Source:       stmt.ColumnText(2),
				URL:          stmt.ColumnText(3),
				Path:         stmt.ColumnText(4),
				ChecksumType: stmt.ColumnText(5),
				Checksum:     stmt.ColumnText(6),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("querying catalog: %w", err)
	}
	return entries, nil
}

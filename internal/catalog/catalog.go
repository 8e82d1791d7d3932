// Package catalog records where the bytes of each unit can be found, so
// later runs can reuse local copies or fetch deferred units on demand.
package catalog

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/open-edge-platform/reposync/internal/cas"
	"github.com/open-edge-platform/reposync/internal/ospackage"
	"github.com/open-edge-platform/reposync/internal/repostore"
	"github.com/open-edge-platform/reposync/internal/utils/logger"
)

// LocalSource is the catalog source name of files already in storage.
const LocalSource = "local"

// Store is the persistence the catalog needs.
type Store interface {
	AddCatalogEntry(ctx context.Context, e repostore.CatalogEntry) error
	LookupCatalog(ctx context.Context, checksumType, checksum string) ([]repostore.CatalogEntry, error)
}

// Catalog is the content catalog.
type Catalog struct {
	store Store
	log   *zap.SugaredLogger
}

// New returns a catalog backed by store.
func New(store Store) *Catalog {
	return &Catalog{store: store, log: logger.Logger()}
}

// Add records that unit's bytes are available from source at url and,
// when the unit has a file in storage, locally at its storage path. The
// local entry is what deduplicates later downloads.
func (c *Catalog) Add(ctx context.Context, unit ospackage.ExistingUnit, source, url string) error {
	checksumType, checksum := checksumOf(unit.Key)
	entry := repostore.CatalogEntry{
		UnitID:       unit.ID,
		UnitType:     unit.Key.Type(),
		Source:       source,
		URL:          url,
		ChecksumType: checksumType,
		Checksum:     checksum,
	}
	if unit.Downloaded {
		entry.Path = unit.StoragePath
	}
	if err := c.store.AddCatalogEntry(ctx, entry); err != nil {
		return fmt.Errorf("cataloguing %s: %w", unit.Key, err)
	}
	if unit.Downloaded && unit.StoragePath != "" && source != LocalSource {
		entry.Source = LocalSource
		entry.URL = ""
		if err := c.store.AddCatalogEntry(ctx, entry); err != nil {
			return fmt.Errorf("cataloguing local copy of %s: %w", unit.Key, err)
		}
	}
	return nil
}

// LocalCopy returns the path of a stored file with the given checksum, if
// the catalog knows one that still exists on disk.
func (c *Catalog) LocalCopy(ctx context.Context, checksumType, checksum string) (string, bool, error) {
	if checksum == "" {
		return "", false, nil
	}
	entries, err := c.store.LookupCatalog(ctx, checksumType, checksum)
	if err != nil {
		return "", false, err
	}
	for _, e := range entries {
		if e.Path == "" {
			continue
		}
		if cas.Exists(e.Path) {
			return e.Path, true, nil
		}
		c.log.Debugf("catalogued copy %s is gone", e.Path)
	}
	return "", false, nil
}

func checksumOf(key ospackage.UnitKey) (string, string) {
	if ck, ok := key.(ospackage.Checksummed); ok {
		return ck.ChecksumInfo()
	}
	return "", ""
}

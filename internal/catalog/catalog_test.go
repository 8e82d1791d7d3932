package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/open-edge-platform/reposync/internal/ospackage"
	"github.com/open-edge-platform/reposync/internal/repostore"
)

type memStore struct {
	entries []repostore.CatalogEntry
}

func (m *memStore) AddCatalogEntry(_ context.Context, e repostore.CatalogEntry) error {
	for i, old := range m.entries {
		if old.UnitID == e.UnitID && old.Source == e.Source {
			m.entries[i] = e
			return nil
		}
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memStore) LookupCatalog(_ context.Context, checksumType, checksum string) ([]repostore.CatalogEntry, error) {
	var out []repostore.CatalogEntry
	for _, e := range m.entries {
		if e.ChecksumType == checksumType && e.Checksum == checksum {
			out = append(out, e)
		}
	}
	return out, nil
}

var key = ospackage.RPMKey{Name: "a", Epoch: "0", Version: "1", Release: "1", Arch: "noarch", ChecksumType: "sha256", Checksum: "c1"}

func TestAddDownloadedUnit(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "a.rpm")
	os.WriteFile(path, []byte("x"), 0644)

	store := &memStore{}
	c := New(store)
	unit := ospackage.ExistingUnit{ID: 7, Key: key, StoragePath: path, Downloaded: true}
	if err := c.Add(ctx, unit, "fedora", "https://h/a.rpm"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if len(store.entries) != 2 {
		t.Fatalf("got %d entries, want repo and local", len(store.entries))
	}
	if store.entries[0].Source != "fedora" || store.entries[0].URL != "https://h/a.rpm" || store.entries[0].Path != path {
		t.Errorf("repo entry = %+v", store.entries[0])
	}
	if store.entries[1].Source != LocalSource || store.entries[1].Path != path {
		t.Errorf("local entry = %+v", store.entries[1])
	}

	got, ok, err := c.LocalCopy(ctx, "sha256", "c1")
	if err != nil || !ok || got != path {
		t.Errorf("LocalCopy() = %q, %v, %v", got, ok, err)
	}

	os.Remove(path)
	if _, ok, _ := c.LocalCopy(ctx, "sha256", "c1"); ok {
		t.Error("LocalCopy() should skip files that no longer exist")
	}
}

func TestAddDeferredUnit(t *testing.T) {
	store := &memStore{}
	c := New(store)
	unit := ospackage.ExistingUnit{ID: 8, Key: key, StoragePath: "/store/a.rpm"}
	if err := c.Add(context.Background(), unit, "fedora", "https://h/a.rpm"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if len(store.entries) != 1 || store.entries[0].Path != "" {
		t.Errorf("deferred unit entries = %+v", store.entries)
	}
	if _, ok, _ := c.LocalCopy(context.Background(), "sha256", "c1"); ok {
		t.Error("deferred unit has no local copy")
	}
}

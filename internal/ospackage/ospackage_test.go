package ospackage

import (
	"reflect"
	"testing"
)

func TestKeysAreTypeScoped(t *testing.T) {
	rpm := RPMKey{Name: "bash", Epoch: "0", Version: "5.2", Release: "1", Arch: "x86_64", ChecksumType: "sha256", Checksum: "aa"}
	srpm := SRPMKey{rpm}

	set := map[UnitKey]bool{rpm: true}
	if set[srpm] {
		t.Error("SRPM key with RPM field values must not match the RPM key")
	}
	if !set[RPMKey{Name: "bash", Epoch: "0", Version: "5.2", Release: "1", Arch: "x86_64", ChecksumType: "sha256", Checksum: "aa"}] {
		t.Error("equal RPM keys must match")
	}
	if CanonicalKey(rpm) == CanonicalKey(srpm) {
		t.Error("canonical forms of different types collide")
	}
}

func TestNewKeyRoundTrip(t *testing.T) {
	keys := []UnitKey{
		RPMKey{Name: "bash", Epoch: "0", Version: "5.2", Release: "1", Arch: "x86_64", ChecksumType: "sha256", Checksum: "aa"},
		SRPMKey{RPMKey{Name: "bash", Epoch: "0", Version: "5.2", Release: "1", Arch: "src", ChecksumType: "sha256", Checksum: "bb"}},
		DRPMKey{Epoch: "0", Version: "5.2", Release: "2", Filename: "drpms/bash.drpm", ChecksumType: "sha256", Checksum: "cc"},
		GroupKey{RepoID: "base", ID: "core"},
	}
	for _, k := range keys {
		values := make(map[string]string)
		for _, f := range k.Fields() {
			values[f.Name] = f.Value
		}
		got, err := NewKey(k.Type(), values)
		if err != nil {
			t.Fatalf("NewKey(%s) error = %v", k.Type(), err)
		}
		if got != k {
			t.Errorf("NewKey round trip = %#v, want %#v", got, k)
		}
	}
}

func TestNewKeyMissingField(t *testing.T) {
	if _, err := NewKey(TypeGroup, map[string]string{"repo_id": "base"}); err == nil {
		t.Error("expected error for missing group_id")
	}
	if _, err := NewKey("iso", map[string]string{}); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestSchema(t *testing.T) {
	want := []string{"epoch", "version", "release", "filename", "checksum_type", "checksum"}
	if got := Schema(TypeDRPM); !reflect.DeepEqual(got, want) {
		t.Errorf("Schema(drpm) = %v, want %v", got, want)
	}
	if !TypeRPM.FileBacked() || TypeGroup.FileBacked() {
		t.Error("file-backed capability wrong")
	}
}

func TestWantedSetAddKeepsFirst(t *testing.T) {
	key := GroupKey{RepoID: "base", ID: "core"}
	set := WantedSet{}
	set.Add(&WantedUnitInfo{Key: key, RelativePath: "first"})
	set.Add(&WantedUnitInfo{Key: key, RelativePath: "second"})

	if len(set) != 1 {
		t.Fatalf("len = %d, want 1", len(set))
	}
	if set[key].RelativePath != "first" {
		t.Errorf("RelativePath = %q, want first", set[key].RelativePath)
	}
}

func TestWantedSetByType(t *testing.T) {
	set := WantedSet{}
	set.Add(&WantedUnitInfo{Key: GroupKey{RepoID: "r", ID: "b"}})
	set.Add(&WantedUnitInfo{Key: GroupKey{RepoID: "r", ID: "a"}})
	set.Add(&WantedUnitInfo{Key: RPMKey{Name: "x"}})

	groups := set.ByType()
	if len(groups[TypeGroup]) != 2 || len(groups[TypeRPM]) != 1 {
		t.Fatalf("ByType() = %v", groups)
	}
	if groups[TypeGroup][0].(GroupKey).ID != "a" {
		t.Error("keys within a group should be sorted")
	}
}

func TestWantedUnitInfoFilename(t *testing.T) {
	w := &WantedUnitInfo{RelativePath: "Packages/b/bash-5.2-1.x86_64.rpm"}
	if w.Filename() != "bash-5.2-1.x86_64.rpm" {
		t.Errorf("Filename() = %q", w.Filename())
	}
}

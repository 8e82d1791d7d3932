// Package ospackage defines the content units a repository sync deals in:
// the closed set of unit key variants and the records that carry them
// through resolution, download and persistence.
package ospackage

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// UnitType names a content type. Keys of different types never compare
// equal even when their field values do.
type UnitType string

const (
	TypeRPM   UnitType = "rpm"
	TypeSRPM  UnitType = "srpm"
	TypeDRPM  UnitType = "drpm"
	TypeGroup UnitType = "package_group"
)

// AllTypes lists every unit type in resolution order.
func AllTypes() []UnitType {
	return []UnitType{TypeRPM, TypeSRPM, TypeDRPM, TypeGroup}
}

// ParseUnitType validates a unit type name.
func ParseUnitType(s string) (UnitType, error) {
	for _, t := range AllTypes() {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown unit type %q", s)
}

// FileBacked reports whether units of this type carry a file in storage.
func (t UnitType) FileBacked() bool {
	switch t {
	case TypeRPM, TypeSRPM, TypeDRPM:
		return true
	default:
		return false
	}
}

// KeyField is one named component of a unit key. Names double as store
// column names.
type KeyField struct {
	Name  string
	Value string
}

// UnitKey identifies one unit. The variant set is closed: RPMKey, SRPMKey,
// DRPMKey and GroupKey. All variants are comparable and usable as map keys.
type UnitKey interface {
	Type() UnitType
	// Fields returns the key schema with values, in schema order.
	Fields() []KeyField
	String() string
	unitKey()
}

// Checksummed is implemented by keys that embed a content checksum.
type Checksummed interface {
	UnitKey
	ChecksumInfo() (checksumType, checksum string)
}

// Versioned is implemented by keys that carry an epoch/version/release.
type Versioned interface {
	UnitKey
	EVR() (epoch, version, release string)
}

// RPMKey identifies a binary RPM.
type RPMKey struct {
	Name         string
	Epoch        string
	Version      string
	Release      string
	Arch         string
	ChecksumType string
	Checksum     string
}

func (k RPMKey) Type() UnitType { return TypeRPM }

func (k RPMKey) Fields() []KeyField {
	return []KeyField{
		{"name", k.Name},
		{"epoch", k.Epoch},
		{"version", k.Version},
		{"release", k.Release},
		{"arch", k.Arch},
		{"checksum_type", k.ChecksumType},
		{"checksum", k.Checksum},
	}
}

// NEVRA renders name-epoch:version-release.arch.
func (k RPMKey) NEVRA() string {
	return fmt.Sprintf("%s-%s:%s-%s.%s", k.Name, k.Epoch, k.Version, k.Release, k.Arch)
}

func (k RPMKey) String() string { return string(k.Type()) + ":" + k.NEVRA() }

func (k RPMKey) ChecksumInfo() (string, string) { return k.ChecksumType, k.Checksum }

func (k RPMKey) EVR() (string, string, string) { return k.Epoch, k.Version, k.Release }

func (RPMKey) unitKey() {}

// SRPMKey identifies a source RPM. It shares the RPM key schema but is a
// distinct type.
type SRPMKey struct {
	RPMKey
}

func (k SRPMKey) Type() UnitType { return TypeSRPM }

func (k SRPMKey) String() string { return string(k.Type()) + ":" + k.NEVRA() }

// DRPMKey identifies a delta RPM.
type DRPMKey struct {
	Epoch        string
	Version      string
	Release      string
	Filename     string
	ChecksumType string
	Checksum     string
}

func (k DRPMKey) Type() UnitType { return TypeDRPM }

func (k DRPMKey) Fields() []KeyField {
	return []KeyField{
		{"epoch", k.Epoch},
		{"version", k.Version},
		{"release", k.Release},
		{"filename", k.Filename},
		{"checksum_type", k.ChecksumType},
		{"checksum", k.Checksum},
	}
}

func (k DRPMKey) String() string {
	return fmt.Sprintf("%s:%s-%s:%s-%s", k.Type(), path.Base(k.Filename), k.Epoch, k.Version, k.Release)
}

func (k DRPMKey) ChecksumInfo() (string, string) { return k.ChecksumType, k.Checksum }

func (k DRPMKey) EVR() (string, string, string) { return k.Epoch, k.Version, k.Release }

func (DRPMKey) unitKey() {}

// GroupKey identifies a comps package group. Groups are scoped to the
// repository that defines them and have no file.
type GroupKey struct {
	RepoID string
	ID     string
}

func (k GroupKey) Type() UnitType { return TypeGroup }

func (k GroupKey) Fields() []KeyField {
	return []KeyField{
		{"repo_id", k.RepoID},
		{"group_id", k.ID},
	}
}

func (k GroupKey) String() string { return fmt.Sprintf("%s:%s/%s", k.Type(), k.RepoID, k.ID) }

func (GroupKey) unitKey() {}

// Schema returns the ordered key column names for a unit type.
func Schema(t UnitType) []string {
	var fields []KeyField
	switch t {
	case TypeRPM, TypeSRPM:
		fields = RPMKey{}.Fields()
	case TypeDRPM:
		fields = DRPMKey{}.Fields()
	case TypeGroup:
		fields = GroupKey{}.Fields()
	}
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

// NewKey rebuilds a key of type t from column values keyed by schema name.
func NewKey(t UnitType, values map[string]string) (UnitKey, error) {
	for _, col := range Schema(t) {
		if _, ok := values[col]; !ok {
			return nil, fmt.Errorf("%s key: missing field %q", t, col)
		}
	}
	switch t {
	case TypeRPM, TypeSRPM:
		k := RPMKey{
			Name:         values["name"],
			Epoch:        values["epoch"],
			Version:      values["version"],
			Release:      values["release"],
			Arch:         values["arch"],
			ChecksumType: values["checksum_type"],
			Checksum:     values["checksum"],
		}
		if t == TypeSRPM {
			return SRPMKey{k}, nil
		}
		return k, nil
	case TypeDRPM:
		return DRPMKey{
			Epoch:        values["epoch"],
			Version:      values["version"],
			Release:      values["release"],
			Filename:     values["filename"],
			ChecksumType: values["checksum_type"],
			Checksum:     values["checksum"],
		}, nil
	case TypeGroup:
		return GroupKey{RepoID: values["repo_id"], ID: values["group_id"]}, nil
	default:
		return nil, fmt.Errorf("unknown unit type %q", t)
	}
}

// CanonicalKey renders the key as a stable, type-scoped string suitable
// for uniqueness constraints.
func CanonicalKey(k UnitKey) string {
	var b strings.Builder
	b.WriteString(string(k.Type()))
	for _, f := range k.Fields() {
		b.WriteByte('|')
		b.WriteString(f.Name)
		b.WriteByte('=')
		b.WriteString(f.Value)
	}
	return b.String()
}

// WantedUnitInfo is a unit the remote metadata says should be present,
// plus where to get it from.
type WantedUnitInfo struct {
	Key UnitKey
	// RelativePath is the location href, relative to the base URL.
	RelativePath string
	// BaseURL overrides the repository feed for this unit (xml:base).
	BaseURL string
	// Size in bytes as advertised by metadata, -1 if unknown.
	Size int64
	// Snippet is the raw <package> element for full-package types.
	Snippet []byte
}

// Filename is the last element of the relative path.
func (w *WantedUnitInfo) Filename() string {
	if w.RelativePath == "" {
		return ""
	}
	return path.Base(w.RelativePath)
}

// WantedSet maps keys to provenance. A key appears at most once.
type WantedSet map[UnitKey]*WantedUnitInfo

// Add inserts info, keeping the first entry for a duplicate key.
func (s WantedSet) Add(info *WantedUnitInfo) {
	if _, ok := s[info.Key]; ok {
		return
	}
	s[info.Key] = info
}

// Keys returns the keys sorted by their canonical form.
func (s WantedSet) Keys() []UnitKey {
	keys := make([]UnitKey, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return CanonicalKey(keys[i]) < CanonicalKey(keys[j])
	})
	return keys
}

// ByType groups the set per unit type.
func (s WantedSet) ByType() map[UnitType][]UnitKey {
	groups := make(map[UnitType][]UnitKey)
	for _, k := range s.Keys() {
		groups[k.Type()] = append(groups[k.Type()], k)
	}
	return groups
}

// ExistingUnit is a unit as persisted in the store.
type ExistingUnit struct {
	ID           int64
	Key          UnitKey
	StoragePath  string
	Downloaded   bool
	Size         int64
	SigningKeyID string
}

// Unit is what gets saved after metadata ingest or a verified download.
type Unit struct {
	Key                   UnitKey
	StoragePath           string
	Downloaded            bool
	Size                  int64
	Snippet               []byte
	PublishedChecksumType string
	PublishedChecksum     string
	SigningKeyID          string
}

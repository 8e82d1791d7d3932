// Package cas places verified unit files into content-addressed storage.
package cas

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/open-edge-platform/reposync/internal/ospackage"
	"github.com/open-edge-platform/reposync/internal/utils/logger"
)

// CorruptionError reports a unit whose key is already stored with
// different bytes.
type CorruptionError struct {
	Path     string
	Existing string
	Incoming string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("content collision at %s: stored blake3 %s, incoming blake3 %s", e.Path, e.Existing, e.Incoming)
}

// Storage is a content-addressed file tree rooted at Root.
type Storage struct {
	Root string
	log  *zap.SugaredLogger
}

// New returns storage rooted at root. The directory is created on demand.
func New(root string) *Storage {
	return &Storage{Root: root, log: logger.Logger()}
}

// StoragePath returns where the file for key lives:
// <root>/units/<type>/<aa>/<rest of digest>/<filename>. The digest is the
// SHA-256 of the canonical key, so equal keys always map to one path.
func (s *Storage) StoragePath(key ospackage.UnitKey, filename string) string {
	sum := sha256.Sum256([]byte(ospackage.CanonicalKey(key)))
	digest := hex.EncodeToString(sum[:])
	return filepath.Join(s.Root, "units", string(key.Type()), digest[:2], digest[2:], filepath.Base(filename))
}

// Import moves the file at src to dest. If dest already exists with the
// same bytes the import is a no-op; different bytes yield a
// *CorruptionError and dest is left untouched. src is removed in every
// case except an I/O failure before the comparison.
func (s *Storage) Import(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("creating storage directory: %w", err)
	}

	err := os.Link(src, dest)
	if err != nil && !errors.Is(err, os.ErrExist) {
		// Staging directory on another device.
		err = copyFile(src, dest)
	}
	if err == nil {
		os.Remove(src)
		s.log.Debugf("imported %s", dest)
		return nil
	}
	if !errors.Is(err, os.ErrExist) {
		return err
	}

	existing, err := Fingerprint(dest)
	if err != nil {
		return fmt.Errorf("fingerprinting stored file: %w", err)
	}
	incoming, err := Fingerprint(src)
	if err != nil {
		return fmt.Errorf("fingerprinting incoming file: %w", err)
	}
	os.Remove(src)
	if existing != incoming {
		return &CorruptionError{Path: dest, Existing: existing, Incoming: incoming}
	}
	s.log.Debugf("%s already stored with identical content", dest)
	return nil
}

// Exists reports whether path names a regular file.
func Exists(path string) bool {
	if path == "" {
		return false
	}
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// Fingerprint returns the hex BLAKE3 digest of the file at path.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// copyFile writes src to a temp file next to dest and links it into
// place, refusing to replace an existing dest.
func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".import-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("copying %s: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Link(tmp.Name(), dest); err != nil {
		return fmt.Errorf("placing %s: %w", dest, err)
	}
	return nil
}

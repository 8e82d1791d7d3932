package pkgfetcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/open-edge-platform/reposync/internal/ospackage"
)

// LocalCopyFinder locates stored files by checksum.
type LocalCopyFinder interface {
	LocalCopy(ctx context.Context, checksumType, checksum string) (string, bool, error)
}

// LocalSource serves requests from files already in storage that carry
// the same checksum, so identical content is never downloaded twice.
type LocalSource struct {
	finder LocalCopyFinder
}

// NewLocalSource returns a source backed by finder.
func NewLocalSource(finder LocalCopyFinder) *LocalSource {
	return &LocalSource{finder: finder}
}

func (s *LocalSource) Name() string { return "local" }

// Fetch copies a stored file with the unit's checksum to req.Destination.
func (s *LocalSource) Fetch(ctx context.Context, req Request) (int64, bool, error) {
	if req.Unit == nil {
		return 0, false, nil
	}
	ck, ok := req.Unit.Key.(ospackage.Checksummed)
	if !ok {
		return 0, false, nil
	}
	checksumType, checksum := ck.ChecksumInfo()
	path, found, err := s.finder.LocalCopy(ctx, checksumType, checksum)
	if err != nil || !found {
		return 0, false, err
	}
	n, err := copyTo(path, req.Destination)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

func copyTo(src, dest string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, fmt.Errorf("creating directory: %w", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dest)
		return 0, fmt.Errorf("copying %s: %w", src, err)
	}
	return n, nil
}

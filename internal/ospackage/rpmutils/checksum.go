package rpmutils

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"
)

// ErrUnknownChecksumType is returned for checksum type names yum metadata
// may carry but this package cannot compute.
var ErrUnknownChecksumType = errors.New("unknown checksum type")

// NormalizeChecksumType maps yum aliases onto canonical names. "sha" is
// the historical createrepo name for sha1.
func NormalizeChecksumType(checksumType string) string {
	t := strings.ToLower(strings.TrimSpace(checksumType))
	if t == "sha" {
		return "sha1"
	}
	return t
}

// NewHash returns a hash for a yum checksum type name.
func NewHash(checksumType string) (hash.Hash, error) {
	switch NormalizeChecksumType(checksumType) {
	case "md5":
		return md5.New(), nil
	case "sha1":
		return sha1.New(), nil
	case "sha224":
		return sha256.New224(), nil
	case "sha256":
		return sha256.New(), nil
	case "sha384":
		return sha512.New384(), nil
	case "sha512":
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownChecksumType, checksumType)
	}
}

// FileDigests computes the size and hex digests of r for every requested
// checksum type in one pass.
func FileDigests(r io.Reader, checksumTypes ...string) (int64, map[string]string, error) {
	hashes := make(map[string]hash.Hash, len(checksumTypes))
	writers := make([]io.Writer, 0, len(checksumTypes))
	for _, t := range checksumTypes {
		name := NormalizeChecksumType(t)
		if _, ok := hashes[name]; ok {
			continue
		}
		h, err := NewHash(name)
		if err != nil {
			return 0, nil, err
		}
		hashes[name] = h
		writers = append(writers, h)
	}

	n, err := io.Copy(io.MultiWriter(writers...), r)
	if err != nil {
		return n, nil, err
	}
	digests := make(map[string]string, len(hashes))
	for name, h := range hashes {
		digests[name] = hex.EncodeToString(h.Sum(nil))
	}
	return n, digests, nil
}

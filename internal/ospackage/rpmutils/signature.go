package rpmutils

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	gorpm "github.com/sassoftware/go-rpmutils"
)

// ErrUnsigned is returned when a package carries no OpenPGP signature.
var ErrUnsigned = errors.New("package is not signed")

// FormatKeyID renders a key id the way rpm -K prints it: 16 lowercase hex
// digits.
func FormatKeyID(id uint64) string {
	return fmt.Sprintf("%016x", id)
}

// NormalizeKeyID accepts long (16) or short (8) hex key ids with an
// optional 0x prefix and returns them lowercase.
func NormalizeKeyID(id string) (string, error) {
	s := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(id), "0x"))
	if len(s) != 8 && len(s) != 16 {
		return "", fmt.Errorf("key id %q must be 8 or 16 hex digits", id)
	}
	if _, err := strconv.ParseUint(s, 16, 64); err != nil {
		return "", fmt.Errorf("key id %q is not hex: %w", id, err)
	}
	return s, nil
}

// KeyIDMatches compares a full 16-digit key id with a possibly short
// allowed id.
func KeyIDMatches(full, allowed string) bool {
	return strings.HasSuffix(full, allowed)
}

// SigningKeyID reads the RPM header of the file at path and returns the
// id of the key that signed it.
func SigningKeyID(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return ReadSigningKeyID(f)
}

// ReadSigningKeyID reads an RPM header from r and returns the signing key
// id. Header-only RSA signatures are preferred over header+payload PGP
// ones; both name the same key on a normally signed package.
func ReadSigningKeyID(r io.Reader) (string, error) {
	hdr, err := gorpm.ReadHeader(r)
	if err != nil {
		return "", fmt.Errorf("reading rpm header: %w", err)
	}
	for _, tag := range []int{gorpm.SIG_RSA, gorpm.SIG_PGP} {
		blob, err := hdr.GetBytes(tag)
		if err != nil || len(blob) == 0 {
			continue
		}
		return IssuerKeyID(blob)
	}
	return "", ErrUnsigned
}

// IssuerKeyID parses an OpenPGP signature packet and returns its issuer.
func IssuerKeyID(sig []byte) (string, error) {
	p, err := packet.Read(bytes.NewReader(sig))
	if err != nil {
		return "", fmt.Errorf("parsing signature packet: %w", err)
	}
	s, ok := p.(*packet.Signature)
	if !ok {
		return "", fmt.Errorf("unsupported signature packet %T", p)
	}
	if s.IssuerKeyId == nil {
		return "", fmt.Errorf("signature packet has no issuer key id")
	}
	return FormatKeyID(*s.IssuerKeyId), nil
}

// KeyringKeyIDs loads an armored public keyring and returns the ids of all
// primary keys and subkeys in it.
func KeyringKeyIDs(r io.Reader) ([]string, error) {
	entities, err := openpgp.ReadArmoredKeyRing(r)
	if err != nil {
		return nil, fmt.Errorf("reading keyring: %w", err)
	}
	var ids []string
	for _, e := range entities {
		ids = append(ids, FormatKeyID(e.PrimaryKey.KeyId))
		for _, sub := range e.Subkeys {
			ids = append(ids, FormatKeyID(sub.PublicKey.KeyId))
		}
	}
	return ids, nil
}

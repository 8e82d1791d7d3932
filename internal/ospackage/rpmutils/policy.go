package rpmutils

import (
	"errors"
	"fmt"
	"os"

	"github.com/open-edge-platform/reposync/internal/ospackage"
	"github.com/open-edge-platform/reposync/internal/utils/general/slice"
)

// ErrSignatureRejected is returned for packages the policy does not accept.
var ErrSignatureRejected = errors.New("signature rejected by policy")

// SignaturePolicy filters packages by the key that signed them.
type SignaturePolicy struct {
	allowed []string
	require bool
}

// NewSignaturePolicy builds a policy from allowed key ids and an optional
// armored keyring file whose keys are allowed too. With no ids at all any
// signer is accepted; require additionally rejects unsigned packages.
func NewSignaturePolicy(allowedKeyIDs []string, keyringPath string, require bool) (*SignaturePolicy, error) {
	p := &SignaturePolicy{require: require}
	for _, id := range allowedKeyIDs {
		norm, err := NormalizeKeyID(id)
		if err != nil {
			return nil, err
		}
		p.allowed = append(p.allowed, norm)
	}
	if keyringPath != "" {
		f, err := os.Open(keyringPath)
		if err != nil {
			return nil, fmt.Errorf("opening keyring: %w", err)
		}
		defer f.Close()
		ids, err := KeyringKeyIDs(f)
		if err != nil {
			return nil, err
		}
		p.allowed = append(p.allowed, ids...)
	}
	p.allowed = slice.Unique(p.allowed)
	return p, nil
}

// CheckKeyID applies the policy to a signing key id; empty means unsigned.
func (p *SignaturePolicy) CheckKeyID(keyID string) error {
	if keyID == "" {
		if p.require {
			return fmt.Errorf("%w: package is unsigned", ErrSignatureRejected)
		}
		return nil
	}
	if len(p.allowed) == 0 {
		return nil
	}
	for _, a := range p.allowed {
		if KeyIDMatches(keyID, a) {
			return nil
		}
	}
	return fmt.Errorf("%w: key %s is not allowed", ErrSignatureRejected, keyID)
}

// Accept applies the policy to a stored unit. Only RPMs and SRPMs carry
// signatures. The key id recorded with the unit is used when present,
// otherwise it is read from the stored file. A unit without a file cannot
// be checked yet and is accepted; the check happens when it is fetched.
func (p *SignaturePolicy) Accept(unit ospackage.ExistingUnit) error {
	switch unit.Key.Type() {
	case ospackage.TypeRPM, ospackage.TypeSRPM:
	default:
		return nil
	}
	keyID := unit.SigningKeyID
	if keyID == "" {
		if !unit.Downloaded {
			return nil
		}
		id, err := SigningKeyID(unit.StoragePath)
		switch {
		case errors.Is(err, ErrUnsigned):
		case err != nil:
			return fmt.Errorf("reading signature of %s: %w", unit.Key, err)
		default:
			keyID = id
		}
	}
	return p.CheckKeyID(keyID)
}

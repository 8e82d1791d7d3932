package contentfetch

import (
	"errors"
	"fmt"

	"github.com/open-edge-platform/reposync/internal/ospackage/rpmutils"
	"github.com/open-edge-platform/reposync/internal/progress"
)

var (
	ErrSizeMismatch     = errors.New("size mismatch")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrUnknownChecksumType is the same sentinel rpmutils returns.
	ErrUnknownChecksumType = rpmutils.ErrUnknownChecksumType
)

// VerificationError is a downloaded file that does not match its unit.
type VerificationError struct {
	Kind     string
	Expected string
	Actual   string
	Err      error
}

func (e *VerificationError) Error() string {
	if e.Expected == "" && e.Actual == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v: expected %s, got %s", e.Err, e.Expected, e.Actual)
}

func (e *VerificationError) Unwrap() error { return e.Err }

func sizeMismatch(expected, actual int64) *VerificationError {
	return &VerificationError{
		Kind:     progress.KindSizeMismatch,
		Expected: fmt.Sprint(expected),
		Actual:   fmt.Sprint(actual),
		Err:      ErrSizeMismatch,
	}
}

func checksumMismatch(checksumType, expected, actual string) *VerificationError {
	return &VerificationError{
		Kind:     progress.KindChecksumMismatch,
		Expected: checksumType + ":" + expected,
		Actual:   checksumType + ":" + actual,
		Err:      ErrChecksumMismatch,
	}
}

func unknownChecksumType(checksumType string) *VerificationError {
	return &VerificationError{
		Kind: progress.KindUnknownChecksumType,
		Err:  fmt.Errorf("%w: %q", ErrUnknownChecksumType, checksumType),
	}
}

package core

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrSessionNotFound  = errors.New("call session not found")
	ErrSessionNotReady  = errors.New("call session has no offer yet")
	ErrSessionEnded     = errors.New("call session has ended")
	ErrMediaAcquisition = errors.New("audio acquisition failed")
	// ErrCandidateApplication is logged and never returned from call operations.
	ErrCandidateApplication = errors.New("remote candidate rejected")
	ErrStoreWrite           = errors.New("store write failed")
	ErrNotSignedIn          = errors.New("not signed in")
)

// StoreWrite tags a failed store write so callers can match ErrStoreWrite.
func StoreWrite(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreWrite, op, err)
}

package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedProvider is returned before any network activity when a
	// provider is unknown or does not implement the requested role.
	ErrUnsupportedProvider = errors.New("unsupported provider")
	// ErrNoCandidates means the backend answered with zero candidates.
	ErrNoCandidates = errors.New("no candidates in AI response")
	// ErrNoImageData means a candidate carried no binary payload.
	ErrNoImageData = errors.New("no image data in AI response")
	// ErrCircuitOpen means recent calls to the backend kept failing and it is
	// temporarily skipped.
	ErrCircuitOpen = errors.New("provider circuit breaker is open")
)

// UnsupportedError carries the provider and role that were rejected.
type UnsupportedError struct {
	Provider string
	Role     Role
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("%s generation for provider '%s' is not supported", e.Role, e.Provider)
}

func (e *UnsupportedError) Is(target error) bool {
	return target == ErrUnsupportedProvider
}

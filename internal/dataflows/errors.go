package dataflows

import (
	"errors"
	"fmt"
	"net/http"
)

// ProviderError describes a failed provider request.
type ProviderError struct {
	Provider string
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: http %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Temporary reports whether retrying may succeed: transport errors,
// throttling and server errors.
func (e *ProviderError) Temporary() bool {
	switch {
	case e.Status == 0:
		return !errors.Is(e.Err, ErrNotConfigured) && !errors.Is(e.Err, ErrInvalidSymbol) && !errors.Is(e.Err, ErrInvalidArgs)
	case e.Status == http.StatusTooManyRequests:
		return true
	case e.Status >= 500:
		return true
	}
	return false
}

var (
	ErrNotConfigured = errors.New("provider not configured")
	ErrInvalidSymbol = errors.New("invalid symbol")
	ErrInvalidArgs   = errors.New("invalid arguments")
)

// IsPermanent reports whether err should not be retried.
func IsPermanent(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return !pe.Temporary()
	}
	return errors.Is(err, ErrNotConfigured) || errors.Is(err, ErrInvalidSymbol) || errors.Is(err, ErrInvalidArgs)
}

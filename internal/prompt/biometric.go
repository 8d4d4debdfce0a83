package prompt

import (
	"context"
	"errors"
)

// ErrBiometricUnavailable is returned by authenticators with no usable
// hardware or enrollment.
var ErrBiometricUnavailable = errors.New("biometric hardware unavailable or not enrolled")

// Authenticator is the biometric short-circuit. Available reports whether
// hardware and enrollment exist; Authenticate blocks until a match, a
// failure, or context cancellation. One Authenticate call per prompt.
type Authenticator interface {
	Available() bool
	Authenticate(ctx context.Context) error
}

// NoopAuthenticator reports no biometric capability. Used when the host has
// no biometric service wired in.
type NoopAuthenticator struct{}

func (NoopAuthenticator) Available() bool { return false }

func (NoopAuthenticator) Authenticate(context.Context) error {
	return ErrBiometricUnavailable
}

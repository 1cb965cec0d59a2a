// Package limiter throttles repeated WebSocket handshake failures per subject and client address.
package limiter

import (
	"context"
	"crypto/sha256"
	"time"
)

// Limiter tracks failed handshakes and temporary lockouts.
type Limiter interface {
	// Allow reports whether a handshake may proceed and, if not, how long to wait.
	Allow(ctx context.Context, subject string, addrHash []byte) (bool, time.Duration, error)
	// Success clears the failure history after an accepted handshake.
	Success(ctx context.Context, subject string, addrHash []byte) error
	// Failure records a rejected handshake and reports whether it triggered a lockout.
	Failure(ctx context.Context, subject string, addrHash []byte) (bool, time.Duration, error)
}

// Nop never blocks.
type Nop struct{}

func (Nop) Allow(context.Context, string, []byte) (bool, time.Duration, error)   { return true, 0, nil }
func (Nop) Success(context.Context, string, []byte) error                        { return nil }
func (Nop) Failure(context.Context, string, []byte) (bool, time.Duration, error) { return false, 0, nil }

// HashAddr hashes a remote address so raw client addresses are never stored.
func HashAddr(addr string) []byte {
	h := sha256.Sum256([]byte(addr))
	return h[:]
}

// Package challenge implements the server side of silent authentication:
// single-use RSA-OAEP challenges addressed to a registered device key.
//
// A challenge starts Pending and moves exactly once to Verified, Rejected
// or Expired. Stores enforce the single transition with Transition, a
// compare-and-set on the current status, so concurrent verifications of
// one challenge have exactly one winner.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"silentauth/internal/keypair"
)

// Status is the lifecycle state of a challenge.
type Status string

// Challenge states. Everything but StatusPending is terminal.
const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Terminal reports whether no transition can leave s.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusVerified, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// ParseStatus parses a stored status string.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("challenge: unknown status %q", s)
	}
	return st, nil
}

// Verification outcomes surfaced to callers.
var (
	ErrNotFound     = errors.New("challenge: not found")
	ErrExpired      = errors.New("challenge: expired")
	ErrAlreadyFinal = errors.New("challenge: already final")
	ErrMismatch     = errors.New("challenge: response mismatch")
)

// Issuance and store errors.
var (
	ErrUnknownIdentity = errors.New("challenge: no key registered for identity")
	ErrEmptyMessage    = errors.New("challenge: empty message")
	ErrConflict        = errors.New("challenge: status changed concurrently")
	ErrDuplicateID     = errors.New("challenge: duplicate public id")
	ErrInvalidStatus   = errors.New("challenge: invalid status transition")

	// ErrResponseTooLong rejects a response that cannot be the challenge's
	// message. The challenge is left untouched.
	ErrResponseTooLong = errors.New("challenge: response too long")
)

// Reason returns the wire reason code for a Verify outcome: "not_found",
// "expired", "already_final" or "mismatch". Any other error maps to
// "internal" so store failures are never described to clients.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrAlreadyFinal):
		return "already_final"
	case errors.Is(err, ErrMismatch):
		return "mismatch"
	default:
		return "internal"
	}
}

// Challenge is one issued challenge. Message is the secret the device must
// recover; stores may drop it once the challenge is terminal.
type Challenge struct {
	PublicID    string
	Identity    string
	Message     []byte
	Ciphertext  []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Status      Status
	FinalizedAt time.Time
}

// Clone returns a deep copy of c.
func (c *Challenge) Clone() *Challenge {
	out := *c
	out.Message = append([]byte(nil), c.Message...)
	out.Ciphertext = append([]byte(nil), c.Ciphertext...)
	return &out
}

// SweepResult reports what a sweep changed.
type SweepResult struct {
	Expired []*Challenge
	Purged  int
}

// Store persists challenges.
type Store interface {
	// Create inserts a new pending challenge. It fails with ErrDuplicateID
	// if the public ID exists.
	Create(ctx context.Context, c *Challenge) error

	// Get returns a copy of the challenge or ErrNotFound.
	Get(ctx context.Context, publicID string) (*Challenge, error)

	// Transition atomically moves the challenge from one status to
	// another, recording at as the finalization time. It returns
	// ErrConflict when the current status is not from.
	Transition(ctx context.Context, publicID string, from, to Status, at time.Time) error

	// ExpirePending moves every pending challenge of identity to
	// StatusExpired and returns how many it changed.
	ExpirePending(ctx context.Context, identity string, at time.Time) (int, error)

	// Sweep expires pending challenges whose ExpiresAt is before now and
	// deletes terminal challenges finalized before purgeBefore.
	Sweep(ctx context.Context, now, purgeBefore time.Time) (SweepResult, error)
}

// KeyRegistry maps identities to registered device public keys.
type KeyRegistry interface {
	// PublicKey returns the key for identity or ErrUnknownIdentity.
	PublicKey(ctx context.Context, identity string) (*keypair.PublicKey, error)

	// RegisterKey binds pub to identity, replacing any earlier key.
	RegisterKey(ctx context.Context, identity string, pub *keypair.PublicKey, fingerprint string) error
}

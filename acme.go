package certrenew

import (
	"context"
	"crypto"
)

// ACME resource statuses as reported by the server.
const (
	StatusPending     = "pending"
	StatusProcessing  = "processing"
	StatusReady       = "ready"
	StatusValid       = "valid"
	StatusInvalid     = "invalid"
	StatusExpired     = "expired"
	StatusDeactivated = "deactivated"
	StatusRevoked     = "revoked"
)

// Client opens sessions against an ACME directory. The protocol itself
// (directory discovery, JWS, nonces) lives behind this interface.
type Client interface {
	NewSession(ctx context.Context, directoryURL string, accountKey crypto.PrivateKey) (Session, error)
}

// Session is bound to one account key.
type Session interface {
	// ResolveAccount confirms an account exists for the session key.
	ResolveAccount(ctx context.Context) error
	// NewAccount registers the session key with the given contact email.
	NewAccount(ctx context.Context, email string, acceptTOS bool) error
	NewOrder(ctx context.Context, domains []string) (Order, error)
}

type Order interface {
	Authorizations(ctx context.Context) ([]Authorization, error)
	// Finalize submits the DER encoded CSR, trying at most attempts times,
	// and returns the PEM certificate chain, leaf first.
	Finalize(ctx context.Context, csr []byte, attempts int) ([]byte, error)
}

type Authorization interface {
	Domain() string
	Status() string
	// Challenge returns the challenge of the given type ("http-01", "dns-01").
	Challenge(ctx context.Context, challengeType string) (Challenge, error)
}

type Challenge interface {
	Token() string
	KeyAuthorization() string
	// Validate asks the server to start validating the challenge.
	Validate(ctx context.Context) error
	Refresh(ctx context.Context) (ChallengeState, error)
}

// ChallengeState is a snapshot of a challenge resource.
type ChallengeState struct {
	Status string
	// Detail is the server's problem detail, if any.
	Detail string
}

func (s ChallengeState) Pending() bool {
	return s.Status == StatusPending || s.Status == StatusProcessing
}

package certrenew

import "errors"

var (
	// ErrAuthorizationTimeout is returned when a challenge is still pending
	// after the configured number of polls.
	ErrAuthorizationTimeout = errors.New("authorization timed out")

	// ErrAuthorizationInvalid is returned when a challenge ends in a status
	// other than valid.
	ErrAuthorizationInvalid = errors.New("authorization failed")

	// ErrUnexpectedAuthorizationStatus is returned for authorizations that are
	// neither pending nor valid when the order is created.
	ErrUnexpectedAuthorizationStatus = errors.New("unexpected authorization status")

	// ErrNoChallenge is returned when the server offers no challenge of the
	// configured type.
	ErrNoChallenge = errors.New("no challenge of requested type")

	// ErrEmptyChain is returned when finalization yields no certificate.
	ErrEmptyChain = errors.New("empty certificate chain")
)

package certrenew

import "errors"

// ErrCertNotFound is returned by readers when no record matches.
var ErrCertNotFound = errors.New("certificate not found")

// Writer stores certificate history records.
type Writer interface {
	// AddCert adds a new certificate record to the database history.
	AddCert(cert Cert) error
}

// Reader looks up certificate history records.
type Reader interface {
	// LatestCert returns the most recently issued certificate for
	// identifier, or ErrCertNotFound.
	LatestCert(identifier string) (*Cert, error)
}

package certrenew

import (
	"time"
)

// Cert is a certificate history record.
type Cert struct {
	ID               int64     // Primary Key (Populated on insert)
	Identifier       string    // Primary domain of the profile
	Domains          string    // JSON array of all domains covered
	CertificateChain string    // PEM encoded certificate chain
	PrivateKey       string    // PEM encoded private key for the cert (Sensitive!)
	IssuedAt         time.Time // UTC timestamp of issuance
	ExpiresAt        time.Time // UTC timestamp of expiry
}

// TimeFormat renders t the way timestamps are stored: UTC RFC3339.
func TimeFormat(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ParseTime is the inverse of TimeFormat.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

package certrenew

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/spf13/afero"
)

// CertInfo is what the renewal decision needs from an exported certificate.
type CertInfo struct {
	NotAfter time.Time
	Domains  []string
}

// ReadCertificate parses the leaf of the PEM chain at path. A missing file
// is reported with an error satisfying errors.Is(err, fs.ErrNotExist).
func ReadCertificate(fs afero.Fs, path string) (*CertInfo, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	cert, err := certcrypto.ParsePEMCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate %s: %w", path, err)
	}
	return &CertInfo{
		NotAfter: cert.NotAfter,
		Domains:  certcrypto.ExtractDomains(cert),
	}, nil
}

// NeedsRenewal reports whether a certificate expiring at expiry is within
// threshold of now. Exactly threshold left counts as due.
func NeedsRenewal(expiry, now time.Time, threshold time.Duration) bool {
	return expiry.Sub(now) <= threshold
}

// Covers reports whether every domain in want appears in the certificate.
func (c *CertInfo) Covers(want []string) bool {
	have := make(map[string]struct{}, len(c.Domains))
	for _, d := range c.Domains {
		have[strings.ToLower(d)] = struct{}{}
	}
	for _, d := range want {
		if _, ok := have[strings.ToLower(d)]; !ok {
			return false
		}
	}
	return true
}

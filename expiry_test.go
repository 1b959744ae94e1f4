package certrenew_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	certrenew "github.com/caasmo/restinpieces-certrenew"
)

func TestNeedsRenewal(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	threshold := 7 * 24 * time.Hour

	tests := []struct {
		name   string
		expiry time.Time
		want   bool
	}{
		{"expired", now.Add(-time.Hour), true},
		{"one day left", now.Add(24 * time.Hour), true},
		{"exactly at threshold", now.Add(threshold), true},
		{"one second past threshold", now.Add(threshold + time.Second), false},
		{"eight days left", now.Add(8 * 24 * time.Hour), false},
		{"fresh certificate", now.Add(90 * 24 * time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, certrenew.NeedsRenewal(tt.expiry, now, threshold))
		})
	}
}

func TestNeedsRenewalMatchesThresholdForAllOffsets(t *testing.T) {
	now := time.Now()
	threshold := 7 * 24 * time.Hour
	for hours := -48; hours <= 24*30; hours++ {
		expiry := now.Add(time.Duration(hours) * time.Hour)
		skip := expiry.Sub(now) > threshold
		assert.Equal(t, !skip, certrenew.NeedsRenewal(expiry, now, threshold), "offset %dh", hours)
	}
}

func TestReadCertificate(t *testing.T) {
	fs := afero.NewMemMapFs()
	ca := newTestCA(t)
	notAfter := time.Now().Add(30 * 24 * time.Hour).Truncate(time.Second)
	ca.writeCert(t, fs, certDir, "a.com", []string{"a.com", "b.com"}, notAfter)

	info, err := certrenew.ReadCertificate(fs, filepath.Join(certDir, "a.com.crt"))
	require.NoError(t, err)
	assert.True(t, info.NotAfter.Equal(notAfter))
	assert.True(t, info.Covers([]string{"a.com", "b.com"}))
	assert.True(t, info.Covers([]string{"B.COM"}))
	assert.False(t, info.Covers([]string{"a.com", "c.com"}))
}

func TestReadCertificateMissing(t *testing.T) {
	_, err := certrenew.ReadCertificate(afero.NewMemMapFs(), filepath.Join(certDir, "none.crt"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestReadCertificateMalformed(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := filepath.Join(certDir, "bad.crt")
	require.NoError(t, afero.WriteFile(fs, path, []byte("-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n"), 0o644))

	_, err := certrenew.ReadCertificate(fs, path)
	require.Error(t, err)
	assert.False(t, errors.Is(err, os.ErrNotExist))
}

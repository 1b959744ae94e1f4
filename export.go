package certrenew

import (
	"bytes"
	"crypto"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/spf13/afero"
	"software.sslmate.com/src/go-pkcs12"
)

const backupTimeLayout = "20060102150405"

// Exporter writes issued certificates to <certDir>/<domain>.crt (PEM chain)
// and <certDir>/<domain>.pfx (PKCS#12, empty password). Existing files are
// copied to <domain>_<timestamp>.crt|.pfx before being replaced.
type Exporter struct {
	fs      afero.Fs
	certDir string
	now     func() time.Time
	logger  *slog.Logger
}

type ExporterOption func(*Exporter)

// WithExportClock sets the clock used for backup timestamps.
func WithExportClock(now func() time.Time) ExporterOption {
	return func(e *Exporter) {
		e.now = now
	}
}

func NewExporter(fs afero.Fs, certDir string, logger *slog.Logger, opts ...ExporterOption) *Exporter {
	if fs == nil || logger == nil {
		panic("NewExporter: received nil fs or logger")
	}
	e := &Exporter{
		fs:      fs,
		certDir: certDir,
		now:     time.Now,
		logger:  logger.With("component", "exporter"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// fileKey maps a domain to its file name stem; "*.example.com" becomes
// "_.example.com".
func fileKey(domain string) string {
	return strings.ReplaceAll(domain, "*", "_")
}

func (e *Exporter) CertPath(domain string) string {
	return filepath.Join(e.certDir, fileKey(domain)+".crt")
}

func (e *Exporter) PFXPath(domain string) string {
	return filepath.Join(e.certDir, fileKey(domain)+".pfx")
}

// Export writes chainPEM (leaf first) and key for domain. A live file is
// never overwritten before its backup has been written.
func (e *Exporter) Export(domain string, chainPEM []byte, key crypto.PrivateKey) error {
	if len(bytes.TrimSpace(chainPEM)) == 0 {
		return fmt.Errorf("%w for %s", ErrEmptyChain, domain)
	}
	certs, err := certcrypto.ParsePEMBundle(chainPEM)
	if err != nil {
		return fmt.Errorf("failed to parse certificate chain for %s: %w", domain, err)
	}
	if len(certs) == 0 {
		return fmt.Errorf("%w for %s", ErrEmptyChain, domain)
	}

	pfx, err := pkcs12.Modern.Encode(key, certs[0], certs[1:], "")
	if err != nil {
		return fmt.Errorf("failed to encode pkcs12 bundle for %s: %w", domain, err)
	}

	stamp := e.now().UTC().Format(backupTimeLayout)

	if err := e.replace(e.CertPath(domain), domain, stamp, ".crt", chainPEM, 0o644); err != nil {
		return err
	}
	if err := e.replace(e.PFXPath(domain), domain, stamp, ".pfx", pfx, 0o600); err != nil {
		return err
	}

	e.logger.Info("certificate exported", "domain", domain, "crt", e.CertPath(domain), "pfx", e.PFXPath(domain))
	return nil
}

func (e *Exporter) replace(path, domain, stamp, ext string, data []byte, perm os.FileMode) error {
	exists, err := afero.Exists(e.fs, path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if exists {
		backup, err := e.backup(path, domain, stamp, ext, perm)
		if err != nil {
			return err
		}
		e.logger.Debug("backed up previous file", "path", path, "backup", backup)
	}
	if err := afero.WriteFile(e.fs, path, data, perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// backup copies path to the first free name of <domain>_<stamp>[_N]<ext>.
func (e *Exporter) backup(path, domain, stamp, ext string, perm os.FileMode) (string, error) {
	old, err := afero.ReadFile(e.fs, path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s for backup: %w", path, err)
	}

	base := fileKey(domain) + "_" + stamp
	name := filepath.Join(e.certDir, base+ext)
	for n := 1; ; n++ {
		taken, err := afero.Exists(e.fs, name)
		if err != nil {
			return "", fmt.Errorf("failed to stat %s: %w", name, err)
		}
		if !taken {
			break
		}
		name = filepath.Join(e.certDir, base+"_"+strconv.Itoa(n)+ext)
	}

	if err := afero.WriteFile(e.fs, name, old, perm); err != nil {
		return "", fmt.Errorf("failed to write backup %s: %w", name, err)
	}
	return name, nil
}

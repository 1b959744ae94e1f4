package certrenew

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	rip_db "github.com/caasmo/restinpieces/db"
	"github.com/dustin/go-humanize"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"
)

const (
	ConfigScope            = "acme_config"
	CertificateOutputScope = "certificate_output" // Scope for saving the obtained cert+key
)

// Publisher stores the issued certificate for other processes to pick up.
// restinpieces' config.SecureConfigStore satisfies it.
type Publisher interface {
	Save(scope string, data []byte, format string, description string) error
}

// CertificateOutput is the TOML document saved under CertificateOutputScope.
type CertificateOutput struct {
	Identifier       string `toml:"identifier"`
	CertificateChain string `toml:"certificate_chain"`
	PrivateKey       string `toml:"private_key"`
}

type ProfileStatus string

const (
	ProfileRenewed ProfileStatus = "renewed"
	ProfileSkipped ProfileStatus = "skipped"
	ProfileFailed  ProfileStatus = "failed"
)

type ProfileResult struct {
	Profile string
	Status  ProfileStatus
	// Expiry of the certificate on disk after the attempt, zero if unknown.
	Expiry time.Time
	Err    error
}

// BatchReport aggregates one UpdateAll run.
type BatchReport struct {
	RunID   string
	Results []ProfileResult
}

func (b *BatchReport) Count(status ProfileStatus) int {
	n := 0
	for _, r := range b.Results {
		if r.Status == status {
			n++
		}
	}
	return n
}

// Err joins the errors of all failed profiles, nil if none failed.
func (b *BatchReport) Err() error {
	var errs []error
	for _, r := range b.Results {
		if r.Status == ProfileFailed {
			errs = append(errs, fmt.Errorf("profile %s: %w", r.Profile, r.Err))
		}
	}
	return errors.Join(errs...)
}

// Renewer renews the certificates of every configured profile.
type Renewer struct {
	cfg       *Config
	fs        afero.Fs
	history   Writer
	publisher Publisher
	now       func() time.Time
	provider  challenge.Provider
	logger    *slog.Logger

	accounts  *AccountManager
	responder *ChallengeResponder
	exporter  *Exporter
}

type Option func(*Renewer)

func WithFs(fs afero.Fs) Option {
	return func(r *Renewer) {
		r.fs = fs
	}
}

// WithHistory records every issued certificate.
func WithHistory(w Writer) Option {
	return func(r *Renewer) {
		r.history = w
	}
}

func WithPublisher(p Publisher) Option {
	return func(r *Renewer) {
		r.publisher = p
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Renewer) {
		r.now = now
	}
}

// WithChallengeProvider replaces the provider built from the config.
func WithChallengeProvider(p challenge.Provider) Option {
	return func(r *Renewer) {
		r.provider = p
	}
}

// NewRenewer wires the account manager, challenge responder and exporter
// for cfg. cfg must have passed Validate.
func NewRenewer(cfg *Config, client Client, logger *slog.Logger, opts ...Option) (*Renewer, error) {
	if cfg == nil || client == nil || logger == nil {
		panic("NewRenewer: received nil config, client, or logger")
	}
	r := &Renewer{
		cfg:    cfg,
		fs:     afero.NewOsFs(),
		now:    time.Now,
		logger: logger.With("job_handler", "cert_renewal"),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.provider == nil {
		provider, err := NewChallengeProvider(cfg, r.fs)
		if err != nil {
			return nil, err
		}
		r.provider = provider
	}

	responderOpts := []ResponderOption{
		WithPollInterval(time.Duration(cfg.ChallengePollInterval)),
		WithMaxPolls(cfg.ChallengePollAttempts),
	}
	if cfg.ChallengeType == ChallengeDNS01 {
		responderOpts = append(responderOpts, WithPropagationDelay(time.Duration(cfg.DNSPropagationTimeout)))
	}

	r.accounts = NewAccountManager(cfg, r.fs, client, r.logger)
	r.responder = NewChallengeResponder(r.provider, cfg.ChallengeType, r.logger, responderOpts...)
	r.exporter = NewExporter(r.fs, cfg.CertDir, r.logger, WithExportClock(r.now))
	return r, nil
}

// Handle runs UpdateAll as a restinpieces queue job. Only provisioning
// errors fail the job; profile failures are logged.
func (r *Renewer) Handle(ctx context.Context, job rip_db.Job) error {
	r.logger.Info("Attempting certificate renewal process", "job_id", job.ID, "profiles", len(r.cfg.Profiles))
	_, err := r.UpdateAll(ctx)
	return err
}

// UpdateAll provisions the directories and then renews the profiles in
// order, one at a time. The returned error is non-nil only when
// provisioning fails, in which case no profile is attempted.
func (r *Renewer) UpdateAll(ctx context.Context) (*BatchReport, error) {
	report := &BatchReport{RunID: uuid.NewString()}
	logger := r.logger.With("run_id", report.RunID)

	if err := EnsureDirectories(r.fs, r.cfg); err != nil {
		logger.Error("Failed to provision directories", "error", err)
		return nil, err
	}

	for _, p := range r.cfg.Profiles {
		report.Results = append(report.Results, r.renewProfile(ctx, p, logger))
	}

	logger.Info("Certificate renewal run finished",
		"renewed", report.Count(ProfileRenewed),
		"skipped", report.Count(ProfileSkipped),
		"failed", report.Count(ProfileFailed),
	)
	return report, nil
}

// RenewProfile renews a single profile. Errors and panics are captured in
// the result.
func (r *Renewer) RenewProfile(ctx context.Context, p Profile) ProfileResult {
	return r.renewProfile(ctx, p, r.logger)
}

func (r *Renewer) renewProfile(ctx context.Context, p Profile, logger *slog.Logger) (res ProfileResult) {
	logger = logger.With("profile", p.Name)
	res.Profile = p.Name

	defer func() {
		if rec := recover(); rec != nil {
			res.Status = ProfileFailed
			res.Err = fmt.Errorf("panic: %v", rec)
		}
		if res.Status == ProfileFailed {
			logger.Error("Certificate renewal failed", "domains", p.Domains, "error", res.Err)
		}
	}()

	status, expiry, err := r.renew(ctx, p, logger)
	if err != nil {
		return ProfileResult{Profile: p.Name, Status: ProfileFailed, Err: err}
	}
	return ProfileResult{Profile: p.Name, Status: status, Expiry: expiry}
}

func (r *Renewer) renew(ctx context.Context, p Profile, logger *slog.Logger) (ProfileStatus, time.Time, error) {
	if len(p.Domains) == 0 {
		return ProfileFailed, time.Time{}, fmt.Errorf("profile %s has no domains", p.Name)
	}

	certPath := r.exporter.CertPath(p.Primary())
	info, err := ReadCertificate(r.fs, certPath)
	switch {
	case err == nil:
		covered := info.Covers(p.Domains)
		if covered && !NeedsRenewal(info.NotAfter, r.now(), r.cfg.RenewalThreshold()) {
			logger.Info("Certificate still valid, skipping renewal",
				"path", certPath,
				"expires", humanize.RelTime(info.NotAfter, r.now(), "ago", "from now"),
			)
			return ProfileSkipped, info.NotAfter, nil
		}
		if !covered {
			logger.Info("Certificate does not cover all profile domains", "path", certPath, "have", info.Domains, "want", p.Domains)
		} else {
			logger.Info("Certificate due for renewal", "path", certPath, "not_after", info.NotAfter)
		}
	case errors.Is(err, os.ErrNotExist):
		logger.Info("No certificate on disk, issuing", "path", certPath)
	default:
		return ProfileFailed, time.Time{}, fmt.Errorf("failed to read current certificate: %w", err)
	}

	session, err := r.accounts.GetSession(ctx)
	if err != nil {
		return ProfileFailed, time.Time{}, fmt.Errorf("failed to get ACME session: %w", err)
	}

	order, err := session.NewOrder(ctx, p.Domains)
	if err != nil {
		return ProfileFailed, time.Time{}, fmt.Errorf("failed to create order for %v: %w", p.Domains, err)
	}

	authzs, err := order.Authorizations(ctx)
	if err != nil {
		return ProfileFailed, time.Time{}, fmt.Errorf("failed to get authorizations: %w", err)
	}
	for _, authz := range authzs {
		switch authz.Status() {
		case StatusValid:
			logger.Debug("Domain already authorized", "domain", authz.Domain())
		case StatusPending:
			if err := r.responder.Authorize(ctx, authz); err != nil {
				return ProfileFailed, time.Time{}, err
			}
		default:
			return ProfileFailed, time.Time{}, fmt.Errorf("%w: %s is %s", ErrUnexpectedAuthorizationStatus, authz.Domain(), authz.Status())
		}
	}

	key, err := certcrypto.GeneratePrivateKey(certcrypto.EC256)
	if err != nil {
		return ProfileFailed, time.Time{}, fmt.Errorf("failed to generate certificate key: %w", err)
	}
	csr, err := r.createCSR(key, p.Domains)
	if err != nil {
		return ProfileFailed, time.Time{}, err
	}

	chain, err := order.Finalize(ctx, csr, r.cfg.FinalizeAttempts)
	if err != nil {
		return ProfileFailed, time.Time{}, fmt.Errorf("failed to finalize order: %w", err)
	}
	leaf, err := certcrypto.ParsePEMCertificate(chain)
	if err != nil {
		return ProfileFailed, time.Time{}, fmt.Errorf("%w: %w", ErrEmptyChain, err)
	}
	logger.Info("Successfully obtained certificate", "domains", p.Domains, "not_after", leaf.NotAfter)

	for _, domain := range p.Domains {
		if err := r.exporter.Export(domain, chain, key); err != nil {
			return ProfileFailed, time.Time{}, err
		}
	}

	keyPEM := string(certcrypto.PEMEncode(key))
	r.record(p, string(chain), keyPEM, leaf, logger)
	r.publish(p, string(chain), keyPEM, leaf, logger)

	return ProfileRenewed, leaf.NotAfter, nil
}

// createCSR returns a DER CSR with the configured subject, the first
// domain as common name and every domain as a SAN.
func (r *Renewer) createCSR(key crypto.PrivateKey, domains []string) ([]byte, error) {
	template := x509.CertificateRequest{
		Subject: pkix.Name{
			Country:      []string{r.cfg.CSRCountry},
			Locality:     []string{r.cfg.CSRLocality},
			Organization: []string{r.cfg.CSROrganization},
			CommonName:   domains[0],
		},
		DNSNames: domains,
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &template, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CSR: %w", err)
	}
	return csr, nil
}

func (r *Renewer) record(p Profile, chain, keyPEM string, leaf *x509.Certificate, logger *slog.Logger) {
	if r.history == nil {
		return
	}
	domains, err := json.Marshal(p.Domains)
	if err != nil {
		logger.Warn("Failed to encode domains for history", "error", err)
		return
	}
	cert := Cert{
		Identifier:       p.Primary(),
		Domains:          string(domains),
		CertificateChain: chain,
		PrivateKey:       keyPEM,
		IssuedAt:         leaf.NotBefore.UTC(),
		ExpiresAt:        leaf.NotAfter.UTC(),
	}
	if err := r.history.AddCert(cert); err != nil {
		logger.Warn("Failed to record certificate history", "identifier", cert.Identifier, "error", err)
	}
}

// publish saves the certificate under CertificateOutputScope.
func (r *Renewer) publish(p Profile, chain, keyPEM string, leaf *x509.Certificate, logger *slog.Logger) {
	if r.publisher == nil {
		return
	}
	tomlBytes, err := toml.Marshal(CertificateOutput{
		Identifier:       p.Primary(),
		CertificateChain: chain,
		PrivateKey:       keyPEM,
	})
	if err != nil {
		logger.Warn("Failed to marshal certificate output to TOML", "error", err)
		return
	}

	description := fmt.Sprintf("Obtained certificate for domains: %s (expires %s)",
		strings.Join(p.Domains, ", "), TimeFormat(leaf.NotAfter))

	logger.Info("Saving obtained certificate configuration", "scope", CertificateOutputScope, "format", "toml")
	if err := r.publisher.Save(CertificateOutputScope, tomlBytes, "toml", description); err != nil {
		logger.Warn("Failed to save certificate config via SecureConfigStore", "scope", CertificateOutputScope, "error", err)
	}
}

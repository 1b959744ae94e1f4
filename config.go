package certrenew

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

const (
	ChallengeHTTP01 = "http-01"
	ChallengeDNS01  = "dns-01"

	DNSProviderCloudflare = "cloudflare"
)

// Defaults applied by Validate to zero-valued fields.
const (
	DefaultRenewalDaysBeforeExpiry = 7
	DefaultChallengePollAttempts   = 60
	DefaultChallengePollInterval   = time.Second
	DefaultFinalizeAttempts        = 5
	DefaultDNSPropagation          = 30 * time.Second

	DefaultCSRCountry      = "US"
	DefaultCSRLocality     = "Seattle"
	DefaultCSROrganization = "restinpieces"
)

var (
	ErrInvalidConfig = errors.New("config: invalid")

	validate = validator.New()

	domainOrWildcardRE = regexp.MustCompile(`^(\*\.)?([^.*]+\.)+[^.*]+$`)
)

// Duration is a time.Duration that reads and writes as "1s", "500ms", ...
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type DNSProvider struct {
	APIToken string `toml:"api_token" comment:"Provider API token (set via env or secure store)"`
}

// Profile is a named group of domains issued on a single certificate.
// The first domain names the certificate files.
type Profile struct {
	Name    string   `toml:"name" validate:"required"`
	Domains []string `toml:"domains" validate:"required,min=1,dive,required"`
}

func (p Profile) Primary() string {
	return p.Domains[0]
}

type Config struct {
	Email          string `toml:"email" env:"ACME_EMAIL" validate:"required,email" comment:"ACME account contact email"`
	Staging        bool   `toml:"staging" env:"ACME_STAGING" comment:"Use the Let's Encrypt staging endpoint"`
	CADirectoryURL string `toml:"ca_directory_url" env:"ACME_CA_DIRECTORY_URL" validate:"omitempty,url" comment:"Custom ACME directory URL, overrides staging"`

	ChallengeDir string `toml:"challenge_dir" env:"ACME_CHALLENGE_DIR" comment:"Directory served at /.well-known/acme-challenge/"`
	CertDir      string `toml:"cert_dir" env:"ACME_CERT_DIR" validate:"required" comment:"Output directory for .crt and .pfx files"`
	AccountDir   string `toml:"account_dir" env:"ACME_ACCOUNT_DIR" validate:"required" comment:"Directory holding ACME account keys"`

	ChallengeType         string                 `toml:"challenge_type" env:"ACME_CHALLENGE_TYPE" validate:"omitempty,oneof=http-01 dns-01" comment:"http-01 or dns-01"`
	DNSProviders          map[string]DNSProvider `toml:"dns_providers" comment:"DNS providers for dns-01 (e.g. 'cloudflare')"`
	DNSPropagationTimeout Duration               `toml:"dns_propagation" env:"ACME_DNS_PROPAGATION" comment:"Wait after publishing a dns-01 record"`

	RenewalDaysBeforeExpiry *int     `toml:"renewal_days_before_expiry" env:"ACME_RENEWAL_DAYS" validate:"omitempty,gte=0" comment:"Days before expiry to renew, 0 renews only once expired (default 7)"`
	ChallengePollAttempts   int      `toml:"challenge_poll_attempts" env:"ACME_CHALLENGE_POLL_ATTEMPTS" validate:"gte=0" comment:"Challenge status polls before giving up"`
	ChallengePollInterval   Duration `toml:"challenge_poll_interval" env:"ACME_CHALLENGE_POLL_INTERVAL" comment:"Delay between challenge status polls"`
	FinalizeAttempts        int      `toml:"finalize_attempts" env:"ACME_FINALIZE_ATTEMPTS" validate:"gte=0" comment:"Order finalization attempts"`

	CSRCountry      string `toml:"csr_country" comment:"CSR subject country"`
	CSRLocality     string `toml:"csr_locality" comment:"CSR subject locality"`
	CSROrganization string `toml:"csr_organization" comment:"CSR subject organization"`

	Profiles []Profile `toml:"profiles" validate:"required,min=1,dive"`
}

// LoadConfig reads a TOML config file, applies environment overrides and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig is LoadConfig for TOML data that did not come from a file,
// e.g. a secure config store.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal toml: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides scalar fields from the process environment. Loading a
// .env file is left to the binaries.
func (c *Config) ApplyEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("config: failed to parse environment: %w", err)
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.ChallengeType == "" {
		c.ChallengeType = ChallengeHTTP01
	}
	if c.RenewalDaysBeforeExpiry == nil {
		days := DefaultRenewalDaysBeforeExpiry
		c.RenewalDaysBeforeExpiry = &days
	}
	if c.ChallengePollAttempts == 0 {
		c.ChallengePollAttempts = DefaultChallengePollAttempts
	}
	if c.ChallengePollInterval <= 0 {
		c.ChallengePollInterval = Duration(DefaultChallengePollInterval)
	}
	if c.FinalizeAttempts == 0 {
		c.FinalizeAttempts = DefaultFinalizeAttempts
	}
	if c.DNSPropagationTimeout == 0 {
		c.DNSPropagationTimeout = Duration(DefaultDNSPropagation)
	}
	if c.CSRCountry == "" {
		c.CSRCountry = DefaultCSRCountry
	}
	if c.CSRLocality == "" {
		c.CSRLocality = DefaultCSRLocality
	}
	if c.CSROrganization == "" {
		c.CSROrganization = DefaultCSROrganization
	}
}

// Validate fills defaults for unset fields and checks the configuration.
func (c *Config) Validate() error {
	c.setDefaults()

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	switch c.ChallengeType {
	case ChallengeHTTP01:
		if c.ChallengeDir == "" {
			return fmt.Errorf("%w: challenge_dir cannot be empty for %s", ErrInvalidConfig, ChallengeHTTP01)
		}
	case ChallengeDNS01:
		if len(c.DNSProviders) == 0 {
			return fmt.Errorf("%w: dns_providers cannot be empty for %s", ErrInvalidConfig, ChallengeDNS01)
		}
		for name, p := range c.DNSProviders {
			if name != DNSProviderCloudflare {
				return fmt.Errorf("%w: unsupported dns_provider %q", ErrInvalidConfig, name)
			}
			if p.APIToken == "" {
				return fmt.Errorf("%w: api_token cannot be empty for dns_provider '%s'", ErrInvalidConfig, name)
			}
		}
	}

	primaries := make(map[string]string, len(c.Profiles))
	for _, p := range c.Profiles {
		for _, d := range p.Domains {
			if !domainOrWildcardRE.MatchString(d) {
				return fmt.Errorf("%w: profile %q: invalid domain %q", ErrInvalidConfig, p.Name, d)
			}
			if strings.HasPrefix(d, "*") && c.ChallengeType == ChallengeHTTP01 {
				return fmt.Errorf("%w: profile %q: wildcard %q requires %s", ErrInvalidConfig, p.Name, d, ChallengeDNS01)
			}
		}
		if other, ok := primaries[p.Primary()]; ok {
			return fmt.Errorf("%w: profiles %q and %q share primary domain %s", ErrInvalidConfig, other, p.Name, p.Primary())
		}
		primaries[p.Primary()] = p.Name
	}
	return nil
}

// DirectoryURL returns the ACME directory the run talks to.
func (c *Config) DirectoryURL() string {
	switch {
	case c.CADirectoryURL != "":
		return c.CADirectoryURL
	case c.Staging:
		return lego.LEDirectoryStaging
	default:
		return lego.LEDirectoryProduction
	}
}

// AccountKeyFilename is <email>.pem, or <email>_staging.pem for staging.
func (c *Config) AccountKeyFilename() string {
	if c.Staging {
		return c.Email + "_staging.pem"
	}
	return c.Email + ".pem"
}

// RenewalThreshold is the remaining validity at or below which a
// certificate is renewed. An unset renewal_days_before_expiry means 7 days.
func (c *Config) RenewalThreshold() time.Duration {
	days := DefaultRenewalDaysBeforeExpiry
	if c.RenewalDaysBeforeExpiry != nil {
		days = *c.RenewalDaysBeforeExpiry
	}
	return time.Duration(days) * 24 * time.Hour
}

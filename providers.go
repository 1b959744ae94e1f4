package certrenew

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/providers/dns/cloudflare"
	"github.com/spf13/afero"
)

// HTTP01Provider writes key authorizations to <dir>/<token>. The directory
// must be served byte for byte at /.well-known/acme-challenge/ by the
// host's web server.
type HTTP01Provider struct {
	fs  afero.Fs
	dir string
}

func NewHTTP01Provider(fs afero.Fs, dir string) *HTTP01Provider {
	return &HTTP01Provider{fs: fs, dir: dir}
}

func (p *HTTP01Provider) Path(token string) (string, error) {
	if token == "" || token == "." || token == ".." || strings.ContainsAny(token, `/\`) {
		return "", fmt.Errorf("invalid challenge token %q", token)
	}
	return filepath.Join(p.dir, token), nil
}

func (p *HTTP01Provider) Present(_, token, keyAuth string) error {
	path, err := p.Path(token)
	if err != nil {
		return err
	}
	if err := afero.WriteFile(p.fs, path, []byte(keyAuth), 0o644); err != nil {
		return fmt.Errorf("failed to write challenge file %s: %w", path, err)
	}
	return nil
}

func (p *HTTP01Provider) CleanUp(_, token, _ string) error {
	path, err := p.Path(token)
	if err != nil {
		return err
	}
	if err := p.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove challenge file %s: %w", path, err)
	}
	return nil
}

// NewChallengeProvider builds the provider for cfg.ChallengeType.
func NewChallengeProvider(cfg *Config, fs afero.Fs) (challenge.Provider, error) {
	switch cfg.ChallengeType {
	case ChallengeHTTP01, "":
		return NewHTTP01Provider(fs, cfg.ChallengeDir), nil
	case ChallengeDNS01:
		providerConfig, ok := cfg.DNSProviders[DNSProviderCloudflare]
		if !ok {
			return nil, fmt.Errorf("required DNS provider '%s' not found in configuration", DNSProviderCloudflare)
		}
		cfLegoConfig := cloudflare.NewDefaultConfig()
		cfLegoConfig.AuthToken = providerConfig.APIToken
		cfProvider, err := cloudflare.NewDNSProviderConfig(cfLegoConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create Cloudflare provider: %w", err)
		}
		return cfProvider, nil
	default:
		return nil, fmt.Errorf("unsupported challenge type: %q", cfg.ChallengeType)
	}
}

package certrenew

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/spf13/afero"
)

// AccountManager loads or creates the ACME account key for the configured
// (email, environment) pair and opens sessions with it.
type AccountManager struct {
	cfg    *Config
	fs     afero.Fs
	client Client
	logger *slog.Logger
}

func NewAccountManager(cfg *Config, fs afero.Fs, client Client, logger *slog.Logger) *AccountManager {
	if cfg == nil || fs == nil || client == nil || logger == nil {
		panic("NewAccountManager: received nil config, fs, client, or logger")
	}
	return &AccountManager{
		cfg:    cfg,
		fs:     fs,
		client: client,
		logger: logger.With("component", "account"),
	}
}

// KeyPath is <account_dir>/<email>[_staging].pem.
func (m *AccountManager) KeyPath() string {
	return filepath.Join(m.cfg.AccountDir, m.cfg.AccountKeyFilename())
}

// GetSession returns a session for the persisted account key. On first use
// a key is generated, registered and written to KeyPath.
func (m *AccountManager) GetSession(ctx context.Context) (Session, error) {
	path := m.KeyPath()
	directoryURL := m.cfg.DirectoryURL()

	exists, err := afero.Exists(m.fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat account key %s: %w", path, err)
	}

	if exists {
		data, err := afero.ReadFile(m.fs, path)
		if err != nil {
			return nil, fmt.Errorf("failed to read account key %s: %w", path, err)
		}
		key, err := certcrypto.ParsePEMPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse account key %s: %w", path, err)
		}

		session, err := m.client.NewSession(ctx, directoryURL, key)
		if err != nil {
			return nil, err
		}
		if err := session.ResolveAccount(ctx); err != nil {
			return nil, err
		}
		m.logger.Debug("reused ACME account", "key_path", path, "directory", directoryURL)
		return session, nil
	}

	key, err := certcrypto.GeneratePrivateKey(certcrypto.EC256)
	if err != nil {
		return nil, fmt.Errorf("failed to generate account key: %w", err)
	}

	// The key is on disk before the account exists, so a registered
	// account never outlives its key.
	if err := afero.WriteFile(m.fs, path, certcrypto.PEMEncode(key), 0o600); err != nil {
		return nil, fmt.Errorf("failed to save account key %s: %w", path, err)
	}

	session, err := m.client.NewSession(ctx, directoryURL, key)
	if err == nil {
		err = session.NewAccount(ctx, m.cfg.Email, true)
	}
	if err != nil {
		if rmErr := m.fs.Remove(path); rmErr != nil {
			m.logger.Warn("failed to remove unregistered account key", "key_path", path, "error", rmErr)
		}
		return nil, err
	}
	m.logger.Info("registered ACME account", "email", m.cfg.Email, "key_path", path, "directory", directoryURL)
	return session, nil
}

package certrenew_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	certrenew "github.com/caasmo/restinpieces-certrenew"
)

func accountConfig(staging bool) *certrenew.Config {
	return &certrenew.Config{
		Email:      "ops@example.com",
		Staging:    staging,
		AccountDir: "/var/lib/certrenew/accounts",
	}
}

func TestGetSessionCreatesKeyOnce(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := accountConfig(false)
	require.NoError(t, fs.MkdirAll(cfg.AccountDir, 0o700))
	acme := newFakeACME(t, fs, challengeDir)

	m := certrenew.NewAccountManager(cfg, fs, acme, discardLogger())
	keyPath := filepath.Join(cfg.AccountDir, "ops@example.com.pem")
	assert.Equal(t, keyPath, m.KeyPath())

	_, err := m.GetSession(context.Background())
	require.NoError(t, err)
	require.Len(t, acme.accounts, 1)

	first, err := afero.ReadFile(fs, keyPath)
	require.NoError(t, err)
	_, err = certcrypto.ParsePEMPrivateKey(first)
	require.NoError(t, err)

	info, err := fs.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, "-rw-------", info.Mode().Perm().String())

	_, err = m.GetSession(context.Background())
	require.NoError(t, err, "second session must resolve the registered account")

	second, err := afero.ReadFile(fs, keyPath)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, acme.accounts, 1, "no second registration")
	assert.Equal(t, 2, acme.sessions)
}

func TestGetSessionStagingKeyIsSeparate(t *testing.T) {
	fs := afero.NewMemMapFs()
	acme := newFakeACME(t, fs, challengeDir)

	prod := certrenew.NewAccountManager(accountConfig(false), fs, acme, discardLogger())
	staging := certrenew.NewAccountManager(accountConfig(true), fs, acme, discardLogger())

	_, err := prod.GetSession(context.Background())
	require.NoError(t, err)
	_, err = staging.GetSession(context.Background())
	require.NoError(t, err)

	assert.Equal(t, filepath.Join("/var/lib/certrenew/accounts", "ops@example.com_staging.pem"), staging.KeyPath())
	assert.Len(t, acme.accounts, 2)
}

func TestGetSessionUnknownAccount(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := accountConfig(false)
	acme := newFakeACME(t, fs, challengeDir)

	key, err := certcrypto.GeneratePrivateKey(certcrypto.EC256)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, filepath.Join(cfg.AccountDir, cfg.AccountKeyFilename()), certcrypto.PEMEncode(key), 0o600))

	m := certrenew.NewAccountManager(cfg, fs, acme, discardLogger())
	_, err = m.GetSession(context.Background())
	assert.ErrorContains(t, err, "accountDoesNotExist")
}

func TestGetSessionCorruptKey(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := accountConfig(false)
	require.NoError(t, afero.WriteFile(fs, filepath.Join(cfg.AccountDir, cfg.AccountKeyFilename()), []byte("not a key"), 0o600))

	acme := newFakeACME(t, fs, challengeDir)
	m := certrenew.NewAccountManager(cfg, fs, acme, discardLogger())

	_, err := m.GetSession(context.Background())
	require.Error(t, err)
	assert.Zero(t, acme.calls)
}

func TestGetSessionRegistrationFailureRemovesKey(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := accountConfig(false)
	acme := newFakeACME(t, fs, challengeDir)
	acme.registerErr = errors.New("urn:ietf:params:acme:error:rateLimited")

	m := certrenew.NewAccountManager(cfg, fs, acme, discardLogger())
	_, err := m.GetSession(context.Background())
	assert.ErrorContains(t, err, "rateLimited")

	exists, err := afero.Exists(fs, m.KeyPath())
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Empty(t, acme.accounts)

	acme.registerErr = nil
	_, err = m.GetSession(context.Background())
	require.NoError(t, err)
	assert.Len(t, acme.accounts, 1)
}

func TestGetSessionUnwritableKeyDoesNotRegister(t *testing.T) {
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
	acme := newFakeACME(t, fs, challengeDir)

	m := certrenew.NewAccountManager(accountConfig(false), fs, acme, discardLogger())
	_, err := m.GetSession(context.Background())
	require.Error(t, err)
	assert.Zero(t, acme.calls)
	assert.Empty(t, acme.accounts)
}

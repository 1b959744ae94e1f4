package certrenew_test

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	certrenew "github.com/caasmo/restinpieces-certrenew"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testCA signs CSRs and issues certificates for tests.
type testCA struct {
	key  *ecdsa.PrivateKey
	cert *x509.Certificate
	pem  []byte
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "certrenew test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &testCA{
		key:  key,
		cert: cert,
		pem:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}
}

func (ca *testCA) signLeaf(subject pkix.Name, domains []string, pub crypto.PublicKey, notAfter time.Time) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      subject,
		DNSNames:     domains,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, pub, ca.key)
	if err != nil {
		return nil, err
	}
	leaf := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return append(leaf, ca.pem...), nil
}

// issue returns a leaf+CA chain for domains and the leaf's key.
func (ca *testCA) issue(t *testing.T, domains []string, notAfter time.Time) ([]byte, crypto.PrivateKey) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	chain, err := ca.signLeaf(pkix.Name{CommonName: domains[0]}, domains, &key.PublicKey, notAfter)
	require.NoError(t, err)
	return chain, key
}

// writeCert places an issued certificate at <certDir>/<domain>.crt.
func (ca *testCA) writeCert(t *testing.T, fs afero.Fs, certDir, domain string, domains []string, notAfter time.Time) []byte {
	t.Helper()

	chain, _ := ca.issue(t, domains, notAfter)
	require.NoError(t, fs.MkdirAll(certDir, 0o755))
	require.NoError(t, afero.WriteFile(fs, filepath.Join(certDir, domain+".crt"), chain, 0o644))
	return chain
}

// fakeACME is an in-memory ACME server behind the certrenew.Client interface.
type fakeACME struct {
	ca           *testCA
	fs           afero.Fs
	challengeDir string

	// calls counts every operation that would reach the network.
	calls    int
	sessions int
	accounts map[string]string
	orders   [][]string
	csrs     []*x509.CertificateRequest
	attempts []int

	// served maps token to the challenge file content seen at validation.
	served map[string]string

	// authzStatus is the initial status of every authorization.
	authzStatus string
	// pollsUntilValid is the refresh on which challenges settle; < 0 never settles.
	pollsUntilValid int
	// finalStatus per domain; absent means valid.
	finalStatus map[string]string
	detail      string
	panicOn     map[string]bool
	finalizeErr error
	registerErr error
}

func newFakeACME(t *testing.T, fs afero.Fs, challengeDir string) *fakeACME {
	return &fakeACME{
		ca:              newTestCA(t),
		fs:              fs,
		challengeDir:    challengeDir,
		accounts:        map[string]string{},
		served:          map[string]string{},
		authzStatus:     certrenew.StatusPending,
		pollsUntilValid: 1,
		finalStatus:     map[string]string{},
		panicOn:         map[string]bool{},
	}
}

func keyID(key crypto.PrivateKey) (string, error) {
	signer, ok := key.(crypto.Signer)
	if !ok {
		return "", errors.New("account key is not a signer")
	}
	der, err := x509.MarshalPKIXPublicKey(signer.Public())
	if err != nil {
		return "", err
	}
	return string(der), nil
}

func (f *fakeACME) NewSession(_ context.Context, _ string, accountKey crypto.PrivateKey) (certrenew.Session, error) {
	f.calls++
	f.sessions++
	id, err := keyID(accountKey)
	if err != nil {
		return nil, err
	}
	return &fakeSession{acme: f, keyID: id}, nil
}

type fakeSession struct {
	acme  *fakeACME
	keyID string
}

func (s *fakeSession) ResolveAccount(context.Context) error {
	s.acme.calls++
	if _, ok := s.acme.accounts[s.keyID]; !ok {
		return errors.New("urn:ietf:params:acme:error:accountDoesNotExist")
	}
	return nil
}

func (s *fakeSession) NewAccount(_ context.Context, email string, acceptTOS bool) error {
	s.acme.calls++
	if !acceptTOS {
		return errors.New("terms of service not accepted")
	}
	if s.acme.registerErr != nil {
		return s.acme.registerErr
	}
	s.acme.accounts[s.keyID] = email
	return nil
}

func (s *fakeSession) NewOrder(_ context.Context, domains []string) (certrenew.Order, error) {
	f := s.acme
	f.calls++
	f.orders = append(f.orders, append([]string(nil), domains...))

	order := &fakeOrder{acme: f}
	for _, d := range domains {
		if f.panicOn[d] {
			panic("fake acme: order for " + d)
		}
		final, ok := f.finalStatus[d]
		if !ok {
			final = certrenew.StatusValid
		}
		order.authzs = append(order.authzs, &fakeAuthorization{
			domain: d,
			status: f.authzStatus,
			challenge: &fakeChallenge{
				acme:            f,
				token:           "token-" + d,
				keyAuth:         "token-" + d + ".thumbprint",
				pollsUntilValid: f.pollsUntilValid,
				final:           final,
				detail:          f.detail,
			},
		})
	}
	return order, nil
}

type fakeOrder struct {
	acme   *fakeACME
	authzs []*fakeAuthorization
}

func (o *fakeOrder) Authorizations(context.Context) ([]certrenew.Authorization, error) {
	o.acme.calls++
	out := make([]certrenew.Authorization, 0, len(o.authzs))
	for _, a := range o.authzs {
		out = append(out, a)
	}
	return out, nil
}

func (o *fakeOrder) Finalize(_ context.Context, csrDER []byte, attempts int) ([]byte, error) {
	f := o.acme
	f.calls++
	f.attempts = append(f.attempts, attempts)
	if f.finalizeErr != nil {
		return nil, f.finalizeErr
	}
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, err
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, err
	}
	f.csrs = append(f.csrs, csr)
	return f.ca.signLeaf(csr.Subject, csr.DNSNames, csr.PublicKey, time.Now().Add(90*24*time.Hour))
}

type fakeAuthorization struct {
	domain    string
	status    string
	challenge *fakeChallenge
}

func (a *fakeAuthorization) Domain() string { return a.domain }
func (a *fakeAuthorization) Status() string { return a.status }

func (a *fakeAuthorization) Challenge(_ context.Context, challengeType string) (certrenew.Challenge, error) {
	if challengeType != certrenew.ChallengeHTTP01 && challengeType != certrenew.ChallengeDNS01 {
		return nil, fmt.Errorf("%w: %s", certrenew.ErrNoChallenge, challengeType)
	}
	return a.challenge, nil
}

type fakeChallenge struct {
	acme            *fakeACME
	token           string
	keyAuth         string
	pollsUntilValid int
	final           string
	detail          string

	validatedAt time.Time
	refreshes   []time.Time
}

func (c *fakeChallenge) Token() string            { return c.token }
func (c *fakeChallenge) KeyAuthorization() string { return c.keyAuth }

func (c *fakeChallenge) Validate(context.Context) error {
	c.validatedAt = time.Now()
	if c.acme == nil {
		return nil
	}
	c.acme.calls++
	if c.acme.fs != nil {
		data, err := afero.ReadFile(c.acme.fs, filepath.Join(c.acme.challengeDir, c.token))
		if err == nil {
			c.acme.served[c.token] = string(data)
		}
	}
	return nil
}

func (c *fakeChallenge) Refresh(context.Context) (certrenew.ChallengeState, error) {
	c.refreshes = append(c.refreshes, time.Now())
	if c.acme != nil {
		c.acme.calls++
	}
	if c.pollsUntilValid < 0 || len(c.refreshes) < c.pollsUntilValid {
		return certrenew.ChallengeState{Status: certrenew.StatusPending}, nil
	}
	state := certrenew.ChallengeState{Status: c.final}
	if c.final != certrenew.StatusValid {
		state.Detail = c.detail
	}
	return state, nil
}

package certrenew

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/acme/api"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
)

const defaultFinalizeRetryInterval = 3 * time.Second

// AcmeUser implements lego's registration.User interface
type AcmeUser struct {
	Email        string
	Registration *registration.Resource
	PrivateKey   crypto.PrivateKey
}

func (u *AcmeUser) GetEmail() string                        { return u.Email }
func (u *AcmeUser) GetRegistration() *registration.Resource { return u.Registration }
func (u *AcmeUser) GetPrivateKey() crypto.PrivateKey        { return u.PrivateKey }

// LegoClient implements Client on top of lego's low level ACME core, so
// that authorizations can be driven one by one instead of through
// lego's Obtain.
type LegoClient struct {
	// HTTPClient replaces lego's default client when set (custom CA roots, tests).
	HTTPClient *http.Client
	// FinalizeRetryInterval is the pause between finalization attempts.
	FinalizeRetryInterval time.Duration
}

func NewLegoClient() *LegoClient {
	return &LegoClient{FinalizeRetryInterval: defaultFinalizeRetryInterval}
}

func (c *LegoClient) NewSession(ctx context.Context, directoryURL string, accountKey crypto.PrivateKey) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	user := &AcmeUser{PrivateKey: accountKey}
	legoConfig := lego.NewConfig(user)
	legoConfig.CADirURL = directoryURL
	if c.HTTPClient != nil {
		legoConfig.HTTPClient = c.HTTPClient
	}

	core, err := api.New(legoConfig.HTTPClient, legoConfig.UserAgent, legoConfig.CADirURL, "", accountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create ACME client for %s: %w", directoryURL, err)
	}

	retry := c.FinalizeRetryInterval
	if retry <= 0 {
		retry = defaultFinalizeRetryInterval
	}

	return &legoSession{
		core:          core,
		user:          user,
		registrar:     registration.NewRegistrar(core, user),
		retryInterval: retry,
	}, nil
}

type legoSession struct {
	core          *api.Core
	user          *AcmeUser
	registrar     *registration.Registrar
	retryInterval time.Duration
}

func (s *legoSession) ResolveAccount(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	reg, err := s.registrar.ResolveAccountByKey()
	if err != nil {
		return fmt.Errorf("failed to resolve ACME account by key: %w", err)
	}
	s.user.Registration = reg
	return nil
}

func (s *legoSession) NewAccount(ctx context.Context, email string, acceptTOS bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.user.Email = email
	reg, err := s.registrar.Register(registration.RegisterOptions{TermsOfServiceAgreed: acceptTOS})
	if err != nil {
		return fmt.Errorf("ACME registration failed for %s: %w", email, err)
	}
	s.user.Registration = reg
	return nil
}

func (s *legoSession) NewOrder(ctx context.Context, domains []string) (Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	order, err := s.core.Orders.New(domains)
	if err != nil {
		return nil, fmt.Errorf("failed to create order for %v: %w", domains, err)
	}
	return &legoOrder{core: s.core, order: order, retryInterval: s.retryInterval}, nil
}

type legoOrder struct {
	core          *api.Core
	order         acme.ExtendedOrder
	retryInterval time.Duration
}

func (o *legoOrder) Authorizations(ctx context.Context) ([]Authorization, error) {
	authzs := make([]Authorization, 0, len(o.order.Authorizations))
	for _, authzURL := range o.order.Authorizations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		authz, err := o.core.Authorizations.Get(authzURL)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch authorization %s: %w", authzURL, err)
		}
		authzs = append(authzs, &legoAuthorization{core: o.core, authz: authz})
	}
	return authzs, nil
}

// Finalize re-reads the order on every attempt so a retry after a
// "processing" answer only downloads the certificate.
func (o *legoOrder) Finalize(ctx context.Context, csr []byte, attempts int) ([]byte, error) {
	if attempts < 1 {
		attempts = 1
	}

	var chain []byte
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		order, err := o.core.Orders.Get(o.order.Location)
		if err != nil {
			return err
		}

		switch order.Status {
		case acme.StatusInvalid:
			return backoff.Permanent(fmt.Errorf("order %s is invalid: %w", o.order.Location, orderProblem(order)))
		case acme.StatusReady:
			order, err = o.core.Orders.UpdateForCSR(order.Finalize, csr)
			if err != nil {
				return err
			}
		}

		if order.Status != acme.StatusValid || order.Certificate == "" {
			return fmt.Errorf("order %s is %s", o.order.Location, order.Status)
		}

		cert, _, err := o.core.Certificates.Get(order.Certificate, true)
		if err != nil {
			return err
		}
		chain = cert
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(o.retryInterval), uint64(attempts-1)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("failed to finalize order after %d attempts: %w", attempts, err)
	}
	return chain, nil
}

func orderProblem(order acme.ExtendedOrder) error {
	if order.Error != nil {
		return order.Error
	}
	return errors.New("no problem detail")
}

type legoAuthorization struct {
	core  *api.Core
	authz acme.Authorization
}

func (a *legoAuthorization) Domain() string { return a.authz.Identifier.Value }
func (a *legoAuthorization) Status() string { return a.authz.Status }

func (a *legoAuthorization) Challenge(ctx context.Context, challengeType string) (Challenge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, chlg := range a.authz.Challenges {
		if chlg.Type != challengeType {
			continue
		}
		keyAuth, err := a.core.GetKeyAuthorization(chlg.Token)
		if err != nil {
			return nil, fmt.Errorf("failed to compute key authorization for %s: %w", a.Domain(), err)
		}
		return &legoChallenge{core: a.core, url: chlg.URL, token: chlg.Token, keyAuth: keyAuth}, nil
	}
	return nil, fmt.Errorf("%w: %s for %s", ErrNoChallenge, challengeType, a.Domain())
}

type legoChallenge struct {
	core    *api.Core
	url     string
	token   string
	keyAuth string
}

func (c *legoChallenge) Token() string            { return c.token }
func (c *legoChallenge) KeyAuthorization() string { return c.keyAuth }

func (c *legoChallenge) Validate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.core.Challenges.New(c.url); err != nil {
		return fmt.Errorf("failed to trigger validation of %s: %w", c.url, err)
	}
	return nil
}

func (c *legoChallenge) Refresh(ctx context.Context) (ChallengeState, error) {
	if err := ctx.Err(); err != nil {
		return ChallengeState{}, err
	}
	chlg, err := c.core.Challenges.Get(c.url)
	if err != nil {
		return ChallengeState{}, fmt.Errorf("failed to fetch challenge %s: %w", c.url, err)
	}
	state := ChallengeState{Status: chlg.Status}
	if chlg.Error != nil {
		state.Detail = chlg.Error.Detail
	}
	return state, nil
}

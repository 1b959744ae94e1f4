package certrenew

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/challenge/http01"
)

// ChallengeResponder completes a single pending authorization: it presents
// the challenge through a lego challenge.Provider, triggers validation and
// polls the challenge until it leaves the pending state.
type ChallengeResponder struct {
	provider         challenge.Provider
	challengeType    string
	pollInterval     time.Duration
	maxPolls         int
	propagationDelay time.Duration
	logger           *slog.Logger
}

type ResponderOption func(*ChallengeResponder)

func WithPollInterval(d time.Duration) ResponderOption {
	return func(r *ChallengeResponder) {
		r.pollInterval = d
	}
}

func WithMaxPolls(n int) ResponderOption {
	return func(r *ChallengeResponder) {
		r.maxPolls = n
	}
}

// WithPropagationDelay waits after Present before asking for validation.
// Used for dns-01, where the record has to reach the authoritative servers.
func WithPropagationDelay(d time.Duration) ResponderOption {
	return func(r *ChallengeResponder) {
		r.propagationDelay = d
	}
}

func NewChallengeResponder(provider challenge.Provider, challengeType string, logger *slog.Logger, opts ...ResponderOption) *ChallengeResponder {
	if provider == nil || logger == nil {
		panic("NewChallengeResponder: received nil provider or logger")
	}
	r := &ChallengeResponder{
		provider:      provider,
		challengeType: challengeType,
		pollInterval:  DefaultChallengePollInterval,
		maxPolls:      DefaultChallengePollAttempts,
		logger:        logger.With("component", "challenge", "type", challengeType),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Authorize proves control of the authorization's domain. It fails with
// ErrAuthorizationTimeout when the challenge is still pending after the
// configured number of polls, and with ErrAuthorizationInvalid when the
// server settles on any status other than valid.
func (r *ChallengeResponder) Authorize(ctx context.Context, authz Authorization) error {
	domain := authz.Domain()

	chlg, err := authz.Challenge(ctx, r.challengeType)
	if err != nil {
		return err
	}
	token := chlg.Token()
	keyAuth := chlg.KeyAuthorization()

	if err := r.provider.Present(domain, token, keyAuth); err != nil {
		return fmt.Errorf("failed to present %s challenge for %s: %w", r.challengeType, domain, err)
	}
	defer func() {
		if err := r.provider.CleanUp(domain, token, keyAuth); err != nil {
			r.logger.Warn("failed to clean up challenge", "domain", domain, "token", token, "error", err)
		}
	}()

	if r.challengeType == ChallengeHTTP01 {
		r.logger.Debug("challenge presented", "domain", domain, "path", http01.ChallengePath(token))
	}

	if r.propagationDelay > 0 {
		r.logger.Debug("waiting for challenge propagation", "domain", domain, "delay", r.propagationDelay)
		if err := sleepContext(ctx, r.propagationDelay); err != nil {
			return err
		}
	}

	if err := chlg.Validate(ctx); err != nil {
		return err
	}

	state, err := r.poll(ctx, chlg)
	if err != nil {
		return err
	}

	if state.Status != StatusValid {
		if state.Detail != "" {
			return fmt.Errorf("%w: %s is %s: %s", ErrAuthorizationInvalid, domain, state.Status, state.Detail)
		}
		return fmt.Errorf("%w: %s is %s", ErrAuthorizationInvalid, domain, state.Status)
	}

	r.logger.Info("domain authorized", "domain", domain)
	return nil
}

func (r *ChallengeResponder) poll(ctx context.Context, chlg Challenge) (ChallengeState, error) {
	for attempt := 1; attempt <= r.maxPolls; attempt++ {
		if err := sleepContext(ctx, r.pollInterval); err != nil {
			return ChallengeState{}, err
		}
		state, err := chlg.Refresh(ctx)
		if err != nil {
			return ChallengeState{}, err
		}
		if !state.Pending() {
			return state, nil
		}
		r.logger.Debug("challenge still pending", "token", chlg.Token(), "attempt", attempt)
	}
	return ChallengeState{}, fmt.Errorf("%w: token %s still pending after %d polls", ErrAuthorizationTimeout, chlg.Token(), r.maxPolls)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

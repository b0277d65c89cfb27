// Package credential provides the "one refresh, one retry" shim the
// orchestrator uses when a model provider call fails with 401 (spec §4.1
// step (d), §6).
//
// Grounded on the teacher's internal/auth/oauth.go OAuth token exchange flow
// (golang.org/x/oauth2.Token, TokenSource) but narrowed from a full login
// flow to just the refresh-on-demand contract a provider credential needs.
package credential

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/oauth2"
)

// ErrNoRefresher is returned by RetryOn401 when called with a nil Refresher.
var ErrNoRefresher = errors.New("credential: no refresher configured")

// Refresher resolves the current bearer credential for provider calls and
// can force exactly one refresh when asked.
type Refresher interface {
	// Token returns the current credential, fetching one if none has been
	// obtained yet.
	Token(ctx context.Context) (string, error)

	// Refresh discards any cached credential and fetches a fresh one.
	Refresh(ctx context.Context) (string, error)
}

// OAuthRefresher adapts an oauth2.TokenSource into a Refresher. raw must
// return a freshly-fetched token on every call (e.g. oauth2.Config's
// TokenSource, not a ReuseTokenSource) so that Refresh actually forces
// network work instead of handing back a cached value.
type OAuthRefresher struct {
	mu      sync.Mutex
	raw     oauth2.TokenSource
	current *oauth2.Token
}

// NewOAuthRefresher builds a Refresher around raw.
func NewOAuthRefresher(raw oauth2.TokenSource) *OAuthRefresher {
	return &OAuthRefresher{raw: raw}
}

// Token returns the cached token if it is still valid, otherwise fetches one.
func (r *OAuthRefresher) Token(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil && r.current.Valid() {
		return r.current.AccessToken, nil
	}
	tok, err := r.raw.Token()
	if err != nil {
		return "", err
	}
	r.current = tok
	return tok.AccessToken, nil
}

// Refresh unconditionally fetches a new token from raw, replacing any
// cached value, even if the cached value still looks valid by expiry.
func (r *OAuthRefresher) Refresh(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok, err := r.raw.Token()
	if err != nil {
		return "", err
	}
	r.current = tok
	return tok.AccessToken, nil
}

// StaticRefresher is a Refresher over a fixed token with no refresh
// capability, useful for API-key-style credentials and tests; Refresh
// returns the same token Token does.
type StaticRefresher struct {
	token string
}

// NewStaticRefresher builds a Refresher that always returns token.
func NewStaticRefresher(token string) *StaticRefresher {
	return &StaticRefresher{token: token}
}

func (s *StaticRefresher) Token(ctx context.Context) (string, error)   { return s.token, nil }
func (s *StaticRefresher) Refresh(ctx context.Context) (string, error) { return s.token, nil }

// IsUnauthorized classifies an error returned from a provider call as a 401
// worth triggering a refresh for. Callers supply this since the concrete
// error type is provider-specific (spec leaves "the parsed error body"
// provider-defined).
type IsUnauthorized func(error) bool

// RetryOn401 implements spec §4.1 step (d): call fn once with the current
// credential; if it fails and isUnauthorized classifies the failure as a
// 401, refresh the credential exactly once and retry fn exactly once. Any
// other failure, or a failure of the retried call, is returned as-is.
func RetryOn401(ctx context.Context, refresher Refresher, isUnauthorized IsUnauthorized, fn func(ctx context.Context, token string) error) error {
	if refresher == nil {
		return ErrNoRefresher
	}
	token, err := refresher.Token(ctx)
	if err != nil {
		return err
	}
	err = fn(ctx, token)
	if err == nil {
		return nil
	}
	if isUnauthorized == nil || !isUnauthorized(err) {
		return err
	}
	token, err = refresher.Refresh(ctx)
	if err != nil {
		return err
	}
	return fn(ctx, token)
}

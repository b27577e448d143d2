// Package tokens keeps provider access tokens usable: it refreshes them
// ahead of expiry and flags accounts whose credentials can no longer be
// refreshed.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"gitea.jw6.us/james/calsync/internal/metrics"
	"gitea.jw6.us/james/calsync/internal/provider"
	"gitea.jw6.us/james/calsync/internal/store"
)

// DefaultSafetyMargin is how long before expiry a token is refreshed.
const DefaultSafetyMargin = 60 * time.Second

// fallbackLifetime is assumed when the provider omits an expiry.
const fallbackLifetime = time.Hour

// DefaultRefreshTimeout bounds one shared token exchange.
const DefaultRefreshTimeout = 30 * time.Second

// Action is a provider call made with a valid access token.
type Action func(ctx context.Context, client provider.Client, accessToken string) error

// Guard runs actions against a provider account with a valid token.
type Guard struct {
	providers store.ProviderRepository
	clients   *provider.Registry
	margin    time.Duration
	timeout   time.Duration
	now       func() time.Time

	refreshes singleflight.Group
}

type Option func(*Guard)

func WithSafetyMargin(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.margin = d
		}
	}
}

// WithRefreshTimeout bounds each token exchange independently of the
// callers waiting on it.
func WithRefreshTimeout(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func NewGuard(providers store.ProviderRepository, clients *provider.Registry, opts ...Option) *Guard {
	g := &Guard{
		providers: providers,
		clients:   clients,
		margin:    DefaultSafetyMargin,
		timeout:   DefaultRefreshTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Do loads the provider account, refreshes its token when it is about to
// expire and runs action. If the provider rejects the token mid-flight the
// token is refreshed and action retried exactly once.
func (g *Guard) Do(ctx context.Context, providerID int64, action Action) error {
	acct, err := g.providers.GetByID(ctx, providerID)
	if err != nil {
		return fmt.Errorf("load provider %d: %w", providerID, err)
	}
	if acct.NeedsReauth {
		return fmt.Errorf("provider %d: %w", providerID, provider.ErrAuthExpired)
	}
	client, err := g.clients.Get(acct.Kind)
	if err != nil {
		return err
	}

	token := acct.AccessToken
	if acct.TokenExpiry.Before(g.now().Add(g.margin)) {
		if token, err = g.refresh(ctx, client, providerID); err != nil {
			return err
		}
	}

	err = action(ctx, client, token)
	if !errors.Is(err, provider.ErrUnauthorized) {
		return err
	}

	log.Printf("[WARN] provider %d rejected its access token, refreshing", providerID)
	if token, err = g.refresh(ctx, client, providerID); err != nil {
		return err
	}
	err = action(ctx, client, token)
	if errors.Is(err, provider.ErrUnauthorized) {
		g.markNeedsReauth(ctx, providerID)
		return fmt.Errorf("provider %d: token rejected after refresh: %w", providerID, provider.ErrAuthExpired)
	}
	return err
}

// refresh exchanges the stored refresh token for a new access token.
// Concurrent refreshes of one account collapse into a single exchange that
// outlives any one caller's cancellation.
func (g *Guard) refresh(ctx context.Context, client provider.Client, providerID int64) (string, error) {
	shared := context.WithoutCancel(ctx)
	ch := g.refreshes.DoChan(strconv.FormatInt(providerID, 10), func() (any, error) {
		ctx, cancel := context.WithTimeout(shared, g.timeout)
		defer cancel()

		acct, err := g.providers.GetByID(ctx, providerID)
		if err != nil {
			return "", fmt.Errorf("reload provider %d: %w", providerID, err)
		}

		tok, err := client.RefreshToken(ctx, acct.RefreshToken)
		if err != nil {
			if errors.Is(err, provider.ErrAuthExpired) {
				metrics.IncTokenRefresh("auth_expired")
				g.markNeedsReauth(ctx, providerID)
				return "", fmt.Errorf("provider %d: %w", providerID, err)
			}
			metrics.IncTokenRefresh("failed")
			return "", fmt.Errorf("refresh provider %d: %w", providerID, err)
		}

		refreshToken := tok.RefreshToken
		if refreshToken == "" {
			refreshToken = acct.RefreshToken
		}
		expiry := tok.Expiry
		if expiry.IsZero() {
			expiry = g.now().Add(fallbackLifetime)
		}
		if err := g.providers.UpdateToken(ctx, providerID, tok.AccessToken, refreshToken, expiry); err != nil {
			metrics.IncTokenRefresh("failed")
			return "", fmt.Errorf("persist refreshed token for provider %d: %w", providerID, err)
		}
		metrics.IncTokenRefresh("ok")
		return tok.AccessToken, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (g *Guard) markNeedsReauth(ctx context.Context, providerID int64) {
	log.Printf("[WARN] provider %d needs re-authorization", providerID)
	if err := g.providers.MarkNeedsReauth(ctx, providerID); err != nil {
		log.Printf("[ERROR] flag provider %d for re-authorization: %v", providerID, err)
	}
}

// Package subscription manages push notification leases: creating and
// renewing them ahead of expiry and authenticating inbound notifications.
package subscription

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sync/errgroup"

	"gitea.jw6.us/james/calsync/internal/metrics"
	"gitea.jw6.us/james/calsync/internal/provider"
	"gitea.jw6.us/james/calsync/internal/store"
	"gitea.jw6.us/james/calsync/internal/tokens"
)

var (
	ErrUnknownChannel      = errors.New("unknown notification channel")
	ErrInvalidChannelToken = errors.New("notification channel token mismatch")
	// ErrChannelExpired is only returned when an expiry grace is configured.
	ErrChannelExpired = errors.New("notification channel expired")
)

const (
	verifierAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	verifierLength   = 32
)

// Config tunes lease management. Zero values fall back to defaults.
type Config struct {
	// CallbackURL is the public webhook address handed to the provider.
	CallbackURL string
	// LeadTime is how long before expiry a lease is renewed.
	LeadTime time.Duration
	// TTL is the lease lifetime requested from the provider.
	TTL time.Duration
	// ExpiredGrace bounds how long after expiry a lease still authenticates
	// notifications. Zero accepts expired leases indefinitely.
	ExpiredGrace time.Duration
	Concurrency  int
	Backoff      provider.Backoff
}

// Manager owns the push notification leases of calendar sources.
type Manager struct {
	store *store.Store
	guard *tokens.Guard
	cfg   Config

	now          func() time.Time
	newChannelID func() string
	newVerifier  func() (string, error)
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the time source used for lease expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithChannelIDs overrides channel id generation.
func WithChannelIDs(next func() string) Option {
	return func(m *Manager) { m.newChannelID = next }
}

// New builds a Manager that calls the provider through guard.
func New(st *store.Store, guard *tokens.Guard, cfg Config, opts ...Option) *Manager {
	if cfg.LeadTime <= 0 {
		cfg.LeadTime = 24 * time.Hour
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Backoff.Attempts <= 0 {
		cfg.Backoff = provider.DefaultBackoff
	}
	m := &Manager{
		store:        st,
		guard:        guard,
		cfg:          cfg,
		now:          time.Now,
		newChannelID: uuid.NewString,
		newVerifier: func() (string, error) {
			return gonanoid.Generate(verifierAlphabet, verifierLength)
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureSubscription makes sure src has a lease that outlives the renewal
// lead time, creating one if needed. created reports whether a new lease
// was made. Superseded leases are kept.
func (m *Manager) EnsureSubscription(ctx context.Context, src *store.CalendarSource) (*store.CalendarSubscription, bool, error) {
	return m.ensure(ctx, src, m.now())
}

func (m *Manager) ensure(ctx context.Context, src *store.CalendarSource, now time.Time) (*store.CalendarSubscription, bool, error) {
	latest, err := m.store.Subscriptions.LatestForSource(ctx, src.ID)
	switch {
	case err == nil:
		if latest.ExpiresAt.After(now.Add(m.cfg.LeadTime)) {
			return latest, false, nil
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, false, fmt.Errorf("load latest subscription for source %d: %w", src.ID, err)
	}

	sub, err := m.create(ctx, src)
	if err != nil {
		return nil, false, err
	}
	return sub, true, nil
}

// Renew creates a new lease regardless of the current one.
func (m *Manager) Renew(ctx context.Context, src *store.CalendarSource) (*store.CalendarSubscription, error) {
	return m.create(ctx, src)
}

// RenewIfLatest replaces the lease subscriptionID of a source, unless that
// lease has already been superseded. renewed is false when the job was
// skipped, in which case sub is the current latest lease (if any).
func (m *Manager) RenewIfLatest(ctx context.Context, sourceID, subscriptionID int64) (sub *store.CalendarSubscription, renewed bool, err error) {
	latest, err := m.store.Subscriptions.LatestForSource(ctx, sourceID)
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("[INFO] source %d has no lease left, skipping renewal of subscription %d", sourceID, subscriptionID)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load latest subscription for source %d: %w", sourceID, err)
	}
	if latest.ID != subscriptionID {
		log.Printf("[INFO] subscription %d of source %d already superseded by %d, skipping renewal",
			subscriptionID, sourceID, latest.ID)
		return latest, false, nil
	}

	src, err := m.store.Sources.GetByID(ctx, sourceID)
	if err != nil {
		return nil, false, fmt.Errorf("load source %d: %w", sourceID, err)
	}
	if sub, err = m.create(ctx, src); err != nil {
		return nil, false, err
	}
	return sub, true, nil
}

func (m *Manager) create(ctx context.Context, src *store.CalendarSource) (*store.CalendarSubscription, error) {
	// A colliding channel id gets exactly one fresh retry.
	for attempt := 0; ; attempt++ {
		sub, err := m.createOnce(ctx, src)
		if errors.Is(err, store.ErrConflict) && attempt == 0 {
			log.Printf("[WARN] channel id collision for source %d, retrying with a new id", src.ID)
			continue
		}
		if err != nil {
			metrics.IncSubscription("failed")
			return nil, err
		}
		metrics.IncSubscription("created")
		log.Printf("[INFO] subscribed source %d: channel=%s expires=%s", src.ID, sub.Identifier, sub.ExpiresAt.Format(time.RFC3339))
		return sub, nil
	}
}

func (m *Manager) createOnce(ctx context.Context, src *store.CalendarSource) (*store.CalendarSubscription, error) {
	verifier, err := m.newVerifier()
	if err != nil {
		return nil, fmt.Errorf("generate verifier: %w", err)
	}
	req := provider.ChannelRequest{
		CalendarID: src.RemoteID,
		ChannelID:  m.newChannelID(),
		Verifier:   verifier,
		Address:    m.cfg.CallbackURL,
		TTL:        m.cfg.TTL,
	}

	var lease *provider.ChannelLease
	err = provider.Retry(ctx, m.cfg.Backoff, func(ctx context.Context) error {
		return m.guard.Do(ctx, src.CalendarProviderID, func(ctx context.Context, client provider.Client, accessToken string) error {
			l, err := client.CreatePushChannel(ctx, accessToken, req)
			if err != nil {
				return err
			}
			lease = l
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("create push channel for source %d: %w", src.ID, err)
	}

	sub := store.CalendarSubscription{
		SourceID:   src.ID,
		Identifier: lease.ChannelID,
		Verifier:   verifier,
		ExpiresAt:  lease.Expiry,
	}
	if sub.Identifier == "" {
		sub.Identifier = req.ChannelID
	}
	if sub.ExpiresAt.IsZero() {
		sub.ExpiresAt = m.now().Add(m.cfg.TTL)
	}
	if lease.ResourceID != "" {
		resourceID := lease.ResourceID
		sub.ResourceID = &resourceID
	}

	created, err := m.store.Subscriptions.Create(ctx, sub)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			m.stop(ctx, src.CalendarProviderID, sub)
		}
		return nil, fmt.Errorf("store subscription for source %d: %w", src.ID, err)
	}
	return created, nil
}

// RenewReport summarizes a RenewExpiring pass.
type RenewReport struct {
	Checked int
	Created []int64
	Failed  map[int64]error
}

// RenewExpiring ensures a fresh lease for every source whose latest lease
// expires within the lead time of now, and for sources with no lease.
// Per-source failures are collected in the report.
func (m *Manager) RenewExpiring(ctx context.Context, now time.Time) (*RenewReport, error) {
	sources, err := m.store.Subscriptions.ListRenewalCandidates(ctx, now.Add(m.cfg.LeadTime))
	if err != nil {
		return nil, fmt.Errorf("list renewal candidates: %w", err)
	}

	created := make([]bool, len(sources))
	errs := make([]error, len(sources))

	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)
	for i := range sources {
		i := i
		g.Go(func() error {
			_, created[i], errs[i] = m.ensure(ctx, &sources[i], now)
			return nil
		})
	}
	_ = g.Wait()

	report := &RenewReport{Checked: len(sources), Failed: map[int64]error{}}
	for i, src := range sources {
		switch {
		case errs[i] != nil:
			log.Printf("[ERROR] renew subscription for source %d: %v", src.ID, errs[i])
			report.Failed[src.ID] = errs[i]
		case created[i]:
			report.Created = append(report.Created, src.ID)
		}
	}
	return report, nil
}

// Validation is an authenticated notification's lease and source.
type Validation struct {
	Source       store.CalendarSource
	Subscription store.CalendarSubscription
	// Latest reports whether the lease is the newest for its source.
	Latest bool
}

// Validate authenticates a notification by channel id and token. The lease
// and its source are read in one query.
func (m *Manager) Validate(ctx context.Context, channelID, token string) (*Validation, error) {
	match, err := m.store.Subscriptions.FindByIdentifier(ctx, channelID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownChannel
	}
	if err != nil {
		return nil, fmt.Errorf("look up channel: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(match.Subscription.Verifier), []byte(token)) != 1 {
		return nil, ErrInvalidChannelToken
	}
	if m.cfg.ExpiredGrace > 0 && m.now().After(match.Subscription.ExpiresAt.Add(m.cfg.ExpiredGrace)) {
		return nil, ErrChannelExpired
	}
	return &Validation{Source: match.Source, Subscription: match.Subscription, Latest: match.Latest}, nil
}

// StopAll asks the provider to stop every unexpired lease of src. Failures
// are logged and skipped; it returns how many were stopped.
func (m *Manager) StopAll(ctx context.Context, src *store.CalendarSource) (int, error) {
	active, err := m.store.Subscriptions.ListActiveForSource(ctx, src.ID, m.now())
	if err != nil {
		return 0, fmt.Errorf("list active subscriptions for source %d: %w", src.ID, err)
	}
	stopped := 0
	for _, sub := range active {
		if m.stop(ctx, src.CalendarProviderID, sub) {
			stopped++
		}
	}
	return stopped, nil
}

func (m *Manager) stop(ctx context.Context, providerID int64, sub store.CalendarSubscription) bool {
	resourceID := ""
	if sub.ResourceID != nil {
		resourceID = *sub.ResourceID
	}
	err := m.guard.Do(ctx, providerID, func(ctx context.Context, client provider.Client, accessToken string) error {
		return client.StopPushChannel(ctx, accessToken, sub.Identifier, resourceID)
	})
	if err != nil {
		log.Printf("[WARN] stop channel %s: %v", sub.Identifier, err)
		return false
	}
	metrics.IncSubscription("stopped")
	return true
}

// PruneExpired deletes leases that expired before the given time, keeping
// each source's latest lease.
func (m *Manager) PruneExpired(ctx context.Context, before time.Time) (int64, error) {
	n, err := m.store.Subscriptions.DeleteExpired(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("prune subscriptions: %w", err)
	}
	if n > 0 {
		log.Printf("[INFO] pruned %d expired subscriptions", n)
	}
	return n, nil
}

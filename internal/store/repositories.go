package store

import (
	"context"
	"time"
)

// ProviderRepository persists provider accounts and their tokens.
type ProviderRepository interface {
	GetByID(ctx context.Context, id int64) (*CalendarProvider, error)
	UpdateToken(ctx context.Context, id int64, accessToken, refreshToken string, expiry time.Time) error
	MarkNeedsReauth(ctx context.Context, id int64) error
}

// SourceRepository manages linked calendars and their sync bookkeeping.
type SourceRepository interface {
	GetByID(ctx context.Context, id int64) (*CalendarSource, error)
	ListByProvider(ctx context.Context, providerID int64) ([]CalendarSource, error)
	ListAll(ctx context.Context) ([]CalendarSource, error)
	Create(ctx context.Context, src CalendarSource) (*CalendarSource, error)
	Delete(ctx context.Context, id int64) error
	MarkSyncing(ctx context.Context, id int64) error
	MarkSyncFailed(ctx context.Context, id int64, reason string) error
	// ResetSync clears the sync token and every item of the source in one
	// transaction.
	ResetSync(ctx context.Context, id int64) error
}

// ItemRepository stores mirrored events.
type ItemRepository interface {
	CommitDelta(ctx context.Context, c Commit) error
	ListForSource(ctx context.Context, sourceID int64) ([]CalendarItem, error)
	GetByRemoteID(ctx context.Context, sourceID int64, remoteID string) (*CalendarItem, error)
}

// SubscriptionRepository stores push notification leases.
type SubscriptionRepository interface {
	Create(ctx context.Context, sub CalendarSubscription) (*CalendarSubscription, error)
	LatestForSource(ctx context.Context, sourceID int64) (*CalendarSubscription, error)
	FindByIdentifier(ctx context.Context, identifier string) (*ChannelMatch, error)
	// ListRenewalCandidates returns sources whose latest lease expires at or
	// before cutoff, and sources with no lease at all.
	ListRenewalCandidates(ctx context.Context, cutoff time.Time) ([]CalendarSource, error)
	ListActiveForSource(ctx context.Context, sourceID int64, now time.Time) ([]CalendarSubscription, error)
	// DeleteExpired removes leases that expired before the given time and are
	// not the latest lease of their source.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// ClaimRepository holds expiring exclusive claims on keys. TryClaim takes key
// for token when it is free or its previous claim has expired.
type ClaimRepository interface {
	TryClaim(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) error
}

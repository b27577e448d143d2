// Package storetest provides an in-memory implementation of the store
// repositories for tests.
package storetest

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"gitea.jw6.us/james/calsync/internal/store"
)

// DB is a process-local stand-in for PostgreSQL. It honours the same
// uniqueness and atomicity rules as the SQL schema.
type DB struct {
	mu sync.Mutex

	nextID    int64
	providers map[int64]*store.CalendarProvider
	sources   map[int64]*store.CalendarSource
	subs      []*store.CalendarSubscription
	items     map[int64]map[string]*store.CalendarItem
	claims    map[string]heldClaim

	// Now stamps claim expiry; it defaults to time.Now.
	Now func() time.Time

	// CommitErr, when set, makes CommitDelta fail without writing.
	CommitErr error
	Commits   int
	Resets    int
}

func New() *DB {
	return &DB{
		providers: map[int64]*store.CalendarProvider{},
		sources:   map[int64]*store.CalendarSource{},
		items:     map[int64]map[string]*store.CalendarItem{},
		claims:    map[string]heldClaim{},
		Now:       time.Now,
	}
}

// Store exposes the fake through the same aggregate the services use.
func (db *DB) Store() *store.Store {
	return &store.Store{
		Providers:     &providerRepo{db: db},
		Sources:       &sourceRepo{db: db},
		Items:         &itemRepo{db: db},
		Subscriptions: &subscriptionRepo{db: db},
		Claims:        &claimRepo{db: db},
	}
}

func (db *DB) id() int64 {
	db.nextID++
	return db.nextID
}

func (db *DB) AddProvider(p store.CalendarProvider) *store.CalendarProvider {
	db.mu.Lock()
	defer db.mu.Unlock()
	p.ID = db.id()
	if p.Kind == "" {
		p.Kind = store.ProviderGoogle
	}
	db.providers[p.ID] = &p
	out := p
	return &out
}

func (db *DB) AddSource(s store.CalendarSource) *store.CalendarSource {
	db.mu.Lock()
	defer db.mu.Unlock()
	s.ID = db.id()
	if s.SyncState == "" {
		s.SyncState = store.SyncStateNeverSynced
	}
	db.sources[s.ID] = &s
	out := s
	return &out
}

func (db *DB) AddSubscription(sub store.CalendarSubscription) *store.CalendarSubscription {
	db.mu.Lock()
	defer db.mu.Unlock()
	sub.ID = db.id()
	db.subs = append(db.subs, &sub)
	out := sub
	return &out
}

func (db *DB) Provider(id int64) store.CalendarProvider {
	db.mu.Lock()
	defer db.mu.Unlock()
	return *db.providers[id]
}

func (db *DB) Source(id int64) store.CalendarSource {
	db.mu.Lock()
	defer db.mu.Unlock()
	return *db.sources[id]
}

// Items returns the items of a source ordered by remote id.
func (db *DB) Items(sourceID int64) []store.CalendarItem {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []store.CalendarItem
	for _, item := range db.items[sourceID] {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out
}

// Subscriptions returns every lease of a source in insertion order.
func (db *DB) Subscriptions(sourceID int64) []store.CalendarSubscription {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []store.CalendarSubscription
	for _, sub := range db.subs {
		if sub.SourceID == sourceID {
			out = append(out, *sub)
		}
	}
	return out
}

// latestLocked returns the lease with the latest expiry for a source.
func (db *DB) latestLocked(sourceID int64) *store.CalendarSubscription {
	var latest *store.CalendarSubscription
	for _, sub := range db.subs {
		if sub.SourceID != sourceID {
			continue
		}
		if latest == nil || supersedes(sub, latest) {
			latest = sub
		}
	}
	return latest
}

func supersedes(a, b *store.CalendarSubscription) bool {
	return a.ExpiresAt.After(b.ExpiresAt) || (a.ExpiresAt.Equal(b.ExpiresAt) && a.ID > b.ID)
}

type providerRepo struct{ db *DB }

func (r *providerRepo) GetByID(ctx context.Context, id int64) (*store.CalendarProvider, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	p, ok := r.db.providers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *p
	return &out, nil
}

func (r *providerRepo) UpdateToken(ctx context.Context, id int64, accessToken, refreshToken string, expiry time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	p, ok := r.db.providers[id]
	if !ok {
		return store.ErrNotFound
	}
	p.AccessToken, p.RefreshToken, p.TokenExpiry, p.NeedsReauth = accessToken, refreshToken, expiry, false
	return nil
}

func (r *providerRepo) MarkNeedsReauth(ctx context.Context, id int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	p, ok := r.db.providers[id]
	if !ok {
		return store.ErrNotFound
	}
	p.NeedsReauth = true
	return nil
}

type sourceRepo struct{ db *DB }

func (r *sourceRepo) GetByID(ctx context.Context, id int64) (*store.CalendarSource, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s, ok := r.db.sources[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *s
	return &out, nil
}

func (r *sourceRepo) list(match func(*store.CalendarSource) bool) []store.CalendarSource {
	var out []store.CalendarSource
	for _, s := range r.db.sources {
		if match(s) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *sourceRepo) ListByProvider(ctx context.Context, providerID int64) ([]store.CalendarSource, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return r.list(func(s *store.CalendarSource) bool { return s.CalendarProviderID == providerID }), nil
}

func (r *sourceRepo) ListAll(ctx context.Context) ([]store.CalendarSource, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return r.list(func(*store.CalendarSource) bool { return true }), nil
}

func (r *sourceRepo) Create(ctx context.Context, src store.CalendarSource) (*store.CalendarSource, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, s := range r.db.sources {
		if s.CalendarProviderID == src.CalendarProviderID && s.RemoteID == src.RemoteID {
			return nil, store.ErrConflict
		}
	}
	src.ID = r.db.id()
	src.SyncState = store.SyncStateNeverSynced
	src.SyncToken, src.LastSync, src.LastError = nil, nil, nil
	r.db.sources[src.ID] = &src
	out := src
	return &out, nil
}

func (r *sourceRepo) Delete(ctx context.Context, id int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.sources[id]; !ok {
		return store.ErrNotFound
	}
	delete(r.db.sources, id)
	delete(r.db.items, id)
	r.db.subs = slices.DeleteFunc(r.db.subs, func(s *store.CalendarSubscription) bool { return s.SourceID == id })
	return nil
}

func (r *sourceRepo) MarkSyncing(ctx context.Context, id int64) error {
	return r.setState(id, store.SyncStateSyncing, nil)
}

func (r *sourceRepo) MarkSyncFailed(ctx context.Context, id int64, reason string) error {
	return r.setState(id, store.SyncStateFailed, &reason)
}

func (r *sourceRepo) setState(id int64, state store.SyncState, reason *string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s, ok := r.db.sources[id]
	if !ok {
		return store.ErrNotFound
	}
	s.SyncState, s.LastError = state, reason
	return nil
}

func (r *sourceRepo) ResetSync(ctx context.Context, id int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s, ok := r.db.sources[id]
	if !ok {
		return store.ErrNotFound
	}
	s.SyncToken = nil
	delete(r.db.items, id)
	r.db.Resets++
	return nil
}

type itemRepo struct{ db *DB }

func (r *itemRepo) CommitDelta(ctx context.Context, c store.Commit) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.db.CommitErr != nil {
		return r.db.CommitErr
	}
	src, ok := r.db.sources[c.SourceID]
	if !ok {
		return store.ErrNotFound
	}

	bucket := r.db.items[c.SourceID]
	if bucket == nil {
		bucket = map[string]*store.CalendarItem{}
		r.db.items[c.SourceID] = bucket
	}
	for _, item := range c.Upserts {
		item := item
		item.SourceID = c.SourceID
		if existing, ok := bucket[item.RemoteID]; ok {
			item.ID, item.CreatedAt = existing.ID, existing.CreatedAt
		} else {
			item.ID, item.CreatedAt = r.db.id(), c.SyncedAt
		}
		item.UpdatedAt = c.SyncedAt
		bucket[item.RemoteID] = &item
	}
	for _, remoteID := range c.Deletes {
		delete(bucket, remoteID)
	}

	if c.NextSyncToken == "" {
		src.SyncToken = nil
	} else {
		tok := c.NextSyncToken
		src.SyncToken = &tok
	}
	synced := c.SyncedAt
	src.LastSync = &synced
	src.SyncState = store.SyncStateSynced
	src.LastError = nil
	r.db.Commits++
	return nil
}

func (r *itemRepo) ListForSource(ctx context.Context, sourceID int64) ([]store.CalendarItem, error) {
	return r.db.Items(sourceID), nil
}

func (r *itemRepo) GetByRemoteID(ctx context.Context, sourceID int64, remoteID string) (*store.CalendarItem, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	item, ok := r.db.items[sourceID][remoteID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *item
	return &out, nil
}

type subscriptionRepo struct{ db *DB }

func (r *subscriptionRepo) Create(ctx context.Context, sub store.CalendarSubscription) (*store.CalendarSubscription, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.sources[sub.SourceID]; !ok {
		return nil, store.ErrNotFound
	}
	for _, existing := range r.db.subs {
		if existing.Identifier == sub.Identifier {
			return nil, store.ErrConflict
		}
	}
	sub.ID = r.db.id()
	r.db.subs = append(r.db.subs, &sub)
	out := sub
	return &out, nil
}

func (r *subscriptionRepo) LatestForSource(ctx context.Context, sourceID int64) (*store.CalendarSubscription, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	latest := r.db.latestLocked(sourceID)
	if latest == nil {
		return nil, store.ErrNotFound
	}
	out := *latest
	return &out, nil
}

func (r *subscriptionRepo) FindByIdentifier(ctx context.Context, identifier string) (*store.ChannelMatch, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, sub := range r.db.subs {
		if sub.Identifier != identifier {
			continue
		}
		src, ok := r.db.sources[sub.SourceID]
		if !ok {
			return nil, store.ErrNotFound
		}
		return &store.ChannelMatch{
			Subscription: *sub,
			Source:       *src,
			Latest:       r.db.latestLocked(sub.SourceID) == sub,
		}, nil
	}
	return nil, store.ErrNotFound
}

func (r *subscriptionRepo) ListRenewalCandidates(ctx context.Context, cutoff time.Time) ([]store.CalendarSource, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []store.CalendarSource
	for _, src := range r.db.sources {
		if p, ok := r.db.providers[src.CalendarProviderID]; ok && p.NeedsReauth {
			continue
		}
		latest := r.db.latestLocked(src.ID)
		if latest == nil || !latest.ExpiresAt.After(cutoff) {
			out = append(out, *src)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *subscriptionRepo) ListActiveForSource(ctx context.Context, sourceID int64, now time.Time) ([]store.CalendarSubscription, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []store.CalendarSubscription
	for _, sub := range r.db.subs {
		if sub.SourceID == sourceID && sub.ExpiresAt.After(now) {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return supersedes(&out[i], &out[j]) })
	return out, nil
}

func (r *subscriptionRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	latest := map[int64]*store.CalendarSubscription{}
	for _, sub := range r.db.subs {
		if _, ok := latest[sub.SourceID]; !ok {
			latest[sub.SourceID] = r.db.latestLocked(sub.SourceID)
		}
	}
	var removed int64
	r.db.subs = slices.DeleteFunc(r.db.subs, func(sub *store.CalendarSubscription) bool {
		if sub.ExpiresAt.Before(before) && latest[sub.SourceID] != sub {
			removed++
			return true
		}
		return false
	})
	return removed, nil
}

type heldClaim struct {
	token   string
	expires time.Time
}

type claimRepo struct{ db *DB }

func (r *claimRepo) TryClaim(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	now := r.db.Now()
	if c, ok := r.db.claims[key]; ok && now.Before(c.expires) {
		return false, nil
	}
	r.db.claims[key] = heldClaim{token: token, expires: now.Add(ttl)}
	return true, nil
}

func (r *claimRepo) Release(ctx context.Context, key, token string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if c, ok := r.db.claims[key]; ok && c.token == token {
		delete(r.db.claims, key)
	}
	return nil
}

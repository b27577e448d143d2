// Package providertest provides a scriptable provider.Client for tests.
package providertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gitea.jw6.us/james/calsync/internal/provider"
	"gitea.jw6.us/james/calsync/internal/store"
)

// Fake records every call. Unset hooks fall back to simple successful
// behaviour.
type Fake struct {
	mu sync.Mutex

	Now       func() time.Time
	Calendars []provider.CalendarSummary

	DeltaFunc   func(ctx context.Context, accessToken, calendarID, syncToken string) (*provider.DeltaPage, error)
	ChannelFunc func(ctx context.Context, accessToken string, req provider.ChannelRequest) (*provider.ChannelLease, error)
	RefreshFunc func(ctx context.Context, refreshToken string) (*provider.Token, error)
	StopErr     error

	DeltaCalls   int
	RefreshCalls int
	SyncTokens   []string
	AccessTokens []string
	Channels     []provider.ChannelRequest
	Stopped      []string
}

func (f *Fake) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func (f *Fake) Kind() store.ProviderKind { return store.ProviderGoogle }

func (f *Fake) ListCalendars(ctx context.Context, accessToken string) ([]provider.CalendarSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AccessTokens = append(f.AccessTokens, accessToken)
	return append([]provider.CalendarSummary(nil), f.Calendars...), nil
}

func (f *Fake) ListEventDeltas(ctx context.Context, accessToken, calendarID, syncToken string) (*provider.DeltaPage, error) {
	f.mu.Lock()
	f.DeltaCalls++
	f.SyncTokens = append(f.SyncTokens, syncToken)
	f.AccessTokens = append(f.AccessTokens, accessToken)
	fn := f.DeltaFunc
	f.mu.Unlock()

	if fn == nil {
		return &provider.DeltaPage{NextSyncToken: "next"}, nil
	}
	return fn(ctx, accessToken, calendarID, syncToken)
}

func (f *Fake) CreatePushChannel(ctx context.Context, accessToken string, req provider.ChannelRequest) (*provider.ChannelLease, error) {
	f.mu.Lock()
	f.Channels = append(f.Channels, req)
	f.AccessTokens = append(f.AccessTokens, accessToken)
	fn := f.ChannelFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, accessToken, req)
	}
	return &provider.ChannelLease{
		ChannelID:  req.ChannelID,
		ResourceID: "res-" + req.ChannelID,
		Expiry:     f.now().Add(req.TTL),
	}, nil
}

func (f *Fake) StopPushChannel(ctx context.Context, accessToken, channelID, resourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Stopped = append(f.Stopped, channelID)
	return f.StopErr
}

func (f *Fake) RefreshToken(ctx context.Context, refreshToken string) (*provider.Token, error) {
	f.mu.Lock()
	f.RefreshCalls++
	n := f.RefreshCalls
	fn := f.RefreshFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, refreshToken)
	}
	return &provider.Token{
		AccessToken: fmt.Sprintf("refreshed-%d", n),
		Expiry:      f.now().Add(time.Hour),
	}, nil
}

// ChannelCount reports how many push channels were requested.
func (f *Fake) ChannelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Channels)
}

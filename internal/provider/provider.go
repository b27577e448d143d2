// Package provider defines the read-only contract calsync needs from an
// external calendar provider, plus the error taxonomy and retry policy
// shared by every adapter.
package provider

import (
	"context"
	"fmt"
	"time"

	"gitea.jw6.us/james/calsync/internal/store"
)

// Client talks to one provider kind. Every method takes the access token
// to use; token lifecycle is handled by the caller.
type Client interface {
	Kind() store.ProviderKind
	ListCalendars(ctx context.Context, accessToken string) ([]CalendarSummary, error)
	// ListEventDeltas returns every change since syncToken, following
	// pagination internally. An empty syncToken requests a full listing.
	ListEventDeltas(ctx context.Context, accessToken, calendarID, syncToken string) (*DeltaPage, error)
	CreatePushChannel(ctx context.Context, accessToken string, req ChannelRequest) (*ChannelLease, error)
	StopPushChannel(ctx context.Context, accessToken, channelID, resourceID string) error
	RefreshToken(ctx context.Context, refreshToken string) (*Token, error)
}

// CalendarSummary describes a remote calendar the account can read.
type CalendarSummary struct {
	ID         string
	Name       string
	Color      string
	Primary    bool
	AccessRole string
}

// EventTime is the provider's raw representation: Date is set for all-day
// events ("2006-01-02"), DateTime for timed ones (RFC 3339).
type EventTime struct {
	Date     string
	DateTime string
	TimeZone string
}

type EventDelta struct {
	ID       string
	Removed  bool
	Title    string
	Start    EventTime
	End      EventTime
	HTMLLink string
}

type DeltaPage struct {
	Events        []EventDelta
	NextSyncToken string
}

// ChannelRequest asks the provider to push change notifications for a
// calendar to Address. Verifier is echoed back on every notification.
type ChannelRequest struct {
	CalendarID string
	ChannelID  string
	Verifier   string
	Address    string
	TTL        time.Duration
}

type ChannelLease struct {
	ChannelID  string
	ResourceID string
	Expiry     time.Time
}

type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Registry maps provider kinds to their clients.
type Registry struct {
	clients map[store.ProviderKind]Client
}

func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[store.ProviderKind]Client, len(clients))}
	for _, c := range clients {
		r.clients[c.Kind()] = c
	}
	return r
}

func (r *Registry) Get(kind store.ProviderKind) (Client, error) {
	c, ok := r.clients[kind]
	if !ok {
		return nil, fmt.Errorf("no client registered for provider %q", kind)
	}
	return c, nil
}

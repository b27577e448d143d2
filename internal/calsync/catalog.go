package calsync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gitea.jw6.us/james/calsync/internal/provider"
	"gitea.jw6.us/james/calsync/internal/store"
	"gitea.jw6.us/james/calsync/internal/tokens"
)

// ErrCalendarNotFound is returned when linking a calendar the account
// cannot see.
var ErrCalendarNotFound = errors.New("calendar not found on provider")

// RemoteCalendar is a provider calendar and the local source mirroring it,
// if any.
type RemoteCalendar struct {
	provider.CalendarSummary
	SourceID int64
}

func (r RemoteCalendar) Linked() bool { return r.SourceID != 0 }

// Catalog lists and links provider calendars.
type Catalog struct {
	store *store.Store
	guard *tokens.Guard
}

func NewCatalog(st *store.Store, guard *tokens.Guard) *Catalog {
	return &Catalog{store: st, guard: guard}
}

func (c *Catalog) RemoteCalendars(ctx context.Context, providerID int64) ([]RemoteCalendar, error) {
	var summaries []provider.CalendarSummary
	err := c.guard.Do(ctx, providerID, func(ctx context.Context, client provider.Client, accessToken string) error {
		var err error
		summaries, err = client.ListCalendars(ctx, accessToken)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list calendars for provider %d: %w", providerID, err)
	}

	linked, err := c.store.Sources.ListByProvider(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("list sources for provider %d: %w", providerID, err)
	}
	byRemote := make(map[string]int64, len(linked))
	for _, src := range linked {
		byRemote[src.RemoteID] = src.ID
	}

	result := make([]RemoteCalendar, 0, len(summaries))
	for _, s := range summaries {
		result = append(result, RemoteCalendar{CalendarSummary: s, SourceID: byRemote[s.ID]})
	}
	return result, nil
}

// Link creates a source for a remote calendar. Linking an already linked
// calendar returns store.ErrConflict.
func (c *Catalog) Link(ctx context.Context, providerID int64, calendarID string) (*store.CalendarSource, error) {
	calendars, err := c.RemoteCalendars(ctx, providerID)
	if err != nil {
		return nil, err
	}
	for _, cal := range calendars {
		if cal.ID != calendarID {
			continue
		}
		src, err := c.store.Sources.Create(ctx, store.CalendarSource{
			CalendarProviderID: providerID,
			RemoteID:           cal.ID,
			Name:               cal.Name,
			Color:              normalizeColor(cal.Color),
		})
		if err != nil {
			return nil, fmt.Errorf("link calendar %s: %w", calendarID, err)
		}
		return src, nil
	}
	return nil, fmt.Errorf("%s: %w", calendarID, ErrCalendarNotFound)
}

// normalizeColor stores "#a1b2c3" as "a1b2c3". Anything else is dropped.
func normalizeColor(color string) *string {
	hex := strings.ToLower(strings.TrimPrefix(color, "#"))
	if len(hex) != 6 {
		return nil
	}
	for _, r := range hex {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return nil
		}
	}
	return &hex
}

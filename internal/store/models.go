package store

import "time"

// ProviderKind names an external calendar provider.
type ProviderKind string

const ProviderGoogle ProviderKind = "google"

// SyncState tracks the lifecycle of a calendar source's synchronization.
type SyncState string

const (
	SyncStateNeverSynced SyncState = "never_synced"
	SyncStateSyncing     SyncState = "syncing"
	SyncStateSynced      SyncState = "synced"
	SyncStateFailed      SyncState = "sync_failed"
)

// CalendarProvider is a linked provider account with its OAuth credentials.
type CalendarProvider struct {
	ID           int64
	UserID       int64
	Kind         ProviderKind
	Identifier   string
	AccessToken  string
	RefreshToken string
	TokenExpiry  time.Time
	NeedsReauth  bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CalendarSource is one remote calendar mirrored locally.
type CalendarSource struct {
	ID                 int64
	CalendarProviderID int64
	RemoteID           string
	Name               string
	Color              *string
	LastSync           *time.Time
	SyncToken          *string
	SyncState          SyncState
	LastError          *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CurrentSyncToken returns the stored sync token or "" for a full sync.
func (s CalendarSource) CurrentSyncToken() string {
	if s.SyncToken == nil {
		return ""
	}
	return *s.SyncToken
}

// CalendarSubscription is one push notification lease. Rows are never
// updated; renewal inserts a new row.
type CalendarSubscription struct {
	ID         int64
	SourceID   int64
	Identifier string
	Verifier   string
	ResourceID *string
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// EventTime is either a calendar date (all-day) or an instant. Exactly one
// of Date and Instant is set.
type EventTime struct {
	Date    *time.Time
	Instant *time.Time
}

// DateOf builds an all-day EventTime at midnight UTC.
func DateOf(year int, month time.Month, day int) EventTime {
	d := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return EventTime{Date: &d}
}

// InstantOf builds an EventTime for a point in time, normalized to UTC.
func InstantOf(t time.Time) EventTime {
	u := t.UTC()
	return EventTime{Instant: &u}
}

func (t EventTime) Valid() bool {
	return (t.Date == nil) != (t.Instant == nil)
}

func (t EventTime) AllDay() bool {
	return t.Date != nil && t.Instant == nil
}

// CalendarItem is the local mirror of a remote event.
type CalendarItem struct {
	ID        int64
	SourceID  int64
	RemoteID  string
	Title     string
	Start     EventTime
	End       EventTime
	AllDay    bool
	HTMLLink  *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Commit is everything a successful sync writes for one source. It is
// applied atomically.
type Commit struct {
	SourceID      int64
	Upserts       []CalendarItem
	Deletes       []string
	NextSyncToken string
	SyncedAt      time.Time
}

// ChannelMatch is a subscription joined with its owning source, read in a
// single query. Latest reports whether no newer lease exists for the source.
type ChannelMatch struct {
	Subscription CalendarSubscription
	Source       CalendarSource
	Latest       bool
}

package webhook

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gitea.jw6.us/james/calsync/internal/provider"
	"gitea.jw6.us/james/calsync/internal/provider/providertest"
	"gitea.jw6.us/james/calsync/internal/store"
	"gitea.jw6.us/james/calsync/internal/store/storetest"
	"gitea.jw6.us/james/calsync/internal/subscription"
	"gitea.jw6.us/james/calsync/internal/tokens"
)

var stored = time.Date(2024, 3, 8, 12, 0, 0, 0, time.UTC)

type fakeValidator struct {
	validation *subscription.Validation
	err        error
}

func (f *fakeValidator) Validate(ctx context.Context, channelID, token string) (*subscription.Validation, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.validation, nil
}

type fakeDispatcher struct {
	syncs    []int64
	renewals [][2]int64
	err      error
}

func (f *fakeDispatcher) DispatchSync(ctx context.Context, sourceID int64) error {
	f.syncs = append(f.syncs, sourceID)
	return f.err
}

func (f *fakeDispatcher) DispatchRenewal(ctx context.Context, sourceID, subscriptionID int64) error {
	f.renewals = append(f.renewals, [2]int64{sourceID, subscriptionID})
	return f.err
}

func validation(latest bool) *subscription.Validation {
	return &subscription.Validation{
		Source:       store.CalendarSource{ID: 9},
		Subscription: store.CalendarSubscription{ID: 3, SourceID: 9, Identifier: "chan", ExpiresAt: stored},
		Latest:       latest,
	}
}

func TestHandler(t *testing.T) {
	testCases := []struct {
		name         string
		headers      HeaderSet
		reqHeaders   map[string]string
		validator    *fakeValidator
		dispatchErr  error
		wantStatus   int
		wantSyncs    int
		wantRenewals int
	}{
		{
			name:       "google change notification",
			headers:    GoogleHeaders,
			reqHeaders: map[string]string{"X-Goog-Channel-ID": "chan", "X-Goog-Channel-Token": "tok", "X-Goog-Resource-State": "exists"},
			validator:  &fakeValidator{validation: validation(true)},
			wantStatus: http.StatusOK,
			wantSyncs:  1,
		},
		{
			name:       "google handshake",
			headers:    GoogleHeaders,
			reqHeaders: map[string]string{"X-Goog-Channel-ID": "chan", "X-Goog-Channel-Token": "tok", "X-Goog-Resource-State": "sync"},
			validator:  &fakeValidator{validation: validation(true)},
			wantStatus: http.StatusOK,
		},
		{
			name:       "generic headers",
			headers:    GenericHeaders,
			reqHeaders: map[string]string{"Channel-Id": "chan", "Channel-Token": "tok", "Channel-Expiration": "2024-03-08T12:00:00Z"},
			validator:  &fakeValidator{validation: validation(true)},
			wantStatus: http.StatusOK,
			wantSyncs:  1,
		},
		{
			name:       "missing token",
			headers:    GoogleHeaders,
			reqHeaders: map[string]string{"X-Goog-Channel-ID": "chan"},
			validator:  &fakeValidator{validation: validation(true)},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing channel id",
			headers:    GenericHeaders,
			reqHeaders: map[string]string{"Channel-Token": "tok", "Channel-Expiration": "2024-03-08T12:00:00Z"},
			validator:  &fakeValidator{validation: validation(true)},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing expiration",
			headers:    GenericHeaders,
			reqHeaders: map[string]string{"Channel-Id": "chan", "Channel-Token": "tok"},
			validator:  &fakeValidator{validation: validation(true)},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "google expiration is optional",
			headers:    GoogleHeaders,
			reqHeaders: map[string]string{"X-Goog-Channel-ID": "chan", "X-Goog-Channel-Token": "tok", "X-Goog-Resource-State": "exists"},
			validator:  &fakeValidator{validation: validation(true)},
			wantStatus: http.StatusOK,
			wantSyncs:  1,
		},
		{
			name:       "store failure",
			headers:    GenericHeaders,
			reqHeaders: map[string]string{"Channel-Id": "chan", "Channel-Token": "tok", "Channel-Expiration": "2024-03-08T12:00:00Z"},
			validator:  &fakeValidator{err: errors.New("connection reset")},
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:        "dispatch failure still acknowledged",
			headers:     GenericHeaders,
			reqHeaders:  map[string]string{"Channel-Id": "chan", "Channel-Token": "tok", "Channel-Expiration": "2024-03-08T12:00:00Z"},
			validator:   &fakeValidator{validation: validation(true)},
			dispatchErr: errors.New("queue full"),
			wantStatus:  http.StatusOK,
			wantSyncs:   1,
		},
		{
			name:         "earlier expiration schedules renewal",
			headers:      GoogleHeaders,
			reqHeaders:   map[string]string{"X-Goog-Channel-ID": "chan", "X-Goog-Channel-Token": "tok", "X-Goog-Resource-State": "exists", "X-Goog-Channel-Expiration": "Thu, 07 Mar 2024 12:00:00 GMT"},
			validator:    &fakeValidator{validation: validation(true)},
			wantStatus:   http.StatusOK,
			wantSyncs:    1,
			wantRenewals: 1,
		},
		{
			name:       "earlier expiration on superseded lease",
			headers:    GoogleHeaders,
			reqHeaders: map[string]string{"X-Goog-Channel-ID": "chan", "X-Goog-Channel-Token": "tok", "X-Goog-Resource-State": "exists", "X-Goog-Channel-Expiration": "Thu, 07 Mar 2024 12:00:00 GMT"},
			validator:  &fakeValidator{validation: validation(false)},
			wantStatus: http.StatusOK,
			wantSyncs:  1,
		},
		{
			name:       "expiration within tolerance",
			headers:    GenericHeaders,
			reqHeaders: map[string]string{"Channel-Id": "chan", "Channel-Token": "tok", "Channel-Expiration": "2024-03-08T11:59:30Z"},
			validator:  &fakeValidator{validation: validation(true)},
			wantStatus: http.StatusOK,
			wantSyncs:  1,
		},
		{
			name:         "plain timestamp expiration",
			headers:      GenericHeaders,
			reqHeaders:   map[string]string{"Channel-Id": "chan", "Channel-Token": "tok", "Channel-Expiration": "2024-03-08 10:00:00"},
			validator:    &fakeValidator{validation: validation(true)},
			wantStatus:   http.StatusOK,
			wantSyncs:    1,
			wantRenewals: 1,
		},
		{
			name:       "unparseable expiration ignored",
			headers:    GenericHeaders,
			reqHeaders: map[string]string{"Channel-Id": "chan", "Channel-Token": "tok", "Channel-Expiration": "soon"},
			validator:  &fakeValidator{validation: validation(true)},
			wantStatus: http.StatusOK,
			wantSyncs:  1,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := &fakeDispatcher{err: tc.dispatchErr}
			h := NewHandler(tc.headers, tc.validator, d)

			req := httptest.NewRequest(http.MethodPost, "/webhooks/calendar", nil)
			for k, v := range tc.reqHeaders {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if len(d.syncs) != tc.wantSyncs {
				t.Errorf("sync dispatches = %d, want %d", len(d.syncs), tc.wantSyncs)
			}
			if len(d.renewals) != tc.wantRenewals {
				t.Errorf("renewal dispatches = %d, want %d", len(d.renewals), tc.wantRenewals)
			}
			for _, got := range d.renewals {
				if got != [2]int64{9, 3} {
					t.Errorf("renewal = %v, want source 9 subscription 3", got)
				}
			}
		})
	}
}

func TestHandlerRejectsUniformly(t *testing.T) {
	db := storetest.New()
	p := db.AddProvider(store.CalendarProvider{AccessToken: "a", TokenExpiry: stored.Add(time.Hour)})
	src := db.AddSource(store.CalendarSource{CalendarProviderID: p.ID, RemoteID: "primary"})
	db.AddSubscription(store.CalendarSubscription{SourceID: src.ID, Identifier: "known", Verifier: "secret", ExpiresAt: stored})

	clock := func() time.Time { return stored.Add(-time.Hour) }
	guard := tokens.NewGuard(db.Store().Providers, provider.NewRegistry(&providertest.Fake{Now: clock}), tokens.WithClock(clock))
	mgr := subscription.New(db.Store(), guard, subscription.Config{}, subscription.WithClock(clock))

	d := &fakeDispatcher{}
	h := NewHandler(GenericHeaders, mgr, d)

	bodies := map[string]string{}
	for name, headers := range map[string][2]string{
		"unknown channel": {"missing", "secret"},
		"wrong token":     {"known", "guess"},
	} {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/calendar", nil)
		req.Header.Set("Channel-Id", headers[0])
		req.Header.Set("Channel-Token", headers[1])
		req.Header.Set("Channel-Expiration", stored.Format(time.RFC3339))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, rec.Code)
		}
		bodies[name] = rec.Body.String()
	}

	if bodies["unknown channel"] != bodies["wrong token"] {
		t.Errorf("responses differ: %q vs %q", bodies["unknown channel"], bodies["wrong token"])
	}
	if len(d.syncs) != 0 {
		t.Errorf("sync dispatches = %d, want 0", len(d.syncs))
	}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/calendar", nil)
	req.Header.Set("Channel-Id", "known")
	req.Header.Set("Channel-Token", "secret")
	req.Header.Set("Channel-Expiration", stored.Format(time.RFC3339))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || len(d.syncs) != 1 || d.syncs[0] != src.ID {
		t.Errorf("valid notification: status=%d syncs=%v", rec.Code, d.syncs)
	}
}

func TestParseExpiration(t *testing.T) {
	want := time.Date(2024, 3, 8, 12, 0, 0, 0, time.UTC)
	for _, v := range []string{"Fri, 08 Mar 2024 12:00:00 UTC", "2024-03-08T12:00:00Z", "2024-03-08 12:00:00"} {
		got, ok := parseExpiration(v)
		if !ok || !got.Equal(want) {
			t.Errorf("parseExpiration(%q) = %s, %v", v, got, ok)
		}
	}
	if _, ok := parseExpiration(""); ok {
		t.Error("empty expiration parsed")
	}
}

package google

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitea.jw6.us/james/calsync/internal/provider"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return New("client-id", "client-secret",
		WithHTTPClient(srv.Client()),
		WithEndpoint(srv.URL+"/"),
		WithTokenURL(srv.URL+"/token"),
		WithTimeout(5*time.Second),
	)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func apiError(code int, reason string) map[string]any {
	return map[string]any{"error": map[string]any{
		"code":    code,
		"message": reason,
		"errors":  []map[string]any{{"reason": reason, "message": reason}},
	}}
}

func TestListEventDeltasFollowsPages(t *testing.T) {
	mux := http.NewServeMux()
	calls := 0
	mux.HandleFunc("/calendars/primary/events", func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "Bearer access-1", r.Header.Get("Authorization"))
		assert.Equal(t, "true", r.URL.Query().Get("showDeleted"))
		assert.Equal(t, "true", r.URL.Query().Get("singleEvents"))
		assert.Equal(t, "sync-1", r.URL.Query().Get("syncToken"))

		if r.URL.Query().Get("pageToken") == "" {
			writeJSON(w, http.StatusOK, map[string]any{
				"items": []map[string]any{{
					"id":       "evt-1",
					"status":   "confirmed",
					"summary":  "Standup",
					"htmlLink": "https://calendar.google.com/event?eid=1",
					"start":    map[string]any{"dateTime": "2024-03-01T09:00:00-05:00"},
					"end":      map[string]any{"dateTime": "2024-03-01T09:15:00-05:00"},
				}},
				"nextPageToken": "page-2",
			})
			return
		}
		assert.Equal(t, "page-2", r.URL.Query().Get("pageToken"))
		writeJSON(w, http.StatusOK, map[string]any{
			"items": []map[string]any{
				{"id": "evt-2", "status": "cancelled"},
				{"id": "evt-3", "summary": "Holiday", "start": map[string]any{"date": "2024-03-04"}, "end": map[string]any{"date": "2024-03-05"}},
			},
			"nextSyncToken": "sync-2",
		})
	})

	page, err := newTestClient(t, mux).ListEventDeltas(context.Background(), "access-1", "primary", "sync-1")
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	assert.Equal(t, "sync-2", page.NextSyncToken)
	require.Len(t, page.Events, 3)
	assert.Equal(t, "Standup", page.Events[0].Title)
	assert.Equal(t, "2024-03-01T09:00:00-05:00", page.Events[0].Start.DateTime)
	assert.True(t, page.Events[1].Removed)
	assert.Equal(t, "2024-03-04", page.Events[2].Start.Date)
	assert.False(t, page.Events[2].Removed)
}

func TestListEventDeltasErrorClassification(t *testing.T) {
	testCases := []struct {
		name    string
		status  int
		reason  string
		wantErr error
	}{
		{name: "gone", status: http.StatusGone, reason: "fullSyncRequired", wantErr: provider.ErrSyncTokenInvalid},
		{name: "unauthorized", status: http.StatusUnauthorized, reason: "authError", wantErr: provider.ErrUnauthorized},
		{name: "server error", status: http.StatusServiceUnavailable, reason: "backendError", wantErr: provider.ErrTransient},
		{name: "throttled", status: http.StatusTooManyRequests, reason: "rateLimitExceeded", wantErr: provider.ErrTransient},
		{name: "forbidden rate limit", status: http.StatusForbidden, reason: "userRateLimitExceeded", wantErr: provider.ErrTransient},
		{name: "forbidden", status: http.StatusForbidden, reason: "forbidden", wantErr: provider.ErrProviderRejected},
		{name: "not found", status: http.StatusNotFound, reason: "notFound", wantErr: provider.ErrProviderRejected},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/calendars/primary/events", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tc.status, apiError(tc.status, tc.reason))
			})

			_, err := newTestClient(t, mux).ListEventDeltas(context.Background(), "tok", "primary", "stale")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.wantErr), "got %v", err)
		})
	}
}

func TestListCalendars(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/users/me/calendarList", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"items": []map[string]any{
			{"id": "primary@example.com", "summary": "Me", "primary": true, "backgroundColor": "#9fe1e7", "accessRole": "owner"},
			{"id": "team@group.calendar.google.com", "summary": "Team", "summaryOverride": "My Team", "accessRole": "reader"},
		}})
	})

	cals, err := newTestClient(t, mux).ListCalendars(context.Background(), "tok")
	require.NoError(t, err)
	require.Len(t, cals, 2)
	assert.True(t, cals[0].Primary)
	assert.Equal(t, "#9fe1e7", cals[0].Color)
	assert.Equal(t, "My Team", cals[1].Name)
}

func TestCreatePushChannel(t *testing.T) {
	expiry := time.Date(2024, 3, 8, 12, 0, 0, 0, time.UTC)
	mux := http.NewServeMux()
	mux.HandleFunc("/calendars/primary/events/watch", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "chan-1", body["id"])
		assert.Equal(t, "verifier-1", body["token"])
		assert.Equal(t, "web_hook", body["type"])
		assert.Equal(t, "https://cal.example.com/google/calendar/notifications", body["address"])
		assert.Equal(t, map[string]any{"ttl": "604800"}, body["params"])

		writeJSON(w, http.StatusOK, map[string]any{
			"id":         "chan-1",
			"resourceId": "res-1",
			"expiration": "1709899200000",
		})
	})

	lease, err := newTestClient(t, mux).CreatePushChannel(context.Background(), "tok", provider.ChannelRequest{
		CalendarID: "primary",
		ChannelID:  "chan-1",
		Verifier:   "verifier-1",
		Address:    "https://cal.example.com/google/calendar/notifications",
		TTL:        7 * 24 * time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, "chan-1", lease.ChannelID)
	assert.Equal(t, "res-1", lease.ResourceID)
	assert.True(t, lease.Expiry.Equal(expiry), "expiry = %s", lease.Expiry)
}

func TestStopPushChannel(t *testing.T) {
	stopped := false
	mux := http.NewServeMux()
	mux.HandleFunc("/channels/stop", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "chan-1", body["id"])
		assert.Equal(t, "res-1", body["resourceId"])
		stopped = true
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, newTestClient(t, mux).StopPushChannel(context.Background(), "tok", "chan-1", "res-1"))
	assert.True(t, stopped)
}

func TestRefreshToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		if r.PostForm.Get("refresh_token") == "revoked" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant", "error_description": "Token has been expired or revoked."})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": "access-2",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	client := newTestClient(t, mux)

	tok, err := client.RefreshToken(context.Background(), "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, "access-2", tok.AccessToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), tok.Expiry, time.Minute)

	_, err = client.RefreshToken(context.Background(), "revoked")
	assert.ErrorIs(t, err, provider.ErrAuthExpired)

	_, err = client.RefreshToken(context.Background(), "")
	assert.ErrorIs(t, err, provider.ErrAuthExpired)
}

func TestClassifyNetworkErrors(t *testing.T) {
	assert.True(t, provider.IsTransient(classify("op", context.DeadlineExceeded)))
	assert.ErrorIs(t, classify("op", context.Canceled), context.Canceled)
	assert.False(t, provider.IsTransient(classify("op", context.Canceled)))
	assert.NoError(t, classify("op", nil))
}

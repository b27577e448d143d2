// Package webhook receives provider push notifications and turns them into
// background sync jobs.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	httperrors "gitea.jw6.us/james/calsync/internal/http/errors"
	"gitea.jw6.us/james/calsync/internal/jobs"
	"gitea.jw6.us/james/calsync/internal/metrics"
	"gitea.jw6.us/james/calsync/internal/subscription"
)

var (
	ErrMalformedNotification = errors.New("malformed notification: missing channel id or token")
	ErrMissingExpiration     = errors.New("malformed notification: missing channel expiration")
)

// HeaderSet names the headers a provider uses to identify a notification.
type HeaderSet struct {
	ChannelID     string
	Token         string
	Expiration    string
	ResourceState string
	// RequireExpiration rejects notifications without an Expiration header.
	RequireExpiration bool
}

var (
	GenericHeaders = HeaderSet{
		ChannelID:         "Channel-Id",
		Token:             "Channel-Token",
		Expiration:        "Channel-Expiration",
		RequireExpiration: true,
	}
	GoogleHeaders = HeaderSet{
		ChannelID:     "X-Goog-Channel-ID",
		Token:         "X-Goog-Channel-Token",
		Expiration:    "X-Goog-Channel-Expiration",
		ResourceState: "X-Goog-Resource-State",
	}
)

// Google sends resource state "sync" once when a channel is created.
const handshakeState = "sync"

// expiryTolerance absorbs rounding between the provider's declared
// expiration and the stored one.
const expiryTolerance = time.Minute

var expirationLayouts = []string{time.RFC1123, time.RFC3339, "2006-01-02 15:04:05"}

// Validator authenticates a notification against stored leases.
type Validator interface {
	Validate(ctx context.Context, channelID, token string) (*subscription.Validation, error)
}

type Handler struct {
	headers    HeaderSet
	validator  Validator
	dispatcher jobs.Dispatcher
}

func NewHandler(headers HeaderSet, validator Validator, dispatcher jobs.Dispatcher) *Handler {
	return &Handler{headers: headers, validator: validator, dispatcher: dispatcher}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	channelID := strings.TrimSpace(r.Header.Get(h.headers.ChannelID))
	token := r.Header.Get(h.headers.Token)
	if channelID == "" || token == "" {
		metrics.IncWebhook("malformed")
		httperrors.BadRequestError(w, r, ErrMalformedNotification, "malformed notification")
		return
	}
	if h.headers.RequireExpiration && strings.TrimSpace(r.Header.Get(h.headers.Expiration)) == "" {
		metrics.IncWebhook("malformed")
		httperrors.BadRequestError(w, r, ErrMissingExpiration, "malformed notification")
		return
	}

	v, err := h.validator.Validate(r.Context(), channelID, token)
	if err != nil {
		if errors.Is(err, subscription.ErrUnknownChannel) || errors.Is(err, subscription.ErrInvalidChannelToken) || errors.Is(err, subscription.ErrChannelExpired) {
			metrics.IncWebhook("rejected")
			// Unknown channels and bad tokens get the same response.
			httperrors.BadRequestError(w, r, err, "invalid notification")
			return
		}
		metrics.IncWebhook("error")
		httperrors.InternalError(w, r, err, "validate notification")
		return
	}

	sourceID := v.Source.ID
	if h.headers.ResourceState != "" && strings.EqualFold(r.Header.Get(h.headers.ResourceState), handshakeState) {
		metrics.IncWebhook("handshake")
		httperrors.LogInfo(r, fmt.Sprintf("channel handshake for source %d", sourceID))
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.dispatcher.DispatchSync(r.Context(), sourceID); err != nil {
		httperrors.LogError(r, fmt.Sprintf("dispatch sync for source %d", sourceID), err)
	}

	if v.Latest {
		if declared, ok := parseExpiration(r.Header.Get(h.headers.Expiration)); ok &&
			declared.Before(v.Subscription.ExpiresAt.Add(-expiryTolerance)) {
			httperrors.LogInfo(r, fmt.Sprintf("channel %s expires earlier than recorded, scheduling renewal", channelID))
			if err := h.dispatcher.DispatchRenewal(r.Context(), sourceID, v.Subscription.ID); err != nil {
				httperrors.LogError(r, fmt.Sprintf("dispatch renewal for source %d", sourceID), err)
			}
		}
	}

	metrics.IncWebhook("accepted")
	w.WriteHeader(http.StatusOK)
}

func parseExpiration(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range expirationLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

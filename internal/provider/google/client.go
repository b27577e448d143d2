// Package google adapts the Google Calendar v3 API to provider.Client.
package google

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"gitea.jw6.us/james/calsync/internal/metrics"
	"gitea.jw6.us/james/calsync/internal/provider"
	"gitea.jw6.us/james/calsync/internal/store"
)

const (
	defaultTimeout = 15 * time.Second
	pageSize       = 250
	channelType    = "web_hook"
)

// Client implements provider.Client for Google Calendar.
type Client struct {
	oauth      oauth2.Config
	httpClient *http.Client
	endpoint   string
	timeout    time.Duration
}

type Option func(*Client)

// WithHTTPClient sets the base transport used for API and token calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithEndpoint points API calls at a different base URL.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) { c.endpoint = endpoint }
}

// WithTokenURL overrides the OAuth token endpoint.
func WithTokenURL(tokenURL string) Option {
	return func(c *Client) { c.oauth.Endpoint.TokenURL = tokenURL }
}

// WithTimeout bounds every outbound call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func New(clientID, clientSecret string, opts ...Option) *Client {
	c := &Client{
		oauth: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     googleoauth.Endpoint,
			Scopes:       []string{calendar.CalendarReadonlyScope},
		},
		httpClient: http.DefaultClient,
		timeout:    defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Kind() store.ProviderKind { return store.ProviderGoogle }

func (c *Client) service(ctx context.Context, accessToken string) (*calendar.Service, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}))

	opts := []option.ClientOption{option.WithHTTPClient(hc)}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return svc, nil
}

// call runs fn with the per-call timeout, records its latency and maps the
// result onto the provider error taxonomy.
func (c *Client) call(ctx context.Context, op, accessToken string, fn func(ctx context.Context, svc *calendar.Service) error) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveProviderCall(string(store.ProviderGoogle), op, start, err) }()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return err
	}
	return classify(op, fn(ctx, svc))
}

func (c *Client) ListCalendars(ctx context.Context, accessToken string) ([]provider.CalendarSummary, error) {
	var result []provider.CalendarSummary
	err := c.call(ctx, "calendarList.list", accessToken, func(ctx context.Context, svc *calendar.Service) error {
		return svc.CalendarList.List().MaxResults(pageSize).Pages(ctx, func(page *calendar.CalendarList) error {
			for _, entry := range page.Items {
				name := entry.Summary
				if entry.SummaryOverride != "" {
					name = entry.SummaryOverride
				}
				result = append(result, provider.CalendarSummary{
					ID:         entry.Id,
					Name:       name,
					Color:      entry.BackgroundColor,
					Primary:    entry.Primary,
					AccessRole: entry.AccessRole,
				})
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) ListEventDeltas(ctx context.Context, accessToken, calendarID, syncToken string) (*provider.DeltaPage, error) {
	result := &provider.DeltaPage{}
	err := c.call(ctx, "events.list", accessToken, func(ctx context.Context, svc *calendar.Service) error {
		call := svc.Events.List(calendarID).
			MaxResults(pageSize).
			ShowDeleted(true).
			SingleEvents(true)
		if syncToken != "" {
			call = call.SyncToken(syncToken)
		}
		return call.Pages(ctx, func(page *calendar.Events) error {
			for _, ev := range page.Items {
				result.Events = append(result.Events, toDelta(ev))
			}
			if page.NextSyncToken != "" {
				result.NextSyncToken = page.NextSyncToken
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func toDelta(ev *calendar.Event) provider.EventDelta {
	d := provider.EventDelta{
		ID:       ev.Id,
		Removed:  ev.Status == "cancelled",
		Title:    ev.Summary,
		HTMLLink: ev.HtmlLink,
	}
	if ev.Start != nil {
		d.Start = provider.EventTime{Date: ev.Start.Date, DateTime: ev.Start.DateTime, TimeZone: ev.Start.TimeZone}
	}
	if ev.End != nil {
		d.End = provider.EventTime{Date: ev.End.Date, DateTime: ev.End.DateTime, TimeZone: ev.End.TimeZone}
	}
	return d
}

func (c *Client) CreatePushChannel(ctx context.Context, accessToken string, req provider.ChannelRequest) (*provider.ChannelLease, error) {
	channel := &calendar.Channel{
		Id:      req.ChannelID,
		Token:   req.Verifier,
		Type:    channelType,
		Address: req.Address,
	}
	if req.TTL > 0 {
		channel.Params = map[string]string{"ttl": strconv.FormatInt(int64(req.TTL/time.Second), 10)}
	}

	var created *calendar.Channel
	err := c.call(ctx, "events.watch", accessToken, func(ctx context.Context, svc *calendar.Service) error {
		var err error
		created, err = svc.Events.Watch(req.CalendarID, channel).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	lease := &provider.ChannelLease{ChannelID: created.Id, ResourceID: created.ResourceId}
	if lease.ChannelID == "" {
		lease.ChannelID = req.ChannelID
	}
	if created.Expiration > 0 {
		lease.Expiry = time.UnixMilli(created.Expiration).UTC()
	}
	return lease, nil
}

func (c *Client) StopPushChannel(ctx context.Context, accessToken, channelID, resourceID string) error {
	return c.call(ctx, "channels.stop", accessToken, func(ctx context.Context, svc *calendar.Service) error {
		return svc.Channels.Stop(&calendar.Channel{Id: channelID, ResourceId: resourceID}).Context(ctx).Do()
	})
}

func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (tok *provider.Token, err error) {
	start := time.Now()
	defer func() { metrics.ObserveProviderCall(string(store.ProviderGoogle), "oauth.refresh", start, err) }()

	if refreshToken == "" {
		return nil, fmt.Errorf("oauth.refresh: no refresh token: %w", provider.ErrAuthExpired)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	fresh, err := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, classifyRefresh(err)
	}
	return &provider.Token{
		AccessToken:  fresh.AccessToken,
		RefreshToken: fresh.RefreshToken,
		Expiry:       fresh.Expiry,
	}, nil
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusGone:
			return fmt.Errorf("%s: %w", op, provider.ErrSyncTokenInvalid)
		case apiErr.Code == http.StatusUnauthorized:
			return fmt.Errorf("%s: %w", op, provider.ErrUnauthorized)
		case apiErr.Code == http.StatusTooManyRequests, apiErr.Code >= http.StatusInternalServerError:
			return provider.Transient(op, apiErr.Code, err)
		case apiErr.Code == http.StatusForbidden && rateLimited(apiErr):
			return provider.Transient(op, apiErr.Code, err)
		default:
			return provider.Rejected(op, apiErr.Code, err)
		}
	}

	if errors.Is(err, context.Canceled) {
		return err
	}
	if isNetworkError(err) {
		return provider.Transient(op, 0, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func rateLimited(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded":
			return true
		}
	}
	return false
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func classifyRefresh(err error) error {
	const op = "oauth.refresh"
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		code := retrieveErr.Response.StatusCode
		switch {
		case code == http.StatusBadRequest, code == http.StatusUnauthorized:
			return fmt.Errorf("%s: %s: %w", op, retrieveErr.ErrorCode, provider.ErrAuthExpired)
		case code == http.StatusTooManyRequests, code >= http.StatusInternalServerError:
			return provider.Transient(op, code, err)
		default:
			return provider.Rejected(op, code, err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if isNetworkError(err) {
		return provider.Transient(op, 0, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

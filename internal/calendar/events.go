package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Event is the provider-side mirror of a scheduled session.
type Event struct {
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
	// TimeZone is an IANA zone name the provider renders the event in.
	TimeZone string
}

// Client is a Google Calendar v3 events client. Every call is bounded by the
// client timeout and authorized with the caller's access token.
type Client struct {
	endpoint  string
	timeout   time.Duration
	transport http.RoundTripper
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	// Paths resolve relative to the endpoint, which must end in a slash.
	endpoint := strings.TrimRight(baseURL, "/") + "/"
	return &Client{
		endpoint:  endpoint,
		timeout:   timeout,
		transport: http.DefaultTransport,
	}
}

// CreateEvent inserts ev and returns the provider-assigned event id.
func (c *Client) CreateEvent(ctx context.Context, accessToken, calendarID string, ev Event) (string, error) {
	events, err := c.events(ctx, accessToken, calendarID)
	if err != nil {
		return "", err
	}
	created, err := events.Insert(calendarID, toEvent(ev)).Context(ctx).Do()
	if err != nil {
		return "", providerError("create", err)
	}
	if created.Id == "" {
		return "", &APIError{Operation: "create", StatusCode: http.StatusOK, Message: "response carried no event id"}
	}
	return created.Id, nil
}

// UpdateEvent patches the event's title, notes and times.
func (c *Client) UpdateEvent(ctx context.Context, accessToken, calendarID, eventID string, ev Event) error {
	events, err := c.events(ctx, accessToken, calendarID)
	if err != nil {
		return err
	}
	if _, err := events.Patch(calendarID, eventID, toEvent(ev)).Context(ctx).Do(); err != nil {
		return providerError("update", err)
	}
	return nil
}

// DeleteEvent removes the event. An event that is already gone counts as deleted.
func (c *Client) DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error {
	events, err := c.events(ctx, accessToken, calendarID)
	if err != nil {
		return err
	}
	err = providerError("delete", events.Delete(calendarID, eventID).Context(ctx).Do())
	if IsGone(err) {
		return nil
	}
	return err
}

// IsGone reports whether err is a provider "not found" or "gone" response.
func IsGone(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusGone
}

func (c *Client) events(ctx context.Context, accessToken, calendarID string) (*gcal.EventsService, error) {
	if accessToken == "" || calendarID == "" {
		return nil, ErrNotConnected
	}
	httpClient := &http.Client{
		Timeout: c.timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
			Base:   c.transport,
		},
	}
	svc, err := gcal.NewService(ctx, option.WithHTTPClient(httpClient), option.WithEndpoint(c.endpoint))
	if err != nil {
		return nil, fmt.Errorf("calendar client: %w", err)
	}
	return svc.Events, nil
}

// providerError turns a googleapi error into an APIError and a transport
// failure into a wrapped, classified error.
func providerError(op string, err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		message := gerr.Message
		if message == "" {
			message = strings.TrimSpace(gerr.Body)
		}
		return &APIError{Operation: op, StatusCode: gerr.Code, Message: message}
	}
	return wrapTransport(op, err)
}

func toEvent(ev Event) *gcal.Event {
	start, end := ev.Start, ev.End
	if loc, err := time.LoadLocation(ev.TimeZone); err == nil && ev.TimeZone != "" {
		start, end = start.In(loc), end.In(loc)
	} else {
		ev.TimeZone = ""
		start, end = start.UTC(), end.UTC()
	}
	return &gcal.Event{
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       &gcal.EventDateTime{DateTime: start.Format(time.RFC3339), TimeZone: ev.TimeZone},
		End:         &gcal.EventDateTime{DateTime: end.Format(time.RFC3339), TimeZone: ev.TimeZone},
	}
}

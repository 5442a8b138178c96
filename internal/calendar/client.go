package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/nmoreno/secretaria/internal/httpkit"
)

const defaultAPIBase = "https://www.googleapis.com/calendar/v3"

// Event is the subset of the Calendar API event resource the assistant
// uses.
type Event struct {
	ID          string     `json:"id,omitempty"`
	Summary     string     `json:"summary"`
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	Start       EventTime  `json:"start"`
	End         EventTime  `json:"end"`
	Attendees   []Attendee `json:"attendees,omitempty"`
	Reminders   *Reminders `json:"reminders,omitempty"`
	HTMLLink    string     `json:"htmlLink,omitempty"`
	Status      string     `json:"status,omitempty"`
}

// EventTime carries an RFC 3339 timestamp.
type EventTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
}

// Attendee is an invited participant.
type Attendee struct {
	Email string `json:"email"`
}

// Reminders configures event notifications.
type Reminders struct {
	UseDefault bool               `json:"useDefault"`
	Overrides  []ReminderOverride `json:"overrides,omitempty"`
}

// ReminderOverride is a single reminder rule.
type ReminderOverride struct {
	Method  string `json:"method"`
	Minutes int    `json:"minutes"`
}

// Client is a REST client for the Google Calendar v3 events API.
type Client struct {
	apiBase    string
	tokens     *TokenSource
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a calendar client using ts for bearer credentials.
func NewClient(ts *TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		apiBase: defaultAPIBase,
		tokens:  ts,
		logger:  logger.With("component", "calendar"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(30 * time.Second),
		),
	}
}

// SetAPIBase overrides the API base URL. Used by tests.
func (c *Client) SetAPIBase(base string) { c.apiBase = base }

// InsertEvent creates an event and notifies attendees.
func (c *Client) InsertEvent(ctx context.Context, calendarID string, ev *Event) (*Event, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	endpoint := fmt.Sprintf("%s/calendars/%s/events?sendUpdates=all",
		c.apiBase, url.PathEscape(calendarID))

	var created Event
	if err := c.do(ctx, "POST", endpoint, body, &created); err != nil {
		return nil, err
	}

	c.logger.Info("calendar event created",
		"calendar", calendarID,
		"event_id", created.ID,
		"summary", created.Summary,
	)
	return &created, nil
}

// ListEvents returns events between timeMin (inclusive) and timeMax
// (exclusive), expanded to single instances in start-time order.
func (c *Client) ListEvents(ctx context.Context, calendarID, timeMin, timeMax string) ([]Event, error) {
	params := url.Values{
		"singleEvents": {"true"},
		"orderBy":      {"startTime"},
	}
	if timeMin != "" {
		params.Set("timeMin", timeMin)
	}
	if timeMax != "" {
		params.Set("timeMax", timeMax)
	}

	endpoint := fmt.Sprintf("%s/calendars/%s/events?%s",
		c.apiBase, url.PathEscape(calendarID), params.Encode())

	var list struct {
		Items []Event `json:"items"`
	}
	if err := c.do(ctx, "GET", endpoint, nil, &list); err != nil {
		return nil, err
	}
	return list.Items, nil
}

// DeleteEvent removes an event by ID.
func (c *Client) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	endpoint := fmt.Sprintf("%s/calendars/%s/events/%s",
		c.apiBase, url.PathEscape(calendarID), url.PathEscape(eventID))

	if err := c.do(ctx, "DELETE", endpoint, nil, nil); err != nil {
		return err
	}

	c.logger.Info("calendar event deleted",
		"calendar", calendarID,
		"event_id", eventID,
	)
	return nil
}

// do issues an authenticated request and decodes the JSON response into
// out when non-nil.
func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calendar request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		errBody := httpkit.ReadErrorBody(resp.Body, 1024)
		return fmt.Errorf("%w: API rejected credential: %s", ErrAuthExpired, errBody)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody := httpkit.ReadErrorBody(resp.Body, 2048)
		return fmt.Errorf("calendar API error %d: %s", resp.StatusCode, errBody)
	}

	if out == nil {
		httpkit.DrainAndClose(resp.Body, 4096)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode calendar response: %w", err)
	}
	return nil
}

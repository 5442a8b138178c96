package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nmoreno/secretaria/internal/tools"
)

// createEventArgs are the parameters for create_calendar_event.
type createEventArgs struct {
	Summary     string   `json:"summary" jsonschema:"description=Event title."`
	Start       string   `json:"start" jsonschema:"description=ISO 8601 datetime. If the timezone is missing the assistant default is assumed."`
	End         string   `json:"end" jsonschema:"description=ISO 8601 datetime. Must be after start."`
	Description string   `json:"description,omitempty" jsonschema:"description=Optional event description or body."`
	Attendees   []string `json:"attendees,omitempty" jsonschema:"description=Optional list of attendee email addresses."`
	Location    string   `json:"location,omitempty" jsonschema:"description=Optional location string."`
	CalendarID  string   `json:"calendar_id,omitempty" jsonschema:"description=Calendar to insert into. Omit for the default calendar."`
}

// listEventsArgs are the parameters for get_calendar_events.
type listEventsArgs struct {
	TimeMin    string `json:"time_min" jsonschema:"description=ISO 8601 start of the range (inclusive)."`
	TimeMax    string `json:"time_max" jsonschema:"description=ISO 8601 end of the range (exclusive)."`
	CalendarID string `json:"calendar_id,omitempty" jsonschema:"description=Calendar to query. Omit for the default calendar."`
}

// deleteEventArgs are the parameters for delete_calendar_event.
type deleteEventArgs struct {
	StartTime  string `json:"start_time" jsonschema:"description=Start time of the event to delete."`
	CalendarID string `json:"calendar_id,omitempty" jsonschema:"description=Calendar to delete from. Omit for the default calendar."`
}

// Tools wires the calendar client into the tool registry.
type Tools struct {
	client            *Client
	defaultCalendarID string
	loc               *time.Location
}

// NewTools creates the calendar tool set. loc is the timezone assumed
// for timestamps that arrive without one.
func NewTools(client *Client, defaultCalendarID string, loc *time.Location) *Tools {
	if defaultCalendarID == "" {
		defaultCalendarID = "primary"
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Tools{
		client:            client,
		defaultCalendarID: defaultCalendarID,
		loc:               loc,
	}
}

// Register adds the three calendar tools to the registry.
func (t *Tools) Register(reg *tools.Registry) {
	reg.Register(&tools.Tool{
		Name:        "create_calendar_event",
		Description: "Create a calendar event with optional attendees, location, and description. Attendees are notified.",
		Parameters:  tools.SchemaFor[createEventArgs](),
		Handler:     t.handleCreate,
	})
	reg.Register(&tools.Tool{
		Name:        "get_calendar_events",
		Description: "Retrieve calendar events within a time range, in start-time order.",
		Parameters:  tools.SchemaFor[listEventsArgs](),
		Handler:     t.handleList,
	})
	reg.Register(&tools.Tool{
		Name:        "delete_calendar_event",
		Description: "Delete the calendar event that starts at the given time.",
		Parameters:  tools.SchemaFor[deleteEventArgs](),
		Handler:     t.handleDelete,
	})
}

func (t *Tools) calendarID(override string) string {
	if override != "" {
		return override
	}
	return t.defaultCalendarID
}

func (t *Tools) handleCreate(ctx context.Context, args map[string]any) (string, error) {
	summary := strings.TrimSpace(tools.StringArg(args, "summary"))
	if summary == "" {
		return "", fmt.Errorf("summary must be a non-empty string")
	}

	start, err := t.parseTime(tools.StringArg(args, "start"))
	if err != nil {
		return "", fmt.Errorf("start: %w", err)
	}
	end, err := t.parseTime(tools.StringArg(args, "end"))
	if err != nil {
		return "", fmt.Errorf("end: %w", err)
	}
	if !end.After(start) {
		return "", fmt.Errorf("end must be after start")
	}

	ev := &Event{
		Summary:     summary,
		Description: tools.StringArg(args, "description"),
		Location:    tools.StringArg(args, "location"),
		Start:       EventTime{DateTime: start.Format(time.RFC3339)},
		End:         EventTime{DateTime: end.Format(time.RFC3339)},
		// Default 10 minute popup; the user can adjust later.
		Reminders: &Reminders{
			Overrides: []ReminderOverride{{Method: "popup", Minutes: 10}},
		},
	}
	for _, email := range tools.StringSliceArg(args, "attendees") {
		ev.Attendees = append(ev.Attendees, Attendee{Email: email})
	}

	created, err := t.client.InsertEvent(ctx, t.calendarID(tools.StringArg(args, "calendar_id")), ev)
	if err != nil {
		return "", wrapAuthFatal(err)
	}

	out, err := json.Marshal(created)
	if err != nil {
		return fmt.Sprintf("Event %q created.", created.Summary), nil
	}
	return string(out), nil
}

func (t *Tools) handleList(ctx context.Context, args map[string]any) (string, error) {
	events, err := t.client.ListEvents(ctx,
		t.calendarID(tools.StringArg(args, "calendar_id")),
		tools.StringArg(args, "time_min"),
		tools.StringArg(args, "time_max"),
	)
	if err != nil {
		return "", wrapAuthFatal(err)
	}

	if len(events) == 0 {
		return "No events found in the requested range.", nil
	}
	out, err := json.Marshal(events)
	if err != nil {
		return "", fmt.Errorf("marshal events: %w", err)
	}
	return string(out), nil
}

func (t *Tools) handleDelete(ctx context.Context, args map[string]any) (string, error) {
	startTime := tools.StringArg(args, "start_time")
	calendarID := t.calendarID(tools.StringArg(args, "calendar_id"))

	// Resolve the event by its start time, then delete by ID. The
	// first match wins when several events share a start.
	events, err := t.client.ListEvents(ctx, calendarID, startTime, "")
	if err != nil {
		return "", wrapAuthFatal(err)
	}
	if len(events) == 0 {
		return "", fmt.Errorf("no event found with the specified start time")
	}

	if err := t.client.DeleteEvent(ctx, calendarID, events[0].ID); err != nil {
		return "", wrapAuthFatal(err)
	}
	return "Event deleted successfully", nil
}

// parseTime parses an ISO 8601 timestamp, accepting a trailing Z and
// naked local timestamps (assumed to be in the configured timezone).
func (t *Tools) parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty datetime")
	}

	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	// No offset supplied; interpret in the assistant timezone.
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04"} {
		if ts, err := time.ParseInLocation(layout, s, t.loc); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid datetime format (expect ISO 8601): %q", s)
}

// wrapAuthFatal marks credential-lifecycle failures as fatal so the
// agent loop ends the turn instead of asking the model to retry.
func wrapAuthFatal(err error) error {
	if errors.Is(err, ErrAuthRequired) || errors.Is(err, ErrAuthExpired) {
		return tools.Fatal(err)
	}
	return err
}

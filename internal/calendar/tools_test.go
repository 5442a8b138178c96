package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nmoreno/secretaria/internal/tools"
)

func newToolRegistry(t *testing.T, srv *httptest.Server, loc *time.Location) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	NewTools(newTestClient(t, srv), "primary", loc).Register(reg)
	return reg
}

func TestCreateEventTool(t *testing.T) {
	var inserted Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&inserted); err != nil {
			t.Fatalf("decoding: %v", err)
		}
		inserted.ID = "new1"
		json.NewEncoder(w).Encode(inserted)
	}))
	defer srv.Close()

	loc, err := time.LoadLocation("America/Argentina/Buenos_Aires")
	if err != nil {
		t.Fatal(err)
	}
	reg := newToolRegistry(t, srv, loc)

	out, err := reg.Execute(context.Background(), "create_calendar_event", map[string]any{
		"summary":   "Dentist",
		"start":     "2026-09-01T10:00:00", // no offset, assistant timezone assumed
		"end":       "2026-09-01T11:00:00",
		"attendees": []any{"ana@example.com"},
		"location":  "Av. Corrientes 1234",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if inserted.Summary != "Dentist" || inserted.Location != "Av. Corrientes 1234" {
		t.Errorf("inserted = %+v", inserted)
	}
	if !strings.HasSuffix(inserted.Start.DateTime, "-03:00") {
		t.Errorf("start should carry the local offset, got %q", inserted.Start.DateTime)
	}
	if len(inserted.Attendees) != 1 || inserted.Attendees[0].Email != "ana@example.com" {
		t.Errorf("attendees = %+v", inserted.Attendees)
	}
	if inserted.Reminders == nil || len(inserted.Reminders.Overrides) != 1 {
		t.Fatalf("reminders = %+v", inserted.Reminders)
	}
	if ov := inserted.Reminders.Overrides[0]; ov.Method != "popup" || ov.Minutes != 10 {
		t.Errorf("reminder override = %+v", ov)
	}
	if !strings.Contains(out, "new1") {
		t.Errorf("output should carry the created event: %s", out)
	}
}

func TestCreateEventValidation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no API call expected for invalid input")
	}))
	defer srv.Close()

	reg := newToolRegistry(t, srv, time.UTC)

	cases := []struct {
		name string
		args map[string]any
	}{
		{"blank summary", map[string]any{"summary": "  ", "start": "2026-09-01T10:00:00Z", "end": "2026-09-01T11:00:00Z"}},
		{"end before start", map[string]any{"summary": "x", "start": "2026-09-01T11:00:00Z", "end": "2026-09-01T10:00:00Z"}},
		{"end equals start", map[string]any{"summary": "x", "start": "2026-09-01T10:00:00Z", "end": "2026-09-01T10:00:00Z"}},
		{"garbage datetime", map[string]any{"summary": "x", "start": "next tuesday", "end": "2026-09-01T10:00:00Z"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := reg.Execute(context.Background(), "create_calendar_event", tc.args); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestListEventsToolEmptyRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items": []}`)
	}))
	defer srv.Close()

	reg := newToolRegistry(t, srv, time.UTC)
	out, err := reg.Execute(context.Background(), "get_calendar_events", map[string]any{
		"time_min": "2026-09-01T00:00:00Z",
		"time_max": "2026-09-02T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "No events found") {
		t.Errorf("output = %q", out)
	}
}

func TestDeleteEventToolFirstMatchWins(t *testing.T) {
	var deletedID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if got := r.URL.Query().Get("timeMin"); got != "2026-09-01T10:00:00Z" {
				t.Errorf("timeMin = %q", got)
			}
			fmt.Fprint(w, `{"items": [
				{"id": "first", "summary": "Dentist"},
				{"id": "second", "summary": "Also 10am"}
			]}`)
		case http.MethodDelete:
			deletedID = r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	reg := newToolRegistry(t, srv, time.UTC)
	out, err := reg.Execute(context.Background(), "delete_calendar_event", map[string]any{
		"start_time": "2026-09-01T10:00:00Z",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if deletedID != "first" {
		t.Errorf("deleted %q, want first match", deletedID)
	}
	if out != "Event deleted successfully" {
		t.Errorf("output = %q", out)
	}
}

func TestDeleteEventToolNoMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items": []}`)
	}))
	defer srv.Close()

	reg := newToolRegistry(t, srv, time.UTC)
	_, err := reg.Execute(context.Background(), "delete_calendar_event", map[string]any{
		"start_time": "2026-09-01T10:00:00Z",
	})
	if err == nil || !strings.Contains(err.Error(), "no event found") {
		t.Fatalf("expected no-match error, got %v", err)
	}
}

func TestMissingCredentialsIsFatal(t *testing.T) {
	// Token source pointed at nonexistent files: every call fails with
	// ErrAuthRequired, which the tool wraps as fatal.
	dir := t.TempDir()
	ts := NewTokenSource(filepath.Join(dir, "nope.json"), filepath.Join(dir, "token.json"), slog.New(slog.DiscardHandler))
	client := NewClient(ts, slog.New(slog.DiscardHandler))

	reg := tools.NewRegistry()
	NewTools(client, "primary", time.UTC).Register(reg)

	_, err := reg.Execute(context.Background(), "get_calendar_events", map[string]any{
		"time_min": "2026-09-01T00:00:00Z",
		"time_max": "2026-09-02T00:00:00Z",
	})
	if !errors.Is(err, tools.ErrToolFatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
}

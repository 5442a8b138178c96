package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// newTestClient returns a calendar client pointed at srv with a live
// cached token.
func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	dir := t.TempDir()
	tokenFile := writeToken(t, dir, storedToken{
		AccessToken:  "live-token",
		RefreshToken: "r",
		Expiry:       time.Now().Add(time.Hour),
	})
	ts := NewTokenSource("", tokenFile, slog.New(slog.DiscardHandler))
	c := NewClient(ts, slog.New(slog.DiscardHandler))
	c.SetAPIBase(srv.URL)
	return c
}

func TestInsertEvent(t *testing.T) {
	var gotPath, gotAuth, gotQuery string
	var gotEvent Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotEvent); err != nil {
			t.Fatalf("decoding event: %v", err)
		}
		gotEvent.ID = "ev1"
		gotEvent.HTMLLink = "https://calendar.google.com/event?eid=ev1"
		json.NewEncoder(w).Encode(gotEvent)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	created, err := c.InsertEvent(context.Background(), "primary", &Event{
		Summary: "Dentist",
		Start:   EventTime{DateTime: "2026-09-01T10:00:00-03:00"},
		End:     EventTime{DateTime: "2026-09-01T11:00:00-03:00"},
	})
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}

	if gotPath != "/calendars/primary/events" {
		t.Errorf("path = %q", gotPath)
	}
	if gotQuery != "sendUpdates=all" {
		t.Errorf("query = %q", gotQuery)
	}
	if gotAuth != "Bearer live-token" {
		t.Errorf("auth = %q", gotAuth)
	}
	if created.ID != "ev1" || created.Summary != "Dentist" {
		t.Errorf("created = %+v", created)
	}
}

func TestListEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("singleEvents") != "true" || q.Get("orderBy") != "startTime" {
			t.Errorf("query = %v", q)
		}
		if q.Get("timeMin") != "2026-09-01T00:00:00Z" || q.Get("timeMax") != "2026-09-02T00:00:00Z" {
			t.Errorf("time range = %s .. %s", q.Get("timeMin"), q.Get("timeMax"))
		}
		fmt.Fprint(w, `{"items": [
			{"id": "a", "summary": "Standup"},
			{"id": "b", "summary": "Lunch"}
		]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	events, err := c.ListEvents(context.Background(), "primary", "2026-09-01T00:00:00Z", "2026-09-02T00:00:00Z")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 || events[0].ID != "a" || events[1].Summary != "Lunch" {
		t.Errorf("events = %+v", events)
	}
}

func TestDeleteEvent(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	if err := c.DeleteEvent(context.Background(), "primary", "ev1"); err != nil {
		t.Fatalf("DeleteEvent: %v", err)
	}
	if gotMethod != "DELETE" || gotPath != "/calendars/primary/events/ev1" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}
}

func TestUnauthorizedIsAuthExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"code": 401}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.ListEvents(context.Background(), "primary", "", "")
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}
}

package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nmoreno/secretaria/internal/tools"
)

type fakeProvider struct {
	name    string
	results []Result
	err     error
	gotOpts Options
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	f.gotOpts = opts
	return f.results, f.err
}

func TestManagerRoutesToPrimary(t *testing.T) {
	m := NewManager("tavily")
	tavily := &fakeProvider{name: "tavily", results: []Result{{Title: "hit"}}}
	m.Register(tavily)
	m.Register(&fakeProvider{name: "brave"})

	results, err := m.Search(context.Background(), "query", Options{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Title != "hit" {
		t.Errorf("results = %+v", results)
	}
}

func TestManagerUnconfiguredPrimary(t *testing.T) {
	m := NewManager("tavily")
	if m.Configured() {
		t.Error("empty manager should not be configured")
	}
	if _, err := m.Search(context.Background(), "q", Options{}); err == nil {
		t.Fatal("expected error for missing primary provider")
	}
}

func TestTavilySearch(t *testing.T) {
	var gotReq tavilyRequest
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decoding: %v", err)
		}
		fmt.Fprint(w, `{"results": [
			{"title": "Go", "url": "https://go.dev", "content": "The Go programming language"}
		]}`)
	}))
	defer srv.Close()

	p := NewTavily("tv-key")
	p.SetEndpoint(srv.URL)

	results, err := p.Search(context.Background(), "golang", Options{Count: 3})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	if gotAuth != "Bearer tv-key" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotReq.Query != "golang" || gotReq.MaxResults != 3 {
		t.Errorf("request = %+v", gotReq)
	}
	if len(results) != 1 || results[0].URL != "https://go.dev" || results[0].Snippet == "" {
		t.Errorf("results = %+v", results)
	}
}

func TestTavilyDefaultCount(t *testing.T) {
	var gotReq tavilyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		fmt.Fprint(w, `{"results": []}`)
	}))
	defer srv.Close()

	p := NewTavily("k")
	p.SetEndpoint(srv.URL)
	if _, err := p.Search(context.Background(), "q", Options{}); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if gotReq.MaxResults != 5 {
		t.Errorf("default max_results = %d, want 5", gotReq.MaxResults)
	}
}

func TestBraveSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Subscription-Token"); got != "br-key" {
			t.Errorf("token header = %q", got)
		}
		q := r.URL.Query()
		if q.Get("q") != "golang" || q.Get("count") != "2" {
			t.Errorf("query = %v", q)
		}
		fmt.Fprint(w, `{"web": {"results": [
			{"title": "Go", "url": "https://go.dev", "description": "The Go programming language"}
		]}}`)
	}))
	defer srv.Close()

	p := NewBrave("br-key")
	p.SetEndpoint(srv.URL)

	results, err := p.Search(context.Background(), "golang", Options{Count: 2})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Title != "Go" {
		t.Errorf("results = %+v", results)
	}
}

func TestProviderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "quota exceeded"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewTavily("k")
	p.SetEndpoint(srv.URL)
	if _, err := p.Search(context.Background(), "q", Options{}); err == nil {
		t.Fatal("expected error for 429")
	}
}

func TestWebSearchTool(t *testing.T) {
	m := NewManager("fake")
	m.Register(&fakeProvider{name: "fake", results: []Result{
		{Title: "First", URL: "https://a", Snippet: "s"},
	}})

	reg := tools.NewRegistry()
	RegisterTool(reg, m)

	out, err := reg.Execute(context.Background(), "web_search", map[string]any{"query": "anything"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var results []Result
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("output not JSON: %v", err)
	}
	if len(results) != 1 || results[0].Title != "First" {
		t.Errorf("results = %+v", results)
	}
}

func TestWebSearchToolRequiresQuery(t *testing.T) {
	m := NewManager("fake")
	m.Register(&fakeProvider{name: "fake"})
	reg := tools.NewRegistry()
	RegisterTool(reg, m)

	if _, err := reg.Execute(context.Background(), "web_search", map[string]any{}); err == nil {
		t.Fatal("expected error for missing query")
	}
}

func TestFormatResults(t *testing.T) {
	out := FormatResults([]Result{
		{Title: "A", URL: "https://a", Snippet: "alpha"},
		{Title: "B", URL: "https://b"},
		{Title: "C", URL: "https://c"},
	}, 2)

	if !strings.Contains(out, "1. A") || !strings.Contains(out, "alpha") {
		t.Errorf("output = %q", out)
	}
	if strings.Contains(out, "C") {
		t.Errorf("should be truncated to 2 results: %q", out)
	}

	if got := FormatResults(nil, 5); got != "No results found." {
		t.Errorf("empty = %q", got)
	}
}

package search

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nmoreno/secretaria/internal/tools"
)

// webSearchArgs are the parameters for the web_search tool.
type webSearchArgs struct {
	Query string `json:"query" jsonschema:"description=The search query string."`
	Count int    `json:"count,omitempty" jsonschema:"description=Maximum number of results to return (1-10). Default: 5."`
}

// RegisterTool adds the web_search tool backed by mgr to the registry.
func RegisterTool(reg *tools.Registry, mgr *Manager) {
	reg.Register(&tools.Tool{
		Name:        "web_search",
		Description: "Search the web for current information. Returns titles, URLs, and snippets.",
		Parameters:  tools.SchemaFor[webSearchArgs](),
		Handler:     ToolHandler(mgr),
	})
}

// ToolHandler returns a function compatible with the tools.Tool Handler
// signature. It wraps the Manager's search method for use as an agent tool.
func ToolHandler(mgr *Manager) func(ctx context.Context, args map[string]any) (string, error) {
	return func(ctx context.Context, args map[string]any) (string, error) {
		query := tools.StringArg(args, "query")
		if query == "" {
			return "", fmt.Errorf("web_search: query is required")
		}

		opts := Options{Count: tools.IntArg(args, "count", 0)}

		results, err := mgr.Search(ctx, query, opts)
		if err != nil {
			return "", err
		}

		// Return JSON for structured consumption by the agent.
		out, err := json.Marshal(results)
		if err != nil {
			return FormatResults(results, len(results)), nil
		}
		return string(out), nil
	}
}

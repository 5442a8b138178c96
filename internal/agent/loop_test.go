package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nmoreno/secretaria/internal/llm"
	"github.com/nmoreno/secretaria/internal/prompts"
	"github.com/nmoreno/secretaria/internal/store"
	"github.com/nmoreno/secretaria/internal/tools"
)

// scriptedClient replays canned responses (or errors) in order. The
// test fails the turn if the loop calls the model more often than the
// script allows.
type scriptedClient struct {
	t       *testing.T
	script  []scriptStep
	calls   int
	lastMsg []llm.Message
}

type scriptStep struct {
	resp *llm.ChatResponse
	err  error
}

func textStep(text string) scriptStep {
	return scriptStep{resp: &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: text}}}
}

func toolStep(calls ...llm.ToolCall) scriptStep {
	return scriptStep{resp: &llm.ChatResponse{Message: llm.Message{Role: "assistant", ToolCalls: calls}}}
}

func errStep(err error) scriptStep {
	return scriptStep{err: err}
}

func (c *scriptedClient) Chat(ctx context.Context, model string, messages []llm.Message, toolList []map[string]any) (*llm.ChatResponse, error) {
	c.lastMsg = messages
	if c.calls >= len(c.script) {
		c.t.Fatalf("unexpected model call #%d", c.calls+1)
	}
	step := c.script[c.calls]
	c.calls++
	if step.err != nil {
		return nil, step.err
	}
	return step.resp, nil
}

func call(id, name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{ID: id, Function: llm.FunctionCall{Name: name, Arguments: args}}
}

type loopFixture struct {
	loop   *Loop
	store  *store.Store
	client *scriptedClient
}

func newFixture(t *testing.T, script []scriptStep, reg *tools.Registry) *loopFixture {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	if reg == nil {
		reg = tools.NewRegistry()
	}
	persona, err := prompts.Load("")
	require.NoError(t, err)

	client := &scriptedClient{t: t, script: script}
	loop := New(client, reg, st, persona, time.UTC, Config{
		Model:         "test-model",
		MaxToolRounds: 3,
		LLMRetries:    1,
		ToolTimeout:   time.Second,
	}, slog.New(slog.DiscardHandler))

	return &loopFixture{loop: loop, store: st, client: client}
}

func kinds(t *testing.T, st *store.Store, conv string) []string {
	t.Helper()
	msgs, err := st.Load(context.Background(), conv)
	require.NoError(t, err)
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Kind
	}
	return out
}

func TestTurnPlainAnswer(t *testing.T) {
	f := newFixture(t, []scriptStep{textStep("Hello there!")}, nil)

	reply, err := f.loop.HandleTurn(context.Background(), "conv", "hi")
	require.NoError(t, err)
	require.Equal(t, "Hello there!", reply)

	require.Equal(t, []string{store.KindUser, store.KindAssistant}, kinds(t, f.store, "conv"))

	// System prompt goes first, then the user message.
	require.Equal(t, "system", f.client.lastMsg[0].Role)
	require.Equal(t, "user", f.client.lastMsg[1].Role)
	require.Equal(t, "hi", f.client.lastMsg[1].Content)
}

func TestTurnWithToolRound(t *testing.T) {
	reg := tools.NewRegistry()
	var gotQuery string
	reg.Register(&tools.Tool{
		Name:       "web_search",
		Parameters: map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			gotQuery = tools.StringArg(args, "query")
			return `[{"title":"Go 1.24 released"}]`, nil
		},
	})

	f := newFixture(t, []scriptStep{
		toolStep(call("call_1", "web_search", map[string]any{"query": "go release"})),
		textStep("Go 1.24 is out."),
	}, reg)

	reply, err := f.loop.HandleTurn(context.Background(), "conv", "what's new in go?")
	require.NoError(t, err)
	require.Equal(t, "Go 1.24 is out.", reply)
	require.Equal(t, "go release", gotQuery)

	require.Equal(t, []string{
		store.KindUser,
		store.KindToolRequest,
		store.KindToolResult,
		store.KindAssistant,
	}, kinds(t, f.store, "conv"))

	// The second model call must include the tool result keyed by call ID.
	last := f.client.lastMsg[len(f.client.lastMsg)-1]
	require.Equal(t, "tool", last.Role)
	require.Equal(t, "call_1", last.ToolCallID)
}

func TestToolErrorFedBackToModel(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&tools.Tool{
		Name:       "flaky",
		Parameters: map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "", fmt.Errorf("upstream 500")
		},
	})

	f := newFixture(t, []scriptStep{
		toolStep(call("call_1", "flaky", nil)),
		textStep("That service seems down right now."),
	}, reg)

	reply, err := f.loop.HandleTurn(context.Background(), "conv", "try the thing")
	require.NoError(t, err)
	require.Equal(t, "That service seems down right now.", reply)

	msgs, err := f.store.Load(context.Background(), "conv")
	require.NoError(t, err)
	require.Contains(t, msgs[2].Content, "Error:")
	require.Contains(t, msgs[2].Content, "upstream 500")
}

func TestUnknownToolFedBackToModel(t *testing.T) {
	f := newFixture(t, []scriptStep{
		toolStep(call("call_1", "teleport", nil)),
		textStep("I can't do that, but I can search the web."),
	}, tools.NewRegistry())

	reply, err := f.loop.HandleTurn(context.Background(), "conv", "teleport me")
	require.NoError(t, err)
	require.Equal(t, "I can't do that, but I can search the web.", reply)
}

func TestFatalToolEndsTurnWithFallback(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&tools.Tool{
		Name:       "calendar",
		Parameters: map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "", tools.Fatal(errors.New("token revoked"))
		},
	})

	// Script has only the tool round; a second model call would fail
	// the test.
	f := newFixture(t, []scriptStep{
		toolStep(call("call_1", "calendar", nil)),
	}, reg)

	reply, err := f.loop.HandleTurn(context.Background(), "conv", "add event")
	require.NoError(t, err)
	require.Equal(t, fallbackReply, reply)

	// The tool_request/tool_result pair is persisted before the
	// fallback, so no dangling request remains.
	require.Equal(t, []string{
		store.KindUser,
		store.KindToolRequest,
		store.KindToolResult,
		store.KindAssistant,
	}, kinds(t, f.store, "conv"))
}

func TestToolRoundCeilingEndsWithFallback(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&tools.Tool{
		Name:       "loop_forever",
		Parameters: map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "more data", nil
		},
	})

	// Three tool rounds exhaust the fixture's MaxToolRounds. The model
	// gets no further call; the turn ends with the canned fallback.
	f := newFixture(t, []scriptStep{
		toolStep(call("c1", "loop_forever", nil)),
		toolStep(call("c2", "loop_forever", nil)),
		toolStep(call("c3", "loop_forever", nil)),
	}, reg)

	reply, err := f.loop.HandleTurn(context.Background(), "conv", "dig deep")
	require.NoError(t, err)
	require.Equal(t, fallbackReply, reply)
	require.Equal(t, 3, f.client.calls)

	ks := kinds(t, f.store, "conv")
	require.Equal(t, store.KindAssistant, ks[len(ks)-1], "turn must end in assistant text")
	require.Equal(t, store.KindToolResult, ks[len(ks)-2], "no dangling tool_request")
}

func TestToolRequestPersistedBeforeExecution(t *testing.T) {
	// The handler inspects the transcript while it runs: the request
	// that triggered it must already be on disk.
	var f *loopFixture
	var seen []string
	reg := tools.NewRegistry()
	reg.Register(&tools.Tool{
		Name:       "observer",
		Parameters: map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			seen = kinds(t, f.store, "conv")
			return "ok", nil
		},
	})
	f = newFixture(t, []scriptStep{
		toolStep(call("call_1", "observer", nil)),
		textStep("done"),
	}, reg)

	_, err := f.loop.HandleTurn(context.Background(), "conv", "observe")
	require.NoError(t, err)

	require.NotEmpty(t, seen)
	require.Equal(t, store.KindToolRequest, seen[len(seen)-1])
}

func TestSchemaMismatchFedBackToModel(t *testing.T) {
	reg := tools.NewRegistry()
	var invoked int
	reg.Register(&tools.Tool{
		Name: "create_calendar_event",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"summary": map[string]any{"type": "string"},
				"start":   map[string]any{"type": "string"},
			},
			"required": []any{"summary", "start"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			invoked++
			return `{"status":"created"}`, nil
		},
	})

	// First call omits the required "start"; the model corrects itself
	// on the next round of the same turn.
	f := newFixture(t, []scriptStep{
		toolStep(call("call_1", "create_calendar_event", map[string]any{"summary": "Dentist"})),
		toolStep(call("call_2", "create_calendar_event", map[string]any{
			"summary": "Dentist", "start": "2026-09-01T10:00:00Z",
		})),
		textStep("Booked the dentist for September 1st at 10."),
	}, reg)

	reply, err := f.loop.HandleTurn(context.Background(), "conv", "book the dentist")
	require.NoError(t, err)
	require.Equal(t, "Booked the dentist for September 1st at 10.", reply)
	require.Equal(t, 1, invoked, "handler must not run on invalid arguments")

	msgs, err := f.store.Load(context.Background(), "conv")
	require.NoError(t, err)
	// First tool_result carries the validation error back to the model.
	require.Equal(t, store.KindToolResult, msgs[2].Kind)
	require.Contains(t, msgs[2].Content, "Error:")
	require.Contains(t, msgs[2].Content, `missing required field "start"`)
	// Second round succeeded.
	require.Equal(t, store.KindToolResult, msgs[4].Kind)
	require.Contains(t, msgs[4].Content, "created")
}

func TestLLMRetryThenSuccess(t *testing.T) {
	f := newFixture(t, []scriptStep{
		errStep(fmt.Errorf("502: %w", llm.ErrUpstreamModel)),
		textStep("Recovered."),
	}, nil)

	reply, err := f.loop.HandleTurn(context.Background(), "conv", "hi")
	require.NoError(t, err)
	require.Equal(t, "Recovered.", reply)
	require.Equal(t, 2, f.client.calls)

	// The failed attempt leaves no trace in the transcript.
	require.Equal(t, []string{store.KindUser, store.KindAssistant}, kinds(t, f.store, "conv"))
}

func TestLLMExhaustedRetriesSurfacesError(t *testing.T) {
	// LLMRetries=1 in the fixture: initial attempt + one retry. Once both
	// fail the error goes to the caller, who owns the user-facing reply.
	f := newFixture(t, []scriptStep{
		errStep(fmt.Errorf("timeout: %w", llm.ErrUpstreamTimeout)),
		errStep(fmt.Errorf("timeout: %w", llm.ErrUpstreamTimeout)),
	}, nil)

	_, err := f.loop.HandleTurn(context.Background(), "conv", "hi")
	require.ErrorIs(t, err, llm.ErrUpstreamTimeout)
	require.Equal(t, 2, f.client.calls)

	// No assistant message is invented for a turn the model never answered.
	require.Equal(t, []string{store.KindUser}, kinds(t, f.store, "conv"))
}

func TestTurnsOnSameConversationSerialize(t *testing.T) {
	f := newFixture(t, []scriptStep{textStep("one"), textStep("two")}, nil)

	release, err := f.store.AcquireTurn(context.Background(), "conv")
	require.NoError(t, err)

	done := make(chan string, 1)
	go func() {
		reply, err := f.loop.HandleTurn(context.Background(), "conv", "hi")
		require.NoError(t, err)
		done <- reply
	}()

	select {
	case <-done:
		t.Fatal("turn ran while conversation lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	release()

	select {
	case reply := <-done:
		require.Equal(t, "one", reply)
	case <-time.After(2 * time.Second):
		t.Fatal("turn never completed after lock release")
	}
}

func TestHistoryCarriesAcrossTurns(t *testing.T) {
	f := newFixture(t, []scriptStep{textStep("Nice to meet you, Ana."), textStep("Your name is Ana.")}, nil)
	ctx := context.Background()

	_, err := f.loop.HandleTurn(ctx, "conv", "My name is Ana.")
	require.NoError(t, err)

	_, err = f.loop.HandleTurn(ctx, "conv", "What's my name?")
	require.NoError(t, err)

	// Second call sees: system, user, assistant, user.
	require.Len(t, f.client.lastMsg, 4)
	require.Equal(t, "My name is Ana.", f.client.lastMsg[1].Content)
	require.Equal(t, "Nice to meet you, Ana.", f.client.lastMsg[2].Content)
}

func TestCheckpointAdvancesWithTurns(t *testing.T) {
	f := newFixture(t, []scriptStep{textStep("ok")}, nil)
	ctx := context.Background()

	_, err := f.loop.HandleTurn(ctx, "conv", "hi")
	require.NoError(t, err)

	cp, err := f.store.GetCheckpoint(ctx, "conv")
	require.NoError(t, err)
	require.NotNil(t, cp)
	require.Equal(t, int64(2), cp.LastOrdinal)
}

// Package agent runs the conversation loop: it takes an incoming user
// message, consults the language model, executes any tool calls the
// model requests, and produces the final reply. All intermediate steps
// are persisted so a conversation can be reconstructed after a restart.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nmoreno/secretaria/internal/llm"
	"github.com/nmoreno/secretaria/internal/prompts"
	"github.com/nmoreno/secretaria/internal/store"
	"github.com/nmoreno/secretaria/internal/tools"
)

// fallbackReply is sent when the turn cannot produce a proper answer.
const fallbackReply = "Sorry, I ran into a problem handling that. Please try again in a moment."

// ChatClient is the language model interface the loop depends on.
type ChatClient interface {
	Chat(ctx context.Context, model string, messages []llm.Message, toolList []map[string]any) (*llm.ChatResponse, error)
}

// Config bounds the loop's work per turn.
type Config struct {
	Model         string
	MaxToolRounds int
	LLMRetries    int
	ToolTimeout   time.Duration
}

// Loop drives one conversation turn at a time.
type Loop struct {
	client   ChatClient
	registry *tools.Registry
	store    *store.Store
	persona  *prompts.Persona
	loc      *time.Location
	cfg      Config
	logger   *slog.Logger

	// now is swappable in tests.
	now func() time.Time
}

// New creates a Loop. A zero MaxToolRounds or LLMRetries falls back to
// a sane default.
func New(client ChatClient, registry *tools.Registry, st *store.Store, persona *prompts.Persona, loc *time.Location, cfg Config, logger *slog.Logger) *Loop {
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 5
	}
	if cfg.LLMRetries < 0 {
		cfg.LLMRetries = 0
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		client:   client,
		registry: registry,
		store:    st,
		persona:  persona,
		loc:      loc,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// HandleTurn processes one user message end to end and returns the
// assistant's reply text. Turns on the same conversation are
// serialized; a second turn blocks until the first finishes.
func (l *Loop) HandleTurn(ctx context.Context, conversationID, userText string) (string, error) {
	release, err := l.store.AcquireTurn(ctx, conversationID)
	if err != nil {
		return "", fmt.Errorf("acquiring turn: %w", err)
	}
	defer release()

	history, err := l.store.Load(ctx, conversationID)
	if err != nil {
		return "", fmt.Errorf("loading conversation: %w", err)
	}

	userMsg := store.Message{Kind: store.KindUser, Content: userText}
	if _, err := l.store.Append(ctx, conversationID, userMsg); err != nil {
		return "", fmt.Errorf("persisting user message: %w", err)
	}
	history = append(history, userMsg)

	messages := l.buildMessages(history)
	toolList := l.registry.List()

	for round := 0; round < l.cfg.MaxToolRounds; round++ {
		resp, err := l.chatWithRetry(ctx, messages, toolList)
		if err != nil {
			// Retries exhausted. The caller decides what the user sees.
			return "", fmt.Errorf("model call failed: %w", err)
		}

		if len(resp.Message.ToolCalls) == 0 {
			reply := resp.Message.Content
			if reply == "" {
				reply = fallbackReply
			}
			if err := l.finishTurn(ctx, conversationID, reply); err != nil {
				return "", err
			}
			return reply, nil
		}

		// Persist the request before running anything, so a tool's side
		// effect can never outrun its trace in the log.
		callsJSON, err := json.Marshal(resp.Message.ToolCalls)
		if err != nil {
			return "", fmt.Errorf("encoding tool calls: %w", err)
		}
		if _, err := l.store.Append(ctx, conversationID, store.Message{
			Kind:      store.KindToolRequest,
			Content:   resp.Message.Content,
			ToolCalls: string(callsJSON),
		}); err != nil {
			return "", fmt.Errorf("persisting tool request: %w", err)
		}

		toolMsgs, fatal := l.runToolCalls(ctx, conversationID, resp.Message.ToolCalls)

		if _, err := l.store.AppendAll(ctx, conversationID, toolMsgs); err != nil {
			return "", fmt.Errorf("persisting tool results: %w", err)
		}

		if fatal {
			l.logger.Warn("tool failed fatally, ending turn", "conversation", conversationID, "round", round)
			return l.finishWithFallback(ctx, conversationID)
		}

		messages = append(messages, resp.Message)
		for _, m := range toolMsgs {
			messages = append(messages, llm.Message{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		}
	}

	// Tool round ceiling reached. End the turn with the canned
	// fallback so every tool_request still has a closing assistant
	// message; the model does not get another call.
	l.logger.Warn("tool round limit reached, ending turn", "conversation", conversationID)
	return l.finishWithFallback(ctx, conversationID)
}

// chatWithRetry calls the model, retrying transient upstream failures
// with exponential backoff. Failed attempts are never persisted.
func (l *Loop) chatWithRetry(ctx context.Context, messages []llm.Message, toolList []map[string]any) (*llm.ChatResponse, error) {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(l.cfg.LLMRetries)), ctx)
	var resp *llm.ChatResponse
	op := func() error {
		var err error
		resp, err = l.client.Chat(ctx, l.cfg.Model, messages, toolList)
		if err != nil {
			if errors.Is(err, llm.ErrUpstreamModel) || errors.Is(err, llm.ErrUpstreamTimeout) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return resp, nil
}

// runToolCalls executes each requested tool and returns the result
// messages in call order. Tool failures become result payloads the
// model can read and correct; only a fatal error ends the turn.
// Tools are never retried: a timed-out call may already have had its
// side effect.
func (l *Loop) runToolCalls(ctx context.Context, conversationID string, calls []llm.ToolCall) ([]store.Message, bool) {
	results := make([]store.Message, 0, len(calls))
	fatal := false
	for _, call := range calls {
		toolCtx, cancel := context.WithTimeout(ctx, l.cfg.ToolTimeout)
		out, err := l.registry.Execute(toolCtx, call.Function.Name, call.Function.Arguments)
		cancel()

		content := out
		if err != nil {
			l.logger.Warn("tool call failed",
				"conversation", conversationID,
				"tool", call.Function.Name,
				"error", err)
			content = fmt.Sprintf("Error: %v", err)
			if errors.Is(err, tools.ErrToolFatal) {
				fatal = true
			}
		} else {
			l.logger.Debug("tool call succeeded",
				"conversation", conversationID,
				"tool", call.Function.Name)
		}

		results = append(results, store.Message{
			Kind:       store.KindToolResult,
			Content:    content,
			ToolCallID: call.ID,
		})
	}
	return results, fatal
}

// finishTurn persists the final assistant message and advances the
// conversation checkpoint.
func (l *Loop) finishTurn(ctx context.Context, conversationID, reply string) error {
	ordinal, err := l.store.Append(ctx, conversationID, store.Message{
		Kind:    store.KindAssistant,
		Content: reply,
	})
	if err != nil {
		return fmt.Errorf("persisting assistant message: %w", err)
	}
	if err := l.store.SetCheckpoint(ctx, conversationID, ordinal); err != nil {
		l.logger.Warn("checkpoint update failed", "conversation", conversationID, "error", err)
	}
	return nil
}

// finishWithFallback ends the turn with the canned apology. The
// fallback is persisted like any assistant message so the transcript
// matches what the user saw.
func (l *Loop) finishWithFallback(ctx context.Context, conversationID string) (string, error) {
	if err := l.finishTurn(ctx, conversationID, fallbackReply); err != nil {
		return "", err
	}
	return fallbackReply, nil
}

// buildMessages converts stored history into model messages, with the
// system prompt first.
func (l *Loop) buildMessages(history []store.Message) []llm.Message {
	messages := make([]llm.Message, 0, len(history)+1)
	messages = append(messages, llm.Message{
		Role:    "system",
		Content: l.persona.System(l.now(), l.loc),
	})
	for _, m := range history {
		switch m.Kind {
		case store.KindUser:
			messages = append(messages, llm.Message{Role: "user", Content: m.Content})
		case store.KindAssistant:
			messages = append(messages, llm.Message{Role: "assistant", Content: m.Content})
		case store.KindToolRequest:
			var calls []llm.ToolCall
			if m.ToolCalls != "" {
				if err := json.Unmarshal([]byte(m.ToolCalls), &calls); err != nil {
					l.logger.Warn("skipping malformed tool calls in history", "message", m.ID, "error", err)
					continue
				}
			}
			messages = append(messages, llm.Message{Role: "assistant", Content: m.Content, ToolCalls: calls})
		case store.KindToolResult:
			messages = append(messages, llm.Message{Role: "tool", Content: m.Content, ToolCallID: m.ToolCallID})
		}
	}
	return messages
}

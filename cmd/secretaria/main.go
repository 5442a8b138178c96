// Command secretaria runs the WhatsApp assistant: a webhook server
// that bridges Twilio messages to an LLM agent with calendar and web
// search tools.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/nmoreno/secretaria/internal/agent"
	"github.com/nmoreno/secretaria/internal/buildinfo"
	"github.com/nmoreno/secretaria/internal/calendar"
	"github.com/nmoreno/secretaria/internal/config"
	"github.com/nmoreno/secretaria/internal/llm"
	"github.com/nmoreno/secretaria/internal/prompts"
	"github.com/nmoreno/secretaria/internal/search"
	"github.com/nmoreno/secretaria/internal/server"
	"github.com/nmoreno/secretaria/internal/store"
	"github.com/nmoreno/secretaria/internal/tools"
	"github.com/nmoreno/secretaria/internal/transcribe"
	"github.com/nmoreno/secretaria/internal/whatsapp"
)

const usage = `Usage: secretaria <command> [options]

Commands:
  serve              Run the webhook server
  ask <message>      Run one agent turn from the command line
  version            Print version information

Options:
  -config <path>     Config file (default: search standard locations)
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	// Populate the environment for ${VAR} expansion in the config.
	// Missing .env is fine.
	_ = godotenv.Load()

	var configPath string
	var command string
	var rest []string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-config", "--config":
			if i+1 >= len(args) {
				return fmt.Errorf("-config requires a path")
			}
			i++
			configPath = args[i]
		case "-h", "-help", "--help":
			fmt.Fprint(stdout, usage)
			return nil
		default:
			if command == "" {
				command = args[i]
			} else {
				rest = append(rest, args[i])
			}
		}
	}

	switch command {
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	case "serve", "ask":
		// handled below
	case "":
		fmt.Fprint(stderr, usage)
		return fmt.Errorf("no command given")
	default:
		fmt.Fprint(stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config %s: %w", cfgPath, err)
	}

	logger, err := newLogger(stderr, cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	logger.Info("starting", "version", buildinfo.String(), "config", cfgPath)

	app, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.store.Close()

	switch command {
	case "serve":
		// Surface a bad API key at startup instead of on the first turn.
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := app.chat.Ping(pingCtx); err != nil {
			logger.Warn("model API check failed", "error", err)
		}
		cancel()
		return app.server.ListenAndServe(ctx)
	case "ask":
		if len(rest) == 0 {
			return fmt.Errorf("ask requires a message argument")
		}
		reply, err := app.loop.HandleTurn(ctx, "cli", rest[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, reply)
		return nil
	}
	return nil
}

// app holds the wired components.
type app struct {
	store  *store.Store
	loop   *agent.Loop
	server *server.Server
	chat   *llm.OpenAIClient
}

// buildApp wires the store, tools, agent loop, and HTTP server from
// the loaded configuration.
func buildApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if cfg.OpenAI.APIKey == "" {
		return nil, fmt.Errorf("openai.api_key is required")
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", cfg.Timezone, err)
	}

	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	persona, err := prompts.Load(cfg.PersonaFile)
	if err != nil {
		st.Close()
		return nil, err
	}

	registry := tools.NewRegistry()

	mgr := search.NewManager(cfg.Search.Primary)
	if cfg.Search.Tavily.APIKey != "" {
		mgr.Register(search.NewTavily(cfg.Search.Tavily.APIKey))
	}
	if cfg.Search.Brave.APIKey != "" {
		mgr.Register(search.NewBrave(cfg.Search.Brave.APIKey))
	}
	if mgr.Configured() {
		search.RegisterTool(registry, mgr)
	} else {
		logger.Warn("no search provider configured, web_search tool disabled")
	}

	ts := calendar.NewTokenSource(cfg.Calendar.CredentialsFile, cfg.Calendar.TokenFile, logger)
	calClient := calendar.NewClient(ts, logger)
	calendar.NewTools(calClient, cfg.Calendar.DefaultCalendarID, loc).Register(registry)

	logger.Info("tools registered", "tools", registry.Names())

	chatClient := llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, logger)
	loop := agent.New(chatClient, registry, st, persona, loc, agent.Config{
		Model:         cfg.OpenAI.Model,
		MaxToolRounds: cfg.Agent.MaxToolRounds,
		LLMRetries:    cfg.Agent.LLMRetries,
		ToolTimeout:   time.Duration(cfg.Agent.ToolTimeoutSec) * time.Second,
	}, logger)

	scribe := transcribe.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.TranscriptionModel, logger)
	messenger := whatsapp.NewClient(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken)

	srv := server.New(cfg, loop, st, messenger, scribe, logger)

	return &app{store: st, loop: loop, server: srv, chat: chatClient}, nil
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	lvl, err := config.ParseLogLevel(level)
	if err != nil {
		return nil, err
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: config.ReplaceLogLevelNames,
	})
	return slog.New(handler), nil
}

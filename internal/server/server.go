// Package server exposes the HTTP surface: the Twilio webhook that
// drives conversations, plus health and inspection endpoints.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nmoreno/secretaria/internal/agent"
	"github.com/nmoreno/secretaria/internal/buildinfo"
	"github.com/nmoreno/secretaria/internal/config"
	"github.com/nmoreno/secretaria/internal/store"
	"github.com/nmoreno/secretaria/internal/transcribe"
	"github.com/nmoreno/secretaria/internal/whatsapp"
)

// transcribeFailReply is sent when a voice note cannot be understood.
const transcribeFailReply = "Sorry, I couldn't understand that audio message. Could you type it instead?"

// turnFailReply is sent when the agent loop itself errors out.
const turnFailReply = "Sorry, something went wrong on my end. Please try again in a moment."

// Messenger delivers outbound messages and fetches inbound media.
type Messenger interface {
	SendMessage(ctx context.Context, from, to, body string) error
	FetchMedia(ctx context.Context, mediaURL string) ([]byte, error)
}

// Transcriber converts audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// Server handles inbound webhooks and drives the agent loop.
type Server struct {
	cfg       *config.Config
	loop      *agent.Loop
	store     *store.Store
	messenger Messenger
	scribe    Transcriber
	limiter   *rateLimiter
	logger    *slog.Logger

	turnTimeout time.Duration
}

// New assembles the server. messenger and scribe are interfaces so
// tests can substitute fakes.
func New(cfg *config.Config, loop *agent.Loop, st *store.Store, messenger Messenger, scribe Transcriber, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	turnTimeout := time.Duration(cfg.Agent.TurnTimeoutSec) * time.Second
	if turnTimeout <= 0 {
		turnTimeout = 5 * time.Minute
	}
	return &Server{
		cfg:         cfg,
		loop:        loop,
		store:       st,
		messenger:   messenger,
		scribe:      scribe,
		limiter:     newRateLimiter(cfg.Agent.RateLimit, time.Minute),
		logger:      logger,
		turnTimeout: turnTimeout,
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Post(s.cfg.Twilio.WebhookPath, s.handleWebhook)
	r.Get("/health", s.handleHealth)
	r.Get("/v1/version", s.handleVersion)
	r.Get("/v1/stats", s.handleStats)
	r.Get("/v1/conversations/{id}/messages", s.handleMessages)

	return r
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Listen.Address, s.cfg.Listen.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server listening", "addr", addr, "path", s.cfg.Twilio.WebhookPath)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// handleWebhook accepts an inbound Twilio message. The webhook is
// acknowledged immediately; the turn runs in the background and the
// reply is delivered over the Twilio REST API, not in the webhook
// response.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}
	msg := whatsapp.ParseInbound(r.PostForm)
	if msg.From == "" || msg.To == "" {
		http.Error(w, "missing From or To", http.StatusBadRequest)
		return
	}

	if !s.limiter.allow(msg.From) {
		s.logger.Warn("rate limit exceeded, dropping message", "from", msg.From)
		s.ackWebhook(w)
		return
	}

	s.logger.Info("inbound message",
		"from", msg.From,
		"sid", msg.MessageSID,
		"media", msg.NumMedia)

	go s.runTurn(msg)
	s.ackWebhook(w)
}

// ackWebhook returns the empty TwiML document Twilio expects when the
// reply is delivered out of band.
func (s *Server) ackWebhook(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml")
	fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`)
}

// runTurn resolves the message text (transcribing audio if needed),
// runs the agent loop, and delivers the reply. It runs detached from
// the webhook request context.
func (s *Server) runTurn(msg whatsapp.InboundMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), s.turnTimeout)
	defer cancel()

	text := msg.Body
	if msg.IsAudio() {
		transcript, err := s.transcribeAudio(ctx, msg)
		if err != nil {
			s.logger.Error("transcription failed", "from", msg.From, "error", err)
			s.deliver(ctx, msg, transcribeFailReply)
			return
		}
		text = transcript
	}
	if text == "" {
		s.logger.Warn("empty message after media handling, ignoring", "from", msg.From)
		return
	}

	reply, err := s.loop.HandleTurn(ctx, msg.SenderID(), text)
	if err != nil {
		// Error details never reach the user.
		s.logger.Error("turn failed", "from", msg.From, "error", err)
		s.deliver(ctx, msg, turnFailReply)
		return
	}
	s.deliver(ctx, msg, reply)
}

func (s *Server) transcribeAudio(ctx context.Context, msg whatsapp.InboundMessage) (string, error) {
	audio, err := s.messenger.FetchMedia(ctx, msg.MediaURL)
	if err != nil {
		return "", fmt.Errorf("fetching audio: %w", err)
	}
	text, err := s.scribe.Transcribe(ctx, audio, transcribe.FilenameForContentType(msg.MediaType))
	if err != nil {
		return "", err
	}
	return text, nil
}

// deliver sends the reply back to the sender, swapping To and From.
func (s *Server) deliver(ctx context.Context, msg whatsapp.InboundMessage, body string) {
	if err := s.messenger.SendMessage(ctx, msg.To, msg.From, body); err != nil {
		s.logger.Error("reply delivery failed", "to", msg.From, "error", err)
		return
	}
	s.logger.Debug("reply delivered", "to", msg.From, "chars", len(body))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	info := buildinfo.Info()
	info["uptime"] = buildinfo.Uptime().Round(time.Second).String()
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.Stats(r.Context()))
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conv, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if conv == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "conversation not found"})
		return
	}
	msgs, err := s.store.Load(r.Context(), id)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"conversation": conv,
		"messages":     msgs,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", "error", err)
	}
}

// logRequests logs each request at debug level with method, path,
// status, and duration.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).Round(time.Millisecond))
	})
}

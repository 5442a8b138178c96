// Package transcribe converts inbound audio payloads to text via the
// OpenAI audio transcriptions API. It is a stateless pass-through; the
// webhook handler decides what to do with failures.
package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/nmoreno/secretaria/internal/httpkit"
)

// ErrTranscription indicates the audio could not be transcribed. The
// webhook handler short-circuits the turn with a user-facing reply
// rather than entering the agent loop.
var ErrTranscription = errors.New("transcription failed")

const defaultBaseURL = "https://api.openai.com/v1"

// Client calls the OpenAI audio transcriptions endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a transcription client. model defaults to whisper-1.
func NewClient(apiKey, baseURL, model string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if model == "" {
		model = "whisper-1"
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		logger:  logger.With("provider", "whisper"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(60 * time.Second),
		),
	}
}

// Transcribe uploads audio bytes and returns the transcribed text.
// filename should carry a representative extension (voice.ogg) so the
// API can infer the container format.
func (c *Client) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("%w: empty audio payload", ErrTranscription)
	}
	if filename == "" {
		filename = "audio.ogg"
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("write audio: %w", err)
	}
	if err := mw.WriteField("model", c.model); err != nil {
		return "", fmt.Errorf("write model field: %w", err)
	}
	if err := mw.WriteField("response_format", "text"); err != nil {
		return "", fmt.Errorf("write format field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug("transcribing audio",
		"bytes", len(audio),
		"filename", filename,
		"model", c.model,
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTranscription, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 2048)
		c.logger.Error("transcription API error", "status", resp.StatusCode, "body", errBody)
		return "", fmt.Errorf("%w: status %d: %s", ErrTranscription, resp.StatusCode, errBody)
	}

	// response_format=text returns the transcript as a plain text body.
	text, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrTranscription, err)
	}

	transcript := strings.TrimSpace(string(text))
	c.logger.Debug("transcription complete", "chars", len(transcript))
	return transcript, nil
}

// FilenameForContentType derives an upload filename from an audio MIME
// type (audio/ogg → voice.ogg). Unknown subtypes are truncated to keep
// the extension plausible.
func FilenameForContentType(contentType string) string {
	ext := "ogg"
	if contentType != "audio/ogg" {
		if idx := strings.Index(contentType, "/"); idx >= 0 && idx+1 < len(contentType) {
			ext = contentType[idx+1:]
			// Strip codec suffixes like "ogg; codecs=opus".
			if semi := strings.Index(ext, ";"); semi >= 0 {
				ext = ext[:semi]
			}
			if len(ext) > 5 {
				ext = ext[:5]
			}
		}
	}
	return "voice." + ext
}

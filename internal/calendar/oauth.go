// Package calendar implements the Google Calendar tool collaborators:
// an events REST client, the OAuth credential lifecycle it depends on,
// and the tool constructors the agent registers.
package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nmoreno/secretaria/internal/httpkit"
)

// ErrAuthRequired indicates no stored credential exists. Completing the
// OAuth consent flow is an out-of-band operator action.
var ErrAuthRequired = errors.New("calendar authorization required")

// ErrAuthExpired indicates the refresh token was rejected; the stored
// grant is no longer usable and consent must be repeated.
var ErrAuthExpired = errors.New("calendar authorization expired")

const defaultTokenEndpoint = "https://oauth2.googleapis.com/token"

// clientSecrets mirrors the Google OAuth client secrets JSON
// ("installed app" shape).
type clientSecrets struct {
	Installed struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
		TokenURI     string `json:"token_uri"`
	} `json:"installed"`
}

// storedToken is the persisted token file shape.
type storedToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry"`
}

func (t *storedToken) valid() bool {
	// A small skew so a token about to expire is not handed out.
	return t.AccessToken != "" && time.Until(t.Expiry) > 30*time.Second
}

// TokenSource loads the persisted OAuth token, refreshes it when
// expired, and persists the refreshed token. It is safe for concurrent
// use by parallel turns.
type TokenSource struct {
	credentialsFile string
	tokenFile       string
	httpClient      *http.Client
	logger          *slog.Logger

	mu    sync.Mutex
	token *storedToken
}

// NewTokenSource creates a token source backed by the given secrets and
// token files.
func NewTokenSource(credentialsFile, tokenFile string, logger *slog.Logger) *TokenSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenSource{
		credentialsFile: credentialsFile,
		tokenFile:       tokenFile,
		logger:          logger.With("component", "calendar_auth"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(15 * time.Second),
		),
	}
}

// Token returns a valid bearer credential, refreshing and persisting it
// if the cached one has expired.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token == nil {
		tok, err := ts.loadToken()
		if err != nil {
			return "", err
		}
		ts.token = tok
	}

	if ts.token.valid() {
		return ts.token.AccessToken, nil
	}

	if ts.token.RefreshToken == "" {
		return "", fmt.Errorf("%w: stored token has no refresh token", ErrAuthRequired)
	}

	tok, err := ts.refresh(ctx, ts.token.RefreshToken)
	if err != nil {
		return "", err
	}
	ts.token = tok

	if err := ts.saveToken(tok); err != nil {
		// The refreshed token is still usable this turn.
		ts.logger.Warn("persisting refreshed token failed", "error", err)
	}
	return tok.AccessToken, nil
}

func (ts *TokenSource) loadToken() (*storedToken, error) {
	data, err := os.ReadFile(ts.tokenFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: token file %s not found", ErrAuthRequired, ts.tokenFile)
		}
		return nil, fmt.Errorf("read token file: %w", err)
	}

	var tok storedToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("%w: token file %s unreadable", ErrAuthRequired, ts.tokenFile)
	}
	return &tok, nil
}

func (ts *TokenSource) saveToken(tok *storedToken) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	if err := os.WriteFile(ts.tokenFile, data, 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}

func (ts *TokenSource) loadSecrets() (*clientSecrets, error) {
	data, err := os.ReadFile(ts.credentialsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: credentials file %s not found", ErrAuthRequired, ts.credentialsFile)
		}
		return nil, fmt.Errorf("read credentials file: %w", err)
	}

	var secrets clientSecrets
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parse credentials file: %w", err)
	}
	if secrets.Installed.ClientID == "" || secrets.Installed.ClientSecret == "" {
		return nil, fmt.Errorf("%w: credentials file %s missing installed client", ErrAuthRequired, ts.credentialsFile)
	}
	return &secrets, nil
}

// refresh exchanges the refresh token for a new access token at the
// Google token endpoint.
func (ts *TokenSource) refresh(ctx context.Context, refreshToken string) (*storedToken, error) {
	secrets, err := ts.loadSecrets()
	if err != nil {
		return nil, err
	}

	endpoint := secrets.Installed.TokenURI
	if endpoint == "" {
		endpoint = defaultTokenEndpoint
	}

	form := url.Values{
		"client_id":     {secrets.Installed.ClientID},
		"client_secret": {secrets.Installed.ClientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	ts.logger.Debug("refreshing calendar token")

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		errBody := httpkit.ReadErrorBody(resp.Body, 1024)
		ts.logger.Error("refresh token rejected", "status", resp.StatusCode, "body", errBody)
		return nil, fmt.Errorf("%w: refresh rejected (%d)", ErrAuthExpired, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 1024)
		return nil, fmt.Errorf("token refresh failed: status %d: %s", resp.StatusCode, errBody)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode refresh response: %w", err)
	}
	if body.AccessToken == "" {
		return nil, fmt.Errorf("%w: refresh response carried no access token", ErrAuthExpired)
	}

	return &storedToken{
		AccessToken:  body.AccessToken,
		RefreshToken: refreshToken, // Google does not rotate it on refresh
		TokenType:    body.TokenType,
		Expiry:       time.Now().Add(time.Duration(body.ExpiresIn) * time.Second),
	}, nil
}

package whatsapp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nmoreno/secretaria/internal/httpkit"
)

const defaultAPIBase = "https://api.twilio.com"

// maxMediaSize caps downloaded media attachments. Voice notes are
// typically well under a megabyte; 16 MB matches Twilio's own limit.
const maxMediaSize = 16 << 20

// Client talks to the Twilio REST API for outbound messages and
// media downloads. Requests authenticate with HTTP basic auth using
// the account SID and auth token.
type Client struct {
	accountSID string
	authToken  string
	apiBase    string
	httpClient *http.Client
}

// NewClient creates a Twilio client for the given account credentials.
func NewClient(accountSID, authToken string) *Client {
	return &Client{
		accountSID: accountSID,
		authToken:  authToken,
		apiBase:    defaultAPIBase,
		httpClient: httpkit.NewClient(httpkit.WithRetry(2, time.Second)),
	}
}

// SetAPIBase overrides the API base URL. Used in tests.
func (c *Client) SetAPIBase(base string) {
	c.apiBase = strings.TrimRight(base, "/")
}

// SendMessage sends a WhatsApp message from one number to another.
// Both numbers must carry the "whatsapp:" prefix.
func (c *Client) SendMessage(ctx context.Context, from, to, body string) error {
	form := url.Values{}
	form.Set("From", from)
	form.Set("To", to)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.apiBase, c.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("twilio API returned %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 1024))
	}
	return nil
}

// FetchMedia downloads a media attachment by its URL. Twilio media
// URLs require the same basic auth as the REST API.
func (c *Client) FetchMedia(ctx context.Context, mediaURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media fetch returned %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 1024))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaSize))
	if err != nil {
		return nil, fmt.Errorf("reading media body: %w", err)
	}
	return data, nil
}

package fetch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/archivist/internal/archerr"
)

const defaultTimeout = 30 * time.Second

// Markers that identify a login page served in place of the requested
// conversation. An expired session often comes back as a 200 with a
// sign-in form, so status alone is not enough.
var loginPathMarkers = []string{"/login", "/auth", "/signin"}

var loginBodyMarkers = []string{
	`name="password"`,
	`id="login-form"`,
	"Sign in to continue",
}

// Client fetches conversation pages using the caller's session
// credentials. Every request carries a timeout: an unresponsive
// upstream must fail the item, not stall the batch.
type Client struct {
	http      *http.Client
	baseURL   string
	cookie    string
	userAgent string
	timeout   time.Duration
	logger    *slog.Logger
}

func NewClient(baseURL, cookie, userAgent string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		http:      &http.Client{},
		baseURL:   strings.TrimRight(baseURL, "/"),
		cookie:    cookie,
		userAgent: userAgent,
		timeout:   timeout,
		logger:    logger,
	}
}

// ConversationURL builds the page URL for a conversation identifier.
func (c *Client) ConversationURL(id string) string {
	return c.baseURL + "/c/" + id
}

// FetchHTML retrieves a conversation page. Non-2xx statuses and
// login-page signatures both come back as FetchError so the caller can
// tell an auth problem from a generic network failure.
func (c *Client) FetchHTML(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &archerr.FetchError{URL: url, Err: err}
	}
	req.Header.Set("Accept", "text/html")
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &archerr.FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	// The client follows redirects; the final URL tells us whether we
	// were bounced to a login page.
	finalPath := resp.Request.URL.Path
	for _, marker := range loginPathMarkers {
		if strings.HasPrefix(finalPath, marker) {
			return "", &archerr.FetchError{URL: url, StatusCode: resp.StatusCode, AuthFailure: true}
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &archerr.FetchError{
			URL:         url,
			StatusCode:  resp.StatusCode,
			AuthFailure: resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden,
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &archerr.FetchError{URL: url, StatusCode: resp.StatusCode, Err: err}
	}

	html := string(body)
	for _, marker := range loginBodyMarkers {
		if strings.Contains(html, marker) {
			return "", &archerr.FetchError{URL: url, StatusCode: resp.StatusCode, AuthFailure: true}
		}
	}

	c.logger.Debug("page fetched", "url", url, "bytes", len(html))
	return html, nil
}

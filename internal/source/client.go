// Package source holds the publisher adapters and their shared fetch
// plumbing. Adapters are deliberately thin and stateless: all progress
// lives in the watch checkpoints, so a rebuilt adapter never loses place.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pewwatch/internal/watch"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "pewwatch/1.0"

	// maxBody bounds one fetched document. Advisory pages are well under
	// a megabyte; anything larger is a publisher problem, not ours.
	maxBody = 8 << 20
)

// Client is the HTTP fetcher shared by all source adapters. Failures come
// back as watch.FetchError tagged with the source kind and operation, so
// pass logs can tell vendors apart.
type Client struct {
	http      *http.Client
	userAgent string
}

func NewClient(timeout time.Duration, userAgent string) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if strings.TrimSpace(userAgent) == "" {
		userAgent = defaultUserAgent
	}
	return &Client{
		http:      &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

// HTTP exposes the underlying client for libraries that drive their own
// requests (feed parsing).
func (c *Client) HTTP() *http.Client { return c.http }

func (c *Client) UserAgent() string { return c.userAgent }

// Get fetches rawURL and returns the body, following redirects.
func (c *Client) Get(ctx context.Context, kind, op, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &watch.FetchError{SourceKind: kind, Op: op, Err: err}
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &watch.FetchError{SourceKind: kind, Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, &watch.FetchError{
			SourceKind: kind, Op: op,
			Err: fmt.Errorf("http=%d for %s", resp.StatusCode, rawURL),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if err != nil {
		return nil, &watch.FetchError{SourceKind: kind, Op: op, Err: err}
	}
	if len(body) > maxBody {
		return nil, &watch.FetchError{
			SourceKind: kind, Op: op,
			Err: fmt.Errorf("body exceeds %d bytes for %s", maxBody, rawURL),
		}
	}
	return body, nil
}

// GetJSON fetches rawURL and decodes the body into v. Transport failures
// are fetch errors; a 2xx body that does not decode is format drift.
func (c *Client) GetJSON(ctx context.Context, kind, op, rawURL string, v any) error {
	body, err := c.Get(ctx, kind, op, rawURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &watch.DriftError{SourceKind: kind, Op: op, Detail: "response is not the expected JSON: " + err.Error()}
	}
	return nil
}

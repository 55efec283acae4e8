// Package api holds the JSON types of the gateway control surface and a
// thin HTTP client for them, used by the CLI verbs.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a thin HTTP client for the gateway control API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given base URL (e.g. http://host:port).
func NewClient(baseURL string) *Client {
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Download starts a firmware download.
func (c *Client) Download(ctx context.Context, url string) error {
	return c.postJSON(ctx, "/download", DownloadRequest{URL: url}, nil)
}

// Status fetches download state.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var resp StatusResponse
	err := c.getJSON(ctx, "/status", &resp)
	return resp, err
}

// CancelDownload aborts an in-flight download.
func (c *Client) CancelDownload(ctx context.Context) error {
	return c.postJSON(ctx, "/cancel", nil, nil)
}

// Distribute starts mesh distribution of the downloaded image.
func (c *Client) Distribute(ctx context.Context) error {
	return c.postJSON(ctx, "/distribute", nil, nil)
}

// DistributionStatus fetches the session snapshot.
func (c *Client) DistributionStatus(ctx context.Context) (DistributionStatus, error) {
	var resp DistributionStatus
	err := c.getJSON(ctx, "/distribution/status", &resp)
	return resp, err
}

// CancelDistribution aborts the running session.
func (c *Client) CancelDistribution(ctx context.Context) error {
	return c.postJSON(ctx, "/distribution/cancel", nil, nil)
}

// Reboot starts the coordinated reboot handshake.
func (c *Client) Reboot(ctx context.Context, req RebootRequest) error {
	return c.postJSON(ctx, "/reboot", req, nil)
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(res.Body)
		msg := strings.TrimSpace(string(body))
		if msg != "" {
			return fmt.Errorf("request failed: %s: %s", res.Status, msg)
		}
		return fmt.Errorf("request failed: %s", res.Status)
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(res.Body)
	return decoder.Decode(out)
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a running daemon's API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for addr, either host:port or a full http URL.
func NewClient(addr string) *Client {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Response   ErrorResponse
}

func (e *StatusError) Error() string {
	msg := e.Response.Error
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Response.Details != "" {
		return fmt.Sprintf("%s (%d %s): %s", msg, e.StatusCode, e.Response.Code, e.Response.Details)
	}
	return fmt.Sprintf("%s (%d %s)", msg, e.StatusCode, e.Response.Code)
}

// CreateChild requests a new child.
func (c *Client) CreateChild(ctx context.Context) (AcceptedResponse, error) {
	var resp AcceptedResponse
	err := c.do(ctx, http.MethodPost, "/children", nil, &resp)
	return resp, err
}

// Increment requests an increment of the child at address.
func (c *Client) Increment(ctx context.Context, address string) (AcceptedResponse, error) {
	var resp AcceptedResponse
	err := c.do(ctx, http.MethodPost, "/children/"+url.PathEscape(address)+"/increment", nil, &resp)
	return resp, err
}

// Reset requests the child at address to set its count.
func (c *Client) Reset(ctx context.Context, address string, count int32) (AcceptedResponse, error) {
	n := int64(count)
	var resp AcceptedResponse
	err := c.do(ctx, http.MethodPost, "/children/"+url.PathEscape(address)+"/reset", ResetRequest{Count: &n}, &resp)
	return resp, err
}

// List returns the registry contents.
func (c *Client) List(ctx context.Context) (ListChildrenResponse, error) {
	var resp ListChildrenResponse
	err := c.do(ctx, http.MethodGet, "/children", nil, &resp)
	return resp, err
}

// Count reads a child's count directly from the environment.
func (c *Client) Count(ctx context.Context, address string) (CountResponse, error) {
	var resp CountResponse
	err := c.do(ctx, http.MethodGet, "/children/"+url.PathEscape(address)+"/count", nil, &resp)
	return resp, err
}

// Health returns the daemon status. A 503 still decodes into the response.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var resp HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &resp)
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusServiceUnavailable {
		return resp, nil
	}
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(data, &se.Response)
		// Health reports its body alongside 503
		if out != nil {
			_ = json.Unmarshal(data, out)
		}
		return se
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

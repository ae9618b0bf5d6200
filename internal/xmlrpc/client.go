package xmlrpc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client issues XML-RPC calls to one endpoint URL.
type Client struct {
	URL  string
	HTTP *http.Client
}

// NewClient returns a client for the endpoint at host:port.
func NewClient(host string, port int) *Client {
	return &Client{
		URL:  fmt.Sprintf("http://%s:%d/", host, port),
		HTTP: &http.Client{Timeout: 60 * time.Second},
	}
}

// Call invokes method with args and returns the single result value. A
// server-side fault comes back as a *Fault error.
func (c *Client) Call(ctx context.Context, method string, args ...any) (any, error) {
	body, err := EncodeCall(method, args...)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/xml")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("xmlrpc: http %d from %s", resp.StatusCode, c.URL)
	}
	return ParseResponse(data)
}

// String calls the method and asserts a string result.
func (c *Client) String(ctx context.Context, method string, args ...any) (string, error) {
	v, err := c.Call(ctx, method, args...)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("xmlrpc: %s returned %T, want string", method, v)
	}
	return s, nil
}

// Bool calls the method and asserts a boolean result.
func (c *Client) Bool(ctx context.Context, method string, args ...any) (bool, error) {
	v, err := c.Call(ctx, method, args...)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("xmlrpc: %s returned %T, want bool", method, v)
	}
	return b, nil
}

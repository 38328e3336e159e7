package refresh

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	goAuthSync "github.com/MrEthical07/goAuthSync"
)

const maxResponseBytes = 64 << 10

// Request is the JSON body of POST /auth/refresh.
type Request struct {
	RefreshCredential string `json:"refreshCredential"`
}

// Client posts refresh credentials to Endpoint.
type Client struct {
	endpoint string
	header   string
	http     *http.Client
}

var _ goAuthSync.TokenExchanger = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithCredentialHeader also sends the credential in header name, for servers that read
// it from a header instead of the body.
func WithCredentialHeader(name string) Option {
	return func(cl *Client) {
		cl.header = strings.TrimSpace(name)
	}
}

// NewClient returns a Client for endpoint, the full refresh URL.
func NewClient(endpoint string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, errors.New("refresh endpoint required")
	}
	c := &Client{
		endpoint: endpoint,
		http:     http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Exchange implements [goAuthSync.TokenExchanger].
func (c *Client) Exchange(ctx context.Context, refreshCredential string) (goAuthSync.TokenPair, error) {
	body, err := json.Marshal(Request{RefreshCredential: refreshCredential})
	if err != nil {
		return goAuthSync.TokenPair{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return goAuthSync.TokenPair{}, fmt.Errorf("%w: %v", goAuthSync.ErrRefreshTransient, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.header != "" {
		req.Header.Set(c.header, refreshCredential)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return goAuthSync.TokenPair{}, fmt.Errorf("%w: %v", goAuthSync.ErrRefreshTransient, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return goAuthSync.TokenPair{}, err
	}

	var pair goAuthSync.TokenPair
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&pair); err != nil {
		return goAuthSync.TokenPair{}, fmt.Errorf("%w: %v", goAuthSync.ErrRefreshMalformed, err)
	}
	if pair.AccessToken == "" || pair.RefreshCredential == "" {
		return goAuthSync.TokenPair{}, fmt.Errorf("%w: missing token in response", goAuthSync.ErrRefreshMalformed)
	}
	return pair, nil
}

func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusBadRequest,
		code == http.StatusUnauthorized,
		code == http.StatusForbidden,
		code == http.StatusNotFound,
		code == http.StatusGone:
		return fmt.Errorf("%w: status %d", goAuthSync.ErrRefreshRejected, code)
	default:
		return fmt.Errorf("%w: status %d", goAuthSync.ErrRefreshTransient, code)
	}
}

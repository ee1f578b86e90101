package i2pcontrol

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	DefaultPassword = "itoopie"
	DefaultTimeout  = 10 * time.Second

	// maxResponseSize bounds response body reads from a router.
	maxResponseSize = 1 << 20
)

// State is the authentication state of a Client.
type State int

const (
	Unauthenticated State = iota
	Authenticated
)

func (s State) String() string {
	if s == Authenticated {
		return "authenticated"
	}
	return "unauthenticated"
}

// Client is an authenticated JSON-RPC client for one router's I2PControl
// endpoint. The session token is obtained lazily and cached until
// Invalidate is called.
type Client struct {
	url      string
	password string
	http     *http.Client

	mu    sync.Mutex
	token string
}

// Option configures a Client.
type Option func(*Client)

// WithPassword overrides the shared I2PControl password.
func WithPassword(password string) Option {
	return func(c *Client) { c.password = password }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// NewClient creates a client for the endpoint URL (e.g. https://ip:7650).
// Routers serve I2PControl with a self-signed certificate, so verification
// is disabled.
func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url:      url,
		password: DefaultPassword,
		http: &http.Client{
			Timeout: DefaultTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // self-signed router certs
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State reports whether a token is cached.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" {
		return Unauthenticated
	}
	return Authenticated
}

// Authenticate performs the password handshake unless a token is already
// cached. Concurrent callers share one handshake.
func (c *Client) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return nil
	}

	var res struct {
		API   int    `json:"API"`
		Token string `json:"Token"`
	}
	err := c.post(ctx, request{
		ID:      1,
		Method:  "Authenticate",
		Params:  map[string]any{"API": 1, "Password": c.password},
		JSONRPC: "2.0",
	}, &res)
	if err != nil {
		var remote *RemoteError
		if errors.As(err, &remote) && remote.Code == codeInvalidPassword {
			return fmt.Errorf("%w: %s", ErrAuthRejected, remote.Message)
		}
		return err
	}
	if res.Token == "" {
		return fmt.Errorf("%w: empty token in response", ErrAuthRejected)
	}
	c.token = res.Token
	return nil
}

// Token returns the cached token, authenticating on first use.
func (c *Client) Token(ctx context.Context) (string, error) {
	if err := c.Authenticate(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, nil
}

// Invalidate drops the cached token; the next call re-authenticates.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// Call issues an authenticated request and returns the raw result payload.
// It never retries.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return nil, err
	}
	var result json.RawMessage
	err = c.post(ctx, request{
		ID:      1,
		Method:  method,
		Params:  params,
		JSONRPC: "2.0",
		Token:   token,
	}, &result)
	if err != nil {
		var remote *RemoteError
		if errors.As(err, &remote) && isTokenError(remote.Code) {
			return nil, fmt.Errorf("%w: %w", ErrAuthExpired, remote)
		}
		return nil, err
	}
	return result, nil
}

type request struct {
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	JSONRPC string `json:"jsonrpc"`
	Token   string `json:"Token,omitempty"`
}

type response struct {
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RemoteError    `json:"error"`
	JSONRPC string          `json:"jsonrpc"`
}

func (c *Client) post(ctx context.Context, body request, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, body.Method, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: %s: reading response: %v", ErrUnreachable, body.Method, err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = res.Status
		}
		return &RemoteError{Code: res.StatusCode, Message: msg}
	}

	var envelope response
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("decode %s response: %w", body.Method, err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		return fmt.Errorf("%s response has no result", body.Method)
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = envelope.Result
		return nil
	}
	return json.Unmarshal(envelope.Result, out)
}

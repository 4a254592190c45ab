// Package murmur is the Go client for the murmur direct-messaging backend.
//
// It wraps the hosted store's REST, auth and realtime endpoints and keeps a
// per-session conversation cache that is reconciled against realtime
// broadcasts, with optimistic like/delete mutations and reply tracking.
//
// Example:
//
//	client := murmur.NewClient("https://xyz.example.co", "anon-key",
//		murmur.WithAccessToken(token))
//
//	session, _ := murmur.EstablishSession(ctx, client)
//	view := murmur.NewChatView(session, client, murmur.NewMemoryView(), nil)
//
//	listener := client.Realtime(session.UserID, &murmur.RealtimeConfig{})
//	view.Attach(listener)
//	listener.Connect(ctx)
//
//	view.Open(ctx, "conversation-id")
//	view.Send(ctx, "hello")
package murmur

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

const (
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the hosted store over HTTP.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger

	mu          sync.RWMutex
	accessToken string
}

type ClientOption func(*Client)

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithAccessToken authenticates requests as a signed-in user instead of the anonymous key.
func WithAccessToken(token string) ClientOption {
	return func(c *Client) { c.accessToken = token }
}

func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a client for the project at baseURL using its public api key.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetAccessToken sets or replaces the user access token, e.g. after sign-in.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	c.accessToken = token
	c.mu.Unlock()
}

// AccessToken returns the current user access token, if any.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// BaseURL returns the project URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIKey returns the public api key.
func (c *Client) APIKey() string {
	return c.apiKey
}

// ============================================================================
// Internal request helper
// ============================================================================

type request struct {
	method string
	path   string
	query  url.Values
	body   interface{}
	prefer string
	// auth marks auth service calls, whose credential errors come back as 400
	auth bool
}

func (c *Client) do(ctx context.Context, r request, out interface{}) error {
	u := c.baseURL + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	var bodyReader io.Reader
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	requestID := uuid.NewString()
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Client-Request-Id", requestID)
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.prefer != "" {
		req.Header.Set("Prefer", r.prefer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.log.Debug("remote request",
		"method", r.method, "path", r.path, "status", resp.StatusCode, "request_id", requestID)

	if resp.StatusCode == http.StatusBadRequest && r.auth && r.method == http.MethodPost {
		// invalid credentials come back as 400 invalid_grant
		apiErr := decodeAPIError(resp.StatusCode, data).(*APIError)
		apiErr.Status = http.StatusUnauthorized
		return apiErr
	}
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// decodeAPIError understands both the REST error body and the auth error body.
func decodeAPIError(status int, data []byte) error {
	var body struct {
		Code             interface{} `json:"code"`
		Message          string      `json:"message"`
		Details          string      `json:"details"`
		Hint             string      `json:"hint"`
		Msg              string      `json:"msg"`
		Error            string      `json:"error"`
		ErrorDescription string      `json:"error_description"`
	}
	apiErr := &APIError{Status: status}
	if json.Unmarshal(data, &body) == nil {
		if s, ok := body.Code.(string); ok {
			apiErr.Code = s
		}
		apiErr.Details = body.Details
		apiErr.Hint = body.Hint
		for _, m := range []string{body.Message, body.Msg, body.ErrorDescription, body.Error} {
			if m != "" {
				apiErr.Message = m
				break
			}
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

// Realtime creates a listener for the user's broadcast channel. Call Connect to subscribe.
func (c *Client) Realtime(userID string, config *RealtimeConfig) *Listener {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.APIKey == "" {
		cfg.APIKey = c.apiKey
	}
	if cfg.AccessToken == "" {
		cfg.AccessToken = c.AccessToken()
	}
	if cfg.Logger == nil {
		cfg.Logger = c.log
	}
	cfg.defaults()
	return newListener(c.baseURL, UserTopic(userID), &cfg)
}

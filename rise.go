// Package rise provides the Go client core for the Rise support chat: a
// realtime hub connection that survives network loss, an outbound queue that
// replays actions once connectivity returns, and the emergency alert and
// notification plumbing built on top of them.
//
// Example:
//
//	client := rise.NewClient(token, rise.WithBaseURL("https://rise.example"))
//	queue := rise.NewOutboundQueue(store, client)
//	dispatcher := rise.NewDispatcher(client, queue, monitor, user)
//
//	res, _ := dispatcher.Dispatch(ctx, "42", rise.CreateMessageRequest{Content: "hello"})
//	if res.Status == rise.DispatchPending {
//		// show res.Pending until the queue drains
//	}
//
// The server side of the hub lives in the hub package.
package rise

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the Rise HTTP API.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new API client authenticated with a bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// HubURL returns the websocket URL of the realtime hub.
func (c *Client) HubURL() string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/hub"
}

// ============================================================================
// Internal request helper
// ============================================================================

// do sends a request and decodes the API envelope. Network failures and
// unreadable responses become *ConnectionError; failed envelopes are mapped
// onto the error taxonomy.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*APIResult, error) {
	u := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ConnectionError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ConnectionError{Op: "read response", Err: err}
	}

	var result APIResult
	if err := json.Unmarshal(data, &result); err != nil {
		if resp.StatusCode >= 500 {
			return nil, &ConnectionError{Op: method + " " + path, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
		}
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !result.OK {
		return &result, errorFromResult(resp.StatusCode, &result)
	}
	return &result, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any) (*APIResult, error) {
	var raw []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		raw = b
	}
	return c.do(ctx, method, path, raw)
}

// ============================================================================
// Messages
// ============================================================================

// MessagesPath returns the creation endpoint of a conversation.
func MessagesPath(conversationID string) string {
	return "/conversations/" + url.PathEscape(conversationID) + "/messages"
}

// CreateMessage posts a message to a conversation.
func (c *Client) CreateMessage(ctx context.Context, conversationID string, req CreateMessageRequest) (*Message, error) {
	res, err := c.doJSON(ctx, http.MethodPost, MessagesPath(conversationID), req)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := res.Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &msg, nil
}

// Replay sends a queued action as recorded. It satisfies Replayer.
func (c *Client) Replay(ctx context.Context, action *QueuedAction) (json.RawMessage, error) {
	c.logger.Debug().
		Uint64("action", action.ID).
		Str("method", action.Method).
		Str("path", action.TargetPath).
		Msg("replaying queued action")
	res, err := c.do(ctx, action.Method, action.TargetPath, action.Payload)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// ============================================================================
// Alerts
// ============================================================================

func alertPath(conversationID, action string) string {
	p := "/conversations/" + url.PathEscape(conversationID) + "/alert"
	if action != "" {
		p += "/" + action
	}
	return p
}

// AlertStatus fetches the alert state of a conversation over HTTP.
func (c *Client) AlertStatus(ctx context.Context, conversationID string) (*AlertStatus, error) {
	return c.alertCall(ctx, http.MethodGet, alertPath(conversationID, ""))
}

// ActivateAlert raises the alert of a conversation over HTTP.
func (c *Client) ActivateAlert(ctx context.Context, conversationID string) (*AlertStatus, error) {
	return c.alertCall(ctx, http.MethodPost, alertPath(conversationID, "activate"))
}

// DeactivateAlert clears the alert of a conversation over HTTP. Only the
// member who raised it may do so.
func (c *Client) DeactivateAlert(ctx context.Context, conversationID string) (*AlertStatus, error) {
	return c.alertCall(ctx, http.MethodPost, alertPath(conversationID, "deactivate"))
}

func (c *Client) alertCall(ctx context.Context, method, path string) (*AlertStatus, error) {
	res, err := c.do(ctx, method, path, nil)
	if err != nil {
		return nil, err
	}
	var status AlertStatus
	if err := res.Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode alert status: %w", err)
	}
	return &status, nil
}

// Health checks GET /health.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ConnectionError{Op: "health", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &ConnectionError{Op: "health", Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}
	return nil
}

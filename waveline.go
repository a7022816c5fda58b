// Package waveline provides the Go client for the Waveline messaging API,
// including the realtime conversation sync engine.
//
// The sync engine keeps a local view of one conversation consistent with the
// server's change feed while letting the caller compose messages that appear
// immediately, before the server confirms them.
//
// Example:
//
//	client := waveline.NewClient("wl-token-...")
//
//	session, _ := client.OpenConversation(ctx, "conv-123", nil)
//	defer session.Close()
//
//	session.OnViewChanged(func() { render(session.OrderedView()) })
//	session.Send(waveline.SendPayload{Body: "hello"})
package waveline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
)

var environments = map[Environment]string{
	Production: "https://api.waveline.im",
}

const (
	DefaultBaseURL = "https://api.waveline.im"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Logger receives diagnostic lines from the engine (merge conflicts, feed
// reconnects, presence write failures). Nil means silent.
type Logger func(format string, args ...any)

type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new Waveline client authenticated with the given token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the auth token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger(format, args...)
	}
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
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
		return nil, &TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

// do issues a request and decodes the standard result envelope.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*APIResult, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[APIResult](data)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// resultErr converts a non-OK result into an error.
func resultErr(r *APIResult, fallback string) error {
	if r.Error != nil {
		return r.Error
	}
	return fmt.Errorf("%s", fallback)
}

// ============================================================================
// Identity
// ============================================================================

// Me returns the authenticated user's identity.
func (c *Client) Me(ctx context.Context) (*Identity, error) {
	res, err := c.do(ctx, "GET", "/api/v1/me", nil, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "me request failed")
	}
	var id Identity
	if err := res.Decode(&id); err != nil {
		return nil, fmt.Errorf("failed to decode identity: %w", err)
	}
	return &id, nil
}

// ============================================================================
// Threads
// ============================================================================

// ListThreads returns the caller's conversation list, most recent first.
func (c *Client) ListThreads(ctx context.Context) ([]*Thread, error) {
	res, err := c.do(ctx, "GET", "/api/v1/threads", nil, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "thread list failed")
	}
	var threads []*Thread
	if err := res.Decode(&threads); err != nil {
		return nil, fmt.Errorf("failed to decode threads: %w", err)
	}
	return threads, nil
}

// ============================================================================
// Messages (remote write / read)
// ============================================================================

// PostMessage writes a message to the remote conversation. Most callers
// should use Session.Send, which inserts an optimistic entry first; this is
// the raw write endpoint beneath it.
func (c *Client) PostMessage(ctx context.Context, conversationID string, payload SendPayload) (*SendReceipt, error) {
	if payload.Kind == "" {
		payload.Kind = KindText
	}
	res, err := c.do(ctx, "POST", "/api/v1/conversations/"+conversationID+"/messages", payload, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "message write rejected")
	}
	var receipt SendReceipt
	if err := res.Decode(&receipt); err != nil {
		return nil, fmt.Errorf("failed to decode receipt: %w", err)
	}
	return &receipt, nil
}

// History fetches up to limit confirmed messages strictly older than the
// cursor, newest first. A nil cursor fetches from the live tail.
func (c *Client) History(ctx context.Context, conversationID string, before *Cursor, limit int) ([]*Message, error) {
	query := map[string]string{"limit": strconv.Itoa(limit)}
	if before != nil {
		query["before"] = before.At.UTC().Format(time.RFC3339Nano)
		query["beforeId"] = before.ID
	}
	res, err := c.do(ctx, "GET", "/api/v1/conversations/"+conversationID+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "history fetch failed")
	}
	var msgs []*Message
	if err := res.Decode(&msgs); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return msgs, nil
}

// DeleteMessage tombstones a message. The deletion is observed as an
// ordinary field change on the next feed snapshot.
func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	res, err := c.do(ctx, "DELETE", "/api/v1/conversations/"+conversationID+"/messages/"+messageID, nil, nil)
	if err != nil {
		return err
	}
	if !res.OK {
		return resultErr(res, "delete failed")
	}
	return nil
}

// ============================================================================
// Reactions
// ============================================================================

// AddReaction sets the caller's reaction on a message. Fire and forget: the
// updated reaction map arrives via the next feed snapshot.
func (c *Client) AddReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	res, err := c.do(ctx, "PUT",
		"/api/v1/conversations/"+conversationID+"/messages/"+messageID+"/reactions",
		map[string]string{"emoji": emoji}, nil)
	if err != nil {
		return err
	}
	if !res.OK {
		return resultErr(res, "reaction failed")
	}
	return nil
}

// RemoveReaction clears the caller's reaction on a message.
func (c *Client) RemoveReaction(ctx context.Context, conversationID, messageID string) error {
	res, err := c.do(ctx, "DELETE",
		"/api/v1/conversations/"+conversationID+"/messages/"+messageID+"/reactions", nil, nil)
	if err != nil {
		return err
	}
	if !res.OK {
		return resultErr(res, "reaction removal failed")
	}
	return nil
}

// ============================================================================
// Presence
// ============================================================================

// WritePresence updates the caller's typing flag for a conversation. Most
// callers should use Session.SetTyping, which debounces these writes.
func (c *Client) WritePresence(ctx context.Context, conversationID string, typing bool) error {
	res, err := c.do(ctx, "PATCH", "/api/v1/conversations/"+conversationID+"/presence",
		map[string]bool{"typing": typing}, nil)
	if err != nil {
		return err
	}
	if !res.OK {
		return resultErr(res, "presence write failed")
	}
	return nil
}

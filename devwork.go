// Package devwork is the Go client SDK for DevWork chat.
//
// It covers the chat REST API and a realtime sync engine that keeps a live,
// reconciled view of conversations and messages over a WebSocket channel.
//
// Example:
//
//	client := devwork.NewClient(token, devwork.WithBaseURL("http://localhost:4000"))
//
//	// REST
//	convs, _ := client.Conversations.List(ctx)
//	page, _ := client.Messages.History(ctx, convs[0].ID, "", 0)
//
//	// Realtime session
//	session := client.NewSession(devwork.User{ID: "u1", Name: "Ada"}, nil)
//	session.Start(ctx)
//	defer session.Close()
//	session.OpenConversation(ctx, convs[0].ID)
//	session.SendMessage(convs[0].ID, "hello")
package devwork

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

	"github.com/rs/zerolog"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Local      Environment = "local"
	Production Environment = "production"
)

var environments = map[Environment]string{
	Local:      "http://localhost:4000",
	Production: "https://api.devwork.app",
}

const (
	DefaultBaseURL  = "http://localhost:4000"
	DefaultTimeout  = 30 * time.Second
	DefaultPageSize = 30
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger

	Conversations *ConversationsClient
	Messages      *MessagesClient
	Realtime      *RealtimeClient
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

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new client. token is the opaque session credential
// issued by the auth service.
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

	c.Conversations = &ConversationsClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Realtime = &RealtimeClient{c: c}
	return c
}

// SetToken replaces the session credential, e.g. after a re-login.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Token returns the session credential.
func (c *Client) Token() string {
	return c.token
}

// BaseURL returns the API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, int, error) {
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
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// do performs a request and decodes the envelope. A non-success envelope is
// returned as an error.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, status, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[Result](data)
	if err != nil {
		if status >= 400 {
			return nil, &APIError{Code: "HTTP_" + strconv.Itoa(status), Message: http.StatusText(status)}
		}
		return nil, err
	}
	if err := res.Err(); err != nil {
		c.logger.Debug().Str("method", method).Str("path", path).Int("status", status).Err(err).Msg("api error")
		return res, err
	}
	return res, nil
}

// ============================================================================
// Chat API
// ============================================================================

// ConversationsClient lists the current user's conversations.
type ConversationsClient struct{ c *Client }

// List returns all conversations with their preview and unread count.
func (cv *ConversationsClient) List(ctx context.Context) ([]Conversation, error) {
	res, err := cv.c.do(ctx, "GET", "/api/chat/conversations", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	var out []Conversation
	if err := res.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	return out, nil
}

// UnreadCount returns the total unread messages across conversations.
func (cv *ConversationsClient) UnreadCount(ctx context.Context) (int, error) {
	res, err := cv.c.do(ctx, "GET", "/api/chat/unread-count", nil, nil)
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	var out UnreadCountData
	if err := res.Decode(&out); err != nil {
		return 0, fmt.Errorf("decode unread count: %w", err)
	}
	return out.Count, nil
}

// MessagesClient reads conversation history.
type MessagesClient struct{ c *Client }

// History returns the page of messages older than cursor, oldest first. An
// empty cursor returns the newest page; limit <= 0 uses the server default.
func (mc *MessagesClient) History(ctx context.Context, conversationID, cursor string, limit int) (*MessagePage, error) {
	query := map[string]string{}
	if cursor != "" {
		query["cursor"] = cursor
	}
	if limit > 0 {
		query["limit"] = strconv.Itoa(limit)
	}
	res, err := mc.c.do(ctx, "GET", "/api/chat/conversations/"+url.PathEscape(conversationID)+"/messages", nil, query)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", conversationID, err)
	}
	var page MessagePage
	if err := res.Decode(&page); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return &page, nil
}

// Fetcher adapts the REST client to the store's Fetcher.
func (c *Client) Fetcher(pageSize int) Fetcher {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &apiFetcher{c: c, pageSize: pageSize}
}

type apiFetcher struct {
	c        *Client
	pageSize int
}

func (f *apiFetcher) Conversations(ctx context.Context) ([]Conversation, error) {
	return f.c.Conversations.List(ctx)
}

func (f *apiFetcher) History(ctx context.Context, conversationID, cursor string) (*MessagePage, error) {
	return f.c.Messages.History(ctx, conversationID, cursor, f.pageSize)
}

func (f *apiFetcher) UnreadCount(ctx context.Context) (int, error) {
	return f.c.Conversations.UnreadCount(ctx)
}

// ============================================================================
// Realtime
// ============================================================================

// RealtimeClient builds realtime channels bound to this client.
type RealtimeClient struct{ c *Client }

// WSURL returns the WebSocket URL.
func (r *RealtimeClient) WSURL() string {
	return WSURL(r.c.baseURL)
}

// Dialer returns a DialFunc producing WebSocket channels. An empty URL
// defaults to the client's endpoint; the logger is always the client's.
func (r *RealtimeClient) Dialer(config ChannelConfig) DialFunc {
	if config.URL == "" {
		config.URL = r.WSURL()
	}
	config.Logger = r.c.logger
	return func(credential string, h ChannelHandlers) Channel {
		cfg := config
		cfg.Token = credential
		return NewWSChannel(cfg, h)
	}
}

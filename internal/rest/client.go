// Package rest is the request/response side of the chat API: message
// submission when the duplex channel is down and history backfill for
// conversations the local cache has not seen.
package rest

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

	"github.com/mktplace-tools/chatsync/internal/chat"
)

const defaultTimeout = 30 * time.Second

// StatusError is a non-2xx response. The body is kept verbatim so callers
// can log what the server actually said.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rest: unexpected status %d: %s", e.Code, e.Body)
}

// Client talks to the chat HTTP API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type Option func(*Client)

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a REST client for the given base URL. token may be
// empty and set later via SetToken.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token, e.g. after a credential refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
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
			return nil, fmt.Errorf("rest: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("rest: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rest: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("rest: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("rest: unmarshal response: %w", err)
	}
	return &result, nil
}

// SendMessage submits a message over HTTP and returns the server's copy,
// which carries the assigned id and final status.
func (c *Client) SendMessage(ctx context.Context, msg chat.Message) (*chat.Message, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/api/messages", msg, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[chat.Message](data)
}

// FetchMessages returns up to limit messages for a conversation, newest
// first. before is a unix-millisecond cursor; zero means from the latest.
func (c *Client) FetchMessages(ctx context.Context, conversationID string, limit int, before int64) ([]chat.Message, error) {
	query := map[string]string{"limit": strconv.Itoa(limit)}
	if before > 0 {
		query["before"] = strconv.FormatInt(before, 10)
	}
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	data, err := c.doRequest(ctx, http.MethodGet, path, nil, query)
	if err != nil {
		return nil, err
	}
	out, err := decodeJSON[[]chat.Message](data)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

// FetchConversation returns one conversation's summary.
func (c *Client) FetchConversation(ctx context.Context, conversationID string) (*chat.Conversation, error) {
	path := "/api/conversations/" + url.PathEscape(conversationID)
	data, err := c.doRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[chat.Conversation](data)
}

// ListConversations returns the caller's conversation summaries.
func (c *Client) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	out, err := decodeJSON[[]chat.Conversation](data)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

// MarkRead reports messages as read up to and including messageID.
func (c *Client) MarkRead(ctx context.Context, conversationID, messageID string) error {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/read"
	_, err := c.doRequest(ctx, http.MethodPatch, path, map[string]string{"messageId": messageID}, nil)
	return err
}

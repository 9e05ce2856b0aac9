// Package backend is a client for the reply-generation service that owns
// conversation history.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"ig-relay/internal/domain"
	"ig-relay/internal/integrations/httpjson"
)

const DefaultBaseURL = "http://localhost:3000"

type historyResponse struct {
	History []domain.Record `json:"history"`
}

type storeRequest struct {
	Username string          `json:"username"`
	History  []domain.Record `json:"history"`
}

type queryRequest struct {
	Username string `json:"username"`
	Query    string `json:"query"`
}

type queryResponse struct {
	Response string `json:"response"`
}

// HTTPStatusError captures non-2xx backend responses.
type HTTPStatusError = httpjson.StatusError

const serviceName = "backend"

type Client struct {
	baseURL string
	caller  httpjson.Caller
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.caller.HTTPClient = httpClient
	}
}

// NewClient creates a Client for the backend at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("backend: base url must not be empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("backend: parse base url: %w", err)
	}
	c := &Client{
		baseURL: baseURL,
		caller:  httpjson.Caller{Service: serviceName, HTTPClient: &http.Client{}},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetHistory returns the stored history for username. A 404 surfaces as an
// *HTTPStatusError; deciding that it means "empty" is left to the caller.
func (c *Client) GetHistory(ctx context.Context, username string) ([]domain.Record, error) {
	endpoint := c.baseURL + "/conversation_history/" + url.PathEscape(username)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("backend: create history request: %w", err)
	}

	raw, err := c.caller.Do(req, endpoint)
	if err != nil {
		return nil, fmt.Errorf("backend: get history: %w", err)
	}

	var payload historyResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("backend: decode history response: %w", err)
	}
	if payload.History == nil {
		return []domain.Record{}, nil
	}
	return payload.History, nil
}

// StoreConversation replaces the stored history for username with history.
// Records are sent back byte for byte. The raw response body is returned for
// logging.
func (c *Client) StoreConversation(ctx context.Context, username string, history []domain.Record) (json.RawMessage, error) {
	if history == nil {
		history = []domain.Record{}
	}
	endpoint := c.baseURL + "/store_conversation"
	raw, err := c.postJSON(ctx, endpoint, storeRequest{Username: username, History: history})
	if err != nil {
		return nil, fmt.Errorf("backend: store conversation: %w", err)
	}
	return json.RawMessage(raw), nil
}

// Query asks the backend to generate a reply to query on behalf of username.
func (c *Client) Query(ctx context.Context, username, query string) (string, error) {
	endpoint := c.baseURL + "/query"
	raw, err := c.postJSON(ctx, endpoint, queryRequest{Username: username, Query: query})
	if err != nil {
		return "", fmt.Errorf("backend: query: %w", err)
	}

	var payload queryResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("backend: decode query response: %w", err)
	}
	return payload.Response, nil
}

func (c *Client) postJSON(ctx context.Context, endpoint string, in any) ([]byte, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.caller.Do(req, endpoint)
}

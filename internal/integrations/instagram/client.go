package instagram

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

const (
	DefaultBaseURL = "https://graph.instagram.com/v21.0"
	platformName   = "instagram"

	conversationMessageFields = "messages{id,created_time,from,to,message}"
	messageFields             = "id,created_time,from,to,message"
)

// conversationsResponse is the minimal shape of GET /me/conversations.
type conversationsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// conversationResponse is the minimal shape of GET /{conversation-id} with
// the nested messages edge requested.
type conversationResponse struct {
	ID       string `json:"id"`
	Messages *struct {
		Data []domain.Message `json:"data"`
	} `json:"messages"`
}

type sendRequest struct {
	Recipient sendRecipient `json:"recipient"`
	Message   sendMessage   `json:"message"`
}

type sendRecipient struct {
	ID string `json:"id"`
}

type sendMessage struct {
	Text string `json:"text"`
}

// graphErrorBody is the error envelope the Graph API returns on failures.
type graphErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// HTTPStatusError captures non-2xx Graph API responses. URL never includes the
// query string so the access token stays out of logs.
type HTTPStatusError = httpjson.StatusError

func graphErrorMessage(body []byte) string {
	var ge graphErrorBody
	if json.Unmarshal(body, &ge) != nil {
		return ""
	}
	return ge.Error.Message
}

// Client is a focused Instagram Graph API client for the messaging endpoints.
type Client struct {
	baseURL     string
	accessToken string
	caller      httpjson.Caller
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.caller.HTTPClient = httpClient
	}
}

// NewClient creates a Client authenticating every call with accessToken. An
// empty token is accepted; the platform will reject the calls.
func NewClient(accessToken string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:     DefaultBaseURL,
		accessToken: accessToken,
		caller: httpjson.Caller{
			Service:      platformName,
			HTTPClient:   &http.Client{},
			ErrorMessage: graphErrorMessage,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.baseURL = strings.TrimRight(c.baseURL, "/")
	if c.baseURL == "" {
		return nil, errors.New("instagram: base url must not be empty")
	}
	if _, err := url.Parse(c.baseURL); err != nil {
		return nil, fmt.Errorf("instagram: parse base url: %w", err)
	}
	return c, nil
}

// GetConversationID returns the id of the first Instagram conversation with
// userID. ok is false when the platform reports none.
func (c *Client) GetConversationID(ctx context.Context, userID string) (string, bool, error) {
	q := url.Values{}
	q.Set("user_id", userID)
	q.Set("platform", platformName)

	var payload conversationsResponse
	if err := c.getJSON(ctx, "/me/conversations", q, &payload); err != nil {
		return "", false, fmt.Errorf("instagram: get conversation id: %w", err)
	}
	if len(payload.Data) == 0 {
		return "", false, nil
	}
	return payload.Data[0].ID, true, nil
}

// FetchMessages returns every message of a conversation in the order the
// platform lists them. A conversation without a messages edge yields an empty
// slice.
func (c *Client) FetchMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, errors.New("instagram: conversation id must not be empty")
	}
	q := url.Values{}
	q.Set("fields", conversationMessageFields)

	var payload conversationResponse
	if err := c.getJSON(ctx, "/"+url.PathEscape(conversationID), q, &payload); err != nil {
		return nil, fmt.Errorf("instagram: fetch messages: %w", err)
	}
	if payload.Messages == nil || len(payload.Messages.Data) == 0 {
		return []domain.Message{}, nil
	}
	return payload.Messages.Data, nil
}

// GetMessage fetches a single message with all of its fields.
func (c *Client) GetMessage(ctx context.Context, messageID string) (domain.Message, error) {
	if strings.TrimSpace(messageID) == "" {
		return domain.Message{}, errors.New("instagram: message id must not be empty")
	}
	q := url.Values{}
	q.Set("fields", messageFields)

	var msg domain.Message
	if err := c.getJSON(ctx, "/"+url.PathEscape(messageID), q, &msg); err != nil {
		return domain.Message{}, fmt.Errorf("instagram: get message: %w", err)
	}
	return msg, nil
}

// SendMessage sends a text message to recipientID.
func (c *Client) SendMessage(ctx context.Context, recipientID, text string) (domain.SendReceipt, error) {
	body, err := json.Marshal(sendRequest{
		Recipient: sendRecipient{ID: recipientID},
		Message:   sendMessage{Text: text},
	})
	if err != nil {
		return domain.SendReceipt{}, fmt.Errorf("instagram: marshal send request: %w", err)
	}

	endpoint, full := c.endpoint("/me/messages", nil)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, full, bytes.NewReader(body))
	if err != nil {
		return domain.SendReceipt{}, fmt.Errorf("instagram: create send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	raw, err := c.caller.Do(req, endpoint)
	if err != nil {
		return domain.SendReceipt{}, fmt.Errorf("instagram: send message: %w", err)
	}

	var out domain.SendReceipt
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.SendReceipt{}, fmt.Errorf("instagram: decode send response: %w", err)
	}
	return out, nil
}

// endpoint returns the token-free URL used in errors and the full request URL.
func (c *Client) endpoint(path string, q url.Values) (string, string) {
	if q == nil {
		q = url.Values{}
	}
	q.Set("access_token", c.accessToken)
	endpoint := c.baseURL + path
	return endpoint, endpoint + "?" + q.Encode()
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	endpoint, full := c.endpoint(path, q)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	raw, err := c.caller.Do(req, endpoint)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

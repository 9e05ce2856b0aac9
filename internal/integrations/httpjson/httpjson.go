// Package httpjson holds the request plumbing shared by the integration
// clients.
package httpjson

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

const (
	maxErrorBody    = 4096
	maxResponseBody = 1 << 20
)

// StatusError captures a non-2xx response. URL is the endpoint without its
// query string.
type StatusError struct {
	Service    string
	StatusCode int
	URL        string
	Body       string
	Message    string
}

func (e *StatusError) Error() string {
	detail := e.Body
	if e.Message != "" {
		detail = e.Message
	}
	return fmt.Sprintf("%s: unexpected status %d from %s: %s", e.Service, e.StatusCode, e.URL, detail)
}

func (e *StatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Caller executes requests for one upstream service.
type Caller struct {
	Service    string
	HTTPClient *http.Client
	// ErrorMessage extracts a readable message from an error body. Optional.
	ErrorMessage func(body []byte) string
}

func (c Caller) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// Do sends req and returns the response body of a 2xx reply. endpoint is what
// errors report in place of req.URL, which may carry credentials.
func (c Caller) Do(req *http.Request, endpoint string) ([]byte, error) {
	res, err := c.httpClient().Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return nil, fmt.Errorf("%s %s: %w", urlErr.Op, endpoint, urlErr.Err)
		}
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		statusErr := &StatusError{
			Service:    c.Service,
			StatusCode: res.StatusCode,
			URL:        endpoint,
			Body:       string(buf),
		}
		if c.ErrorMessage != nil {
			statusErr.Message = c.ErrorMessage(buf)
		}
		return nil, statusErr
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

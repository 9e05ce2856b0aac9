package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"ig-relay/internal/signature"
)

const (
	testVerifyToken = "verify-me"
	testAppSecret   = "app-secret"
)

type call struct {
	userID string
	text   string
}

type stubMessages struct {
	mu    sync.Mutex
	calls []call
	err   error
	block chan struct{}
}

func (s *stubMessages) HandleMessage(_ context.Context, userID, text string) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call{userID: userID, text: text})
	return s.err
}

func (s *stubMessages) snapshot() []call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]call(nil), s.calls...)
}

func newTestWebhook(t *testing.T, m MessageHandler) *Webhook {
	t.Helper()
	w, err := NewWebhook(context.Background(), m, Secrets{VerifyToken: testVerifyToken, AppSecret: testAppSecret}, nil)
	require.NoError(t, err)
	return w
}

func waitIdle(t *testing.T, w *Webhook) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Wait(ctx))
}

func verifyRequest(mode, token, challenge string) *http.Request {
	q := url.Values{}
	q.Set("hub.mode", mode)
	q.Set("hub.verify_token", token)
	q.Set("hub.challenge", challenge)
	return httptest.NewRequest(http.MethodGet, "/webhooks?"+q.Encode(), nil)
}

// signHeader computes the delivery signature the platform would send.
func signHeader(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func deliveryRequest(body, secret string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(signature.Header, signHeader([]byte(body), secret))
	}
	return req
}

func serve(t *testing.T, h echo.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	require.NoError(t, h(c))
	return rec
}

// ---------------------------------------------------------------------------
// Verify
// ---------------------------------------------------------------------------

func TestNewWebhook_ValidatesDependency(t *testing.T) {
	_, err := NewWebhook(context.Background(), nil, Secrets{}, nil)
	require.Error(t, err)
}

func TestVerify_EchoesChallenge(t *testing.T) {
	w := newTestWebhook(t, &stubMessages{})
	for _, challenge := range []string{"1158201444", "abc", ""} {
		rec := serve(t, w.Verify, verifyRequest("subscribe", testVerifyToken, challenge))
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, challenge, rec.Body.String())
	}
}

func TestVerify_Refuses(t *testing.T) {
	cases := []struct {
		name  string
		mode  string
		token string
	}{
		{name: "wrong token", mode: "subscribe", token: "nope"},
		{name: "wrong mode", mode: "unsubscribe", token: testVerifyToken},
		{name: "empty mode", mode: "", token: testVerifyToken},
		{name: "empty token", mode: "subscribe", token: ""},
	}
	w := newTestWebhook(t, &stubMessages{})
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := serve(t, w.Verify, verifyRequest(tc.mode, tc.token, "c"))
			require.Equal(t, http.StatusForbidden, rec.Code)
			require.Equal(t, "Forbidden", rec.Body.String())
		})
	}
}

func TestVerify_UnsetTokenAlwaysRefuses(t *testing.T) {
	w, err := NewWebhook(context.Background(), &stubMessages{}, Secrets{}, nil)
	require.NoError(t, err)
	rec := serve(t, w.Verify, verifyRequest("subscribe", "", "c"))
	require.Equal(t, http.StatusForbidden, rec.Code)
}

// ---------------------------------------------------------------------------
// Receive
// ---------------------------------------------------------------------------

const oneMessage = `{"object":"instagram","entry":[{"id":"biz","time":1730540000,"messaging":[
	{"sender":{"id":"user-1"},"recipient":{"id":"biz"},"timestamp":1730540000,"message":{"mid":"m1","text":"opening hours?"}}
]}]}`

func TestReceive_DispatchesMessage(t *testing.T) {
	m := &stubMessages{}
	w := newTestWebhook(t, m)

	rec := serve(t, w.Receive, deliveryRequest(oneMessage, testAppSecret))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "EVENT_RECEIVED", rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Correlation-Id"))

	waitIdle(t, w)
	require.Equal(t, []call{{userID: "user-1", text: "opening hours?"}}, m.snapshot())
}

func TestReceive_AcksBeforeProcessing(t *testing.T) {
	m := &stubMessages{block: make(chan struct{})}
	w := newTestWebhook(t, m)

	rec := serve(t, w.Receive, deliveryRequest(oneMessage, testAppSecret))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int64(1), w.InFlight())
	require.Empty(t, m.snapshot())

	close(m.block)
	waitIdle(t, w)
	require.Len(t, m.snapshot(), 1)
	require.Zero(t, w.InFlight())
}

func TestReceive_FiltersEvents(t *testing.T) {
	body := `{"object":"instagram","entry":[
		{"messaging":[
			{"sender":{"id":"user-1"},"message":{"mid":"m1","text":"first"}},
			{"sender":{"id":"biz"},"message":{"mid":"m2","text":"our reply","is_echo":true}},
			{"sender":{"id":"user-2"},"message":{"mid":"m3","text":""}},
			{"sender":{"id":"user-3"},"message":{"mid":"m4"}},
			{"sender":{"id":"user-4"},"read":{"mid":"m1"}}
		]},
		{"messaging":[
			{"sender":{"id":"user-5"},"message":{"mid":"m5","text":"second"}}
		]},
		{"id":"no-messaging"}
	]}`
	m := &stubMessages{}
	w := newTestWebhook(t, m)

	rec := serve(t, w.Receive, deliveryRequest(body, testAppSecret))
	require.Equal(t, http.StatusOK, rec.Code)
	waitIdle(t, w)

	require.ElementsMatch(t, []call{
		{userID: "user-1", text: "first"},
		{userID: "user-5", text: "second"},
	}, m.snapshot())
}

func TestReceive_HandlerErrorsAreIsolated(t *testing.T) {
	body := `{"object":"instagram","entry":[{"messaging":[
		{"sender":{"id":"user-1"},"message":{"mid":"m1","text":"a"}},
		{"sender":{"id":"user-2"},"message":{"mid":"m2","text":"b"}}
	]}]}`
	m := &stubMessages{err: errors.New("backend down")}
	w := newTestWebhook(t, m)

	rec := serve(t, w.Receive, deliveryRequest(body, testAppSecret))
	require.Equal(t, http.StatusOK, rec.Code)
	waitIdle(t, w)
	require.Len(t, m.snapshot(), 2)
}

func TestReceive_RejectsBadSignature(t *testing.T) {
	cases := []struct {
		name string
		req  *http.Request
	}{
		{name: "missing header", req: deliveryRequest(oneMessage, "")},
		{name: "wrong secret", req: deliveryRequest(oneMessage, "other")},
		{name: "other object wrong secret", req: deliveryRequest(`{"object":"page","entry":[]}`, "other")},
		{name: "garbage header", req: func() *http.Request {
			r := deliveryRequest(oneMessage, "")
			r.Header.Set(signature.Header, "sha256=deadbeef")
			return r
		}()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := &stubMessages{}
			w := newTestWebhook(t, m)
			rec := serve(t, w.Receive, tc.req)
			require.Equal(t, http.StatusForbidden, rec.Code)
			waitIdle(t, w)
			require.Empty(t, m.snapshot())
		})
	}
}

func TestReceive_OtherObjectNotFound(t *testing.T) {
	m := &stubMessages{}
	w := newTestWebhook(t, m)

	body := `{"object":"page","entry":[{"messaging":[{"sender":{"id":"user-1"},"message":{"mid":"m1","text":"hi"}}]}]}`
	rec := serve(t, w.Receive, deliveryRequest(body, testAppSecret))
	require.Equal(t, http.StatusNotFound, rec.Code)
	waitIdle(t, w)
	require.Empty(t, m.snapshot())
}

func TestReceive_MalformedJSON(t *testing.T) {
	w := newTestWebhook(t, &stubMessages{})
	rec := serve(t, w.Receive, deliveryRequest(`{"object":`, testAppSecret))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// paddedDelivery returns a delivery body of exactly size bytes.
func paddedDelivery(size int) string {
	const head, tail = `{"object":"instagram","entry":[],"pad":"`, `"}`
	return head + strings.Repeat("x", size-len(head)-len(tail)) + tail
}

func TestReceive_BodyLimit(t *testing.T) {
	w := newTestWebhook(t, &stubMessages{})

	rec := serve(t, w.Receive, deliveryRequest(paddedDelivery(maxBodyBytes), testAppSecret))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, w.Receive, deliveryRequest(paddedDelivery(maxBodyBytes+1), testAppSecret))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestReceive_ReusesCorrelationID(t *testing.T) {
	w := newTestWebhook(t, &stubMessages{})
	req := deliveryRequest(`{"object":"instagram","entry":[]}`, testAppSecret)
	req.Header.Set("x-correlation-id", "corr-123")

	rec := serve(t, w.Receive, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "corr-123", rec.Header().Get("X-Correlation-Id"))
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

func TestServer_Routes(t *testing.T) {
	m := &stubMessages{}
	w := newTestWebhook(t, m)
	s, err := NewServer(w, nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, verifyRequest("subscribe", testVerifyToken, "42"))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "42", rec.Body.String())

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, deliveryRequest(oneMessage, testAppSecret))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "EVENT_RECEIVED", rec.Body.String())

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.Equal(t, "healthy", health["status"])

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	require.Len(t, m.snapshot(), 1)
}

func TestServer_ShutdownTimesOutWithWorkInFlight(t *testing.T) {
	m := &stubMessages{block: make(chan struct{})}
	defer close(m.block)
	w := newTestWebhook(t, m)
	s, err := NewServer(w, nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, deliveryRequest(oneMessage, testAppSecret))
	require.Equal(t, http.StatusOK, rec.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Shutdown(ctx), context.DeadlineExceeded)
}

func TestNewServer_ValidatesDependency(t *testing.T) {
	_, err := NewServer(nil, nil)
	require.Error(t, err)
}

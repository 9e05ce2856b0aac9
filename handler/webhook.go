package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"ig-relay/internal/domain"
	"ig-relay/internal/signature"
	"ig-relay/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	eventReceived     = "EVENT_RECEIVED"
	modeSubscribe     = "subscribe"
	maxBodyBytes      = 1 << 20
)

// MessageHandler runs the reply round-trip for one inbound message.
type MessageHandler interface {
	HandleMessage(ctx context.Context, userID, text string) error
}

// Secrets are the shared secrets the platform uses to talk to the webhook.
type Secrets struct {
	VerifyToken string
	AppSecret   string
}

// Webhook serves the platform's subscription handshake and event deliveries.
// Each qualifying messaging event is handled on its own goroutine after the
// delivery has been acknowledged.
type Webhook struct {
	messages MessageHandler
	secrets  Secrets
	logger   *slog.Logger

	// baseCtx outlives the request; dispatched work must not be cancelled by
	// the platform closing its connection after the ack.
	baseCtx  context.Context
	wg       sync.WaitGroup
	inFlight atomic.Int64
}

func NewWebhook(baseCtx context.Context, m MessageHandler, secrets Secrets, logger *slog.Logger) (*Webhook, error) {
	if m == nil {
		return nil, errors.New("handler: message handler must not be nil")
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		messages: m,
		secrets:  secrets,
		logger:   logger,
		baseCtx:  baseCtx,
	}, nil
}

// Verify answers GET /webhooks.
func (h *Webhook) Verify(c echo.Context) error {
	mode := c.QueryParam("hub.mode")
	token := c.QueryParam("hub.verify_token")
	challenge := c.QueryParam("hub.challenge")

	if mode == modeSubscribe && h.tokenMatches(token) {
		h.logger.Info("WEBHOOK_VERIFIED")
		return c.String(http.StatusOK, challenge)
	}
	h.logger.Warn("webhook verification refused", "mode", mode)
	return c.String(http.StatusForbidden, http.StatusText(http.StatusForbidden))
}

func (h *Webhook) tokenMatches(token string) bool {
	if h.secrets.VerifyToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.secrets.VerifyToken)) == 1
}

// Receive answers POST /webhooks.
func (h *Webhook) Receive(c echo.Context) error {
	req := c.Request()
	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.Warn("webhook body too large", "limit", tooLarge.Limit)
			return c.String(http.StatusRequestEntityTooLarge, http.StatusText(http.StatusRequestEntityTooLarge))
		}
		h.logger.Error("read webhook body failed", "err", err)
		return c.String(http.StatusBadRequest, http.StatusText(http.StatusBadRequest))
	}

	if !signature.Verify(body, req.Header.Get(signature.Header), h.secrets.AppSecret) {
		h.logger.Warn("invalid signature")
		return c.String(http.StatusForbidden, http.StatusText(http.StatusForbidden))
	}

	var n domain.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		h.logger.Warn("malformed notification", "err", err)
		return c.String(http.StatusBadRequest, http.StatusText(http.StatusBadRequest))
	}

	correlationID := strings.TrimSpace(req.Header.Get(correlationHeader))
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	c.Response().Header().Set(correlationHeader, correlationID)

	log := h.logger.With("correlation_id", correlationID)
	log.Debug("received webhook", "payload", json.RawMessage(body))

	if n.Object != domain.ObjectInstagram {
		log.Info("ignoring notification", "object", n.Object)
		return c.String(http.StatusNotFound, http.StatusText(http.StatusNotFound))
	}

	if err := c.String(http.StatusOK, eventReceived); err != nil {
		return err
	}

	dispatched := 0
	for i, entry := range n.Entry {
		for j, ev := range entry.Messaging {
			if !ev.Dispatchable() {
				continue
			}
			h.dispatch(log.With("event", fmt.Sprintf("%d.%d", i, j), "message_id", ev.Message.MessageID()), ev.Sender.ID, ev.Message.Text)
			dispatched++
		}
	}
	log.Info("notification accepted", "entries", len(n.Entry), "dispatched", dispatched)
	return nil
}

func (h *Webhook) dispatch(log *slog.Logger, userID, text string) {
	h.wg.Add(1)
	h.inFlight.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.inFlight.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				log.Error("message handler panicked", "panic", r)
			}
		}()

		ctx := usecase.WithLogger(h.baseCtx, log)
		if err := h.messages.HandleMessage(ctx, userID, text); err != nil {
			log.Error("message handling failed", "user_id", userID, "err", err)
		}
	}()
}

// InFlight is the number of dispatched messages still being handled.
func (h *Webhook) InFlight() int64 {
	return h.inFlight.Load()
}

// Wait blocks until every dispatched message has been handled or ctx ends.
func (h *Webhook) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

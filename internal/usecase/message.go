package usecase

import (
	"context"
	"errors"
	"log/slog"

	"ig-relay/internal/domain"
)

// Responder generates the reply text for a user's message.
type Responder interface {
	Query(ctx context.Context, username, query string) (string, error)
}

// Sender delivers a text message to a platform user.
type Sender interface {
	SendMessage(ctx context.Context, recipientID, text string) (domain.SendReceipt, error)
}

// Syncer keeps backend history in line with the platform conversation.
type Syncer interface {
	SyncConversation(ctx context.Context, userID string) ([]domain.Message, error)
}

// MessageService runs the reply round-trip for one inbound message.
type MessageService struct {
	sync      Syncer
	responder Responder
	sender    Sender
	logger    *slog.Logger
}

func NewMessageService(sync Syncer, r Responder, s Sender, logger *slog.Logger) (*MessageService, error) {
	if sync == nil {
		return nil, errors.New("usecase: syncer must not be nil")
	}
	if r == nil {
		return nil, errors.New("usecase: responder must not be nil")
	}
	if s == nil {
		return nil, errors.New("usecase: sender must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageService{sync: sync, responder: r, sender: s, logger: logger}, nil
}

// HandleMessage syncs history, asks the backend for a reply, sends it to
// userID and syncs again so the sent reply lands in history. The first failing
// step aborts the rest.
func (s *MessageService) HandleMessage(ctx context.Context, userID, text string) error {
	log := LoggerFrom(ctx, s.logger).With("user_id", userID)
	log.Info("processing message", "text", text)

	if _, err := s.sync.SyncConversation(ctx, userID); err != nil {
		log.Error("pre-sync failed", "err", err)
		return err
	}

	reply, err := s.responder.Query(ctx, userID, text)
	if err != nil {
		log.Error("backend query failed", "err", err)
		return newError(ErrorBackend, "query_error", err)
	}

	receipt, err := s.sender.SendMessage(ctx, userID, reply)
	if err != nil {
		log.Error("send response failed", "err", err)
		return newError(ErrorUpstream, "send_error", err)
	}
	log.Info("response sent", "message_id", receipt.MessageID)

	if _, err := s.sync.SyncConversation(ctx, userID); err != nil {
		log.Error("post-sync failed", "err", err)
		return err
	}
	return nil
}

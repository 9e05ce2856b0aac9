package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"ig-relay/internal/domain"
)

// Platform is the subset of the Instagram Graph API the relay reads from and
// writes to.
type Platform interface {
	GetConversationID(ctx context.Context, userID string) (string, bool, error)
	FetchMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
	GetMessage(ctx context.Context, messageID string) (domain.Message, error)
}

// HistoryStore is the backend's conversation history API.
type HistoryStore interface {
	GetHistory(ctx context.Context, username string) ([]domain.Record, error)
	StoreConversation(ctx context.Context, username string, history []domain.Record) (json.RawMessage, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// SyncService reconciles backend-held history with the platform conversation.
type SyncService struct {
	platform Platform
	store    HistoryStore
	logger   *slog.Logger
}

func NewSyncService(p Platform, s HistoryStore, logger *slog.Logger) (*SyncService, error) {
	if p == nil {
		return nil, errors.New("usecase: platform client must not be nil")
	}
	if s == nil {
		return nil, errors.New("usecase: history store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncService{platform: p, store: s, logger: logger}, nil
}

// GetConversationID resolves the platform conversation with userID. ok is
// false when the user has none.
func (s *SyncService) GetConversationID(ctx context.Context, userID string) (string, bool, error) {
	id, ok, err := s.platform.GetConversationID(ctx, userID)
	if err != nil {
		s.log(ctx).Error("get conversation id failed", "user_id", userID, "err", err)
		return "", false, newError(ErrorUpstream, "conversation_lookup_error", err)
	}
	if !ok {
		s.log(ctx).Info("no conversation found for user", "user_id", userID)
	}
	return id, ok, nil
}

func (s *SyncService) FetchMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	msgs, err := s.platform.FetchMessages(ctx, conversationID)
	if err != nil {
		s.log(ctx).Error("fetch messages failed", "conversation_id", conversationID, "err", err)
		return nil, newError(ErrorUpstream, "fetch_messages_error", err)
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return msgs, nil
}

// GetMessageDetails fetches one message with all of its fields.
func (s *SyncService) GetMessageDetails(ctx context.Context, messageID string) (domain.Message, error) {
	msg, err := s.platform.GetMessage(ctx, messageID)
	if err != nil {
		s.log(ctx).Error("fetch message details failed", "message_id", messageID, "err", err)
		return domain.Message{}, newError(ErrorUpstream, "message_details_error", err)
	}
	return msg, nil
}

// GetLocalHistory returns the backend history for userID. A 404 from the
// backend means the user has no history yet.
func (s *SyncService) GetLocalHistory(ctx context.Context, userID string) ([]domain.Record, error) {
	history, err := s.store.GetHistory(ctx, userID)
	if err != nil {
		if status, ok := statusCode(err); ok && status == http.StatusNotFound {
			return []domain.Record{}, nil
		}
		s.log(ctx).Error("get local history failed", "user_id", userID, "err", err)
		return nil, newError(ErrorBackend, "history_read_error", err)
	}
	if history == nil {
		history = []domain.Record{}
	}
	return history, nil
}

// StoreConversation replaces the backend history for userID with history.
func (s *SyncService) StoreConversation(ctx context.Context, userID string, history []domain.Record) error {
	s.log(ctx).Info("storing conversation", "user_id", userID, "messages", len(history))
	resp, err := s.store.StoreConversation(ctx, userID, history)
	if err != nil {
		s.log(ctx).Error("store conversation failed", "user_id", userID, "err", err)
		return newError(ErrorBackend, "history_write_error", err)
	}
	s.log(ctx).Debug("store response", "user_id", userID, "body", string(resp))
	return nil
}

// SyncConversation appends platform messages unknown to the backend onto the
// user's history and returns the platform messages it fetched. Existing
// history keeps its order; new messages follow in fetch order.
func (s *SyncService) SyncConversation(ctx context.Context, userID string) ([]domain.Message, error) {
	s.log(ctx).Info("syncing conversation", "user_id", userID)

	local, err := s.GetLocalHistory(ctx, userID)
	if err != nil {
		return nil, err
	}

	conversationID, ok, err := s.GetConversationID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []domain.Message{}, nil
	}

	messages, err := s.FetchMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	s.log(ctx).Info("fetched platform messages", "user_id", userID, "count", len(messages))

	fresh := newMessages(local, messages)
	if len(fresh) == 0 {
		return messages, nil
	}

	merged := make([]domain.Record, 0, len(local)+len(fresh))
	merged = append(merged, local...)
	merged = append(merged, fresh...)
	if err := s.StoreConversation(ctx, userID, merged); err != nil {
		return nil, err
	}
	return messages, nil
}

// newMessages returns, as history records, the fetched messages whose id does
// not appear in known.
func newMessages(known []domain.Record, fetched []domain.Message) []domain.Record {
	ids := make(map[string]struct{}, len(known))
	for _, r := range known {
		ids[r.ID] = struct{}{}
	}
	var out []domain.Record
	for _, m := range fetched {
		if _, ok := ids[m.ID]; ok {
			continue
		}
		out = append(out, m.Record())
	}
	return out
}

func (s *SyncService) log(ctx context.Context) *slog.Logger {
	return LoggerFrom(ctx, s.logger)
}

func statusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

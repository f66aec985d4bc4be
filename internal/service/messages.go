package service

import (
	"context"

	"github.com/chirino/conversation-service/internal/model"
	"github.com/google/uuid"
)

// MessageService records the message signal unread counts are derived
// from. Content delivery is handled elsewhere; only active participants may
// post or retract.
type MessageService struct {
	d     Deps
	guard *Guard
}

func NewMessageService(d Deps, guard *Guard) *MessageService {
	return &MessageService{d: d.withDefaults(), guard: guard}
}

// AppendMessage stores a message sent by senderID at the current time.
func (s *MessageService) AppendMessage(ctx context.Context, conversationID uuid.UUID, senderID, body string) (*model.Message, error) {
	if _, err := s.guard.RequireActiveParticipant(ctx, conversationID, senderID); err != nil {
		return nil, err
	}
	cctx, cancel := s.d.call(ctx)
	msg, err := s.d.Store.AppendMessage(cctx, model.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		CreatedAt:      s.d.now(),
	})
	cancel()
	if err != nil {
		return nil, err
	}
	s.invalidateRecipients(ctx, conversationID, senderID)
	return msg, nil
}

// DeleteMessage soft-deletes a message so it no longer counts as unread.
func (s *MessageService) DeleteMessage(ctx context.Context, conversationID, messageID uuid.UUID, actingUserID string) error {
	if _, err := s.guard.RequireActiveParticipant(ctx, conversationID, actingUserID); err != nil {
		return err
	}
	cctx, cancel := s.d.call(ctx)
	err := s.d.Store.DeleteMessage(cctx, conversationID, messageID)
	cancel()
	if err != nil {
		return err
	}
	s.invalidateRecipients(ctx, conversationID, "")
	return nil
}

func (s *MessageService) invalidateRecipients(ctx context.Context, conversationID uuid.UUID, except string) {
	if !s.d.cacheEnabled() {
		return
	}
	cctx, cancel := s.d.call(ctx)
	participants, err := s.d.Store.ListActiveParticipants(cctx, conversationID)
	cancel()
	if err != nil {
		s.d.Logger.Warn("Failed to list participants for cache invalidation", "conversation", conversationID, "err", err)
		return
	}
	users := make([]string, 0, len(participants))
	for _, p := range participants {
		if p.UserID != except {
			users = append(users, p.UserID)
		}
	}
	s.d.invalidateUnread(ctx, users...)
}

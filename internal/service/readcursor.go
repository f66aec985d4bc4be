package service

import (
	"context"

	"github.com/chirino/conversation-service/internal/model"
	"github.com/google/uuid"
)

// ReadCursorService records how far each participant has read.
type ReadCursorService struct {
	d     Deps
	guard *Guard
}

func NewReadCursorService(d Deps, guard *Guard) *ReadCursorService {
	return &ReadCursorService{d: d.withDefaults(), guard: guard}
}

// MarkAsRead moves the caller's cursor to now. The cursor never moves
// backwards; a call that loses to a later one returns the later cursor.
// Messages that arrive while the call runs may be counted either way.
func (s *ReadCursorService) MarkAsRead(ctx context.Context, conversationID uuid.UUID, userID string) (*model.Participant, error) {
	p, err := s.guard.RequireActiveParticipant(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}

	cctx, cancel := s.d.call(ctx)
	defer cancel()
	updated, err := s.d.Store.AdvanceReadCursor(cctx, p.ID, s.d.now())
	if err != nil {
		return nil, err
	}
	s.d.invalidateUnread(ctx, userID)
	s.d.Logger.Debug("Marked as read", "conversation", conversationID, "user", userID, "lastReadAt", updated.LastReadAt)
	return updated, nil
}

package service

import (
	"context"
	"errors"

	"github.com/chirino/conversation-service/internal/model"
	registrystore "github.com/chirino/conversation-service/internal/registry/store"
	"github.com/google/uuid"
)

// Guard answers access questions from active episodes only. A participant
// who has left loses every right at once.
type Guard struct {
	d Deps
}

func NewGuard(d Deps) *Guard {
	return &Guard{d: d.withDefaults()}
}

// activeEpisode returns nil, nil when the user has no active episode.
func (g *Guard) activeEpisode(ctx context.Context, conversationID uuid.UUID, userID string) (*model.Participant, error) {
	cctx, cancel := g.d.call(ctx)
	defer cancel()
	p, err := g.d.Store.FindActiveParticipant(cctx, conversationID, userID)
	if err != nil {
		var nf *registrystore.NotFoundError
		if errors.As(err, &nf) {
			return nil, nil
		}
		return nil, err
	}
	switch p.State().(type) {
	case model.Active:
		return p, nil
	default:
		return nil, nil
	}
}

// IsActiveParticipant reports whether the user currently participates.
func (g *Guard) IsActiveParticipant(ctx context.Context, conversationID uuid.UUID, userID string) (bool, error) {
	p, err := g.activeEpisode(ctx, conversationID, userID)
	if err != nil {
		return false, err
	}
	return p != nil, nil
}

// IsAdmin reports whether the user currently participates as an admin.
func (g *Guard) IsAdmin(ctx context.Context, conversationID uuid.UUID, userID string) (bool, error) {
	p, err := g.activeEpisode(ctx, conversationID, userID)
	if err != nil || p == nil {
		return false, err
	}
	return p.Role == model.RoleAdmin, nil
}

// RequireAdmin fails unless conv is a group and userID is one of its active admins.
func (g *Guard) RequireAdmin(ctx context.Context, conv *model.Conversation, userID string) error {
	if !conv.IsGroup() {
		return &registrystore.InvalidOperationError{Message: "direct conversations have no admins"}
	}
	ok, err := g.IsAdmin(ctx, conv.ID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return &registrystore.PermissionDeniedError{UserID: userID, ConversationID: conv.ID.String()}
	}
	return nil
}

// RequireActiveParticipant returns the user's active episode or NotMemberError.
func (g *Guard) RequireActiveParticipant(ctx context.Context, conversationID uuid.UUID, userID string) (*model.Participant, error) {
	p, err := g.activeEpisode(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, &registrystore.NotMemberError{UserID: userID, ConversationID: conversationID.String()}
	}
	return p, nil
}

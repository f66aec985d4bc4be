package service

import (
	"context"
	"strings"

	"github.com/chirino/conversation-service/internal/model"
	registrystore "github.com/chirino/conversation-service/internal/registry/store"
	"github.com/google/uuid"
)

// MembershipService creates conversations and changes who participates in
// them. Every membership change in a group requires an active admin, except
// a participant leaving on their own.
type MembershipService struct {
	d     Deps
	guard *Guard
}

func NewMembershipService(d Deps, guard *Guard) *MembershipService {
	return &MembershipService{d: d.withDefaults(), guard: guard}
}

// CreateConversation starts a conversation owned by creatorID. A direct
// conversation takes exactly one other user and makes both members; a group
// makes the creator its admin and everyone else a member.
func (s *MembershipService) CreateConversation(ctx context.Context, creatorID string, kind model.ConversationKind, title string, userIDs []string) (*model.Conversation, []model.Participant, error) {
	if !kind.Valid() {
		return nil, nil, &registrystore.ValidationError{Field: "kind", Message: "must be direct or group"}
	}
	if strings.TrimSpace(creatorID) == "" {
		return nil, nil, &registrystore.ValidationError{Field: "userId", Message: "required"}
	}

	others := make([]string, 0, len(userIDs))
	seen := map[string]bool{creatorID: true}
	for _, u := range userIDs {
		u = strings.TrimSpace(u)
		if u == "" {
			return nil, nil, &registrystore.ValidationError{Field: "participants", Message: "user ids must not be empty"}
		}
		if seen[u] {
			continue
		}
		seen[u] = true
		others = append(others, u)
	}

	now := s.d.now()
	conv := model.Conversation{ID: uuid.New(), Kind: kind, Title: title, CreatedAt: now}
	creatorRole := model.RoleAdmin
	if kind == model.ConversationKindDirect {
		if len(others) != 1 {
			return nil, nil, &registrystore.ValidationError{Field: "participants", Message: "a direct conversation needs exactly one other user"}
		}
		conv.Title = ""
		creatorRole = model.RoleMember
	}

	participants := []model.Participant{{ID: uuid.New(), UserID: creatorID, Role: creatorRole, JoinedAt: now}}
	for _, u := range others {
		participants = append(participants, model.Participant{ID: uuid.New(), UserID: u, Role: model.RoleMember, JoinedAt: now})
	}

	cctx, cancel := s.d.call(ctx)
	defer cancel()
	created, ps, err := s.d.Store.CreateConversation(cctx, conv, participants)
	if err != nil {
		return nil, nil, err
	}
	s.d.Logger.Info("Conversation created", "conversation", created.ID, "kind", created.Kind, "by", creatorID, "participants", len(ps))
	return created, ps, nil
}

func (s *MembershipService) loadConversation(ctx context.Context, conversationID uuid.UUID) (*model.Conversation, error) {
	cctx, cancel := s.d.call(ctx)
	defer cancel()
	return s.d.Store.GetConversation(cctx, conversationID)
}

// GetConversation returns the conversation if actingUserID participates in it.
func (s *MembershipService) GetConversation(ctx context.Context, conversationID uuid.UUID, actingUserID string) (*model.Conversation, error) {
	conv, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	ok, err := s.guard.IsActiveParticipant(ctx, conversationID, actingUserID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &registrystore.PermissionDeniedError{UserID: actingUserID, ConversationID: conversationID.String()}
	}
	return conv, nil
}

// ListParticipants returns the active episodes of a conversation the caller participates in.
func (s *MembershipService) ListParticipants(ctx context.Context, conversationID uuid.UUID, actingUserID string) ([]model.Participant, error) {
	if _, err := s.guard.RequireActiveParticipant(ctx, conversationID, actingUserID); err != nil {
		return nil, err
	}
	cctx, cancel := s.d.call(ctx)
	defer cancel()
	return s.d.Store.ListActiveParticipants(cctx, conversationID)
}

// groupFor loads a conversation that must be a group.
func (s *MembershipService) groupFor(ctx context.Context, conversationID uuid.UUID) (*model.Conversation, error) {
	conv, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.IsGroup() {
		return nil, &registrystore.InvalidOperationError{Message: "membership of a direct conversation cannot change"}
	}
	return conv, nil
}

// AddParticipant starts a new member episode for targetUserID.
func (s *MembershipService) AddParticipant(ctx context.Context, conversationID uuid.UUID, actingUserID, targetUserID string) (*model.Participant, error) {
	if strings.TrimSpace(targetUserID) == "" {
		return nil, &registrystore.ValidationError{Field: "userId", Message: "required"}
	}
	conv, err := s.groupFor(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := s.guard.RequireAdmin(ctx, conv, actingUserID); err != nil {
		return nil, err
	}
	active, err := s.guard.IsActiveParticipant(ctx, conversationID, targetUserID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, &registrystore.AlreadyMemberError{UserID: targetUserID, ConversationID: conversationID.String()}
	}

	cctx, cancel := s.d.call(ctx)
	defer cancel()
	p, err := s.d.Store.InsertParticipant(cctx, model.Participant{
		ID:             uuid.New(),
		ConversationID: conversationID,
		UserID:         targetUserID,
		Role:           model.RoleMember,
		JoinedAt:       s.d.now(),
	})
	if err != nil {
		return nil, err
	}
	s.d.invalidateUnread(ctx, targetUserID)
	s.d.Logger.Info("Participant added", "conversation", conversationID, "user", targetUserID, "by", actingUserID)
	return p, nil
}

// RemoveParticipant ends targetUserID's active episode. Removing someone else
// takes an admin; leaving does not. The last active admin can do neither.
func (s *MembershipService) RemoveParticipant(ctx context.Context, conversationID uuid.UUID, actingUserID, targetUserID string) (*model.Participant, error) {
	conv, err := s.groupFor(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if actingUserID != targetUserID {
		if err := s.guard.RequireAdmin(ctx, conv, actingUserID); err != nil {
			return nil, err
		}
	}

	cctx, cancel := s.d.call(ctx)
	defer cancel()
	p, err := s.d.Store.DeactivateParticipant(cctx, conversationID, targetUserID, s.d.now())
	if err != nil {
		return nil, err
	}
	s.d.invalidateUnread(ctx, targetUserID)
	s.d.Logger.Info("Participant removed", "conversation", conversationID, "user", targetUserID, "by", actingUserID)
	return p, nil
}

// SetRole promotes or demotes an active participant. Demoting the last
// active admin fails with LastAdminError.
func (s *MembershipService) SetRole(ctx context.Context, conversationID uuid.UUID, actingUserID, targetUserID string, role model.Role) (*model.Participant, error) {
	if !role.Valid() {
		return nil, &registrystore.ValidationError{Field: "role", Message: "must be member or admin"}
	}
	conv, err := s.groupFor(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := s.guard.RequireAdmin(ctx, conv, actingUserID); err != nil {
		return nil, err
	}

	cctx, cancel := s.d.call(ctx)
	defer cancel()
	p, err := s.d.Store.UpdateParticipantRole(cctx, conversationID, targetUserID, role)
	if err != nil {
		return nil, err
	}
	s.d.Logger.Info("Participant role changed", "conversation", conversationID, "user", targetUserID, "role", role, "by", actingUserID)
	return p, nil
}

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/conversation-service/internal/model"
	"github.com/google/uuid"
)

// ConversationStore is the durable home of conversations, participant
// episodes and the message signal used for unread counts. Implementations
// must enforce at most one active episode per (conversation, user) and must
// make DeactivateParticipant and UpdateParticipantRole atomic with respect
// to the conversation's active admin count.
type ConversationStore interface {
	// CreateConversation inserts the conversation and its initial episodes atomically.
	CreateConversation(ctx context.Context, conv model.Conversation, participants []model.Participant) (*model.Conversation, []model.Participant, error)
	// GetConversation returns NotFoundError when the conversation does not exist.
	GetConversation(ctx context.Context, conversationID uuid.UUID) (*model.Conversation, error)

	// FindActiveParticipant returns NotFoundError when the user has no active episode.
	FindActiveParticipant(ctx context.Context, conversationID uuid.UUID, userID string) (*model.Participant, error)
	// ListActiveParticipants returns the active episodes of a conversation ordered by join time.
	ListActiveParticipants(ctx context.Context, conversationID uuid.UUID) ([]model.Participant, error)
	// ListActiveParticipations returns the active episodes of a user across all conversations.
	ListActiveParticipations(ctx context.Context, userID string) ([]model.Participant, error)
	// InsertParticipant starts a new episode. AlreadyMemberError if one is active.
	InsertParticipant(ctx context.Context, p model.Participant) (*model.Participant, error)
	// DeactivateParticipant ends the user's active episode. NotMemberError if there is
	// none; LastAdminError, with no change, if it would leave the conversation without an
	// active admin.
	DeactivateParticipant(ctx context.Context, conversationID uuid.UUID, userID string, at time.Time) (*model.Participant, error)
	// UpdateParticipantRole changes the role of the active episode. Demoting the last
	// active admin fails with LastAdminError.
	UpdateParticipantRole(ctx context.Context, conversationID uuid.UUID, userID string, role model.Role) (*model.Participant, error)
	// AdvanceReadCursor moves last_read_at forward to at, never backward, and returns
	// the episode. NotMemberError if the episode is no longer active.
	AdvanceReadCursor(ctx context.Context, participantID uuid.UUID, at time.Time) (*model.Participant, error)

	AppendMessage(ctx context.Context, msg model.Message) (*model.Message, error)
	DeleteMessage(ctx context.Context, conversationID, messageID uuid.UUID) error
	// CountUnread counts non-deleted messages in the conversation sent by someone
	// other than userID after since.
	CountUnread(ctx context.Context, conversationID uuid.UUID, userID string, since time.Time) (int64, error)

	Close() error
}

// Loader creates a ConversationStore from config.
type Loader func(ctx context.Context) (ConversationStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}

package metrics

import (
	"context"
	"time"

	"github.com/chirino/conversation-service/internal/model"
	"github.com/chirino/conversation-service/internal/registry/store"
	"github.com/chirino/conversation-service/internal/security"
	"github.com/google/uuid"
)

// Wrap returns a ConversationStore that records StoreLatency for every
// operation and StoreErrorsTotal for every failed one.
func Wrap(inner store.ConversationStore) store.ConversationStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.ConversationStore
}

func observe(op string, start time.Time, errp *error) {
	if security.StoreLatency != nil {
		security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	if errp != nil && *errp != nil && security.StoreErrorsTotal != nil {
		security.StoreErrorsTotal.WithLabelValues(op, store.KindOf(*errp)).Inc()
	}
}

func (m *metricsStore) CreateConversation(ctx context.Context, conv model.Conversation, participants []model.Participant) (_ *model.Conversation, _ []model.Participant, err error) {
	defer observe("create_conversation", time.Now(), &err)
	return m.inner.CreateConversation(ctx, conv, participants)
}

func (m *metricsStore) GetConversation(ctx context.Context, conversationID uuid.UUID) (_ *model.Conversation, err error) {
	defer observe("get_conversation", time.Now(), &err)
	return m.inner.GetConversation(ctx, conversationID)
}

func (m *metricsStore) FindActiveParticipant(ctx context.Context, conversationID uuid.UUID, userID string) (_ *model.Participant, err error) {
	defer observe("find_active_participant", time.Now(), &err)
	return m.inner.FindActiveParticipant(ctx, conversationID, userID)
}

func (m *metricsStore) ListActiveParticipants(ctx context.Context, conversationID uuid.UUID) (_ []model.Participant, err error) {
	defer observe("list_active_participants", time.Now(), &err)
	return m.inner.ListActiveParticipants(ctx, conversationID)
}

func (m *metricsStore) ListActiveParticipations(ctx context.Context, userID string) (_ []model.Participant, err error) {
	defer observe("list_active_participations", time.Now(), &err)
	return m.inner.ListActiveParticipations(ctx, userID)
}

func (m *metricsStore) InsertParticipant(ctx context.Context, p model.Participant) (_ *model.Participant, err error) {
	defer observe("insert_participant", time.Now(), &err)
	return m.inner.InsertParticipant(ctx, p)
}

func (m *metricsStore) DeactivateParticipant(ctx context.Context, conversationID uuid.UUID, userID string, at time.Time) (_ *model.Participant, err error) {
	defer observe("deactivate_participant", time.Now(), &err)
	return m.inner.DeactivateParticipant(ctx, conversationID, userID, at)
}

func (m *metricsStore) UpdateParticipantRole(ctx context.Context, conversationID uuid.UUID, userID string, role model.Role) (_ *model.Participant, err error) {
	defer observe("update_participant_role", time.Now(), &err)
	return m.inner.UpdateParticipantRole(ctx, conversationID, userID, role)
}

func (m *metricsStore) AdvanceReadCursor(ctx context.Context, participantID uuid.UUID, at time.Time) (_ *model.Participant, err error) {
	defer observe("advance_read_cursor", time.Now(), &err)
	return m.inner.AdvanceReadCursor(ctx, participantID, at)
}

func (m *metricsStore) AppendMessage(ctx context.Context, msg model.Message) (_ *model.Message, err error) {
	defer observe("append_message", time.Now(), &err)
	return m.inner.AppendMessage(ctx, msg)
}

func (m *metricsStore) DeleteMessage(ctx context.Context, conversationID, messageID uuid.UUID) (err error) {
	defer observe("delete_message", time.Now(), &err)
	return m.inner.DeleteMessage(ctx, conversationID, messageID)
}

func (m *metricsStore) CountUnread(ctx context.Context, conversationID uuid.UUID, userID string, since time.Time) (_ int64, err error) {
	defer observe("count_unread", time.Now(), &err)
	return m.inner.CountUnread(ctx, conversationID, userID, since)
}

func (m *metricsStore) Close() error {
	return m.inner.Close()
}

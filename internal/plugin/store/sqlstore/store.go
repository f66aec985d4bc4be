// Package sqlstore implements registrystore.ConversationStore on top of GORM.
// The postgres and sqlite plugins share it and differ only in their Dialect.
package sqlstore

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/chirino/conversation-service/internal/model"
	registrystore "github.com/chirino/conversation-service/internal/registry/store"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Dialect classifies driver errors for a specific database.
type Dialect struct {
	Name string
	// IsUniqueViolation reports unique constraint violations not already
	// translated to gorm.ErrDuplicatedKey.
	IsUniqueViolation func(error) bool
	// IsTransient reports errors that are safe to retry (lost connections,
	// lock timeouts, serialization failures).
	IsTransient func(error) bool
}

// Store implements registrystore.ConversationStore using GORM.
type Store struct {
	db      *gorm.DB
	dialect Dialect
}

// New returns a Store over an open GORM handle.
func New(db *gorm.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- Conversations ---

func (s *Store) CreateConversation(ctx context.Context, conv model.Conversation, participants []model.Participant) (*model.Conversation, []model.Participant, error) {
	conv.CreatedAt = conv.CreatedAt.UTC()
	for i := range participants {
		participants[i].ConversationID = conv.ID
		participants[i].JoinedAt = participants[i].JoinedAt.UTC()
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&conv).Error; err != nil {
			return err
		}
		if len(participants) == 0 {
			return nil
		}
		if err := tx.Create(&participants).Error; err != nil {
			if s.isDuplicate(err) {
				return &registrystore.ValidationError{Field: "participants", Message: "participants must be distinct"}
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, nil, s.wrap("create conversation", err)
	}
	return &conv, participants, nil
}

func (s *Store) GetConversation(ctx context.Context, conversationID uuid.UUID) (*model.Conversation, error) {
	var conv model.Conversation
	err := s.db.WithContext(ctx).Where("id = ?", conversationID).Take(&conv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
		}
		return nil, s.wrap("get conversation", err)
	}
	return &conv, nil
}

// --- Participants ---

func (s *Store) FindActiveParticipant(ctx context.Context, conversationID uuid.UUID, userID string) (*model.Participant, error) {
	p, err := findActive(s.db.WithContext(ctx), conversationID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &registrystore.NotFoundError{Resource: "participant", ID: userID}
		}
		return nil, s.wrap("find participant", err)
	}
	return p, nil
}

func (s *Store) ListActiveParticipants(ctx context.Context, conversationID uuid.UUID) ([]model.Participant, error) {
	var out []model.Participant
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND left_at IS NULL", conversationID).
		Order("joined_at, id").
		Find(&out).Error
	if err != nil {
		return nil, s.wrap("list participants", err)
	}
	return out, nil
}

func (s *Store) ListActiveParticipations(ctx context.Context, userID string) ([]model.Participant, error) {
	var out []model.Participant
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND left_at IS NULL", userID).
		Order("joined_at, id").
		Find(&out).Error
	if err != nil {
		return nil, s.wrap("list participations", err)
	}
	return out, nil
}

func (s *Store) InsertParticipant(ctx context.Context, p model.Participant) (*model.Participant, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.JoinedAt = p.JoinedAt.UTC()
	p.LeftAt = nil
	if err := s.db.WithContext(ctx).Create(&p).Error; err != nil {
		if s.isDuplicate(err) {
			return nil, &registrystore.AlreadyMemberError{UserID: p.UserID, ConversationID: p.ConversationID.String()}
		}
		return nil, s.wrap("insert participant", err)
	}
	return &p, nil
}

// DeactivateParticipant serializes on the conversation row and then ends the
// episode with a single conditional UPDATE that only matches when the target
// is not an admin or another active admin remains.
func (s *Store) DeactivateParticipant(ctx context.Context, conversationID uuid.UUID, userID string, at time.Time) (*model.Participant, error) {
	at = at.UTC()
	var out *model.Participant
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockConversation(tx, conversationID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notMember(conversationID, userID)
			}
			return err
		}
		p, err := findActive(tx, conversationID, userID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notMember(conversationID, userID)
			}
			return err
		}

		res := tx.Model(&model.Participant{}).
			Where("id = ? AND left_at IS NULL", p.ID).
			Where("(role <> ? OR ("+activeAdminCount+") > 1)", model.RoleAdmin, conversationID, model.RoleAdmin).
			Update("left_at", at)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return s.explainNoop(tx, p, conversationID, userID)
		}
		p.LeftAt = &at
		out = p
		return nil
	})
	if err != nil {
		return nil, s.wrap("deactivate participant", err)
	}
	return out, nil
}

func (s *Store) UpdateParticipantRole(ctx context.Context, conversationID uuid.UUID, userID string, role model.Role) (*model.Participant, error) {
	var out *model.Participant
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockConversation(tx, conversationID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notMember(conversationID, userID)
			}
			return err
		}
		p, err := findActive(tx, conversationID, userID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notMember(conversationID, userID)
			}
			return err
		}
		if p.Role == role {
			out = p
			return nil
		}

		q := tx.Model(&model.Participant{}).Where("id = ? AND left_at IS NULL", p.ID)
		if p.Role == model.RoleAdmin {
			q = q.Where("("+activeAdminCount+") > 1", conversationID, model.RoleAdmin)
		}
		res := q.Update("role", role)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return s.explainNoop(tx, p, conversationID, userID)
		}
		p.Role = role
		out = p
		return nil
	})
	if err != nil {
		return nil, s.wrap("update participant role", err)
	}
	return out, nil
}

func (s *Store) AdvanceReadCursor(ctx context.Context, participantID uuid.UUID, at time.Time) (*model.Participant, error) {
	at = at.UTC()
	db := s.db.WithContext(ctx)
	res := db.Model(&model.Participant{}).
		Where("id = ? AND left_at IS NULL", participantID).
		Where("(last_read_at IS NULL OR last_read_at < ?)", at).
		Update("last_read_at", at)
	if res.Error != nil {
		return nil, s.wrap("advance read cursor", res.Error)
	}

	var p model.Participant
	if err := db.Where("id = ?", participantID).Take(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &registrystore.NotFoundError{Resource: "participant", ID: participantID.String()}
		}
		return nil, s.wrap("reload participant", err)
	}
	if res.RowsAffected == 0 && !p.IsActive() {
		return nil, notMember(p.ConversationID, p.UserID)
	}
	return &p, nil
}

// --- Messages ---

func (s *Store) AppendMessage(ctx context.Context, msg model.Message) (*model.Message, error) {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return nil, s.wrap("append message", err)
	}
	return &msg, nil
}

func (s *Store) DeleteMessage(ctx context.Context, conversationID, messageID uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&model.Message{}).
		Where("id = ? AND conversation_id = ?", messageID, conversationID).
		Update("is_deleted", true)
	if res.Error != nil {
		return s.wrap("delete message", res.Error)
	}
	if res.RowsAffected == 0 {
		return &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
	}
	return nil
}

func (s *Store) CountUnread(ctx context.Context, conversationID uuid.UUID, userID string, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.Message{}).
		Where("conversation_id = ? AND sender_id <> ? AND is_deleted = ? AND created_at > ?",
			conversationID, userID, false, since.UTC()).
		Count(&n).Error
	if err != nil {
		return 0, s.wrap("count unread", err)
	}
	return n, nil
}

// --- Helpers ---

const activeAdminCount = "SELECT COUNT(*) FROM conversation_participants a WHERE a.conversation_id = ? AND a.role = ? AND a.left_at IS NULL"

func lockConversation(tx *gorm.DB, conversationID uuid.UUID) error {
	var conv model.Conversation
	return tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", conversationID).
		Take(&conv).Error
}

func findActive(db *gorm.DB, conversationID uuid.UUID, userID string) (*model.Participant, error) {
	var p model.Participant
	err := db.Where("conversation_id = ? AND user_id = ? AND left_at IS NULL", conversationID, userID).
		Take(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// explainNoop tells apart the two reasons a guarded UPDATE can match nothing:
// the episode ended concurrently, or the admin guard rejected it.
func (s *Store) explainNoop(tx *gorm.DB, p *model.Participant, conversationID uuid.UUID, userID string) error {
	var current model.Participant
	if err := tx.Where("id = ?", p.ID).Take(&current).Error; err != nil {
		return err
	}
	if !current.IsActive() {
		return notMember(conversationID, userID)
	}
	return &registrystore.LastAdminError{UserID: userID, ConversationID: conversationID.String()}
}

func notMember(conversationID uuid.UUID, userID string) error {
	return &registrystore.NotMemberError{UserID: userID, ConversationID: conversationID.String()}
}

func (s *Store) isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return s.dialect.IsUniqueViolation != nil && s.dialect.IsUniqueViolation(err)
}

// wrap passes domain errors through and classifies everything else.
func (s *Store) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if kind := registrystore.KindOf(err); kind != registrystore.KindInternal {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, driver.ErrBadConn) ||
		(s.dialect.IsTransient != nil && s.dialect.IsTransient(err)) {
		return &registrystore.UnavailableError{Op: op, Err: err}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

package model

import (
	"time"

	"github.com/google/uuid"
)

// ConversationKind distinguishes one-to-one conversations from groups.
type ConversationKind string

const (
	ConversationKindDirect ConversationKind = "direct"
	ConversationKindGroup  ConversationKind = "group"
)

// Valid reports whether k is a known conversation kind.
func (k ConversationKind) Valid() bool {
	return k == ConversationKindDirect || k == ConversationKindGroup
}

// Role is a participant's role within a conversation.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleMember || r == RoleAdmin
}

// Conversation is a direct or group conversation.
type Conversation struct {
	ID        uuid.UUID        `json:"id"              gorm:"primaryKey;type:uuid"`
	Kind      ConversationKind `json:"kind"            gorm:"not null"`
	Title     string           `json:"title,omitempty"`
	CreatedAt time.Time        `json:"createdAt"       gorm:"not null"`
}

func (Conversation) TableName() string { return "conversations" }

// IsGroup reports whether membership of the conversation can be changed after creation.
func (c *Conversation) IsGroup() bool {
	return c != nil && c.Kind == ConversationKindGroup
}

// Participant is one membership episode of a user in a conversation. A user
// who leaves and rejoins gets a new row; old rows are kept for history.
type Participant struct {
	ID             uuid.UUID  `json:"id"                   gorm:"primaryKey;type:uuid"`
	ConversationID uuid.UUID  `json:"conversationId"       gorm:"not null;type:uuid"`
	UserID         string     `json:"userId"               gorm:"not null"`
	Role           Role       `json:"role"                 gorm:"not null"`
	JoinedAt       time.Time  `json:"joinedAt"             gorm:"not null"`
	LeftAt         *time.Time `json:"leftAt,omitempty"`
	LastReadAt     *time.Time `json:"lastReadAt,omitempty"`
}

func (Participant) TableName() string { return "conversation_participants" }

// State returns the episode's membership state.
func (p *Participant) State() MembershipState {
	if p.LeftAt == nil {
		return Active{}
	}
	return Left{At: *p.LeftAt}
}

// IsActive reports whether the episode has not ended.
func (p *Participant) IsActive() bool {
	_, ok := p.State().(Active)
	return ok
}

// IsActiveAdmin reports whether the episode is active and holds the admin role.
func (p *Participant) IsActiveAdmin() bool {
	return p.IsActive() && p.Role == RoleAdmin
}

// ReadCursor returns the read/unread boundary. An episode that has never
// been read counts from the zero time.
func (p *Participant) ReadCursor() time.Time {
	if p.LastReadAt == nil {
		return time.Time{}
	}
	return *p.LastReadAt
}

// MembershipState is either Active or Left.
type MembershipState interface {
	membershipState()
}

// Active is the state of an episode that has not ended.
type Active struct{}

// Left is the state of an episode that ended at At.
type Left struct {
	At time.Time
}

func (Active) membershipState() {}
func (Left) membershipState()   {}

// Message is the read-state view of a conversation message.
type Message struct {
	ID             uuid.UUID `json:"id"             gorm:"primaryKey;type:uuid"`
	ConversationID uuid.UUID `json:"conversationId" gorm:"not null;type:uuid"`
	SenderID       string    `json:"senderId"       gorm:"not null"`
	Body           string    `json:"body,omitempty"`
	CreatedAt      time.Time `json:"createdAt"      gorm:"not null"`
	IsDeleted      bool      `json:"isDeleted"      gorm:"not null"`
}

func (Message) TableName() string { return "messages" }

// UnreadCount is the number of unread messages in one conversation.
type UnreadCount struct {
	ConversationID uuid.UUID `json:"conversationId"`
	Count          int64     `json:"count"`
}

package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/conversation-service/internal/config"
	"github.com/chirino/conversation-service/internal/model"
	registrymigrate "github.com/chirino/conversation-service/internal/registry/migrate"
	registrystore "github.com/chirino/conversation-service/internal/registry/store"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const dbName = "conversation_service"

// maxCASAttempts bounds how often a role-sensitive update is retried when a
// concurrent role change invalidates the participant read at the start.
const maxCASAttempts = 3

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "mongo",
		Loader: func(ctx context.Context) (registrystore.ConversationStore, error) {
			cfg := config.FromContext(ctx)
			opts := options.Client().ApplyURI(cfg.DBURL)
			if cfg.DBMaxOpenConns > 0 {
				opts.SetMaxPoolSize(uint64(cfg.DBMaxOpenConns))
			}
			if cfg.DBMaxIdleConns > 0 {
				opts.SetMinPoolSize(uint64(cfg.DBMaxIdleConns))
			}
			client, err := mongo.Connect(opts)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
			}
			if err := client.Ping(ctx, nil); err != nil {
				return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
			}
			return &MongoStore{client: client, db: client.Database(dbName)}, nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &mongoMigrator{}})
}

type mongoMigrator struct{}

func (m *mongoMigrator) Name() string { return "mongo-schema" }
func (m *mongoMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.DatastoreMigrateAtStart || cfg.DatastoreType != "mongo" {
		return nil
	}

	log.Info("Running migration", "name", m.Name())
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.DBURL))
	if err != nil {
		return fmt.Errorf("mongo migration: failed to connect: %w", err)
	}
	defer client.Disconnect(ctx)

	db := client.Database(dbName)
	collections := map[string][]mongo.IndexModel{
		"conversation_participants": {
			{
				// One active episode per (conversation, user).
				Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "user_id", Value: 1}},
				Options: options.Index().SetUnique(true).
					SetName("active_episode_unique").
					SetPartialFilterExpression(bson.M{"active": true}),
			},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "active", Value: 1}}},
			{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "joined_at", Value: 1}}},
		},
		"messages": {
			{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}}},
		},
	}

	for name, indexes := range collections {
		// CreateCollection fails when the collection already exists.
		_ = db.CreateCollection(ctx, name)
		if _, err := db.Collection(name).Indexes().CreateMany(ctx, indexes); err != nil {
			return fmt.Errorf("mongo migration: failed to create indexes for %s: %w", name, err)
		}
	}

	log.Info("MongoDB schema migration complete")
	return nil
}

// MongoStore implements ConversationStore using MongoDB. Standalone servers
// have no multi-document transactions, so the last-admin rule is enforced
// with a compare-and-swap on each conversation's active_admins counter. The
// counter is decremented before a participant loses admin rights and
// incremented after one gains them, so it can only undercount transiently.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// ForceImport can be referenced to ensure this package's init() runs.
var ForceImport = 0

func (s *MongoStore) conversations() *mongo.Collection { return s.db.Collection("conversations") }
func (s *MongoStore) participants() *mongo.Collection {
	return s.db.Collection("conversation_participants")
}
func (s *MongoStore) messages() *mongo.Collection { return s.db.Collection("messages") }

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// --- MongoDB document types ---

type convDoc struct {
	ID           string    `bson:"_id"`
	Kind         string    `bson:"kind"`
	Title        string    `bson:"title,omitempty"`
	CreatedAt    time.Time `bson:"created_at"`
	ActiveAdmins int64     `bson:"active_admins"`
}

type participantDoc struct {
	ID             string     `bson:"_id"`
	ConversationID string     `bson:"conversation_id"`
	UserID         string     `bson:"user_id"`
	Role           string     `bson:"role"`
	Active         bool       `bson:"active"`
	JoinedAt       time.Time  `bson:"joined_at"`
	LeftAt         *time.Time `bson:"left_at,omitempty"`
	LastReadAt     *time.Time `bson:"last_read_at,omitempty"`
}

type messageDoc struct {
	ID             string    `bson:"_id"`
	ConversationID string    `bson:"conversation_id"`
	SenderID       string    `bson:"sender_id"`
	Body           string    `bson:"body,omitempty"`
	CreatedAt      time.Time `bson:"created_at"`
	IsDeleted      bool      `bson:"is_deleted"`
}

func toConvDoc(c model.Conversation, admins int64) convDoc {
	return convDoc{
		ID:           c.ID.String(),
		Kind:         string(c.Kind),
		Title:        c.Title,
		CreatedAt:    c.CreatedAt.UTC(),
		ActiveAdmins: admins,
	}
}

func (d convDoc) toModel() model.Conversation {
	return model.Conversation{
		ID:        uuid.MustParse(d.ID),
		Kind:      model.ConversationKind(d.Kind),
		Title:     d.Title,
		CreatedAt: d.CreatedAt,
	}
}

func toParticipantDoc(p model.Participant) participantDoc {
	return participantDoc{
		ID:             p.ID.String(),
		ConversationID: p.ConversationID.String(),
		UserID:         p.UserID,
		Role:           string(p.Role),
		Active:         p.LeftAt == nil,
		JoinedAt:       p.JoinedAt.UTC(),
		LeftAt:         p.LeftAt,
		LastReadAt:     p.LastReadAt,
	}
}

func (d participantDoc) toModel() model.Participant {
	return model.Participant{
		ID:             uuid.MustParse(d.ID),
		ConversationID: uuid.MustParse(d.ConversationID),
		UserID:         d.UserID,
		Role:           model.Role(d.Role),
		JoinedAt:       d.JoinedAt,
		LeftAt:         d.LeftAt,
		LastReadAt:     d.LastReadAt,
	}
}

func (d messageDoc) toModel() model.Message {
	return model.Message{
		ID:             uuid.MustParse(d.ID),
		ConversationID: uuid.MustParse(d.ConversationID),
		SenderID:       d.SenderID,
		Body:           d.Body,
		CreatedAt:      d.CreatedAt,
		IsDeleted:      d.IsDeleted,
	}
}

// --- Conversations ---

func (s *MongoStore) CreateConversation(ctx context.Context, conv model.Conversation, participants []model.Participant) (*model.Conversation, []model.Participant, error) {
	var admins int64
	docs := make([]any, 0, len(participants))
	seen := map[string]bool{}
	for i := range participants {
		participants[i].ConversationID = conv.ID
		participants[i].JoinedAt = participants[i].JoinedAt.UTC()
		if seen[participants[i].UserID] {
			return nil, nil, &registrystore.ValidationError{Field: "participants", Message: "participants must be distinct"}
		}
		seen[participants[i].UserID] = true
		if participants[i].Role == model.RoleAdmin {
			admins++
		}
		docs = append(docs, toParticipantDoc(participants[i]))
	}

	cd := toConvDoc(conv, admins)
	if _, err := s.conversations().InsertOne(ctx, cd); err != nil {
		return nil, nil, s.wrap("create conversation", err)
	}
	if len(docs) > 0 {
		if _, err := s.participants().InsertMany(ctx, docs); err != nil {
			// Best-effort rollback; a conversation without participants is unreachable anyway.
			_, _ = s.participants().DeleteMany(ctx, bson.M{"conversation_id": cd.ID})
			_, _ = s.conversations().DeleteOne(ctx, bson.M{"_id": cd.ID})
			return nil, nil, s.wrap("create participants", err)
		}
	}
	out := cd.toModel()
	return &out, participants, nil
}

func (s *MongoStore) GetConversation(ctx context.Context, conversationID uuid.UUID) (*model.Conversation, error) {
	var doc convDoc
	err := s.conversations().FindOne(ctx, bson.M{"_id": conversationID.String()}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
		}
		return nil, s.wrap("get conversation", err)
	}
	conv := doc.toModel()
	return &conv, nil
}

// --- Participants ---

func (s *MongoStore) findActive(ctx context.Context, conversationID uuid.UUID, userID string) (*participantDoc, error) {
	var doc participantDoc
	err := s.participants().FindOne(ctx, bson.M{
		"conversation_id": conversationID.String(),
		"user_id":         userID,
		"active":          true,
	}).Decode(&doc)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *MongoStore) FindActiveParticipant(ctx context.Context, conversationID uuid.UUID, userID string) (*model.Participant, error) {
	doc, err := s.findActive(ctx, conversationID, userID)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &registrystore.NotFoundError{Resource: "participant", ID: userID}
		}
		return nil, s.wrap("find participant", err)
	}
	p := doc.toModel()
	return &p, nil
}

func (s *MongoStore) listParticipants(ctx context.Context, op string, filter bson.M) ([]model.Participant, error) {
	cursor, err := s.participants().Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "joined_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, s.wrap(op, err)
	}
	var docs []participantDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, s.wrap(op, err)
	}
	out := make([]model.Participant, len(docs))
	for i, d := range docs {
		out[i] = d.toModel()
	}
	return out, nil
}

func (s *MongoStore) ListActiveParticipants(ctx context.Context, conversationID uuid.UUID) ([]model.Participant, error) {
	return s.listParticipants(ctx, "list participants", bson.M{"conversation_id": conversationID.String(), "active": true})
}

func (s *MongoStore) ListActiveParticipations(ctx context.Context, userID string) ([]model.Participant, error) {
	return s.listParticipants(ctx, "list participations", bson.M{"user_id": userID, "active": true})
}

func (s *MongoStore) InsertParticipant(ctx context.Context, p model.Participant) (*model.Participant, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.JoinedAt = p.JoinedAt.UTC()
	p.LeftAt = nil
	if _, err := s.participants().InsertOne(ctx, toParticipantDoc(p)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, &registrystore.AlreadyMemberError{UserID: p.UserID, ConversationID: p.ConversationID.String()}
		}
		return nil, s.wrap("insert participant", err)
	}
	if p.Role == model.RoleAdmin {
		if err := s.adjustAdmins(ctx, p.ConversationID, 1); err != nil {
			return nil, s.wrap("insert participant", err)
		}
	}
	return &p, nil
}

func (s *MongoStore) DeactivateParticipant(ctx context.Context, conversationID uuid.UUID, userID string, at time.Time) (*model.Participant, error) {
	at = at.UTC()
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		doc, err := s.findActive(ctx, conversationID, userID)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return nil, notMember(conversationID, userID)
			}
			return nil, s.wrap("deactivate participant", err)
		}

		isAdmin := doc.Role == string(model.RoleAdmin)
		if isAdmin {
			if err := s.takeAdmin(ctx, conversationID, userID); err != nil {
				return nil, s.wrap("deactivate participant", err)
			}
		}

		res, err := s.participants().UpdateOne(ctx,
			bson.M{"_id": doc.ID, "active": true, "role": doc.Role},
			bson.M{"$set": bson.M{"active": false, "left_at": at}})
		if err == nil && res.MatchedCount == 1 {
			p := doc.toModel()
			p.LeftAt = &at
			return &p, nil
		}
		if isAdmin {
			if cerr := s.adjustAdmins(ctx, conversationID, 1); cerr != nil {
				log.Error("Failed to restore admin count", "conversation", conversationID, "err", cerr)
			}
		}
		if err != nil {
			return nil, s.wrap("deactivate participant", err)
		}
	}
	return nil, &registrystore.UnavailableError{Op: "deactivate participant", Err: errors.New("too much contention")}
}

func (s *MongoStore) UpdateParticipantRole(ctx context.Context, conversationID uuid.UUID, userID string, role model.Role) (*model.Participant, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		doc, err := s.findActive(ctx, conversationID, userID)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return nil, notMember(conversationID, userID)
			}
			return nil, s.wrap("update participant role", err)
		}
		if doc.Role == string(role) {
			p := doc.toModel()
			return &p, nil
		}

		demote := doc.Role == string(model.RoleAdmin)
		if demote {
			if err := s.takeAdmin(ctx, conversationID, userID); err != nil {
				return nil, s.wrap("update participant role", err)
			}
		}
		res, err := s.participants().UpdateOne(ctx,
			bson.M{"_id": doc.ID, "active": true, "role": doc.Role},
			bson.M{"$set": bson.M{"role": string(role)}})
		if err == nil && res.MatchedCount == 1 {
			if !demote {
				if err := s.adjustAdmins(ctx, conversationID, 1); err != nil {
					return nil, s.wrap("update participant role", err)
				}
			}
			doc.Role = string(role)
			p := doc.toModel()
			return &p, nil
		}
		if demote {
			if cerr := s.adjustAdmins(ctx, conversationID, 1); cerr != nil {
				log.Error("Failed to restore admin count", "conversation", conversationID, "err", cerr)
			}
		}
		if err != nil {
			return nil, s.wrap("update participant role", err)
		}
	}
	return nil, &registrystore.UnavailableError{Op: "update participant role", Err: errors.New("too much contention")}
}

// takeAdmin decrements active_admins only if another admin remains.
func (s *MongoStore) takeAdmin(ctx context.Context, conversationID uuid.UUID, userID string) error {
	res, err := s.conversations().UpdateOne(ctx,
		bson.M{"_id": conversationID.String(), "active_admins": bson.M{"$gt": 1}},
		bson.M{"$inc": bson.M{"active_admins": -1}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return &registrystore.LastAdminError{UserID: userID, ConversationID: conversationID.String()}
	}
	return nil
}

func (s *MongoStore) adjustAdmins(ctx context.Context, conversationID uuid.UUID, delta int64) error {
	_, err := s.conversations().UpdateOne(ctx,
		bson.M{"_id": conversationID.String()},
		bson.M{"$inc": bson.M{"active_admins": delta}})
	return err
}

func (s *MongoStore) AdvanceReadCursor(ctx context.Context, participantID uuid.UUID, at time.Time) (*model.Participant, error) {
	at = at.UTC()
	res, err := s.participants().UpdateOne(ctx,
		bson.M{
			"_id":    participantID.String(),
			"active": true,
			"$or": bson.A{
				bson.M{"last_read_at": bson.M{"$exists": false}},
				bson.M{"last_read_at": bson.M{"$lt": at}},
			},
		},
		bson.M{"$set": bson.M{"last_read_at": at}})
	if err != nil {
		return nil, s.wrap("advance read cursor", err)
	}

	var doc participantDoc
	if err := s.participants().FindOne(ctx, bson.M{"_id": participantID.String()}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &registrystore.NotFoundError{Resource: "participant", ID: participantID.String()}
		}
		return nil, s.wrap("reload participant", err)
	}
	p := doc.toModel()
	if res.MatchedCount == 0 && !doc.Active {
		return nil, notMember(p.ConversationID, p.UserID)
	}
	return &p, nil
}

// --- Messages ---

func (s *MongoStore) AppendMessage(ctx context.Context, msg model.Message) (*model.Message, error) {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	doc := messageDoc{
		ID:             msg.ID.String(),
		ConversationID: msg.ConversationID.String(),
		SenderID:       msg.SenderID,
		Body:           msg.Body,
		CreatedAt:      msg.CreatedAt.UTC(),
		IsDeleted:      msg.IsDeleted,
	}
	if _, err := s.messages().InsertOne(ctx, doc); err != nil {
		return nil, s.wrap("append message", err)
	}
	out := doc.toModel()
	return &out, nil
}

func (s *MongoStore) DeleteMessage(ctx context.Context, conversationID, messageID uuid.UUID) error {
	res, err := s.messages().UpdateOne(ctx,
		bson.M{"_id": messageID.String(), "conversation_id": conversationID.String()},
		bson.M{"$set": bson.M{"is_deleted": true}})
	if err != nil {
		return s.wrap("delete message", err)
	}
	if res.MatchedCount == 0 {
		return &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
	}
	return nil
}

func (s *MongoStore) CountUnread(ctx context.Context, conversationID uuid.UUID, userID string, since time.Time) (int64, error) {
	n, err := s.messages().CountDocuments(ctx, bson.M{
		"conversation_id": conversationID.String(),
		"sender_id":       bson.M{"$ne": userID},
		"is_deleted":      false,
		"created_at":      bson.M{"$gt": since.UTC()},
	})
	if err != nil {
		return 0, s.wrap("count unread", err)
	}
	return n, nil
}

// --- Helpers ---

func notMember(conversationID uuid.UUID, userID string) error {
	return &registrystore.NotMemberError{UserID: userID, ConversationID: conversationID.String()}
}

func (s *MongoStore) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if kind := registrystore.KindOf(err); kind != registrystore.KindInternal {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		mongo.IsTimeout(err) ||
		mongo.IsNetworkError(err) {
		return &registrystore.UnavailableError{Op: op, Err: err}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

var _ registrystore.ConversationStore = (*MongoStore)(nil)

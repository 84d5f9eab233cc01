package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/wuwenbin0122/perps.ai/internal/models"
	"github.com/wuwenbin0122/perps.ai/internal/utils"
)

type Mongo struct {
	Client        *mongo.Client
	Database      *mongo.Database
	Users         *mongo.Collection
	Conversations *mongo.Collection
	Messages      *mongo.Collection

	transactions bool
}

type userDocument struct {
	ID           primitive.ObjectID `bson:"_id,omitempty"`
	Email        string             `bson:"email"`
	Name         string             `bson:"name"`
	PasswordHash string             `bson:"password"`
	CreatedAt    time.Time          `bson:"createdAt"`
}

type conversationDocument struct {
	ID           primitive.ObjectID `bson:"_id,omitempty"`
	UserID       primitive.ObjectID `bson:"userId"`
	Title        string             `bson:"title"`
	LastMessage  string             `bson:"lastMessage,omitempty"`
	MessageCount int64              `bson:"messageCount"`
	CreatedAt    time.Time          `bson:"createdAt"`
	UpdatedAt    time.Time          `bson:"updatedAt"`
}

type messageDocument struct {
	ID             primitive.ObjectID `bson:"_id,omitempty"`
	ConversationID primitive.ObjectID `bson:"conversationId"`
	Role           string             `bson:"role"`
	Content        string             `bson:"content"`
	Seq            int64              `bson:"seq"`
	Timestamp      time.Time          `bson:"timestamp"`
}

func NewMongo(ctx context.Context, cfg utils.MongoConfig) (*Mongo, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo: uri is required")
	}

	clientOpts := options.Client().ApplyURI(cfg.URI)
	if cfg.ConnectTimeout > 0 {
		clientOpts.SetServerSelectionTimeout(cfg.ConnectTimeout)
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeoutOrDefault(cfg.ConnectTimeout))
	defer cancel()

	client, err := mongo.Connect(dialCtx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}

	if err := client.Ping(dialCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}

	database := client.Database(cfg.Database)
	return &Mongo{
		Client:        client,
		Database:      database,
		Users:         database.Collection("users"),
		Conversations: database.Collection("conversations"),
		Messages:      database.Collection("messages"),
		transactions:  cfg.Transactions,
	}, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	if m == nil || m.Client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return m.Client.Disconnect(ctx)
}

func (m *Mongo) EnsureCollections(ctx context.Context) error {
	if m == nil || m.Database == nil {
		return fmt.Errorf("mongo: database not initialised")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := m.Users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("mongo: ensure user index: %w", err)
	}

	_, err = m.Conversations.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "userId", Value: 1}, {Key: "updatedAt", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("mongo: ensure conversation index: %w", err)
	}

	_, err = m.Messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "seq", Value: 1}, {Key: "timestamp", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("mongo: ensure message index: %w", err)
	}

	return nil
}

func (m *Mongo) CreateUser(ctx context.Context, user *models.User) error {
	doc := userDocument{
		ID:           primitive.NewObjectID(),
		Email:        user.Email,
		Name:         user.Name,
		PasswordHash: user.PasswordHash,
		CreatedAt:    user.CreatedAt,
	}

	if _, err := m.Users.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("mongo: insert user: %w", err)
	}

	user.ID = doc.ID.Hex()
	return nil
}

func (m *Mongo) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var doc userDocument
	if err := m.Users.FindOne(ctx, bson.M{"email": email}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("mongo: find user: %w", err)
	}

	return &models.User{
		ID:           doc.ID.Hex(),
		Email:        doc.Email,
		Name:         doc.Name,
		PasswordHash: doc.PasswordHash,
		CreatedAt:    doc.CreatedAt,
	}, nil
}

func (m *Mongo) CreateConversation(ctx context.Context, userID, title string, at time.Time) (*models.Conversation, error) {
	owner, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return nil, fmt.Errorf("mongo: invalid user id %q: %w", userID, err)
	}

	doc := conversationDocument{
		ID:        primitive.NewObjectID(),
		UserID:    owner,
		Title:     title,
		CreatedAt: at,
		UpdatedAt: at,
	}
	if _, err := m.Conversations.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("mongo: insert conversation: %w", err)
	}

	conv := doc.toModel()
	return &conv, nil
}

func (m *Mongo) FindConversation(ctx context.Context, userID, id string) (*models.Conversation, error) {
	filter, ok := ownedFilter(userID, id)
	if !ok {
		return nil, ErrNotFound
	}

	var doc conversationDocument
	if err := m.Conversations.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("mongo: find conversation: %w", err)
	}

	conv := doc.toModel()
	return &conv, nil
}

func (m *Mongo) ListConversations(ctx context.Context, userID string, limit int) ([]models.Conversation, error) {
	owner, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return []models.Conversation{}, nil
	}

	opts := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := m.Conversations.Find(ctx, bson.M{"userId": owner}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: list conversations: %w", err)
	}

	var docs []conversationDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo: decode conversations: %w", err)
	}

	result := make([]models.Conversation, 0, len(docs))
	for _, doc := range docs {
		result = append(result, doc.toModel())
	}

	return result, nil
}

func (m *Mongo) RenameConversation(ctx context.Context, userID, id, title string) (*models.Conversation, error) {
	filter, ok := ownedFilter(userID, id)
	if !ok {
		return nil, ErrNotFound
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc conversationDocument
	err := m.Conversations.FindOneAndUpdate(ctx, filter, bson.M{"$set": bson.M{"title": title}}, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("mongo: rename conversation: %w", err)
	}

	conv := doc.toModel()
	return &conv, nil
}

func (m *Mongo) DeleteConversation(ctx context.Context, userID, id string) error {
	filter, ok := ownedFilter(userID, id)
	if !ok {
		return ErrNotFound
	}

	_, err := m.withTransaction(ctx, func(ctx context.Context) (any, error) {
		res, err := m.Conversations.DeleteOne(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("mongo: delete conversation: %w", err)
		}
		if res.DeletedCount == 0 {
			return nil, ErrNotFound
		}

		if _, err := m.Messages.DeleteMany(ctx, bson.M{"conversationId": filter["_id"]}); err != nil {
			return nil, fmt.Errorf("mongo: delete messages: %w", err)
		}
		return nil, nil
	})

	return err
}

func (m *Mongo) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	return m.findMessages(ctx, conversationID, 0)
}

func (m *Mongo) RecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	return m.findMessages(ctx, conversationID, limit)
}

func (m *Mongo) findMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	convID, err := primitive.ObjectIDFromHex(conversationID)
	if err != nil {
		return []models.Message{}, nil
	}

	opts := options.Find()
	if limit > 0 {
		opts.SetSort(bson.D{{Key: "seq", Value: -1}, {Key: "timestamp", Value: -1}}).SetLimit(int64(limit))
	} else {
		opts.SetSort(bson.D{{Key: "seq", Value: 1}, {Key: "timestamp", Value: 1}})
	}

	cursor, err := m.Messages.Find(ctx, bson.M{"conversationId": convID}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: find messages: %w", err)
	}

	var docs []messageDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo: decode messages: %w", err)
	}

	result := make([]models.Message, 0, len(docs))
	for _, doc := range docs {
		msg, err := doc.toModel()
		if err != nil {
			return nil, err
		}
		result = append(result, msg)
	}

	if limit > 0 {
		for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
			result[i], result[j] = result[j], result[i]
		}
	}

	return result, nil
}

// AppendExchange reserves two sequence numbers on the conversation, writes the user and
// assistant messages, then refreshes the preview. Without MONGO_TRANSACTIONS the writes
// are ordered but not atomic.
func (m *Mongo) AppendExchange(ctx context.Context, input ExchangeInput) (*Exchange, error) {
	filter, ok := ownedFilter(input.UserID, input.ConversationID)
	if !ok {
		return nil, ErrNotFound
	}

	result, err := m.withTransaction(ctx, func(ctx context.Context) (any, error) {
		var conv conversationDocument
		reserve := options.FindOneAndUpdate().SetReturnDocument(options.After)
		err := m.Conversations.FindOneAndUpdate(ctx, filter, bson.M{"$inc": bson.M{"messageCount": 2}}, reserve).Decode(&conv)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("mongo: reserve message sequence: %w", err)
		}

		userDoc := messageDocument{
			ID:             primitive.NewObjectID(),
			ConversationID: conv.ID,
			Role:           string(models.RoleUser),
			Content:        input.UserContent,
			Seq:            conv.MessageCount - 1,
			Timestamp:      input.UserAt,
		}
		assistantDoc := messageDocument{
			ID:             primitive.NewObjectID(),
			ConversationID: conv.ID,
			Role:           string(models.RoleAssistant),
			Content:        input.AssistantContent,
			Seq:            conv.MessageCount,
			Timestamp:      input.AssistantAt,
		}

		if _, err := m.Messages.InsertMany(ctx, []any{userDoc, assistantDoc}, options.InsertMany().SetOrdered(true)); err != nil {
			return nil, fmt.Errorf("mongo: insert messages: %w", err)
		}

		conv.LastMessage = models.PreviewFromReply(input.AssistantContent)
		conv.UpdatedAt = input.AssistantAt
		update := bson.M{"$set": bson.M{"lastMessage": conv.LastMessage, "updatedAt": conv.UpdatedAt}}
		if _, err := m.Conversations.UpdateOne(ctx, bson.M{"_id": conv.ID}, update); err != nil {
			return nil, fmt.Errorf("mongo: update conversation preview: %w", err)
		}

		userMsg, _ := userDoc.toModel()
		assistantMsg, _ := assistantDoc.toModel()
		return &Exchange{Conversation: conv.toModel(), User: userMsg, Assistant: assistantMsg}, nil
	})
	if err != nil {
		return nil, err
	}

	return result.(*Exchange), nil
}

func (m *Mongo) withTransaction(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if !m.transactions {
		return fn(ctx)
	}

	session, err := m.Client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("mongo: start session: %w", err)
	}
	defer session.EndSession(ctx)

	return session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return fn(sc)
	})
}

func ownedFilter(userID, id string) (bson.M, bool) {
	owner, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return nil, false
	}
	convID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, false
	}
	return bson.M{"_id": convID, "userId": owner}, true
}

func (d conversationDocument) toModel() models.Conversation {
	return models.Conversation{
		ID:           d.ID.Hex(),
		UserID:       d.UserID.Hex(),
		Title:        d.Title,
		LastMessage:  d.LastMessage,
		MessageCount: d.MessageCount,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

func (d messageDocument) toModel() (models.Message, error) {
	role, err := models.ParseRole(d.Role)
	if err != nil {
		return models.Message{}, fmt.Errorf("mongo: message %s: %w", d.ID.Hex(), err)
	}

	return models.Message{
		ID:             d.ID.Hex(),
		ConversationID: d.ConversationID.Hex(),
		Role:           role,
		Content:        d.Content,
		Seq:            d.Seq,
		Timestamp:      d.Timestamp,
	}, nil
}

func timeoutOrDefault(value time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return 10 * time.Second
}

var _ Store = (*Mongo)(nil)

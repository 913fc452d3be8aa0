// ABOUTME: MongoDB implementation of the Store interface using the official mongo-driver
// ABOUTME: Mirrors the users/conversations/messages collections with $inc unread and $addToSet seen-by

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoConfig holds connection settings for MongoStore
type MongoConfig struct {
	URI         string
	Database    string
	MaxPoolSize uint64
	Timeout     time.Duration
}

// MongoStore implements the Store interface on MongoDB
type MongoStore struct {
	client        *mongo.Client
	users         *mongo.Collection
	conversations *mongo.Collection
	messages      *mongo.Collection
	logger        *slog.Logger
}

type userDoc struct {
	ID        string    `bson:"_id"`
	Username  string    `bson:"username"`
	Avatar    string    `bson:"avatar"`
	CreatedAt time.Time `bson:"createdAt"`
}

type conversationDoc struct {
	ID           string         `bson:"_id"`
	Participants []string       `bson:"participants"`
	LastMessage  string         `bson:"lastMessage,omitempty"`
	UnreadCounts map[string]int `bson:"unreadCounts"`
	CreatedAt    time.Time      `bson:"createdAt"`
	UpdatedAt    time.Time      `bson:"updatedAt"`
}

type messageDoc struct {
	ID             string    `bson:"_id"`
	ConversationID string    `bson:"conversationId"`
	Sender         string    `bson:"sender"`
	Text           string    `bson:"text"`
	Media          []string  `bson:"media"`
	SeenBy         []string  `bson:"seenBy"`
	CreatedAt      time.Time `bson:"createdAt"`
	// CreatedAtNs keeps nanosecond ordering; BSON dates are millisecond precision
	CreatedAtNs int64 `bson:"createdAtNs"`
}

// NewMongoStore connects, pings and ensures indexes.
func NewMongoStore(ctx context.Context, cfg MongoConfig) (*MongoStore, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongo uri is required")
	}
	if cfg.Database == "" {
		cfg.Database = "chat"
	}
	if cfg.MaxPoolSize == 0 {
		cfg.MaxPoolSize = 50
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	logger := slog.Default().With("component", "store")

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetConnectTimeout(cfg.Timeout)

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}

	db := client.Database(cfg.Database)
	s := &MongoStore{
		client:        client,
		users:         db.Collection("users"),
		conversations: db.Collection("conversations"),
		messages:      db.Collection("messages"),
		logger:        logger,
	}

	if err := s.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	logger.Info("MongoDB store initialized", "database", cfg.Database)
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.conversations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "participants", Value: 1}}},
		{Keys: bson.D{{Key: "updatedAt", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("conversation indexes: %w", err)
	}

	_, err = s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "createdAtNs", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("message indexes: %w", err)
	}
	return nil
}

// Ping checks the primary is reachable
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client
func (s *MongoStore) Close() error {
	s.logger.Info("closing MongoDB store")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.users.InsertOne(ctx, userDoc{
		ID:        user.ID,
		Username:  user.Username,
		Avatar:    user.Avatar,
		CreatedAt: user.CreatedAt.UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateUser
	}
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

func (s *MongoStore) GetUser(ctx context.Context, id string) (*User, error) {
	var doc userDoc
	err := s.users.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return &User{ID: doc.ID, Username: doc.Username, Avatar: doc.Avatar, CreatedAt: doc.CreatedAt}, nil
}

func (s *MongoStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	unread := make(map[string]int, len(conv.Participants))
	for _, p := range conv.Participants {
		unread[p] = conv.UnreadCounts[p]
	}
	_, err := s.conversations.InsertOne(ctx, conversationDoc{
		ID:           conv.ID,
		Participants: conv.Participants,
		LastMessage:  conv.LastMessageID,
		UnreadCounts: unread,
		CreatedAt:    conv.CreatedAt.UTC(),
		UpdatedAt:    conv.UpdatedAt.UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateConversation
	}
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

func (d *conversationDoc) toConversation() *Conversation {
	unread := make(map[string]int, len(d.Participants))
	for _, p := range d.Participants {
		unread[p] = d.UnreadCounts[p]
	}
	return &Conversation{
		ID:            d.ID,
		Participants:  d.Participants,
		LastMessageID: d.LastMessage,
		UnreadCounts:  unread,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

func (s *MongoStore) findConversation(ctx context.Context, filter bson.M, opts ...*options.FindOneOptions) (*Conversation, error) {
	var doc conversationDoc
	err := s.conversations.FindOne(ctx, filter, opts...).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return doc.toConversation(), nil
}

func (s *MongoStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return s.findConversation(ctx, bson.M{"_id": id})
}

func (s *MongoStore) FindConversationForParticipant(ctx context.Context, conversationID, userID string) (*Conversation, error) {
	return s.findConversation(ctx, bson.M{"_id": conversationID, "participants": userID})
}

func (s *MongoStore) FindDirectConversation(ctx context.Context, a, b string) (*Conversation, error) {
	filter := bson.M{"participants": bson.M{"$all": bson.A{a, b}, "$size": 2}}
	return s.findConversation(ctx, filter, options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
}

func (s *MongoStore) ListConversationsForUser(ctx context.Context, userID string) ([]*Conversation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}, {Key: "_id", Value: 1}})
	cur, err := s.conversations.Find(ctx, bson.M{"participants": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer cur.Close(ctx)

	var docs []conversationDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding conversations: %w", err)
	}

	convs := make([]*Conversation, 0, len(docs))
	for i := range docs {
		convs = append(convs, docs[i].toConversation())
	}
	return convs, nil
}

func unreadField(userID string) string {
	return "unreadCounts." + userID
}

func (s *MongoStore) UpdateConversation(ctx context.Context, conversationID string, patch ConversationPatch) error {
	set := bson.M{}
	if patch.LastMessageID != nil {
		set["lastMessage"] = *patch.LastMessageID
	}
	if patch.UpdatedAt != nil {
		set["updatedAt"] = patch.UpdatedAt.UTC()
	}
	for _, userID := range patch.ResetUnread {
		set[unreadField(userID)] = 0
	}

	if len(set) == 0 {
		_, err := s.GetConversation(ctx, conversationID)
		return err
	}

	res, err := s.conversations.UpdateOne(ctx, bson.M{"_id": conversationID}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) IncrementUnread(ctx context.Context, conversationID, userID string) (int, error) {
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{unreadField(userID): 1})

	var doc conversationDoc
	err := s.conversations.FindOneAndUpdate(ctx,
		bson.M{"_id": conversationID, "participants": userID},
		bson.M{"$inc": bson.M{unreadField(userID): 1}},
		opts,
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("incrementing unread: %w", err)
	}
	return doc.UnreadCounts[userID], nil
}

func newMessageDoc(msg *Message) messageDoc {
	media := msg.Media
	if media == nil {
		media = []string{}
	}
	return messageDoc{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Sender:         msg.SenderID,
		Text:           msg.Text,
		Media:          media,
		SeenBy:         msg.SeenBy,
		CreatedAt:      msg.CreatedAt.UTC(),
		CreatedAtNs:    msg.CreatedAt.UnixNano(),
	}
}

func (s *MongoStore) CreateMessage(ctx context.Context, msg *Message) error {
	if _, err := s.messages.InsertOne(ctx, newMessageDoc(msg)); err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// inTransaction runs fn inside a multi-document transaction. MongoDB only
// allows these on a replica set or sharded cluster.
func (s *MongoStore) inTransaction(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

// RecordMessage inserts the message and applies every counter change with a
// single conversation update, both inside one transaction.
func (s *MongoStore) RecordMessage(ctx context.Context, rec MessageRecord) (map[string]int, error) {
	msg := rec.Message

	inc := bson.M{}
	members := bson.A{msg.SenderID}
	for _, userID := range rec.IncrementUnread {
		if userID != msg.SenderID {
			inc[unreadField(userID)] = 1
			members = append(members, userID)
		}
	}
	update := bson.M{"$set": bson.M{
		"lastMessage":              msg.ID,
		"updatedAt":                msg.CreatedAt.UTC(),
		unreadField(msg.SenderID): 0,
	}}
	if len(inc) > 0 {
		update["$inc"] = inc
	}

	var doc conversationDoc
	err := s.inTransaction(ctx, func(sc mongo.SessionContext) error {
		// WithTransaction may rerun the callback on transient errors
		doc = conversationDoc{}
		if _, err := s.messages.InsertOne(sc, newMessageDoc(msg)); err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
		err := s.conversations.FindOneAndUpdate(sc,
			bson.M{"_id": msg.ConversationID, "participants": bson.M{"$all": members}},
			update,
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("updating conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(inc))
	for _, userID := range rec.IncrementUnread {
		if userID != msg.SenderID {
			counts[userID] = doc.UnreadCounts[userID]
		}
	}
	return counts, nil
}

func (d *messageDoc) toMessage() *Message {
	return &Message{
		ID:             d.ID,
		ConversationID: d.ConversationID,
		SenderID:       d.Sender,
		Text:           d.Text,
		Media:          d.Media,
		SeenBy:         d.SeenBy,
		CreatedAt:      time.Unix(0, d.CreatedAtNs).UTC(),
	}
}

func (s *MongoStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	var doc messageDoc
	err := s.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return doc.toMessage(), nil
}

func (s *MongoStore) GetMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	limit = ClampLimit(limit)

	opts := options.Find()
	if limit > 0 {
		// Newest N first, reversed below
		opts.SetSort(bson.D{{Key: "createdAtNs", Value: -1}}).SetLimit(int64(limit))
	} else {
		opts.SetSort(bson.D{{Key: "createdAtNs", Value: 1}})
	}

	cur, err := s.messages.Find(ctx, bson.M{"conversationId": conversationID}, opts)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer cur.Close(ctx)

	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding messages: %w", err)
	}

	messages := make([]*Message, len(docs))
	for i := range docs {
		messages[i] = docs[i].toMessage()
	}
	if limit > 0 {
		for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
			messages[i], messages[j] = messages[j], messages[i]
		}
	}
	return messages, nil
}

func (s *MongoStore) BulkMarkSeen(ctx context.Context, conversationID, seerID string) (int64, error) {
	res, err := s.messages.UpdateMany(ctx,
		bson.M{
			"conversationId": conversationID,
			"sender":         bson.M{"$ne": seerID},
			"seenBy":         bson.M{"$ne": seerID},
		},
		bson.M{"$addToSet": bson.M{"seenBy": seerID}},
	)
	if err != nil {
		return 0, fmt.Errorf("marking messages seen: %w", err)
	}
	return res.ModifiedCount, nil
}

// MarkRead resets the reader's counter and marks messages seen in one transaction.
func (s *MongoStore) MarkRead(ctx context.Context, conversationID, userID string) (int64, error) {
	var marked int64
	err := s.inTransaction(ctx, func(sc mongo.SessionContext) error {
		res, err := s.conversations.UpdateOne(sc,
			bson.M{"_id": conversationID, "participants": userID},
			bson.M{"$set": bson.M{unreadField(userID): 0}},
		)
		if err != nil {
			return fmt.Errorf("resetting unread: %w", err)
		}
		if res.MatchedCount == 0 {
			return ErrNotFound
		}
		marked, err = s.BulkMarkSeen(sc, conversationID, userID)
		return err
	})
	if err != nil {
		return 0, err
	}
	return marked, nil
}

// Verify MongoStore implements Store
var _ Store = (*MongoStore)(nil)

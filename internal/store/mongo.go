package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/parley/chat-app/internal/message"
)

// MessagesCollection is the MongoDB collection holding messages.
const MessagesCollection = "messages"

// messageDoc is the stored form of a message; the id is an ObjectID.
type messageDoc struct {
	ID              primitive.ObjectID `bson:"_id,omitempty"`
	message.Message `bson:",inline"`
}

func (d messageDoc) toMessage() message.Message {
	m := d.Message
	m.ID = d.ID.Hex()
	m.CreatedAt = m.CreatedAt.UTC()
	return m
}

// MongoStore persists messages in MongoDB.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoStore connects to uri, verifies the connection and ensures the
// collection indexes exist.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("store: connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("store: ping mongo: %w", err)
	}

	s := &MongoStore{
		client: client,
		coll:   client.Database(database).Collection(MessagesCollection),
	}
	if err := s.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// ensureIndexes creates:
//
//	{sender_id: 1, client_id: 1} unique where client_id exists
//	{room_id: 1, created_at: -1}
//	{receiver_id: 1, status: 1}
func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "sender_id", Value: 1}, {Key: "client_id", Value: 1}},
			Options: options.Index().
				SetName("uniq_sender_client").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"client_id": bson.M{"$exists": true}}),
		},
		{
			Keys:    bson.D{{Key: "room_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("room_created"),
		},
		{
			Keys:    bson.D{{Key: "receiver_id", Value: 1}, {Key: "status", Value: 1}},
			Options: options.Index().SetName("receiver_status"),
		},
	})
	if err != nil {
		return fmt.Errorf("store: create mongo indexes: %w", err)
	}
	return nil
}

// Create inserts msg. A duplicate (sender_id, client_id) loads the stored
// document instead.
func (s *MongoStore) Create(ctx context.Context, msg *message.Message) (bool, error) {

	if msg.RoomID == "" {
		msg.RoomID = message.RoomKey(msg.SenderID, msg.ReceiverID)
	}
	if msg.CreatedAt.IsZero() {
		// Mongo stores milliseconds; truncate so the returned value matches.
		msg.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	}

	doc := messageDoc{ID: primitive.NewObjectID(), Message: *msg}
	_, err := s.coll.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) && msg.ClientID != "" {
		var existing messageDoc
		err := s.coll.FindOne(ctx, bson.M{"sender_id": msg.SenderID, "client_id": msg.ClientID}).Decode(&existing)
		if err != nil {
			return false, fmt.Errorf("store: load existing message: %w", err)
		}
		*msg = existing.toMessage()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: insert message: %w", err)
	}

	msg.ID = doc.ID.Hex()
	return true, nil
}

// Get returns the message with id.
func (s *MongoStore) Get(ctx context.Context, id string) (*message.Message, error) {

	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var doc messageDoc
	err = s.coll.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get message: %w", err)
	}
	m := doc.toMessage()
	return &m, nil
}

// History returns the newest page of the conversation, oldest first.
func (s *MongoStore) History(ctx context.Context, userID, peerID string, q HistoryQuery) ([]message.Message, error) {
	q = q.Normalize()

	filter := bson.M{"room_id": message.RoomKey(userID, peerID)}
	if !q.Before.IsZero() {
		filter["created_at"] = bson.M{"$lt": q.Before}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(q.Limit))

	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("store: query history: %w", err)
	}
	defer cur.Close(ctx)

	var out []message.Message
	for cur.Next(ctx) {
		var doc messageDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("store: decode history: %w", err)
		}
		out = append(out, doc.toMessage())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate history: %w", err)
	}

	reverse(out)
	return out, nil
}

// MarkSeen updates unseen messages addressed to receiverID.
func (s *MongoStore) MarkSeen(ctx context.Context, receiverID string, ids []string) (int, error) {

	oids := make([]primitive.ObjectID, 0, len(ids))
	for _, id := range dedupe(ids) {
		oid, err := primitive.ObjectIDFromHex(id)
		if err != nil {
			continue
		}
		oids = append(oids, oid)
	}
	if len(oids) == 0 {
		return 0, nil
	}

	res, err := s.coll.UpdateMany(ctx,
		bson.M{
			"_id":         bson.M{"$in": oids},
			"receiver_id": receiverID,
			"status":      message.StatusSent,
		},
		bson.M{"$set": bson.M{"status": message.StatusSeen}},
	)
	if err != nil {
		return 0, fmt.Errorf("store: mark seen: %w", err)
	}
	return int(res.ModifiedCount), nil
}

// Ping checks the MongoDB connection.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

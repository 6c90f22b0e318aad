package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	chatsCollection    = "chats"
	messagesCollection = "messages"
	mediaBucket        = "media"
	blobScheme         = "gridfs://"
)

// Mongo implements Store and Blobs on MongoDB with media kept in GridFS.
type Mongo struct {
	client  *mongo.Client
	db      *mongo.Database
	bucket  *gridfs.Bucket
	timeout time.Duration
}

// Dial creates a client for uri. It does not wait for the server: the
// connectivity monitor decides when the backend is reachable.
func Dial(ctx context.Context, uri, database string, timeout time.Duration) (*Mongo, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	opts := options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(timeout).
		SetConnectTimeout(timeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	db := client.Database(database)
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().SetName(mediaBucket))
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("gridfs bucket: %w", err)
	}
	return &Mongo{client: client, db: db, bucket: bucket, timeout: timeout}, nil
}

// Close disconnects the client.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// EnsureIndexes creates the indexes the engine queries by.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	_, err := m.db.Collection(messagesCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "created_at", Value: 1}},
	})
	return wrap("ensure indexes", err)
}

func (m *Mongo) Ping(ctx context.Context) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	return wrap("ping", m.client.Ping(ctx, nil))
}

func (m *Mongo) CreateMessage(ctx context.Context, msg Message) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	if err := m.requireChat(ctx, msg.ChatID); err != nil {
		return err
	}
	if msg.ReadBy == nil {
		msg.ReadBy = []string{}
	}
	_, err := m.db.Collection(messagesCollection).InsertOne(ctx, msg)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("create message %s: %w", msg.ID, ErrConflict)
	}
	return wrap("create message", err)
}

func (m *Mongo) AppendReadBy(ctx context.Context, chatID, msgID, userID string) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	res, err := m.db.Collection(messagesCollection).UpdateOne(ctx,
		bson.M{"_id": msgID, "chat_id": chatID},
		bson.M{"$addToSet": bson.M{"read_by": userID}})
	if err != nil {
		return wrap("append read_by", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("append read_by %s: %w", msgID, ErrRejected)
	}
	return nil
}

func (m *Mongo) EditMessage(ctx context.Context, chatID, msgID, body string) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	res, err := m.db.Collection(messagesCollection).UpdateOne(ctx,
		bson.M{"_id": msgID, "chat_id": chatID},
		bson.M{"$set": bson.M{"body": body}})
	if err != nil {
		return wrap("edit message", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("edit message %s: %w", msgID, ErrRejected)
	}
	return nil
}

func (m *Mongo) DeleteMessage(ctx context.Context, chatID, msgID string) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	_, err := m.db.Collection(messagesCollection).DeleteOne(ctx, bson.M{"_id": msgID, "chat_id": chatID})
	return wrap("delete message", err)
}

func (m *Mongo) ListChats(ctx context.Context) ([]Chat, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	cursor, err := m.db.Collection(chatsCollection).Find(ctx, bson.M{})
	if err != nil {
		return nil, wrap("list chats", err)
	}
	defer cursor.Close(ctx)

	var chats []Chat
	if err := cursor.All(ctx, &chats); err != nil {
		return nil, wrap("decode chats", err)
	}
	return chats, nil
}

func (m *Mongo) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := m.db.Collection(messagesCollection).Find(ctx, bson.M{"chat_id": chatID}, opts)
	if err != nil {
		return nil, wrap("list messages", err)
	}
	defer cursor.Close(ctx)

	var msgs []Message
	if err := cursor.All(ctx, &msgs); err != nil {
		return nil, wrap("decode messages", err)
	}
	return msgs, nil
}

// DeleteBlob removes a GridFS file referenced as gridfs://<object id hex>.
func (m *Mongo) DeleteBlob(ctx context.Context, ref string) error {
	id, err := parseBlobRef(ref)
	if err != nil {
		return err
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	err = m.bucket.DeleteContext(ctx, id)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return nil
	}
	return wrap("delete blob", err)
}

func (m *Mongo) requireChat(ctx context.Context, chatID string) error {
	n, err := m.db.Collection(chatsCollection).CountDocuments(ctx, bson.M{"_id": chatID}, options.Count().SetLimit(1))
	if err != nil {
		return wrap("lookup chat", err)
	}
	if n == 0 {
		return fmt.Errorf("chat %s: %w", chatID, ErrRejected)
	}
	return nil
}

func (m *Mongo) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.timeout)
}

// BlobRef formats a GridFS file id as a media reference.
func BlobRef(id primitive.ObjectID) string {
	return blobScheme + id.Hex()
}

func parseBlobRef(ref string) (primitive.ObjectID, error) {
	hex, ok := strings.CutPrefix(ref, blobScheme)
	if !ok {
		return primitive.NilObjectID, fmt.Errorf("unsupported media ref %q", ref)
	}
	id, err := primitive.ObjectIDFromHex(hex)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("media ref %q: %w", ref, err)
	}
	return id, nil
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if Classify(err) == KindTransient && !errors.Is(err, ErrTransient) &&
		!errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

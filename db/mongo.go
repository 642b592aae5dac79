package db

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"dmrelay/models"
)

const defaultMongoDatabase = "chatapp"

type mongoMessage struct {
	ID        bson.ObjectID `bson:"_id,omitempty"`
	Sender    string        `bson:"sender"`
	Receiver  string        `bson:"receiver"`
	Text      string        `bson:"text"`
	Timestamp time.Time     `bson:"timestamp"`
}

type mongoUser struct {
	Username    string    `bson:"username"`
	LastOnline  time.Time `bson:"last_online,omitempty"`
	LastOffline time.Time `bson:"last_offline,omitempty"`
}

// Mongo stores messages and users in two collections of one database.
type Mongo struct {
	client   *mongo.Client
	messages *mongo.Collection
	users    *mongo.Collection
	clock    func() time.Time
}

func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	if database == "" {
		database = defaultMongoDatabase
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, wrapMongo("open", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, wrapMongo("ping", err)
	}

	db := client.Database(database)
	m := &Mongo{
		client:   client,
		messages: db.Collection("messages"),
		users:    db.Collection("users"),
		clock:    now,
	}
	if err := m.init(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return m, nil
}

func (m *Mongo) init(ctx context.Context) error {
	_, err := m.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "sender", Value: 1}, {Key: "receiver", Value: 1}, {Key: "timestamp", Value: 1}},
	})
	if err != nil {
		return wrapMongo("init", err)
	}
	_, err = m.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return wrapMongo("init", err)
}

func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func pairFilter(user1, user2 string) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"sender": user1, "receiver": user2},
		bson.M{"sender": user2, "receiver": user1},
	}}
}

func (m *Mongo) AppendMessage(ctx context.Context, sender, receiver, text string) (models.Message, error) {
	// BSON dates keep milliseconds; round up so the stored value never
	// precedes the moment of the call.
	doc := mongoMessage{
		ID:        bson.NewObjectID(),
		Sender:    sender,
		Receiver:  receiver,
		Text:      text,
		Timestamp: ceilTime(m.clock(), time.Millisecond),
	}
	if _, err := m.messages.InsertOne(ctx, doc); err != nil {
		return models.Message{}, wrapMongo("append", err)
	}
	return doc.model(), nil
}

func (m *Mongo) History(ctx context.Context, user1, user2 string) ([]models.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := m.messages.Find(ctx, pairFilter(user1, user2), opts)
	if err != nil {
		return nil, wrapMongo("history", err)
	}

	var docs []mongoMessage
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrapMongo("history", err)
	}

	messages := make([]models.Message, 0, len(docs))
	for _, doc := range docs {
		messages = append(messages, doc.model())
	}
	return messages, nil
}

func (m *Mongo) DeleteHistory(ctx context.Context, user1, user2 string) (int64, error) {
	res, err := m.messages.DeleteMany(ctx, pairFilter(user1, user2))
	if err != nil {
		return 0, wrapMongo("delete history", err)
	}
	return res.DeletedCount, nil
}

func (m *Mongo) MarkOnline(ctx context.Context, username string, t time.Time) error {
	return m.touchUser(ctx, "mark online", username, "last_online", t)
}

func (m *Mongo) MarkOffline(ctx context.Context, username string, t time.Time) error {
	return m.touchUser(ctx, "mark offline", username, "last_offline", t)
}

func (m *Mongo) touchUser(ctx context.Context, op, username, field string, t time.Time) error {
	_, err := m.users.UpdateOne(ctx,
		bson.M{"username": username},
		bson.M{"$set": bson.M{"username": username, field: t.UTC()}},
		options.UpdateOne().SetUpsert(true),
	)
	return wrapMongo(op, err)
}

func (m *Mongo) ListUsers(ctx context.Context) ([]models.User, error) {
	cursor, err := m.users.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "username", Value: 1}}))
	if err != nil {
		return nil, wrapMongo("list users", err)
	}

	var docs []mongoUser
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrapMongo("list users", err)
	}

	users := make([]models.User, 0, len(docs))
	for _, doc := range docs {
		users = append(users, models.User{
			Username:    doc.Username,
			LastOnline:  doc.LastOnline.UTC(),
			LastOffline: doc.LastOffline.UTC(),
		})
	}
	return users, nil
}

func (doc mongoMessage) model() models.Message {
	return models.Message{
		ID:        doc.ID.Hex(),
		Sender:    doc.Sender,
		Receiver:  doc.Receiver,
		Text:      doc.Text,
		Timestamp: doc.Timestamp.UTC(),
	}
}

func wrapMongo(op string, err error) error {
	if err == nil {
		return nil
	}
	unavailable := mongo.IsNetworkError(err) || mongo.IsTimeout(err) ||
		errors.Is(err, mongo.ErrClientDisconnected)
	return &StorageError{Op: op, Unavailable: unavailable, Err: err}
}

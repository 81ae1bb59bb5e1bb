package history

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoConfig holds MongoDB connection configuration.
type MongoConfig struct {
	URI        string
	Database   string
	Collection string
}

// MongoStore implements Store on MongoDB.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore connects and prepares indexes.
func NewMongoStore(config MongoConfig) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(config.URI))
	if err != nil {
		return nil, fmt.Errorf("history: connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("history: ping mongodb: %w", err)
	}

	collection := client.Database(config.Database).Collection(config.Collection)
	_, err = collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		return nil, fmt.Errorf("history: create indexes: %w", err)
	}
	return &MongoStore{client: client, collection: collection}, nil
}

// Record implements Store.
func (s *MongoStore) Record(ctx context.Context, entry Entry) error {
	if _, err := s.collection.InsertOne(ctx, entry); err != nil {
		return fmt.Errorf("history: record entry: %w", err)
	}
	return nil
}

// Recent implements Store.
func (s *MongoStore) Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	filter := bson.M{}
	if sessionID != "" {
		filter["session_id"] = sessionID
	}
	opts := options.Find().SetSort(bson.M{"created_at": -1})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("history: query entries: %w", err)
	}
	defer cursor.Close(ctx)

	var entries []Entry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("history: decode entries: %w", err)
	}
	return entries, nil
}

// Ping implements Store.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects from MongoDB.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/atana/registration-migrator/internal/config"
	"github.com/atana/registration-migrator/internal/models"
)

// MongoRunRecorder keeps run reports in a MongoDB collection
type MongoRunRecorder struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoRunRecorder connects to MongoDB and prepares the runs collection
func NewMongoRunRecorder(cfg config.RunLogConfig) (*MongoRunRecorder, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoDBURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	collection := client.Database(cfg.MongoDatabase).Collection(cfg.TableName)
	_, err = collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "started_at", Value: -1}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create runs index: %w", err)
	}

	return &MongoRunRecorder{client: client, collection: collection}, nil
}

// RecordRun inserts or replaces the report keyed by its id
func (m *MongoRunRecorder) RecordRun(ctx context.Context, run *models.RunReport) error {
	_, err := m.collection.ReplaceOne(ctx,
		bson.M{"_id": run.ID},
		run,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to store run %s: %w", run.ID, err)
	}
	return nil
}

// LastRun returns the most recently started run, or nil if none exists
func (m *MongoRunRecorder) LastRun(ctx context.Context) (*models.RunReport, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "started_at", Value: -1}})

	var run models.RunReport
	err := m.collection.FindOne(ctx, bson.D{}, opts).Decode(&run)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last run: %w", err)
	}
	return &run, nil
}

// Close disconnects the MongoDB client
func (m *MongoRunRecorder) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

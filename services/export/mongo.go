package export

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"ml_backend_project/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDB database and collection names
const (
	MongoDBName            = "ml_sessions"
	MongoSummaryCollection = "session_summaries"
	mongoConnectTimeout    = 10 * time.Second
	mongoOperationTimeout  = 15 * time.Second
)

// sessionSummary is the exported document shape
type sessionSummary struct {
	ID            uint              `bson:"_id"`
	OwnerID       uint              `bson:"owner_id"`
	Kind          string            `bson:"kind"`
	Status        string            `bson:"status"`
	Progress      float64           `bson:"progress"`
	LatestMetrics models.MetricsMap `bson:"latest_metrics"`
	BestMetrics   models.MetricsMap `bson:"best_metrics"`
	ErrorMessage  string            `bson:"error_message,omitempty"`
	CompletedAt   *time.Time        `bson:"completed_at"`
	ExportedAt    time.Time         `bson:"exported_at"`
}

// MongoSink exports finished session summaries to MongoDB Atlas for
// downstream analytics. Disabled unless MONGODB_URI is configured.
type MongoSink struct {
	client   *mongo.Client
	database *mongo.Database
	enabled  bool
}

// NewMongoSink connects using MONGODB_URI. An empty URI yields a disabled
// sink, not an error.
func NewMongoSink(ctx context.Context) (*MongoSink, error) {
	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		log.Println("MONGODB_URI not set, MongoDB export disabled")
		return &MongoSink{}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("MongoDB ping failed: %w", err)
	}

	log.Println("MongoDB export sink connected")
	return &MongoSink{
		client:   client,
		database: client.Database(MongoDBName),
		enabled:  true,
	}, nil
}

// Enabled reports whether the sink is configured and connected
func (m *MongoSink) Enabled() bool {
	return m.enabled
}

// ExportSummary upserts one finished session's summary document
func (m *MongoSink) ExportSummary(ctx context.Context, session *models.Session) error {
	if !m.enabled {
		return nil
	}

	opCtx, cancel := context.WithTimeout(ctx, mongoOperationTimeout)
	defer cancel()

	doc := sessionSummary{
		ID:            session.ID,
		OwnerID:       session.OwnerID,
		Kind:          session.Kind,
		Status:        session.Status,
		Progress:      session.Progress,
		LatestMetrics: session.LatestMetrics,
		BestMetrics:   session.BestMetrics,
		ErrorMessage:  session.ErrorMessage,
		CompletedAt:   session.CompletedAt,
		ExportedAt:    time.Now(),
	}

	coll := m.database.Collection(MongoSummaryCollection)
	_, err := coll.ReplaceOne(opCtx,
		bson.M{"_id": session.ID},
		doc,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to export session %d summary: %w", session.ID, err)
	}
	return nil
}

// Close disconnects the client
func (m *MongoSink) Close(ctx context.Context) {
	if m.client == nil {
		return
	}
	if err := m.client.Disconnect(ctx); err != nil {
		log.Printf("MongoDB disconnect error: %v", err)
	}
}

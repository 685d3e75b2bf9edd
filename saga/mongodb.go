package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3/health"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
)

/*
MongoDB Schema:

Collection: sagas

Document structure:
{
    "_id": string (instance ID),
    "saga_type": string,
    "payload": string (JSON),
    "status": string,
    "current_step": int,
    "completed_steps": [{name, outcome, result, timestamp}],
    "last_error": string (optional),
    "created_at": ISODate,
    "updated_at": ISODate,
    "version": long,
    "archived": bool
}

Indexes:
db.sagas.createIndex({ "saga_type": 1 })
db.sagas.createIndex({ "status": 1, "archived": 1 })
db.sagas.createIndex({ "created_at": 1 })
*/

// mongoInstance is the instance document in MongoDB. The payload is stored
// as a JSON string so it round-trips without BSON re-encoding.
type mongoInstance struct {
	ID             string       `bson:"_id"`
	SagaType       string       `bson:"saga_type"`
	Payload        string       `bson:"payload,omitempty"`
	Status         Status       `bson:"status"`
	CurrentStep    int          `bson:"current_step"`
	CompletedSteps []StepRecord `bson:"completed_steps,omitempty"`
	LastError      string       `bson:"last_error,omitempty"`
	CreatedAt      time.Time    `bson:"created_at"`
	UpdatedAt      time.Time    `bson:"updated_at"`
	Version        int64        `bson:"version"`
	Archived       bool         `bson:"archived"`
}

func (m *mongoInstance) toInstance() *Instance {
	inst := &Instance{
		ID:             m.ID,
		SagaType:       m.SagaType,
		Status:         m.Status,
		CurrentStep:    m.CurrentStep,
		CompletedSteps: m.CompletedSteps,
		LastError:      m.LastError,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		Version:        m.Version,
	}
	if m.Payload != "" {
		inst.Payload = json.RawMessage(m.Payload)
	}
	return inst
}

func fromInstance(inst *Instance) *mongoInstance {
	return &mongoInstance{
		ID:             inst.ID,
		SagaType:       inst.SagaType,
		Payload:        string(inst.Payload),
		Status:         inst.Status,
		CurrentStep:    inst.CurrentStep,
		CompletedSteps: inst.CompletedSteps,
		LastError:      inst.LastError,
		CreatedAt:      inst.CreatedAt,
		UpdatedAt:      inst.UpdatedAt,
		Version:        inst.Version,
	}
}

// MongoStore is a MongoDB-based saga store. Archived instances stay in the
// same collection behind the archived flag.
type MongoStore struct {
	collection *mongo.Collection
}

// MongoStoreOption configures a MongoStore.
type MongoStoreOption func(*mongoStoreOptions)

type mongoStoreOptions struct {
	collection string
}

// WithCollection sets a custom collection name for the MongoDB saga store.
func WithCollection(name string) MongoStoreOption {
	return func(o *mongoStoreOptions) {
		if name != "" {
			o.collection = name
		}
	}
}

// NewMongoStore creates a new MongoDB saga store.
//
// The default collection name is "sagas".
func NewMongoStore(db *mongo.Database, opts ...MongoStoreOption) *MongoStore {
	o := &mongoStoreOptions{
		collection: "sagas",
	}
	for _, opt := range opts {
		opt(o)
	}

	return &MongoStore{
		collection: db.Collection(o.collection),
	}
}

// Collection returns the underlying MongoDB collection
func (s *MongoStore) Collection() *mongo.Collection {
	return s.collection
}

// Indexes returns the required indexes for the saga collection.
// Users can use this to create indexes manually or merge with their own indexes.
//
// Example:
//
//	indexes := store.Indexes()
//	_, err := collection.Indexes().CreateMany(ctx, indexes)
func (s *MongoStore) Indexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "saga_type", Value: 1}},
		},
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "archived", Value: 1},
			},
		},
		{
			Keys: bson.D{{Key: "created_at", Value: 1}},
		},
	}
}

// EnsureIndexes creates the required indexes for the saga collection
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, s.Indexes())
	return err
}

// Create persists a new instance.
func (s *MongoStore) Create(ctx context.Context, inst *Instance) error {
	if inst == nil {
		return fmt.Errorf("instance is nil")
	}
	if inst.ID == "" {
		return fmt.Errorf("instance ID is required")
	}

	_, err := s.collection.InsertOne(ctx, fromInstance(inst))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateID, inst.ID)
		}
		return fmt.Errorf("insert: %w", err)
	}

	return nil
}

// Get retrieves an active instance by ID.
func (s *MongoStore) Get(ctx context.Context, id string) (*Instance, error) {
	return s.get(ctx, id, false)
}

// GetArchived retrieves an archived instance by ID.
func (s *MongoStore) GetArchived(ctx context.Context, id string) (*Instance, error) {
	return s.get(ctx, id, true)
}

func (s *MongoStore) get(ctx context.Context, id string, archived bool) (*Instance, error) {
	filter := bson.M{"_id": id, "archived": archived}

	var doc mongoInstance
	err := s.collection.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("find: %w", err)
	}

	return doc.toInstance(), nil
}

// Update persists a mutation with optimistic locking.
//
// The update filter matches both _id and version, so a concurrent writer
// that already advanced the document leaves MatchedCount at zero. That case
// is disambiguated against a missing document before reporting a version
// conflict.
func (s *MongoStore) Update(ctx context.Context, inst *Instance) error {
	if inst == nil {
		return fmt.Errorf("instance is nil")
	}
	if inst.ID == "" {
		return fmt.Errorf("instance ID is required")
	}

	filter := bson.M{
		"_id":      inst.ID,
		"version":  inst.Version,
		"archived": false,
	}
	newVersion := inst.Version + 1
	update := bson.M{
		"$set": bson.M{
			"status":          inst.Status,
			"current_step":    inst.CurrentStep,
			"completed_steps": inst.CompletedSteps,
			"last_error":      inst.LastError,
			"updated_at":      inst.UpdatedAt,
			"version":         newVersion,
		},
	}

	result, err := s.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}

	if result.MatchedCount == 0 {
		var existing mongoInstance
		err := s.collection.FindOne(ctx, bson.M{"_id": inst.ID, "archived": false}).Decode(&existing)
		if err == mongo.ErrNoDocuments {
			return fmt.Errorf("%w: %s", ErrNotFound, inst.ID)
		}
		if err != nil {
			return fmt.Errorf("version check: %w", err)
		}
		return NewVersionConflictError(inst.ID, inst.Version, existing.Version)
	}

	inst.Version = newVersion
	return nil
}

// ListActive returns all instances not in a terminal status.
func (s *MongoStore) ListActive(ctx context.Context) ([]*Instance, error) {
	return s.List(ctx, Filter{Status: ActiveStatuses})
}

// List returns active instances matching the filter.
func (s *MongoStore) List(ctx context.Context, filter Filter) ([]*Instance, error) {
	mongoFilter := bson.M{"archived": false}

	if filter.SagaType != "" {
		mongoFilter["saga_type"] = filter.SagaType
	}
	if len(filter.Status) > 0 {
		mongoFilter["status"] = bson.M{"$in": filter.Status}
	}

	opts := mongooptions.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := s.collection.Find(ctx, mongoFilter, opts)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var results []*Instance
	for cursor.Next(ctx) {
		var doc mongoInstance
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		results = append(results, doc.toInstance())
	}

	return results, cursor.Err()
}

// Archive moves a terminal instance out of the active set by setting the
// archived flag. The document remains readable through GetArchived.
func (s *MongoStore) Archive(ctx context.Context, id string) error {
	filter := bson.M{
		"_id":      id,
		"archived": false,
		"status":   bson.M{"$in": []Status{StatusCompleted, StatusCompensated, StatusFailed}},
	}
	update := bson.M{"$set": bson.M{"archived": true}}

	result, err := s.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}

	if result.MatchedCount == 0 {
		inst, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("saga instance %s is not terminal: %s", id, inst.Status)
	}

	return nil
}

// DeleteArchivedOlderThan removes archived instances older than the
// specified age. Returns how many documents were removed.
func (s *MongoStore) DeleteArchivedOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	filter := bson.M{
		"archived":   true,
		"updated_at": bson.M{"$lt": time.Now().Add(-age)},
	}

	result, err := s.collection.DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}

	return result.DeletedCount, nil
}

// Stats returns instance statistics
type Stats struct {
	Total        int64            `json:"total"`
	ByStatus     map[Status]int64 `json:"by_status"`
	ByType       map[string]int64 `json:"by_type"`
	OldestActive *time.Time       `json:"oldest_active,omitempty"`
}

// GetStats returns instance statistics over the active set
func (s *MongoStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByStatus: make(map[Status]int64),
		ByType:   make(map[string]int64),
	}

	total, err := s.collection.CountDocuments(ctx, bson.M{"archived": false})
	if err != nil {
		return nil, fmt.Errorf("count total: %w", err)
	}
	stats.Total = total

	statuses := []Status{StatusPending, StatusRunning, StatusCompleted, StatusCompensating, StatusCompensated, StatusFailed}
	for _, status := range statuses {
		count, err := s.collection.CountDocuments(ctx, bson.M{"archived": false, "status": status})
		if err != nil {
			return nil, fmt.Errorf("count status %s: %w", status, err)
		}
		stats.ByStatus[status] = count
	}

	// Count by saga type using aggregation
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"archived": false}}},
		{{Key: "$group", Value: bson.M{
			"_id":   "$saga_type",
			"count": bson.M{"$sum": 1},
		}}},
	}

	cursor, err := s.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregate by type: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	for cursor.Next(ctx) {
		var result struct {
			SagaType string `bson:"_id"`
			Count    int64  `bson:"count"`
		}
		if err := cursor.Decode(&result); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		stats.ByType[result.SagaType] = result.Count
	}

	// Find oldest active instance
	activeFilter := bson.M{
		"archived": false,
		"status":   bson.M{"$in": ActiveStatuses},
	}
	opts := mongooptions.FindOne().SetSort(bson.D{{Key: "created_at", Value: 1}})

	var oldest mongoInstance
	err = s.collection.FindOne(ctx, activeFilter, opts).Decode(&oldest)
	if err == nil {
		stats.OldestActive = &oldest.CreatedAt
	}

	return stats, nil
}

// Health performs a health check on the MongoDB saga store.
func (s *MongoStore) Health(ctx context.Context) *health.Result {
	start := time.Now()

	if err := s.collection.Database().Client().Ping(ctx, nil); err != nil {
		return &health.Result{
			Status:    health.StatusUnhealthy,
			Message:   fmt.Sprintf("mongodb ping failed: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	count, err := s.collection.CountDocuments(ctx, bson.M{"archived": false})
	if err != nil {
		return &health.Result{
			Status:    health.StatusDegraded,
			Message:   fmt.Sprintf("failed to count instances: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	pending, _ := s.collection.CountDocuments(ctx, bson.M{"archived": false, "status": StatusPending})
	running, _ := s.collection.CountDocuments(ctx, bson.M{"archived": false, "status": StatusRunning})
	compensating, _ := s.collection.CountDocuments(ctx, bson.M{"archived": false, "status": StatusCompensating})

	return &health.Result{
		Status:    health.StatusHealthy,
		Latency:   time.Since(start),
		CheckedAt: start,
		Details: map[string]any{
			"active_instances":       count,
			"pending_instances":      pending,
			"running_instances":      running,
			"compensating_instances": compensating,
			"collection":             s.collection.Name(),
		},
	}
}

// Compile-time checks
var (
	_ Store          = (*MongoStore)(nil)
	_ health.Checker = (*MongoStore)(nil)
)

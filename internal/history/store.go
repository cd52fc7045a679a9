package history

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"go.roomfleet.dev/fleet/internal/fleetconfig"
)

// collectionName is the single collection this package writes to. Unlike
// the teacher's multi-collection, aggregation-heavy history repository,
// this fleet's event log is an insert-only audit trail with no
// summarization queries, so one collection suffices.
const collectionName = "fleet_history"

// collection is the subset of *mongo.Collection Store needs, narrowed so
// tests can substitute a fake rather than dial a real database — the same
// seam the teacher's repositories get for free by depending on an
// interface (HistoryRepository) rather than *mongo.Collection directly.
type collection interface {
	InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongo.InsertOneResult, error)
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (*mongo.Cursor, error)
}

// Store is the insert-only fleet event log.
type Store struct {
	coll collection
}

// NewStore wraps an already-resolved collection. Exported so tests can
// pass a fake.
func NewStore(coll collection) *Store {
	return &Store{coll: coll}
}

// Connect dials MongoDB per cfg.History and returns a Store backed by the
// fleet history collection, grounded on the teacher's mongo.Client.
// Callers must call the returned disconnect func during shutdown.
func Connect(ctx context.Context, cfg *fleetconfig.Config) (*Store, func(context.Context) error, error) {
	clientOpts := options.Client().ApplyURI(cfg.History.URI)

	dialCtx, cancel := context.WithTimeout(ctx, cfg.History.Timeout)
	defer cancel()

	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return nil, nil, fmt.Errorf("history: connect to mongo: %w", err)
	}

	if err := client.Ping(dialCtx, readpref.Primary()); err != nil {
		return nil, nil, fmt.Errorf("history: ping mongo: %w", err)
	}

	coll := client.Database(cfg.History.Database).Collection(collectionName)
	return NewStore(coll), client.Disconnect, nil
}

// Insert writes rec, assigning an ID and timestamp if unset.
func (s *Store) Insert(ctx context.Context, rec Record) error {
	if rec.ID.IsZero() {
		rec.ID = bson.NewObjectID()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	if _, err := s.coll.InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("history: insert record: %w", err)
	}
	return nil
}

// Recent returns the most recent records, newest first, optionally
// filtered to a single publicUrl. limit<=0 means no limit.
func (s *Store) Recent(ctx context.Context, publicURL string, limit int) ([]Record, error) {
	filter := bson.M{}
	if publicURL != "" {
		filter["publicUrl"] = publicURL
	}

	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("history: find records: %w", err)
	}
	defer cursor.Close(ctx)

	var records []Record
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("history: decode records: %w", err)
	}
	return records, nil
}

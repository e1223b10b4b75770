// Package mongosnap implements a Mongo-backed readmodel.SnapshotStore,
// adapted from the teacher's features/run/mongo session store: an
// upsert-by-id collection wrapper behind a narrow interface so the
// driver's concrete types never leak past this package.
package mongosnap

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/arw-hub/agenthub/internal/journal"
)

const (
	defaultSnapshotsCollection = "read_model_snapshots"
	defaultOpTimeout           = 5 * time.Second
)

// Options configures the Mongo-backed snapshot store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store implements readmodel.SnapshotStore over a Mongo collection.
type Store struct {
	coll    collection
	timeout time.Duration
}

// New builds a Store and ensures the unique index on model id exists.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collectionName := opts.Collection
	if collectionName == "" {
		collectionName = defaultSnapshotsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	mcoll := opts.Client.Database(opts.Database).Collection(collectionName)
	wrapper := mongoCollection{coll: mcoll}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "model_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := wrapper.Indexes().CreateOne(ctx, index); err != nil {
		return nil, err
	}
	return &Store{coll: wrapper, timeout: timeout}, nil
}

type snapshotDocument struct {
	ModelID     string    `bson:"model_id"`
	Version     uint64    `bson:"version"`
	Value       string    `bson:"value"`
	LastEventID uint64    `bson:"last_event_id"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

// Snapshot upserts model id's current value, matching the upsert-by-id
// idiom of UpsertRun.
func (s *Store) Snapshot(id string, version uint64, value json.RawMessage, lastEventID uint64) error {
	ctx, cancel := s.withTimeout(context.Background())
	defer cancel()

	doc := snapshotDocument{
		ModelID:     id,
		Version:     version,
		Value:       string(value),
		LastEventID: lastEventID,
		UpdatedAt:   time.Now().UTC(),
	}
	filter := bson.M{"model_id": id}
	update := bson.M{"$set": doc}
	_, err := s.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

// LoadSnapshot loads model id's last persisted snapshot, matching
// LoadRun's not-found-is-ok convention.
func (s *Store) LoadSnapshot(id string) (journal.Snapshot, bool, error) {
	ctx, cancel := s.withTimeout(context.Background())
	defer cancel()

	var doc snapshotDocument
	if err := s.coll.FindOne(ctx, bson.M{"model_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return journal.Snapshot{}, false, nil
		}
		return journal.Snapshot{}, false, err
	}
	return journal.Snapshot{
		ID:          doc.ModelID,
		Version:     doc.Version,
		Value:       json.RawMessage(doc.Value),
		LastEventID: doc.LastEventID,
	}, true, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// collection is the narrow slice of *mongo.Collection the store
// depends on, so tests can substitute an in-memory fake without a live
// Mongo deployment.
type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}

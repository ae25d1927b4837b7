package mongostore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/aguerosoft/parksync/internal/storage"
)

// Store adapts one MongoDB database (local or central) to the storage.Store
// surface the engine works against.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

func New(ctx context.Context, uri, database string) (*Store, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "mongo connect")
	}
	return &Store{client: client, db: client.Database(database)}, nil
}

func (s *Store) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.client.Disconnect(ctx)
}

func (s *Store) Find(ctx context.Context, coll string, q storage.Query) ([]bson.M, error) {
	opts := options.Find()
	if len(q.Sort) > 0 {
		opts.SetSort(q.Sort)
	}
	if q.Limit > 0 {
		opts.SetLimit(q.Limit)
	}
	if q.Skip > 0 {
		opts.SetSkip(q.Skip)
	}
	cur, err := s.db.Collection(coll).Find(ctx, nonNil(q.Filter), opts)
	if err != nil {
		return nil, errors.Wrapf(err, "find %s", coll)
	}
	defer cur.Close(ctx)

	var out []bson.M
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.Wrapf(err, "decode %s", coll)
	}
	return out, nil
}

func (s *Store) FindOne(ctx context.Context, coll string, filter bson.M) (bson.M, error) {
	var doc bson.M
	err := s.db.Collection(coll).FindOne(ctx, nonNil(filter)).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find one %s", coll)
	}
	return doc, nil
}

func (s *Store) Insert(ctx context.Context, coll string, doc bson.M) error {
	_, err := s.db.Collection(coll).InsertOne(ctx, doc)
	return classify(err, "insert "+coll)
}

func (s *Store) Update(ctx context.Context, coll string, filter, update bson.M, upsert bool) error {
	_, err := s.db.Collection(coll).UpdateOne(ctx, nonNil(filter), update, options.Update().SetUpsert(upsert))
	return classify(err, "update "+coll)
}

func (s *Store) Replace(ctx context.Context, coll string, filter, doc bson.M, upsert bool) error {
	_, err := s.db.Collection(coll).ReplaceOne(ctx, nonNil(filter), doc, options.Replace().SetUpsert(upsert))
	return classify(err, "replace "+coll)
}

func (s *Store) DeleteOne(ctx context.Context, coll string, filter bson.M) (int64, error) {
	res, err := s.db.Collection(coll).DeleteOne(ctx, nonNil(filter))
	if err != nil {
		return 0, errors.Wrapf(err, "delete one %s", coll)
	}
	return res.DeletedCount, nil
}

func (s *Store) DeleteMany(ctx context.Context, coll string, filter bson.M) (int64, error) {
	res, err := s.db.Collection(coll).DeleteMany(ctx, nonNil(filter))
	if err != nil {
		return 0, errors.Wrapf(err, "delete many %s", coll)
	}
	return res.DeletedCount, nil
}

func (s *Store) Count(ctx context.Context, coll string, filter bson.M) (int64, error) {
	n, err := s.db.Collection(coll).CountDocuments(ctx, nonNil(filter))
	if err != nil {
		return 0, errors.Wrapf(err, "count %s", coll)
	}
	return n, nil
}

func (s *Store) CollectionExists(ctx context.Context, name string) (bool, error) {
	names, err := s.db.ListCollectionNames(ctx, bson.M{"name": name})
	if err != nil {
		return false, errors.Wrap(err, "list collections")
	}
	return len(names) > 0, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// classify maps server-side uniqueness violations onto the shared sentinel so
// the engine can resolve them without looking at driver error codes.
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return errors.Wrap(storage.ErrDuplicateKey, msg)
	}
	return errors.Wrap(err, msg)
}

func nonNil(f bson.M) bson.M {
	if f == nil {
		return bson.M{}
	}
	return f
}

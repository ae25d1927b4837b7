package storage

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
)

var (
	ErrNotFound     = errors.New("document not found")
	ErrDuplicateKey = errors.New("duplicate key")
)

// IsDuplicate reports whether err stems from a uniqueness violation, on any
// Store implementation.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateKey)
}

// Query is the subset of find options the engine uses: filter, compound sort,
// pagination.
type Query struct {
	Filter bson.M
	Sort   bson.D
	Limit  int64
	Skip   int64
}

// Store is one document database (the local one next to the POS terminal, or
// the central one). Both sides expose the same surface; consistency across
// them comes from idempotent upserts, not transactions.
type Store interface {
	Find(ctx context.Context, coll string, q Query) ([]bson.M, error)
	// FindOne returns ErrNotFound when no document matches.
	FindOne(ctx context.Context, coll string, filter bson.M) (bson.M, error)
	Insert(ctx context.Context, coll string, doc bson.M) error
	// Update applies a $set/$unset/$setOnInsert document to the first match;
	// with upsert it inserts when nothing matches.
	Update(ctx context.Context, coll string, filter, update bson.M, upsert bool) error
	Replace(ctx context.Context, coll string, filter, doc bson.M, upsert bool) error
	DeleteOne(ctx context.Context, coll string, filter bson.M) (int64, error)
	DeleteMany(ctx context.Context, coll string, filter bson.M) (int64, error)
	Count(ctx context.Context, coll string, filter bson.M) (int64, error)
	CollectionExists(ctx context.Context, name string) (bool, error)
	Ping(ctx context.Context) error
}

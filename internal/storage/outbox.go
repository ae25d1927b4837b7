package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/aguerosoft/parksync/internal/models"
)

// OutboxCollection lives in the local store; the API layer appends, the drain
// mutates statuses in place.
const OutboxCollection = "sync_outbox"

type OutboxRepo struct {
	store Store
}

func NewOutboxRepo(store Store) *OutboxRepo {
	return &OutboxRepo{store: store}
}

// Pending returns undrained entries, oldest first. Processing entries are
// included: ticks are single-flight, so a Processing entry can only be the
// leftover of a crash mid-dispatch, and pushes are idempotent.
func (r *OutboxRepo) Pending(ctx context.Context, limit int64) ([]models.OutboxEntry, error) {
	docs, err := r.store.Find(ctx, OutboxCollection, Query{
		Filter: bson.M{"status": bson.M{"$in": bson.A{models.OutboxStatusPending, models.OutboxStatusProcessing}}},
		Sort:   bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}},
		Limit:  limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.OutboxEntry, 0, len(docs))
	for _, doc := range docs {
		var e models.OutboxEntry
		if err := decodeInto(doc, &e); err != nil {
			return nil, errors.Wrap(err, "decode outbox entry")
		}
		out = append(out, e)
	}
	return out, nil
}

// Add appends a new Pending entry. Used by the API layer and by tests.
func (r *OutboxRepo) Add(ctx context.Context, e models.OutboxEntry) (primitive.ObjectID, error) {
	if e.ID.IsZero() {
		e.ID = primitive.NewObjectID()
	}
	if e.Status == "" {
		e.Status = models.OutboxStatusPending
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	doc, err := encodeDoc(e)
	if err != nil {
		return primitive.NilObjectID, errors.Wrap(err, "encode outbox entry")
	}
	if err := r.store.Insert(ctx, OutboxCollection, doc); err != nil {
		return primitive.NilObjectID, err
	}
	return e.ID, nil
}

func (r *OutboxRepo) MarkProcessing(ctx context.Context, id primitive.ObjectID) error {
	return r.setStatus(ctx, id, bson.M{"status": models.OutboxStatusProcessing})
}

func (r *OutboxRepo) MarkSynced(ctx context.Context, id primitive.ObjectID) error {
	return r.setStatus(ctx, id, bson.M{"status": models.OutboxStatusSynced, "error": ""})
}

// MarkError is terminal; retries records the true attempt count for
// operational tooling.
func (r *OutboxRepo) MarkError(ctx context.Context, id primitive.ObjectID, retries int, msg string) error {
	return r.setStatus(ctx, id, bson.M{"status": models.OutboxStatusError, "retries": retries, "error": msg})
}

// MarkRetry returns the entry to Pending with the new retry count; it will be
// picked up again on a later tick.
func (r *OutboxRepo) MarkRetry(ctx context.Context, id primitive.ObjectID, retries int, msg string) error {
	return r.setStatus(ctx, id, bson.M{"status": models.OutboxStatusPending, "retries": retries, "error": msg})
}

func (r *OutboxRepo) setStatus(ctx context.Context, id primitive.ObjectID, fields bson.M) error {
	fields["updatedAt"] = time.Now().UTC()
	return r.store.Update(ctx, OutboxCollection, bson.M{"_id": id}, bson.M{"$set": fields}, false)
}

func (r *OutboxRepo) CountPending(ctx context.Context) (int64, error) {
	return r.store.Count(ctx, OutboxCollection, bson.M{"status": models.OutboxStatusPending})
}

// PurgeSynced deletes Synced entries older than the cutoff; collection hygiene
// for an append-mostly queue.
func (r *OutboxRepo) PurgeSynced(ctx context.Context, olderThan time.Time) (int64, error) {
	return r.store.DeleteMany(ctx, OutboxCollection, bson.M{
		"status":    models.OutboxStatusSynced,
		"updatedAt": bson.M{"$lt": olderThan},
	})
}

// Get re-reads one entry; used by tests and operational tooling.
func (r *OutboxRepo) Get(ctx context.Context, id primitive.ObjectID) (models.OutboxEntry, error) {
	doc, err := r.store.FindOne(ctx, OutboxCollection, bson.M{"_id": id})
	if err != nil {
		return models.OutboxEntry{}, err
	}
	var e models.OutboxEntry
	if err := decodeInto(doc, &e); err != nil {
		return models.OutboxEntry{}, errors.Wrap(err, "decode outbox entry")
	}
	return e, nil
}

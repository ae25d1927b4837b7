package engine

import (
	"bytes"
	"context"
	"reflect"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/aguerosoft/parksync/internal/ident"
	"github.com/aguerosoft/parksync/internal/models"
	"github.com/aguerosoft/parksync/internal/resources"
	"github.com/aguerosoft/parksync/internal/storage"
)

// incrementalPull pages remote documents past the stored watermark, ordered
// by (modified, id), and folds each into the local store. It never deletes
// locally; the watermark only advances past documents that were ingested.
func (e *Engine) incrementalPull(ctx context.Context, resource string) (int64, error) {
	canonical := resources.Canonicalize(resource)
	pol := resources.PolicyFor(canonical)

	localColl, err := e.localNames.ResolveLocalName(ctx, canonical)
	if err != nil {
		return 0, errors.Wrapf(err, "resolve local name %s", canonical)
	}
	remoteColl, err := e.remoteNames.ResolveLocalName(ctx, canonical)
	if err != nil {
		return 0, errors.Wrapf(err, "resolve remote name %s", canonical)
	}

	wm, err := e.watermarks.Get(ctx, canonical)
	if err != nil {
		return 0, errors.Wrapf(err, "load watermark %s", canonical)
	}
	if wm == nil {
		wm = &models.Watermark{Resource: canonical}
	}

	var total int64
	for {
		q := storage.Query{
			Filter: watermarkFilter(pol, wm),
			Sort:   watermarkSort(pol),
			Limit:  e.pullBatchSize,
		}
		docs, err := e.remote.Find(ctx, remoteColl, q)
		if err != nil {
			return total, errors.Wrapf(err, "pull %s", canonical)
		}
		if len(docs) == 0 {
			return total, nil
		}

		advanced := false
		for i, doc := range docs {
			// Cursor values are taken before the upsert normalizes the
			// document in place: the next page filter must compare against
			// whatever raw shape the remote actually stores.
			rawID := doc["_id"]
			var modTS time.Time
			var hasTS bool
			if pol.ModifiedField != "" {
				modTS, hasTS = storage.AsTime(doc[pol.ModifiedField])
			}
			if err := e.upsertLocal(ctx, localColl, pol, doc, false); err != nil {
				// Checkpoint what was ingested so the failed document is
				// retried next tick instead of skipped.
				if advanced {
					_ = e.watermarks.Put(ctx, *wm)
				}
				return total + int64(i), errors.Wrapf(err, "upsert %s", canonical)
			}
			if rawID != nil && pairAfter(modTS, hasTS, rawID, wm) {
				wm.LastID = rawID
				if hasTS {
					t := modTS.UTC()
					wm.LastUpdatedAt = &t
				}
				advanced = true
			}
		}
		total += int64(len(docs))

		if err := e.watermarks.Put(ctx, *wm); err != nil {
			return total, errors.Wrapf(err, "store watermark %s", canonical)
		}
		if int64(len(docs)) < e.pullBatchSize {
			return total, nil
		}
	}
}

// mirrorPull rescans the whole remote resource in id order, replaces every
// local copy, then deletes local documents the scan never saw.
func (e *Engine) mirrorPull(ctx context.Context, resource string) (int64, error) {
	canonical := resources.Canonicalize(resource)
	pol := resources.PolicyFor(canonical)

	localColl, err := e.localNames.ResolveLocalName(ctx, canonical)
	if err != nil {
		return 0, errors.Wrapf(err, "resolve local name %s", canonical)
	}
	remoteColl, err := e.remoteNames.ResolveLocalName(ctx, canonical)
	if err != nil {
		return 0, errors.Wrapf(err, "resolve remote name %s", canonical)
	}

	// Offset pagination rather than an id cursor: legacy collections mix id
	// shapes (ObjectID, plain string) that no single $gt can order across.
	var seen bson.A
	var skip int64
	var total int64
	for {
		docs, err := e.remote.Find(ctx, remoteColl, storage.Query{
			Sort:  bson.D{{Key: "_id", Value: 1}},
			Limit: e.pullBatchSize,
			Skip:  skip,
		})
		if err != nil {
			return total, errors.Wrapf(err, "mirror scan %s", canonical)
		}
		if len(docs) == 0 {
			break
		}
		for _, doc := range docs {
			if err := e.upsertLocal(ctx, localColl, pol, doc, true); err != nil {
				return total, errors.Wrapf(err, "mirror upsert %s", canonical)
			}
			// After the upsert doc["_id"] holds the exact form stored
			// locally: normalized when recognizable, raw otherwise.
			idVal := doc["_id"]
			if idVal == nil {
				if nk := naturalKeyFilter(pol, doc); nk != nil {
					if cur, err := e.local.FindOne(ctx, localColl, nk); err == nil {
						idVal = cur["_id"]
					}
				}
			}
			if idVal != nil {
				seen = append(seen, idVal)
			}
			total++
		}
		skip += int64(len(docs))
		if int64(len(docs)) < e.pullBatchSize {
			break
		}
	}

	// Tombstone-by-absence: anything local the snapshot did not contain.
	if _, err := e.local.DeleteMany(ctx, localColl, bson.M{"_id": bson.M{"$nin": seen}}); err != nil {
		return total, errors.Wrapf(err, "mirror prune %s", canonical)
	}
	return total, nil
}

// upsertLocal folds one remote document into the local store. In mirror mode
// the remote copy wins exactly; in incremental mode reference arrays are
// unioned and an incoming empty value cannot erase a populated local field
// unless the policy explicitly allows clearing it.
func (e *Engine) upsertLocal(ctx context.Context, coll string, pol resources.Policy, remoteDoc bson.M, mirror bool) error {
	ident.NormalizeDoc(remoteDoc, pol.ReferenceFields, pol.ReferenceArrays)
	id, hasID := ident.Normalize(remoteDoc["_id"])

	filter := bson.M{}
	switch {
	case hasID:
		filter["_id"] = id
	case remoteDoc["_id"] != nil:
		// Legacy ids that do not normalize still address the document and
		// are matched (and stored) verbatim.
		filter["_id"] = remoteDoc["_id"]
	default:
		nk := naturalKeyFilter(pol, remoteDoc)
		if nk == nil {
			// No id and no natural key: nothing to join on, ingest as new.
			return e.local.Insert(ctx, coll, remoteDoc)
		}
		filter = nk
	}

	apply := func() error {
		if mirror {
			return e.local.Replace(ctx, coll, filter, remoteDoc, true)
		}
		update, err := e.mergeUpdate(ctx, coll, pol, filter, remoteDoc, hasID, id)
		if err != nil {
			return err
		}
		return e.local.Update(ctx, coll, filter, update, true)
	}

	err := apply()
	if storage.IsDuplicate(err) && hasID {
		// The true natural key wins; dangling duplicate ids are pruned.
		if pruneErr := e.pruneDuplicates(ctx, e.local, coll, pol, remoteDoc, id); pruneErr != nil {
			return pruneErr
		}
		err = apply()
	}
	return err
}

func (e *Engine) mergeUpdate(ctx context.Context, coll string, pol resources.Policy, filter, remoteDoc bson.M, hasID bool, id primitive.ObjectID) (bson.M, error) {
	existing, err := e.local.FindOne(ctx, coll, filter)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	set := bson.M{}
	unset := bson.M{}
	setOnInsert := bson.M{}
	if hasID {
		setOnInsert["_id"] = id
	}

	for k, v := range remoteDoc {
		if k == "_id" {
			continue
		}
		if pol.ProtectCreatedAt && k == "createdAt" {
			// Ledger creation time is insert-only, whatever the remote claims.
			setOnInsert[k] = v
			continue
		}
		if isEmptyValue(v) {
			switch {
			case existing == nil || isEmptyValue(existing[k]):
				set[k] = v
			case contains(pol.ClearableFields, k):
				unset[k] = ""
			default:
				// Generic guard: an empty remote value never erases a
				// populated local field.
			}
			continue
		}
		if contains(pol.ReferenceArrays, k) && existing != nil {
			set[k] = unionRefs(existing[k], v)
			continue
		}
		set[k] = v
	}

	update := bson.M{}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	if len(setOnInsert) > 0 {
		update["$setOnInsert"] = setOnInsert
	}
	return update, nil
}

// pruneDuplicates deletes documents matching the incoming natural key under a
// different id, the resolution for uniqueness conflicts on both stores.
func (e *Engine) pruneDuplicates(ctx context.Context, store storage.Store, coll string, pol resources.Policy, doc bson.M, keep primitive.ObjectID) error {
	nk := naturalKeyFilter(pol, doc)
	if nk == nil {
		return errors.Wrap(storage.ErrDuplicateKey, "no natural key to resolve conflict")
	}
	nk["_id"] = bson.M{"$ne": keep}
	n, err := store.DeleteMany(ctx, coll, nk)
	if err != nil {
		return errors.Wrapf(err, "prune duplicates %s", coll)
	}
	if n > 0 {
		e.logger.Warn("pruned duplicate documents by natural key",
			"collection", coll, "kept_id", keep.Hex(), "removed", n)
	}
	return nil
}

func naturalKeyFilter(pol resources.Policy, doc bson.M) bson.M {
	if len(pol.NaturalKey) == 0 {
		return nil
	}
	filter := bson.M{}
	for _, f := range pol.NaturalKey {
		v, ok := doc[f]
		if !ok || isEmptyValue(v) {
			return nil
		}
		filter[f] = v
	}
	return filter
}

func watermarkFilter(pol resources.Policy, wm *models.Watermark) bson.M {
	if pol.ModifiedField != "" && wm.LastUpdatedAt != nil {
		ts := *wm.LastUpdatedAt
		or := bson.A{bson.M{pol.ModifiedField: bson.M{"$gt": ts}}}
		if wm.LastID != nil {
			or = append(or, bson.M{pol.ModifiedField: ts, "_id": bson.M{"$gt": wm.LastID}})
		}
		return bson.M{"$or": or}
	}
	if wm.LastID != nil {
		return bson.M{"_id": bson.M{"$gt": wm.LastID}}
	}
	return bson.M{}
}

func watermarkSort(pol resources.Policy) bson.D {
	if pol.ModifiedField != "" {
		return bson.D{{Key: pol.ModifiedField, Value: 1}, {Key: "_id", Value: 1}}
	}
	return bson.D{{Key: "_id", Value: 1}}
}

// pairAfter reports whether (ts, rawID) sorts after the stored checkpoint.
func pairAfter(ts time.Time, hasTS bool, rawID any, wm *models.Watermark) bool {
	if wm.LastID == nil && wm.LastUpdatedAt == nil {
		return true
	}
	if hasTS && wm.LastUpdatedAt != nil {
		if ts.After(*wm.LastUpdatedAt) {
			return true
		}
		if ts.Before(*wm.LastUpdatedAt) {
			return false
		}
	}
	return idAfter(rawID, wm.LastID)
}

// idAfter orders raw id values the way the stores sort them: canonical object
// ids byte-wise, strings lexically. Shapes with no portable order count as
// progress so a page of them can never stall the cursor.
func idAfter(a, b any) bool {
	if b == nil {
		return true
	}
	aid, aok := ident.Normalize(a)
	bid, bok := ident.Normalize(b)
	if aok && bok {
		return bytes.Compare(aid[:], bid[:]) > 0
	}
	as, asok := a.(string)
	bs, bsok := b.(string)
	if asok && bsok {
		return as > bs
	}
	return true
}

func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case bson.A:
		return len(t) == 0
	case []any:
		return len(t) == 0
	case bson.M:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// unionRefs adds incoming reference-array elements absent from the local
// array, preserving local order. Elements compare by canonical id when both
// sides normalize, byte-for-byte otherwise.
func unionRefs(local, incoming any) bson.A {
	out := toArray(local)
	for _, v := range toArray(incoming) {
		if !refsContain(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func toArray(v any) bson.A {
	switch t := v.(type) {
	case bson.A:
		return t
	case []any:
		return bson.A(t)
	case nil:
		return bson.A{}
	}
	return bson.A{v}
}

func refsContain(arr bson.A, v any) bool {
	vid, vok := ident.Normalize(v)
	for _, e := range arr {
		if eid, eok := ident.Normalize(e); eok && vok {
			if eid == vid {
				return true
			}
			continue
		}
		if reflect.DeepEqual(e, v) {
			return true
		}
	}
	return false
}

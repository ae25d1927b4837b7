package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/aguerosoft/parksync/internal/ident"
	"github.com/aguerosoft/parksync/internal/metrics"
	"github.com/aguerosoft/parksync/internal/models"
	"github.com/aguerosoft/parksync/internal/resources"
	"github.com/aguerosoft/parksync/internal/storage"
)

// Dispatch outcomes. Terminal failures never come back; retriable ones return
// the entry to Pending until the retry ceiling.
type outcome int

const (
	outcomeSynced outcome = iota
	outcomeRetry
	outcomeTerminal
)

type dispatchResult struct {
	outcome  outcome
	resource string
	err      error
}

func synced(resource string) dispatchResult {
	return dispatchResult{outcome: outcomeSynced, resource: resource}
}

func terminal(resource string, err error) dispatchResult {
	return dispatchResult{outcome: outcomeTerminal, resource: resource, err: err}
}

func retriable(resource string, err error) dispatchResult {
	return dispatchResult{outcome: outcomeRetry, resource: resource, err: err}
}

// drainOutbox pushes pending entries oldest first, bounded per tick. Entry
// failures are isolated: one poisoned entry never blocks the rest.
func (e *Engine) drainOutbox(ctx context.Context) {
	entries, err := e.outbox.Pending(ctx, e.outboxBatchSize)
	if err != nil {
		e.logger.Error("load pending outbox", "error", err.Error())
		e.noteError(err)
		return
	}

	for _, entry := range entries {
		if err := e.outbox.MarkProcessing(ctx, entry.ID); err != nil {
			e.logger.Error("mark outbox processing", "entry", entry.ID.Hex(), "error", err.Error())
			continue
		}
		res := e.dispatch(ctx, entry)
		label := res.resource
		if label == "" {
			label = "unknown"
		}
		switch res.outcome {
		case outcomeSynced:
			if err := e.outbox.MarkSynced(ctx, entry.ID); err != nil {
				e.logger.Error("mark outbox synced", "entry", entry.ID.Hex(), "error", err.Error())
				continue
			}
			metrics.OutboxDrained.WithLabelValues(label, "synced").Inc()
		case outcomeTerminal:
			e.logger.Error("outbox entry failed permanently",
				"entry", entry.ID.Hex(), "target", entry.Target, "error", res.err.Error())
			e.noteError(res.err)
			_ = e.outbox.MarkError(ctx, entry.ID, entry.Retries, res.err.Error())
			metrics.OutboxDrained.WithLabelValues(label, "error").Inc()
		case outcomeRetry:
			retries := entry.Retries + 1
			if retries >= e.maxRetries {
				e.logger.Error("outbox entry exhausted retries",
					"entry", entry.ID.Hex(), "target", entry.Target, "retries", retries, "error", res.err.Error())
				e.noteError(res.err)
				_ = e.outbox.MarkError(ctx, entry.ID, retries, res.err.Error())
				metrics.OutboxDrained.WithLabelValues(label, "error").Inc()
				continue
			}
			e.logger.Warn("outbox entry push failed, will retry",
				"entry", entry.ID.Hex(), "target", entry.Target, "retries", retries, "error", res.err.Error())
			_ = e.outbox.MarkRetry(ctx, entry.ID, retries, res.err.Error())
			metrics.OutboxDrained.WithLabelValues(label, "retried").Inc()
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, entry models.OutboxEntry) dispatchResult {
	if touched, ok := resources.CompositeRoute(entry.Target); ok {
		return e.dispatchComposite(ctx, entry, touched)
	}

	resource, targetID, ok := parseTarget(entry.Target)
	if !ok {
		return terminal("", fmt.Errorf("cannot resolve resource from target %q", entry.Target))
	}
	pol := resources.PolicyFor(resource)

	// Mirror-pulled resources are owned by the remote; the local edit stays
	// local and the entry is settled without a push.
	if pol.Pull == resources.PullMirror {
		return synced(resource)
	}

	ident.NormalizeDoc(entry.Document, pol.ReferenceFields, pol.ReferenceArrays)

	switch entry.Method {
	case models.MethodCreate, models.MethodReplace:
		return e.pushUpsert(ctx, entry, resource, pol, targetID)
	case models.MethodPatch:
		return e.pushPatch(ctx, entry, resource, pol, targetID)
	case models.MethodDelete:
		return e.pushDelete(ctx, entry, resource, pol, targetID)
	}
	return terminal(resource, fmt.Errorf("unsupported outbox method %q", entry.Method))
}

func (e *Engine) pushUpsert(ctx context.Context, entry models.OutboxEntry, resource string, pol resources.Policy, targetID string) dispatchResult {
	if len(entry.Document) == 0 {
		return terminal(resource, fmt.Errorf("%s entry without document", entry.Method))
	}
	coll, err := e.remoteNames.ResolveLocalName(ctx, resource)
	if err != nil {
		return retriable(resource, err)
	}
	doc := entry.Document

	id, hasID := entryID(entry, targetID)
	if hasID {
		doc["_id"] = id
		return e.replaceRemote(ctx, resource, coll, pol, bson.M{"_id": id}, doc, id)
	}
	// No usable id: the remote keeps whatever _id it already has for this key.
	delete(doc, "_id")
	if nk := naturalKeyFilter(pol, doc); nk != nil {
		return e.replaceRemote(ctx, resource, coll, pol, nk, doc, primitive.NilObjectID)
	}
	if err := e.remote.Insert(ctx, coll, doc); err != nil {
		return classifyStoreErr(resource, err)
	}
	return synced(resource)
}

// replaceRemote upserts a full document, resolving uniqueness conflicts by
// pruning remote duplicates on the natural key and retrying once.
func (e *Engine) replaceRemote(ctx context.Context, resource, coll string, pol resources.Policy, filter, doc bson.M, keep primitive.ObjectID) dispatchResult {
	err := e.remote.Replace(ctx, coll, filter, doc, true)
	if storage.IsDuplicate(err) && !keep.IsZero() {
		if pruneErr := e.pruneDuplicates(ctx, e.remote, coll, pol, doc, keep); pruneErr != nil {
			return terminal(resource, pruneErr)
		}
		err = e.remote.Replace(ctx, coll, filter, doc, true)
	}
	if err != nil {
		return classifyStoreErr(resource, err)
	}
	return synced(resource)
}

func (e *Engine) pushPatch(ctx context.Context, entry models.OutboxEntry, resource string, pol resources.Policy, targetID string) dispatchResult {
	if len(entry.Document) == 0 {
		return terminal(resource, fmt.Errorf("patch entry without document"))
	}
	remoteColl, err := e.remoteNames.ResolveLocalName(ctx, resource)
	if err != nil {
		return retriable(resource, err)
	}

	id, hasID := entryID(entry, targetID)
	var filter bson.M
	if hasID {
		filter = bson.M{"_id": id}
	} else if nk := naturalKeyFilter(pol, entry.Document); nk != nil {
		filter = nk
	} else {
		return terminal(resource, fmt.Errorf("patch entry without id or natural key"))
	}

	// Relationally sensitive resources get the current full local document
	// pushed instead of the possibly partial or stale outbox snapshot, so the
	// remote always receives a consistent whole record.
	if pol.Pull == resources.PullSeedOnce {
		localColl, err := e.localNames.ResolveLocalName(ctx, resource)
		if err != nil {
			return retriable(resource, err)
		}
		current, err := e.local.FindOne(ctx, localColl, filter)
		if err == nil {
			ident.NormalizeDoc(current, pol.ReferenceFields, pol.ReferenceArrays)
			keep, ok := ident.Normalize(current["_id"])
			if ok {
				filter = bson.M{"_id": keep}
			} else {
				delete(current, "_id")
			}
			return e.replaceRemote(ctx, resource, remoteColl, pol, filter, current, keep)
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return retriable(resource, err)
		}
		// Deleted locally since; fall through to the snapshot patch.
	}

	set := bson.M{}
	unset := bson.M{}
	for k, v := range entry.Document {
		if k == "_id" {
			continue
		}
		if v == nil {
			// Explicitly present-as-null means "remove the field".
			unset[k] = ""
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
	if len(update) == 0 {
		return synced(resource)
	}
	if err := e.remote.Update(ctx, remoteColl, filter, update, true); err != nil {
		return classifyStoreErr(resource, err)
	}
	return synced(resource)
}

func (e *Engine) pushDelete(ctx context.Context, entry models.OutboxEntry, resource string, pol resources.Policy, targetID string) dispatchResult {
	coll, err := e.remoteNames.ResolveLocalName(ctx, resource)
	if err != nil {
		return retriable(resource, err)
	}

	if id, ok := entryID(entry, targetID); ok {
		if _, err := e.remote.DeleteOne(ctx, coll, bson.M{"_id": id}); err != nil {
			return classifyStoreErr(resource, err)
		}
		return synced(resource)
	}
	if entry.Params.Bulk {
		if len(entry.Params.Filter) == 0 {
			// Deliberate safety rule: an unfiltered bulk delete would wipe
			// the remote resource.
			return terminal(resource, fmt.Errorf("refusing bulk delete without filter"))
		}
		if _, err := e.remote.DeleteMany(ctx, coll, entry.Params.Filter); err != nil {
			return classifyStoreErr(resource, err)
		}
		return synced(resource)
	}
	if nk := naturalKeyFilter(pol, entry.Document); nk != nil {
		if _, err := e.remote.DeleteOne(ctx, coll, nk); err != nil {
			return classifyStoreErr(resource, err)
		}
		return synced(resource)
	}
	return terminal(resource, fmt.Errorf("delete entry without id, bulk filter or natural key"))
}

// dispatchComposite handles allow-listed business transactions that touched
// several resources locally. Every affected document is re-derived from the
// local store by natural key; the outbox payload is only trusted for the key
// values themselves.
func (e *Engine) dispatchComposite(ctx context.Context, entry models.OutboxEntry, touched []string) dispatchResult {
	label := "composite"
	if len(entry.Document) == 0 {
		return terminal(label, fmt.Errorf("composite entry without payload"))
	}

	found := 0
	for _, resource := range touched {
		pol := resources.PolicyFor(resource)
		nk := naturalKeyFilter(pol, entry.Document)
		if nk == nil {
			continue
		}
		localColl, err := e.localNames.ResolveLocalName(ctx, resource)
		if err != nil {
			return retriable(label, err)
		}
		current, err := e.local.FindOne(ctx, localColl, nk)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return retriable(label, err)
		}
		found++

		remoteColl, err := e.remoteNames.ResolveLocalName(ctx, resource)
		if err != nil {
			return retriable(label, err)
		}
		ident.NormalizeDoc(current, pol.ReferenceFields, pol.ReferenceArrays)
		filter := nk
		keep := primitive.NilObjectID
		if id, ok := ident.Normalize(current["_id"]); ok {
			filter = bson.M{"_id": id}
			keep = id
		} else {
			delete(current, "_id")
		}
		if res := e.replaceRemote(ctx, label, remoteColl, pol, filter, current, keep); res.outcome != outcomeSynced {
			return res
		}
	}
	if found == 0 {
		return terminal(label, fmt.Errorf("composite %q matched no local documents", entry.Target))
	}
	return synced(label)
}

// parseTarget extracts the resource name, and a trailing id segment when
// present, from an outbox target route.
func parseTarget(target string) (resource, id string, ok bool) {
	t := target
	if i := strings.IndexAny(t, "?#"); i >= 0 {
		t = t[:i]
	}
	segs := strings.FieldsFunc(t, func(r rune) bool { return r == '/' })
	for i := len(segs) - 1; i >= 0; i-- {
		if resources.Known(segs[i]) {
			resource = resources.Canonicalize(segs[i])
			if i == len(segs)-2 {
				id = segs[len(segs)-1]
			}
			return resource, id, true
		}
	}
	return "", "", false
}

// entryID resolves the entry's explicit id (params first, then document,
// then the route's trailing segment).
func entryID(entry models.OutboxEntry, targetID string) (primitive.ObjectID, bool) {
	if id, ok := ident.Normalize(entry.Params.ID); ok {
		return id, true
	}
	if id, ok := ident.Normalize(entry.Document["_id"]); ok {
		return id, true
	}
	if targetID != "" {
		if id, ok := ident.Normalize(targetID); ok {
			return id, true
		}
	}
	return primitive.NilObjectID, false
}

// classifyStoreErr maps storage failures to outcomes: uniqueness conflicts
// that survived pruning are unresolvable, everything else is assumed
// transient (network, timeout, write contention).
func classifyStoreErr(resource string, err error) dispatchResult {
	if storage.IsDuplicate(err) {
		return terminal(resource, errors.Wrap(err, "duplicate key unresolved"))
	}
	return retriable(resource, err)
}

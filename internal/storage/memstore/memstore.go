// Package memstore is an in-memory Store used by the engine tests. It
// implements just enough of the document-store query surface for the filters
// the sync engine generates: equality, $gt/$gte/$lt/$lte/$ne/$in/$nin/$or,
// compound sorts, $set/$unset/$setOnInsert updates and unique indexes.
package memstore

import (
	"bytes"
	"context"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/aguerosoft/parksync/internal/storage"
)

type uniqueIndex struct {
	coll   string
	fields []string
}

type Store struct {
	mu      sync.Mutex
	colls   map[string][]bson.M
	indexes []uniqueIndex

	pingErr  error
	writeErr error
}

func New() *Store {
	return &Store{colls: map[string][]bson.M{}}
}

// EnsureUniqueIndex registers a uniqueness constraint checked on every write,
// mirroring the unique indexes the real deployments carry on natural keys.
func (s *Store) EnsureUniqueIndex(coll string, fields ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexes = append(s.indexes, uniqueIndex{coll: coll, fields: fields})
}

// SetPingError makes Ping fail, simulating an unreachable store.
func (s *Store) SetPingError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}

// SetWriteError makes every mutating call fail, simulating transient write
// failures.
func (s *Store) SetWriteError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// Seed inserts documents without touching unique indexes; test setup helper.
func (s *Store) Seed(coll string, docs ...bson.M) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range docs {
		s.colls[coll] = append(s.colls[coll], copyDoc(d))
	}
}

func (s *Store) Find(ctx context.Context, coll string, q storage.Query) ([]bson.M, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []bson.M
	for _, d := range s.colls[coll] {
		if matches(d, q.Filter) {
			out = append(out, d)
		}
	}
	if len(q.Sort) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, key := range q.Sort {
				c, ok := compare(out[i][key.Key], out[j][key.Key])
				if !ok || c == 0 {
					continue
				}
				if dir, _ := key.Value.(int); dir < 0 {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}
	if q.Skip > 0 {
		if q.Skip >= int64(len(out)) {
			out = nil
		} else {
			out = out[q.Skip:]
		}
	}
	if q.Limit > 0 && int64(len(out)) > q.Limit {
		out = out[:q.Limit]
	}
	copies := make([]bson.M, len(out))
	for i, d := range out {
		copies[i] = copyDoc(d)
	}
	return copies, nil
}

func (s *Store) FindOne(ctx context.Context, coll string, filter bson.M) (bson.M, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.colls[coll] {
		if matches(d, filter) {
			return copyDoc(d), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) Insert(ctx context.Context, coll string, doc bson.M) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	d := copyDoc(doc)
	if _, ok := d["_id"]; !ok {
		d["_id"] = primitive.NewObjectID()
	}
	if err := s.checkUnique(coll, d, nil); err != nil {
		return err
	}
	s.colls[coll] = append(s.colls[coll], d)
	return nil
}

func (s *Store) Update(ctx context.Context, coll string, filter, update bson.M, upsert bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	for _, d := range s.colls[coll] {
		if !matches(d, filter) {
			continue
		}
		candidate := copyDoc(d)
		applyUpdate(candidate, update, false)
		if err := s.checkUnique(coll, candidate, d); err != nil {
			return err
		}
		applyUpdate(d, update, false)
		return nil
	}
	if !upsert {
		return nil
	}
	d := baseFromFilter(filter)
	applyUpdate(d, update, true)
	if _, ok := d["_id"]; !ok {
		d["_id"] = primitive.NewObjectID()
	}
	if err := s.checkUnique(coll, d, nil); err != nil {
		return err
	}
	s.colls[coll] = append(s.colls[coll], d)
	return nil
}

func (s *Store) Replace(ctx context.Context, coll string, filter, doc bson.M, upsert bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	for i, d := range s.colls[coll] {
		if !matches(d, filter) {
			continue
		}
		nd := copyDoc(doc)
		if _, ok := nd["_id"]; !ok {
			nd["_id"] = d["_id"]
		}
		if err := s.checkUnique(coll, nd, d); err != nil {
			return err
		}
		s.colls[coll][i] = nd
		return nil
	}
	if !upsert {
		return nil
	}
	nd := copyDoc(doc)
	if _, ok := nd["_id"]; !ok {
		if id, ok := filter["_id"]; ok {
			nd["_id"] = id
		} else {
			nd["_id"] = primitive.NewObjectID()
		}
	}
	if err := s.checkUnique(coll, nd, nil); err != nil {
		return err
	}
	s.colls[coll] = append(s.colls[coll], nd)
	return nil
}

func (s *Store) DeleteOne(ctx context.Context, coll string, filter bson.M) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	for i, d := range s.colls[coll] {
		if matches(d, filter) {
			s.colls[coll] = append(s.colls[coll][:i], s.colls[coll][i+1:]...)
			return 1, nil
		}
	}
	return 0, nil
}

func (s *Store) DeleteMany(ctx context.Context, coll string, filter bson.M) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	var kept []bson.M
	var removed int64
	for _, d := range s.colls[coll] {
		if matches(d, filter) {
			removed++
			continue
		}
		kept = append(kept, d)
	}
	s.colls[coll] = kept
	return removed, nil
}

func (s *Store) Count(ctx context.Context, coll string, filter bson.M) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, d := range s.colls[coll] {
		if matches(d, filter) {
			n++
		}
	}
	return n, nil
}

func (s *Store) CollectionExists(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.colls[name]
	return ok, nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

func (s *Store) checkUnique(coll string, candidate bson.M, self bson.M) error {
	for _, idx := range s.indexes {
		if idx.coll != coll {
			continue
		}
		complete := true
		for _, f := range idx.fields {
			if v, ok := candidate[f]; !ok || v == nil {
				complete = false
				break
			}
		}
		if !complete {
			continue
		}
		for _, other := range s.colls[coll] {
			if isSame(other, self) {
				continue
			}
			clash := true
			for _, f := range idx.fields {
				if !valueEqual(other[f], candidate[f]) {
					clash = false
					break
				}
			}
			if clash {
				return errors.Wrapf(storage.ErrDuplicateKey, "index %v on %s", idx.fields, coll)
			}
		}
	}
	return nil
}

func isSame(a, b bson.M) bool {
	if b == nil {
		return false
	}
	return valueEqual(a["_id"], b["_id"])
}

func baseFromFilter(filter bson.M) bson.M {
	d := bson.M{}
	for k, v := range filter {
		if len(k) > 0 && k[0] == '$' {
			continue
		}
		if _, isOp := v.(bson.M); isOp {
			continue
		}
		d[k] = v
	}
	return copyDoc(d)
}

func applyUpdate(d, update bson.M, inserting bool) {
	if set, ok := update["$set"].(bson.M); ok {
		for k, v := range set {
			d[k] = copyValue(v)
		}
	}
	if unset, ok := update["$unset"].(bson.M); ok {
		for k := range unset {
			delete(d, k)
		}
	}
	if soi, ok := update["$setOnInsert"].(bson.M); ok && inserting {
		for k, v := range soi {
			d[k] = copyValue(v)
		}
	}
}

func matches(doc, filter bson.M) bool {
	for k, cond := range filter {
		switch k {
		case "$or":
			if !anyMatches(doc, cond) {
				return false
			}
		case "$and":
			subs, ok := toFilters(cond)
			if !ok {
				return false
			}
			for _, sub := range subs {
				if !matches(doc, sub) {
					return false
				}
			}
		default:
			if !fieldMatches(doc[k], cond) {
				return false
			}
		}
	}
	return true
}

func anyMatches(doc bson.M, cond any) bool {
	subs, ok := toFilters(cond)
	if !ok {
		return false
	}
	for _, sub := range subs {
		if matches(doc, sub) {
			return true
		}
	}
	return false
}

func toFilters(cond any) ([]bson.M, bool) {
	switch t := cond.(type) {
	case []bson.M:
		return t, true
	case bson.A:
		out := make([]bson.M, 0, len(t))
		for _, v := range t {
			m, ok := v.(bson.M)
			if !ok {
				return nil, false
			}
			out = append(out, m)
		}
		return out, true
	}
	return nil, false
}

func fieldMatches(val any, cond any) bool {
	condMap, ok := cond.(bson.M)
	if !ok || !hasOperator(condMap) {
		return valueEqual(val, cond)
	}
	for op, arg := range condMap {
		switch op {
		case "$gt":
			if c, ok := compare(val, arg); !ok || c <= 0 {
				return false
			}
		case "$gte":
			if c, ok := compare(val, arg); !ok || c < 0 {
				return false
			}
		case "$lt":
			if c, ok := compare(val, arg); !ok || c >= 0 {
				return false
			}
		case "$lte":
			if c, ok := compare(val, arg); !ok || c > 0 {
				return false
			}
		case "$ne":
			if valueEqual(val, arg) {
				return false
			}
		case "$in":
			if !inList(val, arg) {
				return false
			}
		case "$nin":
			if inList(val, arg) {
				return false
			}
		case "$exists":
			want, _ := arg.(bool)
			if (val != nil) != want {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func hasOperator(m bson.M) bool {
	for k := range m {
		if len(k) > 0 && k[0] == '$' {
			return true
		}
	}
	return false
}

func inList(val, arg any) bool {
	var vals []any
	switch t := arg.(type) {
	case bson.A:
		vals = []any(t)
	case []any:
		vals = t
	case []primitive.ObjectID:
		for _, id := range t {
			vals = append(vals, id)
		}
	}
	for _, v := range vals {
		if valueEqual(val, v) {
			return true
		}
	}
	return false
}

func valueEqual(a, b any) bool {
	if c, ok := compare(a, b); ok {
		return c == 0
	}
	return reflect.DeepEqual(a, b)
}

// compare orders the value types that appear in sync filters: timestamps,
// object ids, strings and numbers. primitive.DateTime (how timestamps come
// back after a bson round-trip) is coerced to time.Time first.
func compare(a, b any) (int, bool) {
	a, b = coerceTime(a), coerceTime(b)
	switch av := a.(type) {
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		switch {
		case av.Before(bv):
			return -1, true
		case av.After(bv):
			return 1, true
		}
		return 0, true
	case primitive.ObjectID:
		bv, ok := b.(primitive.ObjectID)
		if !ok {
			return 0, false
		}
		return bytes.Compare(av[:], bv[:]), true
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func coerceTime(v any) any {
	if dt, ok := v.(primitive.DateTime); ok {
		return dt.Time().UTC()
	}
	return v
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

func copyDoc(d bson.M) bson.M {
	if d == nil {
		return nil
	}
	out := make(bson.M, len(d))
	for k, v := range d {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case bson.M:
		return copyDoc(t)
	case map[string]any:
		return copyDoc(bson.M(t))
	case bson.A:
		out := make(bson.A, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	}
	return v
}

// All returns a copy of every document in a collection, in insertion order.
// Test helper.
func (s *Store) All(coll string) []bson.M {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bson.M, 0, len(s.colls[coll]))
	for _, d := range s.colls[coll] {
		out = append(out, copyDoc(d))
	}
	return out
}

package ident

import (
	"encoding/base64"
	"encoding/hex"
	"strconv"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Historical exports of the POS database serialized object ids in several shapes:
// plain hex strings, raw 12-byte strings, base64 blobs, extended-JSON {"$oid": ...}
// wrappers and even maps with numeric keys ("0".."11") holding the raw bytes.
// Normalize reconciles all of them into a primitive.ObjectID.
//
// The second return value reports whether the input carried a usable id at all.
// Upstream data is known to contain garbage, so an unrecognized shape means
// "no linkage", never an error.
func Normalize(v any) (primitive.ObjectID, bool) {
	switch t := v.(type) {
	case primitive.ObjectID:
		if t.IsZero() {
			return primitive.NilObjectID, false
		}
		return t, true
	case *primitive.ObjectID:
		if t == nil {
			return primitive.NilObjectID, false
		}
		return Normalize(*t)
	case string:
		return normalizeString(t)
	case []byte:
		return fromBytes(t)
	case primitive.Binary:
		return fromBytes(t.Data)
	case bson.M:
		return normalizeMap(map[string]any(t))
	case map[string]any:
		return normalizeMap(t)
	case bson.D:
		return normalizeMap(t.Map())
	case []any:
		return fromAnySlice(t)
	case bson.A:
		return fromAnySlice([]any(t))
	}
	return primitive.NilObjectID, false
}

// Hex renders the canonical display form (24 lowercase hex characters).
func Hex(id primitive.ObjectID) string {
	return id.Hex()
}

func normalizeString(s string) (primitive.ObjectID, bool) {
	if len(s) == 24 {
		if _, err := hex.DecodeString(s); err == nil {
			id, err := primitive.ObjectIDFromHex(s)
			if err == nil {
				return id, true
			}
		}
	}
	if len(s) == 12 {
		return fromBytes([]byte(s))
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == 12 {
		return fromBytes(b)
	}
	return primitive.NilObjectID, false
}

func normalizeMap(m map[string]any) (primitive.ObjectID, bool) {
	for _, k := range []string{"$oid", "oid", "_id", "id"} {
		if inner, ok := m[k]; ok {
			return Normalize(inner)
		}
	}
	// Maps shaped {"0": b0, ..., "11": b11} come from lossy JSON round-trips
	// of raw ObjectId buffers.
	b := make([]byte, 12)
	for i := 0; i < 12; i++ {
		v, ok := m[strconv.Itoa(i)]
		if !ok {
			return primitive.NilObjectID, false
		}
		n, ok := toByte(v)
		if !ok {
			return primitive.NilObjectID, false
		}
		b[i] = n
	}
	return fromBytes(b)
}

func fromAnySlice(vals []any) (primitive.ObjectID, bool) {
	if len(vals) != 12 {
		return primitive.NilObjectID, false
	}
	b := make([]byte, 12)
	for i, v := range vals {
		n, ok := toByte(v)
		if !ok {
			return primitive.NilObjectID, false
		}
		b[i] = n
	}
	return fromBytes(b)
}

func fromBytes(b []byte) (primitive.ObjectID, bool) {
	if len(b) != 12 {
		return primitive.NilObjectID, false
	}
	var id primitive.ObjectID
	copy(id[:], b)
	if id.IsZero() {
		return primitive.NilObjectID, false
	}
	return id, true
}

func toByte(v any) (byte, bool) {
	switch n := v.(type) {
	case int:
		if n >= 0 && n <= 255 {
			return byte(n), true
		}
	case int32:
		if n >= 0 && n <= 255 {
			return byte(n), true
		}
	case int64:
		if n >= 0 && n <= 255 {
			return byte(n), true
		}
	case float64:
		if n == float64(int(n)) && n >= 0 && n <= 255 {
			return byte(n), true
		}
	case byte:
		return n, true
	}
	return 0, false
}

// NormalizeDoc rewrites _id plus the given reference fields and reference
// arrays of doc in place, replacing every recognizable id shape with a
// primitive.ObjectID. Unrecognized values are left untouched.
func NormalizeDoc(doc bson.M, refFields, refArrays []string) {
	if doc == nil {
		return
	}
	if raw, ok := doc["_id"]; ok {
		if id, ok := Normalize(raw); ok {
			doc["_id"] = id
		}
	}
	for _, f := range refFields {
		raw, ok := doc[f]
		if !ok || raw == nil {
			continue
		}
		if id, ok := Normalize(raw); ok {
			doc[f] = id
		}
	}
	for _, f := range refArrays {
		raw, ok := doc[f]
		if !ok {
			continue
		}
		var vals []any
		switch t := raw.(type) {
		case bson.A:
			vals = []any(t)
		case []any:
			vals = t
		default:
			continue
		}
		out := make(bson.A, 0, len(vals))
		for _, v := range vals {
			if id, ok := Normalize(v); ok {
				out = append(out, id)
			} else {
				out = append(out, v)
			}
		}
		doc[f] = out
	}
}

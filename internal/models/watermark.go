package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// Watermark is the incremental-pull checkpoint for one canonical resource:
// the newest (modified, id) pair successfully ingested. Ties on the timestamp
// are broken by id, so `modified > ts OR (modified == ts AND _id > id)` never
// re-reads a completed page and never skips a concurrent same-second write.
//
// LastID keeps the id in its raw remote form (ObjectID, legacy string, ...)
// so the next page filter compares like with like on the remote store.
type Watermark struct {
	Resource      string     `bson:"resource"`
	LastUpdatedAt *time.Time `bson:"last_updated_at,omitempty"`
	LastID        any        `bson:"last_id,omitempty"`
	Meta          bson.M     `bson:"meta,omitempty"`
}

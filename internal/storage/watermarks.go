package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/aguerosoft/parksync/internal/models"
)

// WatermarkCollection lives in the local store, one document per canonical
// resource.
const WatermarkCollection = "sync_watermarks"

type WatermarkRepo struct {
	store Store
}

func NewWatermarkRepo(store Store) *WatermarkRepo {
	return &WatermarkRepo{store: store}
}

// Get returns nil when the resource has never been pulled.
func (r *WatermarkRepo) Get(ctx context.Context, resource string) (*models.Watermark, error) {
	doc, err := r.store.FindOne(ctx, WatermarkCollection, bson.M{"resource": resource})
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var wm models.Watermark
	if err := decodeInto(doc, &wm); err != nil {
		return nil, errors.Wrapf(err, "decode watermark %s", resource)
	}
	return &wm, nil
}

func (r *WatermarkRepo) Put(ctx context.Context, wm models.Watermark) error {
	doc, err := encodeDoc(wm)
	if err != nil {
		return errors.Wrapf(err, "encode watermark %s", wm.Resource)
	}
	return r.store.Replace(ctx, WatermarkCollection, bson.M{"resource": wm.Resource}, doc, true)
}

// AsTime coerces the timestamp shapes a document field can carry (native
// time.Time in memory, primitive.DateTime off the wire) into time.Time.
func AsTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case primitive.DateTime:
		return t.Time().UTC(), true
	}
	return time.Time{}, false
}

func encodeDoc(v any) (bson.M, error) {
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func decodeInto(doc bson.M, out any) error {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, out)
}

package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/aguerosoft/parksync/internal/resources"
	"github.com/aguerosoft/parksync/internal/storage"
	"github.com/aguerosoft/parksync/internal/storage/memstore"
)

func newTestEngine(local, remote *memstore.Store) *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(local, remote,
		storage.NewOutboxRepo(local),
		storage.NewWatermarkRepo(local),
		nil, logger)
	return e.WithSettings(time.Second, time.Second, 100, 100, 3, time.Hour)
}

func ts(minute int) time.Time {
	return time.Date(2026, 3, 1, 10, minute, 0, 0, time.UTC)
}

func TestIncrementalPull_PagesAndAdvancesWatermark(t *testing.T) {
	local := memstore.New()
	remote := memstore.New()
	e := newTestEngine(local, remote)
	e.pullBatchSize = 2

	vehID := primitive.NewObjectID()
	for i := 0; i < 5; i++ {
		remote.Seed("tickets", bson.M{
			"_id":         primitive.NewObjectID(),
			"numero":      i + 1,
			"vehiculo_id": vehID.Hex(),
			"updatedAt":   ts(i),
		})
	}

	n, err := e.incrementalPull(context.Background(), "tickets")
	require.NoError(t, err)
	require.EqualValues(t, 5, n)
	require.Len(t, local.All("tickets"), 5)

	// Reference ids arrive as hex strings and land as real object ids.
	doc, err := local.FindOne(context.Background(), "tickets", bson.M{"numero": 1})
	require.NoError(t, err)
	require.Equal(t, vehID, doc["vehiculo_id"])

	// Nothing changed remotely: the watermark keeps the second pull empty.
	n, err = e.incrementalPull(context.Background(), "tickets")
	require.NoError(t, err)
	require.Zero(t, n)

	// One new remote document past the watermark.
	remote.Seed("tickets", bson.M{
		"_id":       primitive.NewObjectID(),
		"numero":    6,
		"updatedAt": ts(9),
	})
	n, err = e.incrementalPull(context.Background(), "tickets")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.Len(t, local.All("tickets"), 6)
}

func TestIncrementalPull_TimestampTieBrokenByID(t *testing.T) {
	local := memstore.New()
	remote := memstore.New()
	e := newTestEngine(local, remote)
	e.pullBatchSize = 1

	same := ts(0)
	idA := primitive.NewObjectID()
	idB := primitive.NewObjectID()
	remote.Seed("tickets",
		bson.M{"_id": idA, "numero": 1, "updatedAt": same},
		bson.M{"_id": idB, "numero": 2, "updatedAt": same},
	)

	n, err := e.incrementalPull(context.Background(), "tickets")
	require.NoError(t, err)
	require.EqualValues(t, 2, n, "equal timestamps must still page past both documents")
	require.Len(t, local.All("tickets"), 2)
}

func TestUpsertLocal_EmptyRemoteValueNeverErasesLocal(t *testing.T) {
	local := memstore.New()
	e := newTestEngine(local, memstore.New())
	pol := resources.PolicyFor("vehiculos")

	id := primitive.NewObjectID()
	local.Seed("vehiculos", bson.M{
		"_id":            id,
		"patente":        "AA123BB",
		"color":          "rojo",
		"estadia_actual": "EST-9",
	})

	err := e.upsertLocal(context.Background(), "vehiculos", pol, bson.M{
		"_id":            id.Hex(),
		"patente":        "AA123BB",
		"color":          "",
		"estadia_actual": nil,
		"marca":          "ford",
	}, false)
	require.NoError(t, err)

	doc, err := local.FindOne(context.Background(), "vehiculos", bson.M{"_id": id})
	require.NoError(t, err)
	require.Equal(t, "rojo", doc["color"], "empty remote value must not erase a populated field")
	require.NotContains(t, doc, "estadia_actual", "clearable field is erased by an incoming empty")
	require.Equal(t, "ford", doc["marca"])
}

func TestUpsertLocal_ProtectedCreatedAt(t *testing.T) {
	local := memstore.New()
	e := newTestEngine(local, memstore.New())
	pol := resources.PolicyFor("movimientos")

	id := primitive.NewObjectID()
	created := ts(0)
	local.Seed("movimientos", bson.M{
		"_id":         id,
		"comprobante": "C-001",
		"monto":       100.0,
		"createdAt":   created,
	})

	err := e.upsertLocal(context.Background(), "movimientos", pol, bson.M{
		"_id":         id,
		"comprobante": "C-001",
		"monto":       250.0,
		"createdAt":   ts(30),
	}, false)
	require.NoError(t, err)

	doc, err := local.FindOne(context.Background(), "movimientos", bson.M{"_id": id})
	require.NoError(t, err)
	require.Equal(t, 250.0, doc["monto"])
	require.Equal(t, created, doc["createdAt"], "ledger creation time is insert-only")
}

func TestUpsertLocal_ReferenceArrayUnion(t *testing.T) {
	local := memstore.New()
	e := newTestEngine(local, memstore.New())
	pol := resources.PolicyFor("clientes")

	id := primitive.NewObjectID()
	vehA := primitive.NewObjectID()
	vehB := primitive.NewObjectID()
	local.Seed("clientes", bson.M{
		"_id":       id,
		"dni":       30111222,
		"vehiculos": bson.A{vehA},
	})

	err := e.upsertLocal(context.Background(), "clientes", pol, bson.M{
		"_id":       id,
		"dni":       30111222,
		"vehiculos": bson.A{vehB.Hex(), vehA.Hex()},
	}, false)
	require.NoError(t, err)

	doc, err := local.FindOne(context.Background(), "clientes", bson.M{"_id": id})
	require.NoError(t, err)
	require.Equal(t, bson.A{vehA, vehB}, doc["vehiculos"], "local order kept, new references appended once")
}

func TestUpsertLocal_DuplicateCollapsedByNaturalKey(t *testing.T) {
	local := memstore.New()
	local.EnsureUniqueIndex("vehiculos", "patente")
	e := newTestEngine(local, memstore.New())
	pol := resources.PolicyFor("vehiculos")

	oldID := primitive.NewObjectID()
	newID := primitive.NewObjectID()
	local.Seed("vehiculos", bson.M{"_id": oldID, "patente": "AA123BB", "marca": "vw"})

	err := e.upsertLocal(context.Background(), "vehiculos", pol, bson.M{
		"_id":     newID,
		"patente": "AA123BB",
		"marca":   "fiat",
	}, false)
	require.NoError(t, err)

	docs := local.All("vehiculos")
	require.Len(t, docs, 1, "conflicting duplicate must be pruned")
	require.Equal(t, newID, docs[0]["_id"])
	require.Equal(t, "fiat", docs[0]["marca"])
}

func TestMirrorPull_ReplacesAndDeletesByAbsence(t *testing.T) {
	local := memstore.New()
	remote := memstore.New()
	e := newTestEngine(local, remote)

	u1 := primitive.NewObjectID()
	u2 := primitive.NewObjectID()
	gone := primitive.NewObjectID()
	remote.Seed("usuarios",
		bson.M{"_id": u1, "usuario": "admin", "rol": "owner"},
		bson.M{"_id": u2, "usuario": "caja1", "rol": "operador"},
	)
	local.Seed("usuarios",
		bson.M{"_id": u1, "usuario": "admin", "rol": "operador"},
		bson.M{"_id": gone, "usuario": "viejo", "rol": "operador"},
	)

	n, err := e.mirrorPull(context.Background(), "usuarios")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	docs := local.All("usuarios")
	require.Len(t, docs, 2)
	doc, err := local.FindOne(context.Background(), "usuarios", bson.M{"_id": u1})
	require.NoError(t, err)
	require.Equal(t, "owner", doc["rol"], "mirror takes the remote copy verbatim")
	_, err = local.FindOne(context.Background(), "usuarios", bson.M{"_id": gone})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMirrorPull_KeepsLegacyStringIDs(t *testing.T) {
	local := memstore.New()
	remote := memstore.New()
	e := newTestEngine(local, remote)

	modern := primitive.NewObjectID()
	remote.Seed("usuarios",
		bson.M{"_id": "legacy-user-1", "usuario": "admin", "rol": "owner"},
		bson.M{"_id": modern, "usuario": "caja1", "rol": "operador"},
	)

	n, err := e.mirrorPull(context.Background(), "usuarios")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	require.Len(t, local.All("usuarios"), 2, "a legacy id must survive its own mirror pass")

	doc, err := local.FindOne(context.Background(), "usuarios", bson.M{"_id": "legacy-user-1"})
	require.NoError(t, err)
	require.Equal(t, "admin", doc["usuario"])

	// A second pass is a no-op, not a delete/re-create churn.
	_, err = e.mirrorPull(context.Background(), "usuarios")
	require.NoError(t, err)
	require.Len(t, local.All("usuarios"), 2)
}

func TestMirrorPull_PagesThroughLegacyIDs(t *testing.T) {
	local := memstore.New()
	remote := memstore.New()
	e := newTestEngine(local, remote)
	e.pullBatchSize = 2

	for _, id := range []string{"u-a", "u-b", "u-c", "u-d", "u-e"} {
		remote.Seed("usuarios", bson.M{"_id": id, "usuario": id})
	}

	n, err := e.mirrorPull(context.Background(), "usuarios")
	require.NoError(t, err)
	require.EqualValues(t, 5, n, "full pages of legacy ids must not loop")
	require.Len(t, local.All("usuarios"), 5)
}

func TestIncrementalPull_LegacyIDPageProgress(t *testing.T) {
	local := memstore.New()
	remote := memstore.New()
	e := newTestEngine(local, remote)
	e.pullBatchSize = 1

	same := ts(0)
	remote.Seed("cajas",
		bson.M{"_id": "caja-a", "turno": 1, "updatedAt": same},
		bson.M{"_id": "caja-b", "turno": 2, "updatedAt": same},
		bson.M{"_id": "caja-c", "turno": 3, "updatedAt": same},
	)

	n, err := e.incrementalPull(context.Background(), "cajas")
	require.NoError(t, err)
	require.EqualValues(t, 3, n, "a batch-sized page of legacy ids must keep advancing")
	require.Len(t, local.All("cajas"), 3)

	n, err = e.incrementalPull(context.Background(), "cajas")
	require.NoError(t, err)
	require.Zero(t, n)
	require.Len(t, local.All("cajas"), 3)
}

func TestIncrementalPull_ResolvesLegacyCollectionName(t *testing.T) {
	local := memstore.New()
	remote := memstore.New()
	e := newTestEngine(local, remote)

	// Older installations named the collection "autos".
	local.Seed("autos", bson.M{"_id": primitive.NewObjectID(), "patente": "ZZ000AA"})
	remote.Seed("vehiculos", bson.M{
		"_id":       primitive.NewObjectID(),
		"patente":   "AB456CD",
		"updatedAt": ts(1),
	})

	n, err := e.incrementalPull(context.Background(), "vehiculos")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.Len(t, local.All("autos"), 2, "pull lands in the existing legacy collection")
	require.Empty(t, local.All("vehiculos"))
}

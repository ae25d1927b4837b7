package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/aguerosoft/parksync/internal/models"
	"github.com/aguerosoft/parksync/internal/storage"
	"github.com/aguerosoft/parksync/internal/storage/memstore"
)

func TestRunOnce_OfflineLeavesEverythingPending(t *testing.T) {
	local := memstore.New()
	remote := memstore.New()
	remote.SetPingError(errors.New("no route to host"))
	e := newTestEngine(local, remote).WithResources([]string{"tickets"}, nil)

	remote.Seed("tickets", bson.M{"_id": primitive.NewObjectID(), "numero": 1, "updatedAt": ts(0)})
	id := addEntry(t, e, models.OutboxEntry{
		Method:   models.MethodCreate,
		Target:   "tickets",
		Document: bson.M{"numero": 2},
	})

	e.RunOnce(context.Background())

	st := e.Status(context.Background())
	require.False(t, st.Online)
	require.EqualValues(t, 1, st.TotalTicks)
	require.Empty(t, local.All("tickets"), "no pull while offline")
	require.Equal(t, models.OutboxStatusPending, entryStatus(t, e, id).Status, "entries wait for reconnection")
	require.False(t, e.seeded.Load())
}

func TestRunOnce_SeedsOnceThenStopsPulling(t *testing.T) {
	local := memstore.New()
	remote := memstore.New()
	e := newTestEngine(local, remote).WithResources([]string{"clientes"}, nil)

	remote.Seed("clientes", bson.M{"_id": primitive.NewObjectID(), "dni": 111, "nombre": "Gomez"})

	e.RunOnce(context.Background())
	require.True(t, e.seeded.Load())
	require.Len(t, local.All("clientes"), 1)

	// A remote change after the seed must not reach the local copy: the
	// resource is push-only from here on.
	remote.Seed("clientes", bson.M{"_id": primitive.NewObjectID(), "dni": 222, "nombre": "Perez"})
	e.RunOnce(context.Background())
	require.Len(t, local.All("clientes"), 1)

	st := e.Status(context.Background())
	require.True(t, st.Online)
	require.True(t, st.Seeded)
	require.EqualValues(t, 1, st.Pulled["clientes"])
}

func TestRunOnce_MirrorResourcePulledEveryTick(t *testing.T) {
	local := memstore.New()
	remote := memstore.New()
	e := newTestEngine(local, remote).WithResources([]string{"usuarios"}, nil)

	u := primitive.NewObjectID()
	remote.Seed("usuarios", bson.M{"_id": u, "usuario": "admin"})
	e.RunOnce(context.Background())
	require.Len(t, local.All("usuarios"), 1)

	remote.Seed("usuarios", bson.M{"_id": primitive.NewObjectID(), "usuario": "caja1"})
	e.RunOnce(context.Background())
	require.Len(t, local.All("usuarios"), 2, "mirror resources track the remote continuously")
}

func TestRunOnce_DrainsOutbox(t *testing.T) {
	local := memstore.New()
	remote := memstore.New()
	e := newTestEngine(local, remote).WithResources([]string{"tickets"}, nil)

	id := addEntry(t, e, models.OutboxEntry{
		Method:   models.MethodCreate,
		Target:   "tickets",
		Document: bson.M{"numero": 5},
	})

	e.RunOnce(context.Background())

	require.Equal(t, models.OutboxStatusSynced, entryStatus(t, e, id).Status)
	n, err := remote.Count(context.Background(), "tickets", bson.M{"numero": 5})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestRunOnce_PushDisabledSkipsDrain(t *testing.T) {
	local := memstore.New()
	remote := memstore.New()
	e := newTestEngine(local, remote).
		WithResources([]string{"tickets"}, nil).
		WithPushDisabled(true)

	id := addEntry(t, e, models.OutboxEntry{
		Method:   models.MethodCreate,
		Target:   "tickets",
		Document: bson.M{"numero": 5},
	})

	e.RunOnce(context.Background())

	require.Equal(t, models.OutboxStatusPending, entryStatus(t, e, id).Status)
	require.Empty(t, remote.All("tickets"))
	require.True(t, e.Status(context.Background()).PushDisabled)
}

func TestRunOnce_SingleFlight(t *testing.T) {
	local := memstore.New()
	remote := memstore.New()
	e := newTestEngine(local, remote).WithResources([]string{"tickets"}, nil)

	e.ticking.Store(true)
	e.RunOnce(context.Background())
	require.Zero(t, e.totalTicks.Load(), "a tick in flight suppresses the next one")

	e.ticking.Store(false)
	e.RunOnce(context.Background())
	require.EqualValues(t, 1, e.totalTicks.Load())
}

func TestRunOnce_PurgesOldSyncedEntries(t *testing.T) {
	local := memstore.New()
	remote := memstore.New()
	e := newTestEngine(local, remote).WithResources([]string{"tickets"}, nil)
	e.retention = time.Hour

	old := primitive.NewObjectID()
	local.Seed(storage.OutboxCollection, bson.M{
		"_id":       old,
		"method":    models.MethodCreate,
		"target":    "tickets",
		"status":    models.OutboxStatusSynced,
		"createdAt": time.Now().UTC().Add(-48 * time.Hour),
		"updatedAt": time.Now().UTC().Add(-48 * time.Hour),
	})

	e.RunOnce(context.Background())

	_, err := e.outbox.Get(context.Background(), old)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestWithResources_CanonicalizesAndDenies(t *testing.T) {
	e := newTestEngine(memstore.New(), memstore.New())

	e.WithResources([]string{"Autos", "tickets", "lugares", "tickets"}, []string{"Lugares"})
	require.Equal(t, []string{"vehiculos", "tickets"}, e.resources)

	// Unknown names are dropped, not replicated blindly.
	e.WithResources([]string{"facturas", "cajas"}, nil)
	require.Equal(t, []string{"cajas"}, e.resources)

	// Empty allow list means everything known, minus denials.
	e.WithResources(nil, []string{"usuarios"})
	require.NotContains(t, e.resources, "usuarios")
	require.Contains(t, e.resources, "movimientos")
}

func TestStop_SuppressesFurtherTicks(t *testing.T) {
	e := newTestEngine(memstore.New(), memstore.New()).WithResources([]string{"tickets"}, nil)

	e.RunOnce(context.Background())
	require.EqualValues(t, 1, e.totalTicks.Load())

	e.Stop()
	e.Stop() // idempotent
	e.RunOnce(context.Background())
	require.EqualValues(t, 1, e.totalTicks.Load())

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestTrigger_IsNonBlocking(t *testing.T) {
	e := newTestEngine(memstore.New(), memstore.New())
	for i := 0; i < 5; i++ {
		e.Trigger()
	}
	st := e.Status(context.Background())
	require.NotNil(t, st.LastTriggerAt)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	e := newTestEngine(memstore.New(), memstore.New()).WithResources([]string{"tickets"}, nil)
	e.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
	require.GreaterOrEqual(t, e.totalTicks.Load(), int64(1))
}

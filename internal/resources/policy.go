package resources

import "strings"

// PullStrategy selects how a resource is brought up to date from the remote.
type PullStrategy int

const (
	// PullIncremental pages documents past the stored watermark; never deletes.
	PullIncremental PullStrategy = iota
	// PullMirror rescans the whole remote resource every tick and deletes
	// local documents absent from the snapshot. Remote is the source of truth,
	// so pushes for these resources are local-only no-ops.
	PullMirror
	// PullSeedOnce mirrors exactly once at startup, then goes push-only so the
	// remote cannot clobber local edits made while offline.
	PullSeedOnce
)

// Policy describes how the sync engine treats one resource. Adding a resource
// is a registry entry, not new code.
type Policy struct {
	Pull PullStrategy

	// NaturalKey identifies a real-world entity when ids are absent or drifted
	// (plate number, login name). Order matters for composite keys.
	NaturalKey []string

	// ClearableFields may be erased by an incoming null/empty remote value.
	ClearableFields []string

	// ReferenceFields / ReferenceArrays hold id-shaped values that are
	// normalized on every read and write.
	ReferenceFields []string
	ReferenceArrays []string

	// ModifiedField is the resource's change timestamp, empty when the
	// resource only supports id-ordered incremental pulls.
	ModifiedField string

	// ProtectCreatedAt keeps the creation timestamp insert-only regardless of
	// what the remote claims. Set for the ledger.
	ProtectCreatedAt bool
}

var registry = map[string]Policy{
	"clientes": {
		Pull:            PullSeedOnce,
		NaturalKey:      []string{"dni"},
		ReferenceArrays: []string{"vehiculos"},
		ModifiedField:   "updatedAt",
	},
	"vehiculos": {
		Pull:            PullSeedOnce,
		NaturalKey:      []string{"patente"},
		ClearableFields: []string{"estadia_actual"},
		ReferenceFields: []string{"cliente_id"},
		ModifiedField:   "updatedAt",
	},
	"abonos": {
		Pull:            PullSeedOnce,
		NaturalKey:      []string{"patente"},
		ClearableFields: []string{"cochera"},
		ReferenceFields: []string{"cliente_id", "cochera_id"},
		ReferenceArrays: []string{"vehiculos"},
		ModifiedField:   "updatedAt",
	},
	"cocheras": {
		Pull:          PullSeedOnce,
		NaturalKey:    []string{"numero"},
		ModifiedField: "updatedAt",
	},
	"tickets": {
		Pull:            PullIncremental,
		NaturalKey:      []string{"numero"},
		ReferenceFields: []string{"vehiculo_id", "abono_id"},
		ModifiedField:   "updatedAt",
	},
	"cajas": {
		Pull:          PullIncremental,
		ModifiedField: "updatedAt",
	},
	"movimientos": {
		Pull:             PullIncremental,
		NaturalKey:       []string{"comprobante"},
		ReferenceFields:  []string{"caja_id"},
		ModifiedField:    "updatedAt",
		ProtectCreatedAt: true,
	},
	"usuarios": {
		Pull:       PullMirror,
		NaturalKey: []string{"usuario"},
	},
	"configuracion": {
		Pull:       PullMirror,
		NaturalKey: []string{"clave"},
	},
	"tarifas": {
		NaturalKey: []string{"categoria", "medio"},
	},
}

// replicated lists the resources the sync engine replicates, in tick order.
// Master data first so references resolve, then the transactional stream,
// then remote-owned mirrors. tarifas is absent: the price fetcher maintains
// that collection from its HTTP source.
var replicated = []string{
	"clientes",
	"vehiculos",
	"abonos",
	"cocheras",
	"tickets",
	"cajas",
	"movimientos",
	"usuarios",
	"configuracion",
}

// All returns the default replicated resource set in tick order.
func All() []string {
	out := make([]string, len(replicated))
	copy(out, replicated)
	return out
}

// PolicyFor returns the registry entry for a resource (raw or canonical name).
// Unknown resources get a zero policy: incremental, id-ordered, no natural key.
func PolicyFor(name string) Policy {
	return registry[Canonicalize(name)]
}

// Known reports whether the resource has an explicit registry entry.
func Known(name string) bool {
	_, ok := registry[Canonicalize(name)]
	return ok
}

// CompositeRoutes maps allow-listed business-transaction routes to the
// resources they touch locally. The drain re-derives each document from the
// local store by natural key; the outbox snapshot is only trusted for the key
// values themselves.
var CompositeRoutes = map[string][]string{
	"abonos/registrar": {"clientes", "vehiculos", "abonos", "cocheras"},
}

// CompositeRoute looks up a composite target, tolerating route prefixes and
// trailing slashes ("/api/abonos/registrar/").
func CompositeRoute(target string) ([]string, bool) {
	t := strings.ToLower(strings.Trim(target, "/"))
	if i := strings.IndexAny(t, "?#"); i >= 0 {
		t = t[:i]
	}
	for route, touched := range CompositeRoutes {
		if t == route || strings.HasSuffix(t, "/"+route) {
			return touched, true
		}
	}
	return nil, false
}

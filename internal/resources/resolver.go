package resources

import (
	"context"
	"strings"
	"sync"
)

// Collection names drifted across product versions; older terminals still write
// under the historical spellings. Keyed by alias, value is the canonical name.
var aliases = map[string]string{
	"autos":            "vehiculos",
	"mensualidades":    "abonos",
	"movimientos_caja": "movimientos",
	"lugares":          "cocheras",
}

var aliasesByCanonical = func() map[string][]string {
	m := map[string][]string{}
	for alias, canonical := range aliases {
		m[canonical] = append(m[canonical], alias)
	}
	return m
}()

// Canonicalize maps a raw resource name, possibly carrying route noise
// ("/api/autos?x=1#f", "Autos/"), to its canonical lowercase collection name.
func Canonicalize(raw string) string {
	name := strings.TrimSpace(raw)
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	name = strings.Trim(name, "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.ToLower(name)
	if canonical, ok := aliases[name]; ok {
		return canonical
	}
	return name
}

// PhysicalNames returns every collection name a resource may live under:
// the canonical name first, then known historical aliases.
func PhysicalNames(name string) []string {
	canonical := Canonicalize(name)
	return append([]string{canonical}, aliasesByCanonical[canonical]...)
}

// ExistsChecker is the slice of the store the resolver needs.
type ExistsChecker interface {
	CollectionExists(ctx context.Context, name string) (bool, error)
}

// Resolver picks whichever physical alias actually exists in the local store
// and memoizes the answer for the process lifetime.
type Resolver struct {
	store ExistsChecker

	mu    sync.Mutex
	known map[string]string
}

func NewResolver(store ExistsChecker) *Resolver {
	return &Resolver{store: store, known: map[string]string{}}
}

// ResolveLocalName returns the physical local collection name for a resource.
// When no alias exists yet (fresh install) it falls back to the canonical name,
// without memoizing, so the first write can still create the collection.
func (r *Resolver) ResolveLocalName(ctx context.Context, name string) (string, error) {
	canonical := Canonicalize(name)

	r.mu.Lock()
	cached, ok := r.known[canonical]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}

	for _, physical := range PhysicalNames(canonical) {
		exists, err := r.store.CollectionExists(ctx, physical)
		if err != nil {
			return "", err
		}
		if exists {
			r.mu.Lock()
			r.known[canonical] = physical
			r.mu.Unlock()
			return physical, nil
		}
	}
	return canonical, nil
}

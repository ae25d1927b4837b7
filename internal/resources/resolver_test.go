package resources

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	cases := map[string]string{
		"tickets":                  "tickets",
		"Tickets/":                 "tickets",
		"/api/autos?page=2":        "vehiculos",
		"mensualidades#frag":       "abonos",
		"/api/v2/movimientos_caja": "movimientos",
		"  lugares  ":              "cocheras",
		"desconocido":              "desconocido",
	}
	for in, want := range cases {
		require.Equal(t, want, Canonicalize(in), "input %q", in)
	}
}

func TestPhysicalNames(t *testing.T) {
	names := PhysicalNames("autos")
	require.Equal(t, "vehiculos", names[0])
	require.Contains(t, names, "autos")

	require.Equal(t, []string{"tickets"}, PhysicalNames("tickets"))
}

type fakeChecker struct {
	existing map[string]bool
	calls    int
}

func (f *fakeChecker) CollectionExists(ctx context.Context, name string) (bool, error) {
	f.calls++
	return f.existing[name], nil
}

func TestResolver_PicksExistingAliasAndMemoizes(t *testing.T) {
	ctx := context.Background()
	fc := &fakeChecker{existing: map[string]bool{"autos": true}}
	r := NewResolver(fc)

	name, err := r.ResolveLocalName(ctx, "vehiculos")
	require.NoError(t, err)
	require.Equal(t, "autos", name)

	callsAfterFirst := fc.calls
	name, err = r.ResolveLocalName(ctx, "autos")
	require.NoError(t, err)
	require.Equal(t, "autos", name)
	require.Equal(t, callsAfterFirst, fc.calls, "memoized lookup must not hit the store")
}

func TestResolver_FallsBackToCanonical(t *testing.T) {
	fc := &fakeChecker{existing: map[string]bool{}}
	r := NewResolver(fc)

	name, err := r.ResolveLocalName(context.Background(), "abonos")
	require.NoError(t, err)
	require.Equal(t, "abonos", name)
}

func TestPolicyFor(t *testing.T) {
	p := PolicyFor("/api/autos")
	require.Equal(t, PullSeedOnce, p.Pull)
	require.Equal(t, []string{"patente"}, p.NaturalKey)

	require.True(t, PolicyFor("movimientos_caja").ProtectCreatedAt)
	require.Equal(t, PullMirror, PolicyFor("usuarios").Pull)
	require.False(t, Known("desconocido"))
}

func TestAll_OrderedAndKnown(t *testing.T) {
	all := All()
	require.Equal(t, "clientes", all[0], "master data replicates before transactions")
	require.NotContains(t, all, "tarifas", "price rows are maintained by the fetcher, not replicated")
	for _, name := range all {
		require.True(t, Known(name), name)
	}
}

func TestCompositeRoute(t *testing.T) {
	touched, ok := CompositeRoute("/api/abonos/registrar/")
	require.True(t, ok)
	require.Equal(t, []string{"clientes", "vehiculos", "abonos", "cocheras"}, touched)

	_, ok = CompositeRoute("/api/abonos/123")
	require.False(t, ok)
}

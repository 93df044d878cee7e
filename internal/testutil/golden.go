package testutil

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/labrun/internal/jsonsafe"
)

// AssertGolden compares data against testdata/golden/<name>.golden in the
// calling package. Run the test with -update to rewrite the file.
func AssertGolden(t *testing.T, name string, data []byte) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
}

// AssertGoldenJSON canonicalizes v before comparing, so map iteration order
// never changes the golden output.
func AssertGoldenJSON(t *testing.T, name string, v any) {
	t.Helper()

	data, err := jsonsafe.MarshalCanonical(v)
	if err != nil {
		t.Fatalf("canonicalize %s: %v", name, err)
	}
	AssertGolden(t, name, data)
}

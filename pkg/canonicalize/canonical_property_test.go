//go:build property
// +build property

package canonicalize

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestCanonicalDeterminism verifies canonical output depends only on the
// value, not on construction order.
func TestCanonicalDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("Canonical(v) is stable across calls", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				obj[keys[i]] = values[i]
			}
			b1, err1 := Canonical(obj)
			b2, err2 := Canonical(obj)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return string(b1) == string(b2)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("hash ignores map insertion order", prop.ForAll(
		func(a string, b string, va int, vb int) bool {
			if a == b {
				return true
			}
			m1 := map[string]any{}
			m1[a] = va
			m1[b] = vb
			m2 := map[string]any{}
			m2[b] = vb
			m2[a] = va
			h1, err1 := HashJSON(m1)
			h2, err2 := HashJSON(m2)
			if err1 != nil || err2 != nil {
				return false
			}
			return h1 == h2
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.IntRange(-1000000, 1000000),
		gen.IntRange(-1000000, 1000000),
	))

	properties.TestingRun(t)
}

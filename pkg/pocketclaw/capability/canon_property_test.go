//go:build property
// +build property

package capability

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestCanonProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("canon is idempotent", prop.ForAll(
		func(s string) bool {
			return Canon(Canon(s)) == Canon(s)
		},
		gen.AnyString(),
	))

	properties.Property("separators and case do not matter", prop.ForAll(
		func(words []string) bool {
			spaced := strings.Join(words, " ")
			underscored := strings.ToUpper(strings.Join(words, "_"))
			joined := strings.Join(words, "")
			return Canon(spaced) == Canon(joined) && Canon(underscored) == Canon(joined)
		},
		gen.SliceOfN(3, gen.AlphaString()),
	))

	properties.Property("catalog canon is idempotent", prop.ForAll(
		func(s string) bool {
			c, err := NewCatalog(DefaultCatalogFile(), nil)
			if err != nil {
				return false
			}
			return c.Canon(c.Canon(s)) == c.Canon(s)
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

//go:build property
// +build property

package leads

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestMergeNeverOverwrites checks the conservative-merge contract: merging
// lead B into lead A never changes any field of A that was already set.
func TestMergeNeverOverwrites(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	genLead := gopter.CombineGens(
		gen.AlphaString(), // title
		gen.AlphaString(), // description
		gen.AlphaString(), // city
		gen.AlphaString(), // state
		gen.Int64Range(0, 1_000_000_000), // value
		gen.Int64Range(0, 5_000_000),     // size
	).Map(func(vals []interface{}) *Lead {
		return &Lead{
			Title:          vals[0].(string),
			Description:    vals[1].(string),
			Location:       Location{City: vals[2].(string), State: vals[3].(string)},
			EstimatedValue: Money(vals[4].(int64)),
			EstimatedSize:  Area(vals[5].(int64)),
		}
	})

	properties.Property("set fields of A survive any merge", prop.ForAll(
		func(a, b *Lead) bool {
			title, desc := a.Title, a.Description
			city, state := a.Location.City, a.Location.State
			value, size := a.EstimatedValue, a.EstimatedSize

			a.Merge(b)

			if title != "" && a.Title != title {
				return false
			}
			if desc != "" && a.Description != desc {
				return false
			}
			if city != "" && a.Location.City != city {
				return false
			}
			if state != "" && a.Location.State != state {
				return false
			}
			if value != 0 && a.EstimatedValue != value {
				return false
			}
			return size == 0 || a.EstimatedSize == size
		},
		genLead, genLead,
	))

	properties.Property("merge is idempotent once gaps are filled", prop.ForAll(
		func(a, b *Lead) bool {
			a.Merge(b)
			return !a.Merge(b)
		},
		genLead, genLead,
	))

	properties.TestingRun(t)
}

//go:build property
// +build property

package idempotency

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: for any payload and any number of repeated calls with the same
// key, fn executes exactly once and every caller sees the same body.
func TestRunExecutesOnceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("repeated Run executes once", prop.ForAll(
		func(key string, amount int64, repeats int) bool {
			if key == "" {
				return true
			}
			c := NewCoordinator(NewMemoryStore(), nil)
			calls := 0
			var first string
			for i := 0; i < repeats; i++ {
				out, err := c.Run(context.Background(), "execute", key, map[string]any{"amount_minor": amount},
					func(ctx context.Context) (int, any, error) {
						calls++
						return 200, map[string]any{"amount_minor": amount, "call": calls}, nil
					})
				if err != nil {
					return false
				}
				if i == 0 {
					first = string(out.Body)
				} else if string(out.Body) != first {
					return false
				}
			}
			return calls == 1
		},
		gen.AlphaString(),
		gen.Int64Range(0, 1<<40),
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}

package validation_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skuld-io/skuld/internal/validation"
)

func TestAssertNotNil(t *testing.T) {
	type dep struct{}

	t.Run("passes for a live pointer", func(t *testing.T) {
		require.NotPanics(t, func() {
			validation.AssertNotNil(&dep{}, "dep")
		})
	})

	t.Run("panics for nil", func(t *testing.T) {
		require.Panics(t, func() {
			validation.AssertNotNil(nil, "dep")
		})
	})

	t.Run("panics for a typed nil carried inside an interface", func(t *testing.T) {
		var d *dep
		require.Panics(t, func() {
			validation.AssertNotNil(d, "dep")
		})
	})

	t.Run("passes for values that cannot be nil", func(t *testing.T) {
		require.NotPanics(t, func() {
			validation.AssertNotNil(42, "count")
		})
	})
}

package engine

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skuld-io/skuld/internal/expr"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	exprs, err := expr.NewCache(256)
	require.NoError(t, err)
	t.Cleanup(exprs.Close)

	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), exprs)
}

func intPtr(n int) *int { return &n }

func strPtr(s string) *string { return &s }

func raw(s string) json.RawMessage { return json.RawMessage(s) }

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func corpInput(id string) Input {
	return Input{
		ID: id,
		User: map[string]any{
			"email": "ada@corp.com",
			"tier":  "pro",
			"age":   float64(31),
		},
		Geo: map[string]any{"country": "DE"},
	}
}

func TestDecideDefaults(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)

	t.Run("Should yield false for a disabled boolean flag", func(t *testing.T) {
		t.Parallel()

		f := Flag{ID: "test-flag", Type: FlagBoolean, Enabled: false}
		got := e.Decide(f, nil, corpInput("user-123"), testNow)

		assert.Equal(t, Result{Type: FlagBoolean, Result: false, IsEval: false}, got)
	})

	t.Run("Should yield null for a disabled payload flag", func(t *testing.T) {
		t.Parallel()

		f := Flag{
			ID:      "config-blob",
			Type:    FlagPayload,
			Enabled: false,
			Payload: raw(`{"limit": 10}`),
		}
		got := e.Decide(f, nil, corpInput("user-123"), testNow)

		assert.Equal(t, Result{Type: FlagPayload, Result: nil, IsEval: false}, got)
	})

	t.Run("Should yield the first variation for a disabled variant flag", func(t *testing.T) {
		t.Parallel()

		f := Flag{
			ID:      "hero-copy",
			Type:    FlagVariant,
			Enabled: false,
			Variations: []Variation{
				{ID: "control", Weight: 50, Payload: raw(`{"copy":"A"}`)},
				{ID: "treatment", Weight: 50},
			},
		}
		got := e.Decide(f, nil, corpInput("alice"), testNow)

		assert.Equal(t, Result{Type: FlagVariant, Result: raw(`{"copy":"A"}`), IsEval: false}, got)
	})

	t.Run("Should use the variation id when the default variation has no payload", func(t *testing.T) {
		t.Parallel()

		f := Flag{
			ID:         "hero-copy",
			Type:       FlagVariant,
			Enabled:    false,
			Variations: []Variation{{ID: "control", Weight: 100}},
		}
		got := e.Decide(f, nil, corpInput("alice"), testNow)

		assert.Equal(t, Result{Type: FlagVariant, Result: "control", IsEval: false}, got)
	})

	t.Run("Should yield null for a disabled variant flag without variations", func(t *testing.T) {
		t.Parallel()

		f := Flag{ID: "hero-copy", Type: FlagVariant, Enabled: false}
		got := e.Decide(f, nil, corpInput("alice"), testNow)

		assert.Equal(t, Result{Type: FlagVariant, Result: nil, IsEval: false}, got)
	})
}

func TestDecidePercentageRollout(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)

	// new-dashboard at 50 percent: user-456 sits in bucket 34, user-123 in 95.
	f := Flag{ID: "new-dashboard", Type: FlagBoolean, Enabled: true, Rollout: intPtr(50)}

	t.Run("Should admit the identity inside the rollout", func(t *testing.T) {
		t.Parallel()

		got := e.Decide(f, nil, Input{ID: "user-456"}, testNow)
		assert.Equal(t, Result{Type: FlagBoolean, Result: true, IsEval: true}, got)
	})

	t.Run("Should exclude the identity outside the rollout", func(t *testing.T) {
		t.Parallel()

		got := e.Decide(f, nil, Input{ID: "user-123"}, testNow)
		assert.Equal(t, Result{Type: FlagBoolean, Result: false, IsEval: false}, got)
	})

	t.Run("Should stay stable across repeated decisions", func(t *testing.T) {
		t.Parallel()

		first := e.Decide(f, nil, Input{ID: "user-456"}, testNow)
		for range 20 {
			assert.Equal(t, first, e.Decide(f, nil, Input{ID: "user-456"}, testNow))
		}
	})

	t.Run("Should treat a missing rollout as 100 percent", func(t *testing.T) {
		t.Parallel()

		open := Flag{ID: "new-dashboard", Type: FlagBoolean, Enabled: true}
		got := e.Decide(open, nil, Input{ID: "user-123"}, testNow)
		assert.True(t, got.IsEval)
	})

	t.Run("Should fall back to the backup identity", func(t *testing.T) {
		t.Parallel()

		got := e.Decide(f, nil, Input{BackupID: "user-456"}, testNow)
		assert.True(t, got.IsEval)

		got = e.Decide(f, nil, Input{BackupID: "user-123"}, testNow)
		assert.False(t, got.IsEval)
	})

	t.Run("Should prefer the primary identity over the backup", func(t *testing.T) {
		t.Parallel()

		got := e.Decide(f, nil, Input{ID: "user-456", BackupID: "user-123"}, testNow)
		assert.True(t, got.IsEval)
	})

	t.Run("Should fire a full rollout without any identity", func(t *testing.T) {
		t.Parallel()

		open := Flag{ID: "new-dashboard", Type: FlagBoolean, Enabled: true, Rollout: intPtr(100)}
		got := e.Decide(open, nil, Input{}, testNow)
		assert.True(t, got.IsEval)
	})
}

func TestDecideRules(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)

	t.Run("Should require every rule to hold", func(t *testing.T) {
		t.Parallel()

		f := Flag{
			ID:      "pro-panel",
			Type:    FlagBoolean,
			Enabled: true,
			Rules:   []string{"user.tier == 'pro'", "user.age >= 21"},
		}

		got := e.Decide(f, nil, corpInput("user-123"), testNow)
		assert.True(t, got.IsEval)

		minor := corpInput("user-123")
		minor.User["age"] = float64(17)
		got = e.Decide(f, nil, minor, testNow)
		assert.False(t, got.IsEval)
	})

	t.Run("Should treat a broken rule as not matching", func(t *testing.T) {
		t.Parallel()

		f := Flag{
			ID:      "pro-panel",
			Type:    FlagBoolean,
			Enabled: true,
			Rules:   []string{"user.tier =="},
		}

		got := e.Decide(f, nil, corpInput("user-123"), testNow)
		assert.Equal(t, Result{Type: FlagBoolean, Result: false, IsEval: false}, got)
	})

	t.Run("Should treat a runtime failure as not matching", func(t *testing.T) {
		t.Parallel()

		f := Flag{
			ID:      "pro-panel",
			Type:    FlagBoolean,
			Enabled: true,
			Rules:   []string{"user.tier < 5"},
		}

		got := e.Decide(f, nil, corpInput("user-123"), testNow)
		assert.False(t, got.IsEval)
	})

	t.Run("Should combine rules with the rollout gate", func(t *testing.T) {
		t.Parallel()

		f := Flag{
			ID:      "new-dashboard",
			Type:    FlagBoolean,
			Enabled: true,
			Rules:   []string{"user.tier == 'pro'"},
			Rollout: intPtr(50),
		}

		// Rule passes but bucket 95 misses the rollout.
		got := e.Decide(f, nil, corpInput("user-123"), testNow)
		assert.False(t, got.IsEval)

		// Both hold for user-456 (bucket 34).
		got = e.Decide(f, nil, corpInput("user-456"), testNow)
		assert.True(t, got.IsEval)
	})

	t.Run("Should freeze now for time-based rules", func(t *testing.T) {
		t.Parallel()

		f := Flag{
			ID:      "spring-sale",
			Type:    FlagBoolean,
			Enabled: true,
			Rules:   []string{"now() >= ts('2024-06-01')"},
		}

		got := e.Decide(f, nil, corpInput("user-123"), testNow)
		assert.False(t, got.IsEval)

		launched := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)
		got = e.Decide(f, nil, corpInput("user-123"), launched)
		assert.True(t, got.IsEval)
	})
}

func TestDecideSegments(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)

	segments := map[string]string{
		"staff":   "user.email|split('@')[1] == 'corp.com'",
		"germany": "geo.country == 'DE'",
		"aged":    "user.age >= 65",
	}

	t.Run("Should fire when any referenced segment matches", func(t *testing.T) {
		t.Parallel()

		f := Flag{
			ID:       "beta-area",
			Type:     FlagBoolean,
			Enabled:  true,
			Segments: []string{"aged", "staff"},
		}

		got := e.Decide(f, segments, corpInput("user-123"), testNow)
		assert.True(t, got.IsEval, "staff matches even though aged does not")
	})

	t.Run("Should not fire when no referenced segment matches", func(t *testing.T) {
		t.Parallel()

		f := Flag{
			ID:       "beta-area",
			Type:     FlagBoolean,
			Enabled:  true,
			Segments: []string{"aged"},
		}

		got := e.Decide(f, segments, corpInput("user-123"), testNow)
		assert.False(t, got.IsEval)
	})

	t.Run("Should treat a dangling segment reference as not matching", func(t *testing.T) {
		t.Parallel()

		f := Flag{
			ID:       "beta-area",
			Type:     FlagBoolean,
			Enabled:  true,
			Segments: []string{"vanished"},
		}

		got := e.Decide(f, segments, corpInput("user-123"), testNow)
		assert.False(t, got.IsEval)
	})

	t.Run("Should combine the segment gate with rules and rollout", func(t *testing.T) {
		t.Parallel()

		f := Flag{
			ID:       "new-dashboard",
			Type:     FlagBoolean,
			Enabled:  true,
			Rules:    []string{"user.tier == 'pro'"},
			Segments: []string{"germany"},
			Rollout:  intPtr(50),
		}

		// user-456: rule true, segment true, bucket 34 <= 50.
		got := e.Decide(f, segments, corpInput("user-456"), testNow)
		assert.True(t, got.IsEval)

		// user-123: everything holds except bucket 95.
		got = e.Decide(f, segments, corpInput("user-123"), testNow)
		assert.False(t, got.IsEval)
	})

	t.Run("Should skip the standalone segment gate when rollout steps exist", func(t *testing.T) {
		t.Parallel()

		f := Flag{
			ID:       "beta-area",
			Type:     FlagBoolean,
			Enabled:  true,
			Segments: []string{"aged"}, // would fail as a standalone gate
			Rollouts: []RolloutStep{
				{Start: "2024-01-01", Percentage: intPtr(100)},
			},
		}

		got := e.Decide(f, segments, corpInput("user-123"), testNow)
		assert.True(t, got.IsEval, "steps replace the standalone segment gate")
	})
}

func TestDecideRolloutSteps(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)

	segments := map[string]string{
		"staff": "user.email|split('@')[1] == 'corp.com'",
	}

	// Progressive release of new-search: staff from January, 10 percent of
	// everyone from March. user-28 sits in bucket 3, user-0 in bucket 75.
	newSearch := Flag{
		ID:      "new-search",
		Type:    FlagBoolean,
		Enabled: true,
		Rollouts: []RolloutStep{
			{Start: "2024-01-01", Segment: strPtr("staff")},
			{Start: "2024-03-01", Percentage: intPtr(10)},
		},
	}

	externalInput := func(id string) Input {
		return Input{ID: id, User: map[string]any{"email": "someone@example.com"}}
	}

	t.Run("Should admit segment members from the first step", func(t *testing.T) {
		t.Parallel()

		february := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

		got := e.Decide(newSearch, segments, corpInput("user-0"), february)
		assert.True(t, got.IsEval, "staff enters via step one")

		got = e.Decide(newSearch, segments, externalInput("user-28"), february)
		assert.False(t, got.IsEval, "step two has not started yet")
	})

	t.Run("Should admit the percentage cohort once its step starts", func(t *testing.T) {
		t.Parallel()

		april := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

		got := e.Decide(newSearch, segments, externalInput("user-28"), april)
		assert.True(t, got.IsEval, "bucket 3 is inside the 10 percent step")

		got = e.Decide(newSearch, segments, externalInput("user-0"), april)
		assert.False(t, got.IsEval, "bucket 75 stays outside")
	})

	t.Run("Should widen the cohort when the percentage grows", func(t *testing.T) {
		t.Parallel()

		wider := newSearch
		wider.Rollouts = []RolloutStep{
			{Start: "2024-03-01", Percentage: intPtr(80)},
		}
		april := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

		got := e.Decide(wider, segments, externalInput("user-0"), april)
		assert.True(t, got.IsEval, "bucket 75 is inside 80 percent")
	})

	t.Run("Should require every set condition on a step", func(t *testing.T) {
		t.Parallel()

		gated := Flag{
			ID:      "new-search",
			Type:    FlagBoolean,
			Enabled: true,
			Rollouts: []RolloutStep{
				{Start: "2024-01-01", Segment: strPtr("staff"), Percentage: intPtr(10)},
			},
		}

		// Staff in bucket 3: both conditions hold.
		got := e.Decide(gated, segments, corpInput("user-28"), testNow)
		assert.True(t, got.IsEval)

		// Staff in bucket 75: segment holds, percentage does not.
		got = e.Decide(gated, segments, corpInput("user-0"), testNow)
		assert.False(t, got.IsEval)

		// Bucket 3 but not staff: percentage holds, segment does not.
		got = e.Decide(gated, segments, externalInput("user-28"), testNow)
		assert.False(t, got.IsEval)
	})

	t.Run("Should fail a step whose start cannot be parsed", func(t *testing.T) {
		t.Parallel()

		f := Flag{
			ID:      "new-search",
			Type:    FlagBoolean,
			Enabled: true,
			Rollouts: []RolloutStep{
				{Start: "someday", Percentage: intPtr(100)},
			},
		}

		got := e.Decide(f, segments, corpInput("user-28"), testNow)
		assert.False(t, got.IsEval)
	})

	t.Run("Should fail a step that constrains nothing", func(t *testing.T) {
		t.Parallel()

		f := Flag{
			ID:      "new-search",
			Type:    FlagBoolean,
			Enabled: true,
			Rollouts: []RolloutStep{
				{Start: "2024-01-01"},
			},
		}

		got := e.Decide(f, segments, corpInput("user-28"), testNow)
		assert.False(t, got.IsEval)
	})

	t.Run("Should fail a step that has not started", func(t *testing.T) {
		t.Parallel()

		f := Flag{
			ID:      "new-search",
			Type:    FlagBoolean,
			Enabled: true,
			Rollouts: []RolloutStep{
				{Start: "2030-01-01", Percentage: intPtr(100)},
			},
		}

		got := e.Decide(f, segments, corpInput("user-28"), testNow)
		assert.False(t, got.IsEval)
	})

	t.Run("Should stop at the first passing step", func(t *testing.T) {
		t.Parallel()

		f := Flag{
			ID:      "new-search",
			Type:    FlagBoolean,
			Enabled: true,
			Rollouts: []RolloutStep{
				{Start: "2024-01-01", Percentage: intPtr(100)},
				{Start: "2024-01-01", Percentage: intPtr(0)},
			},
		}

		got := e.Decide(f, segments, externalInput("user-0"), testNow)
		assert.True(t, got.IsEval, "the later zero-percent step never runs")
	})

	t.Run("Should ignore the base rollout once steps exist", func(t *testing.T) {
		t.Parallel()

		f := Flag{
			ID:      "new-search",
			Type:    FlagBoolean,
			Enabled: true,
			Rollout: intPtr(0),
			Rollouts: []RolloutStep{
				{Start: "2024-01-01", Percentage: intPtr(100)},
			},
		}

		got := e.Decide(f, segments, externalInput("user-0"), testNow)
		assert.True(t, got.IsEval, "the schedule replaces the base percentage")

		f.Rollout = intPtr(100)
		f.Rollouts = []RolloutStep{{Start: "2030-01-01", Percentage: intPtr(100)}}

		got = e.Decide(f, segments, externalInput("user-0"), testNow)
		assert.False(t, got.IsEval, "a generous base cannot rescue a failing schedule")
	})
}

func TestDecideTypedResults(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)

	t.Run("Should return the payload verbatim when a payload flag fires", func(t *testing.T) {
		t.Parallel()

		f := Flag{
			ID:      "checkout-config",
			Type:    FlagPayload,
			Enabled: true,
			Payload: raw(`{"maxItems": 50, "express": true}`),
		}

		got := e.Decide(f, nil, corpInput("user-123"), testNow)
		assert.Equal(t, Result{
			Type:   FlagPayload,
			Result: raw(`{"maxItems": 50, "express": true}`),
			IsEval: true,
		}, got)
	})

	t.Run("Should return null when a firing payload flag has no payload", func(t *testing.T) {
		t.Parallel()

		f := Flag{ID: "checkout-config", Type: FlagPayload, Enabled: true}

		got := e.Decide(f, nil, corpInput("user-123"), testNow)
		assert.Equal(t, Result{Type: FlagPayload, Result: nil, IsEval: true}, got)
	})

	t.Run("Should pick the bucketed variation for a variant flag", func(t *testing.T) {
		t.Parallel()

		f := Flag{
			ID:      "hero-copy",
			Type:    FlagVariant,
			Enabled: true,
			Variations: []Variation{
				{ID: "control", Weight: 50, Payload: raw(`{"copy":"A"}`)},
				{ID: "treatment", Weight: 50},
			},
		}

		// alice: bucket 40 -> control; its payload wins over its id.
		got := e.Decide(f, nil, corpInput("alice"), testNow)
		assert.Equal(t, Result{Type: FlagVariant, Result: raw(`{"copy":"A"}`), IsEval: true}, got)

		// bob: bucket 89 -> treatment; no payload, so the id stands in.
		got = e.Decide(f, nil, corpInput("bob"), testNow)
		assert.Equal(t, Result{Type: FlagVariant, Result: "treatment", IsEval: true}, got)
	})

	t.Run("Should fall back to the default variation on weight underflow", func(t *testing.T) {
		t.Parallel()

		f := Flag{
			ID:      "checkout-cta",
			Type:    FlagVariant,
			Enabled: true,
			Variations: []Variation{
				{ID: "buy-now", Weight: 10},
				{ID: "add-to-cart", Weight: 20},
			},
		}

		// user-0 sits in bucket 53, above the total weight of 30.
		got := e.Decide(f, nil, corpInput("user-0"), testNow)
		assert.Equal(t, Result{Type: FlagVariant, Result: "buy-now", IsEval: false}, got)

		// user-2 sits in bucket 15 and lands on the second variation.
		got = e.Decide(f, nil, corpInput("user-2"), testNow)
		assert.Equal(t, Result{Type: FlagVariant, Result: "add-to-cart", IsEval: true}, got)
	})
}

func TestDecideAll(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)

	flags := map[string]Flag{
		"new-dashboard": {ID: "new-dashboard", Type: FlagBoolean, Enabled: true, Rollout: intPtr(50)},
		"broken-rule":   {ID: "broken-rule", Type: FlagBoolean, Enabled: true, Rules: []string{"((("}},
		"dark-mode":     {ID: "dark-mode", Type: FlagBoolean, Enabled: true},
	}

	got := e.DecideAll(flags, nil, Input{ID: "user-456"}, testNow)

	require.Len(t, got, 3)
	assert.True(t, got["new-dashboard"].IsEval, "bucket 34 inside 50 percent")
	assert.False(t, got["broken-rule"].IsEval, "a broken flag never fails the batch")
	assert.True(t, got["dark-mode"].IsEval)
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("Should default the logger", func(t *testing.T) {
		t.Parallel()

		exprs, err := expr.NewCache(8)
		require.NoError(t, err)
		t.Cleanup(exprs.Close)

		assert.NotNil(t, New(nil, exprs))
	})

	t.Run("Should panic without an expression cache", func(t *testing.T) {
		t.Parallel()

		assert.Panics(t, func() { New(slog.Default(), nil) })
	})
}

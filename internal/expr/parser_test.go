package expr

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile(t *testing.T) {
	t.Parallel()

	valid := []string{
		"true",
		"null",
		"42",
		"3.14",
		"'single quoted'",
		`"double quoted"`,
		"user.tier == 'pro'",
		"user.age >= 21 && user.tier == 'pro'",
		"geo.country in ['DE', 'FR']",
		"user.email|split('@')[1] == 'corp.com'",
		"request.headers['x-tier'] == 'gold'",
		"!user.beta",
		"-(user.age) < 0",
		"now() >= ts('2024-05-01T00:00:00Z')",
		"(user.age + 1) * 2 % 10 > 3",
		"user.name|lower() == 'ada'",
		"user.name|upper() == 'ADA'",
		"'a' in 'abc' || 'x' in ['x']",
		"[1, 2, 3]",
		"[]",
	}

	for _, src := range valid {
		t.Run("valid/"+src, func(t *testing.T) {
			t.Parallel()

			prog, err := Compile(src)
			require.NoError(t, err)
			assert.Equal(t, src, prog.Source())
		})
	}

	invalid := []struct {
		name string
		src  string
	}{
		{"empty", ""},
		{"unterminated string", "'abc"},
		{"unknown escape", `'a\qb'`},
		{"trailing tokens", "true false"},
		{"dangling operator", "user.age >"},
		{"unclosed paren", "(1 + 2"},
		{"unclosed bracket", "[1, 2"},
		{"unclosed index", "tags[0"},
		{"member of nothing", "user."},
		{"unknown function", "len('abc')"},
		{"ts arity", "ts()"},
		{"now arity", "now(1)"},
		{"unknown transform", "user.email|trim()"},
		{"split arity", "user.email|split()"},
		{"lower arity", "user.email|lower('x')"},
		{"transform without call", "user.email|split"},
		{"unexpected character", "user.age @ 2"},
	}

	for _, tt := range invalid {
		t.Run("invalid/"+tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Compile(tt.src)
			require.Error(t, err)

			var syntaxErr *SyntaxError
			assert.True(t, errors.As(err, &syntaxErr), "expected *SyntaxError, got %T", err)
		})
	}

	t.Run("Should reject oversized expressions", func(t *testing.T) {
		t.Parallel()

		src := "'" + strings.Repeat("a", maxSourceLen) + "'"
		_, err := Compile(src)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exceeds")
	})
}

func TestCompilePrecedence(t *testing.T) {
	t.Parallel()

	env := Env{Record: map[string]any{}}

	tests := []struct {
		src  string
		want any
	}{
		// Multiplication binds tighter than addition.
		{"2 + 3 * 4", float64(14)},
		{"(2 + 3) * 4", float64(20)},
		// Comparison binds tighter than &&, && tighter than ||.
		{"1 < 2 && 3 < 2 || 4 > 3", true},
		{"1 < 2 && (3 < 2 || 4 > 3)", true},
		{"false || false && true || false", false},
		// Unary binds tighter than comparison.
		{"!true == false", true},
		{"-2 * 3", float64(-6)},
		// Postfix transforms bind tighter than equality.
		{"'A' + 'b'|lower() == 'ab'", false}, // ('A' + ('b'|lower())) == 'ab' -> 'Ab' == 'ab'
		{"('A' + 'b')|lower() == 'ab'", true},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			t.Parallel()

			prog, err := Compile(tt.src)
			require.NoError(t, err)

			got, err := prog.Eval(env)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCache(t *testing.T) {
	t.Parallel()

	cache, err := NewCache(16)
	require.NoError(t, err)
	defer cache.Close()

	t.Run("Should compile valid sources repeatedly", func(t *testing.T) {
		for range 3 {
			prog, err := cache.Compile("user.tier == 'pro'")
			require.NoError(t, err)

			got, err := prog.Eval(Env{Record: map[string]any{
				"user": map[string]any{"tier": "pro"},
			}})
			require.NoError(t, err)
			assert.Equal(t, true, got)
		}
	})

	t.Run("Should keep returning the compile error for broken sources", func(t *testing.T) {
		for range 3 {
			_, err := cache.Compile("user.tier ==")
			require.Error(t, err)
		}
	})
}

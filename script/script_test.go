package script

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProgram(t *testing.T) {
	ctx := context.Background()
	e := NewEngine()

	t.Run("arithmetic", func(t *testing.T) {
		p, err := e.Compile(ctx, "40 + 2")
		require.NoError(t, err)
		v, err := p.Run(ctx, nil)
		require.NoError(t, err)
		require.Equal(t, int64(42), v.Interface())
		require.Equal(t, "42", v.String())
		require.True(t, v.Truthy())
	})

	t.Run("variables", func(t *testing.T) {
		p, err := e.Compile(ctx, `name + "!"`, "name")
		require.NoError(t, err)
		v, err := p.Run(ctx, map[string]any{"name": "Ada"})
		require.NoError(t, err)
		require.Equal(t, "Ada!", v.Interface())
	})

	t.Run("lists", func(t *testing.T) {
		p, err := e.Compile(ctx, `[1, "two", true]`)
		require.NoError(t, err)
		v, err := p.Run(ctx, nil)
		require.NoError(t, err)
		require.Equal(t, []any{int64(1), "two", true}, v.Interface())
	})

	t.Run("undeclared variable", func(t *testing.T) {
		_, err := e.Compile(ctx, "missing + 1")
		require.Error(t, err)
	})

	t.Run("syntax error", func(t *testing.T) {
		_, err := e.Compile(ctx, "1 +")
		require.Error(t, err)
	})

	t.Run("string truthiness", func(t *testing.T) {
		for code, want := range map[string]bool{`""`: false, `"false"`: false, `"yes"`: true, `0`: false} {
			p, err := e.Compile(ctx, code)
			require.NoError(t, err)
			v, err := p.Run(ctx, nil)
			require.NoError(t, err)
			require.Equal(t, want, v.Truthy(), code)
		}
	})
}

func TestTemplate(t *testing.T) {
	ctx := context.Background()
	e := NewEngine()

	tmpl, err := e.NewTemplate(ctx, "Hello ${name}, the answer is ${40 + 2}.", "name")
	require.NoError(t, err)
	out, err := tmpl.Render(ctx, map[string]any{"name": "Bob"})
	require.NoError(t, err)
	require.Equal(t, "Hello Bob, the answer is 42.", out)

	plain, err := e.NewTemplate(ctx, "no expressions")
	require.NoError(t, err)
	out, err = plain.Render(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, "no expressions", out)

	_, err = e.NewTemplate(ctx, "Hello ${name")
	require.ErrorContains(t, err, "unclosed template expression")
}

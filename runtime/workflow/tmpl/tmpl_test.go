package tmpl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRenderInterpolation(t *testing.T) {
	t.Parallel()

	e := New()
	env := map[string]any{
		"workload": map[string]any{"city": "Berlin", "temp": 21},
	}

	out, err := e.Render("weather in {{ workload.city }} at {{ workload.temp }}C", env)
	require.NoError(t, err)
	require.Equal(t, "weather in Berlin at 21C", out)

	// No interpolation passes through untouched.
	out, err = e.Render("plain string", env)
	require.NoError(t, err)
	require.Equal(t, "plain string", out)
}

func TestRenderValueKeepsTypes(t *testing.T) {
	t.Parallel()

	e := New()
	env := map[string]any{
		"items": []any{1, 2, 3},
		"count": 3,
	}

	// A string that is exactly one interpolation yields the raw value.
	v, err := e.RenderValue("{{ items }}", env)
	require.NoError(t, err)
	require.Equal(t, []any{1, 2, 3}, v)

	v, err = e.RenderValue("{{ count * 2 }}", env)
	require.NoError(t, err)
	require.Equal(t, 6, v)

	// Maps and lists render element-wise.
	v, err = e.RenderValue(map[string]any{
		"n":    "{{ count }}",
		"list": []any{"{{ count }}", "static"},
	}, env)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"n": 3, "list": []any{3, "static"}}, v)
}

func TestEvalBoolTruthiness(t *testing.T) {
	t.Parallel()

	e := New()
	env := map[string]any{
		"status": "ok",
		"count":  0,
		"items":  []any{},
	}

	cases := []struct {
		expr string
		want bool
	}{
		{`status == "ok"`, true},
		{`status == "error"`, false},
		{`count`, false},
		{`items`, false},
		{`status`, true},
		{`missing`, false},
	}
	for _, tc := range cases {
		got, err := e.EvalBool(tc.expr, env)
		require.NoError(t, err, tc.expr)
		require.Equal(t, tc.want, got, tc.expr)
	}
}

func TestDefaultBuiltin(t *testing.T) {
	t.Parallel()

	e := New()
	v, err := e.Eval(`default(page, 1)`, map[string]any{})
	require.NoError(t, err)
	require.Equal(t, 1, v)

	v, err = e.Eval(`default(page, 1)`, map[string]any{"page": 7})
	require.NoError(t, err)
	require.Equal(t, 7, v)
}

func TestCompileErrorsSurface(t *testing.T) {
	t.Parallel()

	e := New()
	_, err := e.Eval("count +", map[string]any{})
	require.Error(t, err)

	_, err = e.Render("broken {{ count + }}", map[string]any{})
	require.Error(t, err)
}

func TestEnvIsNotMutated(t *testing.T) {
	t.Parallel()

	e := New()
	env := map[string]any{"a": 1}
	_, err := e.Eval("a + 1", env)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"a": 1}, env)
}

package keychain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/playbook"
)

func TestChainResolvesDeclarations(t *testing.T) {
	t.Parallel()

	chain := NewChain(
		NewStatic("postgres", map[string]any{
			"pg_main": map[string]any{"dsn": "postgres://localhost/app"},
		}),
		NewStatic("api_key", map[string]any{
			"weather": "k-123",
		}),
	)

	got, err := chain.Resolve(context.Background(), []playbook.KeychainDecl{
		{Name: "pg_main", Kind: "postgres"},
		{Name: "weather", Kind: "api_key"},
	})
	require.NoError(t, err)
	require.Equal(t, "k-123", got["weather"])
	require.Equal(t, map[string]any{"dsn": "postgres://localhost/app"}, got["pg_main"])
}

func TestChainFailsOnUnknownKind(t *testing.T) {
	t.Parallel()

	chain := NewChain()
	_, err := chain.Resolve(context.Background(), []playbook.KeychainDecl{
		{Name: "weather", Kind: "vault"},
	})
	require.ErrorContains(t, err, "vault")
}

func TestChainFailsOnMissingCredential(t *testing.T) {
	t.Parallel()

	chain := NewChain(NewStatic("api_key", nil))
	_, err := chain.Resolve(context.Background(), []playbook.KeychainDecl{
		{Name: "weather", Kind: "api_key"},
	})
	require.ErrorContains(t, err, "weather")
}

func TestEnvResolver(t *testing.T) {
	t.Setenv("NOETL_KEY_WEATHER", "from-env")

	chain := NewChain(Env{})
	got, err := chain.Resolve(context.Background(), []playbook.KeychainDecl{
		{Name: "weather", Kind: EnvKind},
	})
	require.NoError(t, err)
	require.Equal(t, "from-env", got["weather"])
}

func TestEmptyKeychain(t *testing.T) {
	t.Parallel()

	got, err := NewChain().Resolve(context.Background(), nil)
	require.NoError(t, err)
	require.Nil(t, got)
}

// Package keychain resolves the credentials a playbook declares before the
// workflow starts. Resolved values are exposed to templates read-only under
// keychain.<name> and never appear in event payloads.
package keychain

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/noetl/noetl/playbook"
)

type (
	// Resolver turns one credential declaration into its runtime value.
	Resolver interface {
		// Kind is the declaration kind this resolver serves.
		Kind() string
		// Resolve returns the credential value for the declaration.
		Resolve(ctx context.Context, decl playbook.KeychainDecl) (any, error)
	}

	// Chain resolves a whole keychain block by dispatching each declaration
	// to the resolver registered for its kind.
	Chain struct {
		resolvers map[string]Resolver
	}

	// Static serves fixed values keyed by declaration name. The control
	// plane uses it for values supplied at deploy time and tests use it to
	// stub credentials.
	Static struct {
		kind   string
		values map[string]any
	}

	// Env resolves declarations from process environment variables named
	// NOETL_KEY_<NAME> (uppercased declaration name).
	Env struct{}
)

// NewChain builds a chain from the given resolvers. Later resolvers win on
// kind conflicts.
func NewChain(resolvers ...Resolver) *Chain {
	c := &Chain{resolvers: make(map[string]Resolver, len(resolvers))}
	for _, r := range resolvers {
		c.resolvers[r.Kind()] = r
	}
	return c
}

// Resolve resolves every declaration and returns the read-only keychain map.
// A declaration whose kind has no registered resolver fails the whole
// resolution; executions must not start with missing credentials.
func (c *Chain) Resolve(ctx context.Context, decls []playbook.KeychainDecl) (map[string]any, error) {
	if len(decls) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(decls))
	for _, decl := range decls {
		if decl.Name == "" {
			return nil, fmt.Errorf("keychain declaration without a name")
		}
		r, ok := c.resolvers[decl.Kind]
		if !ok {
			return nil, fmt.Errorf("no resolver for keychain kind %q (credential %q)", decl.Kind, decl.Name)
		}
		v, err := r.Resolve(ctx, decl)
		if err != nil {
			return nil, fmt.Errorf("resolve credential %q: %w", decl.Name, err)
		}
		out[decl.Name] = v
	}
	return out, nil
}

// NewStatic returns a resolver serving fixed values for the given kind.
func NewStatic(kind string, values map[string]any) *Static {
	return &Static{kind: kind, values: values}
}

// Kind implements Resolver.
func (s *Static) Kind() string { return s.kind }

// Resolve implements Resolver.
func (s *Static) Resolve(_ context.Context, decl playbook.KeychainDecl) (any, error) {
	v, ok := s.values[decl.Name]
	if !ok {
		return nil, fmt.Errorf("credential %q is not configured", decl.Name)
	}
	return v, nil
}

// EnvKind is the declaration kind served by the Env resolver.
const EnvKind = "env"

// Kind implements Resolver.
func (Env) Kind() string { return EnvKind }

// Resolve implements Resolver.
func (Env) Resolve(_ context.Context, decl playbook.KeychainDecl) (any, error) {
	name := "NOETL_KEY_" + strings.ToUpper(decl.Name)
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil, fmt.Errorf("environment variable %s is not set", name)
	}
	return v, nil
}

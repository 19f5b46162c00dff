// Package driver defines the tool driver contract and the registry mapping
// task kinds to drivers. Drivers turn a rendered task config into a
// canonical Outcome; infrastructure failures (not tool failures) come back
// as Go errors and are retried by the pipeline without consuming attempts.
package driver

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/noetl/noetl/runtime/workflow/artifact"
	"github.com/noetl/noetl/runtime/workflow/outcome"
)

type (
	// Request is one tool invocation. Config arrives fully rendered;
	// drivers never evaluate templates.
	Request struct {
		// Kind is the task kind the driver was selected for.
		Kind string
		// Label is the task label, for logging and trace attributes.
		Label string
		// Config is the rendered kind-specific config.
		Config map[string]any
		// Timeout is the effective task timeout. Zero means none; the
		// pipeline also enforces it on the call context.
		Timeout time.Duration
		// Attempt is the 1-based attempt counter, for Meta and for drivers
		// implementing external idempotency keys.
		Attempt int
		// Artifacts is the store drivers use to externalize large results.
		Artifacts artifact.Store
		// Policy is the inline cap policy to apply to results.
		Policy artifact.Policy
	}

	// Driver executes tasks of one kind.
	Driver interface {
		// Kind is the task kind this driver serves.
		Kind() string
		// Execute runs the task. Tool failures are reported inside the
		// Outcome; a non-nil error means the invocation itself could not
		// run and may be retried verbatim.
		Execute(ctx context.Context, req *Request) (*outcome.Outcome, error)
	}

	// Registry maps task kinds to drivers. It implements the validator's
	// kind checker so playbooks referencing unregistered kinds are rejected
	// before execution.
	Registry struct {
		mu      sync.RWMutex
		drivers map[string]Driver
	}
)

// NewRegistry builds a registry holding the given drivers.
func NewRegistry(drivers ...Driver) (*Registry, error) {
	r := &Registry{drivers: make(map[string]Driver, len(drivers))}
	for _, d := range drivers {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a driver. Registering a kind twice is an error.
func (r *Registry) Register(d Driver) error {
	if d == nil {
		return fmt.Errorf("driver is required")
	}
	kind := d.Kind()
	if kind == "" {
		return fmt.Errorf("driver kind is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.drivers[kind]; ok {
		return fmt.Errorf("driver for kind %q is already registered", kind)
	}
	r.drivers[kind] = d
	return nil
}

// Lookup returns the driver for the kind.
func (r *Registry) Lookup(kind string) (Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[kind]
	return d, ok
}

// Registered reports whether a kind has a driver. It satisfies the playbook
// validator's kind checker.
func (r *Registry) Registered(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.drivers[kind]
	return ok
}

// Kinds lists the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.drivers))
	for k := range r.drivers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Finalize applies the request's artifact policy to a successful result and
// returns the completed outcome. Drivers call it as their last step so the
// reference-first rule holds across all kinds.
func Finalize(ctx context.Context, req *Request, result any, meta outcome.Meta) (*outcome.Outcome, error) {
	inline, ref, err := req.Policy.Apply(ctx, req.Artifacts, result)
	if err != nil {
		return nil, err
	}
	oc := outcome.OK(inline, meta)
	oc.Ref = ref
	return oc, nil
}

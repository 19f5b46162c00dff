// Package playbook defines the static NoETL playbook model and the
// parse/normalize/validate operations that turn a YAML document into a
// canonical, executable workflow definition.
//
// A playbook describes a directed graph of steps. Each step optionally runs a
// labeled task pipeline, optionally loops over a collection, and optionally
// routes tokens to successor steps through guarded arcs. The playbook is
// immutable input: the engine never mutates it after validation.
package playbook


// APIVersion and Kind identify the canonical v2 playbook document.
const (
	APIVersion = "noetl.io/v2"
	Kind       = "Playbook"
)

type (
	// Playbook is the root document.
	Playbook struct {
		// APIVersion must equal "noetl.io/v2".
		APIVersion string `yaml:"apiVersion" json:"apiVersion"`
		// Kind must equal "Playbook".
		Kind string `yaml:"kind" json:"kind"`
		// Metadata names and versions the playbook.
		Metadata Metadata `yaml:"metadata" json:"metadata"`
		// Keychain lists credential declarations resolved once at execution
		// start and exposed read-only as keychain.<name>.
		Keychain []KeychainDecl `yaml:"keychain,omitempty" json:"keychain,omitempty"`
		// Executor carries placement hints and a default spec layer applied to
		// every step. Opaque to the parser.
		Executor map[string]any `yaml:"executor,omitempty" json:"executor,omitempty"`
		// Workload holds default input values, deep-merged with the request
		// payload to form the immutable merged workload.
		Workload map[string]any `yaml:"workload,omitempty" json:"workload,omitempty"`
		// Workflow is the ordered list of steps forming the workflow graph.
		Workflow []*Step `yaml:"workflow" json:"workflow"`
		// Workbook holds reusable task templates addressable from step
		// pipelines as kind "workbook" with a "name" field.
		Workbook map[string]*Task `yaml:"workbook,omitempty" json:"workbook,omitempty"`

		// raw is the untyped document retained by Parse for structural checks
		// (deprecated keys, JSON Schema validation).
		raw map[string]any
	}

	// Metadata identifies a playbook.
	Metadata struct {
		Name        string `yaml:"name" json:"name"`
		Path        string `yaml:"path,omitempty" json:"path,omitempty"`
		Version     string `yaml:"version,omitempty" json:"version,omitempty"`
		Description string `yaml:"description,omitempty" json:"description,omitempty"`
	}

	// KeychainDecl declares a named credential to resolve before execution.
	KeychainDecl struct {
		Name string `yaml:"name" json:"name"`
		Kind string `yaml:"kind" json:"kind"`
	}

	// Step is a transition in the workflow graph: admission gate, optional
	// loop, optional task pipeline, optional router. A step must declare at
	// least one of Tool or Next.
	Step struct {
		// Name is the unique step identifier. YAML key "step".
		Name string `yaml:"step" json:"step"`
		// Desc is an optional human-readable description.
		Desc string `yaml:"desc,omitempty" json:"desc,omitempty"`
		// Spec holds the admission policy and execution knobs.
		Spec *StepSpec `yaml:"spec,omitempty" json:"spec,omitempty"`
		// Loop iterates the pipeline over a collection.
		Loop *Loop `yaml:"loop,omitempty" json:"loop,omitempty"`
		// Tool is the ordered, labeled task pipeline. Shorthand forms are
		// accepted on parse and canonicalized by Normalize.
		Tool TaskList `yaml:"tool,omitempty" json:"tool,omitempty"`
		// Next routes tokens to successor steps when the step reaches a
		// terminal event.
		Next *Next `yaml:"next,omitempty" json:"next,omitempty"`
	}

	// StepSpec holds step-scoped policy and execution knobs.
	StepSpec struct {
		// Policy carries the admission gate.
		Policy *StepPolicy `yaml:"policy,omitempty" json:"policy,omitempty"`
		// Timeout bounds the whole step run. Zero means no limit.
		Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	}

	// StepPolicy wraps step-level policies. Only admission is defined today.
	StepPolicy struct {
		Admit *Admission `yaml:"admit,omitempty" json:"admit,omitempty"`
	}

	// Admission gates token entry into a step. Rules are evaluated
	// top-to-bottom; the first truthy When wins. An omitted gate allows.
	Admission struct {
		Rules []*AdmitRule `yaml:"rules" json:"rules"`
		// Else applies when no rule matches. Nil means allow.
		Else *AdmitDecision `yaml:"else,omitempty" json:"else,omitempty"`
	}

	// AdmitRule pairs a guard expression with a decision.
	AdmitRule struct {
		When string `yaml:"when" json:"when"`
		// Allow is the decision taken when When is truthy.
		Allow bool `yaml:"allow" json:"allow"`
		// Reason annotates denials for the admission event.
		Reason string `yaml:"reason,omitempty" json:"reason,omitempty"`
	}

	// AdmitDecision is the else branch of an admission gate.
	AdmitDecision struct {
		Allow  bool   `yaml:"allow" json:"allow"`
		Reason string `yaml:"reason,omitempty" json:"reason,omitempty"`
	}

	// Loop fans a step's pipeline out over the elements of a collection.
	Loop struct {
		// In is an expression yielding an ordered sequence.
		In string `yaml:"in" json:"in"`
		// Iterator is the name bound to the current element as
		// iter.<iterator>.
		Iterator string `yaml:"iterator" json:"iterator"`
		// Spec configures iteration scheduling.
		Spec LoopSpec `yaml:"spec,omitempty" json:"spec,omitempty"`
	}

	// LoopSpec configures how loop iterations are scheduled.
	LoopSpec struct {
		// Mode is sequential (default) or parallel.
		Mode LoopMode `yaml:"mode,omitempty" json:"mode,omitempty"`
		// MaxInFlight bounds concurrent iterations in parallel mode.
		// Zero means unbounded.
		MaxInFlight int `yaml:"max_in_flight,omitempty" json:"max_in_flight,omitempty"`
		// Policy selects execution placement and failure semantics.
		Policy LoopPolicy `yaml:"policy,omitempty" json:"policy,omitempty"`
	}

	// LoopPolicy selects iteration placement and step failure semantics.
	LoopPolicy struct {
		// Exec is local (default) or distributed. Distributed iterations are
		// placed on the command bus for other workers.
		Exec ExecMode `yaml:"exec,omitempty" json:"exec,omitempty"`
		// OnError is fail_fast (default) or best_effort. Best effort runs all
		// iterations and fails the step only in the loop summary.
		OnError OnError `yaml:"on_error,omitempty" json:"on_error,omitempty"`
	}

	// TaskList is a step's ordered pipeline of labeled tasks.
	TaskList []*Task

	// Task is a single labeled tool invocation inside a step pipeline.
	Task struct {
		// Label uniquely identifies the task within its pipeline. Generated
		// as task_N by Normalize when absent.
		Label string `yaml:"-" json:"label"`
		// Kind selects the tool driver (http, postgres, noop, ...). The kind
		// "workbook" references a reusable task template by Name.
		Kind string `yaml:"kind" json:"kind"`
		// Name references a workbook template when Kind is "workbook".
		Name string `yaml:"name,omitempty" json:"name,omitempty"`
		// Spec holds the task policy and execution knobs.
		Spec *TaskSpec `yaml:"spec,omitempty" json:"spec,omitempty"`
		// Config carries the kind-specific fields (url, query, ...). Values
		// may contain template expressions rendered at execution time.
		Config map[string]any `yaml:",inline" json:"config,omitempty"`
	}

	// TaskSpec holds task-scoped policy and knobs.
	TaskSpec struct {
		// Policy drives pipeline control from task outcomes.
		Policy *TaskPolicy `yaml:"policy,omitempty" json:"policy,omitempty"`
		// Timeout bounds a single task attempt. Zero means no limit.
		Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	}

	// TaskPolicy is an ordered rule list evaluated against each task outcome.
	TaskPolicy struct {
		Rules []*Rule `yaml:"rules" json:"rules"`
		// Else applies when no rule matches. Nil falls back to the default
		// directive: continue on ok, fail on error.
		Else *Then `yaml:"else,omitempty" json:"else,omitempty"`
	}

	// Rule pairs a guard expression with an action.
	Rule struct {
		When string `yaml:"when" json:"when"`
		Then *Then  `yaml:"then" json:"then"`
	}

	// Then describes the action taken when a rule matches.
	Then struct {
		// Do is the directive: continue, retry, jump, break or fail.
		Do Directive `yaml:"do" json:"do"`
		// To is the jump target label. Required when Do is jump.
		To string `yaml:"to,omitempty" json:"to,omitempty"`
		// Attempts bounds retries (including the first attempt). Zero uses
		// the engine default.
		Attempts int `yaml:"attempts,omitempty" json:"attempts,omitempty"`
		// Backoff selects the inter-attempt delay curve: none, linear or
		// exponential.
		Backoff Backoff `yaml:"backoff,omitempty" json:"backoff,omitempty"`
		// Delay is the base inter-attempt delay.
		Delay Duration `yaml:"delay,omitempty" json:"delay,omitempty"`
		// SetIter patches iteration-local state. Values may be templates.
		SetIter map[string]any `yaml:"set_iter,omitempty" json:"set_iter,omitempty"`
		// SetCtx patches execution-wide state. Values may be templates.
		SetCtx map[string]any `yaml:"set_ctx,omitempty" json:"set_ctx,omitempty"`
	}

	// Next routes tokens out of a step through guarded arcs.
	Next struct {
		// Spec selects the routing mode.
		Spec NextSpec `yaml:"spec,omitempty" json:"spec,omitempty"`
		// Arcs are the outgoing edges in YAML order.
		Arcs []*Arc `yaml:"arcs" json:"arcs"`
	}

	// NextSpec configures arc selection.
	NextSpec struct {
		// Mode is exclusive (default, first truthy arc fires) or inclusive
		// (every truthy arc fires).
		Mode RouteMode `yaml:"mode,omitempty" json:"mode,omitempty"`
	}

	// Arc is one outgoing routing edge with an optional guard and token
	// payload template.
	Arc struct {
		// Step is the target step name.
		Step string `yaml:"step" json:"step"`
		// When guards the arc. Omitted means always truthy.
		When string `yaml:"when,omitempty" json:"when,omitempty"`
		// Args is the token payload template delivered to the target step.
		Args map[string]any `yaml:"args,omitempty" json:"args,omitempty"`
		// Spec carries arc-level knobs. Opaque to the router.
		Spec map[string]any `yaml:"spec,omitempty" json:"spec,omitempty"`
	}

	// Directive is a pipeline control action produced by task policy.
	Directive string

	// Backoff selects the inter-attempt delay curve for retries.
	Backoff string

	// LoopMode selects sequential or parallel iteration scheduling.
	LoopMode string

	// ExecMode selects local or distributed iteration placement.
	ExecMode string

	// OnError selects step failure semantics for loops.
	OnError string

	// RouteMode selects exclusive or inclusive arc firing.
	RouteMode string
)

// Directive values.
const (
	DirectiveContinue Directive = "continue"
	DirectiveRetry    Directive = "retry"
	DirectiveJump     Directive = "jump"
	DirectiveBreak    Directive = "break"
	DirectiveFail     Directive = "fail"
)

// Backoff values.
const (
	BackoffNone        Backoff = "none"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// LoopMode values.
const (
	LoopSequential LoopMode = "sequential"
	LoopParallel   LoopMode = "parallel"
)

// ExecMode values.
const (
	ExecLocal       ExecMode = "local"
	ExecDistributed ExecMode = "distributed"
)

// OnError values.
const (
	FailFast   OnError = "fail_fast"
	BestEffort OnError = "best_effort"
)

// RouteMode values.
const (
	RouteExclusive RouteMode = "exclusive"
	RouteInclusive RouteMode = "inclusive"
)

// Step returns the step with the given name, or nil.
func (p *Playbook) Step(name string) *Step {
	for _, s := range p.Workflow {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Task returns the pipeline task with the given label, or nil.
func (s *Step) Task(label string) *Task {
	for _, t := range s.Tool {
		if t.Label == label {
			return t
		}
	}
	return nil
}

// HasLoop reports whether the step declares a loop.
func (s *Step) HasLoop() bool { return s.Loop != nil }

// Mode returns the effective loop mode, defaulting to sequential.
func (l *Loop) Mode() LoopMode {
	if l.Spec.Mode == "" {
		return LoopSequential
	}
	return l.Spec.Mode
}

// Exec returns the effective iteration placement, defaulting to local.
func (l *Loop) Exec() ExecMode {
	if l.Spec.Policy.Exec == "" {
		return ExecLocal
	}
	return l.Spec.Policy.Exec
}

// OnError returns the effective loop failure semantics, defaulting to
// fail-fast.
func (l *Loop) OnError() OnError {
	if l.Spec.Policy.OnError == "" {
		return FailFast
	}
	return l.Spec.Policy.OnError
}

// Mode returns the effective routing mode, defaulting to exclusive.
func (n *Next) Mode() RouteMode {
	if n.Spec.Mode == "" {
		return RouteExclusive
	}
	return n.Spec.Mode
}

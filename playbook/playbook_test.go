package playbook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const samplePlaybook = `
apiVersion: noetl.io/v2
kind: Playbook
metadata:
  name: weather
  version: "1.0.0"
workload:
  city: Berlin
keychain:
  - name: api
    kind: env
workbook:
  fetch_city:
    kind: http
    method: GET
    url: "https://api.example.com/weather"
workflow:
  - step: start
    tool:
      - fetch:
          kind: workbook
          name: fetch_city
          spec:
            policy:
              rules:
                - when: 'outcome.http.status in [429, 503]'
                  then:
                    do: retry
                    attempts: 5
                    backoff: exponential
                    delay: 1
      - kind: noop
    next:
      arcs:
        - step: done
          when: 'ctx.ok'
        - step: done
  - step: done
    tool:
      kind: noop
`

func TestParseNormalize(t *testing.T) {
	t.Parallel()

	p, err := Parse([]byte(samplePlaybook))
	require.NoError(t, err)
	p, err = p.Normalize()
	require.NoError(t, err)

	start := p.Step("start")
	require.NotNil(t, start)
	require.Len(t, start.Tool, 2)

	// Labeled task keeps its label; the bare config gets a generated one.
	require.Equal(t, "fetch", start.Tool[0].Label)
	require.Equal(t, "task_2", start.Tool[1].Label)

	// Workbook reference resolved to the template's kind and config.
	fetch := start.Tool[0]
	require.Equal(t, "http", fetch.Kind)
	require.Equal(t, "GET", fetch.Config["method"])

	// The reference's policy spec wins over the template's absent one.
	require.NotNil(t, fetch.Spec)
	rules := fetch.Spec.Policy.Rules
	require.Len(t, rules, 1)
	require.Equal(t, DirectiveRetry, rules[0].Then.Do)
	require.Equal(t, 5, rules[0].Then.Attempts)
	require.Equal(t, BackoffExponential, rules[0].Then.Backoff)
	require.Equal(t, time.Second, rules[0].Then.Delay.Std())

	// The single-mapping shorthand parses to a one-task pipeline.
	done := p.Step("done")
	require.Len(t, done.Tool, 1)
	require.Equal(t, "noop", done.Tool[0].Kind)
}

func TestValidateAcceptsSample(t *testing.T) {
	t.Parallel()

	p, err := Parse([]byte(samplePlaybook))
	require.NoError(t, err)
	p, err = p.Normalize()
	require.NoError(t, err)
	require.NoError(t, p.Validate(nil))
}

func TestValidateRejectsDefects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		doc  string
		kind ErrorKind
	}{
		{
			name: "duplicate step names",
			kind: DuplicateName,
			doc: `
apiVersion: noetl.io/v2
kind: Playbook
metadata: {name: t}
workflow:
  - step: a
    tool: {kind: noop}
  - step: a
    tool: {kind: noop}
`,
		},
		{
			name: "arc targets unknown step",
			kind: UnknownStep,
			doc: `
apiVersion: noetl.io/v2
kind: Playbook
metadata: {name: t}
workflow:
  - step: a
    tool: {kind: noop}
    next:
      arcs:
        - step: missing
`,
		},
		{
			name: "loop missing iterator",
			kind: MissingLoopField,
			doc: `
apiVersion: noetl.io/v2
kind: Playbook
metadata: {name: t}
workflow:
  - step: a
    loop:
      in: 'workload.items'
    tool: {kind: noop}
`,
		},
		{
			name: "deprecated root vars",
			kind: DeprecatedKey,
			doc: `
apiVersion: noetl.io/v2
kind: Playbook
metadata: {name: t}
vars: {x: 1}
workflow:
  - step: a
    tool: {kind: noop}
`,
		},
		{
			name: "deprecated step when",
			kind: DeprecatedKey,
			doc: `
apiVersion: noetl.io/v2
kind: Playbook
metadata: {name: t}
workflow:
  - step: a
    when: 'ctx.x'
    tool: {kind: noop}
`,
		},
		{
			name: "deprecated next_mode",
			kind: DeprecatedKey,
			doc: `
apiVersion: noetl.io/v2
kind: Playbook
metadata: {name: t}
workflow:
  - step: a
    spec: {next_mode: exclusive}
    tool: {kind: noop}
`,
		},
		{
			name: "jump outside pipeline",
			kind: UnknownJumpTarget,
			doc: `
apiVersion: noetl.io/v2
kind: Playbook
metadata: {name: t}
workflow:
  - step: a
    tool:
      - first:
          kind: noop
          spec:
            policy:
              rules:
                - when: 'true'
                  then: {do: jump, to: elsewhere}
`,
		},
		{
			name: "then without directive",
			kind: BadPolicyShape,
			doc: `
apiVersion: noetl.io/v2
kind: Playbook
metadata: {name: t}
workflow:
  - step: a
    tool:
      - first:
          kind: noop
          spec:
            policy:
              rules:
                - when: 'true'
                  then: {attempts: 3}
`,
		},
		{
			name: "wrong apiVersion",
			kind: BadDocument,
			doc: `
apiVersion: noetl.io/v1
kind: Playbook
metadata: {name: t}
workflow:
  - step: a
    tool: {kind: noop}
`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p, err := Parse([]byte(tc.doc))
			require.NoError(t, err)
			err = p.Validate(nil)
			require.Error(t, err)
			var errs ValidationErrors
			require.ErrorAs(t, err, &errs)
			require.True(t, errs.Has(tc.kind), "expected %s in %v", tc.kind, errs)
		})
	}
}

type kindSet map[string]struct{}

func (s kindSet) Registered(kind string) bool { _, ok := s[kind]; return ok }

func TestValidateUnknownKind(t *testing.T) {
	t.Parallel()

	p, err := Parse([]byte(samplePlaybook))
	require.NoError(t, err)
	p, err = p.Normalize()
	require.NoError(t, err)

	err = p.Validate(kindSet{"noop": {}})
	require.Error(t, err)
	var errs ValidationErrors
	require.ErrorAs(t, err, &errs)
	require.True(t, errs.Has(UnknownTaskKind))

	require.NoError(t, p.Validate(kindSet{"noop": {}, "http": {}}))
}

func TestSerializeRoundTrip(t *testing.T) {
	t.Parallel()

	p, err := Parse([]byte(samplePlaybook))
	require.NoError(t, err)
	p, err = p.Normalize()
	require.NoError(t, err)

	out, err := Serialize(p)
	require.NoError(t, err)

	p2, err := Parse(out)
	require.NoError(t, err)
	p2, err = p2.Normalize()
	require.NoError(t, err)

	// Labels are stable across serialize/parse.
	require.Equal(t, "fetch", p2.Step("start").Tool[0].Label)
	require.Equal(t, "task_2", p2.Step("start").Tool[1].Label)

	// Serializing again is a fixed point.
	out2, err := Serialize(p2)
	require.NoError(t, err)
	require.Equal(t, string(out), string(out2))
}

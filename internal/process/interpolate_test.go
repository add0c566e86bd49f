package process

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/trinity/trinity/internal/common/errors"
)

func testRunContext(t *testing.T) *runContext {
	t.Helper()
	rc, err := newRunContext(json.RawMessage(`{
		"ticket": {"id": "T-42", "priority": 3},
		"urgent": true,
		"score": 1.5
	}`))
	require.NoError(t, err)
	rc.setOutput("triage", json.RawMessage(`{"severity": "critical", "count": 2}`))
	return rc
}

func TestInterpolate(t *testing.T) {
	rc := testRunContext(t)

	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"input string", "ticket {{input.ticket.id}}", "ticket T-42"},
		{"input integer renders without decimal", "p={{input.ticket.priority}}", "p=3"},
		{"input float", "s={{input.score}}", "s=1.5"},
		{"input bool", "urgent={{input.urgent}}", "urgent=true"},
		{"step output", "sev: {{steps.triage.output.severity}}", "sev: critical"},
		{"multiple refs", "{{input.ticket.id}}/{{steps.triage.output.count}}", "T-42/2"},
		{"whitespace inside braces", "{{ input.ticket.id }}", "T-42"},
		{"no refs passes through", "plain text", "plain text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rc.interpolate(tt.tmpl)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInterpolateErrors(t *testing.T) {
	rc := testRunContext(t)

	tests := []struct {
		name string
		tmpl string
	}{
		{"missing input key", "{{input.nope}}"},
		{"missing step output", "{{steps.ghost.output.x}}"},
		{"missing output path", "{{steps.triage.output.nope}}"},
		{"bad root", "{{secrets.key}}"},
		{"steps without output segment", "{{steps.triage.severity}}"},
		{"descend into scalar", "{{input.urgent.deeper}}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rc.interpolate(tt.tmpl)
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.CodeInvalidInput))
		})
	}
}

func TestRunContextRejectsNonObjectInput(t *testing.T) {
	_, err := newRunContext(json.RawMessage(`[1, 2, 3]`))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeInvalidInput))

	// Empty input is a valid empty document.
	rc, err := newRunContext(nil)
	require.NoError(t, err)
	_, err = rc.interpolate("{{input.x}}")
	assert.Error(t, err)
}

func TestEvalCondition(t *testing.T) {
	rc := testRunContext(t)

	tests := []struct {
		cond string
		want bool
	}{
		{`{{steps.triage.output.severity}} == "critical"`, true},
		{`{{steps.triage.output.severity}} != "critical"`, false},
		{`{{input.ticket.priority}} > 2`, true},
		{`{{input.ticket.priority}} >= 3`, true},
		{`{{input.ticket.priority}} < 3`, false},
		{`{{input.ticket.priority}} <= 2`, false},
		{`{{input.urgent}}`, true},
		{`{{input.urgent}} == true`, true},
		{`{{input.score}} == 1.5`, true},
		{`{{input.urgent}} && {{input.ticket.priority}} > 1`, true},
		{`{{input.ticket.priority}} > 5 || {{input.urgent}}`, true},
		{`{{input.ticket.priority}} > 5 && {{input.urgent}}`, false},
		// Left-to-right, no precedence: (false || true) && false.
		{`false || true && false`, false},
		{`"a" == "a"`, true},
	}
	for _, tt := range tests {
		t.Run(tt.cond, func(t *testing.T) {
			got, err := rc.evalCondition(tt.cond)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalConditionErrors(t *testing.T) {
	rc := testRunContext(t)

	tests := []struct {
		name string
		cond string
	}{
		{"empty", ""},
		{"bare non-boolean", `{{input.ticket.id}}`},
		{"ordering strings", `"a" < "b"`},
		{"unresolvable ref", `{{steps.ghost.output.x}} == 1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rc.evalCondition(tt.cond)
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.CodeInvalidInput))
		})
	}
}

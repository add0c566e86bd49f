// Package process stores process definitions and runs them: DAG-ordered
// steps across agents with gateways, approvals, and sub-processes.
package process

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	apperrors "github.com/trinity/trinity/internal/common/errors"
)

// refRegexp matches {{input.path}} and {{steps.<id>.output.path}}
// references inside step templates.
var refRegexp = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.-]+)\s*\}\}`)

// runContext is what references resolve against: the run input document
// and the outputs of completed steps. Parallel branches interpolate while
// the run driver records outputs, hence the lock.
type runContext struct {
	mu      sync.RWMutex
	input   map[string]any
	outputs map[string]map[string]any // step id -> output document
}

func newRunContext(input json.RawMessage) (*runContext, error) {
	rc := &runContext{
		input:   map[string]any{},
		outputs: map[string]map[string]any{},
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &rc.input); err != nil {
			return nil, apperrors.InvalidInput("run input is not a JSON object: %v", err)
		}
	}
	return rc, nil
}

func (rc *runContext) setOutput(stepID string, output json.RawMessage) {
	doc := map[string]any{}
	if len(output) > 0 {
		_ = json.Unmarshal(output, &doc)
	}
	rc.mu.Lock()
	rc.outputs[stepID] = doc
	rc.mu.Unlock()
}

// lookup resolves a dotted reference like "input.ticket.id" or
// "steps.triage.output.severity" to its value.
func (rc *runContext) lookup(ref string) (any, error) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	parts := strings.Split(ref, ".")
	switch parts[0] {
	case "input":
		return walk(rc.input, parts[1:], ref)
	case "steps":
		if len(parts) < 3 || parts[2] != "output" {
			return nil, apperrors.InvalidInput("reference %q must use steps.<id>.output.<path>", ref)
		}
		output, ok := rc.outputs[parts[1]]
		if !ok {
			return nil, apperrors.InvalidInput("reference %q names step %q with no output yet", ref, parts[1])
		}
		return walk(output, parts[3:], ref)
	default:
		return nil, apperrors.InvalidInput("reference %q must start with input or steps", ref)
	}
}

func walk(doc any, path []string, ref string) (any, error) {
	current := doc
	for _, key := range path {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, apperrors.InvalidInput("reference %q descends into a non-object", ref)
		}
		current, ok = obj[key]
		if !ok {
			return nil, apperrors.InvalidInput("reference %q has no value at %q", ref, key)
		}
	}
	return current, nil
}

// interpolate replaces every {{...}} reference in the template with its
// resolved value. Non-string values are rendered as JSON.
func (rc *runContext) interpolate(tmpl string) (string, error) {
	var firstErr error
	result := refRegexp.ReplaceAllStringFunc(tmpl, func(match string) string {
		ref := strings.TrimSpace(match[2 : len(match)-2])
		value, err := rc.lookup(ref)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		return renderValue(value)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

func renderValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		// JSON numbers arrive as float64; render integers without the
		// trailing .0.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case bool:
		return fmt.Sprintf("%t", v)
	case nil:
		return ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

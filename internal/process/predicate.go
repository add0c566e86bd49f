package process

import (
	"strconv"
	"strings"

	apperrors "github.com/trinity/trinity/internal/common/errors"
)

// Gateway conditions are deliberately small: comparisons joined by && and
// ||, evaluated left to right, no parentheses. Operands are references,
// quoted strings, numbers, or booleans.
//
//	{{steps.triage.output.severity}} == "critical" && {{input.urgent}} == true

func (rc *runContext) evalCondition(condition string) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return false, apperrors.InvalidInput("gateway condition is empty")
	}

	// Split on && and || while remembering the operator order.
	type clause struct {
		text string
		op   string // operator joining this clause to the previous result
	}
	var clauses []clause
	rest := condition
	op := ""
	for {
		andIdx := strings.Index(rest, "&&")
		orIdx := strings.Index(rest, "||")
		cut := -1
		next := ""
		switch {
		case andIdx >= 0 && (orIdx < 0 || andIdx < orIdx):
			cut, next = andIdx, "&&"
		case orIdx >= 0:
			cut, next = orIdx, "||"
		}
		if cut < 0 {
			clauses = append(clauses, clause{text: rest, op: op})
			break
		}
		clauses = append(clauses, clause{text: rest[:cut], op: op})
		rest = rest[cut+2:]
		op = next
	}

	result := false
	for i, c := range clauses {
		value, err := rc.evalComparison(strings.TrimSpace(c.text))
		if err != nil {
			return false, err
		}
		switch {
		case i == 0:
			result = value
		case c.op == "&&":
			result = result && value
		default:
			result = result || value
		}
	}
	return result, nil
}

var comparisonOps = []string{"==", "!=", "<=", ">=", "<", ">"}

func (rc *runContext) evalComparison(expr string) (bool, error) {
	for _, op := range comparisonOps {
		idx := strings.Index(expr, op)
		if idx < 0 {
			continue
		}
		left, err := rc.evalOperand(strings.TrimSpace(expr[:idx]))
		if err != nil {
			return false, err
		}
		right, err := rc.evalOperand(strings.TrimSpace(expr[idx+len(op):]))
		if err != nil {
			return false, err
		}
		return compare(left, right, op, expr)
	}
	// A bare operand: truthy when it is the boolean true.
	value, err := rc.evalOperand(expr)
	if err != nil {
		return false, err
	}
	b, ok := value.(bool)
	if !ok {
		return false, apperrors.InvalidInput("condition term %q is not a comparison or boolean", expr)
	}
	return b, nil
}

func (rc *runContext) evalOperand(token string) (any, error) {
	switch {
	case token == "":
		return nil, apperrors.InvalidInput("empty operand in gateway condition")
	case strings.HasPrefix(token, "{{"):
		resolved, err := rc.interpolate(token)
		if err != nil {
			return nil, err
		}
		// Re-read the rendered value so numbers and booleans compare
		// numerically rather than as text.
		return parseLiteral(resolved), nil
	case strings.HasPrefix(token, `"`) && strings.HasSuffix(token, `"`) && len(token) >= 2:
		return token[1 : len(token)-1], nil
	default:
		return parseLiteral(token), nil
	}
}

func parseLiteral(token string) any {
	switch token {
	case "true":
		return true
	case "false":
		return false
	}
	if f, err := strconv.ParseFloat(token, 64); err == nil {
		return f
	}
	return token
}

func compare(left, right any, op, expr string) (bool, error) {
	lf, lNum := left.(float64)
	rf, rNum := right.(float64)
	if lNum && rNum {
		switch op {
		case "==":
			return lf == rf, nil
		case "!=":
			return lf != rf, nil
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}

	switch op {
	case "==":
		return renderValue(left) == renderValue(right), nil
	case "!=":
		return renderValue(left) != renderValue(right), nil
	default:
		return false, apperrors.InvalidInput(
			"condition %q orders non-numeric operands with %s", expr, op)
	}
}

package plan

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Eval evaluates a restricted expression language against state: literals,
// dotted paths into state (e.g. "data.status"), comparisons, and a small
// function set. This is the condition context spec.md §4.4 calls "a
// restricted capability set exposing only pure inspection primitives over
// state" — no mutation, no I/O, no arbitrary code.
func Eval(expr string, state State) (any, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("empty expression")
	}

	if strings.HasPrefix(expr, "!") {
		val, err := Eval(expr[1:], state)
		if err != nil {
			return nil, err
		}
		return !truthy(val), nil
	}

	for _, op := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		if parts := splitOnce(expr, op); len(parts) == 2 {
			left, err := Eval(parts[0], state)
			if err != nil {
				return nil, err
			}
			right, err := Eval(parts[1], state)
			if err != nil {
				return nil, err
			}
			return compare(left, right, op), nil
		}
	}

	if strings.HasPrefix(expr, "length(") && strings.HasSuffix(expr, ")") {
		val, err := Eval(strings.TrimSuffix(strings.TrimPrefix(expr, "length("), ")"), state)
		if err != nil {
			return nil, err
		}
		switch v := val.(type) {
		case []any:
			return len(v), nil
		case string:
			return len(v), nil
		case map[string]any:
			return len(v), nil
		default:
			return 0, nil
		}
	}

	if strings.HasPrefix(expr, "'") && strings.HasSuffix(expr, "'") && len(expr) >= 2 {
		return strings.Trim(expr, "'"), nil
	}
	if strings.HasPrefix(expr, "\"") && strings.HasSuffix(expr, "\"") && len(expr) >= 2 {
		return strings.Trim(expr, "\""), nil
	}
	if expr == "true" {
		return true, nil
	}
	if expr == "false" {
		return false, nil
	}
	if n, err := strconv.ParseFloat(expr, 64); err == nil {
		return n, nil
	}
	if !isValidPath(expr) {
		return nil, fmt.Errorf("invalid expression: %q", expr)
	}
	return resolvePath(expr, state), nil
}

// CompileCondition turns a condition expression into a Predicate closed over
// Eval, failing synchronously if the expression can never parse (e.g. an
// operator with no valid operands on either side), per spec.md §4.4.
func CompileCondition(expr string) (Predicate, error) {
	if _, err := Eval(expr, State{}); err != nil {
		return nil, fmt.Errorf("invalid condition %q: %w", expr, err)
	}
	return func(state State) (bool, error) {
		val, err := Eval(expr, state)
		if err != nil {
			return false, err
		}
		return truthy(val), nil
	}, nil
}

func isValidPath(path string) bool {
	if path == "" {
		return false
	}
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return false
		}
		for _, r := range part {
			if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
				return false
			}
		}
	}
	return true
}

func resolvePath(path string, state State) any {
	parts := strings.Split(path, ".")
	var cur any = map[string]any(state)
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[p]
	}
	return cur
}

func splitOnce(expr, op string) []string {
	idx := strings.Index(expr, op)
	if idx < 0 {
		return nil
	}
	return []string{strings.TrimSpace(expr[:idx]), strings.TrimSpace(expr[idx+len(op):])}
}

func compare(a, b any, op string) bool {
	switch av := a.(type) {
	case float64:
		return cmpFloat(av, toFloat(b), op)
	case string:
		if bs, ok := b.(string); ok {
			return cmpString(av, bs, op)
		}
	}
	switch op {
	case "==":
		return fmt.Sprint(a) == fmt.Sprint(b)
	case "!=":
		return fmt.Sprint(a) != fmt.Sprint(b)
	default:
		return false
	}
}

func cmpFloat(a, b float64, op string) bool {
	switch op {
	case "==":
		return a == b
	case "!=":
		return a != b
	case ">":
		return a > b
	case "<":
		return a < b
	case ">=":
		return a >= b
	case "<=":
		return a <= b
	default:
		return false
	}
}

func cmpString(a, b, op string) bool {
	switch op {
	case "==":
		return a == b
	case "!=":
		return a != b
	case ">":
		return a > b
	case "<":
		return a < b
	case ">=":
		return a >= b
	case "<=":
		return a <= b
	default:
		return false
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f
		}
	}
	return 0
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	default:
		return true
	}
}

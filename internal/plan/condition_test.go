package plan

import (
	"fmt"
	"testing"
)

func TestEvalLiteralsAndPaths(t *testing.T) {
	state := State{"data": map[string]any{"status": "ready", "count": 10.0}, "index": 2.0}
	cases := []struct {
		expr string
		want any
	}{
		{"true", true},
		{"false", false},
		{"42", float64(42)},
		{"'hi'", "hi"},
		{"data.status", "ready"},
		{"data.count", float64(10)},
		{"data.count == 10", true},
		{"data.count > 5", true},
		{"data.count < 5", false},
		{"!false", true},
		{"index == 2", true},
	}
	for _, c := range cases {
		got, err := Eval(c.expr, state)
		if err != nil {
			t.Fatalf("expr %q: %v", c.expr, err)
		}
		if fmt.Sprint(got) != fmt.Sprint(c.want) {
			t.Fatalf("expr %q: want %v got %v", c.expr, c.want, got)
		}
	}
}

func TestEvalLength(t *testing.T) {
	state := State{"items": []any{1.0, 2.0, 3.0}}
	got, err := Eval("length(items)", state)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if got != 3 {
		t.Fatalf("want 3, got %v", got)
	}
}

func TestEvalAbsentPathIsNilNotError(t *testing.T) {
	got, err := Eval("data.missing", State{})
	if err != nil {
		t.Fatalf("absent path should not error, got %v", err)
	}
	if got != nil {
		t.Fatalf("want nil, got %v", got)
	}
}

func TestEvalInvalidExpressionErrors(t *testing.T) {
	if _, err := Eval("!!!not valid", State{}); err == nil {
		t.Fatal("expected error for malformed expression")
	}
}

func TestCompileConditionRejectsMalformed(t *testing.T) {
	if _, err := CompileCondition("!!!not valid"); err == nil {
		t.Fatal("expected compile error for malformed condition")
	}
}

func TestCompileConditionEvaluatesAgainstState(t *testing.T) {
	pred, err := CompileCondition("data.status == 'ready'")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	ok, err := pred(State{"data": map[string]any{"status": "ready"}})
	if err != nil {
		t.Fatalf("predicate: %v", err)
	}
	if !ok {
		t.Fatal("expected predicate to be true")
	}
	ok, err = pred(State{"data": map[string]any{"status": "pending"}})
	if err != nil {
		t.Fatalf("predicate: %v", err)
	}
	if ok {
		t.Fatal("expected predicate to be false")
	}
}

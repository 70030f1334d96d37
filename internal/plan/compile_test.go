package plan

import (
	"encoding/json"
	"testing"
)

func TestCompileAssignsIDsAndLinksNext(t *testing.T) {
	raw := &ExecutionPlan{
		ID: "plan-1",
		Jobs: []JobSpec{
			{Expression: json.RawMessage(`"fn(state)"`), Next: json.RawMessage(`"job-2"`)},
			{ID: "job-2", Expression: json.RawMessage(`"fn(state)"`)},
		},
	}
	compiled, err := Compile(raw)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if compiled.Start != "job-1" {
		t.Fatalf("want start job-1, got %q", compiled.Start)
	}
	first, ok := compiled.Jobs["job-1"]
	if !ok {
		t.Fatal("expected job-1 to be present")
	}
	if _, ok := first.Next["job-2"]; !ok {
		t.Fatal("expected job-1 -> job-2 edge")
	}
	if compiled.Jobs["job-2"].Previous != "job-1" {
		t.Fatalf("want job-2.previous == job-1, got %q", compiled.Jobs["job-2"].Previous)
	}
}

func TestCompileConditionalEdges(t *testing.T) {
	raw := &ExecutionPlan{
		ID: "plan-1",
		Jobs: []JobSpec{
			{ID: "a", Expression: json.RawMessage(`"fn(state)"`), Next: json.RawMessage(`{"b": {"condition": "data.ok == true"}}`)},
			{ID: "b", Expression: json.RawMessage(`"fn(state)"`)},
		},
	}
	compiled, err := Compile(raw)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	edge, ok := compiled.Jobs["a"].Next["b"]
	if !ok || edge.Condition == nil {
		t.Fatal("expected conditional edge a -> b")
	}
	ok2, err := edge.Condition(State{"data": map[string]any{"ok": true}})
	if err != nil || !ok2 {
		t.Fatalf("expected condition to hold, err=%v ok=%v", err, ok2)
	}
}

func TestCompileRejectsUnknownEdgeTarget(t *testing.T) {
	raw := &ExecutionPlan{
		ID: "plan-1",
		Jobs: []JobSpec{
			{ID: "a", Expression: json.RawMessage(`"fn(state)"`), Next: json.RawMessage(`"missing"`)},
		},
	}
	if _, err := Compile(raw); err == nil {
		t.Fatal("expected error for edge referencing unknown job")
	}
}

func TestCompileRejectsCycles(t *testing.T) {
	raw := &ExecutionPlan{
		ID: "plan-1",
		Jobs: []JobSpec{
			{ID: "a", Expression: json.RawMessage(`"fn(state)"`), Next: json.RawMessage(`"b"`)},
			{ID: "b", Expression: json.RawMessage(`"fn(state)"`), Next: json.RawMessage(`"a"`)},
		},
	}
	if _, err := Compile(raw); err == nil {
		t.Fatal("expected cycle detection error")
	}
}

func TestCompileIsIdempotent(t *testing.T) {
	raw := &ExecutionPlan{
		ID: "plan-1",
		Jobs: []JobSpec{
			{ID: "a", Expression: json.RawMessage(`"fn(state)"`), Next: json.RawMessage(`"b"`)},
			{ID: "b", Expression: json.RawMessage(`"fn(state)"`)},
		},
	}
	first, err := Compile(raw)
	if err != nil {
		t.Fatalf("first compile: %v", err)
	}
	second, err := Compile(raw)
	if err != nil {
		t.Fatalf("second compile: %v", err)
	}
	if first.Start != second.Start || len(first.Jobs) != len(second.Jobs) {
		t.Fatal("expected compiling the same raw plan twice to produce equivalent structure")
	}
}

func TestValidateWireShapeRejectsMissingJobs(t *testing.T) {
	if err := ValidateWireShape(json.RawMessage(`{"id": "plan-1"}`)); err == nil {
		t.Fatal("expected schema validation error for missing jobs")
	}
}

func TestValidateWireShapeAcceptsMinimalPlan(t *testing.T) {
	raw := json.RawMessage(`{"id": "plan-1", "jobs": [{"expression": "fn(state)"}]}`)
	if err := ValidateWireShape(raw); err != nil {
		t.Fatalf("expected valid plan to pass, got %v", err)
	}
}

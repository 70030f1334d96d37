package plan

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Compile normalises a raw ExecutionPlan into a CompiledExecutionPlan,
// assigning job ids, compiling edge conditions, and linking `previous`
// pointers — spec.md §4.4, steps 1-6.
func Compile(raw *ExecutionPlan) (*CompiledExecutionPlan, error) {
	if raw == nil {
		return nil, fmt.Errorf("plan is nil")
	}

	jobs := make(map[string]*CompiledJob, len(raw.Jobs))
	order := make([]string, 0, len(raw.Jobs))
	autoSeq := 0

	for _, js := range raw.Jobs {
		id := js.ID
		if id == "" {
			autoSeq++
			id = fmt.Sprintf("job-%d", autoSeq)
		}
		jobs[id] = &CompiledJob{
			ID:            id,
			Expression:    js.Expression,
			State:         js.State,
			Configuration: js.Configuration,
			Adaptor:       js.Adaptor,
		}
		order = append(order, id)
	}

	start := raw.Start
	if start == "" && len(order) > 0 {
		start = order[0]
	}
	if start != "" {
		if _, ok := jobs[start]; !ok {
			return nil, fmt.Errorf("plan compile: start job %q not found", start)
		}
	}

	var errs []string
	for i, js := range raw.Jobs {
		id := order[i]
		next, err := compileEdges(id, js.Next)
		if err != nil {
			if list, ok := err.(compileErrors); ok {
				errs = append(errs, list...)
				continue
			}
			return nil, err
		}
		jobs[id].Next = next
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(errs, "\n\n"))
	}

	// Every job referenced by a next edge must exist; at most one previous
	// per node (spec.md §3 invariants).
	for fromID, job := range jobs {
		for toID := range job.Next {
			target, ok := jobs[toID]
			if !ok {
				return nil, fmt.Errorf("plan compile: edge from %q references unknown job %q", fromID, toID)
			}
			if target.Previous != "" && target.Previous != fromID {
				return nil, fmt.Errorf("plan compile: job %q has more than one upstream parent (%q and %q)", toID, target.Previous, fromID)
			}
			target.Previous = fromID
		}
	}

	if err := checkAcyclic(jobs, start); err != nil {
		return nil, err
	}

	return &CompiledExecutionPlan{Start: start, Jobs: jobs}, nil
}

// compileErrors carries accumulated edge-compile failures distinctly from a
// fatal error, per spec.md §4.4 step 5 (the outer handler must tell the two
// apart).
type compileErrors []string

func (e compileErrors) Error() string { return strings.Join(e, "; ") }

// compileEdges turns a JobSpec's raw `next` value into compiled edges.
func compileEdges(from string, raw json.RawMessage) (map[string]Edge, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	// A bare string names a single unconditional successor.
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return map[string]Edge{single: {}}, nil
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("plan compile: job %q has malformed next edges: %w", from, err)
	}

	out := make(map[string]Edge, len(entries))
	var errs compileErrors
	for targetID, rawEdge := range entries {
		var asBool bool
		if err := json.Unmarshal(rawEdge, &asBool); err == nil {
			if asBool {
				out[targetID] = Edge{}
			} else {
				out[targetID] = Edge{Condition: func(State) (bool, error) { return false, nil }}
			}
			continue
		}

		var asString string
		if err := json.Unmarshal(rawEdge, &asString); err == nil {
			pred, err := CompileCondition(asString)
			if err != nil {
				errs = append(errs, fmt.Sprintf("job %q -> %q: %v", from, targetID, err))
				continue
			}
			out[targetID] = Edge{Condition: pred}
			continue
		}

		var asObject struct {
			Condition *string `json:"condition"`
		}
		if err := json.Unmarshal(rawEdge, &asObject); err != nil {
			errs = append(errs, fmt.Sprintf("job %q -> %q: unrecognised edge shape: %v", from, targetID, err))
			continue
		}
		if asObject.Condition == nil {
			out[targetID] = Edge{}
			continue
		}
		pred, err := CompileCondition(*asObject.Condition)
		if err != nil {
			errs = append(errs, fmt.Sprintf("job %q -> %q: %v", from, targetID, err))
			continue
		}
		out[targetID] = Edge{Condition: pred}
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return out, nil
}

// checkAcyclic validates the plan graph has no structural cycles. The
// source assumes single-upstream-parent trees; per spec.md REDESIGN FLAGS
// this reimplementation validates acyclicity explicitly via DFS coloring
// rather than assuming the input is well-formed.
func checkAcyclic(jobs map[string]*CompiledJob, start string) error {
	const (
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(jobs))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return fmt.Errorf("plan compile: cycle detected at job %q", id)
		case black:
			return nil
		}
		color[id] = gray
		if job, ok := jobs[id]; ok {
			for next := range job.Next {
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	if start != "" {
		if err := visit(start); err != nil {
			return err
		}
	}
	for id := range jobs {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// Package plan normalises a coordinator-supplied ExecutionPlan into a
// canonical CompiledExecutionPlan keyed by job id, compiling edge
// conditions into callable predicates (spec.md §3, §4.4).
package plan

import "encoding/json"

// State is the opaque mapping threaded through every operation. Well-known
// slots are configuration, data, references, index (spec.md §3).
type State map[string]any

// Clone performs the JSON round-trip deep copy used for immutable-state mode.
// Lossy for values JSON cannot represent; intentional, matching the source.
func (s State) Clone() (State, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out State
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Edge is either a plain successor (`true`) or a conditional successor
// carrying a compiled predicate.
type Edge struct {
	Condition Predicate
}

// Predicate inspects state and returns whether an edge should fire. Compiled
// edge conditions have this shape.
type Predicate func(state State) (bool, error)

// JobSpec is one raw job entry in an ExecutionPlan, before compilation.
type JobSpec struct {
	ID            string            `json:"id,omitempty"`
	Expression    json.RawMessage   `json:"expression"`
	State         State             `json:"state,omitempty"`
	Configuration map[string]any    `json:"configuration,omitempty"`
	Adaptor       string            `json:"adaptor,omitempty"`
	Next          json.RawMessage   `json:"next,omitempty"`
}

// ExecutionPlan is the raw, coordinator-supplied workflow description
// (spec.md §3).
type ExecutionPlan struct {
	ID           string          `json:"id"`
	InitialState json.RawMessage `json:"initialState"`
	Jobs         []JobSpec       `json:"jobs"`
	Start        string          `json:"start,omitempty"`
}

// InitialStateDataclipID returns the dataclip id when InitialState is a bare
// JSON string, and ok=false otherwise (it's an inline state value).
func (p *ExecutionPlan) InitialStateDataclipID() (id string, ok bool) {
	if len(p.InitialState) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(p.InitialState, &s); err != nil {
		return "", false
	}
	return s, true
}

// CompiledJob is one node in the canonical compiled plan (spec.md §3).
type CompiledJob struct {
	ID            string
	Expression    json.RawMessage
	State         State
	Configuration map[string]any
	Adaptor       string
	Next          map[string]Edge
	Previous      string
}

// CompiledExecutionPlan is the canonical, directed form produced by Compile.
type CompiledExecutionPlan struct {
	Start string
	Jobs  map[string]*CompiledJob
}

// Package runner executes a compiled operation chain against attempt state
// inside a sandboxed environment, wrapping each step with the log/clock/
// clone/invoke/await ceremony spec.md §4.2 requires of a runner.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/cordum/lightning-worker/internal/logging"
	"github.com/cordum/lightning-worker/internal/plan"
	"github.com/cordum/lightning-worker/internal/workerrors"
)

// DefaultTimeout is armed around the whole composed run unless overridden
// by Options.Timeout.
const DefaultTimeout = 5 * time.Minute

// Operation is one step in a chain: state in, state (or error) out. A wazero
// module's exported functions are adapted to this shape by Module.Chain;
// tests can supply Operations directly without touching wazero at all.
type Operation func(ctx context.Context, state plan.State) (plan.State, error)

// Chain is the ordered operation list produced by resolving an expression's
// module, or supplied directly as a precompiled OperationList.
type Chain []Operation

// Reducer composes a Chain into a single state transition. The default
// reducer threads operations sequentially; a module's optional `execute`
// export replaces it.
type Reducer func(ctx context.Context, ops Chain, initial plan.State) (plan.State, error)

// Options controls one run.
type Options struct {
	Timeout      time.Duration
	Immutable    bool
	Strict       bool
	ForceSandbox bool
	StateProps   []string // WORKER_STATE_PROPS_TO_REMOVE, stripped before returning
}

// Request bundles everything Run needs for a single attempt/job execution.
type Request struct {
	Chain       Chain
	Precompiled bool // true when Chain was supplied directly rather than resolved from an expression
	Reducer     Reducer
	State       plan.State
	Options     Options
}

// Run executes req.Chain against req.State under a single wall-clock
// timeout, per spec.md §4.2 steps 3-5.
func Run(ctx context.Context, log logging.Logger, req Request) (plan.State, error) {
	if req.Options.ForceSandbox && req.Precompiled {
		return nil, workerrors.Invariant("forceSandbox forbids accepting a precompiled operation list")
	}

	reducer := req.Reducer
	if reducer == nil {
		reducer = DefaultReducer
	}

	wrapped := make(Chain, len(req.Chain))
	for i, op := range req.Chain {
		wrapped[i] = wrapOperation(log, req.Options.Immutable, i, op)
	}

	timeout := req.Options.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		state plan.State
		err   error
	}
	done := make(chan result, 1)
	go func() {
		state, err := reducer(runCtx, wrapped, req.State)
		done <- result{state, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, workerrors.Runtime("operation chain failed", r.err)
		}
		return finalize(r.state, req.Options)
	case <-runCtx.Done():
		return nil, workerrors.Timeout("run exceeded timeout")
	}
}

// DefaultReducer threads operations sequentially: op_n(await op_{n-1}(...)).
func DefaultReducer(ctx context.Context, ops Chain, initial plan.State) (plan.State, error) {
	state := initial
	for _, op := range ops {
		var err error
		state, err = op(ctx, state)
		if err != nil {
			return nil, err
		}
	}
	return state, nil
}

func wrapOperation(log logging.Logger, immutable bool, index int, op Operation) Operation {
	return func(ctx context.Context, state plan.State) (plan.State, error) {
		opLog := log.With("operation_index", index)
		opLog.Debug("operation start")
		logLine(ctx, "debug", fmt.Sprintf("operation %d start", index))
		start := time.Now()

		in := state
		if immutable {
			cloned, err := state.Clone()
			if err != nil {
				return nil, workerrors.Runtime("failed to clone state", err)
			}
			in = cloned
		}

		out, err := op(ctx, in)
		elapsed := time.Since(start)
		opLog.Debug("operation duration", "elapsed_ms", elapsed.Milliseconds())
		logLine(ctx, "debug", fmt.Sprintf("operation %d finished in %s", index, elapsed))
		if err != nil {
			logLine(ctx, "error", err.Error())
			return nil, err
		}
		return out, nil
	}
}

// logLine forwards one line to the attempt's log sink, if the calling
// context carries one (plan.WithLogSink) — wiring a sandboxed operation's
// log output into ATTEMPT_LOG without this package knowing about channels.
func logLine(ctx context.Context, level, message string) {
	sink, ok := plan.LogSinkFromContext(ctx)
	if !ok {
		return
	}
	sink(level, message)
}

// finalize applies strict projection or a JSON round-trip, then strips any
// configured state properties, per spec.md §4.2 step 5.
func finalize(state plan.State, opts Options) (plan.State, error) {
	var out plan.State
	if opts.Strict {
		out = projectStrict(state)
	} else {
		cloned, err := state.Clone()
		if err != nil {
			return nil, workerrors.Runtime("failed to serialise final state", err)
		}
		out = cloned
	}
	return StripProps(out, opts.StateProps), nil
}

func projectStrict(state plan.State) plan.State {
	out := plan.State{}
	for _, key := range []string{"data", "error", "references"} {
		if v, ok := state[key]; ok {
			out[key] = v
		}
	}
	return out
}

// StripProps removes the named top-level keys from state before it is
// shipped as an output dataclip (WORKER_STATE_PROPS_TO_REMOVE).
func StripProps(state plan.State, props []string) plan.State {
	if len(props) == 0 || state == nil {
		return state
	}
	for _, p := range props {
		delete(state, p)
	}
	return state
}

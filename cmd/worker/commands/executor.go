package commands

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cordum/lightning-worker/internal/config"
	"github.com/cordum/lightning-worker/internal/logging"
	"github.com/cordum/lightning-worker/internal/plan"
	"github.com/cordum/lightning-worker/internal/runner"
	"github.com/cordum/lightning-worker/internal/workerrors"
)

// wasmExecutor backs engine.CallWorker with a real sandboxed run: it
// resolves a job's expression into a compiled module and runs its
// operation chain through runner.Run. Turning adaptor/expression source
// into a wasm module is an opaque capability a production worker delegates
// to its build pipeline; here the expression is taken to already be the
// base64-encoded wasm bytes, which keeps this wiring exercising the real
// sandbox without reimplementing a compiler.
type wasmExecutor struct {
	loader *runner.Loader
	cfg    *config.Config
	log    logging.Logger
}

func newWasmExecutor(loader *runner.Loader, cfg *config.Config) *wasmExecutor {
	return &wasmExecutor{loader: loader, cfg: cfg, log: logging.For("executor")}
}

func (e *wasmExecutor) Execute(ctx context.Context, job *plan.CompiledJob, state plan.State) (plan.State, error) {
	wasmBytes, err := decodeExpression(job.Expression)
	if err != nil {
		return nil, workerrors.Compile(fmt.Sprintf("job %q: failed to decode expression", job.ID), err)
	}

	cacheKey := job.Adaptor
	if cacheKey == "" {
		cacheKey = job.ID
	}

	module, err := e.loader.CompileCached(ctx, cacheKey, wasmBytes)
	if err != nil {
		return nil, workerrors.Compile(fmt.Sprintf("job %q: failed to compile operation module", job.ID), err)
	}

	chain, err := module.Chain(ctx)
	if err != nil {
		return nil, workerrors.Compile(fmt.Sprintf("job %q: failed to resolve operation chain", job.ID), err)
	}

	req := runner.Request{
		Chain:   chain,
		Reducer: module.Reducer(),
		State:   state,
		Options: runner.Options{
			Timeout:    time.Duration(e.cfg.MaxRunDurationSecs) * time.Second,
			StateProps: e.cfg.StatePropsToRemove,
		},
	}

	return runner.Run(ctx, e.log.With("job_id", job.ID), req)
}

// decodeExpression accepts either a bare base64 string or a JSON string
// wrapping one; both shapes show up depending on whether the coordinator
// round-tripped the expression through a JSON field or sent it raw.
func decodeExpression(raw json.RawMessage) ([]byte, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		s = string(raw)
	}
	return base64.StdEncoding.DecodeString(s)
}

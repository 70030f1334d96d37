// Package attemptctx runs one compiled execution plan to completion for a
// single attempt, translating its lifecycle into the channel push sequence
// spec.md §4.3 specifies.
package attemptctx

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/cordum/lightning-worker/internal/channel"
	"github.com/cordum/lightning-worker/internal/logging"
	"github.com/cordum/lightning-worker/internal/plan"
	"github.com/cordum/lightning-worker/internal/workerrors"
)

// JobExecutor runs one compiled job's operation chain against state and
// returns the resulting state. Production wiring backs this with
// internal/runner.Run; tests can supply a bare function.
type JobExecutor func(ctx context.Context, job *plan.CompiledJob, state plan.State) (plan.State, error)

// Channel is the subset of *channel.Channel the context depends on, so tests
// can substitute a fake without a real websocket.
type Channel interface {
	Push(event string, payload any) (*channel.Ack, error)
	GetWithReply(event string, payload any, out any) error
}

// Tracer is the subset of *tracing.Tracer a Context needs to span job runs.
// A narrow interface so attemptctx never imports the otel SDK directly.
type Tracer interface {
	StartRun(ctx context.Context, runID, jobID string) (context.Context, RunSpan)
}

// RunSpan is the subset of trace.Span a run-level fix-up needs.
type RunSpan interface {
	RecordFailure(errCode string, err error)
	RecordSuccess()
	End()
}

// Context runs a single attempt: one compiled plan, one channel, one set of
// accumulated dataclips.
type Context struct {
	AttemptID string
	Plan      *plan.CompiledExecutionPlan
	Ch        Channel
	Execute   JobExecutor
	Log       logging.Logger
	Tracer    Tracer // nil disables run spans

	// OnEvent, if set, is called for each of the runner's lifecycle events
	// ("workflow-start", "job-start", "job-complete", "workflow-complete")
	// before the corresponding channel push — the hook the Engine uses to
	// feed its per-workflow emitter (spec.md §4.5).
	OnEvent func(event string, payload any)

	mu        sync.Mutex
	dataclips map[string]plan.State
	result    string
}

// New constructs a Context for one attempt.
func New(attemptID string, compiled *plan.CompiledExecutionPlan, ch Channel, exec JobExecutor) *Context {
	return &Context{
		AttemptID: attemptID,
		Plan:      compiled,
		Ch:        ch,
		Execute:   exec,
		Log:       logging.For("attemptctx").With("attempt_id", attemptID),
		dataclips: make(map[string]plan.State),
	}
}

// ResolveInitialState fetches the dataclip named by rawInitialState when it
// is a bare string id, or decodes it as inline state otherwise (spec.md
// §4.3, §4.4).
func (c *Context) ResolveInitialState(rawInitialState json.RawMessage) (plan.State, error) {
	var id string
	if err := json.Unmarshal(rawInitialState, &id); err == nil {
		var raw json.RawMessage
		if err := c.Ch.GetWithReply(channel.EventGetDataclip, channel.GetDataclipRequest{ID: id}, &raw); err != nil {
			return nil, workerrors.Protocol("failed to fetch initial dataclip", err)
		}
		var state plan.State
		if err := json.Unmarshal(raw, &state); err != nil {
			return nil, workerrors.Protocol("initial dataclip was not valid JSON", err)
		}
		return state, nil
	}

	var state plan.State
	if len(rawInitialState) > 0 {
		if err := json.Unmarshal(rawInitialState, &state); err != nil {
			return nil, workerrors.Protocol("inline initial state was not valid JSON", err)
		}
	}
	if state == nil {
		state = plan.State{}
	}
	return state, nil
}

// ResolveCredential exposes a lazy GET_CREDENTIAL resolver for user code,
// invoked on demand rather than eagerly (spec.md §4.3). The wasm host module
// calls through to this on a guest's get_credential import.
func (c *Context) ResolveCredential(id string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.Ch.GetWithReply(channel.EventGetCredential, channel.GetCredentialRequest{ID: id}, &raw); err != nil {
		return nil, workerrors.Protocol(fmt.Sprintf("failed to fetch credential %q", id), err)
	}
	return raw, nil
}

// Run walks the compiled plan from its start node, executing each job and
// following every edge whose condition (if any) holds against the resulting
// state. A job with more than one satisfied successor fans out into one
// branch per successor, each working against its own cloned state; result
// ends up reflecting whichever branch's last job finished last (spec.md §9).
// Any error terminating the attempt, including a failed ATTEMPT_START push,
// is followed by an attempt at a synthetic ATTEMPT_COMPLETE carrying a
// failure reason rather than leaving the coordinator hanging.
func (c *Context) Run(ctx context.Context, initialState plan.State) error {
	c.emit("workflow-start", nil)
	if _, err := c.Ch.Push(channel.EventAttemptStart, struct{}{}); err != nil {
		return c.completeWithFailure(workerrors.Protocol("failed to push attempt_start", err))
	}

	runErr := c.runBranch(ctx, c.Plan.Start, initialState)
	return c.finish(runErr)
}

// finish always routes the attempt to a terminal ATTEMPT_COMPLETE push,
// whichever way runBranch ended.
func (c *Context) finish(runErr error) error {
	if runErr != nil {
		return c.completeWithFailure(runErr)
	}
	return c.complete()
}

// runBranch executes jobID and recurses into every successor whose edge
// condition holds. Zero successors ends the branch; exactly one continues
// inline; more than one fans out into goroutines, each given its own cloned
// state, joined with the first error any of them returns.
func (c *Context) runBranch(ctx context.Context, jobID string, state plan.State) error {
	for {
		if jobID == "" {
			return nil
		}

		job, ok := c.Plan.Jobs[jobID]
		if !ok {
			return workerrors.Invariant(fmt.Sprintf("compiled plan references unknown job %q", jobID))
		}

		next, err := c.executeJob(ctx, job, state)
		if err != nil {
			return err
		}
		state = next

		targets, err := nextJobs(job, state)
		if err != nil {
			return err
		}

		switch len(targets) {
		case 0:
			return nil
		case 1:
			jobID = targets[0]
			continue
		default:
			return c.runFanOut(ctx, targets, state)
		}
	}
}

// runFanOut runs targets concurrently, each against its own clone of state,
// returning the first error encountered across every branch.
func (c *Context) runFanOut(ctx context.Context, targets []string, state plan.State) error {
	errCh := make(chan error, len(targets))
	var wg sync.WaitGroup
	for _, target := range targets {
		branchState, err := state.Clone()
		if err != nil {
			return workerrors.Runtime("failed to clone state for branch fan-out", err)
		}
		wg.Add(1)
		go func(target string, branchState plan.State) {
			defer wg.Done()
			errCh <- c.runBranch(ctx, target, branchState)
		}(target, branchState)
	}
	wg.Wait()
	close(errCh)

	var first error
	for err := range errCh {
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

// executeJob runs one job's operation chain and pushes RUN_START/RUN_COMPLETE
// around it, recording the resulting dataclip as the attempt's latest result.
func (c *Context) executeJob(ctx context.Context, job *plan.CompiledJob, state plan.State) (plan.State, error) {
	runID := uuid.NewString()
	c.Log.Info("job start", "job_id", job.ID, "run_id", runID)
	c.emit("job-start", job.ID)

	runCtx := ctx
	var span RunSpan
	if c.Tracer != nil {
		runCtx, span = c.Tracer.StartRun(ctx, runID, job.ID)
	}

	runCtx = plan.WithLogSink(runCtx, func(level, message string) {
		if err := c.PushLog(channel.AttemptLogPayload{Level: level, Message: message}, runID); err != nil {
			c.Log.Error("failed to forward operation log", err, "job_id", job.ID, "run_id", runID)
		}
	})
	runCtx = plan.WithCredentialResolver(runCtx, c.ResolveCredential)

	if _, err := c.Ch.Push(channel.EventRunStart, channel.RunStartPayload{RunID: runID, JobID: job.ID}); err != nil {
		if span != nil {
			span.RecordFailure(string(workerrors.KindProtocol), err)
			span.End()
		}
		return nil, workerrors.Protocol("failed to push run_start", err)
	}

	next, err := c.Execute(runCtx, job, state)
	if err != nil {
		if span != nil {
			span.RecordFailure(workerrors.Code(err), err)
			span.End()
		}
		return nil, err
	}
	c.emit("job-complete", next)

	dataclipID := uuid.NewString()
	output, err := json.Marshal(next)
	if err != nil {
		if span != nil {
			span.End()
		}
		return nil, workerrors.Runtime("failed to serialise job output state", err)
	}

	c.mu.Lock()
	c.dataclips[dataclipID] = next
	c.result = dataclipID
	c.mu.Unlock()

	if _, err := c.Ch.Push(channel.EventRunComplete, channel.RunCompletePayload{
		RunID:            runID,
		JobID:            job.ID,
		OutputDataclipID: dataclipID,
		OutputDataclip:   string(output),
	}); err != nil {
		if span != nil {
			span.RecordFailure(string(workerrors.KindProtocol), err)
			span.End()
		}
		return nil, workerrors.Protocol("failed to push run_complete", err)
	}

	if span != nil {
		span.RecordSuccess()
		span.End()
	}
	return next, nil
}

// nextJobs returns every outgoing edge whose condition holds (or which is
// unconditional); a job can have more than one satisfied successor, and all
// of them fire.
func nextJobs(job *plan.CompiledJob, state plan.State) ([]string, error) {
	var targets []string
	for target, edge := range job.Next {
		if edge.Condition == nil {
			targets = append(targets, target)
			continue
		}
		ok, err := edge.Condition(state)
		if err != nil {
			return nil, workerrors.Runtime(fmt.Sprintf("edge condition to %q failed", target), err)
		}
		if ok {
			targets = append(targets, target)
		}
	}
	return targets, nil
}

// complete pushes ATTEMPT_COMPLETE and blocks until the coordinator
// acknowledges it, per spec.md §4.3 ("only the final ATTEMPT_COMPLETE ack
// gates the completion callback").
func (c *Context) complete() error {
	c.mu.Lock()
	result := c.result
	c.mu.Unlock()

	c.emit("workflow-complete", nil)
	ack, err := c.Ch.Push(channel.EventAttemptComplete, channel.AttemptCompletePayload{FinalDataclipID: result})
	if err != nil {
		return workerrors.Protocol("failed to push attempt_complete", err)
	}

	done := make(chan struct{})
	ack.Receive(channel.StatusOK, func(_ json.RawMessage) { close(done) })
	<-done
	return nil
}

// completeWithFailure pushes a synthetic ATTEMPT_COMPLETE carrying no
// dataclip and a failure reason (spec.md §7), then returns runErr unchanged
// so the caller (the Engine's attempt goroutine) still logs/accounts for the
// underlying failure.
func (c *Context) completeWithFailure(runErr error) error {
	c.emit("workflow-complete", nil)
	ack, err := c.Ch.Push(channel.EventAttemptComplete, channel.AttemptCompletePayload{Reason: workerrors.Code(runErr)})
	if err != nil {
		c.Log.Error("failed to push failure attempt_complete", err, "original_error", runErr.Error())
		return runErr
	}

	done := make(chan struct{})
	ack.Receive(channel.StatusOK, func(_ json.RawMessage) { close(done) })
	<-done
	return runErr
}

func (c *Context) emit(event string, payload any) {
	if c.OnEvent != nil {
		c.OnEvent(event, payload)
	}
}

// FinalState returns the dataclip the attempt completed with, for callers
// that need it after Run returns (e.g. tests).
func (c *Context) FinalState() (plan.State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.dataclips[c.result]
	return state, ok
}

// PushLog augments a runner log entry with attempt/run ids and forwards it
// on the channel as ATTEMPT_LOG (spec.md §4.3).
func (c *Context) PushLog(entry channel.AttemptLogPayload, activeRunID string) error {
	entry.AttemptID = c.AttemptID
	if activeRunID != "" {
		entry.RunID = activeRunID
	}
	_, err := c.Ch.Push(channel.EventAttemptLog, entry)
	if err != nil {
		return workerrors.Protocol("failed to push attempt_log", err)
	}
	return nil
}

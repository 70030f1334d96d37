// Package engine is the concurrency controller that owns the registry of
// in-flight workflow attempts and proxies their lifecycle events to
// external listeners, per spec.md §4.5.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cordum/lightning-worker/internal/attemptctx"
	"github.com/cordum/lightning-worker/internal/logging"
	"github.com/cordum/lightning-worker/internal/plan"
	"github.com/cordum/lightning-worker/internal/workerrors"
)

// Metrics is the subset of server.Metrics the engine records attempt
// lifecycle counters through, declared locally so this package never
// imports internal/server.
type Metrics interface {
	IncAttemptsStarted()
	IncAttemptsCompleted(status string)
	ObserveAttemptDuration(durationSeconds float64)
}

// noopMetrics is the default when New is called without WithMetrics.
type noopMetrics struct{}

func (noopMetrics) IncAttemptsStarted()            {}
func (noopMetrics) IncAttemptsCompleted(string)    {}
func (noopMetrics) ObserveAttemptDuration(float64) {}

// AttemptSpan is the subset of tracing.Span an attempt-level span needs.
type AttemptSpan interface {
	RecordFailure(errCode string, err error)
	RecordSuccess()
	End()
}

// Tracer starts the attempt-level span and, via attemptctx.Tracer, the
// per-run spans nested inside it. Declared locally so this package never
// imports the otel SDK directly.
type Tracer interface {
	StartAttempt(ctx context.Context, attemptID string) (context.Context, AttemptSpan)
	StartRun(ctx context.Context, runID, jobID string) (context.Context, attemptctx.RunSpan)
}

// Option configures optional Engine dependencies.
type Option func(*Engine)

// WithMetrics wires m into every attempt's start/completion/duration
// recording. Without this option the engine records nothing.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer wires t so every attempt gets an "attempt.run" span, and every
// job run inside it gets a nested "run.execute" span.
func WithTracer(t Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// Status is a WorkflowState's lifecycle stage.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// WorkflowState tracks one attempt's status across its lifetime.
type WorkflowState struct {
	ID string

	mu     sync.RWMutex
	status Status
	err    error
}

func (w *WorkflowState) setStatus(s Status) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = s
}

func (w *WorkflowState) setError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.err = err
	w.status = StatusFailed
}

// Status returns the current status.
func (w *WorkflowState) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// Err returns the terminal error, if the attempt failed.
func (w *WorkflowState) Err() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.err
}

// CallWorker dispatches one compiled job's operation chain in an isolated
// child runner (spec.md §4.5: "a function that spawns or dispatches work to
// an isolated child runner"). Overridable for testing.
type CallWorker = attemptctx.JobExecutor

// Engine owns every in-flight attempt's WorkflowState and Context.
type Engine struct {
	mu         sync.Mutex
	states     map[string]*WorkflowState
	contexts   map[string]*attemptctx.Context
	emitters   map[string]*Emitter
	callWorker CallWorker
	wide       *Emitter
	log        logging.Logger
	metrics    Metrics
	tracer     Tracer
}

// New constructs an Engine bound to callWorker, the dispatcher used as
// every attempt's job executor.
// Metrics and tracing are opt-in via WithMetrics/WithTracer; without them
// the engine records nothing and creates no spans.
func New(callWorker CallWorker, opts ...Option) *Engine {
	e := &Engine{
		states:     make(map[string]*WorkflowState),
		contexts:   make(map[string]*attemptctx.Context),
		emitters:   make(map[string]*Emitter),
		callWorker: callWorker,
		wide:       newEmitter(),
		log:        logging.For("engine"),
		metrics:    noopMetrics{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WideEmitter is the engine-wide emitter: every per-workflow event is
// re-emitted here with workflowId attached.
func (e *Engine) WideEmitter() *Handle {
	return &Handle{emitter: e.wide}
}

// RegisterWorkflow creates a queued WorkflowState for id.
func (e *Engine) RegisterWorkflow(id string) *WorkflowState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := &WorkflowState{ID: id, status: StatusQueued}
	e.states[id] = st
	return st
}

// wideEvent is what gets emitted on the engine-wide emitter: per-workflow
// events with the workflow id attached.
type wideEvent struct {
	WorkflowID string
	Event      string
	Payload    any
}

// Execute registers, builds, and starts an attempt's Context, returning a
// read-only subscription Handle over its private emitter. Execution runs in
// its own goroutine; the caller does not block on completion.
func (e *Engine) Execute(ctx context.Context, attemptID string, compiled *plan.CompiledExecutionPlan, ch attemptctx.Channel, initialState plan.State) (*Handle, error) {
	if compiled == nil {
		return nil, fmt.Errorf("engine: cannot execute a nil compiled plan")
	}

	state := e.RegisterWorkflow(attemptID)
	emitter := newEmitter()

	e.mu.Lock()
	e.emitters[attemptID] = emitter
	e.mu.Unlock()

	actx := attemptctx.New(attemptID, compiled, ch, e.callWorker)
	actx.OnEvent = func(event string, payload any) {
		emitter.emit(event, payload)
		e.wide.emit(event, wideEvent{WorkflowID: attemptID, Event: event, Payload: payload})
	}
	if e.tracer != nil {
		actx.Tracer = e.tracer
	}

	e.mu.Lock()
	e.contexts[attemptID] = actx
	e.mu.Unlock()

	state.setStatus(StatusRunning)
	e.metrics.IncAttemptsStarted()

	go func() {
		start := time.Now()

		attemptCtx := ctx
		var span AttemptSpan
		if e.tracer != nil {
			attemptCtx, span = e.tracer.StartAttempt(ctx, attemptID)
		}

		defer func() {
			e.mu.Lock()
			delete(e.contexts, attemptID)
			delete(e.states, attemptID)
			delete(e.emitters, attemptID)
			e.mu.Unlock()
		}()

		err := actx.Run(attemptCtx, initialState)
		e.metrics.ObserveAttemptDuration(time.Since(start).Seconds())

		if err != nil {
			e.log.Error("attempt failed", err, "attempt_id", attemptID)
			state.setError(err)
			e.metrics.IncAttemptsCompleted(string(StatusFailed))
			if span != nil {
				span.RecordFailure(workerrors.Code(err), err)
				span.End()
			}
			return
		}
		state.setStatus(StatusCompleted)
		e.metrics.IncAttemptsCompleted(string(StatusCompleted))
		if span != nil {
			span.RecordSuccess()
			span.End()
		}
	}()

	return &Handle{emitter: emitter}, nil
}

// Listen subscribes handlers to workflowId's private emitter.
func (e *Engine) Listen(workflowID string, handlers map[string]func(payload any)) error {
	e.mu.Lock()
	emitter, ok := e.emitters[workflowID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: no such workflow %q", workflowID)
	}
	for event, fn := range handlers {
		emitter.On(event, fn)
	}
	return nil
}

// GetWorkflowState returns the registered state for id, if any.
func (e *Engine) GetWorkflowState(id string) (*WorkflowState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[id]
	return st, ok
}

// GetWorkflowStatus is shorthand for GetWorkflowState(id).Status().
func (e *Engine) GetWorkflowStatus(id string) (Status, bool) {
	st, ok := e.GetWorkflowState(id)
	if !ok {
		return "", false
	}
	return st.Status(), true
}

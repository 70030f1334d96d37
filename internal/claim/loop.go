// Package claim implements the worker's claim loop: poll the coordinator
// for runnable attempts, verify and join each, hand it to the Engine, and
// back off when nothing is available — spec.md §4.6.
package claim

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cordum/lightning-worker/internal/channel"
	"github.com/cordum/lightning-worker/internal/engine"
	"github.com/cordum/lightning-worker/internal/logging"
	"github.com/cordum/lightning-worker/internal/plan"
	"github.com/cordum/lightning-worker/internal/workerrors"
)

// Dialer opens a fresh attempt channel per claimed token — one websocket
// connection per attempt, matching "join attempt:<id>" in spec.md §4.6.
type Dialer func(ctx context.Context, topic, token string) (*channel.Channel, error)

// ControlChannel is the subset of *channel.Channel the loop's CLAIM request
// depends on.
type ControlChannel interface {
	GetWithReply(event string, payload any, out any) error
}

// Options configures one Loop.
type Options struct {
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	Capacity     int
	RunPublicKey ed25519.PublicKey // nil disables signature verification
	NoLoop       bool              // run a single iteration then return, for one-shot execution
	GracePeriod  time.Duration
}

// Loop polls for claims and dispatches them to an Engine.
type Loop struct {
	control ControlChannel
	dial    Dialer
	eng     *engine.Engine
	opts    Options
	log     logging.Logger

	mu     sync.Mutex
	active int
	wg     sync.WaitGroup // tracks in-flight dispatch goroutines, for grace-period shutdown
}

// New constructs a Loop.
func New(control ControlChannel, dial Dialer, eng *engine.Engine, opts Options) *Loop {
	return &Loop{control: control, dial: dial, eng: eng, opts: opts, log: logging.For("claim")}
}

// availableCapacity returns capacity - |active attempts|.
func (l *Loop) availableCapacity() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	avail := l.opts.Capacity - l.active
	if avail < 0 {
		return 0
	}
	return avail
}

func (l *Loop) acquire() { l.mu.Lock(); l.active++; l.mu.Unlock() }
func (l *Loop) release() { l.mu.Lock(); l.active--; l.mu.Unlock() }

// Capacity reports (available, total) execution slots, for the server
// surface's /readyz handler.
func (l *Loop) Capacity() (available, total int) {
	return l.availableCapacity(), l.opts.Capacity
}

// Run drives the claim loop until ctx is cancelled (or, with NoLoop set,
// until one iteration completes). On cancellation, Run stops claiming new
// work and waits up to Options.GracePeriod for in-flight attempts to finish
// before returning; any attempt still running past the grace period is
// abandoned rather than held open indefinitely.
func (l *Loop) Run(ctx context.Context) error {
	backoff := l.opts.MinBackoff

	for {
		if ctx.Err() != nil {
			return l.shutdown(ctx)
		}

		avail := l.availableCapacity()
		if avail == 0 {
			if l.opts.NoLoop {
				return nil
			}
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return l.shutdown(ctx)
			}
			continue
		}

		tokens, err := l.requestClaim(avail)
		if err != nil {
			l.log.Error("claim request failed", err)
			tokens = nil
		}

		if len(tokens) == 0 {
			if l.opts.NoLoop {
				return nil
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return l.shutdown(ctx)
			}
			backoff = nextBackoff(backoff, l.opts.MaxBackoff)
			continue
		}
		backoff = l.opts.MinBackoff

		for _, tok := range tokens {
			l.dispatch(ctx, tok)
		}

		if l.opts.NoLoop {
			return nil
		}
	}
}

// shutdown stops the loop from claiming further work (the caller already
// stopped calling requestClaim by returning) and blocks up to
// Options.GracePeriod for every in-flight dispatch goroutine to finish. Any
// attempt still running once the grace period elapses is abandoned: Run
// returns and whatever forcibly terminates the process (spec.md §4.6) takes
// the rest of the way.
func (l *Loop) shutdown(ctx context.Context) error {
	if l.opts.GracePeriod <= 0 {
		return ctx.Err()
	}

	l.log.Info("claim loop stopping, awaiting in-flight attempts", "grace_period", l.opts.GracePeriod.String())

	drained := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		l.log.Info("all in-flight attempts finished before grace period elapsed")
	case <-time.After(l.opts.GracePeriod):
		l.log.Error("grace period elapsed, abandoning remaining in-flight attempts", fmt.Errorf("grace period exceeded"))
	}
	return ctx.Err()
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func (l *Loop) requestClaim(capacity int) ([]channel.ClaimToken, error) {
	var tokens []channel.ClaimToken
	err := l.control.GetWithReply(channel.EventClaim, channel.ClaimRequest{Capacity: capacity}, &tokens)
	return tokens, err
}

// dispatch verifies, joins, fetches the plan for, and hands off one claimed
// token. Any ProtocolError aborts just this token; the loop continues.
func (l *Loop) dispatch(ctx context.Context, tok channel.ClaimToken) {
	if l.opts.RunPublicKey != nil {
		if err := verifyToken(l.opts.RunPublicKey, tok.Token); err != nil {
			l.log.Error("token verification failed, rejecting claim", err, "attempt_id", tok.AttemptID)
			return
		}
	}

	ch, err := l.dial(ctx, fmt.Sprintf("attempt:%s", tok.AttemptID), tok.Token)
	if err != nil {
		l.log.Error("join failed, aborting claim", err, "attempt_id", tok.AttemptID)
		return
	}

	var rawPlan json.RawMessage
	if err := ch.GetWithReply(channel.EventGetAttempt, struct{}{}, &rawPlan); err != nil {
		l.log.Error("get_attempt failed, aborting claim", err, "attempt_id", tok.AttemptID)
		l.failAttempt(ch, tok.AttemptID, workerrors.Protocol("get_attempt failed", err))
		return
	}

	if err := plan.ValidateWireShape(rawPlan); err != nil {
		l.log.Error("plan failed schema validation, failing attempt", err, "attempt_id", tok.AttemptID)
		l.failAttempt(ch, tok.AttemptID, workerrors.Compile("plan failed schema validation", err))
		return
	}

	var raw plan.ExecutionPlan
	if err := json.Unmarshal(rawPlan, &raw); err != nil {
		l.log.Error("plan did not decode, failing attempt", err, "attempt_id", tok.AttemptID)
		l.failAttempt(ch, tok.AttemptID, workerrors.Compile("plan did not decode", err))
		return
	}

	compiled, err := plan.Compile(&raw)
	if err != nil {
		l.log.Error("plan compilation failed, failing attempt", err, "attempt_id", tok.AttemptID)
		l.failAttempt(ch, tok.AttemptID, workerrors.Compile("plan compilation failed", err))
		return
	}

	l.acquire()
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.release()
		defer ch.Close()
		l.runAttempt(ctx, tok.AttemptID, compiled, &raw, ch)
	}()
}

// failAttempt pushes a synthetic ATTEMPT_COMPLETE carrying no dataclip and a
// failure reason, then closes ch. Used for every failure that happens after
// the attempt channel is already joined, so the coordinator is never left
// waiting on an attempt that will never otherwise report in.
func (l *Loop) failAttempt(ch *channel.Channel, attemptID string, failure error) {
	ack, err := ch.Push(channel.EventAttemptComplete, channel.AttemptCompletePayload{Reason: workerrors.Code(failure)})
	if err != nil {
		l.log.Error("failed to push failure attempt_complete", err, "attempt_id", attemptID)
		ch.Close()
		return
	}
	done := make(chan struct{})
	ack.Receive(channel.StatusOK, func(json.RawMessage) { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		l.log.Error("attempt_complete ack timed out", fmt.Errorf("no ack within 5s"), "attempt_id", attemptID)
	}
	ch.Close()
}

func (l *Loop) runAttempt(ctx context.Context, attemptID string, compiled *plan.CompiledExecutionPlan, raw *plan.ExecutionPlan, ch *channel.Channel) {
	attemptCtx := attemptStateResolver{ch: ch}
	initialState, err := attemptCtx.resolve(raw.InitialState)
	if err != nil {
		l.log.Error("failed to resolve initial state, failing attempt", err, "attempt_id", attemptID)
		l.failAttempt(ch, attemptID, workerrors.Protocol("failed to resolve initial state", err))
		return
	}

	handle, err := l.eng.Execute(ctx, attemptID, compiled, ch, initialState)
	if err != nil {
		l.log.Error("engine execute failed", err, "attempt_id", attemptID)
		l.failAttempt(ch, attemptID, workerrors.Invariant("engine failed to start attempt"))
		return
	}

	done := make(chan struct{})
	handle.Once("workflow-complete", func(any) { close(done) })
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// attemptStateResolver fetches the initial dataclip when the plan names one
// by id, matching internal/attemptctx.Context.ResolveInitialState's
// contract without requiring a *Context to already exist.
type attemptStateResolver struct {
	ch *channel.Channel
}

func (r attemptStateResolver) resolve(raw json.RawMessage) (plan.State, error) {
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		var dataclip json.RawMessage
		if err := r.ch.GetWithReply(channel.EventGetDataclip, channel.GetDataclipRequest{ID: id}, &dataclip); err != nil {
			return nil, err
		}
		var state plan.State
		if err := json.Unmarshal(dataclip, &state); err != nil {
			return nil, err
		}
		return state, nil
	}
	var state plan.State
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &state); err != nil {
			return nil, err
		}
	}
	if state == nil {
		state = plan.State{}
	}
	return state, nil
}

// verifyToken checks tok's signature against pub. Tokens are expected in
// "<base64 payload>.<base64 signature>" form; verification failure is a
// ProtocolError per spec.md §4.6 step 3a.
func verifyToken(pub ed25519.PublicKey, tok string) error {
	payload, sig, err := splitToken(tok)
	if err != nil {
		return workerrors.Protocol("malformed attempt token", err)
	}
	if !ed25519.Verify(pub, payload, sig) {
		return workerrors.Protocol("token signature check failed", fmt.Errorf("invalid-token"))
	}
	return nil
}

package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cordum/lightning-worker/internal/attemptctx"
	"github.com/cordum/lightning-worker/internal/channel"
	"github.com/cordum/lightning-worker/internal/plan"
)

type fakeChannel struct{ pushed []string }

func (f *fakeChannel) Push(event string, payload any) (*channel.Ack, error) {
	f.pushed = append(f.pushed, event)
	ack := channel.NewAck()
	ack.Resolve(channel.StatusOK, json.RawMessage(`{}`))
	return ack, nil
}

func (f *fakeChannel) GetWithReply(event string, payload any, out any) error { return nil }

func onePlan() *plan.CompiledExecutionPlan {
	return &plan.CompiledExecutionPlan{
		Start: "a",
		Jobs:  map[string]*plan.CompiledJob{"a": {ID: "a"}},
	}
}

func TestExecuteRunsToCompletionAndUpdatesStatus(t *testing.T) {
	exec := attemptctx.JobExecutor(func(ctx context.Context, job *plan.CompiledJob, state plan.State) (plan.State, error) {
		time.Sleep(20 * time.Millisecond)
		return state, nil
	})
	e := New(exec)
	ch := &fakeChannel{}

	handle, err := e.Execute(context.Background(), "attempt-1", onePlan(), ch, plan.State{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	// Grab the WorkflowState pointer before completion: Execute's cleanup
	// removes it from the registry once the attempt finishes, but the
	// pointer itself stays valid for whoever already holds it.
	st, ok := e.GetWorkflowState("attempt-1")
	if !ok {
		t.Fatal("expected a registered workflow state")
	}

	done := make(chan struct{})
	handle.Once("workflow-complete", func(payload any) { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for workflow-complete")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st.Status() == StatusCompleted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if st.Status() != StatusCompleted {
		t.Fatal("workflow never reached completed status")
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := e.GetWorkflowState("attempt-1"); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected workflow state to be removed from the registry after completion")
}

func TestExternalHandleCannotEmit(t *testing.T) {
	// Handle only exposes On/Once/Off — compile-time guarantee, verified by
	// the fact this file never calls handle.emit / handle.Emit.
	var h *Handle
	_ = h
}

func TestListenSubscribesToExistingWorkflow(t *testing.T) {
	exec := attemptctx.JobExecutor(func(ctx context.Context, job *plan.CompiledJob, state plan.State) (plan.State, error) {
		time.Sleep(20 * time.Millisecond)
		return state, nil
	})
	e := New(exec)
	ch := &fakeChannel{}
	if _, err := e.Execute(context.Background(), "attempt-2", onePlan(), ch, plan.State{}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	done := make(chan struct{})
	err := e.Listen("attempt-2", map[string]func(any){
		"workflow-complete": func(any) { close(done) },
	})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for workflow-complete")
	}
}

func TestListenUnknownWorkflowErrors(t *testing.T) {
	e := New(nil)
	if err := e.Listen("missing", nil); err == nil {
		t.Fatal("expected error for unknown workflow id")
	}
}

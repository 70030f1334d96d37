package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cordum/lightning-worker/internal/logging"
	"github.com/cordum/lightning-worker/internal/plan"
	"github.com/cordum/lightning-worker/internal/workerrors"
)

var testLog = logging.For("runner_test")

func incrementOp(key string, by float64) Operation {
	return func(ctx context.Context, state plan.State) (plan.State, error) {
		data, _ := state["data"].(map[string]any)
		if data == nil {
			data = map[string]any{}
		}
		n, _ := data[key].(float64)
		data[key] = n + by
		state["data"] = data
		return state, nil
	}
}

func TestRunSequentialReducer(t *testing.T) {
	req := Request{
		Chain: Chain{incrementOp("count", 1), incrementOp("count", 2)},
		State: plan.State{"data": map[string]any{}},
	}
	out, err := Run(context.Background(), testLog, req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	data := out["data"].(map[string]any)
	if data["count"] != 3.0 {
		t.Fatalf("want 3, got %v", data["count"])
	}
}

func TestRunPropagatesOperationError(t *testing.T) {
	failing := Operation(func(ctx context.Context, state plan.State) (plan.State, error) {
		return nil, errors.New("boom")
	})
	req := Request{Chain: Chain{failing}, State: plan.State{}}
	_, err := Run(context.Background(), testLog, req)
	if err == nil {
		t.Fatal("expected error")
	}
	if workerrors.Code(err) != string(workerrors.KindRuntime) {
		t.Fatalf("want KindRuntime, got %s", workerrors.Code(err))
	}
}

func TestRunTimesOut(t *testing.T) {
	slow := Operation(func(ctx context.Context, state plan.State) (plan.State, error) {
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
		}
		return state, nil
	})
	req := Request{
		Chain:   Chain{slow},
		State:   plan.State{},
		Options: Options{Timeout: 20 * time.Millisecond},
	}
	_, err := Run(context.Background(), testLog, req)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if workerrors.Code(err) != string(workerrors.KindTimeout) {
		t.Fatalf("want KindTimeout, got %s", workerrors.Code(err))
	}
}

func TestRunForceSandboxRejectsPrecompiled(t *testing.T) {
	req := Request{
		Chain:       Chain{incrementOp("count", 1)},
		Precompiled: true,
		State:       plan.State{},
		Options:     Options{ForceSandbox: true},
	}
	_, err := Run(context.Background(), testLog, req)
	if err == nil {
		t.Fatal("expected forceSandbox to reject a precompiled chain")
	}
	if workerrors.Code(err) != string(workerrors.KindInvariant) {
		t.Fatalf("want KindInvariant, got %s", workerrors.Code(err))
	}
}

func TestRunStrictProjection(t *testing.T) {
	req := Request{
		Chain: Chain{},
		State: plan.State{"data": map[string]any{"a": 1.0}, "configuration": map[string]any{"secret": "x"}},
		Options: Options{
			Strict: true,
		},
	}
	out, err := Run(context.Background(), testLog, req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, ok := out["configuration"]; ok {
		t.Fatal("strict projection must drop configuration")
	}
	if _, ok := out["data"]; !ok {
		t.Fatal("strict projection must keep data")
	}
}

func TestStripPropsRemovesConfiguredKeys(t *testing.T) {
	state := plan.State{"data": 1, "secret": "x", "keep": "y"}
	out := StripProps(state, []string{"secret"})
	if _, ok := out["secret"]; ok {
		t.Fatal("expected secret to be stripped")
	}
	if _, ok := out["keep"]; !ok {
		t.Fatal("expected keep to survive")
	}
}

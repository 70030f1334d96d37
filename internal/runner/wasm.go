package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/cordum/lightning-worker/internal/logging"
	"github.com/cordum/lightning-worker/internal/plan"
)

// Loader compiles and instantiates operation modules inside a sandboxed
// wazero runtime. The host surface is deliberately narrow: WASI
// (wasi_snapshot_preview1) plus an "env" module with two imports, host_log
// and get_credential — a wazero guest has no syscalls beyond what the host
// explicitly grants, so "disable dynamic code generation" and "expose only
// these primitives" (spec.md §4.2 step 1) hold structurally rather than by
// policy. Guest code gets its timing primitives from its own compiled
// standard library rather than a host import.
type Loader struct {
	runtime wazero.Runtime
	log     logging.Logger

	cacheMutex sync.Map // key: adaptor/module cache key -> *sync.Mutex
	cacheMu    sync.Mutex
	cache      map[string]*Module
}

// NewLoader builds a wazero runtime capped at memoryLimitMB (rounded up to
// 64KiB pages, per spec.md §5's memoryLimitMb resource knob).
func NewLoader(ctx context.Context, memoryLimitMB int) (*Loader, error) {
	const wasmPageSize = 65536 // wazero's fixed WebAssembly page size in bytes
	pages := uint32((memoryLimitMB*1024*1024 + wasmPageSize - 1) / wasmPageSize)
	if pages == 0 {
		pages = 256 // 16MB default
	}

	cfg := wazero.NewRuntimeConfig().WithMemoryLimitPages(pages).WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("runner: instantiate wasi: %w", err)
	}

	log := logging.For("runner")
	builder := rt.NewHostModuleBuilder("env")
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, msgPtr, msgLen uint32) {
			msg, ok := mod.Memory().Read(msgPtr, msgLen)
			if !ok {
				return
			}
			log.Info("operation log", "message", string(msg))
			if sink, ok := plan.LogSinkFromContext(ctx); ok {
				sink("info", string(msg))
			}
		}).
		Export("host_log")
	builder.NewFunctionBuilder().
		WithFunc(hostGetCredential).
		Export("get_credential")
	if _, err := builder.Instantiate(ctx); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("runner: instantiate host module: %w", err)
	}

	return &Loader{runtime: rt, log: log, cache: make(map[string]*Module)}, nil
}

// keyMutex returns the per-cache-key mutex, creating one if absent. Distinct
// keys never contend with each other; concurrent compiles of the same key
// serialize so only one wazero instantiation happens per key.
func (l *Loader) keyMutex(key string) *sync.Mutex {
	v, _ := l.cacheMutex.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// CompileCached compiles wasmBytes under cacheKey (typically the adaptor
// name plus version), reusing an already-compiled module instance if one is
// already resident. Concurrent calls for the same cacheKey coalesce onto a
// single compile via a per-key mutex, per the module cache's resource model.
func (l *Loader) CompileCached(ctx context.Context, cacheKey string, wasmBytes []byte) (*Module, error) {
	mu := l.keyMutex(cacheKey)
	mu.Lock()
	defer mu.Unlock()

	l.cacheMu.Lock()
	if m, ok := l.cache[cacheKey]; ok {
		l.cacheMu.Unlock()
		return m, nil
	}
	l.cacheMu.Unlock()

	m, err := l.Compile(ctx, wasmBytes)
	if err != nil {
		return nil, err
	}

	l.cacheMu.Lock()
	l.cache[cacheKey] = m
	l.cacheMu.Unlock()
	return m, nil
}

// Close releases the runtime and every module instantiated through it.
func (l *Loader) Close(ctx context.Context) error {
	return l.runtime.Close(ctx)
}

// hostGetCredential resolves a credential id requested by guest code, using
// the resolver attached to ctx by attemptctx.Context.executeJob
// (plan.WithCredentialResolver). The result is written into the calling
// module's own memory via its malloc export and returned packed as
// ptr<<32|len, the same convention Module.call uses for operation output;
// the guest is responsible for freeing it once read. Returns 0 (an empty
// result) if no resolver is attached, resolution fails, or the module
// doesn't export malloc.
func hostGetCredential(ctx context.Context, mod api.Module, idPtr, idLen uint32) uint64 {
	id, ok := mod.Memory().Read(idPtr, idLen)
	if !ok {
		return 0
	}
	resolver, ok := plan.CredentialResolverFromContext(ctx)
	if !ok {
		return 0
	}
	raw, err := resolver(string(id))
	if err != nil || len(raw) == 0 {
		return 0
	}

	malloc := mod.ExportedFunction("malloc")
	if malloc == nil {
		return 0
	}
	res, err := malloc.Call(ctx, uint64(len(raw)))
	if err != nil {
		return 0
	}
	outPtr := uint32(res[0])
	if !mod.Memory().Write(outPtr, raw) {
		if free := mod.ExportedFunction("free"); free != nil {
			free.Call(ctx, uint64(outPtr))
		}
		return 0
	}
	return uint64(outPtr)<<32 | uint64(len(raw))
}

// Module is one compiled, instantiated operation module: the resolved form
// of an expression's module, per spec.md §4.2 step 2.
type Module struct {
	module api.Module
	malloc api.Function
	free   api.Function
}

// Compile instantiates wasmBytes. The module must export malloc/free
// (arena allocator convention) and a `list_operations` function returning a
// JSON array of operation names, each separately exported.
func (l *Loader) Compile(ctx context.Context, wasmBytes []byte) (*Module, error) {
	mod, err := l.runtime.Instantiate(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("runner: instantiate operation module: %w", err)
	}
	m := &Module{module: mod}
	m.malloc = mod.ExportedFunction("malloc")
	m.free = mod.ExportedFunction("free")
	if m.malloc == nil || m.free == nil {
		mod.Close(ctx)
		return nil, fmt.Errorf("runner: operation module does not export malloc/free")
	}
	return m, nil
}

// Close releases the underlying module instance.
func (m *Module) Close(ctx context.Context) error {
	return m.module.Close(ctx)
}

// Chain resolves the module's default export — the ordered operation list —
// into a runner.Chain of callable Operations, per spec.md §4.2 step 2.
func (m *Module) Chain(ctx context.Context) (Chain, error) {
	listFn := m.module.ExportedFunction("list_operations")
	if listFn == nil {
		return nil, fmt.Errorf("runner: operation module has no default export (list_operations)")
	}
	raw, err := m.call(ctx, listFn, nil)
	if err != nil {
		return nil, fmt.Errorf("runner: list_operations failed: %w", err)
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, fmt.Errorf("runner: list_operations did not return a JSON array: %w", err)
	}

	chain := make(Chain, len(names))
	for i, name := range names {
		fn := m.module.ExportedFunction(name)
		if fn == nil {
			return nil, fmt.Errorf("runner: operation %q not exported by module", name)
		}
		chain[i] = func(ctx context.Context, state plan.State) (plan.State, error) {
			input, err := json.Marshal(state)
			if err != nil {
				return nil, fmt.Errorf("runner: marshal operation input: %w", err)
			}
			raw, err := m.call(ctx, fn, input)
			if err != nil {
				return nil, err
			}
			var out plan.State
			if err := json.Unmarshal(raw, &out); err != nil {
				return nil, fmt.Errorf("runner: unmarshal operation output: %w", err)
			}
			return out, nil
		}
	}
	return chain, nil
}

// Reducer returns a custom reducer if the module exports one under
// `execute` (spec.md §4.2 step 3: "optional execute overrides the
// reducer"), or nil if the default sequential reducer should be used.
func (m *Module) Reducer() Reducer {
	fn := m.module.ExportedFunction("execute")
	if fn == nil {
		return nil
	}
	return func(ctx context.Context, ops Chain, initial plan.State) (plan.State, error) {
		// The module's own execute export is responsible for sequencing;
		// the host only feeds it the initial state and trusts the result.
		input, err := json.Marshal(initial)
		if err != nil {
			return nil, fmt.Errorf("runner: marshal execute input: %w", err)
		}
		raw, err := m.call(ctx, fn, input)
		if err != nil {
			return nil, err
		}
		var out plan.State
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("runner: unmarshal execute output: %w", err)
		}
		return out, nil
	}
}

// call marshals input into the module's linear memory, invokes fn with the
// (ptr, len) calling convention, and reads back (ptr<<32 | len) packed
// output, freeing both buffers afterward.
func (m *Module) call(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	var inputPtr, inputLen uint64
	if len(input) > 0 {
		res, err := m.malloc.Call(ctx, uint64(len(input)))
		if err != nil {
			return nil, fmt.Errorf("runner: malloc: %w", err)
		}
		inputPtr = res[0]
		inputLen = uint64(len(input))
		if !m.module.Memory().Write(uint32(inputPtr), input) {
			return nil, fmt.Errorf("runner: failed to write operation input")
		}
		defer m.free.Call(ctx, inputPtr)
	}

	results, err := fn.Call(ctx, inputPtr, inputLen)
	if err != nil {
		return nil, fmt.Errorf("runner: operation invocation failed: %w", err)
	}
	if len(results) == 0 {
		return []byte("{}"), nil
	}

	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed & 0xFFFFFFFF)
	if outputLen == 0 {
		return []byte("{}"), nil
	}
	out, ok := m.module.Memory().Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("runner: failed to read operation output")
	}
	result := make([]byte, len(out))
	copy(result, out)
	m.free.Call(ctx, uint64(outputPtr))
	return result, nil
}

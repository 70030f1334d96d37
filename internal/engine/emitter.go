package engine

import "sync"

// Emitter is a minimal on/once/off event dispatcher. It deliberately has no
// exported Emit: only the engine itself (via emit) may publish, matching
// spec.md §4.5's "external observers cannot push events in".
type Emitter struct {
	mu       sync.Mutex
	handlers map[string][]*handler
}

type handler struct {
	fn   func(payload any)
	once bool
}

func newEmitter() *Emitter {
	return &Emitter{handlers: make(map[string][]*handler)}
}

// On subscribes fn to event, called for every future emission.
func (e *Emitter) On(event string, fn func(payload any)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[event] = append(e.handlers[event], &handler{fn: fn})
}

// Once subscribes fn to fire at most once.
func (e *Emitter) Once(event string, fn func(payload any)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[event] = append(e.handlers[event], &handler{fn: fn, once: true})
}

// Off removes every handler registered for event.
func (e *Emitter) Off(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, event)
}

func (e *Emitter) emit(event string, payload any) {
	e.mu.Lock()
	fns := e.handlers[event]
	var remaining []*handler
	for _, h := range fns {
		if !h.once {
			remaining = append(remaining, h)
		}
	}
	e.handlers[event] = remaining
	e.mu.Unlock()

	for _, h := range fns {
		h.fn(payload)
	}
}

// Handle is the read-only subscription surface returned to external callers:
// on/once/off, never emit.
type Handle struct {
	emitter *Emitter
}

func (h *Handle) On(event string, fn func(payload any))   { h.emitter.On(event, fn) }
func (h *Handle) Once(event string, fn func(payload any)) { h.emitter.Once(event, fn) }
func (h *Handle) Off(event string)                        { h.emitter.Off(event) }

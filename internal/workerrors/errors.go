// Package workerrors defines the typed failure kinds an attempt can end
// with, each carrying a stable code surfaced to the coordinator as the
// ATTEMPT_COMPLETE failure reason.
package workerrors

import "fmt"

// Kind identifies which class of failure terminated an attempt.
type Kind string

const (
	KindProtocol  Kind = "PROTOCOL_ERROR"
	KindCompile   Kind = "COMPILE_ERROR"
	KindTimeout   Kind = "ERR_TIMEOUT"
	KindRuntime   Kind = "ERR_RUNTIME_EXCEPTION"
	KindResource  Kind = "RESOURCE_ERROR"
	KindInvariant Kind = "INVARIANT_ERROR"
)

// WorkerError is the common shape for every attempt-terminating error.
type WorkerError struct {
	kind    Kind
	message string
	cause   error
}

func (e *WorkerError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.message)
}

// Code returns the stable wire-level reason string.
func (e *WorkerError) Code() string { return string(e.kind) }

func (e *WorkerError) Unwrap() error { return e.cause }

func newErr(kind Kind, message string, cause error) *WorkerError {
	return &WorkerError{kind: kind, message: message, cause: cause}
}

// Protocol wraps a channel join rejection or malformed coordinator reply.
// The attempt aborts without retry; the claim loop continues.
func Protocol(message string, cause error) *WorkerError { return newErr(KindProtocol, message, cause) }

// Compile wraps accumulated plan-compilation failures.
func Compile(message string, cause error) *WorkerError { return newErr(KindCompile, message, cause) }

// Timeout marks a runner that exceeded its wall-clock budget.
func Timeout(message string) *WorkerError { return newErr(KindTimeout, message, nil) }

// Runtime wraps a user-code throw/rejection surfaced by the runner.
func Runtime(message string, cause error) *WorkerError { return newErr(KindRuntime, message, cause) }

// Resource marks a memory breach or runner crash.
func Resource(message string, cause error) *WorkerError { return newErr(KindResource, message, cause) }

// Invariant marks an internal bug (e.g. a missing registry entry). It never
// crashes the process: like any other attempt error, the engine logs it and
// records it as the attempt's failure. It is not emitted on the engine-wide
// emitter.
func Invariant(message string) *WorkerError { return newErr(KindInvariant, message, nil) }

// Code extracts the wire-level reason from any error, defaulting to the
// runtime-exception code for untyped errors.
func Code(err error) string {
	if err == nil {
		return ""
	}
	var we *WorkerError
	if ok := as(err, &we); ok {
		return we.Code()
	}
	return string(KindRuntime)
}

func as(err error, target **WorkerError) bool {
	for err != nil {
		if we, ok := err.(*WorkerError); ok {
			*target = we
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

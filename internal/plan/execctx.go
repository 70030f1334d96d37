package plan

import (
	"context"
	"encoding/json"
)

type ctxKey int

const (
	logSinkKey ctxKey = iota
	credentialResolverKey
)

// LogSink receives one runner log line tagged with a severity level, so a
// sandboxed operation's log output can be forwarded off-process (ATTEMPT_LOG)
// without the runner needing to know anything about channels or wire
// payloads.
type LogSink func(level, message string)

// CredentialResolver lazily resolves a credential id to its raw JSON value,
// invoked from inside a running operation chain (spec.md §4.3's GET_CREDENTIAL).
type CredentialResolver func(id string) (json.RawMessage, error)

// WithLogSink attaches sink to ctx for the duration of one job run.
func WithLogSink(ctx context.Context, sink LogSink) context.Context {
	return context.WithValue(ctx, logSinkKey, sink)
}

// LogSinkFromContext retrieves the sink attached by WithLogSink, if any.
func LogSinkFromContext(ctx context.Context) (LogSink, bool) {
	sink, ok := ctx.Value(logSinkKey).(LogSink)
	return sink, ok
}

// WithCredentialResolver attaches resolver to ctx for the duration of one job run.
func WithCredentialResolver(ctx context.Context, resolver CredentialResolver) context.Context {
	return context.WithValue(ctx, credentialResolverKey, resolver)
}

// CredentialResolverFromContext retrieves the resolver attached by
// WithCredentialResolver, if any.
func CredentialResolverFromContext(ctx context.Context) (CredentialResolver, bool) {
	resolver, ok := ctx.Value(credentialResolverKey).(CredentialResolver)
	return resolver, ok
}

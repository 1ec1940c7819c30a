package trust

import "context"

type contextKey int

const (
	sessionKey contextKey = iota
	envelopeKey
)

// WithCurrentSession scopes a session record to the request context.
// Context scoping (rather than a process-global) keeps concurrent requests
// from observing each other's session.
func WithCurrentSession(ctx context.Context, record *Record) context.Context {
	return context.WithValue(ctx, sessionKey, record)
}

// CurrentSession returns the session scoped to this context, or nil.
func CurrentSession(ctx context.Context) *Record {
	record, _ := ctx.Value(sessionKey).(*Record)
	return record
}

// WithEnvelope scopes a parsed trust envelope to the request context.
func WithEnvelope(ctx context.Context, env *Envelope) context.Context {
	return context.WithValue(ctx, envelopeKey, env)
}

// EnvelopeFrom returns the trust envelope scoped to this context, or nil.
func EnvelopeFrom(ctx context.Context) *Envelope {
	env, _ := ctx.Value(envelopeKey).(*Envelope)
	return env
}

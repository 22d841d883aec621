package services

import "context"

// Caller is the already-authenticated identity behind a request
type Caller struct {
	UID   string
	Email string
	Name  string
}

type callerKey struct{}

// WithCaller attaches the authenticated caller to ctx
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller stored by WithCaller
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

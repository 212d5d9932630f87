package engine

import "context"

type execCtxKey struct{}
type callCtxKey struct{}

// WithExecutionContext returns a child context carrying exec, so a call
// handler invoked from within it can look up its originating execution.
func WithExecutionContext(ctx context.Context, exec ExecutionContext) context.Context {
	return context.WithValue(ctx, execCtxKey{}, exec)
}

// WithCallContext marks ctx as originating from a call invocation.
func WithCallContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, callCtxKey{}, true)
}

// IsCallContext reports whether ctx is marked as a call invocation context.
func IsCallContext(ctx context.Context) bool {
	v, ok := ctx.Value(callCtxKey{}).(bool)
	return ok && v
}

// ExecutionContextFromContext extracts an ExecutionContext from ctx, or nil
// if absent.
func ExecutionContextFromContext(ctx context.Context) ExecutionContext {
	if v, ok := ctx.Value(execCtxKey{}).(ExecutionContext); ok {
		return v
	}
	return nil
}

// Package engine defines an optional durable backend for the Pause/Resume
// Coordinator. The coordinator's default path suspends an execution by
// returning control to the caller and round-tripping suspension state
// through the Cache Store (atp/cachestore); this package lets an execution
// instead run as a durable workflow on an engine like Temporal, where
// suspension is modeled as a workflow blocking on a signal instead of the
// process returning. Both paths present the same suspend-on-suspendable-call
// semantics to the sandbox; only who keeps the paused state differs.
package engine

import (
	"context"
	"time"
)

type (
	// Engine abstracts durable execution registration and startup so the
	// in-memory and Temporal backends can be swapped without touching
	// coordinator code.
	Engine interface {
		// RegisterExecution registers an execution definition with the engine.
		// Must be called during startup before any ExecutionHandle is created.
		RegisterExecution(ctx context.Context, def ExecutionDefinition) error

		// RegisterCall registers a call definition. Calls are the durable
		// analogue of a suspendable call resolved by a LocalResolver or tool
		// Handler: short-lived, independently retryable units of work a
		// running execution can schedule.
		RegisterCall(ctx context.Context, def CallDefinition) error

		// StartExecution launches a new durable execution and returns a
		// handle for waiting, signaling, or cancelling it. req.ID must be
		// unique for the engine instance.
		StartExecution(ctx context.Context, req ExecutionStartRequest) (ExecutionHandle, error)
	}

	// ExecutionDefinition binds an execution handler to a logical name and
	// default queue.
	ExecutionDefinition struct {
		Name      string
		TaskQueue string
		Handler   ExecutionFunc
	}

	// ExecutionFunc is the durable entry point for one program execution. It
	// must be deterministic under replay: the same sequence of ExecuteCall
	// results must be reproducible from the same input, exactly as
	// atp/sandbox's suspend-as-return model already requires from the
	// in-process path.
	ExecutionFunc func(ctx ExecutionContext, input any) (any, error)

	// ExecutionContext exposes engine operations to a running execution.
	ExecutionContext interface {
		Context() context.Context
		ExecutionID() string
		RunID() string

		// ExecuteCall schedules a call and blocks for its result.
		ExecuteCall(ctx context.Context, req CallRequest, result any) error
		// ExecuteCallAsync schedules a call without blocking.
		ExecuteCallAsync(ctx context.Context, req CallRequest) (Future, error)

		// SignalChannel returns the channel a running execution uses to
		// receive an externally delivered value — a client's answer to a
		// suspended call, or a pause/cancel request.
		SignalChannel(name string) SignalChannel

		Now() time.Time
	}

	// Future represents a pending call result.
	Future interface {
		Get(ctx context.Context, result any) error
		IsReady() bool
	}

	// CallDefinition registers a call handler with optional retry/timeout
	// defaults.
	CallDefinition struct {
		Name    string
		Handler CallFunc
		Options CallOptions
	}

	// CallFunc performs one call's side effect. Unlike ExecutionFunc, calls
	// may perform I/O freely; they are not replayed, only their recorded
	// result is.
	CallFunc func(ctx context.Context, input any) (any, error)

	// CallOptions configures retry and timeout behavior for a call.
	CallOptions struct {
		Queue       string
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// ExecutionStartRequest describes how to launch a durable execution.
	ExecutionStartRequest struct {
		ID          string
		Execution   string
		TaskQueue   string
		Input       any
		RetryPolicy RetryPolicy
	}

	// CallRequest contains what's needed to schedule a call from within a
	// running execution.
	CallRequest struct {
		Name        string
		Input       any
		Queue       string
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// ExecutionHandle lets callers interact with a running execution.
	ExecutionHandle interface {
		Wait(ctx context.Context, result any) error
		Signal(ctx context.Context, name string, payload any) error
		Cancel(ctx context.Context) error
	}

	// RetryPolicy defines retry semantics shared by executions and calls.
	// Zero-valued fields mean the engine uses its defaults.
	RetryPolicy struct {
		MaxAttempts        int
		InitialInterval    time.Duration
		BackoffCoefficient float64
	}

	// SignalChannel exposes externally delivered values in an engine-agnostic
	// way. Implementations wrap Temporal signal channels or in-process Go
	// channels.
	SignalChannel interface {
		Receive(ctx context.Context, dest any) error
		ReceiveAsync(dest any) bool
	}
)

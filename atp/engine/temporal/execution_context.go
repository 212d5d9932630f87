package temporal

import (
	"context"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/atp-proto/atp-server/atp/engine"
)

type executionContext struct {
	engine *Engine
	ctx    workflow.Context
	id     string
	runID  string
}

func newExecutionContext(e *Engine, ctx workflow.Context) *executionContext {
	info := workflow.GetInfo(ctx)
	ectx := &executionContext{
		engine: e,
		ctx:    ctx,
		id:     info.WorkflowExecution.ID,
		runID:  info.WorkflowExecution.RunID,
	}
	e.trackExecutionContext(ectx.runID, ectx)
	return ectx
}

// normalizeTemporalError translates Temporal cancellation errors to
// context.Canceled so coordinator code can classify cancellations without
// depending on Temporal SDK error types.
func normalizeTemporalError(err error) error {
	if err == nil {
		return nil
	}
	if temporal.IsCanceledError(err) {
		return context.Canceled
	}
	return err
}

func (w *executionContext) Context() context.Context {
	return engine.WithExecutionContext(context.Background(), w)
}

func (w *executionContext) ExecutionID() string { return w.id }
func (w *executionContext) RunID() string       { return w.runID }
func (w *executionContext) Now() time.Time      { return workflow.Now(w.ctx) }

func (w *executionContext) ExecuteCall(ctx context.Context, req engine.CallRequest, result any) error {
	fut, err := w.ExecuteCallAsync(ctx, req)
	if err != nil {
		return err
	}
	return fut.Get(ctx, result)
}

func (w *executionContext) ExecuteCallAsync(_ context.Context, req engine.CallRequest) (engine.Future, error) {
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(req))
	fut := workflow.ExecuteActivity(actx, req.Name, req.Input)
	return &callFuture{future: fut, ctx: actx}, nil
}

func (w *executionContext) SignalChannel(name string) engine.SignalChannel {
	ch := workflow.GetSignalChannel(w.ctx, name)
	return &signalChannel{ctx: w.ctx, ch: ch}
}

func (w *executionContext) activityOptionsFor(req engine.CallRequest) workflow.ActivityOptions {
	defaults := w.engine.callOptionsFor(req.Name)

	queue := req.Queue
	if queue == "" {
		queue = defaults.Queue
	}
	if queue == "" {
		queue = w.engine.defaultQueue
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = defaults.Timeout
	}
	if timeout == 0 {
		timeout = time.Minute
	}

	retry := mergeRetryPolicies(defaults.RetryPolicy, req.RetryPolicy)

	return workflow.ActivityOptions{
		ScheduleToStartTimeout: timeout,
		StartToCloseTimeout:    timeout,
		TaskQueue:              queue,
		RetryPolicy:            convertRetryPolicy(retry),
	}
}

type callFuture struct {
	future workflow.Future
	ctx    workflow.Context
}

func (f *callFuture) Get(_ context.Context, result any) error {
	if err := f.future.Get(f.ctx, result); err != nil {
		return normalizeTemporalError(err)
	}
	return nil
}

func (f *callFuture) IsReady() bool { return f.future.IsReady() }

type signalChannel struct {
	ctx workflow.Context
	ch  workflow.ReceiveChannel
}

func (s *signalChannel) Receive(ctx context.Context, dest any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.ch.Receive(s.ctx, dest)
	return nil
}

func (s *signalChannel) ReceiveAsync(dest any) bool {
	return s.ch.ReceiveAsync(dest)
}

// Package temporal implements atp/engine.Engine on Temporal: executions run
// as Temporal workflows, calls as Temporal activities, and signals deliver
// the client's answer to a suspended call (or a cancel request) in a
// replay-safe way. Grounded on the teacher repo's own Temporal engine
// adapter, renamed from its workflow/activity vocabulary to ATP's
// execution/call vocabulary; the adapter's generic multi-signal
// WorkflowContext (PublishHook/ExecutePlannerActivity/Receiver[T], etc.) was
// left out of this port — that file's interface had already drifted away
// from the teacher's own plain engine.go (no ChildWorkflow/Receiver[T]/
// RunStatus type exists there at all), so only the half that is internally
// consistent — engine.go's WorkflowContext/SignalChannel shape — was usable
// as grounding.
package temporal

import (
	"context"
	"fmt"
	"sync"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/atp-proto/atp-server/atp/engine"
)

// Options configures the Temporal engine adapter.
type Options struct {
	// Client is an optional pre-configured Temporal client. If nil, the
	// adapter creates a lazy client using ClientOptions.
	Client client.Client
	// ClientOptions describe how to construct the Temporal client when
	// Client is nil. Required in that case.
	ClientOptions *client.Options
	// WorkerOptions configures worker defaults; TaskQueue is required.
	WorkerOptions WorkerOptions
	// Instrumentation toggles OTEL tracing/metrics, enabled by default.
	Instrumentation InstrumentationOptions
	// DisableWorkerAutoStart disables automatic worker startup on first
	// StartExecution call.
	DisableWorkerAutoStart bool
}

// WorkerOptions configures the shared worker settings applied to all task
// queues this engine manages.
type WorkerOptions struct {
	TaskQueue string
	Options   worker.Options
}

// InstrumentationOptions configures OTEL wiring for the Temporal client and
// workers.
type InstrumentationOptions struct {
	DisableTracing bool
	DisableMetrics bool
	TracerOptions  temporalotel.TracerOptions
	MetricsOptions temporalotel.MetricsHandlerOptions
}

// Engine implements atp/engine.Engine on Temporal.
type Engine struct {
	client      client.Client
	closeClient bool

	defaultQueue      string
	workerOpts        worker.Options
	autoStartDisabled bool

	mu            sync.Mutex
	workers       map[string]*workerBundle
	workersStarted bool
	executions    map[string]engine.ExecutionDefinition
	callOptions   map[string]engine.CallOptions

	execContexts sync.Map // runID -> *executionContext
}

// New constructs a Temporal engine adapter.
func New(opts Options) (*Engine, error) {
	defaultQueue := opts.WorkerOptions.TaskQueue
	if defaultQueue == "" {
		return nil, fmt.Errorf("temporal engine: worker options must include a default task queue")
	}

	inst, err := configureInstrumentation(opts.Instrumentation)
	if err != nil {
		return nil, err
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, fmt.Errorf("temporal engine: client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		applyClientInstrumentation(&clientOpts, inst)
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}

	workerOpts := opts.WorkerOptions.Options
	applyWorkerInstrumentation(&workerOpts, inst)

	return &Engine{
		client:            cli,
		closeClient:       closeClient,
		defaultQueue:      defaultQueue,
		workerOpts:        workerOpts,
		autoStartDisabled: opts.DisableWorkerAutoStart,
		workers:           make(map[string]*workerBundle),
		executions:        make(map[string]engine.ExecutionDefinition),
		callOptions:       make(map[string]engine.CallOptions),
	}, nil
}

// RegisterExecution registers an execution as a Temporal workflow on the
// queue it names (or the engine default).
func (e *Engine) RegisterExecution(_ context.Context, def engine.ExecutionDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("temporal engine: execution name cannot be empty")
	}
	queue := def.TaskQueue
	if queue == "" {
		queue = e.defaultQueue
	}
	bundle, err := e.workerForQueue(queue)
	if err != nil {
		return err
	}

	bundle.registerWorkflow(def.Name, func(tctx workflow.Context, input any) (any, error) {
		ectx := newExecutionContext(e, tctx)
		defer e.releaseExecutionContext(ectx.RunID())
		return def.Handler(ectx, input)
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.executions[def.Name]; exists {
		return fmt.Errorf("temporal engine: execution %q already registered", def.Name)
	}
	e.executions[def.Name] = def
	return nil
}

// RegisterCall registers a call as a Temporal activity.
func (e *Engine) RegisterCall(_ context.Context, def engine.CallDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("temporal engine: call name cannot be empty")
	}
	queue := def.Options.Queue
	if queue == "" {
		queue = e.defaultQueue
	}
	bundle, err := e.workerForQueue(queue)
	if err != nil {
		return err
	}

	bundle.registerActivity(def.Name, func(actx context.Context, input any) (any, error) {
		return def.Handler(engine.WithCallContext(actx), input)
	})

	e.mu.Lock()
	e.callOptions[def.Name] = def.Options
	e.mu.Unlock()
	return nil
}

// StartExecution launches a new workflow execution on Temporal.
func (e *Engine) StartExecution(ctx context.Context, req engine.ExecutionStartRequest) (engine.ExecutionHandle, error) {
	if req.Execution == "" {
		return nil, fmt.Errorf("temporal engine: execution name is required")
	}
	def, err := e.executionDefinition(req.Execution)
	if err != nil {
		return nil, err
	}

	if !e.autoStartDisabled {
		e.ensureWorkersStarted()
	}

	queue := req.TaskQueue
	if queue == "" {
		queue = def.TaskQueue
	}
	if queue == "" {
		queue = e.defaultQueue
	}

	opts := client.StartWorkflowOptions{ID: req.ID, TaskQueue: queue}
	if rp := convertRetryPolicy(req.RetryPolicy); rp != nil {
		opts.RetryPolicy = rp
	}

	run, err := e.client.ExecuteWorkflow(ctx, opts, def.Name, req.Input)
	if err != nil {
		return nil, err
	}

	return &executionHandle{run: run, client: e.client}, nil
}

// Worker returns a controller for managing the lifecycle of this engine's
// workers.
func (e *Engine) Worker() *WorkerController { return &WorkerController{engine: e} }

// Close shuts down the Temporal client if this engine created it.
func (e *Engine) Close() error {
	if e.closeClient && e.client != nil {
		e.client.Close()
	}
	return nil
}

func (e *Engine) workerForQueue(queue string) (*workerBundle, error) {
	if queue == "" {
		queue = e.defaultQueue
	}
	if queue == "" {
		return nil, fmt.Errorf("temporal engine: no task queue configured")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if bundle, ok := e.workers[queue]; ok {
		return bundle, nil
	}
	bundle := &workerBundle{queue: queue, worker: worker.New(e.client, queue, e.workerOpts)}
	e.workers[queue] = bundle
	if e.workersStarted {
		bundle.start()
	}
	return bundle, nil
}

func (e *Engine) executionDefinition(name string) (engine.ExecutionDefinition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	def, ok := e.executions[name]
	if !ok {
		return engine.ExecutionDefinition{}, fmt.Errorf("temporal engine: execution %q is not registered", name)
	}
	return def, nil
}

func (e *Engine) ensureWorkersStarted() {
	e.mu.Lock()
	if e.workersStarted {
		e.mu.Unlock()
		return
	}
	e.workersStarted = true
	bundles := make([]*workerBundle, 0, len(e.workers))
	for _, b := range e.workers {
		bundles = append(bundles, b)
	}
	e.mu.Unlock()
	for _, b := range bundles {
		b.start()
	}
}

func (e *Engine) trackExecutionContext(runID string, ectx engine.ExecutionContext) {
	if runID != "" {
		e.execContexts.Store(runID, ectx)
	}
}

func (e *Engine) releaseExecutionContext(runID string) {
	if runID != "" {
		e.execContexts.Delete(runID)
	}
}

func (e *Engine) callOptionsFor(name string) engine.CallOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.callOptions[name]
}

// WorkerController manages worker lifecycle for the Temporal engine.
type WorkerController struct{ engine *Engine }

func (c *WorkerController) Start() error {
	c.engine.ensureWorkersStarted()
	return nil
}

func (c *WorkerController) Stop() {
	c.engine.mu.Lock()
	bundles := make([]*workerBundle, 0, len(c.engine.workers))
	for _, b := range c.engine.workers {
		bundles = append(bundles, b)
	}
	c.engine.mu.Unlock()
	for _, b := range bundles {
		b.stop()
	}
}

type workerBundle struct {
	queue     string
	worker    worker.Worker
	startOnce sync.Once
}

func (b *workerBundle) start() {
	b.startOnce.Do(func() {
		go b.worker.Run(worker.InterruptCh()) //nolint:errcheck // best-effort background run; WorkerController.Stop handles shutdown
	})
}

func (b *workerBundle) stop() { b.worker.Stop() }

func (b *workerBundle) registerWorkflow(name string, fn any) {
	b.worker.RegisterWorkflowWithOptions(fn, workflow.RegisterOptions{Name: name})
}

func (b *workerBundle) registerActivity(name string, fn any) {
	b.worker.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
}

type instrumentation struct {
	tracer  interceptor.Interceptor
	metrics client.MetricsHandler
}

func configureInstrumentation(opts InstrumentationOptions) (*instrumentation, error) {
	inst := &instrumentation{}
	if !opts.DisableTracing {
		tracer, err := temporalotel.NewTracingInterceptor(opts.TracerOptions)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
		}
		inst.tracer = tracer
	}
	if !opts.DisableMetrics {
		inst.metrics = temporalotel.NewMetricsHandler(opts.MetricsOptions)
	}
	if inst.tracer == nil && inst.metrics == nil {
		return nil, nil
	}
	return inst, nil
}

func applyClientInstrumentation(opts *client.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
	if inst.metrics != nil && opts.MetricsHandler == nil {
		opts.MetricsHandler = inst.metrics
	}
}

func applyWorkerInstrumentation(opts *worker.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
}

func convertRetryPolicy(r engine.RetryPolicy) *temporalsdk.RetryPolicy {
	if r.MaxAttempts == 0 && r.InitialInterval == 0 && r.BackoffCoefficient == 0 {
		return nil
	}
	policy := &temporalsdk.RetryPolicy{}
	if r.MaxAttempts > 0 {
		//nolint:gosec // MaxAttempts is bounded well below int32 range by config validation.
		policy.MaximumAttempts = int32(r.MaxAttempts)
	}
	if r.InitialInterval > 0 {
		policy.InitialInterval = r.InitialInterval
	}
	if r.BackoffCoefficient > 0 {
		policy.BackoffCoefficient = r.BackoffCoefficient
	}
	return policy
}

func mergeRetryPolicies(base, override engine.RetryPolicy) engine.RetryPolicy {
	result := base
	if override.MaxAttempts != 0 {
		result.MaxAttempts = override.MaxAttempts
	}
	if override.InitialInterval != 0 {
		result.InitialInterval = override.InitialInterval
	}
	if override.BackoffCoefficient != 0 {
		result.BackoffCoefficient = override.BackoffCoefficient
	}
	return result
}

type executionHandle struct {
	run    client.WorkflowRun
	client client.Client
}

func (h *executionHandle) Wait(ctx context.Context, result any) error {
	return h.run.Get(ctx, result)
}

func (h *executionHandle) Signal(ctx context.Context, name string, payload any) error {
	return h.client.SignalWorkflow(ctx, h.run.GetID(), h.run.GetRunID(), name, payload)
}

func (h *executionHandle) Cancel(ctx context.Context) error {
	return h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID())
}

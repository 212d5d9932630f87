// Package inmem is a non-durable Engine implementation for local development
// and tests: one goroutine per execution, Go channels for signals. A process
// restart loses all in-flight state, unlike the Temporal backend.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/atp-proto/atp-server/atp/engine"
)

type (
	eng struct {
		mu         sync.RWMutex
		executions map[string]engine.ExecutionDefinition
		calls      map[string]callHandler
	}

	callHandler struct {
		handler func(context.Context, any) (any, error)
		opts    engine.CallOptions
	}

	handle struct {
		mu     sync.Mutex
		done   chan struct{}
		err    error
		result any
		ectx   *execCtx
	}

	execCtx struct {
		ctx context.Context
		id  string
		eng *eng

		sigMu *sync.Mutex
		sigs  map[string]*signalChan
	}

	future struct {
		mu     sync.Mutex
		ready  chan struct{}
		result any
		err    error
	}

	signalChan struct{ ch chan any }
)

// New returns an Engine suitable for local development, tests, and
// single-process runs. Not replay-safe; suspended state lives only in this
// process's memory.
func New() engine.Engine {
	return &eng{}
}

func (e *eng) RegisterExecution(_ context.Context, def engine.ExecutionDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.executions == nil {
		e.executions = make(map[string]engine.ExecutionDefinition)
	}
	if def.Name == "" || def.Handler == nil {
		return errors.New("inmem engine: invalid execution definition")
	}
	if _, dup := e.executions[def.Name]; dup {
		return fmt.Errorf("inmem engine: execution %q already registered", def.Name)
	}
	e.executions[def.Name] = def
	return nil
}

func (e *eng) RegisterCall(_ context.Context, def engine.CallDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.calls == nil {
		e.calls = make(map[string]callHandler)
	}
	if def.Name == "" || def.Handler == nil {
		return errors.New("inmem engine: invalid call definition")
	}
	if _, dup := e.calls[def.Name]; dup {
		return fmt.Errorf("inmem engine: call %q already registered", def.Name)
	}
	e.calls[def.Name] = callHandler{handler: def.Handler, opts: def.Options}
	return nil
}

func (e *eng) StartExecution(ctx context.Context, req engine.ExecutionStartRequest) (engine.ExecutionHandle, error) {
	e.mu.RLock()
	def, ok := e.executions[req.Execution]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("inmem engine: execution %q not registered", req.Execution)
	}
	if req.ID == "" {
		return nil, errors.New("inmem engine: execution id is required")
	}

	ectx := &execCtx{
		ctx:   ctx,
		id:    req.ID,
		eng:   e,
		sigMu: &sync.Mutex{},
		sigs:  make(map[string]*signalChan),
	}
	h := &handle{done: make(chan struct{}), ectx: ectx}

	go func() {
		defer close(h.done)
		res, err := def.Handler(ectx, req.Input)
		h.mu.Lock()
		h.result, h.err = res, err
		h.mu.Unlock()
	}()

	return h, nil
}

func (h *handle) Wait(ctx context.Context, result any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		assignResult(result, h.result)
		return h.err
	}
}

func (h *handle) Signal(ctx context.Context, name string, payload any) error {
	ch := h.ectx.SignalChannel(name).(*signalChan)
	select {
	case ch.ch <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return errors.New("inmem engine: execution already completed")
	}
}

// Cancel is a no-op that returns nil: the in-memory engine does not stop a
// running execution.
func (h *handle) Cancel(context.Context) error {
	return nil
}

func (w *execCtx) Context() context.Context { return w.ctx }
func (w *execCtx) ExecutionID() string      { return w.id }
func (w *execCtx) RunID() string            { return w.id }
func (w *execCtx) Now() time.Time           { return time.Now() }

func (w *execCtx) ExecuteCall(ctx context.Context, req engine.CallRequest, result any) error {
	fut, err := w.ExecuteCallAsync(ctx, req)
	if err != nil {
		return err
	}
	return fut.Get(ctx, result)
}

func (w *execCtx) ExecuteCallAsync(ctx context.Context, req engine.CallRequest) (engine.Future, error) {
	w.eng.mu.RLock()
	h, ok := w.eng.calls[req.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("inmem engine: call %q not registered", req.Name)
	}
	f := &future{ready: make(chan struct{})}
	go func() {
		defer close(f.ready)
		res, err := h.handler(engine.WithCallContext(ctx), req.Input)
		f.mu.Lock()
		f.result, f.err = res, err
		f.mu.Unlock()
	}()
	return f, nil
}

func (w *execCtx) SignalChannel(name string) engine.SignalChannel {
	w.sigMu.Lock()
	defer w.sigMu.Unlock()
	ch, ok := w.sigs[name]
	if !ok {
		ch = &signalChan{ch: make(chan any, 1)}
		w.sigs[name] = ch
	}
	return ch
}

func (f *future) Get(ctx context.Context, result any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.ready:
		f.mu.Lock()
		defer f.mu.Unlock()
		assignResult(result, f.result)
		return f.err
	}
}

func (f *future) IsReady() bool {
	select {
	case <-f.ready:
		return true
	default:
		return false
	}
}

func (s *signalChan) Receive(ctx context.Context, dest any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case v := <-s.ch:
		assignResult(dest, v)
		return nil
	}
}

func (s *signalChan) ReceiveAsync(dest any) bool {
	select {
	case v := <-s.ch:
		assignResult(dest, v)
		return true
	default:
		return false
	}
}

func assignResult(dst, src any) {
	if dst == nil || src == nil {
		return
	}
	dv := reflect.ValueOf(dst)
	if dv.Kind() != reflect.Ptr || dv.IsNil() {
		return
	}
	sv := reflect.ValueOf(src)
	if sv.IsValid() && sv.Type().AssignableTo(dv.Elem().Type()) {
		dv.Elem().Set(sv)
		return
	}
	if dv.Elem().Kind() == reflect.Interface && sv.Type().Implements(dv.Elem().Type()) {
		dv.Elem().Set(sv)
	}
}

package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atp-proto/atp-server/atp/engine"
)

func TestExecutionRunsCallAndCompletes(t *testing.T) {
	eng := New()
	ctx := context.Background()

	require.NoError(t, eng.RegisterCall(ctx, engine.CallDefinition{
		Name: "weather",
		Handler: func(ctx context.Context, input any) (any, error) {
			return map[string]any{"tempF": 72}, nil
		},
	}))

	require.NoError(t, eng.RegisterExecution(ctx, engine.ExecutionDefinition{
		Name: "weather_program",
		Handler: func(ectx engine.ExecutionContext, input any) (any, error) {
			var out map[string]any
			if err := ectx.ExecuteCall(ectx.Context(), engine.CallRequest{Name: "weather"}, &out); err != nil {
				return nil, err
			}
			return out, nil
		},
	}))

	handle, err := eng.StartExecution(ctx, engine.ExecutionStartRequest{
		ID:        "exec-1",
		Execution: "weather_program",
	})
	require.NoError(t, err)

	var result map[string]any
	require.NoError(t, handle.Wait(ctx, &result))
	require.Equal(t, 72, result["tempF"])
}

func TestExecutionReceivesSignal(t *testing.T) {
	eng := New()
	ctx := context.Background()

	require.NoError(t, eng.RegisterExecution(ctx, engine.ExecutionDefinition{
		Name: "awaits_signal",
		Handler: func(ectx engine.ExecutionContext, input any) (any, error) {
			controller := engine.NewSignalController(ectx)
			sig, err := controller.WaitEffectResult(ectx.Context())
			if err != nil {
				return nil, err
			}
			return sig.Result, nil
		},
	}))

	handle, err := eng.StartExecution(ctx, engine.ExecutionStartRequest{
		ID:        "exec-2",
		Execution: "awaits_signal",
	})
	require.NoError(t, err)

	require.NoError(t, handle.Signal(ctx, engine.SignalEffectResult, engine.EffectResultSignal{
		EffectID: "eff-1",
		Result:   "answered",
	}))

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	var result any
	require.NoError(t, handle.Wait(waitCtx, &result))
	require.Equal(t, "answered", result)
}

func TestStartExecutionFailsForUnregisteredExecution(t *testing.T) {
	eng := New()
	_, err := eng.StartExecution(context.Background(), engine.ExecutionStartRequest{ID: "x", Execution: "missing"})
	require.Error(t, err)
}

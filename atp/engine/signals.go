package engine

import (
	"context"
	"errors"
)

// Signal names a durable execution listens for, grounded on the teacher's
// interrupt.Controller pause/resume signal vocabulary and narrowed to what
// an ATP execution actually needs to receive externally: the client's
// answer to a suspended call, and a cancellation request.
const (
	// SignalEffectResult delivers the client's answer to one or more
	// suspended calls, the durable-engine equivalent of atp/coordinator.Resume.
	SignalEffectResult = "atp.signal.effect_result"
	// SignalCancel requests that a running execution stop.
	SignalCancel = "atp.signal.cancel"
)

// EffectResultSignal is the payload delivered on SignalEffectResult.
type EffectResultSignal struct {
	EffectID string
	Result   any
	Error    string
}

// CancelSignal is the payload delivered on SignalCancel.
type CancelSignal struct {
	Reason string
}

// SignalController drains an execution's external signals. It wraps
// ExecutionContext.SignalChannel so execution handlers don't need to know
// the raw signal names.
type SignalController struct {
	effectCh SignalChannel
	cancelCh SignalChannel
}

// NewSignalController builds a controller wired to ectx's signal channels.
func NewSignalController(ectx ExecutionContext) *SignalController {
	return &SignalController{
		effectCh: ectx.SignalChannel(SignalEffectResult),
		cancelCh: ectx.SignalChannel(SignalCancel),
	}
}

// PollCancel attempts to dequeue a cancel request without blocking.
func (c *SignalController) PollCancel() (CancelSignal, bool) {
	if c == nil || c.cancelCh == nil {
		return CancelSignal{}, false
	}
	var sig CancelSignal
	if !c.cancelCh.ReceiveAsync(&sig) {
		return CancelSignal{}, false
	}
	return sig, true
}

// WaitEffectResult blocks until the client delivers an answer to a suspended
// call.
func (c *SignalController) WaitEffectResult(ctx context.Context) (EffectResultSignal, error) {
	if c == nil || c.effectCh == nil {
		return EffectResultSignal{}, errors.New("engine: effect result channel unavailable")
	}
	var sig EffectResultSignal
	if err := c.effectCh.Receive(ctx, &sig); err != nil {
		return EffectResultSignal{}, err
	}
	return sig, nil
}

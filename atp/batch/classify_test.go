package batch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atp-proto/atp-server/atp/sandbox"
)

func notifyCall(siteKey string) *sandbox.Call {
	return &sandbox.Call{
		Callee:      &sandbox.Member{Object: &sandbox.Ident{Name: "api"}, Property: &sandbox.Literal{Value: sandbox.Text("notify")}},
		Args:        []sandbox.Node{&sandbox.Ident{Name: "item"}},
		CallSiteKey: siteKey,
	}
}

func TestClassifyLoopSimpleIterationIsIndependent(t *testing.T) {
	c := ClassifyLoop(notifyCall("cs1"), 3)
	require.True(t, c.Independent)
}

func TestClassifyLoopConditionalWithinThresholdIsIndependent(t *testing.T) {
	body := &sandbox.If{
		Cond: &sandbox.Ident{Name: "enabled"},
		Then: notifyCall("cs1"),
	}
	c := ClassifyLoop(body, BatchSizeThreshold)
	require.True(t, c.Independent)
}

func TestClassifyLoopConditionalOverThresholdIsSequential(t *testing.T) {
	body := &sandbox.If{
		Cond: &sandbox.Ident{Name: "enabled"},
		Then: notifyCall("cs1"),
	}
	c := ClassifyLoop(body, BatchSizeThreshold+1)
	require.False(t, c.Independent)
}

func TestClassifyLoopConditionalUnknownSizeIsSequential(t *testing.T) {
	body := &sandbox.If{
		Cond: &sandbox.Ident{Name: "enabled"},
		Then: notifyCall("cs1"),
	}
	c := ClassifyLoop(body, -1)
	require.False(t, c.Independent)
}

func TestClassifyLoopInterIterationAssignIsSequential(t *testing.T) {
	body := &sandbox.Block{Body: []sandbox.Node{
		notifyCall("cs1"),
		&sandbox.Assign{Target: &sandbox.Ident{Name: "total"}, Value: &sandbox.Literal{Value: sandbox.Num(1)}},
	}}
	c := ClassifyLoop(body, 5)
	require.False(t, c.Independent)
}

func TestClassifyWaitAllIsAlwaysIndependent(t *testing.T) {
	c := ClassifyWaitAll(&sandbox.WaitAll{Exprs: []sandbox.Node{notifyCall("cs1"), notifyCall("cs2")}})
	require.True(t, c.Independent)
}

func TestClassifyReduceIsAlwaysSequential(t *testing.T) {
	c := ClassifyReduce(notifyCall("cs1"))
	require.False(t, c.Independent)
}

func TestSchedulerAllowsWithinBudget(t *testing.T) {
	s := NewScheduler(10, 10)
	require.NoError(t, s.Allow("sess_1", 5))
}

func TestSchedulerRejectsOverBudget(t *testing.T) {
	s := NewScheduler(1, 2)
	require.NoError(t, s.Allow("sess_1", 2))
	require.Error(t, s.Allow("sess_1", 2))
}

func TestSchedulerTracksSessionsIndependently(t *testing.T) {
	s := NewScheduler(1, 1)
	require.NoError(t, s.Allow("sess_a", 1))
	require.NoError(t, s.Allow("sess_b", 1))
	require.Error(t, s.Allow("sess_a", 1))
}

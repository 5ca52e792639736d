package interpreter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dovaclean/testorc/internal/retry"
	"github.com/dovaclean/testorc/pkg/core"
	"github.com/dovaclean/testorc/testing/mocks"
)

func floatPtr(v float64) *float64 { return &v }

func tapThenEndGraph() *core.Graph {
	return core.NewGraph("g1", "tap-then-end", []core.Node{
		{ID: "start", Kind: core.NodeStart},
		{ID: "tap", Kind: core.NodeAction, Action: &core.ActionParams{Kind: core.ActionTap, X: floatPtr(10), Y: floatPtr(20)}},
		{ID: "end", Kind: core.NodeEnd},
	}, []core.Edge{
		{From: 0, To: 1},
		{From: 1, To: 2},
	})
}

func TestInterpreter_Run_HappyPath(t *testing.T) {
	driver := mocks.NewMockDeviceDriver()
	in := New(driver, retry.DefaultConfig(), nil)

	steps, err := in.Run(context.Background(), core.DeviceSession{DeviceID: "d1"}, tapThenEndGraph(), nil)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, core.StepPassed, steps[1].Status)
	assert.Equal(t, 1, driver.TapCount)
}

func TestInterpreter_Run_PercentCoordinateRemap(t *testing.T) {
	driver := mocks.NewMockDeviceDriver()
	driver.ScreenW, driver.ScreenH = 1000, 2000
	in := New(driver, retry.DefaultConfig(), nil)

	xp, yp := 0.5, 0.25
	g := core.NewGraph("g", "g", []core.Node{
		{ID: "start", Kind: core.NodeStart},
		{ID: "tap", Kind: core.NodeAction, Action: &core.ActionParams{Kind: core.ActionTap, XPercent: &xp, YPercent: &yp}},
		{ID: "end", Kind: core.NodeEnd},
	}, []core.Edge{{From: 0, To: 1}, {From: 1, To: 2}})

	steps, err := in.Run(context.Background(), core.DeviceSession{}, g, nil)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, core.StepPassed, steps[1].Status)
}

func TestInterpreter_Run_RetriesThenFails(t *testing.T) {
	driver := mocks.NewMockDeviceDriver()
	driver.ShouldFail = true
	in := New(driver, &retry.Config{MaxAttempts: 10, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}, nil)

	g := core.NewGraph("g", "g", []core.Node{
		{ID: "start", Kind: core.NodeStart},
		{ID: "tap", Kind: core.NodeAction, Action: &core.ActionParams{Kind: core.ActionTap, X: floatPtr(1), Y: floatPtr(1), MaxRetries: 2}},
		{ID: "end", Kind: core.NodeEnd},
	}, []core.Edge{{From: 0, To: 1}, {From: 1, To: 2}})

	steps, err := in.Run(context.Background(), core.DeviceSession{}, g, nil)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, core.StepFailed, steps[1].Status)
	assert.NotEmpty(t, steps[1].Category)
}

func TestInterpreter_Run_ConditionBranching(t *testing.T) {
	driver := mocks.NewMockDeviceDriver()
	in := New(driver, retry.DefaultConfig(), nil)

	g := core.NewGraph("g", "g", []core.Node{
		{ID: "start", Kind: core.NodeStart},
		{ID: "cond", Kind: core.NodeCondition, Condition: &core.ConditionParams{Expression: "true"}},
		{ID: "yes-end", Kind: core.NodeEnd},
		{ID: "no-end", Kind: core.NodeEnd},
	}, []core.Edge{
		{From: 0, To: 1},
		{From: 1, To: 2, Label: core.BranchYes},
		{From: 1, To: 3, Label: core.BranchNo},
	})

	steps, err := in.Run(context.Background(), core.DeviceSession{}, g, nil)
	require.NoError(t, err)
	require.Len(t, steps, 3)
}

func TestInterpreter_Run_LoopIteratesThenExits(t *testing.T) {
	driver := mocks.NewMockDeviceDriver()
	in := New(driver, retry.DefaultConfig(), nil)

	g := core.NewGraph("g", "g", []core.Node{
		{ID: "start", Kind: core.NodeStart},
		{ID: "loop", Kind: core.NodeLoop, Loop: &core.LoopParams{LoopCount: 3}},
		{ID: "tap", Kind: core.NodeAction, Action: &core.ActionParams{Kind: core.ActionTap, X: floatPtr(1), Y: floatPtr(1)}},
		{ID: "end", Kind: core.NodeEnd},
	}, []core.Edge{
		{From: 0, To: 1},
		{From: 1, To: 2, Label: core.BranchLoop},
		{From: 2, To: 1},
		{From: 1, To: 3, Label: core.BranchExit},
	})

	steps, err := in.Run(context.Background(), core.DeviceSession{}, g, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, driver.TapCount)
	assert.Greater(t, len(steps), 3)
}

func TestInterpreter_Run_CancelMidWalk(t *testing.T) {
	driver := mocks.NewMockDeviceDriver()
	in := New(driver, retry.DefaultConfig(), nil)

	cancel := make(chan struct{})
	close(cancel)

	steps, err := in.Run(context.Background(), core.DeviceSession{}, tapThenEndGraph(), cancel)
	require.NoError(t, err)
	require.NotEmpty(t, steps)
	assert.Equal(t, core.StepStopped, steps[len(steps)-1].Status)
}

func TestInterpreter_Run_MalformedGraphRejected(t *testing.T) {
	driver := mocks.NewMockDeviceDriver()
	in := New(driver, retry.DefaultConfig(), nil)

	g := core.NewGraph("g", "g", []core.Node{
		{ID: "end", Kind: core.NodeEnd},
	}, nil)

	_, err := in.Run(context.Background(), core.DeviceSession{}, g, nil)
	assert.ErrorIs(t, err, core.ErrMalformedGraph)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, core.FailureTimeout, classify(errTimeout{}))
}

type errTimeout struct{}

func (errTimeout) Error() string { return "operation timed out" }

func TestMigrateAbsoluteToPercent(t *testing.T) {
	g := core.NewGraph("g", "g", []core.Node{
		{ID: "start", Kind: core.NodeStart},
		{ID: "tap", Kind: core.NodeAction, Action: &core.ActionParams{Kind: core.ActionTap, X: floatPtr(500), Y: floatPtr(1000)}},
		{ID: "end", Kind: core.NodeEnd},
	}, []core.Edge{{From: 0, To: 1}, {From: 1, To: 2}})

	MigrateAbsoluteToPercent(g, 1000, 2000)

	params := g.Nodes[1].Action
	require.NotNil(t, params.XPercent)
	assert.InDelta(t, 0.5, *params.XPercent, 0.0001)
	assert.InDelta(t, 0.5, *params.YPercent, 0.0001)
}

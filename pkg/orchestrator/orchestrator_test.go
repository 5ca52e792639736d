package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dovaclean/testorc/pkg/core"
	"github.com/dovaclean/testorc/pkg/events"
	"github.com/dovaclean/testorc/pkg/executor"
	"github.com/dovaclean/testorc/pkg/interpreter"
	"github.com/dovaclean/testorc/pkg/registry/memory"
	"github.com/dovaclean/testorc/pkg/session"
	"github.com/dovaclean/testorc/testing/mocks"
)

type waitScenarioRepo struct {
	graph *core.Graph
}

func newWaitScenarioRepo(waitMillis int) *waitScenarioRepo {
	graph := core.NewGraph("slow", "slow", []core.Node{
		{ID: "start", Kind: core.NodeStart},
		{ID: "wait", Kind: core.NodeAction, Action: &core.ActionParams{Kind: core.ActionWait, Duration: waitMillis}},
		{ID: "end", Kind: core.NodeEnd},
	}, []core.Edge{{From: 0, To: 1}, {From: 1, To: 2}})
	return &waitScenarioRepo{graph: graph}
}

func (r *waitScenarioRepo) Get(ctx context.Context, scenarioID string) (*core.Graph, error) {
	return r.graph, nil
}

func (r *waitScenarioRepo) List(ctx context.Context, categoryID string) ([]core.Graph, error) {
	return []core.Graph{*r.graph}, nil
}

// blockingOpener embeds the fast mock opener but never returns for a
// chosen device, simulating S6's "session that never materializes".
type blockingOpener struct {
	mocks.MockOpener
	stuckDevice string
}

func (b *blockingOpener) Open(ctx context.Context, device core.Device) (int, int, error) {
	if device.ID == b.stuckDevice {
		<-ctx.Done()
		return 0, 0, ctx.Err()
	}
	return b.MockOpener.Open(ctx, device)
}

func buildOrchestratorWithOpener(t *testing.T, config *Config, waitMillis int, opener session.Opener, devices ...string) (*Orchestrator, func()) {
	t.Helper()
	log := zerolog.Nop()
	bus := events.NewBus(64)
	reg := memory.New()
	for _, id := range devices {
		require.NoError(t, reg.Add(context.Background(), core.Device{ID: id, Status: core.DeviceOnline}))
	}

	sessions, err := session.New(nil, opener, bus, log)
	require.NoError(t, err)

	driver := mocks.NewMockDeviceDriver()
	interp := interpreter.New(driver, nil, nil)
	exec := executor.New(nil, sessions, newWaitScenarioRepo(waitMillis), interp, bus, nil, log)

	orch, err := New(config, reg, exec, bus, log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	orch.Start(ctx)

	return orch, func() {
		cancel()
		orch.Stop()
	}
}

func buildOrchestrator(t *testing.T, config *Config, waitMillis int, devices ...string) (*Orchestrator, func()) {
	t.Helper()
	return buildOrchestratorWithOpener(t, config, waitMillis, &mocks.MockOpener{}, devices...)
}

func waitForState(t *testing.T, orch *Orchestrator, queueID string, want core.QueuedTestState, timeout time.Duration) core.QueuedTest {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, qt := range orch.QueueStatus(context.Background()) {
			if qt.QueueID == queueID && qt.State == want {
				return qt
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("queue item %s did not reach state %s", queueID, want)
	return core.QueuedTest{}
}

func TestOrchestrator_SubmitRunsImmediatelyWhenFree(t *testing.T) {
	orch, stop := buildOrchestrator(t, nil, 1, "d1")
	defer stop()

	result, err := orch.SubmitFull(context.Background(), core.TestRequest{DeviceIDs: []string{"d1"}, ScenarioIDs: []string{"slow"}, RepeatCount: 1}, "alice", "t1", core.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, core.SubmitStarted, result.Status)
	assert.NotEmpty(t, result.ExecutionID)
}

func TestOrchestrator_ForceComplete_FailsWhilePreconditionUnmet(t *testing.T) {
	orch, stop := buildOrchestrator(t, nil, 200, "d1")
	defer stop()

	result, err := orch.SubmitFull(context.Background(), core.TestRequest{DeviceIDs: []string{"d1"}, ScenarioIDs: []string{"slow"}, RepeatCount: 1}, "alice", "t1", core.PriorityNormal)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	err = orch.ForceComplete(context.Background(), result.ExecutionID, "alice")
	assert.ErrorIs(t, err, core.ErrPreconditionFailed)
}

func TestOrchestrator_ForceComplete_WrongCallerForbidden(t *testing.T) {
	orch, stop := buildOrchestrator(t, nil, 200, "d1")
	defer stop()

	result, err := orch.SubmitFull(context.Background(), core.TestRequest{DeviceIDs: []string{"d1"}, ScenarioIDs: []string{"slow"}, RepeatCount: 1}, "alice", "t1", core.PriorityNormal)
	require.NoError(t, err)

	err = orch.ForceComplete(context.Background(), result.ExecutionID, "mallory")
	assert.ErrorIs(t, err, core.ErrForbidden)
}

func TestOrchestrator_ForceComplete_UnknownExecution(t *testing.T) {
	orch, stop := buildOrchestrator(t, nil, 1, "d1")
	defer stop()

	err := orch.ForceComplete(context.Background(), "does-not-exist", "alice")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestOrchestrator_Cancel_QueuedItem(t *testing.T) {
	orch, stop := buildOrchestrator(t, nil, 200, "d1")
	defer stop()

	holder, err := orch.SubmitFull(context.Background(), core.TestRequest{DeviceIDs: []string{"d1"}, ScenarioIDs: []string{"slow"}, RepeatCount: 1}, "alice", "holder", core.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, core.SubmitStarted, holder.Status)

	blocked, err := orch.SubmitFull(context.Background(), core.TestRequest{DeviceIDs: []string{"d1"}, ScenarioIDs: []string{"slow"}, RepeatCount: 1}, "bob", "blocked", core.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, core.SubmitQueued, blocked.Status)

	require.NoError(t, orch.Cancel(context.Background(), blocked.QueueID, "bob"))
}

func TestOrchestrator_Cancel_WrongCallerForbidden(t *testing.T) {
	orch, stop := buildOrchestrator(t, nil, 200, "d1")
	defer stop()

	holder, err := orch.SubmitFull(context.Background(), core.TestRequest{DeviceIDs: []string{"d1"}, ScenarioIDs: []string{"slow"}, RepeatCount: 1}, "alice", "holder", core.PriorityNormal)
	require.NoError(t, err)

	blocked, err := orch.SubmitFull(context.Background(), core.TestRequest{DeviceIDs: []string{"d1"}, ScenarioIDs: []string{"slow"}, RepeatCount: 1}, "bob", "blocked", core.PriorityNormal)
	require.NoError(t, err)
	_ = holder

	err = orch.Cancel(context.Background(), blocked.QueueID, "mallory")
	assert.ErrorIs(t, err, core.ErrForbidden)
}

func TestOrchestrator_DeviceStatuses_BusyMineAndOther(t *testing.T) {
	orch, stop := buildOrchestrator(t, nil, 200, "d1", "d2")
	defer stop()

	_, err := orch.SubmitFull(context.Background(), core.TestRequest{DeviceIDs: []string{"d1"}, ScenarioIDs: []string{"slow"}, RepeatCount: 1}, "alice", "t1", core.PriorityNormal)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	statusesForAlice, err := orch.DeviceStatuses(context.Background(), "alice")
	require.NoError(t, err)

	var d1Status, d2Status core.DeviceAvailability
	for _, s := range statusesForAlice {
		switch s.DeviceID {
		case "d1":
			d1Status = s.Status
		case "d2":
			d2Status = s.Status
		}
	}
	assert.Equal(t, core.DeviceBusyMine, d1Status)
	assert.Equal(t, core.DeviceAvailable, d2Status)

	statusesForBob, err := orch.DeviceStatuses(context.Background(), "bob")
	require.NoError(t, err)
	for _, s := range statusesForBob {
		if s.DeviceID == "d1" {
			assert.Equal(t, core.DeviceBusyOther, s.Status)
		}
	}
}

func TestOrchestrator_SplitOnPartial(t *testing.T) {
	orch, stop := buildOrchestrator(t, &Config{CompletedRingSize: 50, SplitOnPartial: true}, 200, "d1", "d2")
	defer stop()

	_, err := orch.SubmitFull(context.Background(), core.TestRequest{DeviceIDs: []string{"d1"}, ScenarioIDs: []string{"slow"}, RepeatCount: 1}, "alice", "holder", core.PriorityNormal)
	require.NoError(t, err)

	result, err := orch.SubmitFull(context.Background(), core.TestRequest{DeviceIDs: []string{"d1", "d2"}, ScenarioIDs: []string{"slow"}, RepeatCount: 1}, "bob", "partial", core.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, core.SubmitPartial, result.Status)
	require.NotNil(t, result.Split)
	assert.NotEmpty(t, result.Split.ImmediateQueueID)
	assert.NotEmpty(t, result.Split.QueuedQueueID)
}

func TestOrchestrator_SplitOnPartial_DisabledQueuesWholeRequest(t *testing.T) {
	orch, stop := buildOrchestrator(t, &Config{CompletedRingSize: 50, SplitOnPartial: false}, 200, "d1", "d2")
	defer stop()

	_, err := orch.SubmitFull(context.Background(), core.TestRequest{DeviceIDs: []string{"d1"}, ScenarioIDs: []string{"slow"}, RepeatCount: 1}, "alice", "holder", core.PriorityNormal)
	require.NoError(t, err)

	result, err := orch.SubmitFull(context.Background(), core.TestRequest{DeviceIDs: []string{"d1", "d2"}, ScenarioIDs: []string{"slow"}, RepeatCount: 1}, "bob", "whole", core.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, core.SubmitQueued, result.Status)
	assert.Nil(t, result.Split)
}

func TestOrchestrator_CompletedRing_Bounded(t *testing.T) {
	orch, stop := buildOrchestrator(t, &Config{CompletedRingSize: 1}, 1, "d1")
	defer stop()

	for i := 0; i < 3; i++ {
		result, err := orch.SubmitFull(context.Background(), core.TestRequest{DeviceIDs: []string{"d1"}, ScenarioIDs: []string{"slow"}, RepeatCount: 1}, "alice", "t", core.PriorityNormal)
		require.NoError(t, err)
		waitForCompletedSummary(t, orch, result.QueueID, time.Second)
	}

	ring := orch.CompletedRing(context.Background())
	assert.LessOrEqual(t, len(ring), 1)
}

// TestOrchestrator_PriorityOverrideWithDisjointSets exercises spec.md's
// S3: a queue head blocked on a still-locked device must not stall an
// unrelated, disjoint-device submission that arrives later and at a
// lower priority (work-conserving head-of-line scan, §4.6).
func TestOrchestrator_PriorityOverrideWithDisjointSets(t *testing.T) {
	orch, stop := buildOrchestrator(t, nil, 200, "A", "B", "C")
	defer stop()

	running, err := orch.SubmitFull(context.Background(), core.TestRequest{DeviceIDs: []string{"A", "B"}, ScenarioIDs: []string{"slow"}, RepeatCount: 1}, "alice", "running", core.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, core.SubmitStarted, running.Status)

	head, err := orch.SubmitFull(context.Background(), core.TestRequest{DeviceIDs: []string{"A"}, ScenarioIDs: []string{"slow"}, RepeatCount: 1}, "bob", "head", core.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, core.SubmitQueued, head.Status)

	disjoint, err := orch.SubmitFull(context.Background(), core.TestRequest{DeviceIDs: []string{"C"}, ScenarioIDs: []string{"slow"}, RepeatCount: 1}, "carol", "disjoint", core.PriorityLow)
	require.NoError(t, err)
	assert.Equal(t, core.SubmitStarted, disjoint.Status, "a disjoint, lower-priority submission must run ahead of a higher-priority item blocked on a locked device")

	// The blocked, higher-priority head item must still be ahead of the
	// running execution's device set once it frees.
	qt := waitForState(t, orch, head.QueueID, core.StateRunning, 2*time.Second)
	assert.Equal(t, core.StateRunning, qt.State)
}

// TestOrchestrator_CancelWhileRunning exercises spec.md's S5: cancelling
// a running execution releases its device lock within a bounded delay
// and the queue item settles into Cancelled.
func TestOrchestrator_CancelWhileRunning(t *testing.T) {
	orch, stop := buildOrchestrator(t, nil, 500, "d1")
	defer stop()

	result, err := orch.SubmitFull(context.Background(), core.TestRequest{DeviceIDs: []string{"d1"}, ScenarioIDs: []string{"slow"}, RepeatCount: 1}, "alice", "running", core.PriorityNormal)
	require.NoError(t, err)
	require.Equal(t, core.SubmitStarted, result.Status)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, orch.Cancel(context.Background(), result.QueueID, "alice"))

	waitForState(t, orch, result.QueueID, core.StateCancelled, 2*time.Second)

	statuses, err := orch.DeviceStatuses(context.Background(), "alice")
	require.NoError(t, err)
	for _, s := range statuses {
		if s.DeviceID == "d1" {
			assert.Equal(t, core.DeviceAvailable, s.Status, "device must be released once the cancelled execution drains")
		}
	}
}

// TestOrchestrator_ForceComplete_Succeeds exercises spec.md's S6: devices
// A and B finish their scenario while C sits blocked on a session that
// never materializes. forceComplete must still succeed — C counts as
// pending, not active — finalising the report with C skipped.
func TestOrchestrator_ForceComplete_Succeeds(t *testing.T) {
	opener := &blockingOpener{stuckDevice: "C"}
	orch, stop := buildOrchestratorWithOpener(t, nil, 1, opener, "A", "B", "C")
	defer stop()

	result, err := orch.SubmitFull(context.Background(), core.TestRequest{DeviceIDs: []string{"A", "B", "C"}, ScenarioIDs: []string{"slow"}, RepeatCount: 1}, "alice", "t1", core.PriorityNormal)
	require.NoError(t, err)
	require.Equal(t, core.SubmitStarted, result.Status)

	// A and B finish their 1ms scenario almost immediately; C stays
	// blocked in SessionManager.Ensure for the whole test.
	deadline := time.Now().Add(2 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		lastErr = orch.ForceComplete(context.Background(), result.ExecutionID, "alice")
		if lastErr == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, lastErr)

	waitForState(t, orch, result.QueueID, core.StateCancelled, 2*time.Second)
}

func waitForCompletedSummary(t *testing.T, orch *Orchestrator, queueID string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, s := range orch.CompletedRing(context.Background()) {
			if s.QueueID == queueID {
				return
			}
		}
		// Ring may have already evicted this entry if subsequent tests
		// completed first; fall back to confirming it is no longer running.
		stillRunning := false
		for _, qt := range orch.QueueStatus(context.Background()) {
			if qt.QueueID == queueID {
				stillRunning = true
			}
		}
		if !stillRunning {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("queue item %s never completed", queueID)
}

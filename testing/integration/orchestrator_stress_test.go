package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dovaclean/testorc/pkg/core"
	"github.com/dovaclean/testorc/pkg/events"
	"github.com/dovaclean/testorc/pkg/executor"
	"github.com/dovaclean/testorc/pkg/interpreter"
	"github.com/dovaclean/testorc/pkg/orchestrator"
	"github.com/dovaclean/testorc/pkg/registry/memory"
	"github.com/dovaclean/testorc/pkg/session"
	"github.com/dovaclean/testorc/testing/mocks"
)

// fakeScenarioRepo serves the same trivial tap-then-end graph for every
// scenario ID, enough to exercise the interpreter under load without
// needing a real scenario store.
type fakeScenarioRepo struct {
	graph *core.Graph
}

func newFakeScenarioRepo() *fakeScenarioRepo {
	x, y := 0.5, 0.5
	graph := core.NewGraph("smoke", "smoke", []core.Node{
		{ID: "start", Kind: core.NodeStart},
		{ID: "tap", Kind: core.NodeAction, Action: &core.ActionParams{
			Kind: core.ActionTap, XPercent: &x, YPercent: &y,
		}},
		{ID: "end", Kind: core.NodeEnd},
	}, []core.Edge{
		{From: 0, To: 1},
		{From: 1, To: 2},
	})
	return &fakeScenarioRepo{graph: graph}
}

func (f *fakeScenarioRepo) Get(ctx context.Context, scenarioID string) (*core.Graph, error) {
	return f.graph, nil
}

func (f *fakeScenarioRepo) List(ctx context.Context, categoryID string) ([]core.Graph, error) {
	return []core.Graph{*f.graph}, nil
}

func buildFleet(ctx context.Context, t *testing.T, deviceCount int) (*orchestrator.Orchestrator, *events.Bus, func()) {
	t.Helper()

	log := zerolog.Nop()
	bus := events.NewBus(64)
	reg := memory.New()

	for i := 0; i < deviceCount; i++ {
		dev := core.Device{ID: fmt.Sprintf("device-%d", i), Status: core.DeviceOnline}
		if err := reg.Add(ctx, dev); err != nil {
			t.Fatalf("add device: %v", err)
		}
	}

	opener := &mocks.MockOpener{}
	sessions, err := session.New(session.DefaultConfig(), opener, bus, log)
	if err != nil {
		t.Fatalf("new session manager: %v", err)
	}
	sessions.Start(ctx)

	driver := mocks.NewMockDeviceDriver()
	interp := interpreter.New(driver, nil, nil)
	scenarios := newFakeScenarioRepo()

	execConfig := executor.DefaultConfig()
	execConfig.MaxConcurrentDevices = 100
	exec := executor.New(execConfig, sessions, scenarios, interp, bus, nil, log)

	orch, err := orchestrator.New(orchestrator.DefaultConfig(), reg, exec, bus, log)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	orch.Start(ctx)

	cleanup := func() {
		orch.Stop()
		sessions.Stop(ctx)
	}
	return orch, bus, cleanup
}

func waitForCompletion(t *testing.T, orch *orchestrator.Orchestrator, queueID string, timeout time.Duration) core.QueuedTestState {
	t.Helper()

	ctx := context.Background()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, q := range orch.QueueStatus(ctx) {
			if q.QueueID != queueID {
				continue
			}
			switch q.State {
			case core.StateCompleted, core.StateFailed, core.StateCancelled:
				return q.State
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	return core.StateQueued
}

func TestOrchestrator_Stress_ManyDevices(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping orchestrator stress test in short mode")
	}

	testOrchestratorStress(t, 200)
}

func testOrchestratorStress(t *testing.T, deviceCount int) {
	t.Helper()
	ctx := context.Background()

	orch, _, cleanup := buildFleet(ctx, t, deviceCount)
	defer cleanup()

	deviceIDs := make([]string, deviceCount)
	for i := range deviceIDs {
		deviceIDs[i] = fmt.Sprintf("device-%d", i)
	}

	req := core.TestRequest{
		DeviceIDs:   deviceIDs,
		ScenarioIDs: []string{"smoke"},
		RepeatCount: 1,
	}

	start := time.Now()
	queueID, err := orch.Submit(ctx, req, "stress-user", "fleet smoke test", core.PriorityNormal)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	state := waitForCompletion(t, orch, queueID, 30*time.Second)
	elapsed := time.Since(start)

	t.Logf("stress run: devices=%d duration=%v final_state=%s", deviceCount, elapsed, state)

	if state != core.StateCompleted {
		t.Errorf("expected completed, got %s", state)
	}
}

// TestOrchestrator_ConcurrentSubmissions runs several independent
// submissions against disjoint device sets concurrently and checks that
// none interfere with another's admission.
func TestOrchestrator_ConcurrentSubmissions(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping concurrent submissions test in short mode")
	}

	ctx := context.Background()
	const submissions = 10
	const devicesPerSubmission = 20

	orch, _, cleanup := buildFleet(ctx, t, submissions*devicesPerSubmission)
	defer cleanup()

	var wg sync.WaitGroup
	errs := make(chan error, submissions)
	queueIDs := make([]string, submissions)

	start := time.Now()
	for i := 0; i < submissions; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			deviceIDs := make([]string, devicesPerSubmission)
			for j := range deviceIDs {
				deviceIDs[j] = fmt.Sprintf("device-%d", idx*devicesPerSubmission+j)
			}

			req := core.TestRequest{DeviceIDs: deviceIDs, ScenarioIDs: []string{"smoke"}, RepeatCount: 1}
			queueID, err := orch.Submit(ctx, req, fmt.Sprintf("user-%d", idx), "concurrent smoke", core.PriorityNormal)
			if err != nil {
				errs <- err
				return
			}
			queueIDs[idx] = queueID
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("submission failed: %v", err)
	}

	for i, queueID := range queueIDs {
		if queueID == "" {
			continue
		}
		state := waitForCompletion(t, orch, queueID, 30*time.Second)
		if state != core.StateCompleted {
			t.Errorf("submission %d: expected completed, got %s", i, state)
		}
	}

	t.Logf("concurrent submissions: %d runs, duration=%v", submissions, time.Since(start))
}

// TestOrchestrator_DeviceLockContention submits two overlapping requests
// for the same device set and asserts both eventually complete.
func TestOrchestrator_DeviceLockContention(t *testing.T) {
	ctx := context.Background()
	orch, _, cleanup := buildFleet(ctx, t, 5)
	defer cleanup()

	req := core.TestRequest{DeviceIDs: []string{"device-0", "device-1"}, ScenarioIDs: []string{"smoke"}, RepeatCount: 1}

	first, err := orch.Submit(ctx, req, "user-a", "first", core.PriorityNormal)
	if err != nil {
		t.Fatalf("submit first: %v", err)
	}
	second, err := orch.Submit(ctx, req, "user-b", "second", core.PriorityNormal)
	if err != nil {
		t.Fatalf("submit second: %v", err)
	}

	firstState := waitForCompletion(t, orch, first, 10*time.Second)
	secondState := waitForCompletion(t, orch, second, 10*time.Second)

	if firstState != core.StateCompleted {
		t.Errorf("first request: expected completed, got %s", firstState)
	}
	if secondState != core.StateCompleted {
		t.Errorf("second request: expected completed, got %s", secondState)
	}
}

// TestOrchestrator_CancelQueuedItem submits a low-priority request for an
// already-locked device and cancels it before the lock frees, asserting
// it never transitions to running.
func TestOrchestrator_CancelQueuedItem(t *testing.T) {
	ctx := context.Background()
	orch, _, cleanup := buildFleet(ctx, t, 2)
	defer cleanup()

	req := core.TestRequest{DeviceIDs: []string{"device-0"}, ScenarioIDs: []string{"smoke"}, RepeatCount: 1}

	blocker, err := orch.Submit(ctx, req, "user-a", "blocker", core.PriorityHigh)
	if err != nil {
		t.Fatalf("submit blocker: %v", err)
	}
	waiting, err := orch.Submit(ctx, req, "user-b", "waiting", core.PriorityLow)
	if err != nil {
		t.Fatalf("submit waiting: %v", err)
	}

	if err := orch.Cancel(ctx, waiting, "user-b"); err != nil {
		t.Fatalf("cancel waiting: %v", err)
	}

	blockerState := waitForCompletion(t, orch, blocker, 10*time.Second)
	if blockerState != core.StateCompleted {
		t.Errorf("blocker: expected completed, got %s", blockerState)
	}

	for _, q := range orch.QueueStatus(ctx) {
		if q.QueueID == waiting {
			t.Errorf("cancelled item %s still present with state %s", waiting, q.State)
		}
	}
}

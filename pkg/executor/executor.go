// Package executor implements TestExecutor: given an admitted
// TestRequest and its already-locked devices, runs the Cartesian
// product of (scenario x repeatIndex) per device and produces a
// core.TestReport (spec.md §4.5). Grounded on the teacher's
// pkg/orchestrator/execute.go ExecuteUpdateWithPayload: registry.List
// -> pool.New(maxConcurrent) -> one task per device -> progress +
// events.Publish around the fan-out, carried over almost unchanged in
// shape, with the per-device task body replaced by the sequential
// scenario loop this spec requires.
package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dovaclean/testorc/internal/pool"
	"github.com/dovaclean/testorc/pkg/core"
	"github.com/dovaclean/testorc/pkg/events"
	"github.com/dovaclean/testorc/pkg/interpreter"
	"github.com/dovaclean/testorc/pkg/ports"
	"github.com/dovaclean/testorc/pkg/session"
)

// Config holds TestExecutor configuration.
type Config struct {
	// MaxConcurrentDevices bounds how many devices run simultaneously,
	// mirroring the teacher's Config.MaxConcurrent.
	MaxConcurrentDevices int
}

// DefaultConfig returns executor configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{MaxConcurrentDevices: 20}
}

// Executor runs TestRequests against already-locked devices.
type Executor struct {
	config      *Config
	sessions    *session.Manager
	scenarios   ports.ScenarioRepo
	interpreter *interpreter.Interpreter
	bus         *events.Bus
	metrics     ports.MetricsSink
	log         zerolog.Logger
}

// New creates an Executor. config may be nil to use DefaultConfig.
func New(config *Config, sessions *session.Manager, scenarios ports.ScenarioRepo, interp *interpreter.Interpreter, bus *events.Bus, metrics ports.MetricsSink, log zerolog.Logger) *Executor {
	if config == nil {
		config = DefaultConfig()
	}
	if metrics == nil {
		metrics = ports.NopMetricsSink{}
	}
	return &Executor{
		config:      config,
		sessions:    sessions,
		scenarios:   scenarios,
		interpreter: interp,
		bus:         bus,
		metrics:     metrics,
		log:         log.With().Str("component", "executor").Logger(),
	}
}

// Run executes req against devices under executionID, honoring cancel
// for cooperative stop (spec.md §4.4 "Cancellation"). onDeviceActive, if
// non-nil, is called with active=true only once a device's session is
// in hand and a scenario step is actually dispatching (interpreter.Run),
// and active=false as soon as that step returns. A device blocked inside
// SessionManager.Ensure — e.g. waiting on a session that never
// materializes — is never reported active, so spec.md §4.6's
// forceComplete precondition ("zero devices running") can still be
// satisfied while such a device sits pending; TestOrchestrator uses this
// callback to evaluate that precondition.
func (e *Executor) Run(ctx context.Context, executionID string, req core.TestRequest, devices []core.Device, cancel <-chan struct{}, onDeviceActive func(deviceID string, active bool)) *core.TestReport {
	if onDeviceActive == nil {
		onDeviceActive = func(string, bool) {}
	}
	started := time.Now()

	e.bus.Publish(events.Event{
		Kind:        events.KindTestStart,
		Room:        events.ExecutionRoom(executionID),
		ExecutionID: executionID,
		Data: map[string]interface{}{
			"total_devices":   len(devices),
			"total_work":      req.TotalWorkItems(),
			"scenario_count":  len(req.ScenarioIDs),
			"repeat_count":    req.RepeatCount,
		},
	})

	total := req.TotalWorkItems()
	var completed int64

	workerPool := pool.New(e.config.MaxConcurrentDevices)
	workerPool.Start(ctx)

	var mu sync.Mutex
	perScenario := make(map[string][]core.DeviceResult, len(req.ScenarioIDs))

	for _, device := range devices {
		device := device
		workerPool.Submit(func(ctx context.Context) error {
			e.runDevice(ctx, executionID, req, device, cancel, &completed, total, onDeviceActive, func(scenarioID string, result core.DeviceResult) {
				mu.Lock()
				perScenario[scenarioID] = append(perScenario[scenarioID], result)
				mu.Unlock()
			})
			return nil
		})
	}

	workerPool.Stop()

	report := e.aggregate(executionID, req, perScenario, started, cancel)

	e.bus.Publish(events.Event{
		Kind:        events.KindTestComplete,
		Room:        events.ExecutionRoom(executionID),
		ExecutionID: executionID,
		Data: map[string]interface{}{
			"status": string(report.Status),
		},
	})

	e.metrics.IncCounter("executor_reports_total", map[string]string{"status": string(report.Status)})
	e.metrics.ObserveDuration("executor_report_duration_seconds", map[string]string{"status": string(report.Status)}, report.CompletedAt.Sub(report.StartedAt))

	return report
}

// runDevice runs the Cartesian product (scenario x repeatIndex) for a
// single device sequentially, sleeping ScenarioInterval between
// scenarios (spec.md §4.5 "Fan-out").
func (e *Executor) runDevice(ctx context.Context, executionID string, req core.TestRequest, device core.Device, cancel <-chan struct{}, completed *int64, total int, onDeviceActive func(deviceID string, active bool), record func(scenarioID string, result core.DeviceResult)) {
	skipRest := false

	// repeatCount mirors TestRequest.TotalWorkItems()'s clamp: an unset
	// (zero-value) RepeatCount means "run once", not "run zero times",
	// so the actual dispatch count always matches the progress total.
	repeatCount := req.RepeatCount
	if repeatCount < 1 {
		repeatCount = 1
	}

	for i, scenarioID := range req.ScenarioIDs {
		for repeatIndex := 0; repeatIndex < repeatCount; repeatIndex++ {
			select {
			case <-cancel:
				record(scenarioID, core.DeviceResult{DeviceID: device.ID, RepeatIndex: repeatIndex, Status: core.StepStopped})
				atomic.AddInt64(completed, 1)
				e.publishProgress(executionID, atomic.LoadInt64(completed), total)
				continue
			default:
			}

			if skipRest {
				record(scenarioID, core.DeviceResult{DeviceID: device.ID, RepeatIndex: repeatIndex, Status: core.StepSkipped, SkipReason: "device unavailable"})
				atomic.AddInt64(completed, 1)
				e.publishProgress(executionID, atomic.LoadInt64(completed), total)
				continue
			}

			result, terminal := e.runOne(ctx, executionID, device, scenarioID, repeatIndex, cancel, onDeviceActive)
			record(scenarioID, result)
			if terminal {
				skipRest = true
			}

			atomic.AddInt64(completed, 1)
			e.publishProgress(executionID, atomic.LoadInt64(completed), total)
		}

		if i < len(req.ScenarioIDs)-1 {
			select {
			case <-time.After(req.ScenarioInterval):
			case <-cancel:
			case <-ctx.Done():
			}
		}
	}
}

// runOne runs a single (device, scenario, repeat) triple. terminal
// reports whether the device should skip its remaining scenarios
// (spec.md §4.5 step 2: "DeviceUnavailable -> skip rest").
func (e *Executor) runOne(ctx context.Context, executionID string, device core.Device, scenarioID string, repeatIndex int, cancel <-chan struct{}, onDeviceActive func(deviceID string, active bool)) (core.DeviceResult, bool) {
	e.bus.Publish(events.Event{
		Kind:        events.KindDeviceScenarioStart,
		Room:        events.DeviceRoom(device.ID),
		ExecutionID: executionID,
		DeviceID:    device.ID,
		Data:        map[string]interface{}{"scenario_id": scenarioID, "repeat_index": repeatIndex},
	})

	started := time.Now()

	// Ensure's context is cancelled as soon as the execution's
	// cancellation token fires, not just when the process-wide ctx is
	// done. Without this a device stuck in session creation — spec.md
	// §4.6's forceComplete example and §4 S6 — would block this worker
	// forever, and neither cancel nor forceComplete could ever finalize
	// the execution.
	sessionCtx, stopWatch := watchCancel(ctx, cancel)
	sess, err := e.sessions.Ensure(sessionCtx, device)
	stopWatch()
	if err != nil {
		reason := err.Error()
		select {
		case <-cancel:
			reason = "forceCompleted"
		default:
		}
		result := core.DeviceResult{
			DeviceID: device.ID, RepeatIndex: repeatIndex,
			Status: core.StepSkipped, SkipReason: reason,
			StartedAt: started, CompletedAt: time.Now(),
		}
		terminal := isTerminalDeviceError(err) || reason == "forceCompleted"
		e.publishScenarioComplete(executionID, device.ID, scenarioID, result)
		return result, terminal
	}

	graph, err := e.scenarios.Get(ctx, scenarioID)
	if err != nil {
		result := core.DeviceResult{
			DeviceID: device.ID, RepeatIndex: repeatIndex,
			Status: core.StepFailed, SkipReason: err.Error(),
			StartedAt: started, CompletedAt: time.Now(),
		}
		e.publishScenarioComplete(executionID, device.ID, scenarioID, result)
		return result, false
	}

	onDeviceActive(device.ID, true)
	steps, err := e.interpreter.Run(ctx, sess, graph, cancel)
	onDeviceActive(device.ID, false)
	status := deriveStatus(steps, err)

	result := core.DeviceResult{
		DeviceID:    device.ID,
		RepeatIndex: repeatIndex,
		Status:      status,
		Steps:       steps,
		StartedAt:   started,
		CompletedAt: time.Now(),
		Environment: map[string]string{
			"brand": device.Brand, "model": device.Model, "os_version": device.OSVersion,
		},
	}
	e.publishScenarioComplete(executionID, device.ID, scenarioID, result)
	return result, false
}

// watchCancel returns a context derived from ctx that is also cancelled
// as soon as cancel fires, plus a stop func to release the watcher
// goroutine once the derived context is no longer needed.
func watchCancel(ctx context.Context, cancel <-chan struct{}) (context.Context, func()) {
	derived, abort := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		select {
		case <-cancel:
			abort()
		case <-derived.Done():
		}
		close(done)
	}()
	return derived, func() {
		abort()
		<-done
	}
}

func (e *Executor) publishScenarioComplete(executionID, deviceID, scenarioID string, result core.DeviceResult) {
	e.bus.Publish(events.Event{
		Kind:        events.KindDeviceScenarioComplete,
		Room:        events.DeviceRoom(deviceID),
		ExecutionID: executionID,
		DeviceID:    deviceID,
		Data: map[string]interface{}{
			"scenario_id": scenarioID,
			"status":      string(result.Status),
		},
	})
	e.metrics.IncCounter("executor_device_scenario_total", map[string]string{
		"scenario_id": scenarioID,
		"status":      string(result.Status),
	})
	if !result.CompletedAt.IsZero() && !result.StartedAt.IsZero() {
		e.metrics.ObserveDuration("executor_device_scenario_duration_seconds", map[string]string{"scenario_id": scenarioID}, result.CompletedAt.Sub(result.StartedAt))
	}
}

func (e *Executor) publishProgress(executionID string, completed int64, total int) {
	percent := 0.0
	if total > 0 {
		percent = float64(completed) / float64(total) * 100
	}
	e.bus.Publish(events.Event{
		Kind:        events.KindTestProgress,
		Room:        events.ExecutionRoom(executionID),
		ExecutionID: executionID,
		Data: map[string]interface{}{
			"completed": completed,
			"total":     total,
			"percent":   percent,
		},
	})
	e.metrics.SetGauge("executor_progress_percent", map[string]string{"execution_id": executionID}, percent)
}

func isTerminalDeviceError(err error) bool {
	return errors.Is(err, core.ErrDeviceUnavailable)
}

func deriveStatus(steps []core.StepResult, runErr error) core.StepStatus {
	if runErr != nil {
		return core.StepFailed
	}
	for _, s := range steps {
		if s.Status == core.StepStopped {
			return core.StepStopped
		}
	}
	for _, s := range steps {
		if s.Status == core.StepFailed {
			return core.StepFailed
		}
	}
	return core.StepPassed
}

// aggregate implements spec.md §4.5 "Aggregation".
func (e *Executor) aggregate(executionID string, req core.TestRequest, perScenario map[string][]core.DeviceResult, started time.Time, cancel <-chan struct{}) *core.TestReport {
	scenarios := make([]core.ScenarioResult, 0, len(req.ScenarioIDs))
	stats := core.Stats{FailureHistogram: make(map[core.FailureCategory]int)}

	allPassed, allFailed, allSkipped, anyMix := true, true, true, false

	for _, scenarioID := range req.ScenarioIDs {
		devices := perScenario[scenarioID]
		passed, failed, skipped := 0, 0, 0

		for _, d := range devices {
			switch d.Status {
			case core.StepPassed:
				passed++
				stats.Passed++
			case core.StepSkipped:
				skipped++
				stats.Skipped++
			default:
				failed++
				stats.Failed++
			}
			for _, step := range d.Steps {
				if step.Category != "" {
					stats.FailureHistogram[step.Category]++
				}
				stats.TotalDuration += step.TotalTime
			}
		}

		var status core.ScenarioStatus
		switch {
		case failed == 0 && skipped == 0:
			status = core.ScenarioPassed
		case passed == 0 && skipped == 0:
			status = core.ScenarioFailed
		case passed == 0 && failed == 0:
			status = core.ScenarioSkipped
		default:
			status = core.ScenarioPartial
		}

		scenarios = append(scenarios, core.ScenarioResult{ScenarioID: scenarioID, Status: status, Devices: devices})

		allPassed = allPassed && status == core.ScenarioPassed
		allFailed = allFailed && status == core.ScenarioFailed
		allSkipped = allSkipped && status == core.ScenarioSkipped
		if status == core.ScenarioPartial {
			anyMix = true
		}
	}

	reportStatus := core.ReportPartial
	select {
	case <-cancel:
		reportStatus = core.ReportStopped
	default:
		switch {
		case allPassed:
			reportStatus = core.ReportCompleted
		case allFailed && !allSkipped:
			reportStatus = core.ReportFailed
		case anyMix:
			reportStatus = core.ReportPartial
		}
	}

	return &core.TestReport{
		ExecutionID: executionID,
		Status:      reportStatus,
		Scenarios:   scenarios,
		Stats:       stats,
		StartedAt:   started,
		CompletedAt: time.Now(),
	}
}

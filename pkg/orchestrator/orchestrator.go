// Package orchestrator implements TestOrchestrator: admission, device
// locking, fairness, cancel/force-complete, and the submission queue
// (spec.md §4.6). Grounded on the teacher's pkg/scheduler.Scheduler for
// its Config/DefaultConfig/Start/Stop/stopCh/sync.WaitGroup shutdown
// shape, but redesigned per Concurrency §5 and Design Notes §9: instead
// of a ticker polling a map behind sync.RWMutex, a single goroutine
// (run) owns the queue, device-lock table, and running set, reached
// only through an inbound commands channel. The priority queue itself
// is a container/heap, generalizing the teacher's flat map iteration in
// processScheduledUpdates.
package orchestrator

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dovaclean/testorc/pkg/core"
	"github.com/dovaclean/testorc/pkg/events"
	"github.com/dovaclean/testorc/pkg/executor"
	"github.com/dovaclean/testorc/pkg/ports"
	"github.com/dovaclean/testorc/pkg/registry"
)

// Config holds orchestrator configuration.
type Config struct {
	// CompletedRingSize bounds how many finished tests are retained for
	// late-joining clients (spec.md §4.6 "Completed ring").
	CompletedRingSize int

	// SplitOnPartial opts into spec.md §4.6 admission case 3: a request
	// whose devices are only partially available is split into an
	// immediate sub-request on the free subset and a queued sub-request
	// on the rest, instead of queuing the whole thing (§9 Open
	// Questions: "the spec admits splitting as an explicit opt-in
	// mode"). Off by default, matching the all-or-nothing policy.
	SplitOnPartial bool
}

// DefaultConfig returns orchestrator configuration with sensible
// defaults.
func DefaultConfig() *Config {
	return &Config{CompletedRingSize: 50}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.CompletedRingSize < 1 {
		return fmt.Errorf("CompletedRingSize must be at least 1")
	}
	return nil
}

// Orchestrator is the single-owner-goroutine scheduler. Every exported
// method sends a command on commands and blocks on a per-call result
// channel; run is the only goroutine that ever touches queue,
// lockTable, or running.
type Orchestrator struct {
	config       *Config
	registry     registry.Registry
	executor     *executor.Executor
	bus          *events.Bus
	log          zerolog.Logger
	scenarioRepo ports.ScenarioRepo // optional; admission-time scenario-id validation only

	reportRepo ports.ReportRepo // optional; persists each release()'s TestReport when wired

	commands chan command
	stopCh   chan struct{}
	wg       sync.WaitGroup

	// Owned exclusively by run.
	queue     *queueHeap
	byID      map[string]*queueItem
	lockTable map[string]core.DeviceLock
	running   map[string]*runningExecution
	completed []core.CompletedSummary
}

type runningExecution struct {
	item    *queueItem
	devices []string
	cancel  chan struct{}

	mu          sync.Mutex
	activeCount int // devices currently mid-dispatch (session ensure through interpreter run)
}

func (re *runningExecution) setActive(active bool) {
	re.mu.Lock()
	defer re.mu.Unlock()
	if active {
		re.activeCount++
	} else {
		re.activeCount--
	}
}

func (re *runningExecution) anyActive() bool {
	re.mu.Lock()
	defer re.mu.Unlock()
	return re.activeCount > 0
}

// New creates an Orchestrator. config may be nil to use DefaultConfig.
func New(config *Config, reg registry.Registry, exec *executor.Executor, bus *events.Bus, log zerolog.Logger) (*Orchestrator, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	q := &queueHeap{}
	heap.Init(q)

	return &Orchestrator{
		config:    config,
		registry:  reg,
		executor:  exec,
		bus:       bus,
		log:       log.With().Str("component", "orchestrator").Logger(),
		commands:  make(chan command, 64),
		stopCh:    make(chan struct{}),
		queue:     q,
		byID:      make(map[string]*queueItem),
		lockTable: make(map[string]core.DeviceLock),
		running:   make(map[string]*runningExecution),
	}, nil
}

// Start begins the scheduler goroutine.
func (o *Orchestrator) Start(ctx context.Context) {
	o.wg.Add(1)
	go o.run(ctx)
}

// Stop halts the scheduler goroutine and waits for it to exit.
func (o *Orchestrator) Stop() {
	close(o.stopCh)
	o.wg.Wait()
}

func (o *Orchestrator) run(ctx context.Context) {
	defer o.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case cmd := <-o.commands:
			cmd.apply(o, ctx)
			o.scanQueue(ctx)
		}
	}
}

// Submit admits req into the queue under requester's identity and
// returns the assigned QueueID. It is a thin wrapper over SubmitFull for
// callers that only care about the primary queueId (spec.md §6's
// submitTest always yields exactly one, even under a partial split).
func (o *Orchestrator) Submit(ctx context.Context, req core.TestRequest, requester, testName string, priority core.Priority) (string, error) {
	result, err := o.SubmitFull(ctx, req, requester, testName, priority)
	if err != nil {
		return "", err
	}
	return result.QueueID, nil
}

// SetScenarioRepo wires an optional ScenarioRepo used only to validate
// that submitted scenarioIds exist at admission time (spec.md §4.6 step
// 1). If unset, scenario-id existence is not checked, since ScenarioRepo
// is a consumed port with no production backing store in this module.
func (o *Orchestrator) SetScenarioRepo(repo ports.ScenarioRepo) { o.scenarioRepo = repo }

// SetReportRepo wires an optional ReportRepo that every completed
// execution's TestReport is saved into, so downstream consumers (e.g.
// pkg/report's flaky-scenario and failure-histogram analysis) have a
// history to read from. If unset, reports are not persisted.
func (o *Orchestrator) SetReportRepo(repo ports.ReportRepo) { o.reportRepo = repo }

// SubmitFull runs spec.md §4.6's admission algorithm and returns the
// full TestSubmitResponse shape from §6, including the split/queued
// detail a caller needs to render queue position or a split execution.
// The admitted QueuedTest is typed core.TypeTest, distinguishing an ad
// hoc submission from a cron-triggered one.
func (o *Orchestrator) SubmitFull(ctx context.Context, req core.TestRequest, requester, testName string, priority core.Priority) (core.SubmitResult, error) {
	return o.submitTyped(ctx, req, requester, testName, priority, core.TypeTest)
}

// SubmitSuite is SubmitFull's cron-triggered counterpart: the admitted
// QueuedTest is typed core.TypeSuite, matching spec.md §4.7's "Manual
// runNow is equivalent to an immediate submit" and ScheduleManager's
// own fire path, both of which submit on behalf of a schedule rather
// than a live requester.
func (o *Orchestrator) SubmitSuite(ctx context.Context, req core.TestRequest, requester, testName string, priority core.Priority) (core.SubmitResult, error) {
	return o.submitTyped(ctx, req, requester, testName, priority, core.TypeSuite)
}

func (o *Orchestrator) submitTyped(ctx context.Context, req core.TestRequest, requester, testName string, priority core.Priority, testType core.QueuedTestType) (core.SubmitResult, error) {
	reply := make(chan submitReply, 1)
	o.send(ctx, submitCmd{req: req, requester: requester, testName: testName, priority: priority, testType: testType, reply: reply})

	select {
	case r := <-reply:
		return r.result, r.err
	case <-ctx.Done():
		return core.SubmitResult{}, ctx.Err()
	}
}

// DeviceStatuses implements spec.md §4.6's getDeviceStatuses(userName):
// for every known device, whether it is available, locked by the
// caller, locked by someone else, or reserved by a queued item ahead of
// admission.
func (o *Orchestrator) DeviceStatuses(ctx context.Context, userName string) ([]core.DeviceStatusEntry, error) {
	devices, err := o.registry.List(ctx, core.Filter{})
	if err != nil {
		return nil, err
	}
	reply := make(chan []core.DeviceStatusEntry, 1)
	o.send(ctx, deviceStatusCmd{devices: devices, userName: userName, reply: reply})
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel cancels a queued or running test. Only its original requester
// may cancel it.
func (o *Orchestrator) Cancel(ctx context.Context, queueID, caller string) error {
	reply := make(chan error, 1)
	o.send(ctx, cancelCmd{queueID: queueID, caller: caller, reply: reply})
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForceComplete implements spec.md §4.6's forceComplete: allowed only
// when none of the execution's devices is mid-dispatch (see
// runningExecution.activeCount); whether any device is still pending is
// not checked.
func (o *Orchestrator) ForceComplete(ctx context.Context, executionID, caller string) error {
	reply := make(chan error, 1)
	o.send(ctx, forceCompleteCmd{executionID: executionID, caller: caller, reply: reply})
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueStatus returns a snapshot of every queued and running test.
func (o *Orchestrator) QueueStatus(ctx context.Context) []core.QueuedTest {
	reply := make(chan []core.QueuedTest, 1)
	o.send(ctx, statusCmd{reply: reply})
	select {
	case r := <-reply:
		return r
	case <-ctx.Done():
		return nil
	}
}

// CompletedRing returns the most recently completed tests.
func (o *Orchestrator) CompletedRing(ctx context.Context) []core.CompletedSummary {
	reply := make(chan []core.CompletedSummary, 1)
	o.send(ctx, completedRingCmd{reply: reply})
	select {
	case r := <-reply:
		return r
	case <-ctx.Done():
		return nil
	}
}

// NotifyDisconnect implements spec.md §4.6's disconnect handling:
// queued items are retained, running items continue.
func (o *Orchestrator) NotifyDisconnect(ctx context.Context, requester string) {
	o.send(ctx, disconnectCmd{requester: requester})
}

func (o *Orchestrator) send(ctx context.Context, cmd command) {
	select {
	case o.commands <- cmd:
	case <-ctx.Done():
	}
}

// admit starts item's execution: locks its devices, spawns the
// executor goroutine, and records it as running. Only called from
// run's goroutine.
func (o *Orchestrator) admit(ctx context.Context, item *queueItem) {
	now := time.Now()
	item.test.State = core.StateRunning
	item.test.StartedAt = &now
	if item.test.ExecutionID == "" {
		item.test.ExecutionID = uuid.NewString()
	}

	for _, d := range item.test.Request.DeviceIDs {
		o.lockTable[d] = core.DeviceLock{DeviceID: d, Holder: item.test.QueueID, Since: now}
	}

	cancel := make(chan struct{})
	re := &runningExecution{
		item:    item,
		devices: item.test.Request.DeviceIDs,
		cancel:  cancel,
	}
	o.running[item.test.ExecutionID] = re
	delete(o.byID, item.test.QueueID)

	executionID := item.test.ExecutionID
	req := item.test.Request
	requester := item.test.Requester

	devices := make([]core.Device, 0, len(req.DeviceIDs))
	for _, id := range req.DeviceIDs {
		if dev, err := o.registry.Get(ctx, id); err == nil {
			devices = append(devices, *dev)
		} else {
			devices = append(devices, core.Device{ID: id})
		}
	}

	o.bus.Publish(events.Event{Kind: events.KindQueueUpdated, Room: events.UserRoom(requester)})

	go func() {
		report := o.executor.Run(ctx, executionID, req, devices, cancel, re.setActive)
		o.send(ctx, completedCmd{executionID: executionID, report: report})
	}()
}

// scanQueue implements spec.md §4.6's "Head-of-line scan": walk the
// queue in priority order and admit every item whose device set is
// entirely free, including against devices reserved by items already
// admitted earlier in this same pass. Items that cannot be admitted
// are left in place without reserving their devices, so a later,
// disjoint item may still run ahead of them (work-conserving).
func (o *Orchestrator) scanQueue(ctx context.Context) {
	ordered := o.queue.ordered()

	reserved := make(map[string]bool, len(o.lockTable))
	for d := range o.lockTable {
		reserved[d] = true
	}

	for _, item := range ordered {
		free := true
		for _, d := range item.test.Request.DeviceIDs {
			if reserved[d] {
				free = false
				break
			}
		}
		if !free {
			item.test.State = core.StateWaitingDevices
			item.test.WaitingInfo = o.waitingInfo(item)
			continue
		}

		for _, d := range item.test.Request.DeviceIDs {
			reserved[d] = true
		}
		o.queue.remove(item)
		o.admit(ctx, item)
	}
}

// runningByQueueID finds the runningExecution holding a device lock.
// lockTable entries are keyed by queueId (DeviceLock.Holder), while
// o.running is keyed by executionId, so this scans the (small, bounded
// by concurrent executions) running set rather than conflating the two
// identifiers.
func (o *Orchestrator) runningByQueueID(queueID string) *runningExecution {
	for _, re := range o.running {
		if re.item.test.QueueID == queueID {
			return re
		}
	}
	return nil
}

func (o *Orchestrator) waitingInfo(item *queueItem) *core.WaitingInfo {
	info := &core.WaitingInfo{QueuePosition: o.queue.positionOf(item)}
	for _, d := range item.test.Request.DeviceIDs {
		lock, ok := o.lockTable[d]
		if !ok {
			continue
		}
		name := ""
		if re := o.runningByQueueID(lock.Holder); re != nil {
			name = re.item.test.TestName
		}
		info.BlockedByDevices = append(info.BlockedByDevices, core.BlockedDevice{
			DeviceID: d,
			UsedBy:   lock.Holder,
			TestName: name,
		})
	}
	return info
}

// release frees a finished execution's device locks and files its
// summary into the completed ring.
func (o *Orchestrator) release(ctx context.Context, executionID string, report *core.TestReport) {
	if o.reportRepo != nil {
		if _, err := o.reportRepo.Save(ctx, *report); err != nil {
			o.log.Warn().Err(err).Str("execution_id", executionID).Msg("failed to persist test report")
		}
	}

	re, ok := o.running[executionID]
	if !ok {
		return
	}
	for _, d := range re.devices {
		if lock, ok := o.lockTable[d]; ok && lock.Holder == re.item.test.QueueID {
			delete(o.lockTable, d)
		}
	}
	delete(o.running, executionID)

	now := time.Now()
	re.item.test.CompletedAt = &now
	switch report.Status {
	case core.ReportCompleted, core.ReportPartial:
		re.item.test.State = core.StateCompleted
	case core.ReportStopped:
		re.item.test.State = core.StateCancelled
	default:
		re.item.test.State = core.StateFailed
	}

	o.completed = append(o.completed, core.CompletedSummary{
		QueueID:      re.item.test.QueueID,
		Success:      report.Status == core.ReportCompleted,
		SuccessCount: report.Stats.Passed,
		TotalCount:   report.Stats.Passed + report.Stats.Failed + report.Stats.Skipped,
		Duration:     report.CompletedAt.Sub(report.StartedAt),
		CompletedAt:  now,
	})
	if len(o.completed) > o.config.CompletedRingSize {
		o.completed = o.completed[len(o.completed)-o.config.CompletedRingSize:]
	}

	o.bus.Publish(events.Event{Kind: events.KindQueueUpdated, Room: events.UserRoom(re.item.test.Requester)})
}

package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dovaclean/testorc/internal/validation"
	"github.com/dovaclean/testorc/pkg/core"
)

// command is one message processed exclusively inside run (spec.md
// §4.6/§5: "all mutations to these structures arrive on an inbound
// channel (submit / cancel / forceComplete / completed / device-event)").
type command interface {
	apply(o *Orchestrator, ctx context.Context)
}

type queueItem struct {
	test core.QueuedTest
}

type submitReply struct {
	result core.SubmitResult
	err    error
}

type submitCmd struct {
	req       core.TestRequest
	requester string
	testName  string
	priority  core.Priority
	testType  core.QueuedTestType
	reply     chan submitReply
}

// apply implements spec.md §4.6's admission algorithm: validate, split
// requested devices into available/locked, then either admit
// immediately, enqueue wholesale, or (if Config.SplitOnPartial) split
// into an immediate sub-request and a queued sub-request sharing
// requester, priority, and scenario list.
func (c submitCmd) apply(o *Orchestrator, ctx context.Context) {
	if err := o.validate(ctx, c.req); err != nil {
		c.reply <- submitReply{err: fmt.Errorf("%w: %s", core.ErrInvalidRequest, err)}
		return
	}

	locked := make(map[string]bool, len(o.lockTable))
	for d := range o.lockTable {
		locked[d] = true
	}

	var available, blocked []string
	for _, d := range c.req.DeviceIDs {
		if locked[d] {
			blocked = append(blocked, d)
		} else {
			available = append(available, d)
		}
	}

	now := time.Now()

	switch {
	case len(blocked) == 0:
		// available == requestedDevices: lock all and run now. scanQueue
		// (run synchronously right after this command, same goroutine)
		// performs the actual admit(); the executionId is minted here so
		// the immediate reply can carry it.
		item := c.newItem(c.req, now)
		item.test.ExecutionID = uuid.NewString()
		o.byID[item.test.QueueID] = item
		o.queue.push(item)
		c.reply <- submitReply{result: core.SubmitResult{Status: core.SubmitStarted, QueueID: item.test.QueueID, ExecutionID: item.test.ExecutionID}}

	case len(available) == 0 || !o.config.SplitOnPartial:
		// available == ∅, or partial availability with splitting
		// disabled: queue the whole request.
		item := c.newItem(c.req, now)
		o.byID[item.test.QueueID] = item
		o.queue.push(item)
		item.test.State = core.StateWaitingDevices
		item.test.WaitingInfo = o.waitingInfo(item)
		c.reply <- submitReply{result: core.SubmitResult{
			Status:            core.SubmitQueued,
			QueueID:           item.test.QueueID,
			Position:          item.test.WaitingInfo.QueuePosition,
			EstimatedWaitTime: item.test.WaitingInfo.EstimatedWaitTime,
		}}

	default:
		// partial & splitOnPartial: split into an immediate sub-request
		// on the free subset and a queued sub-request on the rest.
		immediateReq := c.req
		immediateReq.DeviceIDs = available
		immediateItem := c.newItem(immediateReq, now)
		immediateItem.test.ExecutionID = uuid.NewString()
		o.byID[immediateItem.test.QueueID] = immediateItem
		o.queue.push(immediateItem)

		queuedReq := c.req
		queuedReq.DeviceIDs = blocked
		queuedItem := c.newItem(queuedReq, now)
		o.byID[queuedItem.test.QueueID] = queuedItem
		o.queue.push(queuedItem)
		queuedItem.test.State = core.StateWaitingDevices
		queuedItem.test.WaitingInfo = o.waitingInfo(queuedItem)

		split := &core.SplitExecution{ImmediateQueueID: immediateItem.test.QueueID, QueuedQueueID: queuedItem.test.QueueID}
		c.reply <- submitReply{result: core.SubmitResult{
			Status:      core.SubmitPartial,
			QueueID:     immediateItem.test.QueueID,
			ExecutionID: immediateItem.test.ExecutionID,
			Split:       split,
		}}
	}
}

// validate implements spec.md §4.6 step 1: all deviceIds must exist and
// be connected; all scenarioIds must exist (when a ScenarioRepo is
// wired; see Orchestrator.SetScenarioRepo).
func (o *Orchestrator) validate(ctx context.Context, req core.TestRequest) error {
	if err := validation.ValidateRequest(req); err != nil {
		return err
	}
	for _, id := range req.DeviceIDs {
		dev, err := o.registry.Get(ctx, id)
		if err != nil || dev == nil {
			return fmt.Errorf("device %q not found", id)
		}
		if dev.Status != core.DeviceOnline {
			return fmt.Errorf("device %q not connected", id)
		}
	}
	if o.scenarioRepo != nil {
		for _, id := range req.ScenarioIDs {
			if _, err := o.scenarioRepo.Get(ctx, id); err != nil {
				return fmt.Errorf("scenario %q not found", id)
			}
		}
	}
	return nil
}

func (c submitCmd) newItem(req core.TestRequest, now time.Time) *queueItem {
	testType := c.testType
	if testType == "" {
		testType = core.TypeTest
	}
	return &queueItem{test: core.QueuedTest{
		QueueID:     uuid.NewString(),
		Request:     req,
		Requester:   c.requester,
		TestName:    c.testName,
		Priority:    c.priority,
		SubmittedAt: now,
		State:       core.StateQueued,
		Type:        testType,
	}}
}

type cancelCmd struct {
	queueID string
	caller  string
	reply   chan error
}

func (c cancelCmd) apply(o *Orchestrator, ctx context.Context) {
	if item, ok := o.byID[c.queueID]; ok {
		if item.test.Requester != c.caller {
			c.reply <- core.ErrForbidden
			return
		}
		o.queue.remove(item)
		delete(o.byID, c.queueID)
		item.test.State = core.StateCancelled
		c.reply <- nil
		return
	}

	for _, re := range o.running {
		if re.item.test.QueueID == c.queueID {
			if re.item.test.Requester != c.caller {
				c.reply <- core.ErrForbidden
				return
			}
			select {
			case <-re.cancel:
			default:
				close(re.cancel)
			}
			c.reply <- nil
			return
		}
	}

	c.reply <- core.ErrNotFound
}

type forceCompleteCmd struct {
	executionID string
	caller      string
	reply       chan error
}

func (c forceCompleteCmd) apply(o *Orchestrator, ctx context.Context) {
	re, ok := o.running[c.executionID]
	if !ok {
		c.reply <- core.ErrNotFound
		return
	}
	if re.item.test.Requester != c.caller {
		c.reply <- core.ErrForbidden
		return
	}

	// spec.md §4.6: allowed only when nothing is still actively running
	// a scenario step; devices still waiting (e.g. stuck on session
	// creation) do not block it, and none need remain. anyActive reflects executor.Run's onDeviceActive
	// callback, which a device holds true only while a step is actually
	// dispatching through the interpreter, not while blocked in
	// SessionManager.Ensure.
	if re.anyActive() {
		c.reply <- core.ErrPreconditionFailed
		return
	}

	select {
	case <-re.cancel:
	default:
		close(re.cancel)
	}
	c.reply <- nil
}

type completedCmd struct {
	executionID string
	report      *core.TestReport
}

func (c completedCmd) apply(o *Orchestrator, ctx context.Context) {
	o.release(ctx, c.executionID, c.report)
}

type statusCmd struct {
	reply chan []core.QueuedTest
}

func (c statusCmd) apply(o *Orchestrator, ctx context.Context) {
	out := make([]core.QueuedTest, 0, len(o.byID)+len(o.running))
	for _, item := range o.queue.ordered() {
		out = append(out, item.test)
	}
	for _, re := range o.running {
		out = append(out, re.item.test)
	}
	c.reply <- out
}

type completedRingCmd struct {
	reply chan []core.CompletedSummary
}

func (c completedRingCmd) apply(o *Orchestrator, ctx context.Context) {
	out := make([]core.CompletedSummary, len(o.completed))
	copy(out, o.completed)
	c.reply <- out
}

type deviceStatusCmd struct {
	devices  []core.Device
	userName string
	reply    chan []core.DeviceStatusEntry
}

// apply implements spec.md §4.6's getDeviceStatuses(userName): a device
// is busy_mine/busy_other depending on whose requester owns the lock,
// reserved if it is unlocked but named in the device set of an item still
// waiting in the queue, else available.
func (c deviceStatusCmd) apply(o *Orchestrator, ctx context.Context) {
	out := make([]core.DeviceStatusEntry, 0, len(c.devices))
	for _, dev := range c.devices {
		entry := core.DeviceStatusEntry{DeviceID: dev.ID, Status: core.DeviceAvailable}

		if lock, ok := o.lockTable[dev.ID]; ok {
			if re := o.runningByQueueID(lock.Holder); re != nil {
				entry.ExecutionID = re.item.test.ExecutionID
				entry.TestName = re.item.test.TestName
				entry.LockedBy = re.item.test.Requester
				if re.item.test.Requester == c.userName {
					entry.Status = core.DeviceBusyMine
				} else {
					entry.Status = core.DeviceBusyOther
				}
			}
		} else {
			for _, item := range o.queue.ordered() {
				for _, d := range item.test.Request.DeviceIDs {
					if d == dev.ID {
						entry.Status = core.DeviceReserved
						entry.LockedBy = item.test.Requester
						entry.TestName = item.test.TestName
						break
					}
				}
				if entry.Status == core.DeviceReserved {
					break
				}
			}
		}

		out = append(out, entry)
	}
	c.reply <- out
}

type disconnectCmd struct {
	requester string
}

func (c disconnectCmd) apply(o *Orchestrator, ctx context.Context) {
	// Queued items are retained; running items continue to completion
	// (spec.md §4.6 "Disconnect handling"). Nothing to mutate here —
	// this command exists so screenshot-subscription release (owned by
	// the transport layer, out of scope) can be sequenced after any
	// in-flight submit/cancel for the same requester.
}

// Package interpreter implements ScenarioInterpreter: a tree-walking
// interpreter over core.Graph that drives a ports.DeviceDriver one
// node at a time and emits a core.StepResult per node (spec.md §4.4).
// Grounded on the teacher's internal/retry.Do for the retry/backoff
// shape (here wrapping a single node dispatch instead of an HTTP push)
// and internal/validation for the well-formedness checks Run performs
// before walking a graph.
package interpreter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dovaclean/testorc/internal/retry"
	"github.com/dovaclean/testorc/internal/validation"
	"github.com/dovaclean/testorc/pkg/core"
	"github.com/dovaclean/testorc/pkg/ports"
)

// Interpreter walks one core.Graph against one session.
type Interpreter struct {
	driver      ports.DeviceDriver
	retryConfig *retry.Config
	metrics     ports.MetricsSink
}

// New creates an Interpreter. retryConfig may be nil to use
// retry.DefaultConfig. metrics may be nil to use ports.NopMetricsSink.
func New(driver ports.DeviceDriver, retryConfig *retry.Config, metrics ports.MetricsSink) *Interpreter {
	if retryConfig == nil {
		retryConfig = retry.DefaultConfig()
	}
	if metrics == nil {
		metrics = ports.NopMetricsSink{}
	}
	return &Interpreter{driver: driver, retryConfig: retryConfig, metrics: metrics}
}

// Run executes graph against session starting from its Start node,
// returning one StepResult per node visited. cancel is polled before
// every node dispatch and between retry attempts (spec.md §4.4
// "Cancellation").
func (in *Interpreter) Run(ctx context.Context, session core.DeviceSession, graph *core.Graph, cancel <-chan struct{}) ([]core.StepResult, error) {
	if err := validation.ValidateGraph(graph); err != nil {
		return nil, err
	}

	startIdx, ok := graph.StartIndex()
	if !ok {
		return nil, fmt.Errorf("%w: no start node", core.ErrMalformedGraph)
	}

	width, height, err := in.driver.ScreenSize(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("query device resolution: %w", err)
	}

	results := make([]core.StepResult, 0, len(graph.Nodes))
	loopCounters := make(map[int]int)

	idx := startIdx
	for {
		select {
		case <-cancel:
			results = append(results, core.StepResult{Status: core.StepStopped})
			return results, nil
		case <-ctx.Done():
			results = append(results, core.StepResult{Status: core.StepStopped, Error: ctx.Err().Error()})
			return results, nil
		default:
		}

		node := graph.Nodes[idx]
		step := in.dispatch(ctx, session, node, width, height, cancel)
		results = append(results, step)

		if node.Kind == core.NodeEnd {
			return results, nil
		}

		nextIdx, done, nerr := in.advance(graph, idx, node, loopCounters)
		if nerr != nil {
			return results, nerr
		}
		if done {
			return results, nil
		}
		idx = nextIdx
	}
}

// advance resolves the out-edge to follow from node, per spec.md §4.4
// "Branch selection".
func (in *Interpreter) advance(graph *core.Graph, idx int, node core.Node, loopCounters map[int]int) (next int, done bool, err error) {
	switch node.Kind {
	case core.NodeCondition:
		label := core.BranchNo
		if evalCondition(node) {
			label = core.BranchYes
		}
		edge, ok := graph.EdgeByLabel(idx, label)
		if !ok {
			return 0, false, fmt.Errorf("%w: condition node %s missing %s edge", core.ErrMalformedGraph, node.ID, label)
		}
		return edge.To, false, nil

	case core.NodeLoop:
		count := loopCounters[idx]
		limit := 0
		if node.Loop != nil {
			limit = node.Loop.LoopCount
		}
		exhausted := limit > 0 && count >= limit
		breakNow := limit == 0 && node.Loop != nil && node.Loop.BreakCondition != "" && evalExpression(node.Loop.BreakCondition)

		if !exhausted && !breakNow {
			loopCounters[idx] = count + 1
			edge, ok := graph.EdgeByLabel(idx, core.BranchLoop)
			if !ok {
				return 0, false, fmt.Errorf("%w: loop node %s missing loop edge", core.ErrMalformedGraph, node.ID)
			}
			return edge.To, false, nil
		}

		edge, ok := graph.EdgeByLabel(idx, core.BranchExit)
		if !ok {
			return 0, false, fmt.Errorf("%w: loop node %s missing exit edge", core.ErrMalformedGraph, node.ID)
		}
		return edge.To, false, nil

	default: // Start, Action
		out := graph.OutEdges(idx)
		if len(out) == 0 {
			return 0, true, nil
		}
		return out[0].To, false, nil
	}
}

// dispatch runs a single node, wrapping Action nodes in the retry
// policy declared on their ActionParams.
func (in *Interpreter) dispatch(ctx context.Context, session core.DeviceSession, node core.Node, screenW, screenH int, cancel <-chan struct{}) core.StepResult {
	switch node.Kind {
	case core.NodeStart, core.NodeEnd:
		return core.StepResult{NodeID: node.ID, NodeLabel: node.Label, Status: core.StepPassed}

	case core.NodeCondition:
		return core.StepResult{NodeID: node.ID, NodeLabel: node.Label, Status: core.StepPassed}

	case core.NodeLoop:
		return core.StepResult{NodeID: node.ID, NodeLabel: node.Label, Status: core.StepPassed}

	case core.NodeAction:
		return in.runAction(ctx, session, node, screenW, screenH, cancel)

	default:
		return core.StepResult{NodeID: node.ID, NodeLabel: node.Label, Status: core.StepFailed, Error: "unknown node kind", Category: core.FailureUnknown}
	}
}

func (in *Interpreter) runAction(ctx context.Context, session core.DeviceSession, node core.Node, screenW, screenH int, cancel <-chan struct{}) core.StepResult {
	params := node.Action
	if params == nil {
		return core.StepResult{NodeID: node.ID, NodeLabel: node.Label, Status: core.StepFailed, Error: "action node missing params", Category: core.FailureUnknown}
	}

	if params.Kind == core.ActionWait {
		return in.runWait(ctx, node, params, cancel)
	}

	config := *in.retryConfig
	config.MaxAttempts = params.MaxRetries + 1
	if params.RetryInterval > 0 {
		config.InitialDelay = time.Duration(params.RetryInterval) * time.Millisecond
		config.MaxDelay = config.InitialDelay
	}

	// Each attempt runs under the node's Timeout, or 30s when unset.
	timeout := 30 * time.Second
	if params.Timeout > 0 {
		timeout = time.Duration(params.Timeout) * time.Millisecond
	}

	var result core.StepResult
	remapped := remapCoordinates(*params, screenW, screenH)

	_ = retry.Do(ctx, &config, func(attempt int) error {
		select {
		case <-cancel:
			result = core.StepResult{NodeID: node.ID, NodeLabel: node.Label, Status: core.StepStopped, Attempt: attempt}
			return &retry.NonRetryable{Err: core.ErrCancelled}
		default:
		}

		started := time.Now()
		attemptCtx, cancelAttempt := context.WithTimeout(ctx, timeout)
		err := in.invoke(attemptCtx, session, node.ID, remapped)
		cancelAttempt()
		elapsed := time.Since(started)

		labels := map[string]string{"action": string(params.Kind)}
		in.metrics.ObserveDuration("interpreter_action_duration_seconds", labels, elapsed)

		result = core.StepResult{
			NodeID:     node.ID,
			NodeLabel:  node.Label,
			Attempt:    attempt,
			ActionTime: elapsed,
			TotalTime:  elapsed,
		}
		if err != nil {
			result.Status = core.StepFailed
			result.Error = err.Error()
			result.Category = classify(err)
			in.metrics.IncCounter("interpreter_action_total", mergeLabels(labels, map[string]string{"status": string(core.StepFailed), "category": string(result.Category)}))
			return err
		}
		result.Status = core.StepPassed
		in.metrics.IncCounter("interpreter_action_total", mergeLabels(labels, map[string]string{"status": string(core.StepPassed)}))
		return nil
	})

	return result
}

func mergeLabels(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func (in *Interpreter) runWait(ctx context.Context, node core.Node, params *core.ActionParams, cancel <-chan struct{}) core.StepResult {
	started := time.Now()
	timer := time.NewTimer(time.Duration(params.Duration) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C:
		return core.StepResult{NodeID: node.ID, NodeLabel: node.Label, Status: core.StepPassed, WaitTime: time.Since(started), TotalTime: time.Since(started)}
	case <-cancel:
		return core.StepResult{NodeID: node.ID, NodeLabel: node.Label, Status: core.StepStopped, WaitTime: time.Since(started)}
	case <-ctx.Done():
		return core.StepResult{NodeID: node.ID, NodeLabel: node.Label, Status: core.StepStopped, Error: ctx.Err().Error(), WaitTime: time.Since(started)}
	}
}

func (in *Interpreter) invoke(ctx context.Context, session core.DeviceSession, nodeID string, p core.ActionParams) error {
	switch p.Kind {
	case core.ActionTap:
		return in.driver.Tap(ctx, session, intOf(p.X), intOf(p.Y))
	case core.ActionLongPress:
		return in.driver.LongPress(ctx, session, intOf(p.X), intOf(p.Y), time.Duration(p.Duration)*time.Millisecond)
	case core.ActionSwipe:
		return in.driver.Swipe(ctx, session, intOf(p.StartX), intOf(p.StartY), intOf(p.EndX), intOf(p.EndY), time.Duration(p.Duration)*time.Millisecond)
	case core.ActionInputText:
		return in.driver.InputText(ctx, session, p.Text)
	case core.ActionClick:
		return in.driver.Click(ctx, session, p.Strategy, p.Selector)
	case core.ActionAppControl:
		return in.driver.AppControl(ctx, session, p.AppPackage, p.AppActivity, p.Direction)
	case core.ActionImageMatch:
		matched, score, err := in.driver.ImageMatch(ctx, session, p.TemplateID, &p)
		if err != nil {
			return err
		}
		if !matched || score < p.Confidence {
			return fmt.Errorf("image not matched (score %.3f below confidence %.3f)", score, p.Confidence)
		}
		return nil
	default:
		return fmt.Errorf("unsupported action kind %q on node %s", p.Kind, nodeID)
	}
}

func intOf(v *float64) int {
	if v == nil {
		return 0
	}
	return int(*v)
}

// remapCoordinates implements spec.md §4.4 "Coordinate remapping":
// percent coordinates win over absolute ones, and are multiplied by
// the device's current resolution.
func remapCoordinates(p core.ActionParams, width, height int) core.ActionParams {
	if p.HasPercentCoordinates() {
		x := *p.XPercent * float64(width)
		y := *p.YPercent * float64(height)
		p.X, p.Y = &x, &y
	}
	if p.HasPercentSwipe() {
		sx := *p.StartXPercent * float64(width)
		sy := *p.StartYPercent * float64(height)
		ex := *p.EndXPercent * float64(width)
		ey := *p.EndYPercent * float64(height)
		p.StartX, p.StartY, p.EndX, p.EndY = &sx, &sy, &ex, &ey
	}
	return p
}

// evalCondition evaluates a Condition node's boolean expression.
// Expression evaluation itself is an external concern (no expression
// language is specified); this stub recognizes only the trivial
// "true"/"false" literals, sufficient for scenarios that branch on a
// prior step's recorded outcome via ActionParams.Text substitution
// done upstream.
func evalCondition(node core.Node) bool {
	if node.Condition == nil {
		return false
	}
	return evalExpression(node.Condition.Expression)
}

func evalExpression(expr string) bool {
	return strings.EqualFold(strings.TrimSpace(expr), "true")
}

// classify implements spec.md §4.4 "Failure classification": pattern
// matching driver errors (and, where the driver reports one, observed
// app state) into a FailureCategory.
func classify(err error) core.FailureCategory {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.FailureTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return core.FailureTimeout
	case strings.Contains(msg, "element") && strings.Contains(msg, "not found"):
		return core.FailureElementNotFound
	case strings.Contains(msg, "image") && strings.Contains(msg, "match"):
		return core.FailureImageNotMatched
	case strings.Contains(msg, "text not found"):
		return core.FailureTextNotFound
	case strings.Contains(msg, "assert"):
		return core.FailureAssertionFailed
	case strings.Contains(msg, "crash"):
		return core.FailureAppCrash
	case strings.Contains(msg, "not running"):
		return core.FailureAppNotRunning
	case strings.Contains(msg, "session"):
		return core.FailureSessionError
	case strings.Contains(msg, "connection") || strings.Contains(msg, "refused") || strings.Contains(msg, "reset"):
		return core.FailureConnectionError
	case strings.Contains(msg, "network"):
		return core.FailureNetworkError
	case strings.Contains(msg, "permission") || strings.Contains(msg, "denied"):
		return core.FailurePermissionDenied
	case strings.Contains(msg, "resource") || strings.Contains(msg, "exhausted") || strings.Contains(msg, "out of memory"):
		return core.FailureResourceExhausted
	default:
		return core.FailureUnknown
	}
}

// MigrateAbsoluteToPercent implements spec.md §4.4's one-shot migration
// routine: nodes carrying absolute coordinates but no percent
// equivalent are rewritten in place given the resolution the absolute
// values were recorded against.
func MigrateAbsoluteToPercent(graph *core.Graph, sourceWidth, sourceHeight int) {
	if sourceWidth <= 0 || sourceHeight <= 0 {
		return
	}
	for i := range graph.Nodes {
		n := &graph.Nodes[i]
		if n.Action == nil {
			continue
		}
		p := n.Action
		if p.X != nil && p.Y != nil && p.XPercent == nil && p.YPercent == nil {
			xp := float64(*p.X) / float64(sourceWidth)
			yp := float64(*p.Y) / float64(sourceHeight)
			p.XPercent, p.YPercent = &xp, &yp
		}
		if p.StartX != nil && p.StartY != nil && p.EndX != nil && p.EndY != nil &&
			p.StartXPercent == nil && p.EndXPercent == nil {
			sxp := float64(*p.StartX) / float64(sourceWidth)
			syp := float64(*p.StartY) / float64(sourceHeight)
			exp := float64(*p.EndX) / float64(sourceWidth)
			eyp := float64(*p.EndY) / float64(sourceHeight)
			p.StartXPercent, p.StartYPercent = &sxp, &syp
			p.EndXPercent, p.EndYPercent = &exp, &eyp
		}
	}
}

package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dovaclean/testorc/pkg/core"
)

var (
	ErrEmptyDeviceID  = errors.New("device ID cannot be empty")
	ErrEmptyScenarioID = errors.New("scenario ID cannot be empty")
	ErrNoDevices      = errors.New("request must target at least one device")
	ErrNoScenarios    = errors.New("request must target at least one scenario")
)

// ValidateDevice checks if a device is valid.
func ValidateDevice(device core.Device) error {
	if strings.TrimSpace(device.ID) == "" {
		return ErrEmptyDeviceID
	}
	return nil
}

// ValidateDeviceID checks if a device ID is valid.
func ValidateDeviceID(id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrEmptyDeviceID
	}
	return nil
}

// ValidateRequest checks the shape of a TestRequest, independent of
// whether the referenced devices/scenarios actually exist (that check is
// the orchestrator's job, since it requires registry/store lookups).
func ValidateRequest(req core.TestRequest) error {
	if len(req.DeviceIDs) == 0 {
		return ErrNoDevices
	}
	if len(req.ScenarioIDs) == 0 {
		return ErrNoScenarios
	}
	if req.RepeatCount < 0 {
		return errors.New("repeatCount cannot be negative")
	}
	for _, id := range req.DeviceIDs {
		if strings.TrimSpace(id) == "" {
			return ErrEmptyDeviceID
		}
	}
	for _, id := range req.ScenarioIDs {
		if strings.TrimSpace(id) == "" {
			return ErrEmptyScenarioID
		}
	}
	return nil
}

// ValidateGraph checks the structural invariants spec.md §3 places on a
// scenario graph: exactly one Start reachable from every executable node,
// Condition nodes carrying both yes/no edges, Loop nodes carrying at most
// one loop/exit edge each, bounded node/edge counts, and every edge
// endpoint naming an existing node.
func ValidateGraph(g *core.Graph) error {
	if len(g.Nodes) == 0 {
		return fmt.Errorf("%w: graph has no nodes", core.ErrMalformedGraph)
	}
	if len(g.Nodes) > core.MaxGraphNodes {
		return fmt.Errorf("%w: %d nodes exceeds limit of %d", core.ErrMalformedGraph, len(g.Nodes), core.MaxGraphNodes)
	}
	if len(g.Edges) > core.MaxGraphEdges {
		return fmt.Errorf("%w: %d edges exceeds limit of %d", core.ErrMalformedGraph, len(g.Edges), core.MaxGraphEdges)
	}
	for _, e := range g.Edges {
		if e.From < 0 || e.From >= len(g.Nodes) || e.To < 0 || e.To >= len(g.Nodes) {
			return fmt.Errorf("%w: edge %d->%d references a missing node", core.ErrMalformedGraph, e.From, e.To)
		}
	}

	startIdx, ok := startNode(g)
	if !ok {
		return fmt.Errorf("%w: exactly one Start node is required", core.ErrMalformedGraph)
	}

	for i, n := range g.Nodes {
		switch n.Kind {
		case core.NodeCondition:
			if _, ok := g.EdgeByLabel(i, core.BranchYes); !ok {
				return fmt.Errorf("%w: condition node %q missing yes edge", core.ErrMalformedGraph, n.ID)
			}
			if _, ok := g.EdgeByLabel(i, core.BranchNo); !ok {
				return fmt.Errorf("%w: condition node %q missing no edge", core.ErrMalformedGraph, n.ID)
			}
		case core.NodeLoop:
			loopEdges, exitEdges := 0, 0
			for _, e := range g.OutEdges(i) {
				switch e.Label {
				case core.BranchLoop:
					loopEdges++
				case core.BranchExit:
					exitEdges++
				}
			}
			if loopEdges > 1 {
				return fmt.Errorf("%w: loop node %q has more than one loop back-edge", core.ErrMalformedGraph, n.ID)
			}
			if exitEdges > 1 {
				return fmt.Errorf("%w: loop node %q has more than one exit edge", core.ErrMalformedGraph, n.ID)
			}
		case core.NodeAction, core.NodeStart:
			if len(g.OutEdges(i)) > 1 {
				return fmt.Errorf("%w: node %q has more than one unlabeled out-edge", core.ErrMalformedGraph, n.ID)
			}
		}
	}

	if !allReachable(g, startIdx) {
		return fmt.Errorf("%w: not every node is reachable from Start", core.ErrMalformedGraph)
	}

	return nil
}

func startNode(g *core.Graph) (int, bool) {
	idx, count := -1, 0
	for i, n := range g.Nodes {
		if n.Kind == core.NodeStart {
			idx = i
			count++
		}
	}
	if count != 1 {
		return -1, false
	}
	return idx, true
}

func allReachable(g *core.Graph, startIdx int) bool {
	visited := make([]bool, len(g.Nodes))
	stack := []int{startIdx}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[i] {
			continue
		}
		visited[i] = true
		for _, e := range g.OutEdges(i) {
			if !visited[e.To] {
				stack = append(stack, e.To)
			}
		}
	}
	for _, v := range visited {
		if !v {
			return false
		}
	}
	return true
}

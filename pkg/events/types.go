package events

import "time"

// Kind is the type of event flowing through the Bus (spec.md §4.1).
type Kind string

const (
	KindQueueUpdated           Kind = "queue.updated"
	KindQueueStatusResponse    Kind = "queue.status.response"
	KindTestStart              Kind = "test.start"
	KindTestScenarioStart      Kind = "test.scenario.start"
	KindTestScenarioComplete   Kind = "test.scenario.complete"
	KindTestProgress           Kind = "test.progress"
	KindTestComplete           Kind = "test.complete"
	KindDeviceNode             Kind = "device.node"
	KindDeviceScenarioStart    Kind = "device.scenario.start"
	KindDeviceScenarioComplete Kind = "device.scenario.complete"
	KindSessionHealth          Kind = "session.health"
	KindScreenshotFrame        Kind = "screenshot.frame"
)

// terminalKinds are exempt from the drop-oldest overflow policy: Bus
// blocks for up to terminalSendTimeout to deliver one to a full
// subscriber, and drops it only if that subscriber is still full when
// the timeout expires.
var terminalKinds = map[Kind]bool{
	KindTestComplete:           true,
	KindTestScenarioComplete:   true,
	KindDeviceScenarioComplete: true,
	KindQueueUpdated:           true,
}

// IsTerminal reports whether events of this kind get the bounded
// blocking send instead of drop-oldest.
func (k Kind) IsTerminal() bool {
	return terminalKinds[k]
}

// Room scopes delivery. spec.md §4.1 names global, execution:<id>,
// device:<id>, user:<name>.
type Room string

func GlobalRoom() Room                      { return Room("global") }
func ExecutionRoom(executionID string) Room { return Room("execution:" + executionID) }
func DeviceRoom(deviceID string) Room       { return Room("device:" + deviceID) }
func UserRoom(userName string) Room         { return Room("user:" + userName) }

// Event is one message published on the Bus.
type Event struct {
	Kind        Kind
	Room        Room
	ExecutionID string
	DeviceID    string
	Timestamp   time.Time
	Data        map[string]interface{}
	Error       error
}

package core

import "time"

// DeviceLock is an exclusive hold on a device by a running QueuedTest. A
// device is either unlocked or held by exactly one running QueuedTest;
// the lock table lives solely inside the orchestrator's single-owner
// goroutine (see pkg/orchestrator), so this type carries no mutex of its
// own.
type DeviceLock struct {
	DeviceID string
	Holder   string // queueId of the holding QueuedTest, "" if unlocked
	Since    time.Time
}

// Locked reports whether the lock is currently held.
func (l DeviceLock) Locked() bool {
	return l.Holder != ""
}

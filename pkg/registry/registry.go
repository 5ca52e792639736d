// Package registry implements DeviceRegistry: the live inventory of
// connected devices (spec.md §4.2). Unlike ScenarioRepo/ReportRepo/etc.,
// DeviceRegistry is an in-scope component, not a consumed port: it owns
// a snapshot of attached devices and keeps it current by polling an
// injected DeviceLister capability on a fixed cadence.
package registry

import (
	"context"

	"github.com/dovaclean/testorc/pkg/core"
)

// Registry is the device snapshot store. Implementations can be
// in-memory or back onto an external system; the package ships an
// in-memory one (memory.New) since the snapshot is rebuilt from
// DeviceLister on every poll and needs no durable backing.
type Registry interface {
	// List returns devices matching the given filter.
	List(ctx context.Context, filter core.Filter) ([]core.Device, error)

	// Get retrieves a single device by ID.
	Get(ctx context.Context, id string) (*core.Device, error)

	// Add registers a new device.
	Add(ctx context.Context, device core.Device) error

	// Update modifies an existing device.
	Update(ctx context.Context, device core.Device) error

	// Delete removes a device from the registry.
	Delete(ctx context.Context, id string) error
}

// DeviceLister is the narrow, genuinely external capability Poller
// polls: an ADB-equivalent transport that can enumerate what is
// physically attached right now. It has no notion of filters, history,
// or locking; Poller is what turns its raw snapshot into the rest of
// the system's view of device state.
type DeviceLister interface {
	ListConnected(ctx context.Context) ([]core.Device, error)
}

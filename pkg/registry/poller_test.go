package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dovaclean/testorc/pkg/core"
	"github.com/dovaclean/testorc/pkg/events"
)

type fakeLister struct {
	mu      sync.Mutex
	devices []core.Device
}

func (f *fakeLister) set(devices []core.Device) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = devices
}

func (f *fakeLister) ListConnected(ctx context.Context) ([]core.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]core.Device, len(f.devices))
	copy(out, f.devices)
	return out, nil
}

func TestPoller_PublishesAttachedOnFirstSight(t *testing.T) {
	lister := &fakeLister{}
	lister.set([]core.Device{{ID: "d1"}})
	bus := events.NewBus(8)
	ch, unsubscribe := bus.Subscribe(events.GlobalRoom())
	defer unsubscribe()

	poller, store := NewPoller(&PollerConfig{Interval: 10 * time.Millisecond}, lister, bus, zerolog.Nop())
	poller.Start(context.Background())
	defer poller.Stop()

	select {
	case ev := <-ch:
		assert.Equal(t, events.KindSessionHealth, ev.Kind)
		assert.Equal(t, "d1", ev.DeviceID)
		assert.Equal(t, "attached", ev.Data["state"])
	case <-time.After(time.Second):
		t.Fatal("did not observe attach event")
	}

	devices, err := store.Get(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "d1", devices.ID)
}

func TestPoller_PublishesDetachedWhenDeviceDisappears(t *testing.T) {
	lister := &fakeLister{}
	lister.set([]core.Device{{ID: "d1"}})
	bus := events.NewBus(8)
	ch, unsubscribe := bus.Subscribe(events.GlobalRoom())
	defer unsubscribe()

	poller, _ := NewPoller(&PollerConfig{Interval: 10 * time.Millisecond}, lister, bus, zerolog.Nop())
	poller.Start(context.Background())
	defer poller.Stop()

	// drain the initial attach event
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("did not observe initial attach event")
	}

	lister.set(nil)

	select {
	case ev := <-ch:
		assert.Equal(t, "detached", ev.Data["state"])
		assert.Equal(t, "d1", ev.DeviceID)
	case <-time.After(time.Second):
		t.Fatal("did not observe detach event")
	}
}

func TestPoller_StartStop_Idempotent(t *testing.T) {
	lister := &fakeLister{}
	bus := events.NewBus(8)
	poller, _ := NewPoller(nil, lister, bus, zerolog.Nop())

	poller.Start(context.Background())
	poller.Start(context.Background())
	poller.Stop()
	poller.Stop()
}

package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dovaclean/testorc/pkg/events"
	"github.com/dovaclean/testorc/pkg/registry/memory"
)

// PollerConfig holds Poller configuration, following the teacher's
// Config/DefaultConfig pattern (pkg/scheduler.Config).
type PollerConfig struct {
	// Interval is how often ListConnected is polled.
	Interval time.Duration
}

// DefaultPollerConfig returns poller configuration with sensible defaults.
func DefaultPollerConfig() *PollerConfig {
	return &PollerConfig{
		Interval: 5 * time.Second,
	}
}

// Poller keeps an in-memory Registry current by polling a DeviceLister
// on a fixed cadence, grounded on the teacher's Scheduler.run
// ticker-and-select loop (pkg/scheduler/scheduler.go). Arrivals and
// departures are published on the EventBus's global room as
// session.health events.
type Poller struct {
	config *PollerConfig
	lister DeviceLister
	store  *memory.Registry
	bus    *events.Bus
	log    zerolog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewPoller wires a DeviceLister, its backing in-memory store, and the
// shared EventBus into a Poller. The returned *memory.Registry
// satisfies Registry and is safe to read concurrently with polling.
func NewPoller(config *PollerConfig, lister DeviceLister, bus *events.Bus, log zerolog.Logger) (*Poller, *memory.Registry) {
	if config == nil {
		config = DefaultPollerConfig()
	}
	store := memory.New()
	return &Poller{
		config: config,
		lister: lister,
		store:  store,
		bus:    bus,
		log:    log.With().Str("component", "registry.poller").Logger(),
		stopCh: make(chan struct{}),
	}, store
}

// Start begins background polling. It is safe to call once; a second
// call is a no-op until Stop has run.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(ctx)
}

// Stop halts background polling and waits for the loop to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	current, err := p.lister.ListConnected(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("device enumeration failed")
		return
	}

	previous := p.store.Snapshot()
	p.store.Replace(current)

	seen := make(map[string]bool, len(current))
	for _, d := range current {
		seen[d.ID] = true
		if _, existed := previous[d.ID]; !existed {
			p.publishHealth(d.ID, "attached")
		}
	}
	for id := range previous {
		if !seen[id] {
			p.publishHealth(id, "detached")
		}
	}
}

func (p *Poller) publishHealth(deviceID, state string) {
	p.bus.Publish(events.Event{
		Kind:     events.KindSessionHealth,
		Room:     events.GlobalRoom(),
		DeviceID: deviceID,
		Data: map[string]interface{}{
			"state": state,
		},
	})
}

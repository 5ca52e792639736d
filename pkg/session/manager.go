// Package session implements SessionManager: lazily created, reused,
// and health-checked per-device driver sessions (spec.md §4.3).
// Grounded on the teacher's orchestrator.Orchestrator composition shape
// (Config/DefaultConfig/Validate, a struct wiring collaborators
// together) with per-device serialization taking the place of the
// teacher's single worker pool, since session creation for one device
// must never block another's.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dovaclean/testorc/pkg/core"
	"github.com/dovaclean/testorc/pkg/events"
)

// Opener is the narrow capability a Manager needs from the device
// automation backend to stand up and tear down a session; it is the
// seam where pkg/session/tunnel's SSH forwarding slots in for
// remote-farm devices, and where a local ADB-equivalent backend slots
// in otherwise.
type Opener interface {
	Open(ctx context.Context, device core.Device) (driverPort, streamPort int, err error)
	Close(ctx context.Context, device core.Device) error
	Ping(ctx context.Context, device core.Device) error
}

// Config holds SessionManager configuration.
type Config struct {
	// IdleTimeout is how long a session may sit unused before Manager
	// closes it.
	IdleTimeout time.Duration

	// HealthCheckInterval is how often background health checks run
	// against active sessions.
	HealthCheckInterval time.Duration
}

// DefaultConfig returns SessionManager configuration with sensible
// defaults.
func DefaultConfig() *Config {
	return &Config{
		IdleTimeout:         5 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("IdleTimeout must be positive")
	}
	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("HealthCheckInterval must be positive")
	}
	return nil
}

// Manager owns the lifecycle of DeviceSession values: one session per
// device, created on first use, reused across scenario runs, and
// closed when idle too long or found unhealthy.
type Manager struct {
	config *Config
	opener Opener
	bus    *events.Bus
	log    zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*entry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type entry struct {
	mu      sync.Mutex
	session core.DeviceSession
}

// New creates a Manager. config may be nil to use DefaultConfig.
func New(config *Config, opener Opener, bus *events.Bus, log zerolog.Logger) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Manager{
		config:   config,
		opener:   opener,
		bus:      bus,
		log:      log.With().Str("component", "session.manager").Logger(),
		sessions: make(map[string]*entry),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start begins the background idle-reaper and health-check loop.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.run(ctx)
}

// Stop halts the background loop and closes every tracked session.
func (m *Manager) Stop(ctx context.Context) {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	devices := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		devices = append(devices, id)
	}
	m.mu.Unlock()

	for _, id := range devices {
		_ = m.Destroy(ctx, core.Device{ID: id})
	}
}

// Ensure returns a usable session for device, creating or recreating
// it as needed. Per-device locking means two scenarios against the
// same device serialize on session setup without blocking unrelated
// devices.
func (m *Manager) Ensure(ctx context.Context, device core.Device) (core.DeviceSession, error) {
	e := m.entryFor(device.ID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.State == core.SessionActive || e.session.State == core.SessionIdle {
		if err := m.opener.Ping(ctx, device); err == nil {
			e.session.State = core.SessionActive
			e.session.LastUsedAt = time.Now()
			return e.session, nil
		}
		// Stale; fall through and recreate.
		_ = m.opener.Close(ctx, device)
	}

	e.session = core.DeviceSession{DeviceID: device.ID, State: core.SessionCreating}

	driverPort, streamPort, err := m.opener.Open(ctx, device)
	if err != nil {
		e.session.State = core.SessionUnhealthy
		m.publishHealth(device.ID, false, err)
		return core.DeviceSession{}, fmt.Errorf("open session for %s: %w", device.ID, err)
	}

	now := time.Now()
	e.session = core.DeviceSession{
		DeviceID:   device.ID,
		DriverPort: driverPort,
		StreamPort: streamPort,
		State:      core.SessionActive,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	m.publishHealth(device.ID, true, nil)
	return e.session, nil
}

// Destroy closes device's session, if any, and forgets it.
func (m *Manager) Destroy(ctx context.Context, device core.Device) error {
	e := m.entryFor(device.ID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.State == core.SessionClosed {
		return nil
	}

	err := m.opener.Close(ctx, device)
	e.session.State = core.SessionClosed

	m.mu.Lock()
	delete(m.sessions, device.ID)
	m.mu.Unlock()

	return err
}

// Check reports whether device's session is currently healthy.
func (m *Manager) Check(ctx context.Context, device core.Device) bool {
	return m.opener.Ping(ctx, device) == nil
}

func (m *Manager) entryFor(deviceID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[deviceID]
	if !ok {
		e = &entry{session: core.DeviceSession{DeviceID: deviceID, State: core.SessionClosed}}
		m.sessions[deviceID] = e
	}
	return e
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		e := m.entryFor(id)
		e.mu.Lock()
		state := e.session.State
		idleSince := e.session.LastUsedAt
		e.mu.Unlock()

		if state != core.SessionActive && state != core.SessionIdle {
			continue
		}
		if time.Since(idleSince) > m.config.IdleTimeout {
			_ = m.Destroy(ctx, core.Device{ID: id})
			continue
		}
		if !m.Check(ctx, core.Device{ID: id}) {
			e.mu.Lock()
			e.session.State = core.SessionUnhealthy
			e.mu.Unlock()
			m.publishHealth(id, false, fmt.Errorf("health check failed"))
			_ = m.Destroy(ctx, core.Device{ID: id})
		}
	}
}

func (m *Manager) publishHealth(deviceID string, healthy bool, err error) {
	data := map[string]interface{}{"healthy": healthy}
	m.bus.Publish(events.Event{
		Kind:     events.KindSessionHealth,
		Room:     events.DeviceRoom(deviceID),
		DeviceID: deviceID,
		Data:     data,
		Error:    err,
	})
}

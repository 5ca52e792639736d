package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/dovaclean/testorc/pkg/core"
)

// MockDeviceDriver is a mock ports.DeviceDriver, adapted from the
// teacher's MockDelivery shape: a call counter and a ShouldFail switch
// per capability, so interpreter tests can assert on dispatch without
// a real device.
type MockDeviceDriver struct {
	mu sync.Mutex

	TapCount        int
	SwipeCount      int
	ClickCount      int
	InputTextCount  int
	AppControlCount int

	ShouldFail  bool
	FailErr     error
	ScreenW     int
	ScreenH     int
	MatchResult bool
	MatchScore  float64
}

// NewMockDeviceDriver creates a mock driver reporting a 1080x1920
// screen and successful image matches by default.
func NewMockDeviceDriver() *MockDeviceDriver {
	return &MockDeviceDriver{ScreenW: 1080, ScreenH: 1920, MatchResult: true, MatchScore: 1.0}
}

func (m *MockDeviceDriver) failure() error {
	if m.FailErr != nil {
		return m.FailErr
	}
	return core.ErrDriverRefused
}

func (m *MockDeviceDriver) Tap(ctx context.Context, session core.DeviceSession, x, y int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TapCount++
	if m.ShouldFail {
		return m.failure()
	}
	return nil
}

func (m *MockDeviceDriver) LongPress(ctx context.Context, session core.DeviceSession, x, y int, duration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TapCount++
	if m.ShouldFail {
		return m.failure()
	}
	return nil
}

func (m *MockDeviceDriver) Swipe(ctx context.Context, session core.DeviceSession, startX, startY, endX, endY int, duration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SwipeCount++
	if m.ShouldFail {
		return m.failure()
	}
	return nil
}

func (m *MockDeviceDriver) InputText(ctx context.Context, session core.DeviceSession, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InputTextCount++
	if m.ShouldFail {
		return m.failure()
	}
	return nil
}

func (m *MockDeviceDriver) Click(ctx context.Context, session core.DeviceSession, strategy core.SelectStrategy, selector string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ClickCount++
	if m.ShouldFail {
		return m.failure()
	}
	return nil
}

func (m *MockDeviceDriver) AppControl(ctx context.Context, session core.DeviceSession, pkg, activity, action string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppControlCount++
	if m.ShouldFail {
		return m.failure()
	}
	return nil
}

func (m *MockDeviceDriver) ImageMatch(ctx context.Context, session core.DeviceSession, templateID string, roi *core.ActionParams) (bool, float64, error) {
	if m.ShouldFail {
		return false, 0, m.failure()
	}
	return m.MatchResult, m.MatchScore, nil
}

func (m *MockDeviceDriver) Screenshot(ctx context.Context, session core.DeviceSession) ([]byte, error) {
	if m.ShouldFail {
		return nil, m.failure()
	}
	return []byte{}, nil
}

// ScreenSize always succeeds: ShouldFail governs the action
// capabilities, so a failing driver still lets the interpreter reach
// and retry its action nodes.
func (m *MockDeviceDriver) ScreenSize(ctx context.Context, session core.DeviceSession) (int, int, error) {
	return m.ScreenW, m.ScreenH, nil
}

// MockOpener is a mock session.Opener.
type MockOpener struct {
	mu         sync.Mutex
	OpenCount  int
	CloseCount int
	PingCount  int
	ShouldFail bool
}

func (m *MockOpener) Open(ctx context.Context, device core.Device) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OpenCount++
	if m.ShouldFail {
		return 0, 0, core.ErrDeviceUnavailable
	}
	return 5555, 5556, nil
}

func (m *MockOpener) Close(ctx context.Context, device core.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCount++
	return nil
}

func (m *MockOpener) Ping(ctx context.Context, device core.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PingCount++
	if m.ShouldFail {
		return core.ErrDeviceUnavailable
	}
	return nil
}

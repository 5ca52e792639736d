package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dovaclean/testorc/internal/stream"
	"github.com/dovaclean/testorc/pkg/core"
	"github.com/dovaclean/testorc/pkg/ports"
	"github.com/dovaclean/testorc/pkg/session/tunnel"
)

// demoScenarioRepo serves a couple of hand-built scenario graphs,
// standing in for ports.ScenarioRepo's real backing store (out of
// scope per spec.md §1).
type demoScenarioRepo struct {
	graphs map[string]*core.Graph
}

func newDemoScenarioRepo() *demoScenarioRepo {
	tapX, tapY := 0.5, 0.3
	login := core.NewGraph("login", "Login flow", []core.Node{
		{ID: "start", Kind: core.NodeStart},
		{ID: "tap-username", Kind: core.NodeAction, Label: "tap username field", Action: &core.ActionParams{
			Kind: core.ActionTap, XPercent: &tapX, YPercent: &tapY,
		}},
		{ID: "input-username", Kind: core.NodeAction, Label: "type username", Action: &core.ActionParams{
			Kind: core.ActionInputText, Strategy: core.StrategyID, Selector: "username", Text: "demo-user",
		}},
		{ID: "tap-login", Kind: core.NodeAction, Label: "tap login button", Action: &core.ActionParams{
			Kind: core.ActionClick, Strategy: core.StrategyID, Selector: "login-button",
		}},
		{ID: "end", Kind: core.NodeEnd},
	}, []core.Edge{
		{From: 0, To: 1},
		{From: 1, To: 2},
		{From: 2, To: 3},
		{From: 3, To: 4},
	})

	swipeX1, swipeY1, swipeX2, swipeY2 := 0.8, 0.9, 0.2, 0.9
	checkout := core.NewGraph("checkout", "Checkout flow", []core.Node{
		{ID: "start", Kind: core.NodeStart},
		{ID: "swipe-cart", Kind: core.NodeAction, Label: "swipe to cart", Action: &core.ActionParams{
			Kind: core.ActionSwipe,
			StartXPercent: &swipeX1, StartYPercent: &swipeY1,
			EndXPercent: &swipeX2, EndYPercent: &swipeY2,
			Duration: 300,
		}},
		{ID: "tap-checkout", Kind: core.NodeAction, Label: "tap checkout", Action: &core.ActionParams{
			Kind: core.ActionClick, Strategy: core.StrategyAccessibilityID, Selector: "checkout-button",
		}},
		{ID: "wait-confirm", Kind: core.NodeAction, Label: "wait for confirmation", Action: &core.ActionParams{
			Kind: core.ActionWait, Duration: 500,
		}},
		{ID: "end", Kind: core.NodeEnd},
	}, []core.Edge{
		{From: 0, To: 1},
		{From: 1, To: 2},
		{From: 2, To: 3},
		{From: 3, To: 4},
	})

	return &demoScenarioRepo{graphs: map[string]*core.Graph{
		login.ID:    login,
		checkout.ID: checkout,
	}}
}

func (r *demoScenarioRepo) Get(ctx context.Context, scenarioID string) (*core.Graph, error) {
	g, ok := r.graphs[scenarioID]
	if !ok {
		return nil, core.ErrScenarioNotFound
	}
	return g, nil
}

func (r *demoScenarioRepo) List(ctx context.Context, categoryID string) ([]core.Graph, error) {
	out := make([]core.Graph, 0, len(r.graphs))
	for _, g := range r.graphs {
		out = append(out, *g)
	}
	return out, nil
}

// demoDriver is an in-process ports.DeviceDriver that logs every
// dispatch instead of talking to a real automation backend, standing
// in for the out-of-scope device automation bridge.
type demoDriver struct {
	log    zerolog.Logger
	frames *stream.BufferPool
}

func newDemoDriver(log zerolog.Logger) *demoDriver {
	return &demoDriver{
		log:    log.With().Str("component", "demo.driver").Logger(),
		frames: stream.NewBufferPool(64 * 1024),
	}
}

func (d *demoDriver) Tap(ctx context.Context, session core.DeviceSession, x, y int) error {
	d.log.Debug().Str("device_id", session.DeviceID).Int("x", x).Int("y", y).Msg("tap")
	return nil
}

func (d *demoDriver) LongPress(ctx context.Context, session core.DeviceSession, x, y int, duration time.Duration) error {
	d.log.Debug().Str("device_id", session.DeviceID).Int("x", x).Int("y", y).Dur("duration", duration).Msg("long_press")
	return nil
}

func (d *demoDriver) Swipe(ctx context.Context, session core.DeviceSession, startX, startY, endX, endY int, duration time.Duration) error {
	d.log.Debug().Str("device_id", session.DeviceID).Msg("swipe")
	return nil
}

func (d *demoDriver) InputText(ctx context.Context, session core.DeviceSession, text string) error {
	d.log.Debug().Str("device_id", session.DeviceID).Str("text", text).Msg("input_text")
	return nil
}

func (d *demoDriver) Click(ctx context.Context, session core.DeviceSession, strategy core.SelectStrategy, selector string) error {
	d.log.Debug().Str("device_id", session.DeviceID).Str("selector", selector).Msg("click")
	return nil
}

func (d *demoDriver) AppControl(ctx context.Context, session core.DeviceSession, pkg, activity, action string) error {
	d.log.Debug().Str("device_id", session.DeviceID).Str("package", pkg).Str("action", action).Msg("app_control")
	return nil
}

func (d *demoDriver) ImageMatch(ctx context.Context, session core.DeviceSession, templateID string, roi *core.ActionParams) (bool, float64, error) {
	d.log.Debug().Str("device_id", session.DeviceID).Str("template_id", templateID).Msg("image_match")
	return true, 0.97, nil
}

// Screenshot borrows a frame buffer from the pool to stand in for a
// real capture call, hands the caller a copy of its bytes and puts the
// buffer back before returning (a real backend would fill it from the
// device's stream port).
func (d *demoDriver) Screenshot(ctx context.Context, session core.DeviceSession) ([]byte, error) {
	buf := d.frames.Get()
	defer d.frames.Put(buf)
	out := make([]byte, len(*buf))
	copy(out, *buf)
	return out, nil
}

func (d *demoDriver) ScreenSize(ctx context.Context, session core.DeviceSession) (int, int, error) {
	return 1080, 2400, nil
}

var _ ports.DeviceDriver = (*demoDriver)(nil)

// demoOpener is a session.Opener without a real device backend behind
// it: it hands out sequential local port pairs, dialing an SSH tunnel
// for devices behind a remote farm host (see Open).
type demoOpener struct {
	log  zerolog.Logger
	next int

	mu      sync.Mutex
	tunnels map[string]*tunnel.Tunnel
}

func newDemoOpener(log zerolog.Logger) *demoOpener {
	return &demoOpener{
		log:     log.With().Str("component", "demo.opener").Logger(),
		next:    6000,
		tunnels: make(map[string]*tunnel.Tunnel),
	}
}

// Open stands up local-facing driver/stream ports. For a device behind
// a remote farm host (Device.RemoteHost set), it dials an SSH tunnel
// and forwards through it instead of handing out bare local ports.
func (o *demoOpener) Open(ctx context.Context, device core.Device) (int, int, error) {
	if device.Status != core.DeviceOnline {
		return 0, 0, core.ErrDeviceUnavailable
	}

	o.mu.Lock()
	o.next += 2
	driverPort, streamPort := o.next-2, o.next-1
	o.mu.Unlock()

	if device.RemoteHost == "" {
		o.log.Info().Str("device_id", device.ID).Int("driver_port", driverPort).Msg("opened session")
		return driverPort, streamPort, nil
	}

	t, err := tunnel.Dial(ctx, device.RemoteHost, tunnel.DefaultConfig())
	if err != nil {
		return 0, 0, fmt.Errorf("dial remote farm host %s: %w", device.RemoteHost, err)
	}

	localAddr, _, err := t.ForwardLocal(ctx, fmt.Sprintf("127.0.0.1:%d", driverPort), "127.0.0.1:6790")
	if err != nil {
		t.Close()
		return 0, 0, fmt.Errorf("forward driver port for %s: %w", device.ID, err)
	}

	o.mu.Lock()
	o.tunnels[device.ID] = t
	o.mu.Unlock()

	o.log.Info().Str("device_id", device.ID).Str("local_addr", localAddr).Str("remote_host", device.RemoteHost).Msg("opened tunneled session")
	return driverPort, streamPort, nil
}

func (o *demoOpener) Close(ctx context.Context, device core.Device) error {
	o.mu.Lock()
	t, ok := o.tunnels[device.ID]
	delete(o.tunnels, device.ID)
	o.mu.Unlock()

	if ok {
		t.Close()
	}
	o.log.Info().Str("device_id", device.ID).Msg("closed session")
	return nil
}

func (o *demoOpener) Ping(ctx context.Context, device core.Device) error {
	if device.Status != core.DeviceOnline {
		return fmt.Errorf("device %s: %w", device.ID, core.ErrDeviceUnavailable)
	}
	return nil
}

// demoDeviceLister hands registry.Poller a fixed fleet snapshot in
// place of a real ADB-equivalent enumeration call.
type demoDeviceLister struct {
	devices []core.Device
}

func (l demoDeviceLister) ListConnected(ctx context.Context) ([]core.Device, error) {
	return l.devices, nil
}

// demoReportRepo is an in-memory ports.ReportRepo, standing in for a
// durable report store (out of scope per spec.md §1).
type demoReportRepo struct {
	mu      sync.Mutex
	reports map[string]core.TestReport
}

func newDemoReportRepo() *demoReportRepo {
	return &demoReportRepo{reports: make(map[string]core.TestReport)}
}

func (r *demoReportRepo) Save(ctx context.Context, report core.TestReport) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports[report.ExecutionID] = report
	return report.ExecutionID, nil
}

func (r *demoReportRepo) Get(ctx context.Context, id string) (*core.TestReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.reports[id]
	if !ok {
		return nil, fmt.Errorf("report %q not found", id)
	}
	return &rep, nil
}

func (r *demoReportRepo) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.reports))
	for id := range r.reports {
		out = append(out, id)
	}
	return out
}

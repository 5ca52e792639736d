// Command demo wires every package in this module into a single
// runnable process: a registry seeded with sample devices, a trivial
// scenario repository, an in-process mock DeviceDriver, the session
// manager, the scenario interpreter, the test executor, the
// orchestrator, and a cron-driven schedule manager backed by SQLite.
// It registers one nightly scheduled suite, submits two ad hoc tests
// (the second on a device behind a remote farm host), logs the EventBus
// traffic of the first, and waits for Ctrl+C.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dovaclean/testorc/pkg/core"
	"github.com/dovaclean/testorc/pkg/events"
	"github.com/dovaclean/testorc/pkg/executor"
	"github.com/dovaclean/testorc/pkg/interpreter"
	"github.com/dovaclean/testorc/pkg/metrics"
	"github.com/dovaclean/testorc/pkg/orchestrator"
	"github.com/dovaclean/testorc/pkg/registry"
	"github.com/dovaclean/testorc/pkg/report"
	"github.com/dovaclean/testorc/pkg/schedule"
	sqlitestore "github.com/dovaclean/testorc/pkg/schedule/store/sqlite"
	"github.com/dovaclean/testorc/pkg/session"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("app", "testorc-demo").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus(256)

	log.Info().Msg("initializing device registry")
	lister := demoDeviceLister{devices: sampleDevices()}
	poller, reg := registry.NewPoller(registry.DefaultPollerConfig(), lister, bus, log)
	poller.Start(ctx)
	defer poller.Stop()

	collector := metrics.New()

	scenarios := newDemoScenarioRepo()
	driver := newDemoDriver(log)
	interp := interpreter.New(driver, nil, collector)

	sessions, err := session.New(session.DefaultConfig(), newDemoOpener(log), bus, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create session manager")
	}
	sessions.Start(ctx)
	defer sessions.Stop(ctx)

	execConfig := executor.DefaultConfig()
	execConfig.MaxConcurrentDevices = 10
	exec := executor.New(execConfig, sessions, scenarios, interp, bus, collector, log)

	orchConfig := orchestrator.DefaultConfig()
	orchConfig.SplitOnPartial = true
	orch, err := orchestrator.New(orchConfig, reg, exec, bus, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create orchestrator")
	}
	orch.SetScenarioRepo(scenarios)
	reports := newDemoReportRepo()
	orch.SetReportRepo(reports)
	analyzer := report.New(reports)
	orch.Start(ctx)
	defer orch.Stop()

	dbPath := "testorc-demo.db"
	scheduleStore, err := sqlitestore.New(dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open schedule store")
	}
	defer scheduleStore.Close()

	sched, err := schedule.New(ctx, schedule.DefaultConfig(), scheduleStore, orch, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create schedule manager")
	}
	sched.Start(ctx)
	defer sched.Stop()

	nightlyRequest := core.TestRequest{
		DeviceIDs:        []string{"pixel-7-001", "galaxy-s22-001"},
		ScenarioIDs:      []string{"login"},
		RepeatCount:      1,
		ScenarioInterval: time.Second,
	}
	if scheduleID, err := sched.Add(ctx, "Nightly smoke suite", "0 2 * * *", nightlyRequest, "ci-bot"); err != nil {
		log.Warn().Err(err).Msg("failed to register nightly suite")
	} else {
		log.Info().Str("schedule_id", scheduleID).Msg("registered nightly smoke suite")
	}

	req := core.TestRequest{
		DeviceIDs:        []string{"pixel-7-001", "galaxy-s22-001", "iphone-15-001"},
		ScenarioIDs:      []string{"login", "checkout"},
		RepeatCount:      1,
		ScenarioInterval: 500 * time.Millisecond,
	}

	result, err := orch.SubmitFull(ctx, req, "demo-user", "manual smoke run", core.PriorityNormal)
	if err != nil {
		log.Error().Err(err).Msg("submit failed")
	} else {
		log.Info().
			Str("status", string(result.Status)).
			Str("queue_id", result.QueueID).
			Str("execution_id", result.ExecutionID).
			Msg("submitted test request")
	}

	rooms := []events.Room{events.UserRoom("demo-user")}
	if result.ExecutionID != "" {
		rooms = append(rooms, events.ExecutionRoom(result.ExecutionID))
	}
	for _, d := range req.DeviceIDs {
		rooms = append(rooms, events.DeviceRoom(d))
	}
	drainEvents(ctx, bus, log, rooms)

	// Exercises the SSH-tunneled session path (pkg/session/tunnel): this
	// fleet has no real device-farm host behind it, so Open is expected
	// to fail the dial; the point is that Ensure routes through the
	// tunnel for any device carrying RemoteHost, not that it succeeds here.
	farmReq := core.TestRequest{
		DeviceIDs:   []string{"farm-pixel-8-001"},
		ScenarioIDs: []string{"login"},
		RepeatCount: 1,
	}
	if _, err := orch.SubmitFull(ctx, farmReq, "demo-user", "farm device smoke run", core.PriorityLow); err != nil {
		log.Warn().Err(err).Msg("farm device submit failed")
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
				for _, q := range orch.QueueStatus(ctx) {
					if q.QueueID == result.QueueID {
						log.Info().Str("state", string(q.State)).Msg("tracked queue item state")
					}
				}
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ids := reports.IDs()
				if len(ids) == 0 {
					continue
				}
				flaky, err := analyzer.FlakyScenarios(ctx, ids)
				if err != nil {
					log.Warn().Err(err).Msg("flaky scenario analysis failed")
					continue
				}
				histogram, err := analyzer.FailureHistogram(ctx, ids)
				if err != nil {
					log.Warn().Err(err).Msg("failure histogram aggregation failed")
					continue
				}
				log.Info().Strs("flaky_scenarios", flaky).Interface("failure_histogram", histogram).Msg("report analysis")
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				families, err := collector.Registry().Gather()
				if err != nil {
					log.Warn().Err(err).Msg("metrics gather failed")
					continue
				}
				log.Info().Int("metric_families", len(families)).Msg("metrics snapshot")
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
}

func sampleDevices() []core.Device {
	now := time.Now()
	return []core.Device{
		{
			ID: "pixel-7-001", Name: "Pixel 7", Alias: "pixel-main", Role: "regression",
			Status: core.DeviceOnline, Brand: "Google", Model: "Pixel 7", OSVersion: "14",
			SDKLevel: 34, Resolution: "1080x2400", Density: 420, CPUABI: "arm64-v8a",
			BatteryLevel: 87, MemoryMB: 8192, CreatedAt: now, UpdatedAt: now,
		},
		{
			ID: "galaxy-s22-001", Name: "Galaxy S22", Alias: "galaxy-canary", Role: "canary",
			Status: core.DeviceOnline, Brand: "Samsung", Model: "Galaxy S22", OSVersion: "13",
			SDKLevel: 33, Resolution: "1080x2340", Density: 425, CPUABI: "arm64-v8a",
			BatteryLevel: 64, MemoryMB: 8192, CreatedAt: now, UpdatedAt: now,
		},
		{
			ID: "iphone-15-001", Name: "iPhone 15", Alias: "iphone-regression", Role: "regression",
			Status: core.DeviceOnline, Brand: "Apple", Model: "iPhone 15", OSVersion: "17",
			SDKLevel: 0, Resolution: "1179x2556", Density: 460, CPUABI: "arm64",
			BatteryLevel: 92, MemoryMB: 6144, CreatedAt: now, UpdatedAt: now,
		},
		{
			ID: "farm-pixel-8-001", Name: "Pixel 8 (device farm)", Alias: "farm-pixel-8", Role: "regression",
			Status: core.DeviceOnline, Brand: "Google", Model: "Pixel 8", OSVersion: "14",
			SDKLevel: 34, Resolution: "1080x2400", Density: 420, CPUABI: "arm64-v8a",
			BatteryLevel: 75, MemoryMB: 8192, RemoteHost: "farm-host-01.internal",
			CreatedAt: now, UpdatedAt: now,
		},
		{
			ID: "emulator-001", Name: "Pixel 6 Emulator", Role: "ci",
			Status: core.DeviceOffline, Brand: "Google", Model: "Pixel 6", OSVersion: "12",
			SDKLevel: 31, Resolution: "1080x2400", Density: 420, CPUABI: "x86_64",
			BatteryLevel: -1, MemoryMB: 4096, CreatedAt: now, UpdatedAt: now,
		},
	}
}

// drainEvents subscribes to the given rooms and logs traffic, standing
// in for a real push-delivery transport (out of scope per spec.md §1).
func drainEvents(ctx context.Context, bus *events.Bus, log zerolog.Logger, rooms []events.Room) {
	for _, room := range rooms {
		ch, unsubscribe := bus.Subscribe(room)
		go func(room events.Room, ch <-chan events.Event, unsubscribe func()) {
			defer unsubscribe()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-ch:
					if !ok {
						return
					}
					log.Debug().Str("room", string(room)).Str("kind", string(ev.Kind)).
						Str("execution_id", ev.ExecutionID).Str("device_id", ev.DeviceID).Msg("event")
				}
			}
		}(room, ch, unsubscribe)
	}
}

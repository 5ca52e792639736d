// Package ports collects the capability interfaces the orchestration
// core consumes but does not implement (spec.md §6): persistence of
// scenarios, packages, categories, reports, schedules, and templates,
// plus the device automation backend and a metrics sink. Everything
// here is a seam an embedder wires a concrete adapter into; the only
// adapter this module ships is MetricsSink's (pkg/metrics).
package ports

import (
	"context"
	"io"
	"time"

	"github.com/dovaclean/testorc/pkg/core"
)

// DeviceDriver is the device automation backend: it turns an
// ActionParams into a physical input event on a running session and
// reports back what it saw. Implementations live outside this module
// (a real ADB/WDA-equivalent bridge); pkg/interpreter only calls this
// interface.
type DeviceDriver interface {
	Tap(ctx context.Context, session core.DeviceSession, x, y int) error
	LongPress(ctx context.Context, session core.DeviceSession, x, y int, duration time.Duration) error
	Swipe(ctx context.Context, session core.DeviceSession, startX, startY, endX, endY int, duration time.Duration) error
	InputText(ctx context.Context, session core.DeviceSession, text string) error
	Click(ctx context.Context, session core.DeviceSession, strategy core.SelectStrategy, selector string) error
	AppControl(ctx context.Context, session core.DeviceSession, pkg, activity, action string) error
	ImageMatch(ctx context.Context, session core.DeviceSession, templateID string, roi *core.ActionParams) (matched bool, score float64, err error)
	Screenshot(ctx context.Context, session core.DeviceSession) ([]byte, error)
	ScreenSize(ctx context.Context, session core.DeviceSession) (width, height int, err error)
}

// ScenarioRepo loads the graphs that ScenarioInterpreter walks.
type ScenarioRepo interface {
	Get(ctx context.Context, scenarioID string) (*core.Graph, error)
	List(ctx context.Context, categoryID string) ([]core.Graph, error)
}

// PackageRepo resolves app package/activity identifiers referenced by
// AppControl nodes.
type PackageRepo interface {
	Resolve(ctx context.Context, packageAlias string) (pkg, activity string, err error)
}

// CategoryRepo groups scenarios for listing and scheduling.
type CategoryRepo interface {
	ScenarioIDs(ctx context.Context, categoryID string) ([]string, error)
}

// ReportRepo persists completed TestReports.
type ReportRepo interface {
	Save(ctx context.Context, report core.TestReport) (id string, err error)
	Get(ctx context.Context, id string) (*core.TestReport, error)
}

// ScheduleRepo persists cron-style schedule definitions for
// ScheduleManager.
type ScheduleRepo interface {
	List(ctx context.Context) ([]core.ScheduleDefinition, error)
	Save(ctx context.Context, def core.ScheduleDefinition) error
	Delete(ctx context.Context, id string) error
}

// TemplateRepo resolves image-match template IDs to source images.
type TemplateRepo interface {
	Load(ctx context.Context, templateID string) (io.ReadCloser, error)
}

// MetricsSink receives counters and histograms from every component
// that cares to emit one. A no-op implementation is safe to wire when
// no collector is configured.
type MetricsSink interface {
	IncCounter(name string, labels map[string]string)
	ObserveDuration(name string, labels map[string]string, d time.Duration)
	SetGauge(name string, labels map[string]string, value float64)
}

// NopMetricsSink discards everything. Useful as a default collaborator
// when no MetricsSink is configured, mirroring the teacher's pattern
// of always constructing a real (if inert) collaborator rather than
// nil-checking at every call site.
type NopMetricsSink struct{}

func (NopMetricsSink) IncCounter(name string, labels map[string]string)                   {}
func (NopMetricsSink) ObserveDuration(name string, labels map[string]string, d time.Duration) {}
func (NopMetricsSink) SetGauge(name string, labels map[string]string, value float64)       {}

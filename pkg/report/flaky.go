// Package report implements the "Supplemented features" from
// SPEC_FULL.md: flaky-scenario detection and a failure-type histogram
// across a window of historical TestReports, grounded on the teacher's
// pkg/progress.Estimator (a stub for exactly this kind of
// history-derived analysis the teacher never filled in) and rebuilt
// against core.TestReport instead of core.Update progress.
package report

import (
	"context"

	"github.com/dovaclean/testorc/pkg/core"
	"github.com/dovaclean/testorc/pkg/ports"
)

// Analyzer derives flaky scenarios and aggregate failure histograms
// from a window of recently completed reports.
type Analyzer struct {
	reports ports.ReportRepo
}

// New creates an Analyzer over reports.
func New(reports ports.ReportRepo) *Analyzer {
	return &Analyzer{reports: reports}
}

// flakyLowWatermark and flakyHighWatermark bound the pass-rate window
// the GLOSSARY's "Flaky" definition describes: a scenario whose success
// rate over a recent window is neither close to 0 nor close to 1.
const (
	flakyLowWatermark  = 0.1
	flakyHighWatermark = 0.9
)

// FlakyScenarios scans reportIDs and returns the scenario IDs whose
// rolling pass rate, per (scenarioId, deviceId) over the window, falls
// strictly between flakyLowWatermark and flakyHighWatermark — neither a
// consistently broken scenario (rate near 0) nor a consistently healthy
// one (rate near 1), per the GLOSSARY's "Flaky" definition.
func (a *Analyzer) FlakyScenarios(ctx context.Context, reportIDs []string) ([]string, error) {
	type key struct {
		scenarioID string
		deviceID   string
	}
	type tally struct {
		passed int
		total  int
	}
	tallies := make(map[key]*tally)

	for _, id := range reportIDs {
		rep, err := a.reports.Get(ctx, id)
		if err != nil {
			continue
		}
		for _, scenario := range rep.Scenarios {
			for _, d := range scenario.Devices {
				if d.Status == core.StepSkipped {
					continue
				}
				k := key{scenario.ScenarioID, d.DeviceID}
				t, ok := tallies[k]
				if !ok {
					t = &tally{}
					tallies[k] = t
				}
				t.total++
				if d.Status == core.StepPassed {
					t.passed++
				}
			}
		}
	}

	flaky := make(map[string]bool)
	for k, t := range tallies {
		if t.total == 0 {
			continue
		}
		rate := float64(t.passed) / float64(t.total)
		if rate > flakyLowWatermark && rate < flakyHighWatermark {
			flaky[k.scenarioID] = true
		}
	}

	out := make([]string, 0, len(flaky))
	for id := range flaky {
		out = append(out, id)
	}
	return out, nil
}

// FailureHistogram aggregates FailureCategory counts across reportIDs.
func (a *Analyzer) FailureHistogram(ctx context.Context, reportIDs []string) (map[core.FailureCategory]int, error) {
	histogram := make(map[core.FailureCategory]int)

	for _, id := range reportIDs {
		rep, err := a.reports.Get(ctx, id)
		if err != nil {
			continue
		}
		for category, count := range rep.Stats.FailureHistogram {
			histogram[category] += count
		}
	}

	return histogram, nil
}

// Annotate fills report.Stats.FlakyScenarioIDs by comparing it against
// history (previously completed reports for the same scenario set).
func (a *Analyzer) Annotate(ctx context.Context, report *core.TestReport, historyIDs []string) error {
	flaky, err := a.FlakyScenarios(ctx, append(historyIDs, report.ExecutionID))
	if err != nil {
		return err
	}
	report.Stats.FlakyScenarioIDs = flaky
	return nil
}

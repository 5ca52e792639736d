package core

import "time"

// ScheduleRunRecord is one entry in a ScheduleDefinition's bounded
// history ring (spec.md §4.7 "run history"): the outcome of a single
// cron fire.
type ScheduleRunRecord struct {
	QueueID     string
	ExecutionID string
	FiredAt     time.Time
	Error       string // empty on a successful submission
}

// ScheduleHistoryLimit bounds ScheduleDefinition.History: the oldest
// record is evicted once a schedule has fired more than this many times.
const ScheduleHistoryLimit = 20

// ScheduleDefinition is a persisted cron-triggered test submission
// (spec.md §4.7): ScheduleManager fires TestRequest{DeviceIDs,
// ScenarioIDs} on CronExpr's cadence under Requester's identity.
type ScheduleDefinition struct {
	ID        string
	Name      string
	CronExpr  string
	Request   TestRequest
	Requester string
	Enabled   bool
	CreatedAt time.Time
	LastRunAt *time.Time
	NextRunAt *time.Time
	History   []ScheduleRunRecord
}

// AppendHistory appends record to History, evicting the oldest entry
// once the ring exceeds ScheduleHistoryLimit.
func (d *ScheduleDefinition) AppendHistory(record ScheduleRunRecord) {
	d.History = append(d.History, record)
	if len(d.History) > ScheduleHistoryLimit {
		d.History = d.History[len(d.History)-ScheduleHistoryLimit:]
	}
}

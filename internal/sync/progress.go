package sync

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/marcus/storesync/internal/models"
)

// EventType distinguishes progress events.
type EventType string

const (
	EventJobStarted      EventType = "job_started"
	EventRecord          EventType = "record"
	EventPartitionPaused EventType = "partition_paused"
	EventPartitionDone   EventType = "partition_completed"
	EventJobStateChanged EventType = "job_state"
)

// Event is one progress update. Record events carry the record outcome and
// the partition counters after the page that contained it was committed.
type Event struct {
	Type       EventType                `json:"type"`
	JobID      string                   `json:"job_id"`
	PeerID     string                   `json:"peer_id"`
	EntityType models.EntityType        `json:"entity_type,omitempty"`
	Ref        *models.EntityRef        `json:"ref,omitempty"`
	Outcome    Outcome                  `json:"outcome,omitempty"`
	Resolution models.Resolution        `json:"resolution,omitempty"`
	JobState   models.JobState          `json:"job_state,omitempty"`
	Progress   models.PartitionProgress `json:"progress"`
	Error      string                   `json:"error,omitempty"`
	ErrorKind  ErrorKind                `json:"error_kind,omitempty"`
	At         time.Time                `json:"at"`
}

// Reporter receives progress events. Report must not block for long; it is
// called from worker goroutines.
type Reporter interface {
	Report(ctx context.Context, ev Event)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, ev Event)

func (f ReporterFunc) Report(ctx context.Context, ev Event) { f(ctx, ev) }

// MultiReporter fans each event out to every reporter in order.
type MultiReporter []Reporter

func (m MultiReporter) Report(ctx context.Context, ev Event) {
	for _, r := range m {
		if r != nil {
			r.Report(ctx, ev)
		}
	}
}

// LogReporter writes events to a structured logger.
type LogReporter struct {
	Logger *slog.Logger
}

func (r LogReporter) Report(ctx context.Context, ev Event) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"job", ev.JobID, "peer", ev.PeerID}
	if ev.EntityType != "" {
		attrs = append(attrs, "entity_type", ev.EntityType)
	}
	switch ev.Type {
	case EventRecord:
		attrs = append(attrs, "ref", ev.Ref.String(), "outcome", ev.Outcome, "processed", ev.Progress.Processed)
		if ev.Resolution != "" {
			attrs = append(attrs, "resolution", ev.Resolution)
		}
		logger.DebugContext(ctx, "record applied", attrs...)
	case EventPartitionPaused:
		attrs = append(attrs, "error_kind", ev.ErrorKind, "err", ev.Error, "cursor", ev.Progress.Cursor)
		logger.WarnContext(ctx, "partition paused", attrs...)
	case EventPartitionDone:
		attrs = append(attrs, "processed", ev.Progress.Processed, "conflicts", ev.Progress.Conflicts, "pages", ev.Progress.Pages)
		logger.InfoContext(ctx, "partition completed", attrs...)
	default:
		if ev.JobState != "" {
			attrs = append(attrs, "state", ev.JobState)
		}
		logger.InfoContext(ctx, string(ev.Type), attrs...)
	}
}

// Metrics counts engine activity with atomic counters.
type Metrics struct {
	jobsStarted      atomic.Int64
	jobsCompleted    atomic.Int64
	recordsProcessed atomic.Int64
	recordsCreated   atomic.Int64
	recordsUpdated   atomic.Int64
	conflicts        atomic.Int64
	failed           atomic.Int64
	partitionsPaused atomic.Int64
}

// MetricsSnapshot is a point-in-time view of engine metrics.
type MetricsSnapshot struct {
	JobsStarted      int64 `json:"jobs_started"`
	JobsCompleted    int64 `json:"jobs_completed"`
	RecordsProcessed int64 `json:"records_processed"`
	RecordsCreated   int64 `json:"records_created"`
	RecordsUpdated   int64 `json:"records_updated"`
	Conflicts        int64 `json:"conflicts"`
	Failed           int64 `json:"failed"`
	PartitionsPaused int64 `json:"partitions_paused"`
}

func (m *Metrics) Report(_ context.Context, ev Event) {
	switch ev.Type {
	case EventJobStarted:
		m.jobsStarted.Add(1)
	case EventJobStateChanged:
		if ev.JobState == models.JobCompleted {
			m.jobsCompleted.Add(1)
		}
	case EventPartitionPaused:
		m.partitionsPaused.Add(1)
	case EventRecord:
		m.recordsProcessed.Add(1)
		switch ev.Outcome {
		case OutcomeCreated:
			m.recordsCreated.Add(1)
		case OutcomeUpdated:
			m.recordsUpdated.Add(1)
		case OutcomeConflict:
			m.conflicts.Add(1)
		case OutcomeRejected:
			m.failed.Add(1)
		}
	}
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		JobsStarted:      m.jobsStarted.Load(),
		JobsCompleted:    m.jobsCompleted.Load(),
		RecordsProcessed: m.recordsProcessed.Load(),
		RecordsCreated:   m.recordsCreated.Load(),
		RecordsUpdated:   m.recordsUpdated.Load(),
		Conflicts:        m.conflicts.Load(),
		Failed:           m.failed.Load(),
		PartitionsPaused: m.partitionsPaused.Load(),
	}
}

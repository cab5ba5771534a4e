// Package report implements Metrics/RunReport of spec.md §4.L: Prometheus
// counters/histograms in the teacher's internal/telemetry/metrics.go shape
// (package-level CounterVec/HistogramVec plus an All() collector list), and
// an in-memory per-run aggregator that accumulates outcomes incrementally
// as jobs terminate and finalises on BatchCompleted.
package report

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tsromanox/openfinance-sub003/pkg/clock"
	"github.com/tsromanox/openfinance-sub003/pkg/events"
	"github.com/tsromanox/openfinance-sub003/pkg/store"
)

// JobsProcessedTotal counts terminal job outcomes by kind and outcome.
var JobsProcessedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "receptor",
		Subsystem: "jobs",
		Name:      "processed_total",
		Help:      "Total number of SyncJobs that reached a terminal outcome.",
	},
	[]string{"kind", "outcome"},
)

// JobLatencySeconds observes per-job processing latency.
var JobLatencySeconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "receptor",
		Subsystem: "jobs",
		Name:      "latency_seconds",
		Help:      "SyncJob processing latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"kind"},
)

// ConsentTransitionsTotal counts ConsentEngine status transitions.
var ConsentTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "receptor",
		Subsystem: "consent",
		Name:      "transitions_total",
		Help:      "Total number of consent status transitions, by from/to status.",
	},
	[]string{"from", "to"},
)

// RunsCompletedTotal counts finished scheduler runs.
var RunsCompletedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "receptor",
		Subsystem: "runs",
		Name:      "completed_total",
		Help:      "Total number of scheduler runs that reached BatchCompleted.",
	},
)

// All returns every receptor-specific metric for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		JobsProcessedTotal,
		JobLatencySeconds,
		ConsentTransitionsTotal,
		RunsCompletedTotal,
	}
}

// RunReport is the per-scheduler-execution aggregate of spec.md §3.
type RunReport struct {
	RunID                    string         `json:"runId"`
	StartedAt                time.Time      `json:"startedAt"`
	CompletedAt              *time.Time     `json:"completedAt,omitempty"`
	Expected                 int            `json:"expected"`
	TotalProcessed           int            `json:"totalProcessed"`
	TotalSuccess             int            `json:"totalSuccess"`
	TotalErrors              int            `json:"totalErrors"`
	TotalSkipped             int            `json:"totalSkipped"`
	ErrorsByKind             map[string]int `json:"errorsByKind"`
	ProcessingByOrganisation map[string]int `json:"processingByOrganisation"`
}

// Outcome classifies one terminal job result for aggregation purposes.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
	OutcomeSkipped Outcome = "skipped"
)

// Aggregator accumulates RunReports incrementally as jobs terminate and
// finalises + publishes BatchCompleted once every expected job has
// terminated, per spec.md §4.L.
type Aggregator struct {
	store     store.Store
	publisher events.Publisher
	clock     clock.Clock

	mu   sync.Mutex
	runs map[string]*RunReport
}

// NewAggregator constructs an Aggregator.
func NewAggregator(st store.Store, pub events.Publisher, clk clock.Clock) *Aggregator {
	return &Aggregator{store: st, publisher: pub, clock: clk, runs: make(map[string]*RunReport)}
}

// StartRun registers a new run with its expected job count, persisting the
// initial RunReport document, per spec.md §4.I step 4.
func (a *Aggregator) StartRun(ctx context.Context, runID string, expected int) {
	a.mu.Lock()
	a.runs[runID] = &RunReport{
		RunID:                    runID,
		StartedAt:                a.clock.Now(),
		Expected:                 expected,
		ErrorsByKind:             make(map[string]int),
		ProcessingByOrganisation: make(map[string]int),
	}
	a.mu.Unlock()
	_ = a.persist(ctx, runID)
}

// RecordOutcome accumulates one terminal job's outcome into its run, and,
// once totalProcessed reaches the expected count, finalises the report and
// publishes BatchCompleted.
func (a *Aggregator) RecordOutcome(ctx context.Context, runID, kind, organisationID string, outcome Outcome, errorKind string, latency time.Duration) error {
	JobsProcessedTotal.WithLabelValues(kind, string(outcome)).Inc()
	JobLatencySeconds.WithLabelValues(kind).Observe(latency.Seconds())

	a.mu.Lock()
	r, ok := a.runs[runID]
	if !ok {
		r = &RunReport{RunID: runID, StartedAt: a.clock.Now(), ErrorsByKind: make(map[string]int), ProcessingByOrganisation: make(map[string]int)}
		a.runs[runID] = r
	}
	r.TotalProcessed++
	r.ProcessingByOrganisation[organisationID]++
	switch outcome {
	case OutcomeSuccess:
		r.TotalSuccess++
	case OutcomeError:
		r.TotalErrors++
		if errorKind != "" {
			r.ErrorsByKind[errorKind]++
		}
	case OutcomeSkipped:
		r.TotalSkipped++
	}
	done := r.Expected > 0 && r.TotalProcessed >= r.Expected
	snapshot := *r
	a.mu.Unlock()

	if err := a.persist(ctx, runID); err != nil {
		return err
	}
	if !done {
		return nil
	}
	return a.finalize(ctx, runID, snapshot)
}

func (a *Aggregator) finalize(ctx context.Context, runID string, snapshot RunReport) error {
	now := a.clock.Now()
	a.mu.Lock()
	if r, ok := a.runs[runID]; ok {
		r.CompletedAt = &now
		snapshot = *r
	}
	a.mu.Unlock()

	if err := a.persist(ctx, runID); err != nil {
		return err
	}
	RunsCompletedTotal.Inc()
	return a.publisher.Publish(ctx, events.TopicBatchCompleted, runID, "BatchCompleted", events.BatchCompleted{
		RunID:          runID,
		TotalProcessed: snapshot.TotalProcessed,
		TotalSuccess:   snapshot.TotalSuccess,
		TotalErrors:    snapshot.TotalErrors,
		TotalSkipped:   snapshot.TotalSkipped,
	})
}

func (a *Aggregator) persist(ctx context.Context, runID string) error {
	a.mu.Lock()
	r, ok := a.runs[runID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("report: unknown run %s", runID)
	}
	cp := *r
	a.mu.Unlock()

	raw, err := marshalReport(cp)
	if err != nil {
		return err
	}
	doc := store.Document{
		Partition: runID,
		Key:       runID,
		Payload:   raw,
		CreatedAt: cp.StartedAt,
		UpdatedAt: a.clock.Now(),
	}
	if cp.CompletedAt != nil {
		doc.Status = "COMPLETED"
	} else {
		doc.Status = "RUNNING"
	}
	_, err = a.store.Upsert(ctx, store.CollectionRuns, doc, nil)
	if err == store.ErrConflict {
		existing, getErr := a.store.Get(ctx, store.CollectionRuns, runID, runID)
		if getErr != nil {
			return getErr
		}
		v := existing.Version
		_, err = a.store.Upsert(ctx, store.CollectionRuns, doc, &v)
	}
	return err
}

// Percentiles computes p50/p95/p99 over a set of latency samples, used by
// callers that need a point-in-time snapshot outside of the Prometheus
// histogram (e.g. an admin/debug endpoint).
func Percentiles(samples []time.Duration) (p50, p95, p99 time.Duration) {
	if len(samples) == 0 {
		return 0, 0, 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	pick := func(pct float64) time.Duration {
		idx := int(pct * float64(len(sorted)-1))
		return sorted[idx]
	}
	return pick(0.50), pick(0.95), pick(0.99)
}

package report

import (
	"log/slog"

	"github.com/zen-systems/stagegate/pkg/buildctx"
)

// Archiver copies a resolved artifact into durable storage and returns the
// artifact with Path, SHA256 and Size filled in.
type Archiver interface {
	Archive(index int, stage string, artifact Artifact) (Artifact, error)
}

// Aggregator accumulates stage results for one run.
type Aggregator struct {
	report   *RunReport
	archiver Archiver
	logger   *slog.Logger
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithArchiver archives present artifacts as results are recorded.
func WithArchiver(a Archiver) AggregatorOption {
	return func(agg *Aggregator) { agg.archiver = a }
}

// WithLogger sets the logger used for archive warnings.
func WithLogger(l *slog.Logger) AggregatorOption {
	return func(agg *Aggregator) {
		if l != nil {
			agg.logger = l
		}
	}
}

// NewAggregator starts an empty report for the given pipeline and context.
func NewAggregator(runID, pipeline string, bc *buildctx.Context, opts ...AggregatorOption) *Aggregator {
	agg := &Aggregator{
		report: &RunReport{
			RunID:    runID,
			Pipeline: pipeline,
			Context:  *bc,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(agg)
	}
	return agg
}

// Record appends a result in execution order and archives its artifacts.
// Archive failures are logged and leave the workspace source as the link.
func (a *Aggregator) Record(result *StageResult) {
	if result == nil {
		return
	}
	if a.archiver != nil {
		for i, art := range result.Artifacts {
			if !art.Present() {
				continue
			}
			archived, err := a.archiver.Archive(result.Index, result.Stage, art)
			if err != nil {
				a.logger.Warn("archive artifact failed", "stage", result.Stage, "artifact", art.Source, "error", err)
				continue
			}
			result.Artifacts[i] = archived
		}
	}
	a.report.Results = append(a.report.Results, result)
}

// RecordPost appends a run-level post action result.
func (a *Aggregator) RecordPost(hook HookResult) {
	a.report.Post = append(a.report.Post, hook)
}

// Abort marks the run as terminally aborted with the given cause.
func (a *Aggregator) Abort(err error) {
	a.report.Aborted = true
	if err != nil {
		a.report.Error = err.Error()
	}
}

// Report returns the accumulated report. Callers must treat it as read-only
// once the run has ended.
func (a *Aggregator) Report() *RunReport {
	return a.report
}

// Package runner walks a pipeline's stage graph for one build: it gates each
// stage on its condition, executes eligible stages in order, stops on the
// first failure and runs post actions.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zen-systems/stagegate/pkg/buildctx"
	"github.com/zen-systems/stagegate/pkg/executor"
	"github.com/zen-systems/stagegate/pkg/pipeline"
	"github.com/zen-systems/stagegate/pkg/report"
)

// StageExecutor runs stages and post actions. *executor.Executor implements it.
type StageExecutor interface {
	Execute(ctx context.Context, req executor.Request, bc *buildctx.Context) *report.StageResult
	RunAction(ctx context.Context, req executor.ActionRequest, bc *buildctx.Context) report.HookResult
}

// RunOptions configures pipeline execution.
type RunOptions struct {
	RunID          string
	Executor       StageExecutor
	Archiver       report.Archiver
	DefaultTimeout time.Duration
	Logger         *slog.Logger
	// OnStage is called after each stage result, hooks included, is recorded.
	OnStage func(*report.StageResult)
}

// Run executes the pipeline against the build context. The returned report
// always holds one result per declared stage. An error is returned alongside
// the report when the run was aborted by a condition error or cancellation.
func Run(ctx context.Context, p *pipeline.Pipeline, bc *buildctx.Context, opts RunOptions) (*report.RunReport, error) {
	if p == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if bc == nil {
		return nil, fmt.Errorf("build context is required")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	order, err := p.Order()
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = executor.DefaultTimeout
	}

	aggOpts := []report.AggregatorOption{report.WithLogger(logger)}
	if opts.Archiver != nil {
		aggOpts = append(aggOpts, report.WithArchiver(opts.Archiver))
	}
	agg := report.NewAggregator(opts.RunID, p.Name, bc, aggOpts...)

	r := &run{
		ctx:      ctx,
		pipeline: p,
		bc:       bc,
		opts:     opts,
		timeout:  timeout,
		logger:   logger.With("run_id", opts.RunID),
		agg:      agg,
		status:   make(map[string]report.Status, len(order)),
	}
	for i, stage := range order {
		r.step(i+1, stage)
	}
	r.post()

	rep := agg.Report()
	r.logger.Info("run finished", "outcome", rep.Outcome(), "stages", len(rep.Results))
	return rep, r.abortErr
}

type run struct {
	ctx      context.Context
	pipeline *pipeline.Pipeline
	bc       *buildctx.Context
	opts     RunOptions
	timeout  time.Duration
	logger   *slog.Logger
	agg      *report.Aggregator

	status   map[string]report.Status
	failed   bool
	abortErr error
}

func (r *run) step(index int, stage *pipeline.Stage) {
	switch {
	case r.ctx.Err() != nil:
		r.skip(index, stage, report.SubCancelled)
		r.abort(fmt.Errorf("run cancelled: %w", context.Cause(r.ctx)))
		return
	case r.abortErr != nil, r.failed:
		r.skip(index, stage, report.SubFailFast)
		return
	}

	for _, need := range stage.Needs {
		if r.status[need] == report.StatusSkipped {
			r.skip(index, stage, report.SubDependencySkipped)
			return
		}
	}

	eligible, err := r.eligible(stage)
	if err != nil {
		err = fmt.Errorf("stage %s: %w: %v", stage.Name, report.ErrConditionEvaluation, err)
		r.logger.Error("condition evaluation failed", "stage", stage.Name, "error", err)
		r.record(&report.StageResult{
			Stage:     stage.Name,
			Index:     index,
			Status:    report.StatusFailed,
			SubStatus: report.SubConditionError,
			ExitCode:  -1,
			Error:     err.Error(),
		})
		r.abort(err)
		return
	}
	if !eligible {
		r.skip(index, stage, report.SubConditionFalse)
		return
	}

	result := r.opts.Executor.Execute(r.ctx, executor.Request{
		Index:   index,
		Stage:   stage,
		Timeout: r.pipeline.StageTimeout(stage, r.timeout),
	}, r.bc)

	// post hooks run exactly once after an executed stage, whatever its status
	hookCtx := context.WithoutCancel(r.ctx)
	for _, action := range stage.Post {
		result.Hooks = append(result.Hooks, r.opts.Executor.RunAction(hookCtx, executor.ActionRequest{
			Index:  index,
			Stage:  stage.Name,
			Action: action,
		}, r.bc))
	}

	r.record(result)
	if result.Status == report.StatusFailed {
		r.failed = true
		if result.SubStatus == report.SubCancelled {
			r.abort(fmt.Errorf("run cancelled: %w", context.Cause(r.ctx)))
		}
	}
}

func (r *run) eligible(stage *pipeline.Stage) (bool, error) {
	pred, err := stage.Condition()
	if err != nil {
		return false, err
	}
	return pred(r.bc)
}

func (r *run) skip(index int, stage *pipeline.Stage, reason report.SubStatus) {
	r.logger.Info("stage skipped", "stage", stage.Name, "index", index, "reason", reason)
	r.record(report.Skipped(index, stage.Name, reason))
}

func (r *run) record(result *report.StageResult) {
	r.status[result.Stage] = result.Status
	r.agg.Record(result)
	if r.opts.OnStage != nil {
		r.opts.OnStage(result)
	}
}

func (r *run) abort(err error) {
	if r.abortErr != nil {
		return
	}
	r.abortErr = err
	r.agg.Abort(err)
}

// post runs the run-level actions: always first, then success or failure.
// They run even after cancellation.
func (r *run) post() {
	actions := append([]pipeline.Action{}, r.pipeline.Post.Always...)
	if r.agg.Report().Outcome() == report.OutcomeSuccess {
		actions = append(actions, r.pipeline.Post.Success...)
	} else {
		actions = append(actions, r.pipeline.Post.Failure...)
	}

	ctx := context.WithoutCancel(r.ctx)
	for _, action := range actions {
		r.agg.RecordPost(r.opts.Executor.RunAction(ctx, executor.ActionRequest{Action: action}, r.bc))
	}
}

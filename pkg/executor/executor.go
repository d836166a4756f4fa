// Package executor runs a single stage as a shell subprocess and turns its
// exit status, output files and scanner results into a StageResult.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/zen-systems/stagegate/pkg/buildctx"
	"github.com/zen-systems/stagegate/pkg/evidence"
	"github.com/zen-systems/stagegate/pkg/pipeline"
	"github.com/zen-systems/stagegate/pkg/report"
	"github.com/zen-systems/stagegate/pkg/sarif"
)

const (
	// DefaultShell runs stage commands with "-c".
	DefaultShell = "sh"
	// DefaultTimeout applies when neither the stage nor the pipeline sets one.
	DefaultTimeout = 30 * time.Minute

	waitDelay = 5 * time.Second
)

// Options configures an Executor.
type Options struct {
	RunDir         string
	Shell          string
	DefaultTimeout time.Duration
	Credentials    Credentials
	Logger         *slog.Logger
}

// Executor runs stages. It is safe to reuse across stages of one run.
type Executor struct {
	runDir         string
	shell          string
	defaultTimeout time.Duration
	credentials    Credentials
	logger         *slog.Logger
}

// New creates an Executor that writes logs under opts.RunDir.
func New(opts Options) (*Executor, error) {
	if opts.RunDir == "" {
		return nil, fmt.Errorf("run directory is required")
	}
	if err := os.MkdirAll(filepath.Join(opts.RunDir, evidence.LogsDir), 0700); err != nil {
		return nil, err
	}
	e := &Executor{
		runDir:         opts.RunDir,
		shell:          opts.Shell,
		defaultTimeout: opts.DefaultTimeout,
		credentials:    opts.Credentials,
		logger:         opts.Logger,
	}
	if e.shell == "" {
		e.shell = DefaultShell
	}
	if e.defaultTimeout <= 0 {
		e.defaultTimeout = DefaultTimeout
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e, nil
}

// Request is one stage invocation. Index is the 1-based execution position.
type Request struct {
	Index   int
	Stage   *pipeline.Stage
	Timeout time.Duration
}

// ActionRequest is one post action. Stage is empty for run-level actions.
type ActionRequest struct {
	Index   int
	Stage   string
	Action  pipeline.Action
	Timeout time.Duration
}

type invocation struct {
	command string
	dir     string
	env     []string
	stdout  string
	stderr  string
	timeout time.Duration
	secrets []secret
}

type completion struct {
	exitCode  int
	duration  time.Duration
	timedOut  bool
	cancelled bool
	err       error
}

// Execute runs the stage and classifies the outcome. Non-zero exits are
// reported in the result, never as an error.
func (e *Executor) Execute(ctx context.Context, req Request, bc *buildctx.Context) *report.StageResult {
	stage := req.Stage
	key := evidence.StageKey(req.Index, stage.Name)
	res := &report.StageResult{
		Stage:      stage.Name,
		Index:      req.Index,
		Status:     report.StatusSuccess,
		ExitCode:   -1,
		StdoutPath: filepath.ToSlash(filepath.Join(evidence.LogsDir, key+".stdout.log")),
		StderrPath: filepath.ToSlash(filepath.Join(evidence.LogsDir, key+".stderr.log")),
	}
	logger := e.logger.With("stage", stage.Name, "index", req.Index)

	secrets, err := e.resolveCredentials(stage.Credentials)
	if err != nil {
		res.StdoutPath, res.StderrPath = "", ""
		fail(res, report.SubToolFailed, fmt.Errorf("%w: %v", report.ErrToolInvocationFailed, err))
		logger.Error("stage credentials unavailable", "error", err)
		return res
	}

	env := append(os.Environ(), bc.Environ()...)
	env = append(env, sortedEnv(stage.Env)...)
	for _, s := range secrets {
		env = append(env, s.name+"="+s.value)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	logger.Info("stage started", "timeout", timeout.String(), "credentials", redactedNames(secrets))
	done := e.invoke(ctx, invocation{
		command: stage.Run,
		dir:     bc.Workspace,
		env:     env,
		stdout:  filepath.Join(e.runDir, filepath.FromSlash(res.StdoutPath)),
		stderr:  filepath.Join(e.runDir, filepath.FromSlash(res.StderrPath)),
		timeout: timeout,
		secrets: secrets,
	})
	secrets = nil

	res.ExitCode = done.exitCode
	res.DurationMs = done.duration.Milliseconds()

	switch {
	case done.cancelled:
		fail(res, report.SubCancelled, fmt.Errorf("%w: %v", report.ErrToolInvocationFailed, context.Cause(ctx)))
	case done.timedOut:
		fail(res, report.SubTimeout, fmt.Errorf("%w after %s", report.ErrTimeout, timeout))
	case done.err != nil:
		fail(res, report.SubToolFailed, fmt.Errorf("%w: %v", report.ErrToolInvocationFailed, done.err))
	case done.exitCode != 0 && stage.ContinueOnError:
		res.Warnings = append(res.Warnings, fmt.Sprintf("advisory failure: exit code %d", done.exitCode))
	case done.exitCode != 0:
		fail(res, report.SubToolFailed, fmt.Errorf("%w: exit code %d", report.ErrToolInvocationFailed, done.exitCode))
	}

	if !done.cancelled && !done.timedOut {
		e.collect(res, stage, bc.Workspace)
	}

	logger.Info("stage finished",
		"status", res.Status,
		"sub_status", res.SubStatus,
		"exit_code", res.ExitCode,
		"duration_ms", res.DurationMs,
	)
	return res
}

// collect resolves artifacts and applies the severity threshold. The first
// failure reason recorded on the result wins.
func (e *Executor) collect(res *report.StageResult, stage *pipeline.Stage, workspace string) {
	artifacts, missing := ResolveArtifacts(workspace, stage.Artifacts)
	res.Artifacts = artifacts
	if len(missing) > 0 && res.Status == report.StatusSuccess {
		fail(res, report.SubArtifactMissing, fmt.Errorf("%w: %v", report.ErrArtifactMissing, missing))
	}

	if stage.Threshold == nil {
		return
	}
	count, err := CheckThreshold(workspace, stage.Threshold)
	if err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("threshold: %v", err))
		return
	}
	if count > stage.Threshold.Max && res.Status == report.StatusSuccess {
		fail(res, report.SubThresholdExceeded, fmt.Errorf("%w: %d findings at or above %s (max %d)",
			report.ErrThresholdExceeded, count, thresholdLevel(stage.Threshold), stage.Threshold.Max))
	}
}

// RunAction executes a post action. Stdout and stderr share one log file.
func (e *Executor) RunAction(ctx context.Context, req ActionRequest, bc *buildctx.Context) report.HookResult {
	prefix := "post"
	if req.Stage != "" {
		prefix = evidence.StageKey(req.Index, req.Stage) + ".post"
	}
	logPath := filepath.ToSlash(filepath.Join(evidence.LogsDir, prefix+"-"+evidence.Slug(req.Action.Name)+".log"))
	abs := filepath.Join(e.runDir, filepath.FromSlash(logPath))

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	done := e.invoke(ctx, invocation{
		command: req.Action.Run,
		dir:     bc.Workspace,
		env:     append(os.Environ(), bc.Environ()...),
		stdout:  abs,
		stderr:  abs,
		timeout: timeout,
	})

	hook := report.HookResult{
		Name:       req.Action.Name,
		ExitCode:   done.exitCode,
		DurationMs: done.duration.Milliseconds(),
		Status:     report.StatusSuccess,
		LogPath:    logPath,
	}
	switch {
	case done.timedOut:
		hook.Status = report.StatusFailed
		hook.Error = fmt.Errorf("%w after %s", report.ErrTimeout, timeout).Error()
	case done.err != nil || done.cancelled:
		hook.Status = report.StatusFailed
		cause := done.err
		if cause == nil {
			cause = context.Cause(ctx)
		}
		hook.Error = fmt.Errorf("%w: %v", report.ErrToolInvocationFailed, cause).Error()
	case done.exitCode != 0:
		hook.Status = report.StatusFailed
		hook.Error = fmt.Errorf("%w: exit code %d", report.ErrToolInvocationFailed, done.exitCode).Error()
	}

	e.logger.Info("post action finished", "stage", req.Stage, "action", req.Action.Name, "status", hook.Status, "exit_code", hook.ExitCode)
	return hook
}

func (e *Executor) invoke(ctx context.Context, inv invocation) completion {
	runCtx, cancel := context.WithTimeout(ctx, inv.timeout)
	defer cancel()

	stdout, err := os.OpenFile(inv.stdout, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return completion{exitCode: -1, err: fmt.Errorf("open log: %w", err)}
	}
	defer stdout.Close()
	outLog := newRedactor(stdout, inv.secrets)
	errLog := outLog
	if inv.stderr != inv.stdout {
		stderr, err := os.OpenFile(inv.stderr, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return completion{exitCode: -1, err: fmt.Errorf("open log: %w", err)}
		}
		defer stderr.Close()
		errLog = newRedactor(stderr, inv.secrets)
	}

	cmd := exec.CommandContext(runCtx, e.shell, "-c", inv.command)
	cmd.Dir = inv.dir
	cmd.Env = inv.env
	cmd.Stdout = outLog
	cmd.Stderr = errLog
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err = cmd.Run()
	done := completion{duration: time.Since(start)}
	flushErr := errors.Join(outLog.Flush(), errLog.Flush())
	if err == nil {
		if flushErr != nil {
			done.err = fmt.Errorf("write log: %w", flushErr)
		}
		return done
	}

	switch {
	case ctx.Err() != nil:
		done.cancelled = true
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		done.timedOut = true
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		done.exitCode = exitErr.ExitCode()
	} else {
		done.exitCode = -1
		if !done.cancelled && !done.timedOut {
			done.err = err
		}
	}
	return done
}

func (e *Executor) resolveCredentials(names []string) ([]secret, error) {
	if len(names) == 0 {
		return nil, nil
	}
	if e.credentials == nil {
		return nil, fmt.Errorf("stage requires credentials %v but none are configured", names)
	}
	secrets := make([]secret, 0, len(names))
	for _, name := range names {
		value, err := e.credentials.Resolve(name)
		if err != nil {
			return nil, err
		}
		secrets = append(secrets, secret{name: name, value: value})
	}
	return secrets, nil
}

func fail(res *report.StageResult, sub report.SubStatus, err error) {
	res.Status = report.StatusFailed
	res.SubStatus = sub
	res.Error = err.Error()
}

func sortedEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func redactedNames(secrets []secret) []string {
	names := make([]string, 0, len(secrets))
	for _, s := range secrets {
		names = append(names, s.name+"=****")
	}
	return names
}

// ResolveArtifacts expands each glob against the workspace. Patterns that
// match nothing are kept as absent entries; the names of absent required
// patterns are returned separately.
func ResolveArtifacts(workspace string, specs []pipeline.ArtifactSpec) ([]report.Artifact, []string) {
	var (
		artifacts []report.Artifact
		missing   []string
	)
	for _, spec := range specs {
		matches, _ := filepath.Glob(filepath.Join(workspace, filepath.FromSlash(spec.Path)))
		sort.Strings(matches)

		found := false
		for _, match := range matches {
			info, err := os.Stat(match)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			rel, err := filepath.Rel(workspace, match)
			if err != nil {
				continue
			}
			found = true
			artifacts = append(artifacts, report.Artifact{
				Pattern:  spec.Path,
				Source:   filepath.ToSlash(rel),
				Size:     info.Size(),
				Required: spec.Required,
			})
		}
		if !found {
			artifacts = append(artifacts, report.Artifact{Pattern: spec.Path, Required: spec.Required})
			if spec.Required {
				missing = append(missing, spec.Path)
			}
		}
	}
	return artifacts, missing
}

// CheckThreshold counts SARIF findings at or above the threshold level.
func CheckThreshold(workspace string, t *pipeline.Threshold) (int, error) {
	path := t.SARIF
	if !filepath.IsAbs(path) {
		path = filepath.Join(workspace, filepath.FromSlash(path))
	}
	doc, err := sarif.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return sarif.CountAtOrAbove(doc, thresholdLevel(t)), nil
}

func thresholdLevel(t *pipeline.Threshold) string {
	if t.Level == "" {
		return "error"
	}
	return t.Level
}

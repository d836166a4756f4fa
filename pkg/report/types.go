// Package report defines stage results, the run report that aggregates them,
// and the deterministic renderers used to publish a run.
package report

import (
	"errors"

	"github.com/zen-systems/stagegate/pkg/buildctx"
)

// Error taxonomy for a run. Match with errors.Is.
var (
	ErrToolInvocationFailed = errors.New("tool invocation failed")
	ErrTimeout              = errors.New("stage timed out")
	ErrArtifactMissing      = errors.New("artifact missing")
	ErrConditionEvaluation  = errors.New("condition evaluation failed")
	ErrNotificationDelivery = errors.New("notification delivery failed")
	ErrThresholdExceeded    = errors.New("severity threshold exceeded")
)

// Status is the terminal state of a stage.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// SubStatus refines Status with the reason a stage ended the way it did.
type SubStatus string

const (
	SubNone              SubStatus = ""
	SubToolFailed        SubStatus = "tool_failed"
	SubTimeout           SubStatus = "timeout"
	SubArtifactMissing   SubStatus = "artifact_missing"
	SubThresholdExceeded SubStatus = "threshold_exceeded"
	SubConditionFalse    SubStatus = "condition_false"
	SubConditionError    SubStatus = "condition_error"
	SubFailFast          SubStatus = "fail_fast"
	SubDependencySkipped SubStatus = "dependency_skipped"
	SubCancelled         SubStatus = "cancelled"
)

// Outcome is the overall verdict of a run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Artifact is one declared output of a stage. Source is the workspace
// relative path the glob resolved to; Path is where the aggregator archived
// it, relative to the run directory.
type Artifact struct {
	Pattern  string `json:"pattern"`
	Source   string `json:"source,omitempty"`
	Path     string `json:"path,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// Present reports whether the pattern resolved to a file.
func (a Artifact) Present() bool {
	return a.Source != ""
}

// Link returns the best location to reference the artifact from the report.
func (a Artifact) Link() string {
	if a.Path != "" {
		return a.Path
	}
	return a.Source
}

// HookResult captures one post action.
type HookResult struct {
	Name       string `json:"name"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
	Status     Status `json:"status"`
	LogPath    string `json:"log_path,omitempty"`
	Error      string `json:"error,omitempty"`
}

// StageResult captures execution results for a stage.
type StageResult struct {
	Stage      string       `json:"stage"`
	Index      int          `json:"index"`
	Status     Status       `json:"status"`
	SubStatus  SubStatus    `json:"sub_status,omitempty"`
	ExitCode   int          `json:"exit_code"`
	DurationMs int64        `json:"duration_ms"`
	StdoutPath string       `json:"stdout_path,omitempty"`
	StderrPath string       `json:"stderr_path,omitempty"`
	Artifacts  []Artifact   `json:"artifacts,omitempty"`
	Warnings   []string     `json:"warnings,omitempty"`
	Error      string       `json:"error,omitempty"`
	Hooks      []HookResult `json:"hooks,omitempty"`
}

// Skipped builds the result for a stage that did not execute.
func Skipped(index int, stage string, reason SubStatus) *StageResult {
	return &StageResult{
		Stage:     stage,
		Index:     index,
		Status:    StatusSkipped,
		SubStatus: reason,
		ExitCode:  -1,
	}
}

// Executed reports whether the stage actually ran a subprocess.
func (r *StageResult) Executed() bool {
	return r.Status != StatusSkipped && r.SubStatus != SubConditionError
}

// ArtifactPaths returns the resolved workspace paths of present artifacts.
func (r *StageResult) ArtifactPaths() []string {
	var paths []string
	for _, a := range r.Artifacts {
		if a.Present() {
			paths = append(paths, a.Source)
		}
	}
	return paths
}

// RunReport aggregates every StageResult of one run, in execution order.
type RunReport struct {
	RunID    string            `json:"run_id,omitempty"`
	Pipeline string            `json:"pipeline"`
	Context  buildctx.Context  `json:"context"`
	Results  []*StageResult    `json:"results"`
	Post     []HookResult      `json:"post,omitempty"`
	Aborted  bool              `json:"aborted,omitempty"`
	Error    string            `json:"error,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// Outcome is success iff the run was not aborted and every non-skipped
// stage succeeded.
func (r *RunReport) Outcome() Outcome {
	if r.Aborted {
		return OutcomeFailure
	}
	for _, res := range r.Results {
		if res.Status == StatusFailed {
			return OutcomeFailure
		}
	}
	return OutcomeSuccess
}

// Result returns the result for a stage by name.
func (r *RunReport) Result(stage string) (*StageResult, bool) {
	for _, res := range r.Results {
		if res.Stage == stage {
			return res, true
		}
	}
	return nil, false
}

// Counts returns the number of results per status.
func (r *RunReport) Counts() map[Status]int {
	counts := map[Status]int{StatusSuccess: 0, StatusFailed: 0, StatusSkipped: 0}
	for _, res := range r.Results {
		counts[res.Status]++
	}
	return counts
}

package triage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zen-systems/stagegate/pkg/report"
)

const (
	defaultTailLines = 40
	defaultTimeout   = 30 * time.Second
	maxTailBytes     = 64 * 1024
)

// Summarizer turns a failed run into a short explanation.
type Summarizer struct {
	adapter   Adapter
	model     string
	runDir    string
	tailLines int
	timeout   time.Duration
	logger    *slog.Logger
}

// SummarizerOption configures a Summarizer.
type SummarizerOption func(*Summarizer)

// WithModel overrides the adapter's default model.
func WithModel(model string) SummarizerOption {
	return func(s *Summarizer) {
		if model != "" {
			s.model = model
		}
	}
}

// WithRunDir sets the directory stage log paths are relative to.
func WithRunDir(dir string) SummarizerOption {
	return func(s *Summarizer) { s.runDir = dir }
}

// WithTailLines sets how many trailing stderr lines are sent per stage.
func WithTailLines(n int) SummarizerOption {
	return func(s *Summarizer) {
		if n > 0 {
			s.tailLines = n
		}
	}
}

// WithAttemptTimeout bounds each model call. A call that runs out of budget
// is retried once with a fresh budget.
func WithAttemptTimeout(d time.Duration) SummarizerOption {
	return func(s *Summarizer) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) SummarizerOption {
	return func(s *Summarizer) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSummarizer creates a summarizer backed by adapter.
func NewSummarizer(adapter Adapter, opts ...SummarizerOption) *Summarizer {
	s := &Summarizer{
		adapter:   adapter,
		model:     adapter.DefaultModel(),
		tailLines: defaultTailLines,
		timeout:   defaultTimeout,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Summarize asks the model to explain the failure. It returns an empty
// string without calling the model when nothing failed.
func (s *Summarizer) Summarize(ctx context.Context, r *report.RunReport) (string, error) {
	if r == nil || r.Outcome() != report.OutcomeFailure {
		return "", nil
	}
	prompt := s.Prompt(r)

	out, err := s.attempt(ctx, prompt)
	if err != nil && ctx.Err() == nil && Retryable(err) {
		s.logger.Warn("triage call failed, retrying", "adapter", s.adapter.Name(), "error", err)
		out, err = s.attempt(ctx, prompt)
	}
	if err != nil {
		return "", fmt.Errorf("triage via %s: %w", s.adapter.Name(), err)
	}
	return strings.TrimSpace(out), nil
}

func (s *Summarizer) attempt(ctx context.Context, prompt string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.adapter.Generate(callCtx, s.model, prompt)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("%w after %s: %v", ErrAttemptTimeout, s.timeout, err)
	}
	return out, err
}

// Prompt builds the model prompt from the failed stages of r.
func (s *Summarizer) Prompt(r *report.RunReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A CI pipeline run failed. Job %s, build #%d, branch %s.\n",
		r.Context.JobName, r.Context.BuildNumber, r.Context.Branch)
	b.WriteString("Explain the most likely root cause in at most five sentences and suggest a fix.\n")
	if r.Error != "" {
		fmt.Fprintf(&b, "\nRun error: %s\n", r.Error)
	}

	for _, res := range r.Results {
		if res.Status != report.StatusFailed {
			continue
		}
		fmt.Fprintf(&b, "\nStage %q failed (%s, exit code %d).\n", res.Stage, res.SubStatus, res.ExitCode)
		if res.Error != "" {
			fmt.Fprintf(&b, "Error: %s\n", res.Error)
		}
		if tail := s.tail(res.StderrPath); tail != "" {
			fmt.Fprintf(&b, "Last stderr lines:\n```\n%s\n```\n", tail)
		}
	}
	return b.String()
}

func (s *Summarizer) tail(rel string) string {
	if rel == "" || s.runDir == "" {
		return ""
	}
	f, err := os.Open(filepath.Join(s.runDir, filepath.FromSlash(rel)))
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	offset := info.Size() - maxTailBytes
	if offset < 0 {
		offset = 0
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return ""
	}

	lines := strings.Split(strings.TrimRight(string(buf), "\n"), "\n")
	if len(lines) > s.tailLines {
		lines = lines[len(lines)-s.tailLines:]
	}
	return strings.Join(lines, "\n")
}

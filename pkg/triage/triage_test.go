package triage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/stagegate/pkg/buildctx"
	"github.com/zen-systems/stagegate/pkg/report"
)

func failedReport(t *testing.T) *report.RunReport {
	t.Helper()
	bc, err := buildctx.New(buildctx.Options{
		Branch:      "main",
		BuildNumber: 9,
		JobName:     "svc",
		Workspace:   t.TempDir(),
		StartTime:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	agg := report.NewAggregator("run", "svc", bc)
	agg.Record(&report.StageResult{Stage: "checkout", Index: 1, Status: report.StatusSuccess})
	agg.Record(&report.StageResult{
		Stage:      "compile",
		Index:      2,
		Status:     report.StatusFailed,
		SubStatus:  report.SubToolFailed,
		ExitCode:   1,
		StderrPath: "logs/02-compile.stderr.log",
		Error:      "tool invocation failed: exit code 1",
	})
	agg.Record(report.Skipped(3, "test", report.SubFailFast))
	return agg.Report()
}

func TestPromptIncludesFailedStageTail(t *testing.T) {
	runDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(runDir, "logs"), 0700))
	var lines []string
	for i := 0; i < 10; i++ {
		lines = append(lines, "line "+string(rune('a'+i)))
	}
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "logs", "02-compile.stderr.log"), []byte(strings.Join(lines, "\n")+"\n"), 0600))

	s := NewSummarizer(NewMockAdapter(), WithRunDir(runDir), WithTailLines(3))
	prompt := s.Prompt(failedReport(t))

	assert.Contains(t, prompt, "Job svc, build #9, branch main")
	assert.Contains(t, prompt, `Stage "compile" failed (tool_failed, exit code 1)`)
	assert.Contains(t, prompt, "line h\nline i\nline j")
	assert.NotContains(t, prompt, "line g")
	assert.NotContains(t, prompt, "checkout")
}

// scriptedAdapter returns errs in order, then reply.
type scriptedAdapter struct {
	errs  []error
	reply string
	calls int
	block bool
}

func (a *scriptedAdapter) Name() string         { return "scripted" }
func (a *scriptedAdapter) DefaultModel() string { return "m" }

func (a *scriptedAdapter) Generate(ctx context.Context, _ string, _ string) (string, error) {
	a.calls++
	if a.block && a.calls == 1 {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if len(a.errs) > 0 {
		err := a.errs[0]
		a.errs = a.errs[1:]
		return "", err
	}
	return a.reply, nil
}

func TestSummarizeUsesAdapter(t *testing.T) {
	mock := NewMockAdapter()
	out, err := NewSummarizer(mock).Summarize(context.Background(), failedReport(t))
	require.NoError(t, err)
	assert.Equal(t, `mock summary: "compile" failed`, out)
	assert.Len(t, mock.Prompts, 1)
}

func TestSummarizeTrimsReply(t *testing.T) {
	a := &scriptedAdapter{reply: "  The compiler failed.  "}
	out, err := NewSummarizer(a).Summarize(context.Background(), failedReport(t))
	require.NoError(t, err)
	assert.Equal(t, "The compiler failed.", out)
}

func TestSummarizeSkipsSuccess(t *testing.T) {
	r := failedReport(t)
	r.Results = r.Results[:1]

	mock := NewMockAdapter()
	out, err := NewSummarizer(mock).Summarize(context.Background(), r)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Empty(t, mock.Prompts)
}

func TestSummarizeRetriesProviderOutageOnce(t *testing.T) {
	mock := NewMockAdapter()
	mock.Err = &ProviderError{Provider: "mock", Status: 503, Err: errors.New("unavailable")}

	_, err := NewSummarizer(mock).Summarize(context.Background(), failedReport(t))
	require.Error(t, err)
	assert.Len(t, mock.Prompts, 2)
	assert.Contains(t, err.Error(), "triage via mock")
}

func TestSummarizeRecoversAfterRateLimit(t *testing.T) {
	a := &scriptedAdapter{
		errs:  []error{&ProviderError{Provider: "scripted", Status: 429, Err: errors.New("slow down")}},
		reply: "flaky test",
	}
	out, err := NewSummarizer(a).Summarize(context.Background(), failedReport(t))
	require.NoError(t, err)
	assert.Equal(t, "flaky test", out)
	assert.Equal(t, 2, a.calls)
}

func TestSummarizeClientErrorNoRetry(t *testing.T) {
	mock := NewMockAdapter()
	mock.Err = &ProviderError{Provider: "mock", Status: 401, Err: errors.New("unauthorized")}

	_, err := NewSummarizer(mock).Summarize(context.Background(), failedReport(t))
	require.Error(t, err)
	assert.Len(t, mock.Prompts, 1)
}

func TestSummarizeAttemptTimeoutGetsFreshBudget(t *testing.T) {
	a := &scriptedAdapter{block: true, reply: "disk full"}
	out, err := NewSummarizer(a, WithAttemptTimeout(20*time.Millisecond)).Summarize(context.Background(), failedReport(t))
	require.NoError(t, err)
	assert.Equal(t, "disk full", out)
	assert.Equal(t, 2, a.calls)
}

func TestSummarizeCallerDeadlineIsFinal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	a := &scriptedAdapter{block: true, reply: "unused"}

	_, err := NewSummarizer(a, WithAttemptTimeout(time.Minute)).Summarize(ctx, failedReport(t))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAttemptTimeout)
	assert.Equal(t, 1, a.calls)
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"caller cancelled", context.Canceled, false},
		{"caller deadline", context.DeadlineExceeded, false},
		{"attempt budget", fmt.Errorf("%w after 1s: boom", ErrAttemptTimeout), true},
		{"rate limited", &ProviderError{Status: 429}, true},
		{"server error", &ProviderError{Status: 502}, true},
		{"bad request", &ProviderError{Status: 400}, false},
		{"wrapped server error", fmt.Errorf("triage: %w", &ProviderError{Status: 500}), true},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestNewAdapter(t *testing.T) {
	a, err := NewAdapter(ProviderConfig{Provider: "mock"})
	require.NoError(t, err)
	assert.Equal(t, "mock", a.Name())

	_, err = NewAdapter(ProviderConfig{Provider: "anthropic"})
	assert.ErrorContains(t, err, "API key is required")

	a, err = NewAdapter(ProviderConfig{Provider: "openai", APIKey: "k", BaseURL: "http://127.0.0.1:1/v1"})
	require.NoError(t, err)
	assert.Equal(t, "openai", a.Name())

	_, err = NewAdapter(ProviderConfig{Provider: "bogus"})
	assert.Error(t, err)
	_, err = NewAdapter(ProviderConfig{})
	assert.Error(t, err)
}

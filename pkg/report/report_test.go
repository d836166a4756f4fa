package report

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zen-systems/stagegate/pkg/buildctx"
)

func testContext(t *testing.T) *buildctx.Context {
	t.Helper()
	bc, err := buildctx.New(buildctx.Options{
		Branch:      "feature/x",
		BuildNumber: 12,
		JobName:     "shop",
		StartTime:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Workspace:   "/ws",
	})
	require.NoError(t, err)
	return bc
}

func sampleReport(t *testing.T) *RunReport {
	agg := NewAggregator("shop-12", "ci", testContext(t))
	agg.Record(&StageResult{Stage: "Checkout", Index: 1, Status: StatusSuccess, DurationMs: 1200, StdoutPath: "logs/01-Checkout.stdout.log"})
	agg.Record(&StageResult{
		Stage:      "Scan",
		Index:      2,
		Status:     StatusSuccess,
		ExitCode:   1,
		DurationMs: 5300,
		Warnings:   []string{"advisory failure: exit code 1"},
		Artifacts: []Artifact{
			{Pattern: "gitleaks-report.json", Source: "gitleaks-report.json", Path: "artifacts/02-Scan/gitleaks-report.json", SHA256: "0123456789abcdef0123"},
			{Pattern: "trivy-*.html"},
		},
	})
	agg.Record(Skipped(3, "Docker Build", SubConditionFalse))
	return agg.Report()
}

func TestOutcome(t *testing.T) {
	r := sampleReport(t)
	assert.Equal(t, OutcomeSuccess, r.Outcome())

	r.Results = append(r.Results, &StageResult{Stage: "Test", Index: 4, Status: StatusFailed})
	assert.Equal(t, OutcomeFailure, r.Outcome())

	aborted := sampleReport(t)
	aborted.Aborted = true
	assert.Equal(t, OutcomeFailure, aborted.Outcome())
}

func TestRenderIsDeterministic(t *testing.T) {
	r := sampleReport(t)

	first, err := Render(r)
	require.NoError(t, err)
	second, err := Render(r)
	require.NoError(t, err)

	if diff := cmp.Diff(string(first), string(second)); diff != "" {
		t.Fatalf("render not deterministic (-first +second):\n%s", diff)
	}
}

func TestRenderShowsMissingArtifactsAsAbsent(t *testing.T) {
	out, err := Render(sampleReport(t))
	require.NoError(t, err)
	html := string(out)

	assert.Contains(t, html, `<a href="artifacts/02-Scan/gitleaks-report.json">gitleaks-report.json</a>`)
	assert.Contains(t, html, `<div class="absent">trivy-*.html</div>`)
	assert.Contains(t, html, "2 succeeded, 0 failed, 1 skipped")
	assert.Contains(t, html, "SKIPPED (condition_false)")
	assert.Contains(t, html, "2026-03-01T10:00:00Z")
	assert.Contains(t, html, "advisory failure: exit code 1")
}

func TestRenderRequiresReport(t *testing.T) {
	_, err := Render(nil)
	require.Error(t, err)
}

type fakeArchiver struct {
	fail bool
	seen []string
}

func (f *fakeArchiver) Archive(index int, stage string, a Artifact) (Artifact, error) {
	f.seen = append(f.seen, a.Source)
	if f.fail {
		return a, errors.New("disk full")
	}
	a.Path = "artifacts/" + stage + "/" + a.Source
	a.SHA256 = "abc"
	return a, nil
}

func TestAggregatorArchivesPresentArtifacts(t *testing.T) {
	arch := &fakeArchiver{}
	agg := NewAggregator("r", "ci", testContext(t), WithArchiver(arch))
	agg.Record(&StageResult{
		Stage:  "Build",
		Index:  1,
		Status: StatusSuccess,
		Artifacts: []Artifact{
			{Pattern: "target/*.jar", Source: "target/app.jar"},
			{Pattern: "missing.txt"},
		},
	})

	assert.Equal(t, []string{"target/app.jar"}, arch.seen)
	res, ok := agg.Report().Result("Build")
	require.True(t, ok)
	assert.Equal(t, "artifacts/Build/target/app.jar", res.Artifacts[0].Link())
	assert.False(t, res.Artifacts[1].Present())
	assert.Equal(t, []string{"target/app.jar"}, res.ArtifactPaths())
}

func TestAggregatorKeepsSourceWhenArchiveFails(t *testing.T) {
	agg := NewAggregator("r", "ci", testContext(t), WithArchiver(&fakeArchiver{fail: true}))
	agg.Record(&StageResult{Stage: "Build", Index: 1, Status: StatusSuccess, Artifacts: []Artifact{{Pattern: "a", Source: "a"}}})

	res, _ := agg.Report().Result("Build")
	assert.Equal(t, "a", res.Artifacts[0].Link())
	assert.Equal(t, StatusSuccess, res.Status)
}

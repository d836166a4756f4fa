// Package evidence persists a run to its own directory: the run report as
// JSON and HTML, one record per stage, stage logs and archived artifacts.
package evidence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zen-systems/stagegate/pkg/report"
)

const (
	dirPerm  = 0700
	filePerm = 0600

	// LogsDir holds stage and hook output, relative to the run directory.
	LogsDir = "logs"
	// ArtifactsDir holds archived stage artifacts.
	ArtifactsDir = "artifacts"
	// StagesDir holds one JSON record per stage.
	StagesDir = "stages"

	RunFile    = "run.json"
	ReportFile = "report.html"
)

// Writer writes run bundles to disk.
type Writer struct {
	baseDir string
	runDir  string
}

// NewWriter creates a new evidence writer rooted at baseDir/runID.
func NewWriter(baseDir, runID string) (*Writer, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if runID == "" {
		return nil, fmt.Errorf("run ID is required")
	}

	runDir := filepath.Join(baseDir, runID)
	for _, dir := range []string{runDir, filepath.Join(runDir, StagesDir), filepath.Join(runDir, LogsDir), filepath.Join(runDir, ArtifactsDir)} {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return nil, err
		}
		if err := os.Chmod(dir, dirPerm); err != nil {
			return nil, err
		}
	}

	return &Writer{baseDir: baseDir, runDir: runDir}, nil
}

// RunDir returns the run directory path.
func (w *Writer) RunDir() string {
	return w.runDir
}

// WriteRun writes the report to run.json.
func (w *Writer) WriteRun(r *report.RunReport) error {
	data, err := report.RenderJSON(r)
	if err != nil {
		return err
	}
	return writeFile(filepath.Join(w.runDir, RunFile), data)
}

// WriteStage writes a stage record to stages/<NN>-<stage>.json.
func (w *Writer) WriteStage(result *report.StageResult) error {
	if result == nil || result.Stage == "" {
		return fmt.Errorf("stage result with a name is required")
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(w.runDir, StagesDir, StageKey(result.Index, result.Stage)+".json")
	return writeFile(path, data)
}

// WriteReport renders the HTML report to report.html and returns its path.
func (w *Writer) WriteReport(r *report.RunReport) (string, error) {
	html, err := report.Render(r)
	if err != nil {
		return "", err
	}
	path := filepath.Join(w.runDir, ReportFile)
	return path, writeFile(path, html)
}

// Persist writes every stage record, run.json and report.html.
func (w *Writer) Persist(r *report.RunReport) (string, error) {
	for _, res := range r.Results {
		if err := w.WriteStage(res); err != nil {
			return "", err
		}
	}
	if err := w.WriteRun(r); err != nil {
		return "", err
	}
	return w.WriteReport(r)
}

// ReadRun loads a persisted report from a run directory.
func ReadRun(runDir string) (*report.RunReport, error) {
	data, err := os.ReadFile(filepath.Join(runDir, RunFile))
	if err != nil {
		return nil, err
	}
	var r report.RunReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode %s: %w", RunFile, err)
	}
	return &r, nil
}

// NewRunID builds a sortable run identifier from job, build and start time.
func NewRunID(job string, build int, start time.Time) string {
	return fmt.Sprintf("%s-%d-%s", Slug(job), build, start.UTC().Format("20060102T150405Z"))
}

// StageKey is the file name prefix used for everything a stage writes.
func StageKey(index int, stage string) string {
	return fmt.Sprintf("%02d-%s", index, Slug(stage))
}

// Slug lowercases name and keeps only [a-z0-9_-], mapping runs of other
// characters to a single dash.
func Slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		return "stage"
	}
	return slug
}

func writeFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, filePerm); err != nil {
		return err
	}
	return os.Chmod(path, filePerm)
}

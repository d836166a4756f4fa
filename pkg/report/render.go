package report

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/report.html.tmpl
var templateFS embed.FS

var reportTemplate = template.Must(
	template.New("report.html.tmpl").Funcs(template.FuncMap{
		"duration":   formatMillis,
		"timestamp":  func(t time.Time) string { return t.UTC().Format(time.RFC3339) },
		"statusText": func(s Status) string { return strings.ToUpper(string(s)) },
		"outcomeText": func(o Outcome) string {
			return strings.ToUpper(string(o))
		},
	}).ParseFS(templateFS, "templates/report.html.tmpl"),
)

// Render produces the HTML report. Output depends only on the report
// contents, so rendering the same report twice yields identical bytes.
func Render(r *RunReport) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("report is required")
	}
	counts := r.Counts()
	data := struct {
		*RunReport
		Verdict   Outcome
		Succeeded int
		Failed    int
		Skipped   int
	}{
		RunReport: r,
		Verdict:   r.Outcome(),
		Succeeded: counts[StatusSuccess],
		Failed:    counts[StatusFailed],
		Skipped:   counts[StatusSkipped],
	}

	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	return buf.Bytes(), nil
}

// RenderJSON produces the machine-readable form of the report.
func RenderJSON(r *RunReport) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("report is required")
	}
	return json.MarshalIndent(r, "", "  ")
}

func formatMillis(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).String()
}

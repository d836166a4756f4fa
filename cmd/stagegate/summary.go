package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/zen-systems/stagegate/pkg/report"
)

type palette struct {
	ok, fail, skip, warn, dim, bold lipgloss.Style
}

func newPalette(color bool) palette {
	if !color {
		plain := lipgloss.NewStyle()
		return palette{plain, plain, plain, plain, plain, plain}
	}
	return palette{
		ok:   lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		fail: lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		skip: lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		warn: lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		dim:  lipgloss.NewStyle().Faint(true),
		bold: lipgloss.NewStyle().Bold(true),
	}
}

// useColor reports whether w is a terminal.
func useColor(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// printSummary writes one line per stage and the overall outcome.
func printSummary(w io.Writer, rep *report.RunReport, htmlPath string, color bool) {
	p := newPalette(color)

	width := len("STAGE")
	for _, res := range rep.Results {
		if len(res.Stage) > width {
			width = len(res.Stage)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, p.bold.Render(fmt.Sprintf("%-4s %-*s  %-8s %10s  %s", "#", width, "STAGE", "STATUS", "DURATION", "DETAIL")))
	for _, res := range rep.Results {
		status := strings.ToUpper(string(res.Status))
		var style lipgloss.Style
		switch {
		case res.Status == report.StatusFailed:
			style = p.fail
		case res.Status == report.StatusSkipped:
			style = p.skip
		case len(res.Warnings) > 0:
			style = p.warn
			status = "WARN"
		default:
			style = p.ok
		}

		duration := "-"
		if res.Executed() {
			duration = (time.Duration(res.DurationMs) * time.Millisecond).String()
		}
		detail := string(res.SubStatus)
		if len(res.Warnings) > 0 {
			detail = strings.Join(res.Warnings, "; ")
		}

		fmt.Fprintf(w, "%-4s %-*s  %s %10s  %s\n",
			fmt.Sprintf("%02d", res.Index), width, res.Stage,
			style.Render(fmt.Sprintf("%-8s", status)), duration, p.dim.Render(detail))
	}

	counts := rep.Counts()
	outcome := strings.ToUpper(string(rep.Outcome()))
	outcomeStyle := p.ok
	if rep.Outcome() == report.OutcomeFailure {
		outcomeStyle = p.fail
	}
	fmt.Fprintf(w, "\n%s  %d succeeded, %d failed, %d skipped\n",
		outcomeStyle.Render(outcome), counts[report.StatusSuccess], counts[report.StatusFailed], counts[report.StatusSkipped])
	if rep.Error != "" {
		fmt.Fprintf(w, "%s\n", p.fail.Render(rep.Error))
	}
	if htmlPath != "" {
		fmt.Fprintf(w, "report: %s\n", htmlPath)
	}
}

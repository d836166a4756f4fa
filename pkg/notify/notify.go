// Package notify builds the single end-of-run message and delivers it to the
// configured channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zen-systems/stagegate/pkg/report"
)

// Message is the run summary sent to every channel.
type Message struct {
	RunID     string            `json:"run_id"`
	Outcome   report.Outcome    `json:"outcome"`
	Subject   string            `json:"subject"`
	Body      string            `json:"body"`
	Summary   string            `json:"summary,omitempty"`
	ReportURL string            `json:"report_url,omitempty"`
	Report    *report.RunReport `json:"report"`
	HTML      []byte            `json:"-"`
}

// Channel delivers a message to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Summarizer explains a failed run. *triage.Summarizer implements it.
type Summarizer interface {
	Summarize(ctx context.Context, r *report.RunReport) (string, error)
}

// Notifier fans one message out to its channels.
type Notifier struct {
	channels   []Channel
	summarizer Summarizer
	reportURL  string
	logger     *slog.Logger
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithSummarizer adds a triage summary to failure messages.
func WithSummarizer(s Summarizer) Option {
	return func(n *Notifier) { n.summarizer = s }
}

// WithReportURL sets the link to the rendered report.
func WithReportURL(url string) Option {
	return func(n *Notifier) { n.reportURL = url }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) {
		if l != nil {
			n.logger = l
		}
	}
}

// New creates a Notifier over channels.
func New(channels []Channel, opts ...Option) *Notifier {
	n := &Notifier{channels: channels, logger: slog.Default()}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify builds the message for r and delivers it to every channel. Each
// failed delivery is logged; the returned error joins them and wraps
// report.ErrNotificationDelivery. It never affects the run outcome.
func (n *Notifier) Notify(ctx context.Context, r *report.RunReport, html []byte) (Message, error) {
	msg := BuildMessage(r, n.reportURL)
	msg.HTML = html

	if n.summarizer != nil && msg.Outcome == report.OutcomeFailure {
		summary, err := n.summarizer.Summarize(ctx, r)
		switch {
		case err != nil:
			n.logger.Warn("failure triage unavailable", "error", err)
		case summary != "":
			msg.Summary = summary
			msg.Body += "\nTriage:\n" + summary + "\n"
		}
	}

	var errs []error
	for _, ch := range n.channels {
		if err := ch.Send(ctx, msg); err != nil {
			n.logger.Error("notification delivery failed", "channel", ch.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%w: %s: %v", report.ErrNotificationDelivery, ch.Name(), err))
			continue
		}
		n.logger.Info("notification sent", "channel", ch.Name(), "subject", msg.Subject)
	}
	return msg, errors.Join(errs...)
}

// Subject formats "[<job>] #<build> <SUCCESS|FAILURE>".
func Subject(r *report.RunReport) string {
	return fmt.Sprintf("[%s] #%d %s", r.Context.JobName, r.Context.BuildNumber, strings.ToUpper(string(r.Outcome())))
}

// BuildMessage renders the plain-text summary of r. The output depends only
// on the report.
func BuildMessage(r *report.RunReport, reportURL string) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Job:     %s\n", r.Context.JobName)
	fmt.Fprintf(&b, "Build:   #%d\n", r.Context.BuildNumber)
	fmt.Fprintf(&b, "Branch:  %s\n", r.Context.Branch)
	fmt.Fprintf(&b, "Outcome: %s\n", strings.ToUpper(string(r.Outcome())))
	if r.Error != "" {
		fmt.Fprintf(&b, "Error:   %s\n", r.Error)
	}

	b.WriteString("\nStages:\n")
	for _, res := range r.Results {
		fmt.Fprintf(&b, "  %-6s %s", label(res), res.Stage)
		var detail []string
		if res.Executed() {
			detail = append(detail, (time.Duration(res.DurationMs) * time.Millisecond).String())
		}
		if res.SubStatus != report.SubNone {
			detail = append(detail, string(res.SubStatus))
		}
		if res.Status == report.StatusFailed && res.ExitCode > 0 {
			detail = append(detail, fmt.Sprintf("exit %d", res.ExitCode))
		}
		if len(res.Warnings) > 0 {
			detail = append(detail, fmt.Sprintf("%d warning(s)", len(res.Warnings)))
		}
		if len(detail) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(detail, ", "))
		}
		b.WriteString("\n")
	}

	if reportURL != "" {
		fmt.Fprintf(&b, "\nReport: %s\n", reportURL)
	}

	return Message{
		RunID:     r.RunID,
		Outcome:   r.Outcome(),
		Subject:   Subject(r),
		Body:      b.String(),
		ReportURL: reportURL,
		Report:    r,
	}
}

func label(res *report.StageResult) string {
	switch res.Status {
	case report.StatusSuccess:
		if len(res.Warnings) > 0 {
			return "[WARN]"
		}
		return "[OK]"
	case report.StatusFailed:
		return "[FAIL]"
	default:
		return "[SKIP]"
	}
}

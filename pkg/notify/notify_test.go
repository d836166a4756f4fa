package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/stagegate/pkg/buildctx"
	"github.com/zen-systems/stagegate/pkg/pipeline"
	"github.com/zen-systems/stagegate/pkg/report"
)

func buildReport(t *testing.T, failed bool) *report.RunReport {
	t.Helper()
	bc, err := buildctx.New(buildctx.Options{
		Branch:      "main",
		BuildNumber: 42,
		JobName:     "svc",
		Workspace:   t.TempDir(),
		StartTime:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	agg := report.NewAggregator("svc-42", "svc", bc)
	agg.Record(&report.StageResult{Stage: "checkout", Index: 1, Status: report.StatusSuccess, DurationMs: 1500})
	if failed {
		agg.Record(&report.StageResult{Stage: "compile", Index: 2, Status: report.StatusFailed, SubStatus: report.SubToolFailed, ExitCode: 1, DurationMs: 20})
		agg.Record(report.Skipped(3, "deploy", report.SubFailFast))
	} else {
		agg.Record(&report.StageResult{Stage: "scan", Index: 2, Status: report.StatusSuccess, ExitCode: 1, Warnings: []string{"advisory failure: exit code 1"}})
		agg.Record(report.Skipped(3, "deploy", report.SubConditionFalse))
	}
	return agg.Report()
}

type recordingChannel struct {
	name string
	err  error
	got  []Message
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Send(_ context.Context, msg Message) error {
	c.got = append(c.got, msg)
	return c.err
}

type stubSummarizer struct {
	out   string
	err   error
	calls int
}

func (s *stubSummarizer) Summarize(context.Context, *report.RunReport) (string, error) {
	s.calls++
	return s.out, s.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "[svc] #42 SUCCESS", Subject(buildReport(t, false)))
	assert.Equal(t, "[svc] #42 FAILURE", Subject(buildReport(t, true)))
}

func TestBuildMessageBody(t *testing.T) {
	msg := BuildMessage(buildReport(t, true), "https://ci.example/runs/svc-42/report.html")
	want := `Job:     svc
Build:   #42
Branch:  main
Outcome: FAILURE

Stages:
  [OK]   checkout (1.5s)
  [FAIL] compile (20ms, tool_failed, exit 1)
  [SKIP] deploy (fail_fast)

Report: https://ci.example/runs/svc-42/report.html
`
	assert.Equal(t, want, msg.Body)
	assert.Equal(t, report.OutcomeFailure, msg.Outcome)
	assert.Equal(t, "svc-42", msg.RunID)
}

func TestNotifyDeliversOneMessagePerChannel(t *testing.T) {
	a := &recordingChannel{name: "a"}
	b := &recordingChannel{name: "b"}
	n := New([]Channel{a, b}, WithLogger(quietLogger()))

	msg, err := n.Notify(context.Background(), buildReport(t, false), []byte("<html></html>"))
	require.NoError(t, err)
	require.Len(t, a.got, 1)
	require.Len(t, b.got, 1)
	assert.Equal(t, "[svc] #42 SUCCESS", a.got[0].Subject)
	assert.Equal(t, msg.Subject, b.got[0].Subject)
	assert.Contains(t, msg.Body, "[WARN] scan")
}

func TestNotifyDeliveryFailureIsReportedNotFatal(t *testing.T) {
	bad := &recordingChannel{name: "bad", err: errors.New("smtp down")}
	good := &recordingChannel{name: "good"}
	r := buildReport(t, false)

	_, err := New([]Channel{bad, good}, WithLogger(quietLogger())).Notify(context.Background(), r, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, report.ErrNotificationDelivery)
	assert.Len(t, good.got, 1, "later channels still receive the message")
	assert.Equal(t, report.OutcomeSuccess, r.Outcome())
}

func TestNotifyTriage(t *testing.T) {
	ch := &recordingChannel{name: "c"}
	s := &stubSummarizer{out: "Compiler could not resolve a dependency."}

	msg, err := New([]Channel{ch}, WithSummarizer(s), WithLogger(quietLogger())).Notify(context.Background(), buildReport(t, true), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, s.calls)
	assert.Equal(t, s.out, msg.Summary)
	assert.Contains(t, ch.got[0].Body, "Triage:\nCompiler could not resolve a dependency.")
}

func TestNotifyTriageErrorSendsPlainMessage(t *testing.T) {
	ch := &recordingChannel{name: "c"}
	s := &stubSummarizer{err: errors.New("rate limited")}

	msg, err := New([]Channel{ch}, WithSummarizer(s), WithLogger(quietLogger())).Notify(context.Background(), buildReport(t, true), nil)
	require.NoError(t, err)
	assert.Empty(t, msg.Summary)
	assert.NotContains(t, ch.got[0].Body, "Triage")
}

func TestNotifyTriageSkippedOnSuccess(t *testing.T) {
	s := &stubSummarizer{out: "x"}
	_, err := New(nil, WithSummarizer(s), WithLogger(quietLogger())).Notify(context.Background(), buildReport(t, false), nil)
	require.NoError(t, err)
	assert.Zero(t, s.calls)
}

func TestSlackChannel(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	ch := NewSlackChannel(srv.URL, "#builds")
	require.NoError(t, ch.Send(context.Background(), BuildMessage(buildReport(t, true), "")))
	assert.Equal(t, "#builds", got["channel"])
	assert.True(t, strings.HasPrefix(got["text"].(string), "*[svc] #42 FAILURE*"))
}

func TestSlackChannelErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewSlackChannel(srv.URL, "").Send(context.Background(), BuildMessage(buildReport(t, false), ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slack returned 400: invalid_payload")
}

func TestWebhookChannelPostsReport(t *testing.T) {
	var got struct {
		RunID   string `json:"run_id"`
		Outcome string `json:"outcome"`
		Subject string `json:"subject"`
		Report  struct {
			Results []struct {
				Stage  string `json:"stage"`
				Status string `json:"status"`
			} `json:"results"`
		} `json:"report"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	msg := BuildMessage(buildReport(t, true), "")
	msg.HTML = []byte("<html>")
	require.NoError(t, NewWebhookChannel(srv.URL).Send(context.Background(), msg))

	assert.Equal(t, "svc-42", got.RunID)
	assert.Equal(t, "failure", got.Outcome)
	require.Len(t, got.Report.Results, 3)
	assert.Equal(t, "failed", got.Report.Results[1].Status)
}

func TestEmailChannelComposes(t *testing.T) {
	ch := NewEmailChannel(SMTPSettings{Host: "smtp.example", Port: 2525, From: "ci@example.com", Username: "ci", Password: "pw"}, []string{"dev@example.com", "ops@example.com"})

	var (
		addr string
		to   []string
		data []byte
		auth smtp.Auth
	)
	ch.sendMail = func(a string, au smtp.Auth, from string, rcpt []string, msg []byte) error {
		addr, auth, to, data = a, au, rcpt, msg
		return nil
	}

	msg := BuildMessage(buildReport(t, true), "")
	msg.HTML = []byte("<h1>report</h1>")
	require.NoError(t, ch.Send(context.Background(), msg))

	assert.Equal(t, "smtp.example:2525", addr)
	assert.NotNil(t, auth)
	assert.Equal(t, []string{"dev@example.com", "ops@example.com"}, to)
	assert.Contains(t, string(data), "Subject: [svc] #42 FAILURE\r\n")
	assert.Contains(t, string(data), "multipart/alternative")
	assert.Contains(t, string(data), "text/html")
	assert.True(t, bytes.Contains(data, []byte("<h1>report</h1>")))
}

func TestEmailChannelHeadersStayOnOneLine(t *testing.T) {
	ch := NewEmailChannel(SMTPSettings{Host: "smtp.example", From: "ci@example.com\r\nBcc: a@evil.example"}, []string{"dev@example.com"})
	var data []byte
	ch.sendMail = func(_ string, _ smtp.Auth, _ string, _ []string, msg []byte) error {
		data = msg
		return nil
	}

	msg := Message{Subject: "[dépôt\r\nBcc: b@evil.example] #1 FAILURE", Body: "body"}
	require.NoError(t, ch.Send(context.Background(), msg))

	head, _, ok := strings.Cut(string(data), "\r\n\r\n")
	require.True(t, ok)
	var subject string
	for _, line := range strings.Split(head, "\r\n") {
		assert.False(t, strings.HasPrefix(line, "Bcc:"), "injected header line %q", line)
		if v, ok := strings.CutPrefix(line, "Subject: "); ok {
			subject = v
		}
	}
	assert.True(t, strings.HasPrefix(subject, "=?utf-8?q?"), subject)
	decoded, err := new(mime.WordDecoder).DecodeHeader(subject)
	require.NoError(t, err)
	assert.Equal(t, "[dépôtBcc: b@evil.example] #1 FAILURE", decoded)
}

func TestEmailChannelSendError(t *testing.T) {
	ch := NewEmailChannel(SMTPSettings{Host: "smtp.example"}, []string{"a@example.com"})
	ch.sendMail = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("connection refused") }

	err := ch.Send(context.Background(), BuildMessage(buildReport(t, false), ""))
	assert.ErrorContains(t, err, "connection refused")
}

func TestNewChannels(t *testing.T) {
	specs := []pipeline.Notification{
		{Type: "email", To: []string{"dev@example.com"}},
		{Type: "slack"},
		{Type: "webhook", URL: "https://hooks.example/ci"},
		{Type: "log"},
	}
	settings := Settings{SMTP: SMTPSettings{Host: "smtp.example"}, SlackWebhookURL: "https://hooks.slack.example/x"}

	channels, err := NewChannels(specs, settings, quietLogger())
	require.NoError(t, err)
	var names []string
	for _, c := range channels {
		names = append(names, c.Name())
	}
	assert.Equal(t, []string{"email", "slack", "webhook", "log"}, names)

	for _, tc := range []struct {
		spec pipeline.Notification
		want string
	}{
		{pipeline.Notification{Type: "slack"}, "SLACK_WEBHOOK_URL"},
		{pipeline.Notification{Type: "email", To: []string{"x@y"}}, "SMTP_HOST"},
		{pipeline.Notification{Type: "email"}, "SMTP_HOST"},
		{pipeline.Notification{Type: "webhook"}, "requires url"},
		{pipeline.Notification{Type: "pager"}, "unknown type"},
	} {
		channels, err := NewChannels([]pipeline.Notification{tc.spec}, Settings{}, quietLogger())
		assert.Empty(t, channels, tc.spec.Type)
		assert.ErrorIs(t, err, report.ErrNotificationDelivery)
		assert.ErrorContains(t, err, tc.want)
	}
}

func TestLogChannel(t *testing.T) {
	var buf bytes.Buffer
	ch := NewLogChannel(slog.New(slog.NewJSONHandler(&buf, nil)))
	require.NoError(t, ch.Send(context.Background(), BuildMessage(buildReport(t, false), "")))
	assert.Contains(t, buf.String(), `"subject":"[svc] #42 SUCCESS"`)
}

func TestNewChannelsSkipsOnlyBadEntries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	specs := []pipeline.Notification{
		{Type: "log"},
		{Type: "webhook", URL: srv.URL},
		{Type: "email", To: []string{"dev@example.com"}},
	}
	channels, err := NewChannels(specs, Settings{}, quietLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, report.ErrNotificationDelivery)
	assert.ErrorContains(t, err, "notifications[2]")
	require.Len(t, channels, 2)
	assert.Equal(t, "log", channels[0].Name())
	assert.Equal(t, "webhook", channels[1].Name())

	_, err = New(channels, WithLogger(quietLogger())).Notify(context.Background(), buildReport(t, true), nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

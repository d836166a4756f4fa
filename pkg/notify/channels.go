package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	"net/http"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/zen-systems/stagegate/pkg/pipeline"
	"github.com/zen-systems/stagegate/pkg/report"
)

// SMTPSettings configures email delivery.
type SMTPSettings struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

// Settings carries the secrets and endpoints channels are built from.
type Settings struct {
	SMTP            SMTPSettings
	SlackWebhookURL string
}

// NewChannels builds one channel per manifest notification entry. Entries
// that cannot be built are logged and skipped; the rest are still returned,
// along with an error wrapping report.ErrNotificationDelivery per bad entry.
func NewChannels(specs []pipeline.Notification, settings Settings, logger *slog.Logger) ([]Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	channels := make([]Channel, 0, len(specs))
	var errs []error
	for i, spec := range specs {
		ch, err := newChannel(spec, settings, logger)
		if err != nil {
			logger.Error("notification channel skipped", "index", i, "type", spec.Type, "error", err)
			errs = append(errs, fmt.Errorf("%w: notifications[%d]: %v", report.ErrNotificationDelivery, i, err))
			continue
		}
		channels = append(channels, ch)
	}
	return channels, errors.Join(errs...)
}

func newChannel(spec pipeline.Notification, settings Settings, logger *slog.Logger) (Channel, error) {
	switch spec.Type {
	case "email":
		if settings.SMTP.Host == "" {
			return nil, fmt.Errorf("email requires SMTP_HOST")
		}
		if len(spec.To) == 0 {
			return nil, fmt.Errorf("email requires recipients")
		}
		return NewEmailChannel(settings.SMTP, spec.To), nil
	case "slack":
		url := spec.URL
		if url == "" {
			url = settings.SlackWebhookURL
		}
		if url == "" {
			return nil, fmt.Errorf("slack requires a webhook url (set SLACK_WEBHOOK_URL)")
		}
		return NewSlackChannel(url, spec.Channel), nil
	case "webhook":
		if spec.URL == "" {
			return nil, fmt.Errorf("webhook requires url")
		}
		return NewWebhookChannel(spec.URL), nil
	case "log":
		return NewLogChannel(logger), nil
	default:
		return nil, fmt.Errorf("unknown type %q", spec.Type)
	}
}

// headerValue drops CR and LF so a value cannot end its header line.
func headerValue(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return -1
		}
		return r
	}, s)
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailChannel sends the message over SMTP, with the HTML report as the
// rich alternative when present.
type EmailChannel struct {
	settings SMTPSettings
	to       []string
	sendMail sendMailFunc // overridable for tests
}

// NewEmailChannel creates an email channel.
func NewEmailChannel(settings SMTPSettings, to []string) *EmailChannel {
	if settings.Port == 0 {
		settings.Port = 25
	}
	return &EmailChannel{settings: settings, to: append([]string{}, to...), sendMail: smtp.SendMail}
}

func (c *EmailChannel) Name() string { return "email" }

// Send delivers msg to every recipient.
func (c *EmailChannel) Send(_ context.Context, msg Message) error {
	data, err := c.compose(msg)
	if err != nil {
		return err
	}
	var auth smtp.Auth
	if c.settings.Username != "" {
		auth = smtp.PlainAuth("", c.settings.Username, c.settings.Password, c.settings.Host)
	}
	addr := net.JoinHostPort(c.settings.Host, strconv.Itoa(c.settings.Port))
	if err := c.sendMail(addr, auth, c.settings.From, c.to, data); err != nil {
		return fmt.Errorf("sending email: %w", err)
	}
	return nil
}

func (c *EmailChannel) compose(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", headerValue(c.settings.From))
	fmt.Fprintf(&buf, "To: %s\r\n", headerValue(strings.Join(c.to, ", ")))
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", headerValue(msg.Subject)))
	buf.WriteString("MIME-Version: 1.0\r\n")

	mw := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%s\r\n\r\n", mw.Boundary())

	parts := []mimePart{{"text/plain; charset=utf-8", []byte(msg.Body)}}
	if len(msg.HTML) > 0 {
		parts = append(parts, mimePart{"text/html; charset=utf-8", msg.HTML})
	}

	for _, p := range parts {
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", p.contentType)
		header.Set("Content-Transfer-Encoding", "quoted-printable")
		w, err := mw.CreatePart(header)
		if err != nil {
			return nil, err
		}
		qp := quotedprintable.NewWriter(w)
		if _, err := qp.Write(p.body); err != nil {
			return nil, err
		}
		if err := qp.Close(); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type mimePart struct {
	contentType string
	body        []byte
}

// SlackChannel posts to a Slack incoming webhook.
type SlackChannel struct {
	url     string
	channel string
	client  *http.Client
}

// NewSlackChannel creates a Slack channel. channel overrides the webhook's
// default channel when set.
func NewSlackChannel(webhookURL, channel string) *SlackChannel {
	return &SlackChannel{
		url:     webhookURL,
		channel: channel,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *SlackChannel) Name() string { return "slack" }

// Send posts the subject and body as a single text message.
func (c *SlackChannel) Send(ctx context.Context, msg Message) error {
	payload := map[string]any{
		"text": fmt.Sprintf("*%s*\n```\n%s```", msg.Subject, msg.Body),
	}
	if c.channel != "" {
		payload["channel"] = c.channel
	}
	return postJSON(ctx, c.client, c.url, payload, "slack")
}

// WebhookChannel POSTs the message, report included, as JSON.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel creates a generic webhook channel.
func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{url: url, client: &http.Client{Timeout: 30 * time.Second}}
}

func (c *WebhookChannel) Name() string { return "webhook" }

// Send posts msg.
func (c *WebhookChannel) Send(ctx context.Context, msg Message) error {
	return postJSON(ctx, c.client, c.url, msg, "webhook")
}

// LogChannel writes the message as a structured log line.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel creates a log channel.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Name() string { return "log" }

// Send logs the subject and outcome.
func (c *LogChannel) Send(_ context.Context, msg Message) error {
	c.logger.Info("run summary", "subject", msg.Subject, "outcome", msg.Outcome, "run_id", msg.RunID, "report", msg.ReportURL)
	return nil
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any, name string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling %s payload: %w", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating %s request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s returned %d: %s", name, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return nil
}

package ingest

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/kidager/dmarcpipe/internal/logger"
	"github.com/kidager/dmarcpipe/pkg/types"
)

// ThresholdAlerts returns one alert line per record whose DKIM or SPF failed
// with a count at or above threshold.
func ThresholdAlerts(records []types.Record, threshold int) []string {
	var lines []string
	for _, r := range records {
		if r.AuthFailed() && r.Count >= threshold {
			lines = append(lines, fmt.Sprintf("%s - IP: %s failed DKIM/SPF %d times", r.ReportingOrg, r.SourceIP, r.Count))
		}
	}
	return lines
}

// Notifier delivers the batch alert notification.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// LogNotifier writes alerts to the operational log.
type LogNotifier struct {
	Log logger.Logger
}

func (n *LogNotifier) Notify(_ context.Context, subject, body string) error {
	n.Log.Warn(subject, zap.String("alerts", body))
	return nil
}

// SMTPConfig configures SMTPNotifier.
type SMTPConfig struct {
	Addr     string
	From     string
	To       []string
	Username string
	Password string
}

// SMTPNotifier sends the alert notification as a plain-text email.
type SMTPNotifier struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPNotifier returns a notifier delivering through cfg.Addr.
func NewSMTPNotifier(cfg SMTPConfig) *SMTPNotifier {
	return &SMTPNotifier{cfg: cfg, send: smtp.SendMail}
}

func (n *SMTPNotifier) Notify(_ context.Context, subject, body string) error {
	if len(n.cfg.To) == 0 {
		return errors.New("no alert recipients configured")
	}

	var auth smtp.Auth
	if n.cfg.Username != "" {
		host := n.cfg.Addr
		if i := strings.LastIndex(host, ":"); i >= 0 {
			host = host[:i]
		}
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, host)
	}

	msg := buildMessage(n.cfg.From, n.cfg.To, subject, body, time.Now())
	if err := n.send(n.cfg.Addr, auth, n.cfg.From, n.cfg.To, msg); err != nil {
		return errors.Wrap(err, "sending alert email")
	}
	return nil
}

func buildMessage(from string, to []string, subject, body string, date time.Time) []byte {
	var sb strings.Builder
	sb.WriteString("From: " + from + "\r\n")
	sb.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	sb.WriteString("Subject: " + subject + "\r\n")
	sb.WriteString("Date: " + date.Format(time.RFC1123Z) + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	sb.WriteString("\r\n")
	return []byte(sb.String())
}

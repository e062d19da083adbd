// Copyright 2025 James Ross

// Package notify sends the best-effort completion email spec'd for
// jobs whose payload carries a notification_email. No library in this
// codebase's dependency pack wraps an email provider, so this uses
// net/smtp directly; see DESIGN.md for that justification.
package notify

import (
	"fmt"
	"net/smtp"

	"github.com/flyingrobots/paperpilot-orchestrator/internal/config"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/obs"
	"go.uber.org/zap"
)

// Notifier sends a job-completion notification. Implementations must
// never block the caller for long or panic; the consumer treats
// notification failure as logged, not fatal.
type Notifier interface {
	NotifyComplete(to, jobID, query string) error
}

// SMTPNotifier sends a plain-text completion email via a configured
// SMTP relay.
type SMTPNotifier struct {
	cfg config.Notify
	log *zap.Logger
}

func NewSMTPNotifier(cfg config.Notify, log *zap.Logger) *SMTPNotifier {
	return &SMTPNotifier{cfg: cfg, log: log}
}

func (n *SMTPNotifier) NotifyComplete(to, jobID, query string) error {
	if !n.cfg.Enabled || to == "" {
		return nil
	}
	subject := fmt.Sprintf("Your report for %q is ready", query)
	body := fmt.Sprintf("Job %s has completed. Sign in to view the report for: %s", jobID, query)
	msg := []byte(fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", n.cfg.FromAddr, to, subject, body))
	if err := smtp.SendMail(n.cfg.SMTPAddr, nil, n.cfg.FromAddr, []string{to}, msg); err != nil {
		n.log.Warn("notify: send failed", obs.String("job_id", jobID), obs.Err(err))
		return err
	}
	return nil
}

// NoopNotifier discards all notifications; used when Notify.Enabled is
// false or in tests, so callers never need a nil check.
type NoopNotifier struct{}

func (NoopNotifier) NotifyComplete(string, string, string) error { return nil }

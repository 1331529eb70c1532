// Package notify delivers operator notifications: email through an SMTP
// relay and high-priority internal alerts typed into the orchestrator
// agent's terminal window.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"foreman/pkg/protocol"
	"foreman/pkg/role"
	"foreman/pkg/terminal"
)

// AlertType classifies an internal alert.
type AlertType string

// Alert type constants.
const (
	AlertTimeout        AlertType = "TIMEOUT"
	AlertFailure        AlertType = "FAILURE"
	AlertStuck          AlertType = "STUCK"
	AlertRecoveryFailed AlertType = "RECOVERY_FAILED"
	AlertCycle          AlertType = "CYCLE"
	AlertEscalation     AlertType = "ESCALATION"
	AlertBatchExhausted AlertType = "BATCH_EXHAUSTED"
	AlertLaunchFailed   AlertType = "LAUNCH_FAILED"
)

// Mailer sends one email.
type Mailer interface {
	Send(ctx context.Context, subject, textBody, htmlBody string) error
}

// Notifier is the notification sink used by the control plane.
type Notifier struct {
	mailer   Mailer
	term     terminal.SessionTerminal
	logger   *log.Logger
	attempts int
	backoff  time.Duration
	sleep    func(time.Duration)
}

// New returns a Notifier. A nil mailer disables email; a nil term disables
// internal alerts.
func New(mailer Mailer, term terminal.SessionTerminal, logger *log.Logger) *Notifier {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Notifier{
		mailer:   mailer,
		term:     term,
		logger:   logger,
		attempts: 3,
		backoff:  2 * time.Second,
		sleep:    time.Sleep,
	}
}

// SetRetry overrides the email retry policy. Intended for tests.
func (n *Notifier) SetRetry(attempts int, backoff time.Duration, sleep func(time.Duration)) {
	n.attempts, n.backoff, n.sleep = attempts, backoff, sleep
}

// EmailEnabled reports whether a mailer is configured.
func (n *Notifier) EmailEnabled() bool { return n.mailer != nil }

// SendEmail sends an email with bounded retries. With no mailer configured
// the message is logged and dropped.
func (n *Notifier) SendEmail(ctx context.Context, subject, textBody, htmlBody string) error {
	if n.mailer == nil {
		n.logger.Printf("level=info msg=\"email disabled\" subject=%q", subject)
		return nil
	}
	var err error
	for attempt := 1; attempt <= n.attempts; attempt++ {
		if err = n.mailer.Send(ctx, subject, textBody, htmlBody); err == nil {
			return nil
		}
		n.logger.Printf("level=warn msg=\"email send failed\" attempt=%d subject=%q err=%q", attempt, subject, err)
		if ctx.Err() != nil || attempt == n.attempts {
			break
		}
		n.sleep(n.backoff * time.Duration(attempt))
	}
	return fmt.Errorf("send email %q: %w", subject, err)
}

// SendInternalAlert types a formatted alert into the session's orchestrator
// window. It fails with protocol.ErrSessionAbsent if the session is gone.
func (n *Notifier) SendInternalAlert(ctx context.Context, session string, typ AlertType, details string, agents []string) error {
	if n.term == nil {
		return errors.New("internal alerts disabled: no terminal")
	}
	ok, err := n.term.HasSession(ctx, session)
	if err != nil {
		return fmt.Errorf("alert %s: %w", session, err)
	}
	if !ok {
		return fmt.Errorf("alert %s: %w", session, protocol.ErrSessionAbsent)
	}
	target := terminal.Target(session, role.Orchestrator.Behavior().DefaultWindow)
	if err := n.term.SendKeys(ctx, target, FormatAlert(typ, session, details, agents)); err != nil {
		return fmt.Errorf("alert %s: %w", target, err)
	}
	return nil
}

// FormatAlert renders a single-line alert:
//
//	[FOREMAN-ALERT] <TYPE> <session>: <details> (agents: a, b)
func FormatAlert(typ AlertType, session, details string, agents []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[FOREMAN-ALERT] %s %s: %s", typ, session, strings.TrimSpace(details))
	if len(agents) > 0 {
		fmt.Fprintf(&b, " (agents: %s)", strings.Join(agents, ", "))
	}
	return b.String()
}

// Escalate raises an issue to humans: an internal alert to the orchestrator
// window (skipped if the session is gone) plus an email.
func (n *Notifier) Escalate(ctx context.Context, session, details string, agents []string) error {
	var errs []error
	if n.term != nil {
		if err := n.SendInternalAlert(ctx, session, AlertEscalation, details, agents); err != nil &&
			!errors.Is(err, protocol.ErrSessionAbsent) {
			errs = append(errs, err)
		}
	}
	subject := fmt.Sprintf("[foreman] escalation: %s", session)
	body := FormatAlert(AlertEscalation, session, details, agents)
	if err := n.SendEmail(ctx, subject, body, ""); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

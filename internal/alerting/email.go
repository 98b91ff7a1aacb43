package alerting

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog"
)

// EmailOptions configure SMTP alert delivery. Email carries ALERT traffic
// only; routine status logs would drown a mailbox.
type EmailOptions struct {
	Host           string
	Port           int
	SenderEmail    string
	SenderPassword string
	AlertEmail     string
}

// EmailNotifier sends alert mail over SMTP with STARTTLS.
type EmailNotifier struct {
	opts   EmailOptions
	logger zerolog.Logger
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailNotifier constructs an SMTP notifier.
func NewEmailNotifier(opts EmailOptions, logger zerolog.Logger) *EmailNotifier {
	if opts.Port == 0 {
		opts.Port = 587
	}
	return &EmailNotifier{
		opts:   opts,
		logger: logger.With().Str("component", "alert_email").Logger(),
		send:   smtp.SendMail,
	}
}

// Name implements Notifier.
func (n *EmailNotifier) Name() string {
	return "email"
}

// Send delivers ALERT intents and silently ignores LOG traffic.
func (n *EmailNotifier) Send(ctx context.Context, intent Intent) error {
	if intent.Class != ChannelAlert {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.opts.AlertEmail == "" || n.opts.SenderEmail == "" || n.opts.SenderPassword == "" {
		n.logger.Debug().Msg("email credentials not configured, skipping")
		return nil
	}

	msg := strings.Builder{}
	msg.WriteString("From: " + n.opts.SenderEmail + "\r\n")
	msg.WriteString("To: " + n.opts.AlertEmail + "\r\n")
	msg.WriteString("Subject: " + intent.Title + "\r\n")
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(intent.Message)

	addr := fmt.Sprintf("%s:%d", n.opts.Host, n.opts.Port)
	auth := smtp.PlainAuth("", n.opts.SenderEmail, n.opts.SenderPassword, n.opts.Host)
	if err := n.send(addr, auth, n.opts.SenderEmail, []string{n.opts.AlertEmail}, []byte(msg.String())); err != nil {
		return fmt.Errorf("send alert mail: %w", err)
	}

	n.logger.Info().Str("to", n.opts.AlertEmail).Str("severity", intent.Severity.String()).Msg("alert email sent")
	return nil
}

var _ Notifier = (*EmailNotifier)(nil)

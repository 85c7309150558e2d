// Package smtp delivers composed emails over SMTP using wneessen/go-mail.
package smtp

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/ghuser/notifier/pkg/config"
	"github.com/ghuser/notifier/pkg/logger"
	"github.com/ghuser/notifier/services/notification/domain/models"
)

// TLS policies accepted in Config.TLS.
const (
	TLSMandatory     = "mandatory"
	TLSOpportunistic = "opportunistic"
	TLSNone          = "none"
)

// Config is the connection and sender configuration of a Transport.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	TLS      string
	From     string
	Timeout  time.Duration
}

// ConfigFrom extracts the SMTP settings from the worker configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		TLS:      cfg.SMTPTLS,
		From:     cfg.MailFrom,
		Timeout:  cfg.SendTimeout,
	}
}

// Transport sends one message per SMTP session.
type Transport struct {
	cfg    Config
	policy mail.TLSPolicy
	log    logger.Logger
}

// NewTransport validates cfg and returns a Transport. No connection is made
// until the first Send.
func NewTransport(cfg Config, log logger.Logger) (*Transport, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp: host is required")
	}
	policy, err := tlsPolicy(cfg.TLS)
	if err != nil {
		return nil, err
	}
	if err := mail.NewMsg().From(cfg.From); err != nil {
		return nil, fmt.Errorf("smtp: invalid sender %q: %w", cfg.From, err)
	}
	return &Transport{cfg: cfg, policy: policy, log: log}, nil
}

// Send delivers msg. The context bounds dialing and the whole SMTP exchange.
func (t *Transport) Send(ctx context.Context, msg models.EmailMessage) error {
	m, err := t.buildMessage(msg)
	if err != nil {
		return err
	}

	client, err := mail.NewClient(t.cfg.Host, t.clientOptions()...)
	if err != nil {
		return fmt.Errorf("smtp: new client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("smtp: send to %s:%d: %w", t.cfg.Host, t.cfg.Port, err)
	}
	t.log.DebugContext(ctx, "smtp: message delivered", "subject", msg.Subject)
	return nil
}

func (t *Transport) clientOptions() []mail.Option {
	opts := []mail.Option{
		mail.WithPort(t.cfg.Port),
		mail.WithTLSPolicy(t.policy),
	}
	if t.cfg.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(t.cfg.Timeout))
	}
	if t.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(t.cfg.Username),
			mail.WithPassword(t.cfg.Password),
		)
	}
	return opts
}

// buildMessage converts an EmailMessage into a MIME message with a plain-text
// body and the optional attachment.
func (t *Transport) buildMessage(msg models.EmailMessage) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(t.cfg.From); err != nil {
		return nil, fmt.Errorf("smtp: sender: %w", err)
	}
	if err := m.To(msg.To); err != nil {
		return nil, fmt.Errorf("smtp: recipient %q: %w", msg.To, err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Body)

	if a := msg.Attachment; a != nil {
		contentType := a.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if err := m.AttachReader(a.Filename, bytes.NewReader(a.Content),
			mail.WithFileContentType(mail.ContentType(contentType)),
		); err != nil {
			return nil, fmt.Errorf("smtp: attach %s: %w", a.Filename, err)
		}
	}
	return m, nil
}

func tlsPolicy(s string) (mail.TLSPolicy, error) {
	switch s {
	case TLSMandatory:
		return mail.TLSMandatory, nil
	case TLSOpportunistic, "":
		return mail.TLSOpportunistic, nil
	case TLSNone:
		return mail.NoTLS, nil
	default:
		return mail.NoTLS, fmt.Errorf("smtp: unknown TLS policy %q", s)
	}
}

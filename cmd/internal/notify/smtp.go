package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"stayhi/cmd/internal/sl"

	"github.com/wneessen/go-mail"
)

// SMTPSender delivers mail over SMTP with STARTTLS and PLAIN auth.
type SMTPSender struct {
	host     string
	port     int
	username string
	password string
	from     string
	timeout  time.Duration
	log      *slog.Logger
}

// NewSMTPSender validates cfg; no connection is made until the first send.
func NewSMTPSender(cfg Config, log *slog.Logger) (*SMTPSender, error) {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(cfg.Host) == "" || cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: smtp host/port", ErrConfig)
	}
	if !cfg.hasCredentials() {
		return nil, fmt.Errorf("%w: SMTP_USER and SMTP_PASS are required", ErrConfig)
	}
	from := strings.TrimSpace(cfg.From)
	if from == "" {
		from = strings.TrimSpace(cfg.Username)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &SMTPSender{
		host:     strings.TrimSpace(cfg.Host),
		port:     cfg.Port,
		username: strings.TrimSpace(cfg.Username),
		password: cfg.Password,
		from:     from,
		timeout:  timeout,
		log:      log,
	}, nil
}

func (s *SMTPSender) buildMessage(m MagicLinkMail) (*mail.Msg, error) {
	body, err := renderMagicLinkBody(m)
	if err != nil {
		return nil, err
	}

	msg := mail.NewMsg()
	if err := msg.From(s.from); err != nil {
		return nil, fmt.Errorf("notify: from: %w", err)
	}
	if err := msg.To(strings.TrimSpace(m.To)); err != nil {
		return nil, fmt.Errorf("notify: to: %w", err)
	}
	msg.Subject(MagicLinkSubject)
	msg.SetBodyString(mail.TypeTextPlain, body)
	return msg, nil
}

func (s *SMTPSender) SendMagicLink(ctx context.Context, m MagicLinkMail) error {
	if err := checkMail(m); err != nil {
		return err
	}
	msg, err := s.buildMessage(m)
	if err != nil {
		return err
	}

	client, err := mail.NewClient(s.host,
		mail.WithPort(s.port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(s.username),
		mail.WithPassword(s.password),
		mail.WithTLSPolicy(mail.TLSMandatory),
		mail.WithTimeout(s.timeout),
	)
	if err != nil {
		return fmt.Errorf("notify: smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		s.log.Error("mail.send.fail", sl.Email(m.To), sl.Err(err))
		return fmt.Errorf("notify: send: %w", err)
	}
	s.log.Info("mail.send.ok", sl.Email(m.To))
	return nil
}

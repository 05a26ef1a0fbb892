package notify

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"stayhi/cmd/internal/sl"
)

// Transports.
const (
	TransportAuto = "auto"
	TransportSMTP = "smtp"
	TransportLog  = "log"
)

// Config holds the mail transport settings.
type Config struct {
	Transport string        `yaml:"transport" env:"STAYHI_MAIL_TRANSPORT" env-default:"auto"`
	Host      string        `yaml:"host" env:"SMTP_HOST" env-default:"smtp.gmail.com"`
	Port      int           `yaml:"port" env:"SMTP_PORT" env-default:"587"`
	Username  string        `yaml:"username" env:"SMTP_USER"`
	Password  string        `yaml:"password" env:"SMTP_PASS"`
	From      string        `yaml:"from" env:"SMTP_FROM"`
	Timeout   time.Duration `yaml:"timeout" env:"SMTP_TIMEOUT" env-default:"15s"`
}

func (c Config) hasCredentials() bool {
	return strings.TrimSpace(c.Username) != "" && c.Password != ""
}

// NewSender picks the transport.
//
// "auto" uses SMTP when credentials are present. Without them it logs the link in
// non-production environments and fails in production. "log" is always allowed but
// never delivers anything.
func NewSender(cfg Config, env string, log *slog.Logger) (Sender, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(sl.Module("notify"))

	transport := strings.ToLower(strings.TrimSpace(cfg.Transport))
	if transport == "" {
		transport = TransportAuto
	}

	switch transport {
	case TransportLog:
		if env == "prod" {
			log.Warn("mail.transport.log_in_prod")
		}
		return NewLogSender(log, env == "prod"), nil
	case TransportSMTP:
		return NewSMTPSender(cfg, log)
	case TransportAuto:
		if cfg.hasCredentials() {
			return NewSMTPSender(cfg, log)
		}
		if env == "prod" {
			return nil, fmt.Errorf("%w: SMTP_USER/SMTP_PASS are required in prod (or set STAYHI_MAIL_TRANSPORT=log)", ErrConfig)
		}
		log.Info("mail.transport.log", slog.String("reason", "no smtp credentials"))
		return NewLogSender(log, false), nil
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", ErrConfig, cfg.Transport)
	}
}

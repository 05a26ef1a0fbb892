package notify

import (
	"context"
	"log/slog"
	"strings"

	"stayhi/cmd/internal/sl"
)

// LogSender logs the link instead of sending it. Local development only.
//
// With redact set only the first characters of the link token are logged.
type LogSender struct {
	log    *slog.Logger
	redact bool
}

func NewLogSender(log *slog.Logger, redact bool) *LogSender {
	if log == nil {
		log = slog.Default()
	}
	return &LogSender{log: log, redact: redact}
}

func (s *LogSender) SendMagicLink(_ context.Context, m MagicLinkMail) error {
	if err := checkMail(m); err != nil {
		return err
	}
	attrs := []any{sl.Email(m.To)}
	if s.redact {
		i := strings.LastIndexByte(m.Link, '/')
		attrs = append(attrs, slog.String("link", m.Link[:i+1]), sl.Secret("token", m.Link[i+1:]))
	} else {
		attrs = append(attrs, slog.String("link", m.Link))
	}
	attrs = append(attrs, slog.Duration("expires_in", m.ExpiresIn))
	s.log.Info("mail.send.skipped", attrs...)
	return nil
}

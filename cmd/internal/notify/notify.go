// Package notify delivers transactional email for the auth flow.
package notify

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"text/template"
	"time"
)

// ErrConfig is returned for an unusable mail configuration.
var ErrConfig = errors.New("invalid mail config")

// MagicLinkSubject is the subject of the sign-in email.
const MagicLinkSubject = "Your Stay Hi Access Link"

// MagicLinkMail is one sign-in email.
type MagicLinkMail struct {
	To        string
	Link      string
	ExpiresIn time.Duration
}

// Sender sends sign-in emails. A nil error means the message was handed to the transport.
type Sender interface {
	SendMagicLink(ctx context.Context, m MagicLinkMail) error
}

var magicLinkBody = template.Must(template.New("magic-link").Parse(`Welcome back to Stay Hi!

Click the link below to access your island:
{{.Link}}

This link expires in {{.Minutes}} minutes.

Stay Hi Team
`))

func renderMagicLinkBody(m MagicLinkMail) (string, error) {
	exp := m.ExpiresIn
	if exp <= 0 {
		exp = 15 * time.Minute
	}
	var buf bytes.Buffer
	err := magicLinkBody.Execute(&buf, struct {
		Link    string
		Minutes int
	}{
		Link:    m.Link,
		Minutes: int(math.Ceil(exp.Minutes())),
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

func checkMail(m MagicLinkMail) error {
	if strings.TrimSpace(m.To) == "" || strings.TrimSpace(m.Link) == "" {
		return errors.New("notify: recipient and link are required")
	}
	return nil
}

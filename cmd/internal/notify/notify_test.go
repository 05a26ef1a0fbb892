package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/wneessen/go-mail"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRenderMagicLinkBody(t *testing.T) {
	body, err := renderMagicLinkBody(MagicLinkMail{
		To:        "a@example.com",
		Link:      "http://localhost:8082/api/auth/verify/abc",
		ExpiresIn: 15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{
		"Welcome back to Stay Hi!",
		"http://localhost:8082/api/auth/verify/abc",
		"This link expires in 15 minutes.",
		"Stay Hi Team",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %q:\n%s", want, body)
		}
	}
}

func TestNewSender_Selection(t *testing.T) {
	creds := Config{Host: "smtp.example.com", Port: 587, Username: "bot@example.com", Password: "pw"}
	noCreds := Config{Host: "smtp.example.com", Port: 587}

	cases := []struct {
		name      string
		cfg       Config
		env       string
		transport string
		wantSMTP  bool
		wantErr   bool
	}{
		{name: "auto_with_creds", cfg: creds, env: "prod", transport: "auto", wantSMTP: true},
		{name: "auto_local_no_creds", cfg: noCreds, env: "local", transport: "auto"},
		{name: "auto_prod_no_creds", cfg: noCreds, env: "prod", transport: "auto", wantErr: true},
		{name: "empty_is_auto", cfg: noCreds, env: "dev", transport: ""},
		{name: "log_forced", cfg: creds, env: "prod", transport: "log"},
		{name: "smtp_without_creds", cfg: noCreds, env: "local", transport: "smtp", wantErr: true},
		{name: "smtp", cfg: creds, env: "local", transport: "SMTP", wantSMTP: true},
		{name: "unknown", cfg: creds, env: "local", transport: "pigeon", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg
			cfg.Transport = tc.transport

			s, err := NewSender(cfg, tc.env, discardLogger())
			if tc.wantErr {
				if !errors.Is(err, ErrConfig) {
					t.Fatalf("expected ErrConfig, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			_, isSMTP := s.(*SMTPSender)
			if isSMTP != tc.wantSMTP {
				t.Fatalf("got %T, wantSMTP=%v", s, tc.wantSMTP)
			}
		})
	}
}

func TestSMTPSender_BuildMessage(t *testing.T) {
	s, err := NewSMTPSender(Config{Host: "smtp.example.com", Port: 587, Username: "bot@example.com", Password: "pw"}, discardLogger())
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}

	msg, err := s.buildMessage(MagicLinkMail{To: "member@example.com", Link: "http://x/api/auth/verify/t", ExpiresIn: 15 * time.Minute})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := msg.GetGenHeader(mail.HeaderSubject); len(got) != 1 || got[0] != MagicLinkSubject {
		t.Fatalf("subject=%v", got)
	}
	from := msg.GetFromString()
	if len(from) != 1 || !strings.Contains(from[0], "bot@example.com") {
		t.Fatalf("from=%v", from)
	}
	to := msg.GetToString()
	if len(to) != 1 || !strings.Contains(to[0], "member@example.com") {
		t.Fatalf("to=%v", to)
	}

	if _, err := s.buildMessage(MagicLinkMail{To: "not an address", Link: "x"}); err == nil {
		t.Fatalf("expected error for invalid recipient")
	}
}

func TestSMTPSender_SendFailsWhenUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	s, err := NewSMTPSender(Config{
		Host:     "127.0.0.1",
		Port:     port,
		Username: "bot@example.com",
		Password: "pw",
		Timeout:  2 * time.Second,
	}, discardLogger())
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.SendMagicLink(ctx, MagicLinkMail{To: "member@example.com", Link: "http://x/y"}); err == nil {
		t.Fatalf("expected send error")
	}
}

func TestLogSender(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSender(slog.New(slog.NewJSONHandler(&buf, nil)), false)

	err := s.SendMagicLink(context.Background(), MagicLinkMail{
		To:        "member@example.com",
		Link:      "http://localhost/api/auth/verify/tok",
		ExpiresIn: 15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log: %v (%s)", err, buf.String())
	}
	if rec["msg"] != "mail.send.skipped" || rec["link"] != "http://localhost/api/auth/verify/tok" {
		t.Fatalf("unexpected log record: %v", rec)
	}
	if rec["email"] == "member@example.com" {
		t.Fatalf("email must be masked in logs")
	}

	if err := s.SendMagicLink(context.Background(), MagicLinkMail{To: "", Link: "x"}); err == nil {
		t.Fatalf("expected error for empty recipient")
	}
}

func TestLogSender_RedactsToken(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSender(slog.New(slog.NewJSONHandler(&buf, nil)), true)

	err := s.SendMagicLink(context.Background(), MagicLinkMail{
		To:        "member@example.com",
		Link:      "https://stayhi.example.com/api/auth/verify/abcdefghijklmnop",
		ExpiresIn: 15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if strings.Contains(buf.String(), "abcdefghijklmnop") {
		t.Fatalf("full token logged: %s", buf.String())
	}

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log: %v (%s)", err, buf.String())
	}
	if rec["link"] != "https://stayhi.example.com/api/auth/verify/" || rec["token"] != "abcde***" {
		t.Fatalf("unexpected log record: %v", rec)
	}
}

func TestNewSender_LogTransportRedactsInProd(t *testing.T) {
	for env, want := range map[string]bool{"prod": true, "dev": false, "local": false} {
		s, err := NewSender(Config{Transport: TransportLog}, env, discardLogger())
		if err != nil {
			t.Fatalf("%s: %v", env, err)
		}
		ls, ok := s.(*LogSender)
		if !ok || ls.redact != want {
			t.Fatalf("%s: got %T redact=%v, want redact=%v", env, s, ok && ls.redact, want)
		}
	}
}

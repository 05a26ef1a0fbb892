// Package sl holds small slog attribute helpers shared by every package that logs.
package sl

import (
	"log/slog"
	"strings"
)

// Err renders err under the "err" key. A nil error renders as an empty string.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("err", "")
	}
	return slog.String("err", err.Error())
}

// Module tags a logger with the emitting component.
func Module(mod string) slog.Attr {
	return slog.String("mod", mod)
}

// Secret keeps only the first 5 characters of value.
// Used for tokens so log lines can be correlated without being replayable.
func Secret(key, value string) slog.Attr {
	r := "***"
	if len(value) > 5 {
		r = value[:5] + "***"
	}
	if value == "" {
		r = "?"
	}
	return slog.String(key, r)
}

// Email masks the local part of an address: "alice@example.com" -> "a***@example.com".
func Email(value string) slog.Attr {
	value = strings.TrimSpace(value)
	at := strings.LastIndexByte(value, '@')
	switch {
	case value == "":
		return slog.String("email", "?")
	case at <= 0:
		return slog.String("email", "***")
	default:
		return slog.String("email", value[:1]+"***"+value[at:])
	}
}

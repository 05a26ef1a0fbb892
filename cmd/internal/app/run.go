package app

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
)

// Run is the CLI entrypoint used by cmd/stayhi.
// It returns an error instead of calling os.Exit to keep defers effective and lint clean.
func Run(args []string) error {
	fs := flag.NewFlagSet("stayhi", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("STAYHI_CONFIG"), "optional YAML config file; environment variables override it")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

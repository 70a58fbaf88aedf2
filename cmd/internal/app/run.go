package app

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
)

// Run is the CLI entrypoint used by cmd/northstar.
// It returns an error instead of calling os.Exit to keep defers effective and lint clean.
func Run() error {
	fs := flag.NewFlagSet("northstar", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file (overrides NORTHSTAR_CONFIG_FILE)")
	if err := fs.Parse(os.Args[1:]); err != nil {
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

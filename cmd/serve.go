package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"chatrelay/internal/cache"
	"chatrelay/internal/config"
	"chatrelay/internal/orchestrator"
	"chatrelay/internal/pending"
	"chatrelay/internal/persona"
	"chatrelay/internal/runner"
	"chatrelay/internal/sanitize"
	"chatrelay/internal/search"
	"chatrelay/internal/server"
)

const serveUsage = `Usage:
  chatrelay serve --config <path> [--port <port>]

Flags:
  --config string   Path to YAML configuration file (required)
  --port   int      Override server port from configuration`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	if cfgPath == "" {
		return errors.New("serve command requires --config <path>")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	personas, err := loadPersonas(cfg)
	if err != nil {
		return err
	}
	stopWatch, err := personas.Watch(slog.Default())
	if err != nil {
		return err
	}
	defer stopWatch()

	sanitizer := sanitize.New(personas.All()...)

	var searcher *search.Client
	if cfg.Search.Enabled {
		searcher = search.New(cfg.Search.BaseURL, cfg.Search.Provider, sanitizer)
	}

	gen := runner.New(cfg.Runner.BaseURL, cfg.Runner.Model, cfg.Runner.Timeout())
	respCache := cache.New(cfg.Cache.ResolvedCapacity(), cfg.Cache.TTL())
	store := pending.NewMemoryStore(cfg.Pending.TTL())

	var searchPort orchestrator.Searcher
	if searcher != nil {
		searchPort = searcher
	}
	orch := orchestrator.New(gen, searchPort, sanitizer, personas, respCache, store, slog.Default())

	srv, err := server.New(cfg, orch, searcher)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}

func loadPersonas(cfg config.Config) (*persona.Source, error) {
	if cfg.Persona.File == "" {
		return persona.Default(), nil
	}
	return persona.FromFile(cfg.Persona.File)
}

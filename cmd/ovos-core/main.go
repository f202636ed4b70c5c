package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/bus"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/config"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/core"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/logging"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/skills"
)

var errBusLost = errors.New("message bus connection lost")

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ovos-core:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.StringP("config", "c", os.Getenv("OVOS_CONFIG"), "path to the yaml configuration")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before the configuration")
	logLevel := flag.String("log-level", "", "override log_level")
	logFormat := flag.String("log-format", "", "override log_format (text, json or console)")
	skillsDir := flag.String("skills-dir", "", "override skills.directory")
	drain := flag.Duration("drain-timeout", 10*time.Second, "grace period for shutdown")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", *envFile, err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}
	if *skillsDir != "" {
		cfg.Skills.Directory = *skillsDir
	}

	log := logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)
	log.Info("logger_initialized", "level", cfg.LogLevel, "format", cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := bus.Dial(ctx, bus.WebsocketConfig{
		Host:  cfg.Websocket.Host,
		Port:  cfg.Websocket.Port,
		Route: cfg.Websocket.Route,
		SSL:   cfg.Websocket.SSL,
	}, logging.NewComponentLogger(log, "bus"))
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer client.Close()

	engine, err := core.NewEngine(core.Options{
		Config:       cfg,
		Bus:          client,
		Logger:       log,
		Catalog:      skills.NewCatalog(),
		Banner:       os.Stdout,
		DrainTimeout: *drain,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error {
		select {
		case <-client.Done():
			return errBusLost
		case <-gctx.Done():
			return nil
		}
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("ovos_core_exit", "error", err)
	return err
}

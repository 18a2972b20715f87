package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"rugfeed/config"
	"rugfeed/internal/pipeline"
	"rugfeed/logger"
)

// exit codes
const (
	exitOK           = 0
	exitConfig       = 1
	exitStartup      = 2
	exitStorageFatal = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		return exitConfig
	}

	if err := log.Configure(logger.Options{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    cfg.Logging.Output,
		MaxAgeDay: cfg.Logging.MaxAge,
		MaxSizeMB: cfg.Logging.MaxSize,
	}); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		return exitConfig
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Rugfeed.Name,
		"version":     cfg.Rugfeed.Version,
		"environment": config.AppEnvironment(),
		"source":      cfg.Source.URL,
	}).Info("starting rugfeed")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval, cfg.Store.Dir)
	}

	p, err := pipeline.New(ctx, *cfg, pipeline.DefaultRegistry())
	if err != nil {
		log.WithError(err).Error("failed to build pipeline")
		return exitStartup
	}
	if err := p.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start pipeline")
		_ = p.Stop()
		return exitStartup
	}
	log.WithField("session_id", p.SessionID()).Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	code := exitOK
	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case err := <-p.Fatal():
		log.WithError(err).Error("storage failure, shutting down")
		code = exitStorageFatal
	}

	log.Info("starting graceful shutdown")
	if err := p.Stop(); err != nil {
		log.WithError(err).Error("final flush failed")
		code = exitStorageFatal
	}
	cancel()

	log.WithField("exit_code", code).Info("rugfeed stopped")
	return code
}

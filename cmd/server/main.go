package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/Brownie44l1/stylize-api/internal/config"
	"github.com/Brownie44l1/stylize-api/internal/handlers"
	"github.com/Brownie44l1/stylize-api/internal/metrics"
	"github.com/Brownie44l1/stylize-api/internal/model"
	"github.com/Brownie44l1/stylize-api/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	zerolog.DefaultContextLogger = &log.Logger
}

func main() {
	configPath := flag.String("config", os.Getenv("STYLIZE_CONFIG"), "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("could not load config")
	}

	setupLogging(cfg.Log)

	log.Info().Str("dir", cfg.Model.Dir).Msg("loading neural style transfer model...")

	modelServer, err := model.NewServer(cfg.Model.Dir, model.Options{
		SharedLibraryPath: cfg.Model.LibraryPath,
		IntraOpThreads:    cfg.Model.IntraOpThreads,
		InterOpThreads:    cfg.Model.InterOpThreads,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize model server")
	}
	defer func() {
		if err := modelServer.Close(); err != nil {
			log.Error().Err(err).Msg("failed to release model")
		}
	}()

	var (
		m   *metrics.Metrics
		reg *prometheus.Registry
	)
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(reg)
	}

	handler := handlers.NewHandler(modelServer, handlers.Options{
		ImageSize:      cfg.Image.Size,
		MaxUploadBytes: cfg.Upload.MaxBytes,
		MaxPixels:      cfg.Image.MaxPixels,
		Metrics:        m,
	})

	var gatherer prometheus.Gatherer
	if reg != nil {
		gatherer = reg
	}

	srv := server.New(handler, m, gatherer, server.Config{
		Addr:              cfg.Addr(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info().
		Str("path", modelServer.Path()).
		Int("image_size", cfg.Image.Size).
		Bool("metrics", cfg.Metrics.Enabled).
		Msg("endpoints: GET / | POST /api/style-transfer | GET /health | GET /metrics")

	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server stopped")
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lv37/privaxy"
)

func main() {
	var (
		settingsPath = flag.String("settings", "", "path to settings file (default: search ./privaxy-server.yaml, ~/.privaxy/privaxy-server.yaml, /etc/privaxy/privaxy-server.yaml)")
		genSettings  = flag.Bool("gen-settings", false, "generate example settings file and exit")
		verbose      = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	if *genSettings {
		if err := privaxy.WriteExampleSettings("privaxy-server.yaml"); err != nil {
			fmt.Fprintln(os.Stderr, "generate settings:", err)
			os.Exit(1)
		}
		fmt.Println("Generated privaxy-server.yaml")
		return
	}

	settings, err := privaxy.LoadSettings(*settingsPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load settings:", err)
		os.Exit(1)
	}

	logger := newLogger(settings.Logging, *verbose)
	slog.SetDefault(logger)

	if err := run(settings, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg privaxy.LoggingSettings, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func run(settings *privaxy.Settings, logger *slog.Logger) error {
	ca, err := privaxy.LoadOrGenerateCA(settings.CA.CertPath, settings.CA.KeyPath, settings.CA.Organization)
	if err != nil {
		return fmt.Errorf("load CA: %w", err)
	}

	httpClient := &http.Client{Timeout: settings.FilterFetchTimeout}
	manager, err := privaxy.NewConfigurationManager(settings.ConfigurationPath, httpClient)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	manager.SetLogger(logger)

	metrics := privaxy.NewMetrics()
	manager.SetMetrics(metrics)

	blocking := privaxy.NewBlockingStore()
	events := privaxy.NewBroadcaster[privaxy.Event]()
	statsTopic := privaxy.NewBroadcaster[privaxy.Statistics]()
	metrics.RegisterSubscriberGauges(events, statsTopic)

	aggregator := privaxy.NewStatisticsAggregator()

	// The proxy engine consumes manager.Updates(), reads blocking and
	// manager.Exclusions() per request, publishes to events, and feeds
	// aggregator. It runs in its own process component; here we keep the
	// statistics topic fed and drain pending updates into a log line so a
	// standalone control plane stays observable.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				statsTopic.Publish(aggregator.Snapshot())
				metrics.RecordPublish("statistics")
			}
		}
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case cfg := <-manager.Updates():
				logger.Info("configuration update ready for engine", "filters", len(cfg.Filters), "exclusions", len(cfg.Exclusions))
			}
		}
	}()

	reloader := privaxy.NewConfigReloader(manager, settings.ConfigurationPath, logger, metrics)
	if err := reloader.Start(); err != nil {
		return fmt.Errorf("start configuration reloader: %w", err)
	}
	defer reloader.Stop()

	api := privaxy.NewServer(manager, blocking, events, statsTopic, ca.CertificatePEM())
	api.Logger = logger
	api.Metrics = metrics

	accessLog := privaxy.NewAccessLogger(logger, metrics)
	apiServer := &http.Server{
		Addr:    settings.API.Bind,
		Handler: accessLog.Middleware(api),
	}

	gui := privaxy.NewWebGUIHandler(os.DirFS(settings.WebGUI.AssetsDir), settings.API.AdvertisedHost)
	gui.Logger = logger
	guiServer := &http.Server{
		Addr:    settings.WebGUI.Bind,
		Handler: gui,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("admin API listening", "addr", settings.API.Bind)
		if err := apiServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		logger.Info("web GUI listening", "addr", settings.WebGUI.Bind)
		if err := guiServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("web gui server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
	_ = guiServer.Shutdown(shutdownCtx)
	return nil
}

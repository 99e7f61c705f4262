package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MikeSquared-Agency/archivist/internal/api"
	"github.com/MikeSquared-Agency/archivist/internal/browser"
	"github.com/MikeSquared-Agency/archivist/internal/bus"
	"github.com/MikeSquared-Agency/archivist/internal/config"
	"github.com/MikeSquared-Agency/archivist/internal/download"
	"github.com/MikeSquared-Agency/archivist/internal/export"
	"github.com/MikeSquared-Agency/archivist/internal/fetch"
	"github.com/MikeSquared-Agency/archivist/internal/notify"
	"github.com/MikeSquared-Agency/archivist/internal/orchestrator"
	"github.com/MikeSquared-Agency/archivist/internal/parser"
	"github.com/MikeSquared-Agency/archivist/internal/store"
	"github.com/MikeSquared-Agency/archivist/internal/transfer"
	"github.com/MikeSquared-Agency/archivist/internal/worker"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	slog.Info("archivist starting", "port", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database (optional — archivist works without job history)
	var db *store.Store
	if cfg.DatabaseURL != "" {
		var err error
		db, err = store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		slog.Info("database connected")
	} else {
		slog.Warn("DATABASE_URL not set, running without job history")
	}

	// NATS — the channel between the orchestrating and parsing contexts
	busClient, err := bus.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, slog.Default())
	if err != nil {
		slog.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer busClient.Close()
	slog.Info("NATS connected", "url", cfg.NatsURL)

	// Parsing worker — provisioned lazily, on its own bus connection
	manager := worker.NewManager(
		func(ctx context.Context) (io.Closer, error) {
			workerBus, err := bus.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, slog.Default())
			if err != nil {
				return nil, err
			}
			w := parser.New(workerBus, export.NewRenderer(), slog.Default())
			if err := w.Start(); err != nil {
				workerBus.Close()
				return nil, err
			}
			return &parserHandle{bus: workerBus}, nil
		},
		func(ctx context.Context) error {
			var reply transfer.PingReply
			if err := busClient.Request(ctx, transfer.SubjectPing, struct{}{}, &reply); err != nil {
				return err
			}
			if !reply.Ready {
				return errNotReady
			}
			return nil
		},
		slog.Default(),
	)
	defer manager.Close()

	// Live-mode browser, launched only when a fallback is needed
	driver := browser.NewDriver(time.Duration(cfg.ReadyTimeoutMS)*time.Millisecond, slog.Default())
	defer driver.Close()

	fetcher := fetch.NewClient(cfg.BaseURL, cfg.SessionCookie, cfg.UserAgent,
		time.Duration(cfg.FetchTimeoutMS)*time.Millisecond, slog.Default())
	if cfg.SessionCookie == "" {
		slog.Warn("ARCHIVIST_SESSION_COOKIE not set, authenticated pages will fail to fetch")
	}

	channel := transfer.NewChannel(busClient, slog.Default())
	sink := download.NewSink(cfg.ArchiveDir, slog.Default())

	runner := orchestrator.NewRunner(orchestrator.Config{
		ItemDelay:    time.Duration(cfg.ItemDelayMS) * time.Millisecond,
		SkipArchived: true,
	}, fetcher, manager, channel, driver, sink, slog.Default())

	if db != nil {
		runner.WithJobStore(db)
	}
	if cfg.WebhookURL != "" {
		runner.WithNotifier(notify.NewWebhook(cfg.WebhookURL, slog.Default()))
		slog.Info("summary webhook ready")
	}
	if state, err := orchestrator.LoadState(cfg.ArchiveDir); err != nil {
		slog.Warn("failed to load archive state, duplicates will not be skipped", "error", err)
	} else {
		runner.WithArchiveState(state)
	}

	// HTTP API
	srv := api.NewServer(cfg.Port, runner)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	// Announce registration
	if err := busClient.Publish("swarm.agent.archivist.registered", map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"port":      cfg.Port,
	}); err != nil {
		slog.Warn("failed to publish registration", "error", err)
	}

	slog.Info("archivist ready", "port", cfg.Port, "archive_dir", cfg.ArchiveDir)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	cancel()
	slog.Info("archivist stopped")
}

// parserHandle ties the parsing worker's lifetime to its bus
// connection: closing the connection unsubscribes every handler.
type parserHandle struct {
	bus *bus.Client
}

func (h *parserHandle) Close() error {
	h.bus.Close()
	return nil
}

var errNotReady = errors.New("parsing worker not ready")

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}

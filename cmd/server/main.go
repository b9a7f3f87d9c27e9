// Command agenthub runs the agent communication hub: per-agent priority
// queues, topic pub/sub, declarative routing rules and request/reply,
// served over HTTP, WebSocket and webhooks.
//
// Usage:
//
//	agenthub [--config path/to/config.yaml]
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

	"golang.org/x/sync/errgroup"

	"github.com/sneh-joshi/agenthub/internal/config"
	"github.com/sneh-joshi/agenthub/internal/consumer"
	"github.com/sneh-joshi/agenthub/internal/hub"
	"github.com/sneh-joshi/agenthub/internal/metrics"
	"github.com/sneh-joshi/agenthub/internal/node"
	"github.com/sneh-joshi/agenthub/internal/rules"
	"github.com/sneh-joshi/agenthub/internal/store"
	transphttp "github.com/sneh-joshi/agenthub/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "agenthub: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	hopts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, hopts)
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, hopts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// ── 3. Initialise node identity ──────────────────────────────────────────
	n, err := node.New(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}
	logger = logger.With("node_id", n.ID().String())

	logger.Info("agenthub starting",
		"addr", cfg.Addr(),
		"data_dir", n.DataDir(),
		"storage", cfg.Storage.Enabled,
		"rule_files", len(cfg.Rules.Files),
	)

	// ── 4. Event sinks and metrics ───────────────────────────────────────────
	var (
		sinks metrics.MultiSink
		reg   *metrics.Registry
	)
	if cfg.Metrics.Enabled {
		reg = metrics.NewRegistry()
	}
	if cfg.Metrics.LogEvents {
		sinks = append(sinks, metrics.LogSink{Logger: logger})
	}
	if cfg.Metrics.NATSURL != "" {
		natsSink, closeNATS, err := metrics.DialNATS(cfg.Metrics.NATSURL, cfg.Metrics.NATSSubject, logger)
		if err != nil {
			return err
		}
		defer closeNATS()
		sinks = append(sinks, natsSink)
		logger.Info("publishing lifecycle events", "nats", cfg.Metrics.NATSURL, "subject", cfg.Metrics.NATSSubject)
	}

	hubOpts := []hub.Option{hub.WithLogger(logger)}
	if reg != nil {
		hubOpts = append(hubOpts, hub.WithRegistry(reg))
	}
	if len(sinks) > 0 {
		hubOpts = append(hubOpts, hub.WithSink(sinks))
	}

	// ── 5. Durable store ─────────────────────────────────────────────────────
	if cfg.Storage.Enabled {
		st, err := store.Open(cfg.StorePath())
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer func() {
			if err := st.Close(); err != nil {
				logger.Warn("store close error", "error", err)
			}
		}()
		hubOpts = append(hubOpts, hub.WithStore(st))
	}

	// ── 6. Hub ───────────────────────────────────────────────────────────────
	h, err := hub.New(cfg.HubConfig(), hubOpts...)
	if err != nil {
		return fmt.Errorf("init hub: %w", err)
	}
	defer func() {
		if err := h.Close(); err != nil {
			logger.Warn("hub close error", "error", err)
		}
	}()

	// ── 7. Rule files ────────────────────────────────────────────────────────
	watcher := rules.NewWatcher(cfg.Rules.Files, h.ReloadRules, logger)
	if len(cfg.Rules.Files) > 0 {
		if err := watcher.Reload(); err != nil {
			return fmt.Errorf("load rules: %w", err)
		}
	}

	// ── 8. Webhook push and transport ────────────────────────────────────────
	cm := consumer.NewManager(h, consumer.Config{
		RetryDelays: cfg.Webhook.RetryDelays,
		Timeout:     cfg.Webhook.Timeout,
		PollWait:    consumer.DefaultConfig().PollWait,
	}, consumer.WithLogger(logger))
	defer cm.Close()

	srv := transphttp.New(h, cm, cfg, reg,
		transphttp.WithNodeID(n.ID().String()),
		transphttp.WithLogger(logger),
	)

	// ── 9. Run until SIGINT / SIGTERM ────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("agenthub ready", "addr", srv.Addr())
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if cfg.Rules.Watch && len(cfg.Rules.Files) > 0 {
		g.Go(func() error { return watcher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			logger.Warn("server shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("agenthub stopped")
	return err
}

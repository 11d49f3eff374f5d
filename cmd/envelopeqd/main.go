// Command envelopeqd runs the envelope reconciliation engine as a daemon.
// It loads configuration, opens the message store, and starts the pipeline.
//
// Usage:
//
//	envelopeqd [--config path/to/config.yaml] [--ws-url wss://host/v1/envelopes]
//
// Without --ws-url the daemon starts with no transport attached; envelopes
// can still be fed programmatically, which is how the soak tests drive it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/snehjoshi/envelopeq/internal/commit"
	"github.com/snehjoshi/envelopeq/internal/config"
	"github.com/snehjoshi/envelopeq/internal/decrypt"
	"github.com/snehjoshi/envelopeq/internal/dedup"
	"github.com/snehjoshi/envelopeq/internal/directory"
	"github.com/snehjoshi/envelopeq/internal/earlybuf"
	"github.com/snehjoshi/envelopeq/internal/fanout"
	"github.com/snehjoshi/envelopeq/internal/intake"
	"github.com/snehjoshi/envelopeq/internal/metrics"
	"github.com/snehjoshi/envelopeq/internal/pipeline"
	"github.com/snehjoshi/envelopeq/internal/reconcile"
	"github.com/snehjoshi/envelopeq/internal/store/bolt"
	transpws "github.com/snehjoshi/envelopeq/internal/transport/websocket"
	"github.com/snehjoshi/envelopeq/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "envelopeq: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	wsURL := flag.String("ws-url", "", "WebSocket envelope delivery endpoint (optional)")
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
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// ── 3. Open the message store ────────────────────────────────────────────
	st, err := bolt.Open(cfg.Engine.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	slog.Info("envelopeq starting",
		"data_dir", cfg.Engine.DataDir,
		"workers", cfg.Engine.Workers,
	)

	// ── 4. Initialise metrics registry ───────────────────────────────────────
	metricsReg := &metrics.Registry{}

	// ── 5. Assemble the pipeline stages ──────────────────────────────────────
	queue := intake.New(cfg.Intake.Capacity, metricsReg.IntakeDepth.Set)

	adapter := decrypt.NewAdapter(decrypt.Plaintext{},
		time.Duration(cfg.Decrypt.TimeoutMs)*time.Millisecond)

	ledger := dedup.New(st, cfg.Dedup.MaxEntries,
		time.Duration(cfg.Dedup.MaxAgeMs)*time.Millisecond)

	ttl, err := cfg.BufferTTL()
	if err != nil {
		return fmt.Errorf("buffer ttl: %w", err)
	}
	sweep, err := cfg.BufferSweepInterval()
	if err != nil {
		return fmt.Errorf("buffer sweep interval: %w", err)
	}
	buf := earlybuf.New(logger, earlybuf.Config{
		TTL:           ttl,
		MaxEntries:    cfg.Buffer.MaxEntries,
		MaxAttempts:   cfg.Buffer.MaxAttempts,
		SweepInterval: sweep,
	}, func(_ types.PendingReconciliation, reason string) {
		metricsReg.Evicted.Inc(reason)
	}, metricsReg.ParkedNow.Set)

	dir := directory.New(logger, st)
	engine := reconcile.New(logger, st, dir, buf)

	coord := commit.New(logger, st, commit.Config{
		MaxAttempts:    cfg.Commit.MaxAttempts,
		BaseBackoff:    time.Duration(cfg.Commit.BaseBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.Commit.MaxBackoffMs) * time.Millisecond,
		AttemptTimeout: time.Duration(cfg.Commit.AttemptTimeoutMs) * time.Millisecond,
	})

	hub := fanout.New(logger)

	pipe := pipeline.New(logger, metricsReg, pipeline.Config{
		Workers:          cfg.Engine.Workers,
		RetryMaxAttempts: cfg.Retry.MaxAttempts,
		RetryBaseBackoff: time.Duration(cfg.Retry.BaseBackoffMs) * time.Millisecond,
		RetryMaxBackoff:  time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
	}, queue, adapter, ledger, engine, coord, hub)

	// ── 6. Start the pipeline and sweeper ────────────────────────────────────
	buf.Start()
	pipe.Start()

	// ── 7. Start the transport source, if configured ─────────────────────────
	transportCtx, cancelTransport := context.WithCancel(context.Background())
	defer cancelTransport()
	if *wsURL != "" {
		src := transpws.New(logger, queue, transpws.Config{
			URL:            *wsURL,
			MaxRate:        cfg.Transport.MaxRate,
			Burst:          cfg.Transport.Burst,
			ReadLimitBytes: cfg.Transport.ReadLimitBytes,
		})
		go func() {
			if err := src.Run(transportCtx); err != nil && transportCtx.Err() == nil {
				slog.Error("transport stopped", "err", err)
			}
		}()
	}

	// ── 8. Start dedicated Prometheus metrics listener ───────────────────────
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		go func() {
			slog.Info("metrics server listening", "addr", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, metricsReg.Handler()); err != nil {
				slog.Warn("metrics server error", "err", err)
			}
		}()
	}

	// ── 9. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("shutting down", "signal", sig)

	cancelTransport()
	pipe.Stop()
	buf.Stop()
	if err := st.Close(); err != nil {
		slog.Warn("store close error", "err", err)
	}

	slog.Info("envelopeq stopped")
	return nil
}

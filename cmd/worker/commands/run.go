package commands

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cordum/lightning-worker/internal/attemptctx"
	"github.com/cordum/lightning-worker/internal/channel"
	"github.com/cordum/lightning-worker/internal/claim"
	"github.com/cordum/lightning-worker/internal/config"
	"github.com/cordum/lightning-worker/internal/engine"
	"github.com/cordum/lightning-worker/internal/logging"
	"github.com/cordum/lightning-worker/internal/runner"
	"github.com/cordum/lightning-worker/internal/server"
	"github.com/cordum/lightning-worker/internal/tracing"
)

// tracingAdapter bridges *tracing.Tracer's concrete Span type to the narrow
// engine.Tracer/attemptctx.Tracer interfaces, since those packages can't
// depend on the otel SDK directly.
type tracingAdapter struct{ t *tracing.Tracer }

func (a tracingAdapter) StartAttempt(ctx context.Context, attemptID string) (context.Context, engine.AttemptSpan) {
	return a.t.StartAttempt(ctx, attemptID)
}

func (a tracingAdapter) StartRun(ctx context.Context, runID, jobID string) (context.Context, attemptctx.RunSpan) {
	return a.t.StartRun(ctx, runID, jobID)
}

const controlTopic = "worker:queue"

func newRunCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the worker's claim loop and HTTP surface",
		Long: `run loads worker configuration from the environment (and an optional
overlay file), dials the coordinator's control channel, and starts claiming
and executing workflow attempts until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				os.Setenv(config.EnvOverlayPath, configFile)
			}
			return runWorker(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&configFile, "config-file", "", "path to a YAML config overlay (overrides WORKER_CONFIG_FILE)")
	return cmd
}

func runWorker(ctx context.Context) error {
	log := logging.For("cmd")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	tracer, err := tracing.New(tracing.Config{Enabled: true}, "lightning-worker")
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer tracer.Shutdown(ctx)

	loader, err := runner.NewLoader(ctx, cfg.MaxRunMemoryMB)
	if err != nil {
		return fmt.Errorf("init wasm loader: %w", err)
	}
	defer loader.Close(ctx)

	metrics := server.NewPromMetrics()

	executor := newWasmExecutor(loader, cfg)
	eng := engine.New(executor.Execute, engine.WithMetrics(metrics), engine.WithTracer(tracingAdapter{t: tracer}))

	controlConn, err := channel.Dial(wsURL(cfg.LightningServiceURL), http.Header{})
	if err != nil {
		return fmt.Errorf("dial control channel: %w", err)
	}
	defer controlConn.Close()
	if _, err := controlConn.Join(controlTopic, cfg.Secret); err != nil {
		return fmt.Errorf("join control channel: %w", err)
	}

	dialer := func(ctx context.Context, topic, token string) (*channel.Channel, error) {
		conn, err := channel.Dial(wsURL(cfg.LightningServiceURL), http.Header{})
		if err != nil {
			return nil, err
		}
		if _, err := conn.Join(topic, token); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	}

	var runPub ed25519.PublicKey
	if cfg.LightningPublicKey != "" {
		keyBytes, err := base64.StdEncoding.DecodeString(cfg.LightningPublicKey)
		if err != nil {
			return fmt.Errorf("decode WORKER_LIGHTNING_PUBLIC_KEY: %w", err)
		}
		runPub = ed25519.PublicKey(keyBytes)
	}

	loop := claim.New(controlConn, dialer, eng, claim.Options{
		MinBackoff:   cfg.BackoffMin,
		MaxBackoff:   cfg.BackoffMax,
		Capacity:     cfg.Capacity,
		RunPublicKey: runPub,
		GracePeriod:  cfg.ShutdownGracePeriod,
	})

	srv := server.New(fmt.Sprintf(":%d", cfg.Port), loop.Capacity)

	capacityCtx, stopCapacityReport := context.WithCancel(ctx)
	defer stopCapacityReport()
	go reportCapacity(capacityCtx, loop, metrics)

	errCh := make(chan error, 2)
	loopStopped := make(chan struct{})
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("server: %w", err)
		}
	}()
	go func() {
		defer close(loopStopped)
		if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("claim loop: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down, waiting for claim loop to drain in-flight attempts")
		<-loopStopped
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.BackoffMax)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// reportCapacity polls the claim loop's available/total capacity into
// metrics' capacity_available/capacity_total gauges until ctx is cancelled.
func reportCapacity(ctx context.Context, loop *claim.Loop, metrics server.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		available, total := loop.Capacity()
		metrics.SetCapacity(available, total)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// wsURL rewrites an http(s):// base URL into its ws(s):// socket endpoint.
func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/worker/socket"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/worker/socket"
	default:
		return base
	}
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/polisai/plantwatch/internal/server"
	"github.com/polisai/plantwatch/pkg/config"
	"github.com/polisai/plantwatch/pkg/metrics"
	"github.com/spf13/cobra"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the assessment API and the evaluation workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), flags, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.address)")
	return cmd
}

func runServe(ctx context.Context, flags *globalFlags, addr string) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Address = addr
	}
	logger := newLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, appOptions{evaluation: true})
	if err != nil {
		return err
	}
	a.queue.Start()

	srv := server.NewServer(server.Options{
		Pipeline: a.pipeline,
		Store:    a.store,
		Metrics:  a.metrics,
		Gates:    cfg.QualityGates,
		Policy:   a.policy,
		Logger:   logger,
	})

	if flags.configPath != "" {
		watcher, err := config.NewWatcher(flags.configPath, a.metrics, logger)
		if err != nil {
			logger.Warn("config hot reload disabled", "error", err)
		} else {
			defer func() { _ = watcher.Close() }()
			go applyReloads(ctx, watcher.Subscribe(), a, srv, logger)
		}
	}

	httpServer := srv.HTTPServer(cfg.Server.Address, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout)
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting plantwatch",
			"addr", cfg.Server.Address,
			"model", cfg.LLM.Model,
			"judge_model", cfg.LLM.JudgeModel,
			"sampling_rate", cfg.Sampling.Rate,
			"failure_policy", cfg.Guardrails.FailurePolicy,
			"store", cfg.Store.Driver,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case serveErr = <-errCh:
		logger.Error("Server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", "error", err)
	}
	if err := a.queue.Stop(shutdownCtx); err != nil {
		logger.Warn("evaluation queue stopped before draining", "error", err)
	}
	if err := a.close(shutdownCtx); err != nil {
		logger.Error("Shutdown error", "error", err)
	}
	logger.Info("Shutdown complete")
	return serveErr
}

// applyReloads applies the hot-reloadable settings: sampling rate, quality
// gates and the gate policy. Everything else needs a restart.
func applyReloads(ctx context.Context, updates <-chan *config.Config, a *app, srv *server.Server, logger *slog.Logger) {
	policyPath := a.cfg.GatePolicy
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-updates:
			if err := a.sampler.SetRate(cfg.Sampling.Rate); err != nil {
				logger.Error("sampling rate not applied", "error", err)
			} else {
				a.metrics.SetSamplingRate(cfg.Sampling.Rate)
			}
			srv.SetGates(cfg.QualityGates)

			if cfg.GatePolicy != policyPath {
				var policy *metrics.RegoGate
				if cfg.GatePolicy != "" {
					p, err := metrics.LoadRegoGate(ctx, cfg.GatePolicy, "")
					if err != nil {
						logger.Error("gate policy not applied", "path", cfg.GatePolicy, "error", err)
						continue
					}
					policy = p
				}
				srv.SetPolicy(policy)
				policyPath = cfg.GatePolicy
			}
			logger.Info("runtime settings updated",
				"sampling_rate", a.sampler.Rate(),
				"gate_policy", policyPath,
			)
		}
	}
}

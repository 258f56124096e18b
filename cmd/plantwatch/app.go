package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/polisai/plantwatch/internal/governance"
	"github.com/polisai/plantwatch/pkg/assessment"
	"github.com/polisai/plantwatch/pkg/config"
	"github.com/polisai/plantwatch/pkg/guardrail"
	"github.com/polisai/plantwatch/pkg/judge"
	"github.com/polisai/plantwatch/pkg/llm"
	"github.com/polisai/plantwatch/pkg/logging"
	"github.com/polisai/plantwatch/pkg/metrics"
	"github.com/polisai/plantwatch/pkg/pipeline"
	"github.com/polisai/plantwatch/pkg/policy/dlp"
	"github.com/polisai/plantwatch/pkg/prompts"
	"github.com/polisai/plantwatch/pkg/queue"
	"github.com/polisai/plantwatch/pkg/sampling"
	"github.com/polisai/plantwatch/pkg/storage"
	"github.com/polisai/plantwatch/pkg/telemetry"
)

// app is the wired component graph shared by the subcommands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	store    storage.Store
	guard    pipeline.Guard
	assessor *assessment.Service
	scorer   pipeline.Scorer
	sink     *pipeline.EvaluationSink
	sampler  *sampling.Sampler
	queue    *queue.Queue
	pipeline *pipeline.Pipeline
	policy   *metrics.RegoGate

	shutdownTelemetry func(context.Context) error
}

// appOptions selects optional parts of the graph.
type appOptions struct {
	// evaluation wires the sampler and the queue into the request path.
	evaluation bool
	// store overrides the configured metrics store.
	store storage.Store
}

func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
		if err := cfg.Logging.Validate(); err != nil {
			return nil, err
		}
	}
	if flags.pretty {
		cfg.Logging.Pretty = true
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, out io.Writer) *slog.Logger {
	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: out,
	})
	slog.SetDefault(logger)
	return logger
}

func openStore(cfg config.StoreConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return storage.NewSQLiteStore(cfg.DSN)
	default:
		return storage.NewMemoryStore(), nil
	}
}

func newLLMClient(cfg config.LLMConfig, model string, logger *slog.Logger) *llm.OpenAIClient {
	retry := governance.DefaultRetryConfig()
	retry.MaxRetries = cfg.MaxRetries
	return llm.NewOpenAIClient(llm.OpenAIConfig{
		Endpoint:     cfg.Endpoint,
		APIKey:       cfg.APIKey,
		DefaultModel: model,
		Timeout:      cfg.Timeout,
		Retry:        retry,
	}, logger)
}

func newGuard(cfg *config.Config, client llm.Client, provider prompts.Provider, logger *slog.Logger) (pipeline.Guard, error) {
	if !cfg.Guardrails.Enabled {
		return guardrail.Passthrough{}, nil
	}

	var redactor guardrail.InputRedactor
	if cfg.Guardrails.PIIRedaction {
		detectors, err := piiDetectors(cfg.Guardrails.Analyzer)
		if err != nil {
			return nil, err
		}
		r, err := dlp.NewRedactor(dlp.Options{Detectors: detectors, Policy: cfg.Guardrails.Policy, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("build redactor: %w", err)
		}
		redactor = r
	}

	classifier := guardrail.NewClassifier(client, guardrail.ClassifierOptions{
		Model:   cfg.LLM.ClassifierModel,
		Prompts: provider,
		Timeout: cfg.Guardrails.ClassifierTimeout,
		Breaker: governance.NewCircuitBreaker(cfg.Guardrails.Breaker.CircuitBreaker()),
		Logger:  logger,
	})

	return guardrail.NewCoordinator(guardrail.Options{
		Redactor:   redactor,
		Classifier: classifier,
		Policy:     cfg.Guardrails.Policy,
		Logger:     logger,
		OnTransition: func(from, to guardrail.State) {
			logger.Debug("guardrail transition", "from", from.String(), "to", to.String())
		},
	}), nil
}

// piiDetectors returns nil (every builtin rule) unless a remote analyzer is
// configured, in which case it runs after the builtin rules.
func piiDetectors(cfg config.AnalyzerConfig) ([]dlp.Detector, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}
	detectors, err := dlp.DefaultRegistry().Detectors()
	if err != nil {
		return nil, fmt.Errorf("builtin pii rules: %w", err)
	}
	remote, err := dlp.NewRemoteDetector(dlp.RemoteConfig{
		Endpoint: cfg.Endpoint,
		Language: cfg.Language,
		MinScore: cfg.MinScore,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("pii analyzer: %w", err)
	}
	return append(detectors, remote), nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (_ *app, err error) {
	a := &app{
		cfg:               cfg,
		logger:            logger,
		metrics:           telemetry.NewMetrics(),
		shutdownTelemetry: func(context.Context) error { return nil },
	}
	defer func() {
		if err != nil {
			_ = a.close(ctx)
		}
	}()

	a.shutdownTelemetry, err = telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("setup telemetry: %w", err)
	}

	a.store = opts.store
	if a.store == nil {
		if a.store, err = openStore(cfg.Store); err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	provider := prompts.Default(cfg.PromptsDir)
	mainClient := newLLMClient(cfg.LLM, cfg.LLM.Model, logger)

	if a.guard, err = newGuard(cfg, mainClient, provider, logger); err != nil {
		return nil, err
	}

	a.assessor = assessment.NewService(mainClient, assessment.Options{
		Model:   cfg.LLM.Model,
		Prompts: provider,
		Timeout: cfg.LLM.Timeout,
		Breaker: governance.NewCircuitBreaker(governance.DefaultCircuitBreakerConfig()),
		Logger:  logger,
	})

	if !cfg.LLM.JudgeDisabled {
		judgeCfg := cfg.LLM
		judgeCfg.Timeout = cfg.LLM.JudgeTimeout
		var limiter *governance.RateLimiter
		if cfg.LLM.JudgeRPS > 0 {
			limiter = governance.NewRateLimiter(map[string]governance.RateLimiterConfig{
				judge.RateLimitKey: {RequestsPerSecond: cfg.LLM.JudgeRPS, BurstSize: cfg.LLM.JudgeBurst},
			})
		}
		a.scorer = judge.NewScorer(newLLMClient(judgeCfg, cfg.LLM.JudgeModel, logger), judge.Options{
			Model:   cfg.LLM.JudgeModel,
			Prompts: provider,
			Limiter: limiter,
			Timeout: cfg.LLM.JudgeTimeout,
			Logger:  logger,
		})
	}
	a.sink = pipeline.NewEvaluationSink(a.scorer, a.store, a.metrics, logger)

	if cfg.GatePolicy != "" {
		if a.policy, err = metrics.LoadRegoGate(ctx, cfg.GatePolicy, ""); err != nil {
			return nil, fmt.Errorf("load gate policy: %w", err)
		}
	}

	pipelineOpts := pipeline.Options{
		Guard:    a.guard,
		Assessor: a.assessor,
		Observer: a.metrics,
		Logger:   logger,
	}
	if opts.evaluation {
		if a.sampler, err = sampling.NewSampler(cfg.Sampling.Rate, nil); err != nil {
			return nil, err
		}
		a.metrics.SetSamplingRate(cfg.Sampling.Rate)
		if a.queue, err = a.newQueue(); err != nil {
			return nil, err
		}
		pipelineOpts.Sampler = a.sampler
		pipelineOpts.Queue = a.queue
	}
	if a.pipeline, err = pipeline.New(pipelineOpts); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) newQueue() (*queue.Queue, error) {
	return queue.New(queue.Config{
		Workers:        a.cfg.Queue.Workers,
		Buffer:         a.cfg.Queue.Buffer,
		MaxAttempts:    a.cfg.Queue.MaxAttempts,
		Backoff:        a.cfg.Queue.Backoff(),
		AttemptTimeout: a.cfg.Queue.AttemptTimeout,
	}, queue.Options{
		Transport:   a.sink,
		DeadLetters: a.store,
		Observer:    a.metrics,
		Logger:      a.logger,
	})
}

// close releases the store and flushes telemetry. The queue is stopped by
// the caller, which owns the drain deadline.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.shutdownTelemetry != nil {
		errs = append(errs, a.shutdownTelemetry(ctx))
	}
	return errors.Join(errs...)
}

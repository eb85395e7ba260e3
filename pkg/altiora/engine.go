// Package altiora assembles a configured process: logger, pipeline,
// webhook client, metrics, stream handler and the Twilio server, run
// under a drain-aware lifecycle.
package altiora

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/altiora/pkg/configutil"
	"github.com/harunnryd/altiora/pkg/logging"
	"github.com/harunnryd/altiora/pkg/metrics"
	"github.com/harunnryd/altiora/pkg/observers"
	"github.com/harunnryd/altiora/pkg/pipeline"
	"github.com/harunnryd/altiora/pkg/pipeline/live"
	"github.com/harunnryd/altiora/pkg/pipeline/mock"
	"github.com/harunnryd/altiora/pkg/redact"
	"github.com/harunnryd/altiora/pkg/resilience"
	"github.com/harunnryd/altiora/pkg/runner"
	"github.com/harunnryd/altiora/pkg/stream"
	"github.com/harunnryd/altiora/pkg/transports/twilio"
	"github.com/harunnryd/altiora/pkg/webhook"
)

type Engine struct {
	cfg      Config
	log      *slog.Logger
	pipeline pipeline.Pipeline
	handler  *stream.Handler
	server   *twilio.Server
	runner   *runner.LifecycleRunner
	asyncObs *metrics.AsyncObserver
	webhook  *webhook.Client
	closers  []io.Closer
	closed   sync.Once
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// Pipeline overrides the one selected by pipeline.mode.
	Pipeline pipeline.Pipeline
	// LogOutput defaults to stdout.
	LogOutput io.Writer
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	log := logging.InitLogger(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: opts.LogOutput,
	})
	redact.SetEnabled(cfg.Privacy.RedactPII)

	log.Info("altiora_init",
		"environment", cfg.Environment,
		"mode", cfg.Pipeline.Mode,
		"stt_provider", cfg.Vendors.STT.Provider,
		"llm_provider", cfg.Vendors.LLM.Provider,
		"tts_provider", cfg.Vendors.TTS.Provider,
	)

	e := &Engine{cfg: cfg, log: log}

	p := opts.Pipeline
	if p == nil {
		providers := opts.Providers
		if providers == nil {
			providers = DefaultProviderRegistry()
		}
		built, err := buildPipeline(cfg, providers, log)
		if err != nil {
			return nil, err
		}
		p = built
	}
	e.pipeline = p

	obsList := []metrics.Observer{
		observers.NewLoggerObserver(log),
		observers.NewTurnLatencyObserver(log),
	}
	if path := strings.TrimSpace(cfg.Metrics.JSONLPath); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open metrics file: %w", err)
		}
		e.closers = append(e.closers, f)
		obsList = append(obsList, metrics.NewJSONLObserver(f))
	}
	e.asyncObs = metrics.NewAsyncObserver(observers.NewMultiObserver(obsList...), cfg.Metrics.Buffer)

	var notifier webhook.Notifier = webhook.Nop{}
	if strings.TrimSpace(cfg.Webhook.URL) != "" {
		client, err := webhook.NewClient(webhook.Config{
			URL:       cfg.Webhook.URL,
			Token:     cfg.Webhook.Token,
			Timeout:   configutil.Millis(cfg.Webhook.TimeoutMS, 5*time.Second),
			QueueSize: cfg.Webhook.QueueSize,
			Retry: resilience.NewRetryPolicy(cfg.Webhook.Retries,
				configutil.Millis(cfg.Webhook.RetryBackoffMS, 250*time.Millisecond)),
		}, log)
		if err != nil {
			e.asyncObs.Close()
			return nil, err
		}
		e.webhook = client
		notifier = client
	}

	e.handler = stream.NewHandler(cfg.StreamConfig(), p,
		stream.WithNotifier(notifier),
		stream.WithObserver(e.asyncObs),
		stream.WithLogger(log),
	)
	e.server = twilio.New(cfg.TwilioConfig(), e.handler,
		twilio.WithLogger(log),
		twilio.WithMode(cfg.Pipeline.Mode),
	)

	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{"message", "Altiora Ready"}
			for k, v := range e.server.ReadyFields() {
				fields = append(fields, k, v)
			}
			log.Info("engine_ready", fields...)
		},
		OnStop: e.closeSinks,
	}
	e.runner = runner.NewLifecycleRunner(e.server, hooks, configutil.Millis(cfg.DrainTimeoutMS, 10*time.Second))
	return e, nil
}

func buildPipeline(cfg Config, providers *ProviderRegistry, log *slog.Logger) (pipeline.Pipeline, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Pipeline.Mode)) {
	case pipeline.ModeMock:
		return mock.New(), nil
	case pipeline.ModeLive:
		sttAdapter, err := providers.BuildSTT(cfg.Vendors.STT)
		if err != nil {
			return nil, fmt.Errorf("build stt: %w", err)
		}
		llmAdapter, err := providers.BuildLLM(cfg.Vendors.LLM)
		if err != nil {
			return nil, fmt.Errorf("build llm: %w", err)
		}
		ttsAdapter, err := providers.BuildTTS(cfg.Vendors.TTS)
		if err != nil {
			return nil, fmt.Errorf("build tts: %w", err)
		}
		return live.New(live.Options{
			STT: sttAdapter,
			LLM: llmAdapter,
			TTS: ttsAdapter,
			Retry: resilience.NewRetryPolicy(cfg.Pipeline.Retries,
				configutil.Millis(cfg.Pipeline.RetryBackoffMS, 200*time.Millisecond)),
			Logger:           log,
			BreakerThreshold: cfg.Pipeline.BreakerThreshold,
			BreakerCooldown:  configutil.Millis(cfg.Pipeline.BreakerCooldownMS, 10*time.Second),
		})
	default:
		return nil, fmt.Errorf("unknown pipeline mode %q", cfg.Pipeline.Mode)
	}
}

// closeSinks runs once active calls have drained, so their CallEnded
// events and final metrics are already queued.
func (e *Engine) closeSinks() {
	e.closed.Do(e.flushSinks)
}

func (e *Engine) flushSinks() {
	if e.webhook != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.webhook.Close(ctx); err != nil {
			e.log.Warn("webhook_close_failed", "error", err)
		}
		cancel()
	}
	e.asyncObs.Close()
	for _, c := range e.closers {
		_ = c.Close()
	}
	e.log.Info("shutdown",
		"goroutines", runtime.NumGoroutine(),
		"metrics_dropped", e.asyncObs.Dropped(),
	)
}

// Run serves until ctx is cancelled, then drains active calls.
func (e *Engine) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := e.server.Start(ctx); err != nil {
		e.closeSinks()
		return err
	}
	return e.runner.Run(ctx)
}

// Start is Run in the background.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := e.server.Start(ctx); err != nil {
		return err
	}
	go func() {
		if err := e.runner.Run(ctx); err != nil {
			e.log.Warn("engine_stop_error", "error", err)
		}
	}()
	return nil
}

func (e *Engine) Stop() error {
	return e.runner.Stop()
}

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Server() *twilio.Server { return e.server }

func (e *Engine) Handler() *stream.Handler { return e.handler }

func (e *Engine) Health() error {
	if e.server == nil {
		return errors.New("missing transport")
	}
	return nil
}

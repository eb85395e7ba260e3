// Package live implements the pipeline over remote STT, LLM and TTS vendors.
package live

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/altiora/pkg/adapters/stt"
	"github.com/harunnryd/altiora/pkg/adapters/tts"
	"github.com/harunnryd/altiora/pkg/audio"
	"github.com/harunnryd/altiora/pkg/conversation"
	"github.com/harunnryd/altiora/pkg/errorsx"
	"github.com/harunnryd/altiora/pkg/llm"
	"github.com/harunnryd/altiora/pkg/logging"
	"github.com/harunnryd/altiora/pkg/pipeline"
	"github.com/harunnryd/altiora/pkg/redact"
	"github.com/harunnryd/altiora/pkg/resilience"
)

const (
	// FallbackReply is spoken when the language model cannot answer.
	FallbackReply = "I'm having trouble. Please repeat."
	// EmptyReply replaces a successful but blank model answer.
	EmptyReply = "Sorry, could you repeat?"
)

type Options struct {
	STT    stt.Transcriber
	LLM    llm.LLMAdapter
	TTS    tts.Synthesizer
	Retry  resilience.RetryPolicy
	Logger *slog.Logger

	// BreakerThreshold and BreakerCooldown configure one breaker per stage.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

type Pipeline struct {
	stt   stt.Transcriber
	llm   llm.LLMAdapter
	tts   tts.Synthesizer
	retry resilience.RetryPolicy
	log   *slog.Logger
	sttCB *resilience.CircuitBreaker
	llmCB *resilience.CircuitBreaker
	ttsCB *resilience.CircuitBreaker
}

func New(opts Options) (*Pipeline, error) {
	if opts.STT == nil || opts.LLM == nil || opts.TTS == nil {
		return nil, errors.New("live pipeline requires stt, llm and tts adapters")
	}
	if opts.Retry.Backoff <= 0 {
		opts.Retry = resilience.NewRetryPolicy(1, 200*time.Millisecond)
	}
	return &Pipeline{
		stt:   opts.STT,
		llm:   opts.LLM,
		tts:   opts.TTS,
		retry: opts.Retry,
		log:   logging.NewComponentLogger(opts.Logger, "live_pipeline"),
		sttCB: resilience.NewCircuitBreaker(opts.BreakerThreshold, opts.BreakerCooldown),
		llmCB: resilience.NewCircuitBreaker(opts.BreakerThreshold, opts.BreakerCooldown),
		ttsCB: resilience.NewCircuitBreaker(opts.BreakerThreshold, opts.BreakerCooldown),
	}, nil
}

type stageReasons struct {
	failed, rateLimit, circuitOpen errorsx.ReasonCode
}

var (
	sttReasons = stageReasons{errorsx.ReasonSTTTranscribe, errorsx.ReasonSTTRateLimit, errorsx.ReasonSTTCircuitOpen}
	llmReasons = stageReasons{errorsx.ReasonLLMGenerate, errorsx.ReasonLLMRateLimit, errorsx.ReasonLLMCircuitOpen}
	ttsReasons = stageReasons{errorsx.ReasonTTSSynthesize, errorsx.ReasonTTSRateLimit, errorsx.ReasonTTSCircuitOpen}
)

// guard runs fn through the stage breaker and retry policy and returns a
// reason-coded error.
func (p *Pipeline) guard(ctx context.Context, cb *resilience.CircuitBreaker, reasons stageReasons, fn func(context.Context) error) error {
	if !cb.Allow() {
		return errorsx.Wrap(resilience.ErrCircuitOpen, reasons.circuitOpen)
	}
	err := p.retry.Do(ctx, fn)
	if err == nil {
		cb.OnSuccess()
		return nil
	}
	cb.OnError(err)
	if resilience.IsRateLimit(err) {
		return errorsx.Wrap(err, reasons.rateLimit)
	}
	return errorsx.Wrap(err, reasons.failed)
}

func (p *Pipeline) SpeechToText(ctx context.Context, pcm audio.PCM) string {
	if pcm.Empty() {
		return ""
	}
	var text string
	err := p.guard(ctx, p.sttCB, sttReasons, func(ctx context.Context) error {
		var err error
		text, err = p.stt.Transcribe(ctx, pcm)
		return err
	})
	if err != nil {
		p.log.Warn("pipeline_stt_failed",
			"provider", p.stt.Name(),
			"reason_code", errorsx.Reason(err),
			"error", err)
		return ""
	}
	return strings.TrimSpace(text)
}

func (p *Pipeline) GenerateResponse(ctx context.Context, conv *conversation.State, userText string) string {
	conv.AddUser(userText)
	messages := conv.Messages()

	var resp llm.Response
	err := p.guard(ctx, p.llmCB, llmReasons, func(ctx context.Context) error {
		var err error
		resp, err = p.llm.Generate(ctx, messages)
		return err
	})
	if err != nil {
		p.log.Warn("pipeline_llm_failed",
			"provider", p.llm.Name(),
			"reason_code", errorsx.Reason(err),
			"user_text", redact.Text(userText),
			"error", err)
		return FallbackReply
	}
	reply := strings.TrimSpace(resp.Text)
	if reply == "" {
		p.log.Info("pipeline_llm_empty", "provider", p.llm.Name(), "reason_code", errorsx.ReasonLLMEmpty)
		reply = EmptyReply
	}
	conv.AddAssistant(reply)
	return reply
}

func (p *Pipeline) TextToSpeech(ctx context.Context, text string) audio.PCM {
	if strings.TrimSpace(text) == "" {
		return audio.PCM{}
	}
	var pcm audio.PCM
	err := p.guard(ctx, p.ttsCB, ttsReasons, func(ctx context.Context) error {
		var err error
		pcm, err = p.tts.Synthesize(ctx, text)
		return err
	})
	if err != nil {
		p.log.Warn("pipeline_tts_failed",
			"provider", p.tts.Name(),
			"reason_code", errorsx.Reason(err),
			"error", err)
		return audio.PCM{}
	}
	if pcm.SampleRate <= 0 {
		p.log.Warn("pipeline_tts_failed", "provider", p.tts.Name(), "reason_code", errorsx.ReasonTTSDecode)
		return audio.PCM{}
	}
	return pcm
}

var _ pipeline.Pipeline = (*Pipeline)(nil)

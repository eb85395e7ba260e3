// Package deepgram transcribes buffered utterances with Deepgram's
// pre-recorded API.
package deepgram

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/harunnryd/altiora/pkg/adapters/stt"
	"github.com/harunnryd/altiora/pkg/audio"
	"github.com/harunnryd/altiora/pkg/configutil"
	"github.com/harunnryd/altiora/pkg/logging"
	"github.com/harunnryd/altiora/pkg/resilience"
)

type Config struct {
	APIKey      string `mapstructure:"api_key"`
	Host        string `mapstructure:"host"`
	Model       string `mapstructure:"model"`
	Language    string `mapstructure:"language"`
	SmartFormat *bool  `mapstructure:"smart_format"`
}

var settingsSchema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{"host", "model", "language", "smart_format"},
}

// ParseConfig validates and decodes vendors.stt.settings.
func ParseConfig(settings map[string]any) (Config, error) {
	var cfg Config
	if err := configutil.ValidateSettings(settings, settingsSchema); err != nil {
		return cfg, err
	}
	if err := configutil.DecodeSettings(settings, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// transcribeFunc posts a WAV stream and returns the top transcript.
type transcribeFunc func(ctx context.Context, wav []byte) (string, error)

type PrerecordedSTT struct {
	cfg        Config
	transcribe transcribeFunc
	logger     *slog.Logger
}

func New(cfg Config) *PrerecordedSTT {
	if cfg.Model == "" {
		cfg.Model = "nova-2-phonecall"
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	s := &PrerecordedSTT{
		cfg:    cfg,
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_stt"),
	}
	s.transcribe = s.sdkTranscribe
	return s
}

func (s *PrerecordedSTT) Name() string { return "deepgram_prerecorded" }

func (s *PrerecordedSTT) Transcribe(ctx context.Context, pcm audio.PCM) (string, error) {
	if pcm.Empty() {
		return "", nil
	}
	if s.cfg.APIKey == "" {
		return "", resilience.Permanent(errors.New("deepgram: missing api key"))
	}
	text, err := s.transcribe(ctx, audio.WrapWAV(pcm.Data, pcm.SampleRate))
	if err != nil {
		return "", mapError(err)
	}
	return strings.TrimSpace(text), nil
}

func (s *PrerecordedSTT) sdkTranscribe(ctx context.Context, wav []byte) (string, error) {
	dg := api.New(client.NewREST(s.cfg.APIKey, &interfaces.ClientOptions{Host: s.cfg.Host}))
	res, err := dg.FromStream(ctx, bytes.NewReader(wav), &interfaces.PreRecordedTranscriptionOptions{
		Model:       s.cfg.Model,
		Language:    s.cfg.Language,
		SmartFormat: configutil.BoolValue(s.cfg.SmartFormat, true),
		Punctuate:   true,
	})
	if err != nil {
		return "", err
	}
	if res == nil || res.Results == nil || len(res.Results.Channels) == 0 {
		s.logger.Debug("deepgram_empty_results", "model", s.cfg.Model)
		return "", nil
	}
	alts := res.Results.Channels[0].Alternatives
	if len(alts) == 0 {
		return "", nil
	}
	return alts[0].Transcript, nil
}

// mapError flags HTTP 429 from the SDK's error text as a rate limit.
func mapError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "429") || strings.Contains(strings.ToLower(msg), "too many requests") {
		return resilience.RateLimitError{Provider: "deepgram", Message: msg}
	}
	return err
}

var _ stt.Transcriber = (*PrerecordedSTT)(nil)

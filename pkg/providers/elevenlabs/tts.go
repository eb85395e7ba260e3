// Package elevenlabs synthesizes replies over ElevenLabs' stream-input
// websocket, one connection per utterance.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/altiora/pkg/adapters/tts"
	"github.com/harunnryd/altiora/pkg/audio"
	"github.com/harunnryd/altiora/pkg/configutil"
	"github.com/harunnryd/altiora/pkg/resilience"
)

const defaultBaseURL = "wss://api.elevenlabs.io"

type Config struct {
	APIKey       string        `mapstructure:"api_key"`
	VoiceID      string        `mapstructure:"voice_id"`
	ModelID      string        `mapstructure:"model_id"`
	OutputFormat string        `mapstructure:"output_format"`
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Stability    float64       `mapstructure:"stability"`
	Similarity   float64       `mapstructure:"similarity_boost"`
}

var settingsSchema = configutil.Schema{
	Required: []string{"api_key", "voice_id"},
	Optional: []string{"model_id", "output_format", "base_url", "timeout", "stability", "similarity_boost"},
}

// ParseConfig validates and decodes vendors.tts.settings.
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

type ElevenLabsTTS struct {
	cfg        Config
	sampleRate int
	mulaw      bool
}

func New(cfg Config) (*ElevenLabsTTS, error) {
	if cfg.APIKey == "" || cfg.VoiceID == "" {
		return nil, errors.New("missing elevenlabs config")
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "pcm_16000"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Stability == 0 {
		cfg.Stability = 0.5
	}
	if cfg.Similarity == 0 {
		cfg.Similarity = 0.8
	}
	rate, mulaw, err := parseOutputFormat(cfg.OutputFormat)
	if err != nil {
		return nil, err
	}
	return &ElevenLabsTTS{cfg: cfg, sampleRate: rate, mulaw: mulaw}, nil
}

func (s *ElevenLabsTTS) Name() string { return "elevenlabs_tts" }

// Synthesize opens a stream-input session, sends the whole text followed by
// the end-of-input marker, and collects audio until the final message.
func (s *ElevenLabsTTS) Synthesize(ctx context.Context, text string) (audio.PCM, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return audio.PCM{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, s.buildURL(), http.Header{
		"xi-api-key": []string{s.cfg.APIKey},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return audio.PCM{}, resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}
		}
		return audio.PCM{}, fmt.Errorf("elevenlabs dial: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	messages := []map[string]any{
		{
			"text": " ",
			"voice_settings": map[string]any{
				"stability":        s.cfg.Stability,
				"similarity_boost": s.cfg.Similarity,
			},
		},
		{"text": text + " ", "try_trigger_generation": true},
		{"text": ""},
	}
	for _, msg := range messages {
		if err := conn.WriteJSON(msg); err != nil {
			return audio.PCM{}, fmt.Errorf("elevenlabs send: %w", err)
		}
	}

	var raw []byte
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && len(raw) > 0 {
				break
			}
			if ctx.Err() != nil {
				return audio.PCM{}, ctx.Err()
			}
			return audio.PCM{}, fmt.Errorf("elevenlabs read: %w", err)
		}
		chunk, final, err := decodeMessage(data)
		if err != nil {
			return audio.PCM{}, fmt.Errorf("elevenlabs message: %w", err)
		}
		raw = append(raw, chunk...)
		if final {
			break
		}
	}

	if s.mulaw {
		raw = audio.DecodeMuLaw(raw)
	}
	return audio.PCM{Data: raw, SampleRate: s.sampleRate}, nil
}

func (s *ElevenLabsTTS) buildURL() string {
	base := strings.TrimRight(s.cfg.BaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(s.cfg.VoiceID) + "/stream-input"
	q := url.Values{}
	if s.cfg.ModelID != "" {
		q.Set("model_id", s.cfg.ModelID)
	}
	q.Set("output_format", s.cfg.OutputFormat)
	return base + "?" + q.Encode()
}

type streamMessage struct {
	Audio   string `json:"audio"`
	IsFinal *bool  `json:"isFinal"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func decodeMessage(data []byte) ([]byte, bool, error) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, false, err
	}
	if msg.Error != "" {
		return nil, false, fmt.Errorf("%s: %s", msg.Error, msg.Message)
	}
	final := msg.IsFinal != nil && *msg.IsFinal
	if msg.Audio == "" {
		return nil, final, nil
	}
	raw, err := base64.StdEncoding.DecodeString(msg.Audio)
	if err != nil {
		return nil, final, err
	}
	return raw, final, nil
}

// parseOutputFormat accepts pcm_<rate> and ulaw_8000.
func parseOutputFormat(format string) (int, bool, error) {
	kind, rateStr, ok := strings.Cut(format, "_")
	if !ok {
		return 0, false, fmt.Errorf("elevenlabs: unsupported output_format %q", format)
	}
	rate, err := strconv.Atoi(rateStr)
	if err != nil || rate <= 0 {
		return 0, false, fmt.Errorf("elevenlabs: bad sample rate in %q", format)
	}
	switch kind {
	case "pcm":
		return rate, false, nil
	case "ulaw":
		return rate, true, nil
	default:
		return 0, false, fmt.Errorf("elevenlabs: unsupported output_format %q", format)
	}
}

var _ tts.Synthesizer = (*ElevenLabsTTS)(nil)

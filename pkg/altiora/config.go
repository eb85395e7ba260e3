package altiora

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/harunnryd/altiora/pkg/configutil"
	"github.com/harunnryd/altiora/pkg/pipeline"
	"github.com/harunnryd/altiora/pkg/stream"
	"github.com/harunnryd/altiora/pkg/transports/twilio"
)

// EnvPrefix prefixes environment overrides: ALTIORA_AUDIO_FRAME_SIZE sets
// audio.frame_size.
const EnvPrefix = "ALTIORA"

type Config struct {
	Pipeline       PipelineConfig `mapstructure:"pipeline"`
	Audio          AudioConfig    `mapstructure:"audio"`
	Agent          AgentConfig    `mapstructure:"agent"`
	Vendors        VendorsConfig  `mapstructure:"vendors"`
	Twilio         twilio.Config  `mapstructure:"twilio"`
	Webhook        WebhookConfig  `mapstructure:"webhook"`
	Metrics        MetricsConfig  `mapstructure:"metrics"`
	Privacy        PrivacyConfig  `mapstructure:"privacy"`
	Environment    string         `mapstructure:"environment"`
	LogLevel       string         `mapstructure:"log_level"`
	LogFormat      string         `mapstructure:"log_format"`
	DrainTimeoutMS int            `mapstructure:"drain_timeout_ms"`
}

type PipelineConfig struct {
	// Mode selects the pipeline variant: mock or live.
	Mode              string `mapstructure:"mode"`
	Retries           int    `mapstructure:"retries"`
	RetryBackoffMS    int    `mapstructure:"retry_backoff_ms"`
	BreakerThreshold  int    `mapstructure:"breaker_threshold"`
	BreakerCooldownMS int    `mapstructure:"breaker_cooldown_ms"`
}

type AudioConfig struct {
	FrameSize             int     `mapstructure:"frame_size"`
	SilenceThresholdMS    int     `mapstructure:"silence_threshold_ms"`
	MinBufferedBytes      int     `mapstructure:"min_buffered_bytes"`
	SpeechEnergyThreshold float64 `mapstructure:"speech_energy_threshold"`
	EnergyWindowBytes     int     `mapstructure:"energy_window_bytes"`
	PollIntervalMS        int     `mapstructure:"poll_interval_ms"`
	IdleTimeoutMS         int     `mapstructure:"idle_timeout_ms"`
	GreetingDelayMS       int     `mapstructure:"greeting_delay_ms"`
}

type AgentConfig struct {
	SystemPrompt string `mapstructure:"system_prompt"`
	Greeting     string `mapstructure:"greeting"`
	BusinessID   string `mapstructure:"business_id"`
	AgentID      string `mapstructure:"agent_id"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	TTS VendorConfig `mapstructure:"tts"`
	LLM VendorConfig `mapstructure:"llm"`
}

type WebhookConfig struct {
	URL            string `mapstructure:"url"`
	Token          string `mapstructure:"token"`
	TimeoutMS      int    `mapstructure:"timeout_ms"`
	QueueSize      int    `mapstructure:"queue_size"`
	Retries        int    `mapstructure:"retries"`
	RetryBackoffMS int    `mapstructure:"retry_backoff_ms"`
}

type MetricsConfig struct {
	// JSONLPath appends every metrics event to a file when set.
	JSONLPath string `mapstructure:"jsonl_path"`
	Buffer    int    `mapstructure:"buffer"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pipeline.mode", pipeline.ModeMock)
	v.SetDefault("pipeline.retries", 1)
	v.SetDefault("pipeline.retry_backoff_ms", 200)
	v.SetDefault("pipeline.breaker_threshold", 3)
	v.SetDefault("pipeline.breaker_cooldown_ms", 10000)
	v.SetDefault("audio.frame_size", 160)
	v.SetDefault("audio.silence_threshold_ms", 1500)
	v.SetDefault("audio.min_buffered_bytes", 3200)
	v.SetDefault("audio.speech_energy_threshold", 500)
	v.SetDefault("audio.energy_window_bytes", 640)
	v.SetDefault("audio.poll_interval_ms", 100)
	v.SetDefault("audio.idle_timeout_ms", 60000)
	v.SetDefault("audio.greeting_delay_ms", 500)
	v.SetDefault("agent.system_prompt", stream.DefaultSystemPrompt)
	v.SetDefault("agent.greeting", stream.DefaultGreeting)
	v.SetDefault("agent.business_id", "")
	v.SetDefault("agent.agent_id", "")
	v.SetDefault("vendors.stt.provider", "openai")
	v.SetDefault("vendors.llm.provider", "openai")
	v.SetDefault("vendors.tts.provider", "elevenlabs")
	v.SetDefault("twilio.server_addr", ":8000")
	v.SetDefault("twilio.public_url", "")
	v.SetDefault("twilio.account_sid", "")
	v.SetDefault("twilio.auth_token", "")
	v.SetDefault("twilio.phone_number", "")
	v.SetDefault("twilio.voice_path", "/voice/inbound")
	v.SetDefault("twilio.ws_path", "/voice/stream")
	v.SetDefault("twilio.status_callback_path", "/voice/status")
	v.SetDefault("twilio.outbound_path", "/voice/outbound")
	v.SetDefault("twilio.stream_name", "altiora-stream")
	v.SetDefault("twilio.allow_any_origin", true)
	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.token", "")
	v.SetDefault("webhook.timeout_ms", 5000)
	v.SetDefault("webhook.queue_size", 256)
	v.SetDefault("webhook.retries", 2)
	v.SetDefault("webhook.retry_backoff_ms", 250)
	v.SetDefault("metrics.jsonl_path", "")
	v.SetDefault("metrics.buffer", 1024)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("drain_timeout_ms", 10000)
}

// LoadConfig reads path (YAML, TOML or JSON by extension) over the defaults
// and applies ALTIORA_ environment overrides. An empty path loads defaults
// and environment only. The result is validated and never changes after.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// LoadEnvFile exports the variables of a dotenv file without overriding
// ones already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Pipeline.Mode)) {
	case pipeline.ModeMock:
	case pipeline.ModeLive:
		if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
			return fmt.Errorf("vendors.stt.provider is required")
		}
		if strings.TrimSpace(c.Vendors.TTS.Provider) == "" {
			return fmt.Errorf("vendors.tts.provider is required")
		}
		if strings.TrimSpace(c.Vendors.LLM.Provider) == "" {
			return fmt.Errorf("vendors.llm.provider is required")
		}
	default:
		return fmt.Errorf("pipeline.mode must be %q or %q, got %q", pipeline.ModeMock, pipeline.ModeLive, c.Pipeline.Mode)
	}
	if c.Audio.FrameSize <= 0 {
		return fmt.Errorf("audio.frame_size must be positive")
	}
	if c.Audio.SilenceThresholdMS <= 0 {
		return fmt.Errorf("audio.silence_threshold_ms must be positive")
	}
	if c.Audio.MinBufferedBytes <= 0 {
		return fmt.Errorf("audio.min_buffered_bytes must be positive")
	}
	if c.Audio.SpeechEnergyThreshold <= 0 {
		return fmt.Errorf("audio.speech_energy_threshold must be positive")
	}
	if c.Audio.PollIntervalMS <= 0 {
		return fmt.Errorf("audio.poll_interval_ms must be positive")
	}
	if c.Audio.IdleTimeoutMS <= 0 {
		return fmt.Errorf("audio.idle_timeout_ms must be positive")
	}
	if c.Audio.GreetingDelayMS < 0 {
		return fmt.Errorf("audio.greeting_delay_ms must not be negative")
	}
	return nil
}

// StreamConfig is the per-call policy handed to the stream handler.
func (c Config) StreamConfig() stream.Config {
	return stream.Config{
		FrameSize: c.Audio.FrameSize,
		Thresholds: stream.Thresholds{
			Silence:          configutil.Millis(c.Audio.SilenceThresholdMS, 1500*time.Millisecond),
			MinBufferedBytes: c.Audio.MinBufferedBytes,
			SpeechEnergy:     c.Audio.SpeechEnergyThreshold,
		},
		EnergyWindow:   c.Audio.EnergyWindowBytes,
		PollInterval:   configutil.Millis(c.Audio.PollIntervalMS, 100*time.Millisecond),
		IdleTimeout:    configutil.Millis(c.Audio.IdleTimeoutMS, 60*time.Second),
		GreetingDelay:  time.Duration(c.Audio.GreetingDelayMS) * time.Millisecond,
		SystemPrompt:   c.Agent.SystemPrompt,
		Greeting:       c.Agent.Greeting,
		BusinessID:     c.Agent.BusinessID,
		AgentID:        c.Agent.AgentID,
		WebhookTimeout: configutil.Millis(c.Webhook.TimeoutMS, 5*time.Second),
	}
}

// TwilioConfig carries the agent identifiers into the stream parameters.
func (c Config) TwilioConfig() twilio.Config {
	tc := c.Twilio
	tc.BusinessID = c.Agent.BusinessID
	tc.AgentID = c.Agent.AgentID
	return tc
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}

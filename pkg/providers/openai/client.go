// Package openai adapts the OpenAI API (or any compatible endpoint set via
// base_url) to the STT, LLM and TTS adapter contracts.
package openai

import (
	"errors"
	"net/http"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/harunnryd/altiora/pkg/configutil"
	"github.com/harunnryd/altiora/pkg/resilience"
)

const providerName = "openai"

// Config is decoded from vendors.<stage>.settings.
type Config struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Language    string        `mapstructure:"language"`
	Voice       string        `mapstructure:"voice"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float32       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

var settingsSchema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{"base_url", "model", "language", "voice", "max_tokens", "temperature", "timeout"},
}

// ParseConfig validates and decodes a settings map.
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

func newClient(cfg Config) *goopenai.Client {
	c := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c.HTTPClient = &http.Client{Timeout: timeout}
	return goopenai.NewClientWithConfig(c)
}

// mapError turns 429 responses into resilience.RateLimitError and 4xx
// responses into permanent errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	status := 0
	var apiErr *goopenai.APIError
	var reqErr *goopenai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	switch {
	case status == http.StatusTooManyRequests:
		return resilience.RateLimitError{Provider: providerName, Message: err.Error()}
	case status >= 400 && status < 500:
		return resilience.Permanent(err)
	default:
		return err
	}
}

package altiora

import (
	"fmt"
	"strings"

	"github.com/harunnryd/altiora/pkg/adapters/stt"
	"github.com/harunnryd/altiora/pkg/adapters/tts"
	"github.com/harunnryd/altiora/pkg/llm"
	"github.com/harunnryd/altiora/pkg/providers/deepgram"
	"github.com/harunnryd/altiora/pkg/providers/elevenlabs"
	"github.com/harunnryd/altiora/pkg/providers/openai"
)

type STTFactory func(settings map[string]any) (stt.Transcriber, error)
type TTSFactory func(settings map[string]any) (tts.Synthesizer, error)
type LLMFactory func(settings map[string]any) (llm.LLMAdapter, error)

// ProviderRegistry maps vendors.*.provider names to adapter constructors.
type ProviderRegistry struct {
	stt map[string]STTFactory
	tts map[string]TTSFactory
	llm map[string]LLMFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt: make(map[string]STTFactory),
		tts: make(map[string]TTSFactory),
		llm: make(map[string]LLMFactory),
	}
}

// DefaultProviderRegistry knows every vendor shipped in pkg/providers.
func DefaultProviderRegistry() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterSTT("openai", func(settings map[string]any) (stt.Transcriber, error) {
		cfg, err := openai.ParseConfig(settings)
		if err != nil {
			return nil, err
		}
		return openai.NewWhisperSTT(cfg), nil
	})
	r.RegisterSTT("deepgram", func(settings map[string]any) (stt.Transcriber, error) {
		cfg, err := deepgram.ParseConfig(settings)
		if err != nil {
			return nil, err
		}
		return deepgram.New(cfg), nil
	})
	r.RegisterLLM("openai", func(settings map[string]any) (llm.LLMAdapter, error) {
		cfg, err := openai.ParseConfig(settings)
		if err != nil {
			return nil, err
		}
		return openai.NewChatLLM(cfg), nil
	})
	r.RegisterTTS("openai", func(settings map[string]any) (tts.Synthesizer, error) {
		cfg, err := openai.ParseConfig(settings)
		if err != nil {
			return nil, err
		}
		return openai.NewSpeechTTS(cfg), nil
	})
	r.RegisterTTS("elevenlabs", func(settings map[string]any) (tts.Synthesizer, error) {
		cfg, err := elevenlabs.ParseConfig(settings)
		if err != nil {
			return nil, err
		}
		return elevenlabs.New(cfg)
	})
	return r
}

func normalizeProvider(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *ProviderRegistry) RegisterSTT(name string, factory STTFactory) {
	r.stt[normalizeProvider(name)] = factory
}

func (r *ProviderRegistry) RegisterTTS(name string, factory TTSFactory) {
	r.tts[normalizeProvider(name)] = factory
}

func (r *ProviderRegistry) RegisterLLM(name string, factory LLMFactory) {
	r.llm[normalizeProvider(name)] = factory
}

func (r *ProviderRegistry) BuildSTT(v VendorConfig) (stt.Transcriber, error) {
	fn := r.stt[normalizeProvider(v.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", v.Provider)
	}
	return fn(v.Settings)
}

func (r *ProviderRegistry) BuildTTS(v VendorConfig) (tts.Synthesizer, error) {
	fn := r.tts[normalizeProvider(v.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", v.Provider)
	}
	return fn(v.Settings)
}

func (r *ProviderRegistry) BuildLLM(v VendorConfig) (llm.LLMAdapter, error) {
	fn := r.llm[normalizeProvider(v.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", v.Provider)
	}
	return fn(v.Settings)
}

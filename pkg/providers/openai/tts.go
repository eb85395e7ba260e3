package openai

import (
	"context"
	"fmt"
	"io"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/harunnryd/altiora/pkg/adapters/tts"
	"github.com/harunnryd/altiora/pkg/audio"
)

// speechRate is the fixed rate of the speech API's raw pcm format.
const speechRate = 24000

// SpeechTTS requests raw PCM from the speech endpoint.
type SpeechTTS struct {
	client *goopenai.Client
	model  goopenai.SpeechModel
	voice  goopenai.SpeechVoice
}

func NewSpeechTTS(cfg Config) *SpeechTTS {
	model := goopenai.SpeechModel(cfg.Model)
	if model == "" {
		model = goopenai.TTSModel1
	}
	voice := goopenai.SpeechVoice(cfg.Voice)
	if voice == "" {
		voice = goopenai.VoiceAlloy
	}
	return &SpeechTTS{client: newClient(cfg), model: model, voice: voice}
}

func (s *SpeechTTS) Name() string { return "openai_speech" }

func (s *SpeechTTS) Synthesize(ctx context.Context, text string) (audio.PCM, error) {
	resp, err := s.client.CreateSpeech(ctx, goopenai.CreateSpeechRequest{
		Model:          s.model,
		Input:          text,
		Voice:          s.voice,
		ResponseFormat: goopenai.SpeechResponseFormatPcm,
	})
	if err != nil {
		return audio.PCM{}, mapError(err)
	}
	defer resp.Close()
	data, err := io.ReadAll(resp)
	if err != nil {
		return audio.PCM{}, fmt.Errorf("read speech body: %w", err)
	}
	return audio.PCM{Data: data, SampleRate: speechRate}, nil
}

var _ tts.Synthesizer = (*SpeechTTS)(nil)

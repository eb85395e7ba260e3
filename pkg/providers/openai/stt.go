package openai

import (
	"bytes"
	"context"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/harunnryd/altiora/pkg/adapters/stt"
	"github.com/harunnryd/altiora/pkg/audio"
)

// WhisperSTT sends each utterance as a WAV upload to the transcription API.
type WhisperSTT struct {
	client   *goopenai.Client
	model    string
	language string
}

func NewWhisperSTT(cfg Config) *WhisperSTT {
	model := cfg.Model
	if model == "" {
		model = goopenai.Whisper1
	}
	language := cfg.Language
	if language == "" {
		language = "en"
	}
	return &WhisperSTT{client: newClient(cfg), model: model, language: language}
}

func (w *WhisperSTT) Name() string { return "openai_whisper" }

func (w *WhisperSTT) Transcribe(ctx context.Context, pcm audio.PCM) (string, error) {
	if pcm.Empty() {
		return "", nil
	}
	resp, err := w.client.CreateTranscription(ctx, goopenai.AudioRequest{
		Model:    w.model,
		Language: w.language,
		Format:   goopenai.AudioResponseFormatJSON,
		Reader:   bytes.NewReader(audio.WrapWAV(pcm.Data, pcm.SampleRate)),
		FilePath: "audio.wav",
	})
	if err != nil {
		return "", mapError(err)
	}
	return strings.TrimSpace(resp.Text), nil
}

var _ stt.Transcriber = (*WhisperSTT)(nil)

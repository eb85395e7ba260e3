// Package mock provides a deterministic Pipeline for running calls without
// any remote vendor.
package mock

import (
	"context"
	"encoding/binary"
	"math"
	"sync"

	"github.com/harunnryd/altiora/pkg/audio"
	"github.com/harunnryd/altiora/pkg/conversation"
	"github.com/harunnryd/altiora/pkg/pipeline"
)

const (
	Transcript = "Hello, this is a test."

	toneRate       = audio.TelephonyRate
	toneHz         = 440.0
	toneAmplitude  = 8000.0
	secondsPerRune = 0.06
	minToneSeconds = 1.0
)

// Responses are returned in rotation.
var Responses = []string{
	"I understand. Let me help you with that.",
	"That's a great question.",
	"Is there anything else I can help you with?",
}

type Pipeline struct {
	mu   sync.Mutex
	next int
}

func New() *Pipeline {
	return &Pipeline{}
}

func (p *Pipeline) SpeechToText(ctx context.Context, pcm audio.PCM) string {
	if pcm.Empty() {
		return ""
	}
	return Transcript
}

func (p *Pipeline) GenerateResponse(ctx context.Context, conv *conversation.State, userText string) string {
	conv.AddUser(userText)
	p.mu.Lock()
	reply := Responses[p.next%len(Responses)]
	p.next++
	p.mu.Unlock()
	conv.AddAssistant(reply)
	return reply
}

func (p *Pipeline) TextToSpeech(ctx context.Context, text string) audio.PCM {
	return Tone(text)
}

// Tone is the waveform TextToSpeech returns for text: a 440Hz sine at 8kHz
// whose amplitude decays linearly to zero, lasting 60ms per character with a
// one second floor.
func Tone(text string) audio.PCM {
	seconds := math.Max(minToneSeconds, float64(len(text))*secondsPerRune)
	samples := int(toneRate * seconds)
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		t := float64(i) / toneRate
		amp := toneAmplitude * math.Max(0, 1-t/seconds)
		v := int16(amp * math.Sin(2*math.Pi*toneHz*t))
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return audio.PCM{Data: out, SampleRate: toneRate}
}

var _ pipeline.Pipeline = (*Pipeline)(nil)

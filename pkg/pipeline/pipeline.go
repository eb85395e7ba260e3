// Package pipeline defines the speech capability a call session drives:
// recognize the caller, produce a reply, and voice it.
//
// None of the operations return errors. Implementations absorb remote
// failures and report them through the zero value of their result.
package pipeline

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/harunnryd/altiora/pkg/audio"
	"github.com/harunnryd/altiora/pkg/conversation"
)

const (
	ModeMock = "mock"
	ModeLive = "live"
)

// Pipeline is implemented by the mock and live variants.
type Pipeline interface {
	// SpeechToText returns the transcript or "" on any failure.
	SpeechToText(ctx context.Context, pcm audio.PCM) string
	// GenerateResponse appends userText as a user turn before anything
	// else, and appends the reply as an assistant turn only on success.
	// On failure it returns a fixed apology.
	GenerateResponse(ctx context.Context, conv *conversation.State, userText string) string
	// TextToSpeech returns empty PCM on failure.
	TextToSpeech(ctx context.Context, text string) audio.PCM
}

// MinSpeechChars is the shortest trimmed transcript treated as speech.
const MinSpeechChars = 2

// IsSpeech reports whether a transcript carries real caller speech.
func IsSpeech(text string) bool {
	return utf8.RuneCountInString(strings.TrimSpace(text)) >= MinSpeechChars
}

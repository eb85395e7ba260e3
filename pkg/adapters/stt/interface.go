// Package stt declares the speech recognizer contract behind the live
// pipeline.
package stt

import (
	"context"

	"github.com/harunnryd/altiora/pkg/audio"
)

// Transcriber turns one buffered caller utterance into text.
type Transcriber interface {
	Name() string
	// Transcribe returns the recognized text. Empty text with a nil error
	// means the vendor heard nothing.
	Transcribe(ctx context.Context, pcm audio.PCM) (string, error)
}

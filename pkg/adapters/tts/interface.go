// Package tts declares the speech synthesizer contract behind the live
// pipeline.
package tts

import (
	"context"

	"github.com/harunnryd/altiora/pkg/audio"
)

// Synthesizer renders a full reply to PCM16 at the vendor's native rate.
// Callers resample to telephony rate.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, text string) (audio.PCM, error)
}

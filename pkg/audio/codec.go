// Package audio converts between Twilio mu-law frames and linear PCM16.
// Every function here is pure and safe for concurrent use.
package audio

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/zaf/g711"
)

const (
	// TelephonyRate is the Twilio media stream sample rate.
	TelephonyRate = 8000
	// RecognizerRate is the rate caller audio is buffered at for STT.
	RecognizerRate = 16000
	// MuLawSilence is the mu-law encoding of a zero sample.
	MuLawSilence byte = 0xFF
	// DefaultFrameSize is 20ms of 8kHz mu-law.
	DefaultFrameSize = 160
)

// ErrFrameSize is returned by Chunk for a non-positive frame size.
var ErrFrameSize = errors.New("audio: frame size must be positive")

// PCM is little-endian signed 16-bit mono audio at SampleRate.
type PCM struct {
	Data       []byte
	SampleRate int
}

// Empty reports whether there is nothing to play or transcribe.
func (p PCM) Empty() bool { return len(p.Data) < 2 }

// Duration of the samples at the PCM's rate.
func (p PCM) Duration() time.Duration {
	if p.SampleRate <= 0 {
		return 0
	}
	samples := len(p.Data) / 2
	return time.Duration(samples) * time.Second / time.Duration(p.SampleRate)
}

// DecodeMuLaw expands 8-bit mu-law to PCM16.
func DecodeMuLaw(mulaw []byte) []byte {
	if len(mulaw) == 0 {
		return []byte{}
	}
	return g711.DecodeUlaw(mulaw)
}

// EncodeMuLaw compresses PCM16 to 8-bit mu-law. A trailing odd byte is ignored.
func EncodeMuLaw(pcm []byte) []byte {
	pcm = pcm[:len(pcm)&^1]
	if len(pcm) == 0 {
		return []byte{}
	}
	return g711.EncodeUlaw(pcm)
}

// DecodeCallerFrame turns one inbound mu-law payload into PCM16 at 16kHz.
func DecodeCallerFrame(payload []byte) []byte {
	return Resample(DecodeMuLaw(payload), TelephonyRate, RecognizerRate)
}

// EncodeOutboundFrame turns PCM16 at inputRate into 8kHz mu-law.
func EncodeOutboundFrame(pcm []byte, inputRate int) []byte {
	return EncodeMuLaw(Resample(pcm, inputRate, TelephonyRate))
}

// Chunk splits b into frames of exactly frameSize bytes. The final short
// frame is padded with mu-law silence.
func Chunk(b []byte, frameSize int) ([][]byte, error) {
	if frameSize <= 0 {
		return nil, ErrFrameSize
	}
	if len(b) == 0 {
		return nil, nil
	}
	frames := make([][]byte, 0, (len(b)+frameSize-1)/frameSize)
	for off := 0; off < len(b); off += frameSize {
		frame := make([]byte, frameSize)
		n := copy(frame, b[off:])
		for i := n; i < frameSize; i++ {
			frame[i] = MuLawSilence
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// FrameDuration is the playback time of a mu-law frame at 8kHz, one byte
// per sample.
func FrameDuration(frameSize int) time.Duration {
	if frameSize <= 0 {
		return 0
	}
	return time.Duration(frameSize) * time.Second / TelephonyRate
}

// Energy is the mean absolute sample value over at most the first maxBytes
// bytes of pcm. A non-positive maxBytes scans the whole buffer.
func Energy(pcm []byte, maxBytes int) float64 {
	if maxBytes > 0 && len(pcm) > maxBytes {
		pcm = pcm[:maxBytes]
	}
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < samples; i++ {
		v := int64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
		if v < 0 {
			v = -v
		}
		sum += v
	}
	return float64(sum) / float64(samples)
}

package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const wavHeaderSize = 44

var (
	ErrNotWAV         = errors.New("audio: not a RIFF/WAVE container")
	ErrUnsupportedWAV = errors.New("audio: only 16-bit mono PCM is supported")
)

// WrapWAV frames PCM16 mono in a canonical 44-byte RIFF/WAVE header.
func WrapWAV(pcm []byte, sampleRate int) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(pcm)))
	le := binary.LittleEndian
	var u32 [4]byte
	var u16 [2]byte
	put32 := func(v uint32) { le.PutUint32(u32[:], v); buf.Write(u32[:]) }
	put16 := func(v uint16) { le.PutUint16(u16[:], v); buf.Write(u16[:]) }

	buf.WriteString("RIFF")
	put32(uint32(36 + len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	put32(16)
	put16(1) // PCM
	put16(1) // mono
	put32(uint32(sampleRate))
	put32(uint32(sampleRate * 2))
	put16(2)
	put16(16)
	buf.WriteString("data")
	put32(uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

// UnwrapWAV extracts the PCM16 samples and sample rate from a WAV file.
// Unknown chunks before "data" are skipped.
func UnwrapWAV(b []byte) ([]byte, int, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return nil, 0, ErrNotWAV
	}
	le := binary.LittleEndian
	sampleRate := 0
	haveFmt := false
	off := 12
	for off+8 <= len(b) {
		id := string(b[off : off+4])
		size := int(le.Uint32(b[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(b) {
			if id == "data" {
				return nil, 0, fmt.Errorf("audio: truncated data chunk: want %d bytes, have %d", size, len(b)-body)
			}
			return nil, 0, fmt.Errorf("audio: truncated %q chunk", id)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, fmt.Errorf("audio: short fmt chunk (%d bytes)", size)
			}
			format := le.Uint16(b[body:])
			channels := le.Uint16(b[body+2:])
			bits := le.Uint16(b[body+14:])
			if format != 1 || channels != 1 || bits != 16 {
				return nil, 0, ErrUnsupportedWAV
			}
			sampleRate = int(le.Uint32(b[body+4:]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, 0, errors.New("audio: data chunk before fmt chunk")
			}
			pcm := make([]byte, size)
			copy(pcm, b[body:body+size])
			return pcm, sampleRate, nil
		}
		off = body + size + size&1
	}
	return nil, 0, errors.New("audio: missing data chunk")
}

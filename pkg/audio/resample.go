package audio

import "encoding/binary"

// Resample converts PCM16 from one rate to another with linear
// interpolation. Equal rates return the input unchanged.
func Resample(pcm []byte, from, to int) []byte {
	if from == to || from <= 0 || to <= 0 {
		return pcm
	}
	in := len(pcm) / 2
	if in == 0 {
		return []byte{}
	}
	out := int(int64(in) * int64(to) / int64(from))
	if out == 0 {
		out = 1
	}
	dst := make([]byte, out*2)
	step := float64(from) / float64(to)
	for i := 0; i < out; i++ {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= in-1 {
			copy(dst[2*i:], pcm[2*(in-1):2*in])
			continue
		}
		frac := pos - float64(idx)
		a := float64(sampleAt(pcm, idx))
		b := float64(sampleAt(pcm, idx+1))
		binary.LittleEndian.PutUint16(dst[2*i:], uint16(clamp16(a+(b-a)*frac)))
	}
	return dst
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[2*i:]))
}

func clamp16(v float64) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	case v >= 0:
		return int16(v + 0.5)
	default:
		return int16(v - 0.5)
	}
}

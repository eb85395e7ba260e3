package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/matryer/is"
)

func tone(samples int, amp float64) []byte {
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(amp * math.Sin(2*math.Pi*440*float64(i)/8000))
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

func TestWAVRoundTrip(t *testing.T) {
	is := is.New(t)
	for _, rate := range []int{8000, 16000, 24000} {
		pcm := tone(321, 9000)
		got, gotRate, err := UnwrapWAV(WrapWAV(pcm, rate))
		is.NoErr(err)
		is.Equal(gotRate, rate)
		is.True(bytes.Equal(got, pcm))
	}
	got, rate, err := UnwrapWAV(WrapWAV(nil, 16000))
	is.NoErr(err)
	is.Equal(rate, 16000)
	is.Equal(len(got), 0)
}

func TestUnwrapWAVRejectsGarbage(t *testing.T) {
	is := is.New(t)
	_, _, err := UnwrapWAV([]byte("not a wav file at all"))
	is.True(err == ErrNotWAV)

	wav := WrapWAV(tone(100, 1000), 8000)
	_, _, err = UnwrapWAV(wav[:len(wav)-10])
	is.True(err != nil) // truncated data

	stereo := WrapWAV(tone(100, 1000), 8000)
	binary.LittleEndian.PutUint16(stereo[22:], 2)
	_, _, err = UnwrapWAV(stereo)
	is.True(err == ErrUnsupportedWAV)
}

func TestMuLawSilenceStaysSilent(t *testing.T) {
	is := is.New(t)
	silence := bytes.Repeat([]byte{MuLawSilence}, 160)
	pcm := DecodeMuLaw(silence)
	is.Equal(len(pcm), 320)
	is.True(Energy(pcm, 640) < 1)

	back := DecodeMuLaw(EncodeMuLaw(make([]byte, 320)))
	is.True(Energy(back, 0) < 1)
}

func TestMuLawRoundTripKeepsEnergy(t *testing.T) {
	is := is.New(t)
	pcm := tone(800, 8000)
	back := DecodeMuLaw(EncodeMuLaw(pcm))
	want := Energy(pcm, 0)
	got := Energy(back, 0)
	is.True(math.Abs(got-want)/want < 0.05)
}

func TestDecodeCallerFrameDoublesRate(t *testing.T) {
	is := is.New(t)
	out := DecodeCallerFrame(bytes.Repeat([]byte{0x10}, 160))
	is.Equal(len(out), 160*2*2)
	is.Equal(len(DecodeCallerFrame(nil)), 0)
}

func TestEncodeOutboundFrame(t *testing.T) {
	is := is.New(t)
	is.Equal(len(EncodeOutboundFrame(tone(1600, 4000), 16000)), 800)
	is.Equal(len(EncodeOutboundFrame(tone(800, 4000), 8000)), 800)
	is.Equal(len(EncodeOutboundFrame(nil, 24000)), 0)
}

func TestResampleEdges(t *testing.T) {
	is := is.New(t)
	pcm := tone(10, 1000)
	is.True(bytes.Equal(Resample(pcm, 8000, 8000), pcm))
	is.Equal(len(Resample([]byte{}, 8000, 16000)), 0)
	is.Equal(len(Resample(nil, 16000, 8000)), 0)
	is.Equal(len(Resample(tone(2400, 1000), 24000, 8000)), 1600)
}

func TestResampleInterpolates(t *testing.T) {
	is := is.New(t)
	in := make([]byte, 4)
	binary.LittleEndian.PutUint16(in[0:], uint16(int16(0)))
	binary.LittleEndian.PutUint16(in[2:], uint16(int16(1000)))
	out := Resample(in, 8000, 16000)
	is.Equal(len(out), 8)
	is.Equal(int16(binary.LittleEndian.Uint16(out[2:])), int16(500))
}

func TestChunkPadsWithSilence(t *testing.T) {
	is := is.New(t)
	for _, tc := range []struct{ n, size int }{{0, 160}, {1, 160}, {160, 160}, {161, 160}, {999, 320}} {
		in := bytes.Repeat([]byte{0x01}, tc.n)
		frames, err := Chunk(in, tc.size)
		is.NoErr(err)
		total := 0
		for _, f := range frames {
			is.Equal(len(f), tc.size)
			total += len(f)
		}
		is.Equal(total, (tc.n+tc.size-1)/tc.size*tc.size)
		if rem := tc.n % tc.size; rem != 0 {
			last := frames[len(frames)-1]
			is.Equal(last[rem-1], byte(0x01))
			is.True(bytes.Equal(last[rem:], bytes.Repeat([]byte{MuLawSilence}, tc.size-rem)))
		}
	}
	_, err := Chunk([]byte{1}, 0)
	is.True(err == ErrFrameSize)
}

func TestFrameDuration(t *testing.T) {
	is := is.New(t)
	is.Equal(FrameDuration(160), 20*time.Millisecond)
	is.Equal(FrameDuration(320), 40*time.Millisecond)
	is.Equal(FrameDuration(0), time.Duration(0))
}

func TestEnergyWindow(t *testing.T) {
	is := is.New(t)
	loud := make([]byte, 640)
	sample := int16(-600)
	for i := 0; i < 320; i++ {
		binary.LittleEndian.PutUint16(loud[2*i:], uint16(sample))
	}
	frame := append(loud, make([]byte, 640)...)
	is.Equal(Energy(frame, 640), 600.0)
	is.Equal(Energy(frame, 0), 300.0)
	is.Equal(Energy(nil, 640), 0.0)
}

func TestPCMDuration(t *testing.T) {
	is := is.New(t)
	is.Equal(PCM{Data: make([]byte, 16000), SampleRate: 8000}.Duration(), time.Second)
	is.True(PCM{}.Empty())
}

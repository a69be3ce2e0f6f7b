// Package audio holds the PCM helpers shared by the pipeline: format math,
// energy, resampling and the G.711 mu-law codec used on phone transports.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Format describes raw linear PCM.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// PCM16Mono returns the 16-bit little-endian mono format at the given rate.
func PCM16Mono(sampleRate int) Format {
	return Format{SampleRate: sampleRate, Channels: 1, BitsPerSample: 16}
}

// BytesPerSecond is the byte rate of the format.
func (f Format) BytesPerSecond() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	bits := f.BitsPerSample
	if bits <= 0 {
		bits = 16
	}
	return f.SampleRate * ch * bits / 8
}

// FrameSize is the number of bytes in one sample across all channels.
func (f Format) FrameSize() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	bits := f.BitsPerSample
	if bits <= 0 {
		bits = 16
	}
	return ch * bits / 8
}

// Duration returns how long n bytes take to play.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Bytes returns the byte count for d of audio, rounded down to whole frames.
func (f Format) Bytes(d time.Duration) int {
	bps := f.BytesPerSecond()
	if bps <= 0 || d <= 0 {
		return 0
	}
	n := int(int64(bps) * int64(d) / int64(time.Second))
	fs := f.FrameSize()
	return n - n%fs
}

// RMS computes the root-mean-square amplitude of 16-bit LE samples.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Int16s decodes 16-bit LE bytes into samples.
func Int16s(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Bytes16 encodes samples as 16-bit LE bytes.
func Bytes16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Resample converts 16-bit mono PCM between sample rates using linear
// interpolation. Equal rates return the input unchanged.
func Resample(pcm []byte, from, to int) []byte {
	if from == to || from <= 0 || to <= 0 || len(pcm) < 2 {
		return pcm
	}
	in := Int16s(pcm)
	outLen := int(int64(len(in)) * int64(to) / int64(from))
	if outLen == 0 {
		return nil
	}
	out := make([]int16, outLen)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = int16(float64(in[j])*(1-frac) + float64(in[j+1])*frac)
	}
	return Bytes16(out)
}

const (
	muLawBias = 0x84
	muLawClip = 32635
)

// MuLawEncode converts 16-bit LE PCM into G.711 mu-law bytes.
func MuLawEncode(pcm []byte) []byte {
	samples := Int16s(pcm)
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = linearToMuLaw(s)
	}
	return out
}

// MuLawDecode converts G.711 mu-law bytes into 16-bit LE PCM.
func MuLawDecode(ulaw []byte) []byte {
	out := make([]int16, len(ulaw))
	for i, b := range ulaw {
		out[i] = muLawToLinear(b)
	}
	return Bytes16(out)
}

func linearToMuLaw(sample int16) byte {
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > muLawClip {
		s = muLawClip
	}
	s += muLawBias
	exponent := 7
	for mask := 0x4000; s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

func muLawToLinear(b byte) int16 {
	u := ^b
	sign := u & 0x80
	exponent := int(u>>4) & 0x07
	mantissa := int(u & 0x0F)
	s := ((mantissa << 3) + muLawBias) << exponent
	s -= muLawBias
	if sign != 0 {
		return int16(-s)
	}
	return int16(s)
}

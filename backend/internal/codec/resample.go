package codec

import (
	"encoding/binary"
	"math"
)

// Resample converts samples from fromRate to toRate using linear interpolation.
// Equal rates return the input slice itself. The output holds
// floor(len(samples) * toRate / fromRate) samples; non-positive rates yield
// an empty result.
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate {
		return samples
	}
	if fromRate <= 0 || toRate <= 0 || len(samples) == 0 {
		return []int16{}
	}

	outLen := int(int64(len(samples)) * int64(toRate) / int64(fromRate))
	out := make([]int16, outLen)
	last := len(samples) - 1
	step := float64(fromRate) / float64(toRate)

	for i := range out {
		pos := float64(i) * step
		lo := int(pos)
		if lo > last {
			lo = last
		}
		hi := lo + 1
		if hi > last {
			hi = last
		}
		frac := pos - float64(lo)

		v := float64(samples[lo])*(1-frac) + float64(samples[hi])*frac
		out[i] = clamp16(int32(math.Round(v)))
	}
	return out
}

// BytesToSamples reads little-endian 16-bit samples. A trailing odd byte is dropped.
func BytesToSamples(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}

// SamplesToBytes writes samples as little-endian 16-bit PCM.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

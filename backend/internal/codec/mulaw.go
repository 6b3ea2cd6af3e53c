// Package codec converts between 8kHz mu-law telephony audio and 16-bit
// linear PCM. Every function is pure and safe for concurrent use.
package codec

import "math"

const (
	// TelephonySampleRate is the sample rate of mu-law telephony audio
	TelephonySampleRate = 8000
	// DefaultEngineSampleRate is the PCM rate the speech engine expects unless configured otherwise
	DefaultEngineSampleRate = 16000

	muLawBias = 0x84
	// Magnitudes above this clip to the largest encodable segment
	muLawClip = 32635
)

// DecodeMuLaw expands mu-law bytes into linear 16-bit samples, one sample per byte.
func DecodeMuLaw(src []byte) []int16 {
	out := make([]int16, len(src))
	for i, b := range src {
		exponent := int32(b&0x70) >> 4
		mantissa := int32(b&0x0F) | 0x10

		sample := (mantissa << (exponent + 3)) - muLawBias
		if b&0x80 != 0 {
			sample = -sample
		}
		out[i] = clamp16(sample)
	}
	return out
}

// EncodeMuLaw compresses linear samples to mu-law, one byte per sample.
// The conversion is lossy: DecodeMuLaw(EncodeMuLaw(x)) is within a bounded
// per-sample error of x, not equal to it.
func EncodeMuLaw(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		var sign byte
		magnitude := int32(s)
		if magnitude < 0 {
			sign = 0x80
			magnitude = -magnitude
		}
		if magnitude > muLawClip {
			magnitude = muLawClip
		}

		biased := magnitude + muLawBias
		exponent := int32(0)
		for exponent < 7 && biased>>(exponent+3) > 0x1F {
			exponent++
		}
		mantissa := byte((biased >> (exponent + 3)) & 0x0F)

		out[i] = sign | byte(exponent<<4) | mantissa
	}
	return out
}

func clamp16(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

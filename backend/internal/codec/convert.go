package codec

import (
	"encoding/base64"
	"fmt"
)

// DecodePayload decodes a base64 telephony media payload into raw mu-law bytes.
func DecodePayload(payload string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 payload: %w", err)
	}
	return raw, nil
}

// TelephonyToEngine turns a base64 mu-law payload at 8kHz into little-endian
// PCM16 bytes at targetRate (decode, then resample).
func TelephonyToEngine(payload string, targetRate int) ([]byte, error) {
	muLaw, err := DecodePayload(payload)
	if err != nil {
		return nil, err
	}
	return MuLawToEngine(muLaw, targetRate), nil
}

// MuLawToEngine is TelephonyToEngine for an already decoded payload.
func MuLawToEngine(muLaw []byte, targetRate int) []byte {
	return SamplesToBytes(Resample(DecodeMuLaw(muLaw), TelephonySampleRate, targetRate))
}

// EngineToMuLaw turns PCM16 bytes at inputRate into raw 8kHz mu-law bytes
// (resample, then encode).
func EngineToMuLaw(pcm []byte, inputRate int) []byte {
	samples := Resample(BytesToSamples(pcm), inputRate, TelephonySampleRate)
	return EncodeMuLaw(samples)
}

// EngineToTelephony is EngineToMuLaw followed by base64 encoding for the telephony wire.
func EngineToTelephony(pcm []byte, inputRate int) string {
	return base64.StdEncoding.EncodeToString(EngineToMuLaw(pcm, inputRate))
}

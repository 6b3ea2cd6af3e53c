package adapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// SynthesisOptions tunes one TTS request
type SynthesisOptions struct {
	// Speed is the playback rate, 1.0 when zero
	Speed float64
	// Format is the audio container, "mp3" when empty
	Format string
}

// SpeechAdapter provides file-based ASR and TTS for the turn-based path
type SpeechAdapter struct {
	client   *openai.Client
	sttModel string
	ttsModel string
	logger   *zap.Logger
}

// NewSpeechAdapter creates a speech adapter. An empty baseURL uses the
// provider default.
func NewSpeechAdapter(baseURL, apiKey, sttModel, ttsModel string, logger *zap.Logger) *SpeechAdapter {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = strings.TrimSuffix(baseURL, "/") + "/v1"
	}
	return &SpeechAdapter{
		client:   openai.NewClientWithConfig(config),
		sttModel: sttModel,
		ttsModel: ttsModel,
		logger:   logger.Named("speech"),
	}
}

// Transcribe converts a recorded utterance to text. filename carries the
// container extension the provider uses to detect the format.
func (a *SpeechAdapter) Transcribe(ctx context.Context, audio []byte, filename, language string) (string, error) {
	if len(audio) == 0 {
		return "", nil
	}
	if filename == "" {
		filename = "utterance.wav"
	}

	resp, err := a.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    a.sttModel,
		FilePath: filename,
		Reader:   bytes.NewReader(audio),
		Language: language,
	})
	if err != nil {
		return "", fmt.Errorf("transcription failed: %w", err)
	}

	a.logger.Debug("Transcription done",
		zap.Int("audio_bytes", len(audio)),
		zap.Int("chars", len(resp.Text)),
		zap.String("language", language))
	return resp.Text, nil
}

// Synthesize renders text with the given provider voice
func (a *SpeechAdapter) Synthesize(ctx context.Context, text, voice string, opts SynthesisOptions) ([]byte, error) {
	format := opts.Format
	if format == "" {
		format = "mp3"
	}
	speed := opts.Speed
	if speed == 0 {
		speed = 1.0
	}

	resp, err := a.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(a.ttsModel),
		Input:          text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormat(format),
		Speed:          speed,
	})
	if err != nil {
		return nil, fmt.Errorf("speech synthesis failed: %w", err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("read synthesized audio: %w", err)
	}

	a.logger.Debug("Synthesis done",
		zap.String("voice", voice),
		zap.Int("chars", len(text)),
		zap.Int("audio_bytes", len(audio)))
	return audio, nil
}

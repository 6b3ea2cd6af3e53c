package fallback

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"voice-bridge/backend/internal/adapter"
	"voice-bridge/backend/internal/constants"
	"voice-bridge/backend/internal/graph"
	"voice-bridge/backend/internal/observability"
	"voice-bridge/backend/internal/state"
	"voice-bridge/backend/internal/utils"
	"voice-bridge/backend/pkg/errors"
	"voice-bridge/backend/pkg/logger"
)

// Turn outcomes, also used as metric labels
const (
	OutcomeReply    = "reply"
	OutcomeNoSpeech = "no_speech"
	OutcomeApology  = "apology"
)

// Transcriber turns recorded audio into text
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename, language string) (string, error)
}

// Synthesizer turns text into audio in a given voice
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string, opts adapter.SynthesisOptions) ([]byte, error)
}

// Brain produces the reply text for an utterance
type Brain interface {
	Reply(ctx context.Context, tenantID, channel, text string) (*state.BrainReply, error)
}

// historyBrain is implemented by brains that accept the earlier turns of a call
type historyBrain interface {
	ReplyWithHistory(ctx context.Context, tenantID, channel string, history []adapter.Message, text string) (*state.BrainReply, error)
}

// VoiceDirectory resolves tenant voice configuration
type VoiceDirectory interface {
	GetTenantProfile(ctx context.Context, tenantID string) (*graph.TenantProfile, error)
	GetVoicePreset(ctx context.Context, name string) (*graph.VoicePreset, error)
}

// TranscriptStore persists the turns of an ended call
type TranscriptStore interface {
	PersistTranscript(ctx context.Context, callID, merged string, segments []state.TranscriptSegment, telemetry state.RagTelemetry) error
}

// TurnRequest is one recorded caller utterance
type TurnRequest struct {
	CallID   string
	TenantID string
	Language string
	Audio    []byte
	Filename string
}

// TurnResult is what the channel plays back. Audio is nil when even the
// apology could not be synthesized; the channel then speaks Text itself.
type TurnResult struct {
	TurnID        string   `json:"turn_id"`
	Text          string   `json:"text"`
	Transcription string   `json:"transcription"`
	Audio         []byte   `json:"-"`
	Outcome       string   `json:"outcome"`
	ToolCalls     []string `json:"tool_calls,omitempty"`
}

// NoSpeech reports whether the utterance was empty
func (r *TurnResult) NoSpeech() bool {
	return r.Outcome == OutcomeNoSpeech
}

// Turn is one entry of a call's conversation
type Turn struct {
	Role      string    `json:"role"` // user | assistant
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type callState struct {
	tenantID   string
	language   string
	phase      Phase
	turns      []Turn
	startedAt  time.Time
	lastActive time.Time
}

// DefaultIdleTimeout ends calls whose channel never reported the hang-up
const DefaultIdleTimeout = 30 * time.Minute

// Options configures the manager
type Options struct {
	// DefaultVoice is used when no preset can be resolved
	DefaultVoice graph.VoicePreset
	Metrics      *observability.Metrics
	// PersistTimeout bounds EndCall's transcript write
	PersistTimeout time.Duration
	// IdleTimeout is how long a call may go without a turn before the
	// sweeper ends it
	IdleTimeout time.Duration
}

// Manager runs the turn-based pipeline: transcribe, reply, synthesize.
// Turns of one call are strictly sequential.
type Manager struct {
	transcriber Transcriber
	brain       Brain
	synthesizer Synthesizer
	voices      VoiceDirectory
	transcripts TranscriptStore
	opts        Options
	metrics     *observability.Metrics
	logger      *zap.Logger

	mu    sync.Mutex
	calls map[string]*callState
}

// NewManager creates a new fallback manager
func NewManager(transcriber Transcriber, brain Brain, synthesizer Synthesizer, voices VoiceDirectory, transcripts TranscriptStore, log *zap.Logger, opts Options) *Manager {
	if opts.DefaultVoice.Voice == "" {
		opts.DefaultVoice = graph.VoicePreset{Name: constants.DefaultVoicePreset, Voice: "nova", Speed: 1.0}
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 5 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	return &Manager{
		transcriber: transcriber,
		brain:       brain,
		synthesizer: synthesizer,
		voices:      voices,
		transcripts: transcripts,
		opts:        opts,
		metrics:     opts.Metrics,
		logger:      log.Named("fallback"),
		calls:       make(map[string]*callState),
	}
}

// ProcessTurn runs one utterance through the pipeline. Step failures never
// surface as errors: the caller gets the apology instead. The only errors
// are an invalid request and a turn already running for the call.
func (m *Manager) ProcessTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if req.CallID == "" {
		return nil, errors.NewFallbackStep("request", fmt.Errorf("call id is required"))
	}

	call, err := m.begin(req)
	if err != nil {
		return nil, err
	}
	defer m.setPhase(req.CallID, PhaseIdle)

	turnID := uuid.New().String()
	log := logger.ForCall(m.logger, req.CallID).With(zap.String("turn_id", turnID))

	// 1. Transcribe
	log.Debug("Transcribing turn", zap.Int("audio_bytes", len(req.Audio)))
	text, err := m.transcriber.Transcribe(ctx, req.Audio, req.Filename, call.language)
	if err != nil {
		return m.apologize(ctx, log, turnID, call.tenantID, "", errors.NewFallbackStep("transcribe", err)), nil
	}
	text = strings.TrimSpace(text)
	if text == "" {
		log.Info("No speech detected")
		m.metrics.FallbackTurn(OutcomeNoSpeech)
		return &TurnResult{TurnID: turnID, Outcome: OutcomeNoSpeech}, nil
	}
	history := m.appendTurn(req.CallID, "user", text)

	// 2. Generate
	m.setPhase(req.CallID, PhaseGenerating)
	reply, err := m.reply(ctx, call.tenantID, history, text)
	if err != nil {
		return m.apologize(ctx, log, turnID, call.tenantID, text, errors.NewFallbackStep("generate", err)), nil
	}
	m.appendTurn(req.CallID, "assistant", reply.Text)

	// 3. Synthesize
	m.setPhase(req.CallID, PhaseSynthesizing)
	voice := m.resolveVoice(ctx, call.tenantID)
	audio, err := m.synthesizer.Synthesize(ctx, reply.Text, voice.Voice, adapter.SynthesisOptions{Speed: voice.Speed})
	if err != nil {
		return m.apologize(ctx, log, turnID, call.tenantID, text, errors.NewFallbackStep("synthesize", err)), nil
	}

	result := &TurnResult{
		TurnID:        turnID,
		Text:          reply.Text,
		Transcription: text,
		Audio:         audio,
		Outcome:       OutcomeReply,
	}
	for _, tc := range reply.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, tc.Name)
	}

	m.metrics.FallbackTurn(OutcomeReply)
	log.Info("Turn complete",
		zap.Int("reply_length", len(reply.Text)),
		zap.Int("audio_bytes", len(audio)),
		zap.Strings("tool_calls", result.ToolCalls))
	return result, nil
}

// begin registers the call on first use and moves it out of Idle
func (m *Manager) begin(req TurnRequest) (callState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	call, ok := m.calls[req.CallID]
	if !ok {
		call = &callState{startedAt: now}
		m.calls[req.CallID] = call
	}
	if call.phase != PhaseIdle {
		return callState{}, errors.NewTurnInProgress(req.CallID, call.phase.String())
	}
	call.lastActive = now
	if req.TenantID != "" {
		call.tenantID = req.TenantID
	}
	if req.Language != "" || call.language == "" {
		call.language = utils.NormalizeLanguage(req.Language)
	}
	call.phase = PhaseTranscribing
	return *call, nil
}

func (m *Manager) setPhase(callID string, phase Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if call, ok := m.calls[callID]; ok {
		call.phase = phase
		call.lastActive = time.Now()
	}
}

// appendTurn records a turn and returns the turns before it
func (m *Manager) appendTurn(callID, role, text string) []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	call, ok := m.calls[callID]
	if !ok {
		return nil
	}
	history := append([]Turn(nil), call.turns...)
	call.turns = append(call.turns, Turn{Role: role, Text: text, Timestamp: time.Now()})
	return history
}

func (m *Manager) reply(ctx context.Context, tenantID string, history []Turn, text string) (*state.BrainReply, error) {
	var (
		reply *state.BrainReply
		err   error
	)
	if hb, ok := m.brain.(historyBrain); ok {
		messages := make([]adapter.Message, 0, len(history))
		for _, t := range history {
			messages = append(messages, adapter.Message{Role: t.Role, Content: t.Text})
		}
		reply, err = hb.ReplyWithHistory(ctx, tenantID, constants.ChannelVoice, messages, text)
	} else {
		reply, err = m.brain.Reply(ctx, tenantID, constants.ChannelVoice, text)
	}
	if err != nil {
		return nil, err
	}
	if reply == nil || strings.TrimSpace(reply.Text) == "" {
		return nil, fmt.Errorf("empty reply")
	}
	return reply, nil
}

// apologize substitutes the fixed apology for a failed turn
func (m *Manager) apologize(ctx context.Context, log *zap.Logger, turnID, tenantID, transcription string, cause error) *TurnResult {
	log.Error("Turn failed, answering with apology", zap.Error(cause))
	m.metrics.FallbackTurn(OutcomeApology)

	result := &TurnResult{
		TurnID:        turnID,
		Text:          constants.ApologyText,
		Transcription: transcription,
		Outcome:       OutcomeApology,
	}

	voice := m.resolveVoice(ctx, tenantID)
	audio, err := m.synthesizer.Synthesize(ctx, constants.ApologyText, voice.Voice, adapter.SynthesisOptions{Speed: voice.Speed})
	if err != nil {
		log.Error("Apology synthesis failed, returning text only", zap.Error(err))
		return result
	}
	result.Audio = audio
	return result
}

// resolveVoice maps the tenant's preset to a provider voice. Lookup
// failures fall back to the default voice.
func (m *Manager) resolveVoice(ctx context.Context, tenantID string) graph.VoicePreset {
	if m.voices == nil {
		return m.opts.DefaultVoice
	}

	presetName := constants.DefaultVoicePreset
	if tenantID != "" {
		profile, err := m.voices.GetTenantProfile(ctx, tenantID)
		switch {
		case err == nil && profile.VoicePreset != "":
			presetName = profile.VoicePreset
		case err != nil && !stderrors.Is(err, errors.ErrNotFound):
			m.logger.Warn("Failed to load tenant profile", zap.String("tenant_id", tenantID), zap.Error(err))
		}
	}

	preset, err := m.voices.GetVoicePreset(ctx, presetName)
	if err != nil || preset.Voice == "" {
		if err != nil && !stderrors.Is(err, errors.ErrNotFound) {
			m.logger.Warn("Failed to load voice preset", zap.String("preset", presetName), zap.Error(err))
		}
		return m.opts.DefaultVoice
	}
	return *preset
}

// Greeting synthesizes the tenant's greeting in its voice
func (m *Manager) Greeting(ctx context.Context, tenantID string) (string, []byte, error) {
	text := constants.DefaultGreeting
	if m.voices != nil {
		profile, err := m.voices.GetTenantProfile(ctx, tenantID)
		if err == nil && strings.TrimSpace(profile.Greeting) != "" {
			text = strings.TrimSpace(profile.Greeting)
		}
	}

	voice := m.resolveVoice(ctx, tenantID)
	audio, err := m.synthesizer.Synthesize(ctx, text, voice.Voice, adapter.SynthesisOptions{Speed: voice.Speed})
	if err != nil {
		return text, nil, errors.NewFallbackStep("greeting", err)
	}
	return text, audio, nil
}

// Turns returns a copy of the recorded turns of a call
func (m *Manager) Turns(callID string) []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	call, ok := m.calls[callID]
	if !ok {
		return nil
	}
	return append([]Turn(nil), call.turns...)
}

// Phase returns the current phase of a call, Idle for unknown calls
func (m *Manager) Phase(callID string) Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	if call, ok := m.calls[callID]; ok {
		return call.phase
	}
	return PhaseIdle
}

// ActiveCalls returns the ids of calls with recorded state, sorted
func (m *Manager) ActiveCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.calls))
	for id := range m.calls {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EndCall persists the call's turns and forgets the call. A call that is
// mid-turn cannot be ended. Unknown calls are a no-op.
func (m *Manager) EndCall(ctx context.Context, callID string) error {
	m.mu.Lock()
	call, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if call.phase != PhaseIdle {
		m.mu.Unlock()
		return errors.NewTurnInProgress(callID, call.phase.String())
	}
	delete(m.calls, callID)
	m.mu.Unlock()

	return m.finish(ctx, callID, call, "ended")
}

// SweepIdle ends every idle call whose last turn is older than the idle
// timeout, as of now. It returns the number of calls ended.
func (m *Manager) SweepIdle(ctx context.Context, now time.Time) int {
	return m.endWhere(ctx, "idle timeout", func(call *callState) bool {
		return now.Sub(call.lastActive) >= m.opts.IdleTimeout
	})
}

// Cleanup ends every call that is not mid-turn
func (m *Manager) Cleanup(ctx context.Context) int {
	return m.endWhere(ctx, "service shutdown", func(*callState) bool { return true })
}

// Run sweeps idle calls until ctx is done
func (m *Manager) Run(ctx context.Context) {
	interval := m.opts.IdleTimeout / 2
	if interval <= 0 {
		interval = m.opts.IdleTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := m.SweepIdle(ctx, now); n > 0 {
				m.logger.Info("Ended idle fallback calls", zap.Int("count", n))
			}
		}
	}
}

func (m *Manager) endWhere(ctx context.Context, reason string, match func(*callState) bool) int {
	m.mu.Lock()
	ended := make(map[string]*callState)
	for id, call := range m.calls {
		if call.phase == PhaseIdle && match(call) {
			ended[id] = call
			delete(m.calls, id)
		}
	}
	m.mu.Unlock()

	for id, call := range ended {
		_ = m.finish(ctx, id, call, reason)
	}
	return len(ended)
}

// finish persists the turns of a call already removed from the map
func (m *Manager) finish(ctx context.Context, callID string, call *callState, reason string) error {
	turns := call.turns
	startedAt := call.startedAt
	log := logger.ForCall(m.logger, callID)
	segments := make([]state.TranscriptSegment, 0, len(turns))
	for _, t := range turns {
		segments = append(segments, state.TranscriptSegment{
			Text:      t.Role + ": " + t.Text,
			Timestamp: t.Timestamp,
			IsFinal:   true,
		})
	}

	if m.transcripts != nil {
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.PersistTimeout)
		defer cancel()
		if err := m.transcripts.PersistTranscript(persistCtx, callID, state.MergeTranscript(segments), segments, state.RagTelemetry{}); err != nil {
			m.metrics.PersistFailed()
			log.Error("Failed to persist fallback transcript", zap.Error(err))
			return errors.NewPersistenceFailed(callID, err)
		}
	}

	log.Info("Fallback call ended",
		zap.String("reason", reason),
		zap.Int("turns", len(turns)),
		zap.Duration("duration", time.Since(startedAt)))
	return nil
}

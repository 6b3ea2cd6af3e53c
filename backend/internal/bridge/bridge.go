package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"voice-bridge/backend/internal/engine"
	"voice-bridge/backend/internal/state"
)

// Leg is the telephony side of a bridge. *telephony.Session implements it.
type Leg interface {
	SendMedia(payload []byte, track string) error
	Close(reason string)
}

// EngineConn is the speech-engine side of a bridge. *engine.Client implements it.
type EngineConn interface {
	Connect(ctx context.Context) error
	IsReady() bool
	ConversationID() string
	SendAudioInput(pcm []byte) error
	SendUserMessage(text string) error
	Disconnect()
}

// EngineFactory creates a fresh engine connection for one connect attempt
type EngineFactory func(cfg engine.Config, observer engine.Observer, logger *zap.Logger) EngineConn

// DefaultEngineFactory dials the real engine
func DefaultEngineFactory(cfg engine.Config, observer engine.Observer, logger *zap.Logger) EngineConn {
	return engine.NewClient(cfg, observer, logger)
}

// TenantResolver maps a call to its tenant, first from an existing call
// record and then from the dialed number. It returns errors.ErrNotFound
// when neither matches.
type TenantResolver interface {
	ResolveTenant(ctx context.Context, callID, dialedNumber string) (string, error)
}

// AgentDirectory looks up the engine agent configured for a tenant
type AgentDirectory interface {
	GetEngineAgentID(ctx context.Context, tenantID string) (string, error)
}

// TranscriptStore persists a call's transcript and knowledge-base telemetry
type TranscriptStore interface {
	PersistTranscript(ctx context.Context, callID, merged string, segments []state.TranscriptSegment, telemetry state.RagTelemetry) error
}

// CallRecorder is optionally implemented by the TranscriptStore to record
// the start of a bridged call
type CallRecorder interface {
	RecordCallStart(ctx context.Context, identity state.CallIdentity, dialedNumber string) error
}

// Brain turns a caller utterance into a reply
type Brain interface {
	Reply(ctx context.Context, tenantID, channel, text string) (*state.BrainReply, error)
}

// Bridge is the live pairing of one telephony leg and one engine connection.
// Byte counters are atomics so the two audio directions never share a lock.
type Bridge struct {
	identity  state.CallIdentity
	leg       Leg
	logger    *zap.Logger
	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc

	bytesIn  atomic.Int64
	bytesOut atomic.Int64

	// failures carries the generation of an engine connection that failed
	failures chan uint64

	mu                sync.Mutex
	engine            EngineConn
	generation        uint64
	conversationID    string
	reconnectAttempts int
	segments          []state.TranscriptSegment
	telemetry         state.RagTelemetry
}

func newBridge(parent context.Context, identity state.CallIdentity, leg Leg, logger *zap.Logger) *Bridge {
	ctx, cancel := context.WithCancel(parent)
	return &Bridge{
		identity:  identity,
		leg:       leg,
		logger:    logger,
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		failures:  make(chan uint64, 1),
		telemetry: state.RagTelemetry{TopSources: []state.RagSource{}},
	}
}

// Identity returns the call identity
func (b *Bridge) Identity() state.CallIdentity {
	return b.identity
}

// readyEngine returns the current engine connection if it can take audio
func (b *Bridge) readyEngine() EngineConn {
	b.mu.Lock()
	eng := b.engine
	b.mu.Unlock()
	if eng == nil || !eng.IsReady() {
		return nil
	}
	return eng
}

func (b *Bridge) isCurrent(gen uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation == gen
}

// install swaps in a new engine connection and returns its generation
func (b *Bridge) install(eng EngineConn) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.generation++
	b.engine = eng
	b.conversationID = ""
	return b.generation
}

// detach clears the engine if gen is still current and returns it
func (b *Bridge) detach(gen uint64) EngineConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.generation != gen {
		return nil
	}
	eng := b.engine
	b.engine = nil
	return eng
}

// signalFailure wakes the supervisor without blocking the engine's goroutine
func (b *Bridge) signalFailure(gen uint64) {
	select {
	case b.failures <- gen:
	default:
	}
}

func (b *Bridge) appendSegment(text string, isFinal bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.segments = append(b.segments, state.TranscriptSegment{
		Text:      text,
		Timestamp: time.Now(),
		IsFinal:   isFinal,
	})
}

func (b *Bridge) mergeRag(stats state.RagQueryStats) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.telemetry.Merge(stats)
}

// ReconnectAttempts returns the reconnects made since the engine was last ready
func (b *Bridge) ReconnectAttempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reconnectAttempts
}

func (b *Bridge) incrementReconnectAttempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reconnectAttempts++
	return b.reconnectAttempts
}

// transcriptState copies everything that gets persisted at close
func (b *Bridge) transcriptState() (string, []state.TranscriptSegment, state.RagTelemetry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	segments := make([]state.TranscriptSegment, len(b.segments))
	copy(segments, b.segments)
	return state.MergeTranscript(segments), segments, b.telemetry.Clone()
}

// Snapshot is a read-only view of a bridge
type Snapshot struct {
	CallID            string             `json:"callSid"`
	TenantID          string             `json:"tenantId"`
	AgentID           string             `json:"agentId"`
	ConversationID    string             `json:"conversationId,omitempty"`
	StartedAt         time.Time          `json:"startedAt"`
	Uptime            string             `json:"uptime"`
	EngineReady       bool               `json:"engineReady"`
	ReconnectAttempts int                `json:"reconnectAttempts"`
	BytesIn           int64              `json:"bytesIn"`
	BytesOut          int64              `json:"bytesOut"`
	Segments          int                `json:"segments"`
	Transcript        string             `json:"transcript"`
	Telemetry         state.RagTelemetry `json:"ragTelemetry"`
}

// Snapshot returns a consistent copy of the bridge state
func (b *Bridge) Snapshot() Snapshot {
	b.mu.Lock()
	eng := b.engine
	snap := Snapshot{
		CallID:            b.identity.CallID,
		TenantID:          b.identity.TenantID,
		AgentID:           b.identity.AgentID,
		ConversationID:    b.conversationID,
		StartedAt:         b.startTime,
		Uptime:            time.Since(b.startTime).Round(time.Second).String(),
		ReconnectAttempts: b.reconnectAttempts,
		Segments:          len(b.segments),
		Transcript:        state.MergeTranscript(b.segments),
		Telemetry:         b.telemetry.Clone(),
	}
	b.mu.Unlock()

	snap.EngineReady = eng != nil && eng.IsReady()
	snap.BytesIn = b.bytesIn.Load()
	snap.BytesOut = b.bytesOut.Load()
	return snap
}

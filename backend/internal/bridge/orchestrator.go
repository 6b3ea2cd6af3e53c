package bridge

import (
	"context"
	stderrors "errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"voice-bridge/backend/internal/codec"
	"voice-bridge/backend/internal/constants"
	"voice-bridge/backend/internal/engine"
	"voice-bridge/backend/internal/observability"
	"voice-bridge/backend/internal/state"
	"voice-bridge/backend/internal/telephony"
	"voice-bridge/backend/pkg/errors"
	"voice-bridge/backend/pkg/logger"
)

const (
	defaultPersistTimeout = 5 * time.Second
	assistTimeout         = 30 * time.Second
)

// ReconnectPolicy bounds engine reconnects. Attempt n waits BaseDelay*n.
type ReconnectPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultReconnectPolicy allows three reconnects with 1 s linear backoff
var DefaultReconnectPolicy = ReconnectPolicy{MaxAttempts: 3, BaseDelay: time.Second}

// Options configures the orchestrator
type Options struct {
	EngineURL      string
	EngineAPIKey   string
	Language       string
	SampleRate     int
	ConnectTimeout time.Duration
	Reconnect      ReconnectPolicy
	PersistTimeout time.Duration
	// BrainAssist answers final transcripts through the brain and injects
	// the reply as a user message
	BrainAssist bool

	Metrics   *observability.Metrics
	NewEngine EngineFactory
	Store     Store
}

// Orchestrator owns every bridge in the process
type Orchestrator struct {
	resolver    TenantResolver
	agents      AgentDirectory
	transcripts TranscriptStore
	brain       Brain
	logger      *zap.Logger
	opts        Options
	store       Store
	metrics     *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc
}

// NewOrchestrator creates an orchestrator. brain may be nil.
func NewOrchestrator(
	resolver TenantResolver,
	agents AgentDirectory,
	transcripts TranscriptStore,
	brain Brain,
	log *zap.Logger,
	opts Options,
) *Orchestrator {
	if opts.Language == "" {
		opts.Language = constants.DefaultLanguage
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = codec.DefaultEngineSampleRate
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = engine.DefaultConnectTimeout
	}
	if opts.Reconnect.MaxAttempts <= 0 && opts.Reconnect.BaseDelay <= 0 {
		opts.Reconnect = DefaultReconnectPolicy
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = defaultPersistTimeout
	}
	if opts.NewEngine == nil {
		opts.NewEngine = DefaultEngineFactory
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		resolver:    resolver,
		agents:      agents,
		transcripts: transcripts,
		brain:       brain,
		logger:      log.Named("bridge"),
		opts:        opts,
		store:       opts.Store,
		metrics:     opts.Metrics,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// CreateBridge resolves the call's identity and starts connecting the engine.
// An unresolvable identity closes the leg; a call that is already bridged is
// rejected without touching either bridge.
func (o *Orchestrator) CreateBridge(ctx context.Context, callID string, leg Leg, dialedNumber string) error {
	if _, exists := o.store.Get(callID); exists {
		return errors.NewBridgeExists(callID)
	}

	log := logger.ForCall(o.logger, callID)

	tenantID, err := o.resolver.ResolveTenant(ctx, callID, dialedNumber)
	if err == nil && tenantID == "" {
		err = errors.ErrNotFound
	}
	if err != nil {
		idErr := errors.NewIdentityUnresolved(callID, dialedNumber, "", "no tenant", err)
		log.Warn("Cannot bridge call", zap.String("dialed_number", dialedNumber), zap.Error(idErr))
		leg.Close(constants.CloseReasonIdentity)
		return idErr
	}

	agentID, err := o.agents.GetEngineAgentID(ctx, tenantID)
	if err == nil && agentID == "" {
		err = errors.ErrNotFound
	}
	if err != nil {
		idErr := errors.NewIdentityUnresolved(callID, dialedNumber, tenantID, "no engine agent", err)
		log.Warn("Cannot bridge call", zap.String("tenant_id", tenantID), zap.Error(idErr))
		leg.Close(constants.CloseReasonIdentity)
		return idErr
	}

	identity := state.CallIdentity{CallID: callID, TenantID: tenantID, AgentID: agentID}
	if err := identity.Validate(); err != nil {
		leg.Close(constants.CloseReasonIdentity)
		return errors.NewIdentityUnresolved(callID, dialedNumber, tenantID, "invalid identity", err)
	}

	b := newBridge(o.ctx, identity, leg, log.With(zap.String("tenant_id", tenantID)))
	if !o.store.PutIfAbsent(callID, b) {
		b.cancel()
		return errors.NewBridgeExists(callID)
	}

	o.metrics.BridgeOpened()
	b.logger.Info("Bridge created",
		zap.String("agent_id", agentID),
		zap.String("dialed_number", dialedNumber))

	if recorder, ok := o.transcripts.(CallRecorder); ok {
		go o.recordStart(recorder, b, dialedNumber)
	}
	go o.supervise(b)
	return nil
}

// recordStart links the call to its tenant in storage. Failures only cost
// the call-record shortcut on later lookups.
func (o *Orchestrator) recordStart(recorder CallRecorder, b *Bridge, dialedNumber string) {
	ctx, cancel := context.WithTimeout(b.ctx, o.opts.PersistTimeout)
	defer cancel()
	if err := recorder.RecordCallStart(ctx, b.identity, dialedNumber); err != nil {
		b.logger.Warn("Failed to record call start", zap.Error(err))
	}
}

// supervise owns the engine connection of one bridge: it connects, waits for
// the connection to fail and reconnects with linear backoff until the
// policy is exhausted or the bridge closes.
func (o *Orchestrator) supervise(b *Bridge) {
	policy := o.opts.Reconnect

	for {
		gen, err := o.connectEngine(b)
		if b.ctx.Err() != nil {
			return
		}

		if err == nil {
			if !o.waitForFailure(b, gen) {
				return
			}
		} else {
			b.logger.Warn("Engine connect failed", zap.Uint64("generation", gen), zap.Error(err))
		}

		attempt := b.incrementReconnectAttempts()
		if attempt > policy.MaxAttempts {
			o.metrics.Reconnect("exhausted")
			b.logger.Error("Engine reconnects exhausted, closing bridge",
				zap.Int("max_attempts", policy.MaxAttempts))
			o.closeBridge(context.Background(), b, constants.CloseReasonEngineFailed)
			return
		}

		delay := policy.BaseDelay * time.Duration(attempt)
		b.logger.Info("Reconnecting engine",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", policy.MaxAttempts),
			zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-b.ctx.Done():
			timer.Stop()
			return
		}
	}
}

// connectEngine installs a fresh engine connection and dials it
func (o *Orchestrator) connectEngine(b *Bridge) (uint64, error) {
	obs := &engineObserver{o: o, b: b}
	cfg := engine.Config{
		URL:            o.opts.EngineURL,
		APIKey:         o.opts.EngineAPIKey,
		AgentID:        b.identity.AgentID,
		Language:       o.opts.Language,
		ConnectTimeout: o.opts.ConnectTimeout,
	}
	eng := o.opts.NewEngine(cfg, obs, b.logger)
	gen := b.install(eng)
	obs.gen = gen
	reconnecting := b.ReconnectAttempts() > 0

	if err := eng.Connect(b.ctx); err != nil {
		if detached := b.detach(gen); detached != nil {
			detached.Disconnect()
		}
		if reconnecting {
			o.metrics.Reconnect("failure")
		}
		return gen, err
	}

	if reconnecting {
		o.metrics.Reconnect("success")
	}
	if b.ctx.Err() != nil {
		// Closed while dialing
		if detached := b.detach(gen); detached != nil {
			detached.Disconnect()
		}
	}
	return gen, nil
}

// waitForFailure blocks until the connection with generation gen fails.
// It returns false when the bridge closes first.
func (o *Orchestrator) waitForFailure(b *Bridge, gen uint64) bool {
	for {
		select {
		case <-b.ctx.Done():
			return false
		case failed := <-b.failures:
			if failed == gen {
				return true
			}
		}
	}
}

// HandleInboundAudio forwards one base64 telephony payload to the engine.
// Audio is dropped when the call is not bridged or the engine is not ready.
func (o *Orchestrator) HandleInboundAudio(callID, payload string) {
	b, ok := o.store.Get(callID)
	if !ok {
		return
	}
	muLaw, err := codec.DecodePayload(payload)
	if err != nil {
		o.metrics.AudioDrop("inbound", "conversion")
		b.logger.Warn("Dropping inbound chunk", zap.Error(errors.NewAudioConversion("inbound", err)))
		return
	}
	o.forwardInbound(b, muLaw)
}

func (o *Orchestrator) forwardInbound(b *Bridge, muLaw []byte) {
	eng := b.readyEngine()
	if eng == nil {
		o.metrics.AudioDrop("inbound", "not_ready")
		return
	}

	pcm := codec.MuLawToEngine(muLaw, o.opts.SampleRate)
	if err := eng.SendAudioInput(pcm); err != nil {
		o.metrics.AudioDrop("inbound", "send_failed")
		b.logger.Debug("Dropping inbound chunk", zap.Error(err))
		return
	}

	n := int64(len(pcm))
	total := b.bytesIn.Add(n)
	o.metrics.AudioRouted("inbound", len(pcm))
	if total/constants.ThroughputLogBytes > (total-n)/constants.ThroughputLogBytes {
		b.logger.Info("Audio in",
			zap.Int64("bytes_in", total),
			zap.Int64("bytes_out", b.bytesOut.Load()))
	}
}

// routeOutbound converts engine PCM to mu-law and writes it to the leg
func (o *Orchestrator) routeOutbound(b *Bridge, pcm []byte) {
	mulaw := codec.EngineToMuLaw(pcm, o.opts.SampleRate)
	if len(mulaw) == 0 {
		return
	}
	if err := b.leg.SendMedia(mulaw, telephony.TrackOutbound); err != nil {
		o.metrics.AudioDrop("outbound", "send_failed")
		b.logger.Warn("Dropping outbound chunk", zap.Error(err))
		return
	}
	b.bytesOut.Add(int64(len(pcm)))
	o.metrics.AudioRouted("outbound", len(pcm))
}

// CloseBridge persists the call's transcript and tears down both legs.
// It returns false when the call was not bridged.
func (o *Orchestrator) CloseBridge(ctx context.Context, callID, reason string) bool {
	b, ok := o.store.Get(callID)
	if !ok {
		return false
	}
	return o.closeBridge(ctx, b, reason)
}

func (o *Orchestrator) closeBridge(ctx context.Context, b *Bridge, reason string) bool {
	if !o.store.CompareAndDelete(b.identity.CallID, b) {
		return false
	}
	b.cancel()

	merged, segments, telemetry := b.transcriptState()
	o.persist(ctx, b, merged, segments, telemetry)

	b.mu.Lock()
	eng := b.engine
	b.engine = nil
	b.generation++
	b.mu.Unlock()
	if eng != nil {
		eng.Disconnect()
	}

	b.leg.Close(reason)

	lifetime := time.Since(b.startTime)
	o.metrics.BridgeClosed(reason, lifetime)
	b.logger.Info("Bridge closed",
		zap.String("reason", reason),
		zap.Int64("bytes_in", b.bytesIn.Load()),
		zap.Int64("bytes_out", b.bytesOut.Load()),
		zap.Int("segments", len(segments)),
		zap.Int("rag_queries", telemetry.TotalQueries),
		zap.Duration("duration", lifetime))
	return true
}

func (o *Orchestrator) persist(ctx context.Context, b *Bridge, merged string, segments []state.TranscriptSegment, telemetry state.RagTelemetry) {
	if o.transcripts == nil {
		return
	}
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.PersistTimeout)
	defer cancel()

	err := o.transcripts.PersistTranscript(persistCtx, b.identity.CallID, merged, segments, telemetry)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			err = errors.NewContextTimeout("persist transcript", o.opts.PersistTimeout)
		}
		o.metrics.PersistFailed()
		b.logger.Error("Failed to persist transcript",
			zap.Error(errors.NewPersistenceFailed(b.identity.CallID, err)))
		return
	}
	b.logger.Debug("Transcript persisted", zap.Int("chars", len(merged)))
}

// Cleanup closes every bridge with reason "service shutdown". It returns
// when all bridges are closed or ctx is done, whichever comes first.
func (o *Orchestrator) Cleanup(ctx context.Context) error {
	bridges := o.store.List()
	o.logger.Info("Closing all bridges", zap.Int("count", len(bridges)))
	defer o.cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range bridges {
		g.Go(func() error {
			o.closeBridge(gctx, b, constants.CloseReasonShutdown)
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		o.logger.Warn("Bridge cleanup abandoned", zap.Int("remaining", o.store.Len()))
		return ctx.Err()
	}
}

// InjectUserMessage sends text into a live conversation
func (o *Orchestrator) InjectUserMessage(callID, text string) error {
	b, ok := o.store.Get(callID)
	if !ok {
		return errors.NewBridgeNotFound(callID)
	}
	eng := b.readyEngine()
	if eng == nil {
		return errors.ErrEngineNotReady
	}
	return eng.SendUserMessage(text)
}

// assist asks the brain for a reply to a final transcript and injects it
func (o *Orchestrator) assist(b *Bridge, text string) {
	ctx, cancel := context.WithTimeout(b.ctx, assistTimeout)
	defer cancel()

	reply, err := o.brain.Reply(ctx, b.identity.TenantID, constants.ChannelVoice, text)
	if err != nil {
		b.logger.Warn("Brain assist failed", zap.Error(err))
		return
	}
	if reply == nil || reply.Text == "" {
		return
	}
	if err := o.InjectUserMessage(b.identity.CallID, reply.Text); err != nil {
		b.logger.Debug("Brain reply not injected", zap.Error(err))
	}
}

// Snapshot returns the state of one bridge
func (o *Orchestrator) Snapshot(callID string) (Snapshot, bool) {
	b, ok := o.store.Get(callID)
	if !ok {
		return Snapshot{}, false
	}
	return b.Snapshot(), true
}

// List returns snapshots of all live bridges ordered by start time
func (o *Orchestrator) List() []Snapshot {
	bridges := o.store.List()
	out := make([]Snapshot, 0, len(bridges))
	for _, b := range bridges {
		out = append(out, b.Snapshot())
	}
	return out
}

// ActiveBridges returns the number of live bridges
func (o *Orchestrator) ActiveBridges() int {
	return o.store.Len()
}

// telephony.Handler

// OnStreamStarted bridges the call as soon as the stream is bound
func (o *Orchestrator) OnStreamStarted(s *telephony.Session, info telephony.StartInfo) {
	if info.CallID == "" {
		o.logger.Warn("Stream started without call id", zap.String("session_id", s.ID()))
		s.Close(constants.CloseReasonIdentity)
		return
	}
	err := o.CreateBridge(o.ctx, info.CallID, s, info.DialedNumber())
	if err == nil {
		return
	}
	o.logger.Warn("Bridge not created", zap.String("call_sid", info.CallID), zap.Error(err))

	var exists *errors.ErrBridgeExists
	if stderrors.As(err, &exists) {
		if b, ok := o.store.Get(info.CallID); !ok || b.leg != Leg(s) {
			s.Close(constants.CloseReasonDuplicate)
		}
	}
}

// OnInboundMedia routes caller audio into the bridge owned by s
func (o *Orchestrator) OnInboundMedia(s *telephony.Session, muLaw []byte) {
	b, ok := o.store.Get(s.CallID())
	if !ok {
		return
	}
	if b.leg != Leg(s) {
		o.metrics.AudioDrop("inbound", "foreign_leg")
		return
	}
	o.forwardInbound(b, muLaw)
}

// OnStreamStopped closes the bridge owned by this session, if any
func (o *Orchestrator) OnStreamStopped(s *telephony.Session, reason string) {
	b, ok := o.store.Get(s.CallID())
	if !ok || b.leg != Leg(s) {
		return
	}
	o.closeBridge(context.Background(), b, reason)
}

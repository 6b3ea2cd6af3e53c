package bridge

import (
	"go.uber.org/zap"

	"voice-bridge/backend/internal/state"
)

// engineObserver forwards one engine connection's events to its bridge.
// Events from a connection that has since been replaced are dropped.
type engineObserver struct {
	o   *Orchestrator
	b   *Bridge
	gen uint64
}

func (e *engineObserver) OnOpen() {
	e.b.logger.Debug("Engine transport open", zap.Uint64("generation", e.gen))
}

func (e *engineObserver) OnReady(conversationID string) {
	e.b.mu.Lock()
	if e.b.generation != e.gen {
		e.b.mu.Unlock()
		return
	}
	e.b.conversationID = conversationID
	e.b.reconnectAttempts = 0
	e.b.mu.Unlock()

	e.b.logger.Info("Bridge ready", zap.String("conversation_id", conversationID))
}

func (e *engineObserver) OnAudioChunk(pcm []byte) {
	if !e.b.isCurrent(e.gen) {
		return
	}
	e.o.routeOutbound(e.b, pcm)
}

func (e *engineObserver) OnTranscript(text string, isFinal bool) {
	if !e.b.isCurrent(e.gen) {
		return
	}
	e.b.appendSegment(text, isFinal)
	e.b.logger.Debug("Transcript", zap.String("text", text), zap.Bool("is_final", isFinal))

	if isFinal && text != "" && e.o.brain != nil && e.o.opts.BrainAssist {
		go e.o.assist(e.b, text)
	}
}

func (e *engineObserver) OnRagQuery(stats state.RagQueryStats) {
	if !e.b.isCurrent(e.gen) {
		return
	}
	e.b.mergeRag(stats)
	e.b.logger.Debug("Knowledge query",
		zap.String("query", stats.Query),
		zap.Int("results", stats.ResultCount),
		zap.Int("injected_chars", stats.InjectedChars))
}

func (e *engineObserver) OnError(err error) {
	e.fail("error", err)
}

func (e *engineObserver) OnClose(err error) {
	e.fail("close", err)
}

func (e *engineObserver) fail(kind string, err error) {
	eng := e.b.detach(e.gen)
	if eng == nil {
		return
	}
	e.b.logger.Warn("Engine connection failed",
		zap.String("kind", kind),
		zap.Uint64("generation", e.gen),
		zap.Error(err))
	eng.Disconnect()
	e.b.signalFailure(e.gen)
}

package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voice-bridge/backend/internal/codec"
	"voice-bridge/backend/internal/observability"
	"voice-bridge/backend/pkg/errors"
)

const (
	// frameLogInterval bounds media logging to the first and every Nth frame
	frameLogInterval = 50
	// DefaultWriteTimeout bounds one write to a peer that stopped reading
	DefaultWriteTimeout = 5 * time.Second
)

// State is the lifecycle of one telephony connection
type State int

const (
	// StateOpen means the connection is accepted but no stream is bound yet
	StateOpen State = iota
	// StateStreaming means a start event bound the stream id
	StateStreaming
	// StateClosed means the stream stopped or the transport went away
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Conn is the subset of *websocket.Conn a session needs
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Handler receives stream lifecycle notifications. Calls for one session
// happen on that session's read goroutine, except OnStreamStopped which runs
// on whichever goroutine closed the session.
type Handler interface {
	OnStreamStarted(s *Session, info StartInfo)
	// OnInboundMedia receives the decoded mu-law bytes of one inbound frame
	OnInboundMedia(s *Session, muLaw []byte)
	OnStreamStopped(s *Session, reason string)
}

// SessionOptions tunes a session
type SessionOptions struct {
	// CallID pre-seeds the call id (e.g. from the stream URL); the start event overrides it
	CallID string
	// MaxDuration force-closes the session after this long; zero disables it
	MaxDuration time.Duration
	// WriteTimeout bounds each outbound frame write; zero means DefaultWriteTimeout
	WriteTimeout time.Duration
	Metrics      *observability.Metrics
}

// Session owns one telephony media stream connection
type Session struct {
	id      string
	conn    Conn
	handler Handler
	logger  *zap.Logger
	metrics *observability.Metrics

	maxDuration  time.Duration
	writeTimeout time.Duration
	startTime    time.Time

	mu         sync.Mutex
	state      State
	callID     string
	streamID   string
	tracks     Tracks
	frameCount int64
	byteCount  int64

	// writeMu serializes writes only; the read loop never takes it
	writeMu sync.Mutex
}

// NewSession wraps an accepted connection
func NewSession(conn Conn, handler Handler, logger *zap.Logger, opts SessionOptions) *Session {
	id := uuid.New().String()
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	return &Session{
		id:           id,
		conn:         conn,
		handler:      handler,
		logger:       logger.With(zap.String("session_id", id)),
		metrics:      opts.Metrics,
		maxDuration:  opts.MaxDuration,
		writeTimeout: opts.WriteTimeout,
		startTime:    time.Now(),
		state:        StateOpen,
		callID:       opts.CallID,
	}
}

// Serve runs the read loop until the stream stops, the transport closes or
// ctx is cancelled. A normal stop returns nil.
func (s *Session) Serve(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			s.Close("context cancelled")
		case <-done:
		}
	}()

	if s.maxDuration > 0 {
		timer := time.AfterFunc(s.maxDuration, func() {
			s.logger.Warn("Session exceeded max duration, forcing cleanup",
				zap.String("call_sid", s.CallID()),
				zap.Duration("max_duration", s.maxDuration))
			s.Close("timeout")
		})
		defer timer.Stop()
	}

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			alreadyClosed := s.State() == StateClosed
			s.Close("connection closed")
			if alreadyClosed || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read telephony frame: %w", err)
		}

		s.HandleMessage(data)
		if s.State() == StateClosed {
			return nil
		}
	}
}

// HandleMessage decodes and dispatches one frame. Malformed frames and
// unknown events are logged and ignored.
func (s *Session) HandleMessage(data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Warn("Ignoring malformed frame",
			zap.Error(errors.NewMalformedFrame("json", err)),
			zap.Int("size", len(data)))
		return
	}

	switch frame.Event {
	case EventStart:
		s.onStart(frame.Start)
	case EventMedia:
		s.onMedia(frame.Media)
	case EventStop:
		s.onStop(frame.Stop)
	case EventMark:
		s.onMark(frame.Mark)
	case "connected":
		s.logger.Debug("Stream connected")
	default:
		s.logger.Info("Ignoring unknown event",
			zap.String("event", frame.Event),
			zap.String("call_sid", s.CallID()))
	}
}

func (s *Session) onStart(start *StartPayload) {
	if start == nil {
		s.logger.Warn("Ignoring start event without payload")
		return
	}

	s.mu.Lock()
	if s.state != StateOpen {
		current := s.state
		s.mu.Unlock()
		s.logger.Warn("Ignoring start event", zap.String("state", current.String()))
		return
	}
	s.streamID = start.StreamSid
	if start.CallSid != "" {
		s.callID = start.CallSid
	}
	s.tracks = start.Tracks
	s.state = StateStreaming
	info := StartInfo{
		CallID:           s.callID,
		StreamID:         s.streamID,
		Tracks:           s.tracks,
		CustomParameters: start.CustomParameters,
	}
	s.mu.Unlock()

	s.logger.Info("Stream started",
		zap.String("call_sid", info.CallID),
		zap.String("stream_sid", info.StreamID),
		zap.Any("tracks", info.Tracks),
		zap.Any("custom_parameters", info.CustomParameters))

	if s.handler != nil {
		s.handler.OnStreamStarted(s, info)
	}
}

func (s *Session) onMedia(media *MediaPayload) {
	if media == nil {
		s.logger.Warn("Ignoring media event without payload")
		return
	}

	raw, err := codec.DecodePayload(media.Payload)
	if err != nil {
		s.logger.Warn("Ignoring media frame", zap.Error(errors.NewMalformedFrame(EventMedia, err)))
		return
	}

	s.mu.Lock()
	if s.state != StateStreaming {
		current := s.state
		s.mu.Unlock()
		s.logger.Debug("Ignoring media before start", zap.String("state", current.String()))
		return
	}
	s.frameCount++
	s.byteCount += int64(len(raw))
	frames, bytes, callID := s.frameCount, s.byteCount, s.callID
	s.mu.Unlock()

	s.metrics.FrameReceived(media.Track)

	if frames == 1 || frames%frameLogInterval == 0 {
		s.logger.Info("Media",
			zap.String("call_sid", callID),
			zap.Int64("frames", frames),
			zap.Int64("bytes", bytes),
			zap.String("track", media.Track),
			zap.String("timestamp", media.Timestamp))
	}

	if media.Track != TrackInbound {
		// Outbound audio is written by us, never consumed
		return
	}
	if s.handler != nil {
		s.handler.OnInboundMedia(s, raw)
	}
}

func (s *Session) onStop(stop *StopPayload) {
	s.mu.Lock()
	frames, bytes, streamID := s.frameCount, s.byteCount, s.streamID
	s.mu.Unlock()
	if stop != nil && stop.StreamSid != "" {
		streamID = stop.StreamSid
	}

	s.logger.Info("Stream stopped",
		zap.String("call_sid", s.CallID()),
		zap.String("stream_sid", streamID),
		zap.Int64("frames", frames),
		zap.Int64("bytes", bytes))

	s.Close("stop event")
}

func (s *Session) onMark(mark *MarkPayload) {
	if s.State() != StateStreaming {
		s.logger.Debug("Ignoring mark before start")
		return
	}
	name := "unknown"
	if mark != nil && mark.Name != "" {
		name = mark.Name
	}
	s.logger.Info("Mark", zap.String("call_sid", s.CallID()), zap.String("name", name))
}

// SendMedia writes an audio payload (raw mu-law bytes) to the stream.
// It is a no-op unless the session is streaming with a bound stream id.
func (s *Session) SendMedia(payload []byte, track string) error {
	s.mu.Lock()
	streaming := s.state == StateStreaming && s.streamID != ""
	streamID := s.streamID
	s.mu.Unlock()
	if !streaming {
		return nil
	}

	data, err := json.Marshal(Frame{
		Event:     EventMedia,
		StreamSid: streamID,
		Media: &MediaPayload{
			Payload: base64.StdEncoding.EncodeToString(payload),
			Track:   track,
		},
	})
	if err != nil {
		return fmt.Errorf("encode media frame: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write media frame: %w", err)
	}
	return nil
}

// Close transitions to Closed, closes the connection and notifies the
// handler. Only the first call has any effect; the handler may call Close
// again while tearing down.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	frames, bytes := s.frameCount, s.byteCount
	s.mu.Unlock()

	if err := s.conn.Close(); err != nil {
		s.logger.Debug("Error closing telephony connection", zap.Error(err))
	}

	s.logger.Info("Session closed",
		zap.String("call_sid", s.CallID()),
		zap.String("reason", reason),
		zap.Int64("frames", frames),
		zap.Int64("bytes", bytes),
		zap.Duration("duration", time.Since(s.startTime)))

	if s.handler != nil {
		s.handler.OnStreamStopped(s, reason)
	}
}

// ID returns the session's local identifier
func (s *Session) ID() string {
	return s.id
}

// CallID returns the provider call id, empty until known
func (s *Session) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

// StreamID returns the bound stream id, empty before start
func (s *Session) StreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamID
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Tracks returns the track metadata from the start event
func (s *Session) Tracks() Tracks {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracks
}

// Counters returns the cumulative media frame and byte counts
func (s *Session) Counters() (frames, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frameCount, s.byteCount
}

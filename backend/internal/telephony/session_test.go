package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Mock implementations for testing

type fakeConn struct {
	in        chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	written   [][]byte
	deadlines []time.Time
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:      make(chan []byte, 16),
		closeCh: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return websocket.TextMessage, data, nil
	case <-c.closeCh:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closeCh:
		return errors.New("write on closed connection")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadlines = append(c.deadlines, t)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closeCh) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closeCh:
		return true
	default:
		return false
	}
}

func (c *fakeConn) frames(t *testing.T) []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Frame, 0, len(c.written))
	for _, data := range c.written {
		var f Frame
		require.NoError(t, json.Unmarshal(data, &f))
		out = append(out, f)
	}
	return out
}

type recordingHandler struct {
	mu     sync.Mutex
	starts []StartInfo
	media  [][]byte
	stops  []string

	onStop func(s *Session)
}

func (h *recordingHandler) OnStreamStarted(_ *Session, info StartInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.starts = append(h.starts, info)
}

func (h *recordingHandler) OnInboundMedia(_ *Session, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.media = append(h.media, payload)
}

func (h *recordingHandler) OnStreamStopped(s *Session, reason string) {
	h.mu.Lock()
	h.stops = append(h.stops, reason)
	cb := h.onStop
	h.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (h *recordingHandler) counts() (starts, media, stops int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.starts), len(h.media), len(h.stops)
}

func startFrame(callSid string) []byte {
	return []byte(`{"event":"start","start":{"streamSid":"MZ1","callSid":"` + callSid + `",` +
		`"tracks":{"inbound":{"codec":"audio/x-mulaw","sampleRate":8000}},` +
		`"customParameters":{"to":"+41440000000"}}}`)
}

func mediaFrame(track string, n int) []byte {
	payload := base64.StdEncoding.EncodeToString(make([]byte, n))
	return []byte(`{"event":"media","media":{"payload":"` + payload + `","track":"` + track + `","timestamp":"20"}}`)
}

var stopFrame = []byte(`{"event":"stop","stop":{"streamSid":"MZ1","callSid":"CA1"}}`)

func newTestSession(conn Conn, h Handler) *Session {
	return NewSession(conn, h, zap.NewNop(), SessionOptions{})
}

func TestSession_StartMediaStop(t *testing.T) {
	conn := newFakeConn()
	h := &recordingHandler{}
	s := newTestSession(conn, h)

	s.HandleMessage(startFrame("CA1"))
	require.Equal(t, StateStreaming, s.State())
	assert.Equal(t, "CA1", s.CallID())
	assert.Equal(t, "MZ1", s.StreamID())
	require.NotNil(t, s.Tracks().Inbound)
	assert.Equal(t, 8000, s.Tracks().Inbound.SampleRate)

	s.HandleMessage(mediaFrame(TrackInbound, 160))
	s.HandleMessage(stopFrame)

	starts, media, stops := h.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, media)
	assert.Equal(t, 1, stops)
	// the handler gets the decoded mu-law bytes, not the base64 text
	assert.Equal(t, make([]byte, 160), h.media[0])
	assert.Equal(t, "+41440000000", h.starts[0].DialedNumber())
	assert.Equal(t, "stop event", h.stops[0])

	frames, bytes := s.Counters()
	assert.Equal(t, int64(1), frames)
	assert.Equal(t, int64(160), bytes)
	assert.Equal(t, StateClosed, s.State())
	assert.True(t, conn.isClosed())
}

func TestSession_MediaBeforeStartIgnored(t *testing.T) {
	h := &recordingHandler{}
	s := newTestSession(newFakeConn(), h)

	s.HandleMessage(mediaFrame(TrackInbound, 160))
	s.HandleMessage([]byte(`{"event":"mark","mark":{"name":"greeting"}}`))

	_, media, _ := h.counts()
	assert.Equal(t, 0, media)
	frames, _ := s.Counters()
	assert.Equal(t, int64(0), frames)
	assert.Equal(t, StateOpen, s.State())
}

func TestSession_OutboundMediaCountedNotForwarded(t *testing.T) {
	h := &recordingHandler{}
	s := newTestSession(newFakeConn(), h)

	s.HandleMessage(startFrame("CA1"))
	s.HandleMessage(mediaFrame(TrackOutbound, 160))

	_, media, _ := h.counts()
	assert.Equal(t, 0, media)
	frames, _ := s.Counters()
	assert.Equal(t, int64(1), frames)
}

func TestSession_MalformedFramesIgnored(t *testing.T) {
	h := &recordingHandler{}
	s := newTestSession(newFakeConn(), h)

	s.HandleMessage([]byte(`{not json`))
	s.HandleMessage([]byte(`{"event":"dtmf","dtmf":{"digit":"1"}}`))
	s.HandleMessage([]byte(`{"event":"start"}`))
	assert.Equal(t, StateOpen, s.State())

	s.HandleMessage(startFrame("CA1"))
	s.HandleMessage([]byte(`{"event":"media","media":{"payload":"***","track":"inbound"}}`))
	_, media, _ := h.counts()
	assert.Equal(t, 0, media)
	assert.Equal(t, StateStreaming, s.State())
}

func TestSession_DuplicateStartIgnored(t *testing.T) {
	h := &recordingHandler{}
	s := newTestSession(newFakeConn(), h)

	s.HandleMessage(startFrame("CA1"))
	s.HandleMessage(startFrame("CA2"))

	starts, _, _ := h.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, "CA1", s.CallID())
}

func TestSession_SendMedia(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(conn, &recordingHandler{})

	// No stream bound yet
	require.NoError(t, s.SendMedia([]byte{1, 2, 3}, TrackOutbound))
	assert.Empty(t, conn.frames(t))

	s.HandleMessage(startFrame("CA1"))
	require.NoError(t, s.SendMedia([]byte{1, 2, 3}, TrackOutbound))

	frames := conn.frames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, EventMedia, frames[0].Event)
	assert.Equal(t, "MZ1", frames[0].StreamSid)
	require.NotNil(t, frames[0].Media)
	assert.Equal(t, TrackOutbound, frames[0].Media.Track)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{1, 2, 3}), frames[0].Media.Payload)

	conn.mu.Lock()
	require.Len(t, conn.deadlines, 1)
	assert.WithinDuration(t, time.Now().Add(DefaultWriteTimeout), conn.deadlines[0], time.Second)
	conn.mu.Unlock()

	s.Close("test")
	require.NoError(t, s.SendMedia([]byte{4}, TrackOutbound))
	assert.Len(t, conn.frames(t), 1)
}

func TestSession_CloseIsReentrant(t *testing.T) {
	h := &recordingHandler{}
	h.onStop = func(s *Session) {
		// The orchestrator closes the leg again while tearing down
		s.Close("bridge closed")
	}
	s := newTestSession(newFakeConn(), h)
	s.HandleMessage(startFrame("CA1"))

	done := make(chan struct{})
	go func() {
		s.Close("stop event")
		s.Close("again")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close deadlocked")
	}
	_, _, stops := h.counts()
	assert.Equal(t, 1, stops)
}

func TestSession_ServeReturnsOnStop(t *testing.T) {
	conn := newFakeConn()
	h := &recordingHandler{}
	s := newTestSession(conn, h)

	conn.in <- startFrame("CA1")
	conn.in <- mediaFrame(TrackInbound, 160)
	conn.in <- stopFrame

	err := s.Serve(context.Background())
	assert.NoError(t, err)

	starts, media, stops := h.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, media)
	assert.Equal(t, 1, stops)
}

func TestSession_ServeStopsOnCancel(t *testing.T) {
	conn := newFakeConn()
	h := &recordingHandler{}
	s := newTestSession(conn, h)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.Equal(t, StateClosed, s.State())
	assert.Eventually(t, func() bool {
		_, _, stops := h.counts()
		return stops == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSession_MaxDuration(t *testing.T) {
	conn := newFakeConn()
	h := &recordingHandler{}
	s := NewSession(conn, h, zap.NewNop(), SessionOptions{MaxDuration: 20 * time.Millisecond})

	err := s.Serve(context.Background())
	assert.NoError(t, err)
	assert.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.stops) == 1 && h.stops[0] == "timeout"
	}, time.Second, 5*time.Millisecond)
}

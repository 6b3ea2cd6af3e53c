package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voice-bridge/backend/internal/state"
	"voice-bridge/backend/pkg/errors"
)

// fakeEngine is a scripted engine endpoint. Every message the client sends
// is pushed to received; the test drives the server side through conns.
type fakeEngine struct {
	server   *httptest.Server
	received chan map[string]interface{}
	conns    chan *websocket.Conn
	headers  chan http.Header
}

func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()
	fe := &fakeEngine{
		received: make(chan map[string]interface{}, 64),
		conns:    make(chan *websocket.Conn, 4),
		headers:  make(chan http.Header, 4),
	}
	upgrader := websocket.Upgrader{}
	fe.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fe.headers <- r.Header.Clone()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fe.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]interface{}
			if json.Unmarshal(data, &msg) == nil {
				fe.received <- msg
			}
		}
	}))
	t.Cleanup(fe.server.Close)
	return fe
}

func (fe *fakeEngine) url() string {
	return "ws" + strings.TrimPrefix(fe.server.URL, "http")
}

func (fe *fakeEngine) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-fe.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("engine never accepted a connection")
		return nil
	}
}

func (fe *fakeEngine) next(t *testing.T) map[string]interface{} {
	t.Helper()
	select {
	case m := <-fe.received:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message from client")
		return nil
	}
}

func send(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

type recordingObserver struct {
	mu          sync.Mutex
	opened      int
	ready       chan string
	audio       chan []byte
	transcripts []UserTranscript
	rag         []state.RagQueryStats
	errs        chan error
	closed      chan error
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		ready:  make(chan string, 4),
		audio:  make(chan []byte, 16),
		errs:   make(chan error, 4),
		closed: make(chan error, 4),
	}
}

func (o *recordingObserver) OnOpen() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened++
}

func (o *recordingObserver) OnReady(id string)    { o.ready <- id }
func (o *recordingObserver) OnAudioChunk(b []byte) { o.audio <- b }
func (o *recordingObserver) OnError(err error)     { o.errs <- err }
func (o *recordingObserver) OnClose(err error)     { o.closed <- err }

func (o *recordingObserver) OnTranscript(text string, isFinal bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transcripts = append(o.transcripts, UserTranscript{Text: text, IsFinal: isFinal})
}

func (o *recordingObserver) OnRagQuery(stats state.RagQueryStats) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rag = append(o.rag, stats)
}

func connectClient(t *testing.T, fe *fakeEngine, obs Observer) (*Client, *websocket.Conn) {
	t.Helper()
	c := NewClient(Config{URL: fe.url(), APIKey: "secret", AgentID: "agent-1"}, obs, zap.NewNop())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)
	return c, fe.conn(t)
}

func TestClient_ConnectSendsInitiation(t *testing.T) {
	fe := newFakeEngine(t)
	obs := newRecordingObserver()
	c, _ := connectClient(t, fe, obs)

	headers := <-fe.headers
	assert.Equal(t, "secret", headers.Get("xi-api-key"))

	init := fe.next(t)
	assert.Equal(t, TypeInitiation, init["type"])
	cfg, ok := init["conversation_config"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "agent-1", cfg["agent_id"])
	assert.Equal(t, "de", cfg["language"])

	assert.Equal(t, StateOpen, c.State())
	assert.False(t, c.IsReady(), "not ready before the ack")
	obs.mu.Lock()
	assert.Equal(t, 1, obs.opened)
	obs.mu.Unlock()
}

func TestClient_SendAudioBeforeReady(t *testing.T) {
	fe := newFakeEngine(t)
	c, _ := connectClient(t, fe, newRecordingObserver())

	err := c.SendAudioInput([]byte{1, 2})
	assert.ErrorIs(t, err, errors.ErrEngineNotReady)
}

func TestClient_ReadyAndAudioRoundTrip(t *testing.T) {
	fe := newFakeEngine(t)
	obs := newRecordingObserver()
	c, server := connectClient(t, fe, obs)
	fe.next(t) // initiation

	send(t, server, `{"type":"conversation_initiation_client_data","conversation_id":"conv-1"}`)
	select {
	case id := <-obs.ready:
		assert.Equal(t, "conv-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("never became ready")
	}
	assert.True(t, c.IsReady())
	assert.Equal(t, "conv-1", c.ConversationID())

	require.NoError(t, c.SendAudioInput([]byte{1, 2, 3, 4}))
	msg := fe.next(t)
	assert.Equal(t, TypeAudioIn, msg["type"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4}), msg["audio_in"])

	send(t, server, `{"type":"audio_out","audio_event":{"audio_base64":"`+
		base64.StdEncoding.EncodeToString([]byte{9, 8})+`"}}`)
	select {
	case chunk := <-obs.audio:
		assert.Equal(t, []byte{9, 8}, chunk)
	case <-time.After(2 * time.Second):
		t.Fatal("no audio chunk")
	}
}

func TestClient_TranscriptRagAndErrorEvents(t *testing.T) {
	fe := newFakeEngine(t)
	obs := newRecordingObserver()
	_, server := connectClient(t, fe, obs)

	send(t, server, `{"type":"user_transcript","user_transcript":{"user_input":"Grüezi","is_final":false}}`)
	send(t, server, `{"type":"user_transcript","user_transcript":{"user_input":"Grüezi mitenand","is_final":true}}`)
	send(t, server, `{"type":"rag_query_telemetry","rag_query_event":{"query":"Öffnungszeiten","result_count":2,`+
		`"injected_chars":120,"top_sources":[{"document_id":"d1","score":0.9}]}}`)
	send(t, server, `not json at all`)
	send(t, server, `{"type":"something_new"}`)
	send(t, server, `{"type":"error","error":{"code":"quota","message":"quota exceeded"}}`)

	select {
	case err := <-obs.errs:
		assert.True(t, errors.IsErrorType(err, errors.ErrorTypeEngine))
		assert.Contains(t, err.Error(), "quota exceeded")
	case <-time.After(2 * time.Second):
		t.Fatal("no error event")
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.transcripts, 2)
	assert.Equal(t, UserTranscript{Text: "Grüezi", IsFinal: false}, obs.transcripts[0])
	assert.Equal(t, UserTranscript{Text: "Grüezi mitenand", IsFinal: true}, obs.transcripts[1])
	require.Len(t, obs.rag, 1)
	assert.Equal(t, 2, obs.rag[0].ResultCount)
	assert.Equal(t, 120, obs.rag[0].InjectedChars)
	require.Len(t, obs.rag[0].TopSources, 1)
	assert.Equal(t, "d1", obs.rag[0].TopSources[0].DocumentID)
}

func TestClient_AnswersPing(t *testing.T) {
	fe := newFakeEngine(t)
	_, server := connectClient(t, fe, newRecordingObserver())
	fe.next(t) // initiation

	send(t, server, `{"type":"ping","ping_event":{"event_id":42}}`)
	pong := fe.next(t)
	assert.Equal(t, TypePong, pong["type"])
	assert.Equal(t, float64(42), pong["event_id"])
}

func TestClient_RemoteCloseReportsOnClose(t *testing.T) {
	fe := newFakeEngine(t)
	obs := newRecordingObserver()
	c, server := connectClient(t, fe, obs)

	server.Close()

	select {
	case err := <-obs.closed:
		assert.True(t, errors.IsErrorType(err, errors.ErrorTypeEngine))
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not called")
	}
	assert.Equal(t, StateClosed, c.State())
	assert.False(t, c.IsReady())
}

func TestClient_DisconnectIsIdempotentAndSilent(t *testing.T) {
	fe := newFakeEngine(t)
	obs := newRecordingObserver()
	c, _ := connectClient(t, fe, obs)

	c.Disconnect()
	c.Disconnect()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit")
	}
	assert.Equal(t, StateClosed, c.State())
	assert.Empty(t, obs.closed)
	assert.ErrorIs(t, c.SendUserMessage("hi"), errors.ErrEngineNotReady)
}

func TestClient_DisconnectWithoutConnect(t *testing.T) {
	c := NewClient(Config{URL: "ws://127.0.0.1:1"}, nil, zap.NewNop())
	assert.NotPanics(t, func() {
		c.Disconnect()
		c.Disconnect()
	})
}

func TestClient_ConnectFailure(t *testing.T) {
	c := NewClient(Config{
		URL:            "ws://127.0.0.1:1/unreachable",
		AgentID:        "agent-1",
		ConnectTimeout: 200 * time.Millisecond,
	}, nil, zap.NewNop())

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
	assert.Equal(t, StateClosed, c.State())
}

func TestClient_SendUserMessage(t *testing.T) {
	fe := newFakeEngine(t)
	c, _ := connectClient(t, fe, newRecordingObserver())
	fe.next(t) // initiation

	require.NoError(t, c.SendUserMessage("Wann haben Sie geöffnet?"))
	msg := fe.next(t)
	assert.Equal(t, TypeUserMessage, msg["type"])
	assert.Equal(t, "Wann haben Sie geöffnet?", msg["user_message"])
}

// newStalledEngine acknowledges the initiation and then stops reading, so the
// client's socket buffers fill up.
func newStalledEngine(t *testing.T) string {
	t.Helper()
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"conversation_initiation_metadata","conversation_initiation_metadata_event":{"conversation_id":"conv-stall"}}`))
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// fillUntilStalled keeps sending audio until a write stops making progress
func fillUntilStalled(t *testing.T, c *Client) <-chan struct{} {
	t.Helper()
	var sent atomic.Int64
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		chunk := make([]byte, 64<<10)
		for c.SendAudioInput(chunk) == nil {
			sent.Add(1)
		}
	}()

	last := int64(-1)
	require.Eventually(t, func() bool {
		n := sent.Load()
		stalled := n == last && n > 0
		last = n
		return stalled
	}, 10*time.Second, 300*time.Millisecond, "audio writes never stalled")
	return finished
}

func TestClient_DisconnectUnblocksStalledWrite(t *testing.T) {
	obs := newRecordingObserver()
	c := NewClient(Config{URL: newStalledEngine(t), AgentID: "agent-1", WriteTimeout: time.Minute}, obs, zap.NewNop())
	require.NoError(t, c.Connect(context.Background()))
	select {
	case <-obs.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("engine never acknowledged")
	}

	writer := fillUntilStalled(t, c)

	disconnected := make(chan struct{})
	go func() {
		c.Disconnect()
		close(disconnected)
	}()

	select {
	case <-disconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("Disconnect blocked behind a stalled audio write")
	}
	select {
	case <-writer:
	case <-time.After(3 * time.Second):
		t.Fatal("stalled writer was not released by Disconnect")
	}
	assert.Equal(t, StateClosed, c.State())
}

func TestClient_WriteTimeoutBoundsStalledWrite(t *testing.T) {
	obs := newRecordingObserver()
	c := NewClient(Config{URL: newStalledEngine(t), AgentID: "agent-1", WriteTimeout: 200 * time.Millisecond}, obs, zap.NewNop())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)
	select {
	case <-obs.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("engine never acknowledged")
	}

	chunk := make([]byte, 64<<10)
	failed := make(chan error, 1)
	go func() {
		for {
			if err := c.SendAudioInput(chunk); err != nil {
				failed <- err
				return
			}
		}
	}()

	select {
	case err := <-failed:
		assert.Contains(t, err.Error(), "write engine message")
	case <-time.After(10 * time.Second):
		t.Fatal("write to a stalled engine never timed out")
	}
}

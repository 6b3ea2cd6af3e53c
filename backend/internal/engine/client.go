package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voice-bridge/backend/internal/state"
	"voice-bridge/backend/pkg/errors"
)

const (
	// DefaultConnectTimeout bounds the transport handshake
	DefaultConnectTimeout = 10 * time.Second
	// DefaultWriteTimeout bounds one message write to a peer that stopped reading
	DefaultWriteTimeout = 5 * time.Second
	// DefaultLanguage is sent when Config.Language is empty
	DefaultLanguage = "de"

	closeWriteTimeout = time.Second
)

// State is the lifecycle of one engine connection
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config describes one conversation with the engine
type Config struct {
	URL            string
	APIKey         string
	AgentID        string
	Language       string
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	// Dialer overrides websocket.DefaultDialer (tests)
	Dialer *websocket.Dialer
}

// Observer receives the client's events. Methods are called from the
// client's read goroutine and must not block for long.
type Observer interface {
	OnOpen()
	OnReady(conversationID string)
	OnAudioChunk(pcm []byte)
	OnTranscript(text string, isFinal bool)
	OnRagQuery(stats state.RagQueryStats)
	OnError(err error)
	// OnClose reports a connection the engine or the network closed.
	// It is not called after Disconnect.
	OnClose(err error)
}

// Client owns one connection to the speech engine. It never reconnects;
// callers create a fresh Client per attempt.
type Client struct {
	cfg      Config
	observer Observer
	logger   *zap.Logger

	mu             sync.Mutex
	conn           *websocket.Conn
	state          State
	ready          bool
	conversationID string
	disconnected   bool

	writeMu sync.Mutex
	done    chan struct{}
}

// NewClient creates a client in the Connecting state
func NewClient(cfg Config, observer Observer, logger *zap.Logger) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Language == "" {
		cfg.Language = DefaultLanguage
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Client{
		cfg:      cfg,
		observer: observer,
		logger:   logger.Named("engine").With(zap.String("agent_id", cfg.AgentID)),
		state:    StateConnecting,
		done:     make(chan struct{}),
	}
}

// Connect opens the transport and sends the conversation initiation.
// The client becomes ready once the engine acknowledges it.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateConnecting || c.disconnected {
		c.mu.Unlock()
		return fmt.Errorf("engine client already used")
	}
	c.mu.Unlock()

	endpoint, err := c.endpoint()
	if err != nil {
		return errors.NewEngineConnectFailed(c.cfg.AgentID, c.cfg.ConnectTimeout, err)
	}

	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("xi-api-key", c.cfg.APIKey)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	c.logger.Info("Connecting to speech engine", zap.String("url", redact(endpoint)))
	conn, _, err := c.cfg.Dialer.DialContext(dialCtx, endpoint, header)
	if err != nil {
		c.setClosed()
		return errors.NewEngineConnectFailed(c.cfg.AgentID, c.cfg.ConnectTimeout, err)
	}

	c.mu.Lock()
	if c.disconnected {
		// Disconnect raced the handshake
		c.mu.Unlock()
		conn.Close()
		return errors.NewEngineConnectFailed(c.cfg.AgentID, c.cfg.ConnectTimeout, context.Canceled)
	}
	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()

	err = c.writeJSON(initiationMessage{
		Type: TypeInitiation,
		ConversationConfig: conversationConfig{
			AgentID:  c.cfg.AgentID,
			Language: c.cfg.Language,
		},
	})
	if err != nil {
		c.setClosed()
		conn.Close()
		return errors.NewEngineConnectFailed(c.cfg.AgentID, c.cfg.ConnectTimeout, err)
	}

	go c.readLoop(conn)

	c.logger.Info("Speech engine connected")
	if c.observer != nil {
		c.observer.OnOpen()
	}
	return nil
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid engine url: %w", err)
	}
	if c.cfg.AgentID != "" {
		q := u.Query()
		q.Set("agent_id", c.cfg.AgentID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer close(c.done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			intentional := c.disconnected
			conversationID := c.conversationID
			c.state = StateClosed
			c.ready = false
			c.mu.Unlock()

			if intentional {
				c.logger.Debug("Engine read loop stopped after disconnect")
				return
			}
			c.logger.Warn("Speech engine connection closed",
				zap.String("conversation_id", conversationID),
				zap.Error(err))
			if c.observer != nil {
				c.observer.OnClose(errors.NewEngineClosed(conversationID, err))
			}
			return
		}

		event, err := ParseEvent(data)
		if err != nil {
			c.logger.Warn("Ignoring malformed engine message", zap.Error(err), zap.Int("size", len(data)))
			continue
		}
		c.dispatch(event)
	}
}

func (c *Client) dispatch(event Event) {
	switch ev := event.(type) {
	case InitiationAck:
		c.mu.Lock()
		c.conversationID = ev.ConversationID
		c.ready = true
		c.mu.Unlock()
		c.logger.Info("Conversation initiated", zap.String("conversation_id", ev.ConversationID))
		if c.observer != nil {
			c.observer.OnReady(ev.ConversationID)
		}

	case AudioOut:
		if len(ev.Audio) == 0 {
			return
		}
		if c.observer != nil {
			c.observer.OnAudioChunk(ev.Audio)
		}

	case UserTranscript:
		if c.observer != nil {
			c.observer.OnTranscript(ev.Text, ev.IsFinal)
		}

	case RagQuery:
		if c.observer != nil {
			c.observer.OnRagQuery(ev.Stats)
		}

	case EngineError:
		c.logger.Error("Speech engine reported error",
			zap.String("code", ev.Code),
			zap.String("message", ev.Message))
		if c.observer != nil {
			c.observer.OnError(errors.NewEngineProtocol(ev.Code, ev.Message))
		}

	case Ping:
		if err := c.writeJSON(pongMessage{Type: TypePong, EventID: ev.EventID}); err != nil {
			c.logger.Debug("Failed to answer ping", zap.Error(err))
		}

	case AgentResponse:
		c.logger.Debug("Agent response", zap.String("text", ev.Text))

	case MessageAck:
		c.logger.Debug("Message acknowledged", zap.String("kind", ev.Kind), zap.String("mid", ev.MID))

	case Unknown:
		c.logger.Debug("Ignoring unknown engine message", zap.String("type", ev.Type))
	}
}

// SendAudioInput forwards 16-bit PCM at the engine rate.
// It returns errors.ErrEngineNotReady before the initiation is acknowledged.
func (c *Client) SendAudioInput(pcm []byte) error {
	if !c.IsReady() {
		return errors.ErrEngineNotReady
	}
	return c.writeJSON(audioInMessage{
		Type:    TypeAudioIn,
		AudioIn: base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendUserMessage injects a text message into the conversation
func (c *Client) SendUserMessage(text string) error {
	if c.State() != StateOpen {
		return errors.ErrEngineNotReady
	}
	return c.writeJSON(userMessage{Type: TypeUserMessage, UserMessage: text})
}

func (c *Client) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode engine message: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.ErrEngineNotReady
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write engine message: %w", err)
	}
	return nil
}

// Disconnect closes the connection. Safe to call more than once and on a
// client that never connected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return
	}
	c.disconnected = true
	c.ready = false
	conn := c.conn
	wasOpen := c.state == StateOpen
	c.state = StateClosed
	c.mu.Unlock()

	if conn == nil {
		return
	}

	// WriteControl may run concurrently with a stalled WriteMessage; Close
	// then unblocks that writer
	if wasOpen {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
	}
	if err := conn.Close(); err != nil {
		c.logger.Debug("Error closing engine connection", zap.Error(err))
	}
	c.logger.Info("Speech engine disconnected", zap.String("conversation_id", c.ConversationID()))
}

func (c *Client) setClosed() {
	c.mu.Lock()
	c.state = StateClosed
	c.ready = false
	c.mu.Unlock()
}

// IsReady reports whether the engine acknowledged the conversation and the
// connection is still open
func (c *Client) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready && c.state == StateOpen
}

// State returns the connection state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConversationID returns the engine-assigned id, empty until acknowledged
func (c *Client) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// Done is closed when the read loop exits
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func redact(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	q := u.Query()
	if q.Has("api_key") {
		q.Set("api_key", "***")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

package telephony

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voice-bridge/backend/internal/observability"
)

// ServerOptions configures the media stream endpoint
type ServerOptions struct {
	SessionMaxDuration time.Duration
	Metrics            *observability.Metrics
}

// Server accepts media stream WebSocket connections and runs one Session per
// connection.
type Server struct {
	upgrader websocket.Upgrader
	handler  Handler
	logger   *zap.Logger
	opts     ServerOptions

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewServer creates a media stream endpoint that reports to handler
func NewServer(handler Handler, logger *zap.Logger, opts ServerOptions) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			// The telephony provider connects server-to-server without an Origin
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		handler:  handler,
		logger:   logger.Named("telephony"),
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

// ServeHTTP upgrades the request and serves the stream until it ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Media stream upgrade failed", zap.Error(err))
		return
	}

	session := NewSession(conn, s.handler, s.logger, SessionOptions{
		CallID:      r.URL.Query().Get("callSid"),
		MaxDuration: s.opts.SessionMaxDuration,
		Metrics:     s.opts.Metrics,
	})
	s.logger.Info("Session created",
		zap.String("session_id", session.ID()),
		zap.String("call_sid", session.CallID()),
		zap.String("remote", r.RemoteAddr))

	s.mu.Lock()
	s.sessions[session.ID()] = session
	s.mu.Unlock()
	s.wg.Add(1)

	defer func() {
		s.mu.Lock()
		delete(s.sessions, session.ID())
		s.mu.Unlock()
		s.wg.Done()
	}()

	if err := session.Serve(s.ctx); err != nil {
		s.logger.Warn("Media stream ended with error",
			zap.String("session_id", session.ID()),
			zap.Error(err))
	}
}

// ActiveSessions returns the number of open streams
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown closes every open stream and waits for their read loops to exit
// or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("All media streams closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

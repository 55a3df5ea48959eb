// Package mockserver is a local stand-in for the live backend. It answers the
// setup handshake, echoes microphone audio back as model audio, and replies to
// text turns, over WebSocket or the in-process pipe transport.
package mockserver

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/live-gateway/internal/audio"
	"github.com/lexiqai/live-gateway/internal/observability"
	"github.com/lexiqai/live-gateway/internal/transport"
)

// APIKeyHeader carries the client's key on the upgrade request
const APIKeyHeader = "x-goog-api-key"

// Options configure a Server
type Options struct {
	Logger zerolog.Logger
	// APIKey, when set, must match the client's key header
	APIKey string
	// InputRate is the rate of microphone audio clients send
	InputRate int
	// OutputRate is the rate of the audio the server replies with
	OutputRate int
	// EchoAudio replies to each audio chunk with the same audio at OutputRate
	EchoAudio bool
}

// Option mutates Options
type Option func(*Options)

// WithLogger sets the server logger
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// WithAPIKey requires clients to present key
func WithAPIKey(key string) Option {
	return func(o *Options) { o.APIKey = key }
}

// WithEchoAudio toggles audio echo
func WithEchoAudio(enabled bool) Option {
	return func(o *Options) { o.EchoAudio = enabled }
}

// Server accepts live sessions
type Server struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*mockSession
	wg       sync.WaitGroup
}

// New creates a Server
func New(opts ...Option) *Server {
	o := Options{
		Logger:     observability.GetLogger(),
		InputRate:  audio.ServerInputSampleRate,
		OutputRate: audio.ServerOutputSampleRate,
		EchoAudio:  true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Server{
		opts:     o,
		logger:   observability.WithComponent(o.Logger, "mockserver"),
		sessions: make(map[string]*mockSession),
	}
}

// HandleWS is the HTTP entry point for WebSocket sessions
func (s *Server) HandleWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r.Header) {
			http.Error(w, "invalid API key", http.StatusUnauthorized)
			return
		}

		peer, err := transport.Upgrade(w, r, transport.WithLogger(s.logger))
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to upgrade connection to WebSocket")
			return
		}

		s.logger.Info().Str("remote_addr", r.RemoteAddr).Msg("New WebSocket session")
		s.Serve(r.Context(), peer)
	}
}

// ServePipe accepts in-process sessions on l until ctx is done or l is closed
func (s *Server) ServePipe(ctx context.Context, l *transport.PipeListener) error {
	for {
		peer, err := l.Accept(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosedListener) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		if !s.authorized(peer.Header()) {
			s.logger.Warn().Msg("Rejecting pipe session with invalid API key")
			_ = peer.Close(websocket.ClosePolicyViolation, "invalid API key")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Serve(ctx, peer)
		}()
	}
}

// Serve runs one session until the peer disconnects or ctx is done
func (s *Server) Serve(ctx context.Context, peer transport.Peer) {
	sess := newMockSession(peer, s.opts, s.logger)

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
		_ = peer.Close(transport.CloseNormal, "")
	}()

	sess.processIncomingMessages(ctx)
	sess.logger.Info().
		Int("audio_chunks", sess.audioChunks).
		Int("video_frames", sess.videoFrames).
		Msg("Session ended")
}

// ActiveSessions returns the number of sessions being served
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Wait blocks until every pipe session has ended
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) authorized(header http.Header) bool {
	return s.opts.APIKey == "" || header.Get(APIKeyHeader) == s.opts.APIKey
}

package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/lexiqai/live-gateway/internal/observability"
	"github.com/lexiqai/live-gateway/internal/transport"
)

// CaptureKind identifies a capture pipeline type
type CaptureKind int

const (
	CaptureAudio CaptureKind = iota
	CaptureVideo
)

func (k CaptureKind) String() string {
	if k == CaptureVideo {
		return "video"
	}
	return "audio"
}

// State holds the per-session capture flags. Only the conversation
// lifecycle flips them; at most one pipeline of each kind is active.
type State struct {
	inConversation   atomic.Bool
	inVideoRecording atomic.Bool
}

func (s *State) flag(kind CaptureKind) *atomic.Bool {
	if kind == CaptureVideo {
		return &s.inVideoRecording
	}
	return &s.inConversation
}

// TryBegin marks kind active and reports false if it already was
func (s *State) TryBegin(kind CaptureKind) bool {
	return s.flag(kind).CompareAndSwap(false, true)
}

// End clears kind
func (s *State) End(kind CaptureKind) {
	s.flag(kind).Store(false)
}

// Active reports whether a pipeline of kind is running
func (s *State) Active(kind CaptureKind) bool {
	return s.flag(kind).Load()
}

// Session is one open live connection. Send methods may be called from any
// goroutine; the stream returned by Receive supports one consumer at a time.
type Session struct {
	id        string
	transport transport.Handler
	logger    zerolog.Logger
	state     State

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewSession wraps an already connected transport. Connect is the usual entry point.
func NewSession(t transport.Handler, logger zerolog.Logger) *Session {
	id := observability.NewSessionID()
	s := &Session{
		id:        id,
		transport: t,
		logger:    observability.WithSessionID(logger, id),
	}
	observability.SessionOpened()
	return s
}

// SessionID returns the client-side identifier used in logs
func (s *Session) SessionID() string {
	return s.id
}

// Logger returns the session-scoped logger
func (s *Session) Logger() zerolog.Logger {
	return s.logger
}

// IsClosed reports whether Close has been called
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// State returns the capture flags
func (s *Session) State() *State {
	return &s.state
}

// InConversation reports whether an audio conversation is active
func (s *Session) InConversation() bool {
	return s.state.Active(CaptureAudio)
}

// InVideoRecording reports whether a video recording is active
func (s *Session) InVideoRecording() bool {
	return s.state.Active(CaptureVideo)
}

func (s *Session) write(messageType string, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return NewError(CodeRequestError, "failed to encode "+messageType+" message", err)
	}
	if err := s.transport.Send(data); err != nil {
		return NewError(CodeRequestError, "failed to send "+messageType+" message", err)
	}
	observability.RecordClientMessage(messageType)
	return nil
}

// Send sends one user turn made of parts
func (s *Session) Send(parts []*genai.Part, turnComplete bool) error {
	if s.IsClosed() {
		return errClosed()
	}
	turn := ContentTurn{
		Turns:        []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)},
		TurnComplete: turnComplete,
	}
	return s.write("clientContent", clientContentFrame{ClientContent: turn})
}

// SendText sends a completed user turn holding text
func (s *Session) SendText(text string) error {
	return s.Send([]*genai.Part{genai.NewPartFromText(text)}, true)
}

// SendMediaChunks sends each chunk as its own realtimeInput frame, in order.
// The first failing chunk aborts the rest.
func (s *Session) SendMediaChunks(chunks []MediaBlob) error {
	if s.IsClosed() {
		return errClosed()
	}
	for i, chunk := range chunks {
		frame := realtimeInputFrame{RealtimeInput: realtimeInput{MediaChunks: []MediaBlob{chunk}}}
		if err := s.write("realtimeInput", frame); err != nil {
			if len(chunks) > 1 {
				return fmt.Errorf("media chunk %d of %d: %w", i+1, len(chunks), err)
			}
			return err
		}
		observability.RecordMediaChunk(chunk.MimeType)
	}
	return nil
}

// MediaReader is a pull source of media chunks. ReadChunk returns io.EOF when exhausted.
type MediaReader interface {
	ReadChunk(ctx context.Context) (MediaBlob, error)
}

// ChannelReader adapts a channel to MediaReader; a closed channel is exhaustion
type ChannelReader <-chan MediaBlob

// ReadChunk implements MediaReader
func (c ChannelReader) ReadChunk(ctx context.Context) (MediaBlob, error) {
	select {
	case chunk, ok := <-c:
		if !ok {
			return MediaBlob{}, io.EOF
		}
		return chunk, nil
	case <-ctx.Done():
		return MediaBlob{}, ctx.Err()
	}
}

// SendMediaStream forwards chunks from r until it is exhausted.
// Read and send failures are returned as a request-error and the stream is not retried.
func (s *Session) SendMediaStream(ctx context.Context, r MediaReader) error {
	if s.IsClosed() {
		return errClosed()
	}
	for {
		chunk, err := r.ReadChunk(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err == nil {
			err = s.SendMediaChunks([]MediaBlob{chunk})
		}
		if err != nil {
			return NewError(CodeRequestError, "stream processing failed", err)
		}
	}
}

// SendFunctionResponses answers a ToolCall
func (s *Session) SendFunctionResponses(responses []*genai.FunctionResponse) error {
	if s.IsClosed() {
		return errClosed()
	}
	return s.write("toolResponse", toolResponseFrame{ToolResponse: toolResponse{FunctionResponses: responses}})
}

// Receive returns the classified inbound message stream
func (s *Session) Receive() (*MessageStream, error) {
	if s.IsClosed() {
		return nil, errClosed()
	}
	return &MessageStream{session: s, inbox: s.transport.Listen()}, nil
}

// Close closes the transport with a normal closure. It is idempotent and
// ends any stream blocked in Next.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.transport.Close(transport.CloseNormal, "")
		observability.SessionClosed()
		s.logger.Info().Msg("Live session closed")
	})
	return s.closeErr
}

// HealthCheck reports the session as unhealthy once closed
func (s *Session) HealthCheck(ctx context.Context) (bool, error) {
	if s.IsClosed() {
		return false, errors.New("session is closed")
	}
	return true, nil
}

// MessageStream yields classified server messages in arrival order
type MessageStream struct {
	session *Session
	inbox   *transport.Inbox
}

// Next blocks for the next classified message. It returns io.EOF once the
// session is closed or the connection ends, and ctx.Err() if ctx is done first.
// A parse-failed *Error covers a single message; the stream stays usable.
func (m *MessageStream) Next(ctx context.Context) (ServerMessage, error) {
	for {
		if m.session.IsClosed() {
			return nil, io.EOF
		}

		raw, err := m.inbox.Next(ctx)
		if err != nil {
			return nil, err
		}
		if m.session.IsClosed() {
			return nil, io.EOF
		}

		msg, err := classify(raw, m.session.logger)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
	}
}

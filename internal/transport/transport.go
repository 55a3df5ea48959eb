// Package transport provides the bidirectional message sockets a live session runs over.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/live-gateway/internal/observability"
)

var (
	// ErrNotOpen is returned by Send when the handler is not connected
	ErrNotOpen = errors.New("transport: connection is not open")
	// ErrAlreadyConnected is returned by a second Connect on the same handler
	ErrAlreadyConnected = errors.New("transport: connect already called")
	// ErrUnsupportedScheme is returned by New for URLs no handler can serve
	ErrUnsupportedScheme = errors.New("transport: unsupported URL scheme")
)

// Close codes used by the live session
const (
	CloseNormal = websocket.CloseNormalClosure
)

// Handler is a bidirectional message socket.
//
// Listen may be called before or after Connect; frames are buffered until pulled.
// The sequence ends with io.EOF when the connection closes for any reason.
// Close is idempotent.
type Handler interface {
	Peer
	Connect(ctx context.Context, url string) error
}

// Peer is an established connection, either a dialed Handler or the
// accepting end of one (see Upgrade and PipeListener.Accept)
type Peer interface {
	Send(data []byte) error
	Listen() *Inbox
	Close(code int, reason string) error
}

type state int32

const (
	stateIdle state = iota
	stateConnecting
	stateOpen
	stateClosing
	stateClosed
)

// Options configure handlers built by New
type Options struct {
	Logger       zerolog.Logger
	Header       http.Header
	WriteTimeout time.Duration
	CloseGrace   time.Duration
	ReadLimit    int64
}

// Option mutates Options
type Option func(*Options)

// WithLogger sets the handler's logger
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// WithHeader adds headers sent with the WebSocket upgrade request
func WithHeader(header http.Header) Option {
	return func(o *Options) { o.Header = header }
}

// WithWriteTimeout bounds each frame write
func WithWriteTimeout(d time.Duration) Option {
	return func(o *Options) { o.WriteTimeout = d }
}

func defaultOptions() Options {
	return Options{
		Logger:       observability.WithComponent(observability.GetLogger(), "transport"),
		WriteTimeout: 10 * time.Second,
		CloseGrace:   2 * time.Second,
		ReadLimit:    16 * 1024 * 1024,
	}
}

// New picks the handler implementation for rawURL's scheme:
// ws and wss dial a network WebSocket, pipe connects in-process.
func New(rawURL string, opts ...Option) (Handler, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid transport URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
		return NewWebSocket(opts...), nil
	case PipeScheme:
		return NewPipe(opts...), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// redactURL drops the query string, which may carry an API key
func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid>"
	}
	u.RawQuery = ""
	return u.String()
}

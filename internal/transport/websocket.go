package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Local mock server only; no browser clients
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// WebSocket is the network Handler backed by gorilla/websocket
type WebSocket struct {
	opts   Options
	logger zerolog.Logger
	inbox  *Inbox

	mu    sync.Mutex
	state state
	conn  *websocket.Conn

	writeMu    sync.Mutex
	readerDone chan struct{}
}

// NewWebSocket creates an unconnected WebSocket handler
func NewWebSocket(opts ...Option) *WebSocket {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.Logger.With().Str("transport", "websocket").Logger()
	return &WebSocket{
		opts:       o,
		logger:     logger,
		inbox:      newInbox(logger),
		readerDone: make(chan struct{}),
	}
}

// Connect dials url and starts the read loop
func (w *WebSocket) Connect(ctx context.Context, url string) error {
	w.mu.Lock()
	if w.state != stateIdle {
		w.mu.Unlock()
		return ErrAlreadyConnected
	}
	w.state = stateConnecting
	w.mu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, url, w.opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		w.mu.Lock()
		w.state = stateClosed
		w.mu.Unlock()
		w.inbox.close()
		close(w.readerDone)
		if resp != nil {
			return fmt.Errorf("websocket dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial failed: %w", err)
	}
	conn.SetReadLimit(w.opts.ReadLimit)

	w.mu.Lock()
	if w.state != stateConnecting {
		// Closed while dialing
		w.mu.Unlock()
		_ = conn.Close()
		return ErrNotOpen
	}
	w.conn = conn
	w.state = stateOpen
	w.mu.Unlock()

	go w.readLoop(conn)

	w.logger.Debug().Str("url", redactURL(url)).Msg("WebSocket connected")
	return nil
}

func (w *WebSocket) readLoop(conn *websocket.Conn) {
	defer close(w.readerDone)
	defer w.inbox.close()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			closing := w.state >= stateClosing
			w.state = stateClosed
			w.mu.Unlock()

			var closeErr *websocket.CloseError
			switch {
			case closing:
			case errors.As(err, &closeErr):
				w.logger.Info().Int("code", closeErr.Code).Str("reason", closeErr.Text).Msg("Peer closed WebSocket")
			default:
				w.logger.Warn().Err(err).Msg("WebSocket read failed")
			}
			_ = conn.Close()
			return
		}

		w.inbox.push(data, messageType == websocket.BinaryMessage)
	}
}

// Send writes one text frame
func (w *WebSocket) Send(data []byte) error {
	w.mu.Lock()
	conn := w.conn
	open := w.state == stateOpen
	w.mu.Unlock()
	if !open {
		return ErrNotOpen
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if w.opts.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(w.opts.WriteTimeout))
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("websocket write failed: %w", err)
	}
	return nil
}

// Listen returns the inbound message sequence
func (w *WebSocket) Listen() *Inbox {
	return w.inbox
}

// Close sends a close frame and waits briefly for the peer to acknowledge.
// Calls after the first return nil without touching the connection.
func (w *WebSocket) Close(code int, reason string) error {
	w.mu.Lock()
	switch w.state {
	case stateClosing, stateClosed:
		w.mu.Unlock()
		return nil
	case stateIdle, stateConnecting:
		w.state = stateClosed
		w.mu.Unlock()
		w.inbox.close()
		return nil
	}
	w.state = stateClosing
	conn := w.conn
	w.mu.Unlock()

	w.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(w.opts.CloseGrace))
	w.writeMu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		w.logger.Debug().Err(err).Msg("Failed to send close frame")
	}

	select {
	case <-w.readerDone:
	case <-time.After(w.opts.CloseGrace):
		w.logger.Debug().Msg("Peer did not acknowledge close in time")
	}

	_ = conn.Close()
	<-w.readerDone
	return nil
}

// Upgrade accepts an incoming WebSocket request and returns it as an open Peer
func Upgrade(w http.ResponseWriter, r *http.Request, opts ...Option) (*WebSocket, error) {
	ws := NewWebSocket(opts...)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade failed: %w", err)
	}
	conn.SetReadLimit(ws.opts.ReadLimit)

	ws.mu.Lock()
	ws.conn = conn
	ws.state = stateOpen
	ws.mu.Unlock()

	go ws.readLoop(conn)
	return ws, nil
}

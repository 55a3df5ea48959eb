package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/rs/zerolog"
)

// PipeScheme selects the in-process transport, e.g. pipe://mock
const PipeScheme = "pipe"

// ErrNoListener is returned when connecting to a pipe name nobody listens on
var ErrNoListener = errors.New("transport: no pipe listener")

var pipeRegistry = struct {
	sync.Mutex
	listeners map[string]*PipeListener
}{listeners: make(map[string]*PipeListener)}

// PipeListener accepts in-process connections for one pipe name
type PipeListener struct {
	name      string
	accept    chan *PipePeer
	done      chan struct{}
	closeOnce sync.Once
}

// ListenPipe registers name so that pipe://name connects here
func ListenPipe(name string) (*PipeListener, error) {
	pipeRegistry.Lock()
	defer pipeRegistry.Unlock()

	if _, exists := pipeRegistry.listeners[name]; exists {
		return nil, fmt.Errorf("pipe %q is already in use", name)
	}
	l := &PipeListener{
		name:   name,
		accept: make(chan *PipePeer),
		done:   make(chan struct{}),
	}
	pipeRegistry.listeners[name] = l
	return l, nil
}

// URL returns the address clients dial
func (l *PipeListener) URL() string {
	return PipeScheme + "://" + l.name
}

// Accept waits for the next client connection
func (l *PipeListener) Accept(ctx context.Context) (*PipePeer, error) {
	select {
	case peer := <-l.accept:
		return peer, nil
	case <-l.done:
		return nil, ErrClosedListener
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ErrClosedListener is returned by Accept after Close
var ErrClosedListener = errors.New("transport: pipe listener closed")

// Close unregisters the listener. Established connections are unaffected.
func (l *PipeListener) Close() error {
	l.closeOnce.Do(func() {
		pipeRegistry.Lock()
		if pipeRegistry.listeners[l.name] == l {
			delete(pipeRegistry.listeners, l.name)
		}
		pipeRegistry.Unlock()
		close(l.done)
	})
	return nil
}

func lookupPipe(name string) (*PipeListener, bool) {
	pipeRegistry.Lock()
	defer pipeRegistry.Unlock()
	l, ok := pipeRegistry.listeners[name]
	return l, ok
}

// Pipe is the in-process Handler. Frames are handed straight to the peer's inbox.
type Pipe struct {
	opts   Options
	logger zerolog.Logger
	inbox  *Inbox

	mu          sync.Mutex
	state       state
	peer        *PipePeer
	closeCode   int
	closeReason string
}

// NewPipe creates an unconnected pipe handler
func NewPipe(opts ...Option) *Pipe {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.Logger.With().Str("transport", "pipe").Logger()
	return &Pipe{
		opts:   o,
		logger: logger,
		inbox:  newInbox(logger),
	}
}

// Connect attaches to the listener registered for rawURL's host
func (p *Pipe) Connect(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid pipe URL: %w", err)
	}
	if u.Scheme != PipeScheme {
		return fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	p.mu.Lock()
	if p.state != stateIdle {
		p.mu.Unlock()
		return ErrAlreadyConnected
	}
	p.state = stateConnecting
	p.mu.Unlock()

	fail := func(err error) error {
		p.mu.Lock()
		p.state = stateClosed
		p.mu.Unlock()
		p.inbox.close()
		return err
	}

	l, ok := lookupPipe(u.Host)
	if !ok {
		return fail(fmt.Errorf("%w: %q", ErrNoListener, u.Host))
	}

	peer := &PipePeer{
		client: p,
		header: p.opts.Header.Clone(),
		query:  u.Query(),
		inbox:  newInbox(p.logger.With().Str("side", "server").Logger()),
	}

	p.mu.Lock()
	p.peer = peer
	p.mu.Unlock()

	select {
	case l.accept <- peer:
	case <-l.done:
		return fail(fmt.Errorf("%w: %q", ErrNoListener, u.Host))
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case stateConnecting:
		p.state = stateOpen
	case stateClosed:
		// The peer accepted and closed already; Listen drains what it sent, then ends
		p.logger.Debug().Str("pipe", u.Host).Msg("Peer closed during connect")
	default:
		return ErrNotOpen
	}
	return nil
}

// Send delivers one frame to the peer
func (p *Pipe) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateOpen {
		return ErrNotOpen
	}
	p.peer.inbox.push(data, false)
	return nil
}

// Listen returns the inbound message sequence
func (p *Pipe) Listen() *Inbox {
	return p.inbox
}

// Close ends both directions. Calls after the first are no-ops.
func (p *Pipe) Close(code int, reason string) error {
	p.shutdown(code, reason)
	return nil
}

func (p *Pipe) shutdown(code int, reason string) bool {
	p.mu.Lock()
	if p.state == stateClosed {
		p.mu.Unlock()
		return false
	}
	p.state = stateClosed
	p.closeCode = code
	p.closeReason = reason
	peer := p.peer
	p.mu.Unlock()

	if peer != nil {
		peer.inbox.close()
	}
	p.inbox.close()
	return true
}

// CloseStatus returns the code and reason the connection was closed with
func (p *Pipe) CloseStatus() (code int, reason string, closed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCode, p.closeReason, p.state == stateClosed
}

// PipePeer is the accepting end of a Pipe
type PipePeer struct {
	client *Pipe
	header http.Header
	query  url.Values
	inbox  *Inbox
}

// Header returns the headers the client connected with
func (pp *PipePeer) Header() http.Header {
	return pp.header
}

// Query returns the query parameters of the dialed URL
func (pp *PipePeer) Query() url.Values {
	return pp.query
}

// Send delivers one frame to the client
func (pp *PipePeer) Send(data []byte) error {
	c := pp.client
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateOpen && c.state != stateConnecting {
		return ErrNotOpen
	}
	c.inbox.push(data, false)
	return nil
}

// Listen returns frames sent by the client
func (pp *PipePeer) Listen() *Inbox {
	return pp.inbox
}

// Close ends the connection from the server side
func (pp *PipePeer) Close(code int, reason string) error {
	if pp.client.shutdown(code, reason) {
		pp.client.logger.Info().Int("code", code).Str("reason", reason).Msg("Peer closed pipe")
	}
	return nil
}

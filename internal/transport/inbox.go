package transport

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/lexiqai/live-gateway/internal/observability"
)

// Inbox is the unbounded FIFO behind Handler.Listen. Frames pushed before
// anyone pulls are kept, so the socket reader never waits on the consumer.
// An Inbox supports a single consumer.
type Inbox struct {
	logger zerolog.Logger

	mu     sync.Mutex
	queue  []json.RawMessage
	closed bool
	wake   chan struct{}
}

func newInbox(logger zerolog.Logger) *Inbox {
	return &Inbox{
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// push validates one inbound frame and queues it.
// Binary frames must hold UTF-8 JSON. Malformed frames are logged and skipped.
func (in *Inbox) push(frame []byte, binary bool) {
	if binary && !utf8.Valid(frame) {
		in.logger.Warn().Int("bytes", len(frame)).Msg("Dropping binary frame that is not valid UTF-8")
		observability.RecordDroppedMessage("malformed")
		return
	}
	if !json.Valid(frame) {
		in.logger.Warn().Int("bytes", len(frame)).Msg("Dropping frame with malformed JSON")
		observability.RecordDroppedMessage("malformed")
		return
	}

	msg := make(json.RawMessage, len(frame))
	copy(msg, frame)

	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	in.queue = append(in.queue, msg)
	in.mu.Unlock()

	in.signal()
}

// close ends the sequence once queued messages are drained
func (in *Inbox) close() {
	in.mu.Lock()
	in.closed = true
	in.mu.Unlock()

	in.signal()
}

func (in *Inbox) signal() {
	select {
	case in.wake <- struct{}{}:
	default:
	}
}

// Next blocks until a message is available, the connection has closed
// (io.EOF, after every queued message was returned), or ctx is done.
func (in *Inbox) Next(ctx context.Context) (json.RawMessage, error) {
	for {
		in.mu.Lock()
		if len(in.queue) > 0 {
			msg := in.queue[0]
			in.queue[0] = nil
			in.queue = in.queue[1:]
			in.mu.Unlock()
			return msg, nil
		}
		closed := in.closed
		in.mu.Unlock()

		if closed {
			return nil, io.EOF
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-in.wake:
		}
	}
}

// Len returns the number of queued messages
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.queue)
}

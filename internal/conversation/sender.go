package conversation

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/lexiqai/live-gateway/internal/live"
	"github.com/lexiqai/live-gateway/internal/observability"
)

// chunkSender sends captured chunks in submission order from one goroutine.
// Submit never blocks the capture path: when the queue is full the chunk is dropped.
type chunkSender struct {
	session *live.Session
	kind    string
	queue   chan live.MediaBlob
	logger  zerolog.Logger

	dropped atomic.Int64
	failed  atomic.Int64
}

func newChunkSender(session *live.Session, kind string, size int, logger zerolog.Logger) *chunkSender {
	if size <= 0 {
		size = 1
	}
	return &chunkSender{
		session: session,
		kind:    kind,
		queue:   make(chan live.MediaBlob, size),
		logger:  logger,
	}
}

// Submit queues blob and reports whether it was accepted
func (s *chunkSender) Submit(blob live.MediaBlob) bool {
	select {
	case s.queue <- blob:
		return true
	default:
	}

	// Warn on the first drop of each run of drops
	if s.dropped.Add(1) == 1 {
		s.logger.Warn().Str("kind", s.kind).Int("queue_size", cap(s.queue)).Msg("Capture queue full, dropping chunks")
	}
	observability.RecordCaptureDrop(s.kind, "queue_full")
	return false
}

// Run drains the queue until ctx is done or the session closes.
// Send failures are logged and counted; they never stop capture.
func (s *chunkSender) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case blob := <-s.queue:
			if s.dropped.Swap(0) > 0 {
				s.logger.Debug().Str("kind", s.kind).Msg("Capture queue drained")
			}
			if err := s.session.SendMediaChunks([]live.MediaBlob{blob}); err != nil {
				if s.session.IsClosed() {
					return nil
				}
				s.failed.Add(1)
				observability.RecordCaptureDrop(s.kind, "send_failed")
				s.logger.Error().Err(err).Str("kind", s.kind).Msg("Failed to send captured media")
			}
		}
	}
}

// Failures returns the number of chunks whose send failed
func (s *chunkSender) Failures() int64 {
	return s.failed.Load()
}

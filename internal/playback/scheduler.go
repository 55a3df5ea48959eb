// Package playback schedules model audio back to back on an AudioContext clock.
package playback

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/live-gateway/internal/audio"
	"github.com/lexiqai/live-gateway/internal/media"
	"github.com/lexiqai/live-gateway/internal/observability"
)

// Scheduler plays 16-bit PCM chunks gaplessly in arrival order.
//
// Each buffer starts at max(now, nextStartTime) and nextStartTime then moves
// forward by the buffer's duration, so consecutive chunks abut exactly unless
// playback has fallen behind the clock. Interrupt is the only operation that
// discards queued audio or moves nextStartTime backwards.
type Scheduler struct {
	ctx        media.AudioContext
	sampleRate int
	logger     zerolog.Logger

	mu            sync.Mutex
	queue         [][]byte
	scheduled     map[media.BufferSource]struct{}
	nextStartTime float64
	running       bool
	stopped       bool
}

// NewScheduler creates a scheduler for PCM at sampleRate
func NewScheduler(ctx media.AudioContext, sampleRate int, logger zerolog.Logger) *Scheduler {
	if sampleRate <= 0 {
		sampleRate = audio.ServerOutputSampleRate
	}
	return &Scheduler{
		ctx:        ctx,
		sampleRate: sampleRate,
		logger:     logger.With().Str("component", "playback").Logger(),
		scheduled:  make(map[media.BufferSource]struct{}),
	}
}

// EnqueueAndPlay queues pcm and drains the queue unless a drain is already
// running, in which case that drain picks it up.
func (s *Scheduler) EnqueueAndPlay(pcm []byte) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, pcm)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.playLoop()
}

func (s *Scheduler) playLoop() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.stopped {
			s.running = false
			s.mu.Unlock()
			return
		}
		pcm := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.scheduleLocked(pcm)
		s.mu.Unlock()
	}
}

func (s *Scheduler) scheduleLocked(pcm []byte) {
	samples, err := audio.PCM16ToFloat32(pcm)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Dropping malformed audio chunk")
		return
	}
	if len(samples) == 0 {
		return
	}

	buf := &media.AudioBuffer{Samples: samples, SampleRate: s.sampleRate}
	src := s.ctx.CreateBufferSource(buf)

	now := s.ctx.CurrentTime()
	start := s.nextStartTime
	if start < now {
		start = now
	}

	src.OnEnded(func() {
		s.mu.Lock()
		delete(s.scheduled, src)
		s.mu.Unlock()
	})
	if err := src.Start(start); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to start audio buffer")
		return
	}

	s.scheduled[src] = struct{}{}
	observability.RecordPlaybackScheduled(now - s.nextStartTime)
	s.nextStartTime = start + buf.Duration()
}

// Interrupt stops everything scheduled, drops the queue, and resets the
// start pointer to the current clock time.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	sources := make([]media.BufferSource, 0, len(s.scheduled))
	for src := range s.scheduled {
		sources = append(sources, src)
	}
	s.scheduled = make(map[media.BufferSource]struct{})
	s.queue = nil
	s.nextStartTime = s.ctx.CurrentTime()
	s.mu.Unlock()

	// Stop fires OnEnded, which takes s.mu
	for _, src := range sources {
		src.Stop()
	}
	observability.RecordInterruption()
	s.logger.Debug().Int("stopped_sources", len(sources)).Msg("Playback interrupted")
}

// Stop interrupts playback and rejects further buffers
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.Interrupt()
}

// NextStartTime returns the clock time the next buffer will start at, if the clock has not passed it
func (s *Scheduler) NextStartTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStartTime
}

// Scheduled returns the number of sources scheduled or playing
func (s *Scheduler) Scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scheduled)
}

// Queued returns the number of buffers waiting to be scheduled
func (s *Scheduler) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

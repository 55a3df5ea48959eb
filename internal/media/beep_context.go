package media

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/gopxl/beep"
	"github.com/rs/zerolog"
)

const resampleQuality = 4

// BeepContext is an AudioContext that mixes scheduled sources with a beep.Mixer.
// The clock advances by the frames rendered, either through Render or Run.
// Like a browser context it starts suspended.
type BeepContext struct {
	format beep.Format
	logger zerolog.Logger

	mu       sync.Mutex
	state    ContextState
	mixer    *beep.Mixer
	position int64 // frames rendered while running
	ended    []*beepSource
	scratch  [][2]float64
}

// NewBeepContext creates a suspended context rendering at sampleRate
func NewBeepContext(sampleRate int, logger zerolog.Logger) *BeepContext {
	return &BeepContext{
		format: beep.Format{
			SampleRate:  beep.SampleRate(sampleRate),
			NumChannels: 1,
			Precision:   2,
		},
		logger: logger.With().Str("component", "audio_context").Logger(),
		state:  StateSuspended,
		mixer:  &beep.Mixer{},
	}
}

// SampleRate returns the render rate
func (c *BeepContext) SampleRate() int {
	return int(c.format.SampleRate)
}

// CurrentTime returns the rendered position in seconds
func (c *BeepContext) CurrentTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return float64(c.position) / float64(c.format.SampleRate)
}

// State returns the lifecycle state
func (c *BeepContext) State() ContextState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Resume starts the clock
func (c *BeepContext) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateClosed:
		return ErrContextClosed
	case StateSuspended:
		c.state = StateRunning
		c.logger.Debug().Msg("Audio context resumed")
	}
	return nil
}

// Close stops the clock and drops every source. A second Close returns ErrContextClosed.
func (c *BeepContext) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrContextClosed
	}
	c.state = StateClosed
	c.mixer.Clear()
	c.ended = nil
	c.mu.Unlock()

	c.logger.Debug().Msg("Audio context closed")
	return nil
}

// CreateBufferSource wraps buf for one-shot playback
func (c *BeepContext) CreateBufferSource(buf *AudioBuffer) BufferSource {
	return &beepSource{ctx: c, buf: buf}
}

// Render advances the clock by n frames and returns the mixed mono output.
// A suspended or closed context returns silence without advancing.
func (c *BeepContext) Render(n int) []float32 {
	out := make([]float32, n)

	c.mu.Lock()
	if c.state != StateRunning || n == 0 {
		c.mu.Unlock()
		return out
	}

	if cap(c.scratch) < n {
		c.scratch = make([][2]float64, n)
	}
	buf := c.scratch[:n]
	for i := range buf {
		buf[i] = [2]float64{}
	}
	c.mixer.Stream(buf)
	c.position += int64(n)

	ended := c.ended
	c.ended = nil
	c.mu.Unlock()

	for i := range buf {
		out[i] = float32(math.Max(-1, math.Min(1, (buf[i][0]+buf[i][1])/2)))
	}

	// Callbacks run outside the lock so they may schedule new sources
	for _, src := range ended {
		src.fireEnded()
	}
	return out
}

// Run renders in real time into w as 16-bit little-endian mono PCM until ctx is done
func (c *BeepContext) Run(ctx context.Context, w io.Writer, chunk time.Duration) error {
	if chunk <= 0 {
		chunk = 20 * time.Millisecond
	}
	frames := c.format.SampleRate.N(chunk)
	ticker := time.NewTicker(chunk)
	defer ticker.Stop()

	pcm := make([]byte, frames*2)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if c.State() == StateClosed {
			return nil
		}
		samples := c.Render(frames)
		for i, s := range samples {
			var v int16
			if s < 0 {
				v = int16(s * 32768)
			} else {
				v = int16(s * 32767)
			}
			binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
		}
		if _, err := w.Write(pcm); err != nil {
			return fmt.Errorf("write rendered audio: %w", err)
		}
	}
}

// beepSource is a BufferSource mixed into its context
type beepSource struct {
	ctx *BeepContext
	buf *AudioBuffer

	// guarded by ctx.mu
	started bool
	done    bool
	stopped bool
	onEnded func()
}

// Start adds the source to the mixer behind enough silence to begin at when
func (s *beepSource) Start(when float64) error {
	c := s.ctx
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return ErrContextClosed
	}
	if s.started {
		return fmt.Errorf("media: buffer source already started")
	}
	if s.buf == nil || s.buf.SampleRate <= 0 {
		return fmt.Errorf("media: buffer has no sample rate")
	}
	s.started = true

	startFrame := int64(math.Round(when * float64(c.format.SampleRate)))
	delay := startFrame - c.position
	if delay < 0 {
		delay = 0
	}

	var body beep.Streamer = &monoStreamer{samples: s.buf.Samples}
	if s.buf.SampleRate != int(c.format.SampleRate) {
		body = beep.Resample(resampleQuality, beep.SampleRate(s.buf.SampleRate), c.format.SampleRate, body)
	}

	c.mixer.Add(&sourceStreamer{
		src: s,
		inner: beep.Seq(
			beep.Silence(int(delay)),
			body,
			beep.Callback(s.markEnded),
		),
	})
	return nil
}

// markEnded runs inside Render with ctx.mu held
func (s *beepSource) markEnded() {
	if s.done {
		return
	}
	s.done = true
	s.ctx.ended = append(s.ctx.ended, s)
}

// Stop removes the source from the mix and fires OnEnded synchronously
func (s *beepSource) Stop() {
	c := s.ctx
	c.mu.Lock()
	if !s.started || s.done {
		s.stopped = true
		c.mu.Unlock()
		return
	}
	s.stopped = true
	s.done = true
	c.mu.Unlock()

	s.fireEnded()
}

// OnEnded registers fn
func (s *beepSource) OnEnded(fn func()) {
	s.ctx.mu.Lock()
	s.onEnded = fn
	s.ctx.mu.Unlock()
}

func (s *beepSource) fireEnded() {
	s.ctx.mu.Lock()
	fn := s.onEnded
	s.onEnded = nil
	s.ctx.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// sourceStreamer lets Stop drop a source from the mixer
type sourceStreamer struct {
	src   *beepSource
	inner beep.Streamer
}

func (s *sourceStreamer) Stream(samples [][2]float64) (int, bool) {
	if s.src.stopped {
		return 0, false
	}
	return s.inner.Stream(samples)
}

func (s *sourceStreamer) Err() error {
	return s.inner.Err()
}

// monoStreamer plays float32 samples on both channels
type monoStreamer struct {
	samples []float32
	pos     int
}

func (m *monoStreamer) Stream(samples [][2]float64) (int, bool) {
	if m.pos >= len(m.samples) {
		return 0, false
	}
	n := fillStereo(samples, m.samples[m.pos:])
	m.pos += n
	return n, true
}

func (m *monoStreamer) Err() error {
	return nil
}

func fillStereo(dst [][2]float64, src []float32) int {
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}
	for i := 0; i < n; i++ {
		v := float64(src[i])
		dst[i] = [2]float64{v, v}
	}
	return n
}

// CreateMediaStreamSource returns a node that feeds the stream's first audio track
func (c *BeepContext) CreateMediaStreamSource(stream *MediaStream) (SourceNode, error) {
	if c.State() == StateClosed {
		return nil, ErrContextClosed
	}
	tracks := stream.AudioTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("media: stream has no audio track")
	}
	return NewStreamSource(tracks[0], c.logger), nil
}

// StreamSource pumps frames from an AudioTrack into a processor on its own goroutine
type StreamSource struct {
	track  AudioTrack
	logger zerolog.Logger

	mu        sync.Mutex
	connected bool
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewStreamSource creates an unconnected source for track
func NewStreamSource(track AudioTrack, logger zerolog.Logger) *StreamSource {
	return &StreamSource{track: track, logger: logger, done: make(chan struct{})}
}

// Connect starts delivering frames to p
func (s *StreamSource) Connect(p FrameProcessor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return fmt.Errorf("media: source already connected")
	}
	select {
	case <-s.done:
		return fmt.Errorf("media: source disconnected")
	default:
	}
	s.connected = true

	frames := s.track.Frames()
	rate := s.track.SampleRate()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.done:
				return
			case frame, ok := <-frames:
				if !ok {
					s.logger.Debug().Str("track", s.track.Label()).Msg("Capture track ended")
					return
				}
				p.ProcessFrame(frame, rate)
			}
		}
	}()
	return nil
}

// Disconnect stops delivery and waits for any in-flight frame. Safe to call twice.
func (s *StreamSource) Disconnect() {
	s.mu.Lock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

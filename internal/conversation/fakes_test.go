package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/live-gateway/internal/live"
	"github.com/lexiqai/live-gateway/internal/media"
	"github.com/lexiqai/live-gateway/internal/transport"
)

type fakeBufferSource struct {
	mu    sync.Mutex
	ended func()
	fired bool
}

func (s *fakeBufferSource) Start(when float64) error { return nil }

func (s *fakeBufferSource) OnEnded(fn func()) {
	s.mu.Lock()
	s.ended = fn
	s.mu.Unlock()
}

func (s *fakeBufferSource) Stop() {
	s.mu.Lock()
	fn := s.ended
	fired := s.fired
	s.fired = true
	s.mu.Unlock()
	if fn != nil && !fired {
		fn()
	}
}

type fakeSourceNode struct {
	mu          sync.Mutex
	proc        media.FrameProcessor
	connectErr  error
	disconnects atomic.Int32
}

func (n *fakeSourceNode) Connect(p media.FrameProcessor) error {
	if n.connectErr != nil {
		return n.connectErr
	}
	n.mu.Lock()
	n.proc = p
	n.mu.Unlock()
	return nil
}

func (n *fakeSourceNode) Disconnect() {
	n.disconnects.Add(1)
}

func (n *fakeSourceNode) feed(samples []float32, rate int) {
	n.mu.Lock()
	p := n.proc
	n.mu.Unlock()
	p.ProcessFrame(samples, rate)
}

type fakeAudioContext struct {
	mu      sync.Mutex
	state   media.ContextState
	node    *fakeSourceNode
	closes  atomic.Int32
	resumes atomic.Int32
}

func newFakeAudioContext() *fakeAudioContext {
	return &fakeAudioContext{state: media.StateSuspended, node: &fakeSourceNode{}}
}

func (c *fakeAudioContext) SampleRate() int      { return 48000 }
func (c *fakeAudioContext) CurrentTime() float64 { return 0 }

func (c *fakeAudioContext) State() media.ContextState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeAudioContext) Resume(ctx context.Context) error {
	c.resumes.Add(1)
	c.mu.Lock()
	c.state = media.StateRunning
	c.mu.Unlock()
	return nil
}

func (c *fakeAudioContext) Close() error {
	c.closes.Add(1)
	c.mu.Lock()
	c.state = media.StateClosed
	c.mu.Unlock()
	return nil
}

func (c *fakeAudioContext) CreateBufferSource(buf *media.AudioBuffer) media.BufferSource {
	return &fakeBufferSource{}
}

func (c *fakeAudioContext) CreateMediaStreamSource(stream *media.MediaStream) (media.SourceNode, error) {
	return c.node, nil
}

type fakeAudioTrack struct {
	stops atomic.Int32
}

func (t *fakeAudioTrack) Kind() media.TrackKind    { return media.KindAudio }
func (t *fakeAudioTrack) Label() string            { return "fake-mic" }
func (t *fakeAudioTrack) SampleRate() int          { return 48000 }
func (t *fakeAudioTrack) Frames() <-chan []float32 { return nil }
func (t *fakeAudioTrack) Stop()                    { t.stops.Add(1) }

type fakeVideoTrack struct {
	ready atomic.Bool
	img   image.Image
	stops atomic.Int32
}

func (t *fakeVideoTrack) Kind() media.TrackKind { return media.KindVideo }
func (t *fakeVideoTrack) Label() string         { return "fake-camera" }
func (t *fakeVideoTrack) Stop()                 { t.stops.Add(1) }

func (t *fakeVideoTrack) Frame() (image.Image, bool) {
	if !t.ready.Load() {
		return nil, false
	}
	return t.img, true
}

type fakeDevices struct {
	user       *media.MediaStream
	display    *media.MediaStream
	err        error
	userCalls  atomic.Int32
	displayReq atomic.Int32
}

func (d *fakeDevices) GetUserMedia(ctx context.Context, c media.Constraints) (*media.MediaStream, error) {
	d.userCalls.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	return d.user, nil
}

func (d *fakeDevices) GetDisplayMedia(ctx context.Context, c media.Constraints) (*media.MediaStream, error) {
	d.displayReq.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	return d.display, nil
}

type fakeAudioPlatform struct {
	ctx     *fakeAudioContext
	track   *fakeAudioTrack
	devices *fakeDevices
}

func newFakeAudioPlatform() *fakeAudioPlatform {
	track := &fakeAudioTrack{}
	return &fakeAudioPlatform{
		ctx:     newFakeAudioContext(),
		track:   track,
		devices: &fakeDevices{user: media.NewMediaStream(track)},
	}
}

func (p *fakeAudioPlatform) platform() media.Platform {
	return media.Platform{
		NewAudioContext: func() (media.AudioContext, error) { return p.ctx, nil },
		Devices:         p.devices,
	}
}

// syncBuffer is a log sink safe to read while a conversation writes to it
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type pipeSession struct {
	session *live.Session
	peer    *transport.PipePeer
}

// newPipeSession opens a session over an in-process pipe and returns the server end
func newPipeSession(t *testing.T) *pipeSession {
	t.Helper()
	name := strings.NewReplacer("/", "-", " ", "-").Replace("conversation-" + t.Name())
	l, err := transport.ListenPipe(name)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan *transport.PipePeer, 1)
	go func() {
		peer, err := l.Accept(ctx)
		if err == nil {
			accepted <- peer
		}
	}()

	p := transport.NewPipe(transport.WithLogger(zerolog.Nop()))
	require.NoError(t, p.Connect(ctx, l.URL()))

	s := live.NewSession(p, zerolog.Nop())
	t.Cleanup(func() { _ = s.Close() })
	return &pipeSession{session: s, peer: <-accepted}
}

func (p *pipeSession) serverSend(t *testing.T, raw string) {
	t.Helper()
	require.NoError(t, p.peer.Send([]byte(raw)))
}

func (p *pipeSession) serverRead(t *testing.T) map[string]json.RawMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := p.peer.Listen().Next(ctx)
	require.NoError(t, err)
	var frame map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &frame))
	return frame
}

// readChunk returns the single media chunk of a realtimeInput frame
func (p *pipeSession) readChunk(t *testing.T) live.MediaBlob {
	t.Helper()
	frame := p.serverRead(t)
	require.Contains(t, frame, "realtimeInput")
	var input struct {
		MediaChunks []live.MediaBlob `json:"mediaChunks"`
	}
	require.NoError(t, json.Unmarshal(frame["realtimeInput"], &input))
	require.Len(t, input.MediaChunks, 1)
	return input.MediaChunks[0]
}

func stopWithin(t *testing.T, stop func(context.Context) error) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := stop(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return err
}

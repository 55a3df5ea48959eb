// Package media models the audio output context and capture devices a
// conversation runs on, with file-backed implementations built on beep.
package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
)

// ContextState is the lifecycle state of an AudioContext
type ContextState string

const (
	StateSuspended ContextState = "suspended"
	StateRunning   ContextState = "running"
	StateClosed    ContextState = "closed"
)

// ErrContextClosed is returned by operations on a closed AudioContext
var ErrContextClosed = errors.New("media: audio context is closed")

// AudioBuffer is mono PCM normalized to [-1, 1]
type AudioBuffer struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the buffer length in seconds
func (b *AudioBuffer) Duration() float64 {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return float64(len(b.Samples)) / float64(b.SampleRate)
}

// BufferSource plays one AudioBuffer once
type BufferSource interface {
	// Start schedules playback at when, in seconds on the context clock.
	// A time in the past starts immediately.
	Start(when float64) error
	// Stop silences the source. OnEnded fires if it had not already.
	Stop()
	// OnEnded registers the callback run once when playback finishes or is stopped
	OnEnded(fn func())
}

// FrameProcessor receives captured audio frames at the track's native rate
type FrameProcessor interface {
	ProcessFrame(samples []float32, sampleRate int)
}

// FrameProcessorFunc adapts a function to FrameProcessor
type FrameProcessorFunc func(samples []float32, sampleRate int)

// ProcessFrame implements FrameProcessor
func (f FrameProcessorFunc) ProcessFrame(samples []float32, sampleRate int) {
	f(samples, sampleRate)
}

// SourceNode feeds a capture stream into a processor
type SourceNode interface {
	Connect(p FrameProcessor) error
	Disconnect()
}

// AudioContext is the output clock and audio graph
type AudioContext interface {
	SampleRate() int
	// CurrentTime is the output clock in seconds; it only advances while running
	CurrentTime() float64
	State() ContextState
	Resume(ctx context.Context) error
	Close() error
	CreateBufferSource(buf *AudioBuffer) BufferSource
	CreateMediaStreamSource(stream *MediaStream) (SourceNode, error)
}

// TrackKind distinguishes audio and video tracks
type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// Track is one capture source
type Track interface {
	Kind() TrackKind
	Label() string
	Stop()
}

// AudioTrack delivers frames of mono samples at SampleRate.
// Frames is closed when the track ends or is stopped.
type AudioTrack interface {
	Track
	SampleRate() int
	Frames() <-chan []float32
}

// VideoTrack exposes the most recent frame; ok is false until the source is ready
type VideoTrack interface {
	Track
	Frame() (img image.Image, ok bool)
}

// MediaStream groups the tracks returned by one device request
type MediaStream struct {
	mu     sync.Mutex
	tracks []Track
}

// NewMediaStream groups tracks
func NewMediaStream(tracks ...Track) *MediaStream {
	return &MediaStream{tracks: tracks}
}

// Tracks returns every track
func (s *MediaStream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Track(nil), s.tracks...)
}

// AudioTracks returns the audio tracks
func (s *MediaStream) AudioTracks() []AudioTrack {
	var out []AudioTrack
	for _, t := range s.Tracks() {
		if at, ok := t.(AudioTrack); ok && t.Kind() == KindAudio {
			out = append(out, at)
		}
	}
	return out
}

// VideoTracks returns the video tracks
func (s *MediaStream) VideoTracks() []VideoTrack {
	var out []VideoTrack
	for _, t := range s.Tracks() {
		if vt, ok := t.(VideoTrack); ok && t.Kind() == KindVideo {
			out = append(out, vt)
		}
	}
	return out
}

// Stop stops every track
func (s *MediaStream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// Constraints select which devices a request needs
type Constraints struct {
	Audio bool
	Video bool
}

// MediaDevices grants access to capture devices
type MediaDevices interface {
	GetUserMedia(ctx context.Context, c Constraints) (*MediaStream, error)
	GetDisplayMedia(ctx context.Context, c Constraints) (*MediaStream, error)
}

// Device error names
const (
	NotAllowedError  = "NotAllowedError"
	NotFoundError    = "NotFoundError"
	NotReadableError = "NotReadableError"
)

// DeviceError is a permission or hardware failure. Conversation start returns
// it unwrapped so callers can tell it apart from protocol errors.
type DeviceError struct {
	Name    string
	Message string
	Err     error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// IsDeviceError reports whether err is a *DeviceError with the given name.
// An empty name matches any device error.
func IsDeviceError(err error, name string) bool {
	var de *DeviceError
	if !errors.As(err, &de) {
		return false
	}
	return name == "" || de.Name == name
}

// Platform bundles the capabilities a conversation needs. A nil field means
// the capability is unavailable.
type Platform struct {
	NewAudioContext func() (AudioContext, error)
	Devices         MediaDevices
}

// Package conversation wires capture, the session receive loop, and playback
// into audio conversations and video recordings with a single Stop.
package conversation

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/lexiqai/live-gateway/internal/audio"
	"github.com/lexiqai/live-gateway/internal/config"
	"github.com/lexiqai/live-gateway/internal/observability"
)

// FunctionCallingHandler runs the functions of a tool call and returns their responses
type FunctionCallingHandler func(ctx context.Context, calls []*genai.FunctionCall) ([]*genai.FunctionResponse, error)

// VideoSource selects the device a video recording captures
type VideoSource string

const (
	SourceCamera VideoSource = "camera"
	SourceScreen VideoSource = "screen"
)

type options struct {
	handler          FunctionCallingHandler
	logger           zerolog.Logger
	loggerSet        bool
	captureQueueSize int
	inputRate        int
	outputRate       int

	videoSource   VideoSource
	frameInterval time.Duration
	jpegQuality   int
	maxWidth      int
}

// Option configures StartAudioConversation and StartVideoRecording
type Option func(*options)

func defaultOptions() options {
	return options{
		captureQueueSize: 64,
		inputRate:        audio.ServerInputSampleRate,
		outputRate:       audio.ServerOutputSampleRate,
		videoSource:      SourceCamera,
		frameInterval:    time.Second,
		jpegQuality:      80,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if !o.loggerSet {
		o.logger = observability.GetLogger()
	}
	return o
}

// WithFunctionCallingHandler answers tool calls. Without one, tool calls are logged and ignored.
func WithFunctionCallingHandler(h FunctionCallingHandler) Option {
	return func(o *options) { o.handler = h }
}

// WithLogger sets the diagnostic logger
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
		o.loggerSet = true
	}
}

// WithCaptureQueueSize bounds the chunks waiting to be sent; further chunks are dropped
func WithCaptureQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.captureQueueSize = n
		}
	}
}

// WithSampleRates sets the rate microphone audio is sent at and the rate of model audio
func WithSampleRates(input, output int) Option {
	return func(o *options) {
		if input > 0 {
			o.inputRate = input
		}
		if output > 0 {
			o.outputRate = output
		}
	}
}

// WithVideoSource selects camera (default) or screen capture
func WithVideoSource(src VideoSource) Option {
	return func(o *options) { o.videoSource = src }
}

// WithFrameInterval sets the video capture cadence
func WithFrameInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.frameInterval = d
		}
	}
}

// WithJPEGQuality sets the encoder quality, 1 to 100
func WithJPEGQuality(q int) Option {
	return func(o *options) {
		if q >= 1 && q <= 100 {
			o.jpegQuality = q
		}
	}
}

// WithMaxWidth downscales frames wider than w; 0 keeps the native size
func WithMaxWidth(w int) Option {
	return func(o *options) { o.maxWidth = w }
}

// FromConfig applies the capture settings of cfg
func FromConfig(cfg *config.Config) Option {
	return func(o *options) {
		WithCaptureQueueSize(cfg.CaptureQueueSize)(o)
		WithSampleRates(cfg.InputSampleRate, cfg.OutputSampleRate)(o)
		WithFrameInterval(cfg.VideoFrameInterval())(o)
		WithJPEGQuality(cfg.VideoJPEGQuality)(o)
		WithMaxWidth(cfg.VideoMaxWidth)(o)
	}
}

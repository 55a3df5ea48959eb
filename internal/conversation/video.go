package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/live-gateway/internal/live"
	"github.com/lexiqai/live-gateway/internal/media"
	"github.com/lexiqai/live-gateway/internal/observability"
)

// VideoRecording sends one JPEG frame per interval from a camera or screen
// track until stopped.
type VideoRecording struct {
	session *live.Session
	stream  *media.MediaStream
	track   media.VideoTrack
	sender  *chunkSender
	logger  zerolog.Logger

	interval time.Duration
	quality  int
	maxWidth int

	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}
}

// StartVideoRecording opens the configured video source and starts sending
// frames. Only one video recording may run per session.
func StartVideoRecording(ctx context.Context, session *live.Session, platform media.Platform, opts ...Option) (*VideoRecording, error) {
	o := buildOptions(opts)
	logger := observability.WithComponent(o.logger, "video_recording").With().
		Str("session_id", session.SessionID()).
		Str("source", string(o.videoSource)).Logger()

	if session.IsClosed() {
		return nil, live.NewError(live.CodeSessionClosed, "cannot start video recording because the session is closed", nil)
	}
	if !session.State().TryBegin(live.CaptureVideo) {
		return nil, live.NewError(live.CodeRequestError, "a video recording is already in progress for this session", nil)
	}
	if platform.Devices == nil {
		session.State().End(live.CaptureVideo)
		return nil, live.NewError(live.CodeUnsupported, "video recording is not supported on this platform", nil)
	}

	stream, err := openVideo(ctx, platform.Devices, o.videoSource)
	if err != nil {
		session.State().End(live.CaptureVideo)
		var de *media.DeviceError
		var le *live.Error
		if errors.As(err, &de) || errors.As(err, &le) {
			return nil, err
		}
		return nil, live.NewError(live.CodeError, "failed to initialize video recording", err)
	}
	tracks := stream.VideoTracks()
	if len(tracks) == 0 {
		stream.Stop()
		session.State().End(live.CaptureVideo)
		return nil, live.NewError(live.CodeError, "failed to initialize video recording", fmt.Errorf("%s stream has no video track", o.videoSource))
	}

	v := &VideoRecording{
		session:  session,
		stream:   stream,
		track:    tracks[0],
		sender:   newChunkSender(session, "video", 2, logger),
		logger:   logger,
		interval: o.frameInterval,
		quality:  o.jpegQuality,
		maxWidth: o.maxWidth,
		done:     make(chan struct{}),
	}

	observability.ConversationStarted("video")
	logger.Info().Dur("interval", o.frameInterval).Msg("Video recording started")

	v.run()
	return v, nil
}

func openVideo(ctx context.Context, devices media.MediaDevices, src VideoSource) (*media.MediaStream, error) {
	constraints := media.Constraints{Video: true}
	switch src {
	case SourceCamera:
		return devices.GetUserMedia(ctx, constraints)
	case SourceScreen:
		return devices.GetDisplayMedia(ctx, constraints)
	default:
		return nil, live.NewError(live.CodeRequestError, fmt.Sprintf("unknown video source %q", src), nil)
	}
}

func (v *VideoRecording) run() {
	runCtx, cancel := context.WithCancel(context.Background())
	v.cancel = cancel

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		v.captureLoop(gctx)
		return nil
	})
	g.Go(func() error {
		return v.sender.Run(gctx)
	})

	go func() {
		_ = g.Wait()
		v.stream.Stop()
		v.session.State().End(live.CaptureVideo)
		observability.ConversationEnded("video")
		v.logger.Info().Int64("send_failures", v.sender.Failures()).Msg("Video recording stopped")
		close(v.done)
	}()
}

func (v *VideoRecording) captureLoop(ctx context.Context) {
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if v.session.IsClosed() {
				return
			}
			v.captureFrame()
		}
	}
}

func (v *VideoRecording) captureFrame() {
	img, ok := v.track.Frame()
	if !ok {
		observability.RecordCaptureDrop("video", "not_ready")
		return
	}

	data, err := encodeFrame(img, v.maxWidth, v.quality)
	if err != nil {
		observability.RecordCaptureDrop("video", "encode_failed")
		v.logger.Warn().Err(err).Msg("Failed to encode video frame")
		return
	}
	v.sender.Submit(live.NewMediaBlob(jpegMimeType, data))
}

// Stop ends the recording and waits for the device to be released. Safe to call twice.
func (v *VideoRecording) Stop(ctx context.Context) error {
	v.stopOnce.Do(v.cancel)

	select {
	case <-v.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the recording has stopped
func (v *VideoRecording) Done() <-chan struct{} {
	return v.done
}

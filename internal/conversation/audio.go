package conversation

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/live-gateway/internal/audio"
	"github.com/lexiqai/live-gateway/internal/live"
	"github.com/lexiqai/live-gateway/internal/media"
	"github.com/lexiqai/live-gateway/internal/observability"
	"github.com/lexiqai/live-gateway/internal/playback"
)

// AudioConversation streams microphone audio to a session and plays the
// model's audio replies until Stop is called or the session ends.
type AudioConversation struct {
	session   *live.Session
	audioCtx  media.AudioContext
	stream    *media.MediaStream
	source    media.SourceNode
	scheduler *playback.Scheduler
	sender    *chunkSender
	handler   FunctionCallingHandler
	logger    zerolog.Logger

	cancel        context.CancelFunc
	stopRequested atomic.Bool
	stopOnce      sync.Once
	cleanupOnce   sync.Once
	done          chan struct{}
	loopErr       error
}

// StartAudioConversation captures microphone audio from platform, streams it
// to session, and plays audio responses. Only one audio conversation may run
// per session.
//
// Permission and hardware failures are returned as *media.DeviceError, never
// wrapped. Every other failure is a *live.Error.
func StartAudioConversation(ctx context.Context, session *live.Session, platform media.Platform, opts ...Option) (*AudioConversation, error) {
	o := buildOptions(opts)
	logger := observability.WithComponent(o.logger, "audio_conversation").With().
		Str("session_id", session.SessionID()).Logger()

	if session.IsClosed() {
		return nil, live.NewError(live.CodeSessionClosed, "cannot start audio conversation because the session is closed", nil)
	}
	if !session.State().TryBegin(live.CaptureAudio) {
		return nil, live.NewError(live.CodeRequestError, "an audio conversation is already in progress for this session", nil)
	}
	if platform.NewAudioContext == nil || platform.Devices == nil {
		session.State().End(live.CaptureAudio)
		return nil, live.NewError(live.CodeUnsupported, "audio conversation is not supported on this platform", nil)
	}

	// Subscribed before devices open; a Close after this point ends the stream with EOF
	messages, err := session.Receive()
	if err != nil {
		session.State().End(live.CaptureAudio)
		return nil, err
	}

	audioCtx, stream, err := acquireAudio(ctx, platform)
	if err != nil {
		session.State().End(live.CaptureAudio)
		return nil, err
	}

	c := &AudioConversation{
		session:   session,
		audioCtx:  audioCtx,
		stream:    stream,
		scheduler: playback.NewScheduler(audioCtx, o.outputRate, logger),
		sender:    newChunkSender(session, "audio", o.captureQueueSize, logger),
		handler:   o.handler,
		logger:    logger,
		done:      make(chan struct{}),
	}

	source, err := audioCtx.CreateMediaStreamSource(stream)
	if err == nil {
		err = source.Connect(c.processor(o.inputRate))
	}
	if err != nil {
		if source != nil {
			source.Disconnect()
		}
		stream.Stop()
		closeAudioContext(audioCtx, logger)
		session.State().End(live.CaptureAudio)
		return nil, live.NewError(live.CodeError, "failed to initialize audio recording", err)
	}
	c.source = source

	observability.ConversationStarted("audio")
	logger.Info().Int("input_rate", o.inputRate).Int("output_rate", o.outputRate).Msg("Audio conversation started")

	c.run(messages)
	return c, nil
}

// acquireAudio opens the output context and the microphone, releasing the
// context if the microphone cannot be opened.
func acquireAudio(ctx context.Context, platform media.Platform) (media.AudioContext, *media.MediaStream, error) {
	audioCtx, err := platform.NewAudioContext()
	if err != nil {
		return nil, nil, live.NewError(live.CodeError, "failed to initialize audio recording", err)
	}

	fail := func(err error) (media.AudioContext, *media.MediaStream, error) {
		closeAudioContext(audioCtx, observability.GetLogger())
		var de *media.DeviceError
		if errors.As(err, &de) {
			return nil, nil, err
		}
		return nil, nil, live.NewError(live.CodeError, "failed to initialize audio recording", err)
	}

	if audioCtx.State() == media.StateSuspended {
		if err := audioCtx.Resume(ctx); err != nil {
			return fail(err)
		}
	}

	stream, err := platform.Devices.GetUserMedia(ctx, media.Constraints{Audio: true})
	if err != nil {
		return fail(err)
	}
	return audioCtx, stream, nil
}

func closeAudioContext(audioCtx media.AudioContext, logger zerolog.Logger) {
	if audioCtx.State() == media.StateClosed {
		return
	}
	if err := audioCtx.Close(); err != nil {
		logger.Warn().Err(err).Msg("Failed to close audio context")
	}
}

// processor resamples captured frames to the backend rate and queues them
func (c *AudioConversation) processor(targetRate int) media.FrameProcessor {
	mimeType := audio.PCMMimeType(targetRate)
	return media.FrameProcessorFunc(func(samples []float32, sampleRate int) {
		pcm := audio.ResampleToPCM16(samples, sampleRate, targetRate)
		if len(pcm) == 0 {
			return
		}
		observability.RecordInputLevel(audio.CalculateRMS(pcm))
		c.sender.Submit(live.NewMediaBlob(mimeType, audio.EncodePCM16(pcm)))
	})
}

func (c *AudioConversation) run(messages *live.MessageStream) {
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return c.receiveLoop(gctx, messages)
	})
	g.Go(func() error {
		return c.sender.Run(gctx)
	})

	go func() {
		err := g.Wait()
		c.cleanup()
		if err != nil && !c.stopRequested.Load() {
			c.logger.Error().Err(err).Msg("Audio conversation ended with error")
		}
		c.loopErr = err
		close(c.done)
	}()
}

func (c *AudioConversation) receiveLoop(ctx context.Context, stream *live.MessageStream) error {
	for {
		msg, err := stream.Next(ctx)
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, live.ErrSessionClosed):
			c.logger.Debug().Msg("Session stream ended")
			return nil
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, live.ErrParseFailed):
			c.logger.Warn().Err(err).Msg("Skipping unreadable server message")
			continue
		case err != nil:
			return err
		}

		switch m := msg.(type) {
		case *live.ServerContent:
			c.handleServerContent(m)
		case *live.ToolCall:
			if err := c.handleToolCall(ctx, m); err != nil {
				return err
			}
		case *live.ToolCallCancellation:
			c.logger.Debug().Strs("function_ids", m.FunctionIDs).Msg("Tool call cancelled")
		}
	}
}

func (c *AudioConversation) handleServerContent(m *live.ServerContent) {
	if m.Interrupted {
		c.logger.Debug().Msg("Model turn interrupted, clearing playback")
		c.scheduler.Interrupt()
	}
	for _, blob := range m.AudioParts() {
		c.scheduler.EnqueueAndPlay(blob.Data)
	}
}

func (c *AudioConversation) handleToolCall(ctx context.Context, m *live.ToolCall) error {
	if c.handler == nil {
		observability.RecordToolCall("unanswered")
		c.logger.Warn().Int("function_calls", len(m.FunctionCalls)).
			Msg("Received a tool call but no function calling handler was provided")
		return nil
	}

	responses, err := c.handler(ctx, m.FunctionCalls)
	if err != nil {
		observability.RecordToolCall("failed")
		return live.NewError(live.CodeError, "function calling handler failed", err)
	}
	observability.RecordToolCall("answered")
	if c.stopRequested.Load() || ctx.Err() != nil {
		return nil
	}
	if err := c.session.SendFunctionResponses(responses); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to send function responses")
	}
	return nil
}

// cleanup releases every resource exactly once, in capture-to-output order
func (c *AudioConversation) cleanup() {
	c.cleanupOnce.Do(func() {
		c.scheduler.Stop()
		c.source.Disconnect()
		c.stream.Stop()
		closeAudioContext(c.audioCtx, c.logger)
		c.session.State().End(live.CaptureAudio)
		observability.ConversationEnded("audio")
		c.logger.Info().Int64("send_failures", c.sender.Failures()).Msg("Audio conversation stopped")
	})
}

// Stop ends the conversation and waits for cleanup. It is safe to call more
// than once; every call returns the receive loop's error, if any.
func (c *AudioConversation) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		c.stopRequested.Store(true)
		c.cancel()
	})

	select {
	case <-c.done:
		return c.loopErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the conversation has ended and released its resources
func (c *AudioConversation) Done() <-chan struct{} {
	return c.done
}

// Scheduler exposes playback state
func (c *AudioConversation) Scheduler() *playback.Scheduler {
	return c.scheduler
}

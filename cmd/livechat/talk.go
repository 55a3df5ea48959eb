package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lexiqai/live-gateway/internal/conversation"
	"github.com/lexiqai/live-gateway/internal/live"
	"github.com/lexiqai/live-gateway/internal/media"
	"github.com/lexiqai/live-gateway/internal/mockserver"
	"github.com/lexiqai/live-gateway/internal/observability"
	"github.com/lexiqai/live-gateway/internal/transport"
)

var talkFlags struct {
	mic      string
	loop     bool
	camera   string
	screen   string
	video    string
	out      string
	text     string
	mock     bool
	duration time.Duration
}

var talkCmd = &cobra.Command{
	Use:   "talk",
	Short: "Hold a voice conversation with the live backend",
	Long: `talk streams a WAV file as the microphone, plays model audio in real time,
and writes the rendered output as 16-bit mono PCM to --out.

With --video camera or --video screen, frames from --camera or --screen
(an image file or a directory of images) are sent once per interval.

--mock runs an in-process mock backend over the pipe transport instead of
dialing LIVE_URL.`,
	Args: cobra.NoArgs,
	RunE: runTalk,
}

func init() {
	f := talkCmd.Flags()
	f.StringVar(&talkFlags.mic, "mic", "", "WAV file used as the microphone (required)")
	f.BoolVar(&talkFlags.loop, "loop", false, "restart the microphone file at EOF")
	f.StringVar(&talkFlags.camera, "camera", "", "image file or directory used as the camera")
	f.StringVar(&talkFlags.screen, "screen", "", "image file or directory used as the screen")
	f.StringVar(&talkFlags.video, "video", "", "send video from camera or screen")
	f.StringVar(&talkFlags.out, "out", "", "file receiving rendered playback (discarded when empty)")
	f.StringVar(&talkFlags.text, "text", "", "text turn sent before audio starts")
	f.BoolVar(&talkFlags.mock, "mock", false, "talk to an in-process mock backend")
	f.DurationVar(&talkFlags.duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	_ = talkCmd.MarkFlagRequired("mic")
	rootCmd.AddCommand(talkCmd)
}

func runTalk(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if talkFlags.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, talkFlags.duration)
		defer cancel()
	}

	logger := observability.WithComponent(observability.GetLogger(), "talk")

	cc := live.ConfigFromEnv(cfg)
	cc.Tools = builtinTools()
	if talkFlags.mock {
		url, shutdown, err := startPipeMock(ctx, logger)
		if err != nil {
			return err
		}
		defer shutdown()
		cc.URL = url
	}

	session, err := live.Connect(ctx, cc)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer session.Close()

	checks := map[string]observability.HealthCheckFunc{
		"live_session": session.HealthCheck,
	}
	ops := startOpsServer(metricsAddr(), newOpsMux(checks, nil), logger)
	defer ops.Shutdown()

	if talkFlags.text != "" {
		if err := session.SendText(talkFlags.text); err != nil {
			return err
		}
	}

	sink, closeSink, err := openSink(talkFlags.out)
	if err != nil {
		return err
	}
	defer closeSink()

	devices := &media.FileDevices{
		MicrophonePath: talkFlags.mic,
		CameraPath:     talkFlags.camera,
		ScreenPath:     talkFlags.screen,
		Loop:           talkFlags.loop,
		Logger:         logger,
	}
	platform := media.DefaultPlatform(cfg.PlaybackSampleRate, devices, sink, logger)

	conv, err := conversation.StartAudioConversation(ctx, session, platform,
		conversation.FromConfig(cfg),
		conversation.WithLogger(logger),
		conversation.WithFunctionCallingHandler(toolHandler(time.Now)),
	)
	if err != nil {
		if media.IsDeviceError(err, "") {
			return fmt.Errorf("microphone unavailable: %w", err)
		}
		return err
	}

	var rec *conversation.VideoRecording
	if talkFlags.video != "" {
		rec, err = conversation.StartVideoRecording(ctx, session, platform,
			conversation.FromConfig(cfg),
			conversation.WithLogger(logger),
			conversation.WithVideoSource(conversation.VideoSource(talkFlags.video)),
		)
		if err != nil {
			logger.Error().Err(err).Str("source", talkFlags.video).Msg("Video recording unavailable, continuing with audio only")
		}
	}

	select {
	case <-ctx.Done():
	case <-conv.Done():
		logger.Info().Msg("Conversation ended by the backend")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if rec != nil {
		if err := rec.Stop(stopCtx); err != nil {
			logger.Warn().Err(err).Msg("Video recording did not stop cleanly")
		}
	}
	return conv.Stop(stopCtx)
}

// startPipeMock serves a mock backend over the pipe transport and returns its URL
func startPipeMock(ctx context.Context, logger zerolog.Logger) (string, func(), error) {
	l, err := transport.ListenPipe("livechat-" + observability.NewSessionID())
	if err != nil {
		return "", nil, err
	}

	srv := mockserver.New(mockserver.WithLogger(logger), mockserver.WithAPIKey(cfg.LiveAPIKey))
	serveCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.ServePipe(serveCtx, l); err != nil {
			logger.Error().Err(err).Msg("Mock backend stopped")
		}
	}()

	shutdown := func() {
		cancel()
		_ = l.Close()
		<-done
		srv.Wait()
	}
	return l.URL(), shutdown, nil
}

func openSink(path string) (io.Writer, func(), error) {
	if path == "" {
		return io.Discard, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open output: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

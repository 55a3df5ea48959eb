package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lexiqai/live-gateway/internal/mockserver"
	"github.com/lexiqai/live-gateway/internal/observability"
)

var mockFlags struct {
	addr   string
	noEcho bool
}

var mockCmd = &cobra.Command{
	Use:   "mock",
	Short: "Run a local stand-in for the live backend",
	Long: `mock serves the live protocol on ws://<addr>/live. It completes the setup
handshake, echoes microphone audio back as model audio, and answers text
turns. Text commands "/call <name>", "/cancel", and "/interrupt" trigger
tool calls, cancellations, and interruptions.`,
	Args: cobra.NoArgs,
	RunE: runMock,
}

func init() {
	mockCmd.Flags().StringVar(&mockFlags.addr, "addr", ":8090", "listen address")
	mockCmd.Flags().BoolVar(&mockFlags.noEcho, "no-echo", false, "do not echo audio back")
	rootCmd.AddCommand(mockCmd)
}

func runMock(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.WithComponent(observability.GetLogger(), "mock")
	srv := mockserver.New(
		mockserver.WithLogger(logger),
		mockserver.WithAPIKey(cfg.LiveAPIKey),
		mockserver.WithEchoAudio(!mockFlags.noEcho),
	)

	checks := map[string]observability.HealthCheckFunc{
		"mock_server": func(ctx context.Context) (bool, error) { return true, nil },
	}
	mux := newOpsMux(checks, map[string]http.Handler{"/live": srv.HandleWS()})
	ops := startOpsServer(mockFlags.addr, mux, logger)

	<-ctx.Done()
	logger.Info().Int("active_sessions", srv.ActiveSessions()).Msg("Shutting down mock server...")
	ops.Shutdown()
	return nil
}

package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/lexiqai/live-gateway/internal/config"
	"github.com/lexiqai/live-gateway/internal/observability"
	"github.com/lexiqai/live-gateway/internal/resilience"
	"github.com/lexiqai/live-gateway/internal/transport"
)

// ConnectConfig describes the session to open
type ConnectConfig struct {
	URL               string
	APIKey            string
	Model             string
	SystemInstruction string
	ResponseModality  genai.Modality
	VoiceName         string
	Tools             []*genai.Tool

	SetupTimeout time.Duration
	Retry        resilience.RetryConfig
	// Breaker guards connect attempts; nil disables it
	Breaker *resilience.CircuitBreaker

	Logger           zerolog.Logger
	TransportOptions []transport.Option
}

// ConfigFromEnv builds a ConnectConfig from loaded configuration.
// The breaker reports its state to the circuit breaker metrics.
func ConfigFromEnv(cfg *config.Config) ConnectConfig {
	breaker := resilience.NewCircuitBreaker("live_connect",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second)
	breaker.OnStateChange = func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
		if state == resilience.StateOpen {
			observability.IncrementCircuitBreakerFailures(name)
		}
	}

	return ConnectConfig{
		URL:               cfg.LiveURL,
		APIKey:            cfg.LiveAPIKey,
		Model:             cfg.LiveModel,
		SystemInstruction: cfg.LiveSystemInstruction,
		ResponseModality:  genai.Modality(cfg.LiveResponseModality),
		VoiceName:         cfg.LiveVoiceName,
		SetupTimeout:      cfg.SetupTimeoutDuration(),
		Retry: resilience.RetryConfig{
			MaxAttempts:       cfg.ReconnectMaxAttempts,
			InitialBackoff:    time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
		},
		Breaker: breaker,
		Logger:  observability.WithComponent(observability.GetLogger(), "live"),
	}
}

type generationConfig struct {
	ResponseModalities []genai.Modality    `json:"responseModalities,omitempty"`
	SpeechConfig       *genai.SpeechConfig `json:"speechConfig,omitempty"`
}

type setup struct {
	Model             string            `json:"model"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *genai.Content    `json:"systemInstruction,omitempty"`
	Tools             []*genai.Tool     `json:"tools,omitempty"`
}

type setupFrame struct {
	Setup setup `json:"setup"`
}

func (c ConnectConfig) setupFrame() setupFrame {
	model := c.Model
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}

	s := setup{Model: model, Tools: c.Tools}
	if c.ResponseModality != "" || c.VoiceName != "" {
		gc := &generationConfig{}
		if c.ResponseModality != "" {
			gc.ResponseModalities = []genai.Modality{c.ResponseModality}
		}
		if c.VoiceName != "" {
			gc.SpeechConfig = &genai.SpeechConfig{
				VoiceConfig: &genai.VoiceConfig{
					PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: c.VoiceName},
				},
			}
		}
		s.GenerationConfig = gc
	}
	if c.SystemInstruction != "" {
		s.SystemInstruction = genai.NewContentFromText(c.SystemInstruction, genai.RoleUser)
	}
	return setupFrame{Setup: s}
}

// Connect dials the live endpoint, performs the setup handshake, and returns
// an open Session. Retryable dial and handshake failures are retried with
// backoff under the configured circuit breaker.
func Connect(ctx context.Context, cc ConnectConfig) (*Session, error) {
	if cc.URL == "" {
		return nil, NewError(CodeRequestError, "a live endpoint URL is required", nil)
	}
	if cc.Model == "" {
		return nil, NewError(CodeRequestError, "a model name is required", nil)
	}
	if cc.SetupTimeout <= 0 {
		cc.SetupTimeout = 10 * time.Second
	}

	logger := cc.Logger.With().Str("model", cc.Model).Logger()

	var session *Session
	attempt := func(ctx context.Context, n int) error {
		run := func(ctx context.Context) error {
			s, err := connectOnce(ctx, cc, logger)
			if err != nil {
				return err
			}
			session = s
			return nil
		}

		var err error
		if cc.Breaker != nil {
			err = cc.Breaker.Execute(ctx, run)
		} else {
			err = run(ctx)
		}
		observability.RecordConnectAttempt(err == nil)
		return err
	}

	if err := resilience.Retry(ctx, cc.Retry, logger, attempt, resilience.IsRetryableNetworkError); err != nil {
		var liveErr *Error
		if errors.As(err, &liveErr) {
			return nil, err
		}
		return nil, NewError(CodeFetchError, "failed to connect to live endpoint", err)
	}

	session.logger.Info().Msg("Live session established")
	return session, nil
}

func connectOnce(ctx context.Context, cc ConnectConfig, logger zerolog.Logger) (*Session, error) {
	opts := append([]transport.Option{transport.WithLogger(logger)}, cc.TransportOptions...)
	if cc.APIKey != "" {
		header := http.Header{}
		header.Set("x-goog-api-key", cc.APIKey)
		opts = append(opts, transport.WithHeader(header))
	}

	t, err := transport.New(cc.URL, opts...)
	if err != nil {
		return nil, NewError(CodeUnsupported, "no transport for endpoint", err)
	}
	if err := t.Connect(ctx, cc.URL); err != nil {
		return nil, err
	}

	if err := handshake(ctx, t, cc); err != nil {
		_ = t.Close(transport.CloseNormal, "handshake failed")
		return nil, err
	}
	return NewSession(t, logger), nil
}

// handshake sends setup and waits for setupComplete as the first message
func handshake(ctx context.Context, t transport.Handler, cc ConnectConfig) error {
	data, err := json.Marshal(cc.setupFrame())
	if err != nil {
		return NewError(CodeRequestError, "failed to encode setup message", err)
	}
	if err := t.Send(data); err != nil {
		return fmt.Errorf("send setup: %w", err)
	}
	observability.RecordClientMessage("setup")

	setupCtx, cancel := context.WithTimeout(ctx, cc.SetupTimeout)
	defer cancel()

	raw, err := t.Listen().Next(setupCtx)
	switch {
	case errors.Is(err, io.EOF):
		return NewError(CodeError, "connection closed before setup completed", nil)
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return resilience.NewRetryableError(NewError(CodeError, "timed out waiting for setupComplete", err))
	case err != nil:
		return err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || !has(fields, keySetupComplete) {
		return NewError(CodeError, "server sent an unexpected first message", fmt.Errorf("payload: %s", truncate(raw, 200)))
	}
	return nil
}

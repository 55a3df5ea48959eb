package live

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/lexiqai/live-gateway/internal/resilience"
	"github.com/lexiqai/live-gateway/internal/transport"
)

// serveHandshake accepts one pipe connection and replies to setup with reply.
// The received setup frame and API key header are delivered on the returned channels.
func serveHandshake(t *testing.T, l *transport.PipeListener, reply string) (<-chan setup, <-chan string) {
	t.Helper()
	setups := make(chan setup, 1)
	keys := make(chan string, 1)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		peer, err := l.Accept(ctx)
		if err != nil {
			return
		}
		keys <- peer.Header().Get("x-goog-api-key")

		raw, err := peer.Listen().Next(ctx)
		if err != nil {
			return
		}
		var frame setupFrame
		if err := json.Unmarshal(raw, &frame); err == nil {
			setups <- frame.Setup
		}
		if reply != "" {
			_ = peer.Send([]byte(reply))
		}
	}()
	return setups, keys
}

func testConnectConfig(url string) ConnectConfig {
	return ConnectConfig{
		URL:              url,
		APIKey:           "test-key",
		Model:            "gemini-live-test",
		ResponseModality: genai.ModalityAudio,
		VoiceName:        "Puck",
		SetupTimeout:     time.Second,
		Logger:           zerolog.Nop(),
		TransportOptions: []transport.Option{transport.WithLogger(zerolog.Nop())},
	}
}

func TestConnect_Handshake(t *testing.T) {
	l, err := transport.ListenPipe("connect-handshake")
	require.NoError(t, err)
	defer l.Close()

	setups, keys := serveHandshake(t, l, `{"setupComplete":{}}`)

	cc := testConnectConfig(l.URL())
	cc.SystemInstruction = "be brief"
	session, err := Connect(context.Background(), cc)
	require.NoError(t, err)
	defer session.Close()

	assert.False(t, session.IsClosed())
	assert.NotEmpty(t, session.SessionID())
	assert.Equal(t, "test-key", <-keys)

	s := <-setups
	assert.Equal(t, "models/gemini-live-test", s.Model)
	require.NotNil(t, s.GenerationConfig)
	assert.Equal(t, []genai.Modality{genai.ModalityAudio}, s.GenerationConfig.ResponseModalities)
	require.NotNil(t, s.GenerationConfig.SpeechConfig)
	assert.Equal(t, "Puck", s.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName)
	require.NotNil(t, s.SystemInstruction)
	assert.Equal(t, "be brief", s.SystemInstruction.Parts[0].Text)
}

func TestConnect_UnexpectedFirstMessage(t *testing.T) {
	l, err := transport.ListenPipe("connect-unexpected")
	require.NoError(t, err)
	defer l.Close()

	serveHandshake(t, l, `{"serverContent":{}}`)

	_, err = Connect(context.Background(), testConnectConfig(l.URL()))
	require.Error(t, err)
	assert.Equal(t, CodeError, CodeOf(err))
}

func TestConnect_SetupTimeout(t *testing.T) {
	l, err := transport.ListenPipe("connect-timeout")
	require.NoError(t, err)
	defer l.Close()

	serveHandshake(t, l, "")

	cc := testConnectConfig(l.URL())
	cc.SetupTimeout = 50 * time.Millisecond
	_, err = Connect(context.Background(), cc)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnect_NoListener(t *testing.T) {
	_, err := Connect(context.Background(), testConnectConfig("pipe://connect-nobody"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFetch)
	assert.ErrorIs(t, err, transport.ErrNoListener)
}

func TestConnect_UnsupportedScheme(t *testing.T) {
	_, err := Connect(context.Background(), testConnectConfig("ftp://example.com"))
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestConnect_BreakerOpenSkipsDial(t *testing.T) {
	breaker := resilience.NewCircuitBreaker("live_connect_test", 1, time.Hour)
	breaker.RecordResult(false)

	cc := testConnectConfig("pipe://connect-breaker")
	cc.Breaker = breaker
	_, err := Connect(context.Background(), cc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, resilience.ErrCircuitOpen))
}

func TestConnect_RequiresModel(t *testing.T) {
	cc := testConnectConfig("pipe://x")
	cc.Model = ""
	_, err := Connect(context.Background(), cc)
	assert.ErrorIs(t, err, ErrRequest)
}

func TestError_IsMatchesByCode(t *testing.T) {
	err := NewError(CodeParseFailed, "bad payload", errors.New("boom"))

	assert.ErrorIs(t, err, ErrParseFailed)
	assert.NotErrorIs(t, err, ErrSessionClosed)
	assert.Contains(t, err.Error(), "parse-failed")
	assert.Contains(t, err.Error(), "boom")
}

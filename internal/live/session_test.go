package live

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/lexiqai/live-gateway/internal/transport"
)

// countingHandler counts calls that reach the underlying transport's Close
type countingHandler struct {
	transport.Handler
	closes atomic.Int32
}

func (c *countingHandler) Close(code int, reason string) error {
	c.closes.Add(1)
	return c.Handler.Close(code, reason)
}

type testConn struct {
	session *Session
	peer    *transport.PipePeer
	handler *countingHandler
}

// newTestSession connects a Session over an in-process pipe and returns the server end
func newTestSession(t *testing.T) *testConn {
	t.Helper()
	name := strings.NewReplacer("/", "-", " ", "-").Replace(t.Name())
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

	h := &countingHandler{Handler: transport.NewPipe(transport.WithLogger(zerolog.Nop()))}
	require.NoError(t, h.Connect(ctx, l.URL()))

	s := NewSession(h, zerolog.Nop())
	t.Cleanup(func() { _ = s.Close() })
	return &testConn{session: s, peer: <-accepted, handler: h}
}

func (c *testConn) serverSend(t *testing.T, raw string) {
	t.Helper()
	require.NoError(t, c.peer.Send([]byte(raw)))
}

func (c *testConn) serverRead(t *testing.T) map[string]json.RawMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	raw, err := c.peer.Listen().Next(ctx)
	require.NoError(t, err)
	var frame map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &frame))
	return frame
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	c := newTestSession(t)

	require.NoError(t, c.session.Close())
	require.NoError(t, c.session.Close())

	assert.True(t, c.session.IsClosed())
	assert.Equal(t, int32(1), c.handler.closes.Load())
}

func TestSession_LogsCarrySessionID(t *testing.T) {
	c := newTestSession(t)
	var buf bytes.Buffer
	c.session.logger = c.session.logger.Output(&buf).Level(zerolog.InfoLevel)

	require.NoError(t, c.session.Close())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, c.session.SessionID(), entry["session_id"])
	assert.NotEmpty(t, entry["session_id"])
}

func TestSession_OperationsFailAfterClose(t *testing.T) {
	c := newTestSession(t)
	require.NoError(t, c.session.Close())

	assert.ErrorIs(t, c.session.SendText("hello"), ErrSessionClosed)
	assert.ErrorIs(t, c.session.SendMediaChunks([]MediaBlob{}), ErrSessionClosed)
	assert.ErrorIs(t, c.session.SendFunctionResponses(nil), ErrSessionClosed)
	assert.ErrorIs(t, c.session.SendMediaStream(context.Background(), ChannelReader(nil)), ErrSessionClosed)

	_, err := c.session.Receive()
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, CodeSessionClosed, CodeOf(err))
}

func TestSession_ReceiveTerminatesOnClose(t *testing.T) {
	c := newTestSession(t)
	stream, err := c.session.Receive()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		for {
			if _, err := stream.Next(context.Background()); err != nil {
				done <- err
				return
			}
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.session.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop did not terminate after Close")
	}
}

func TestSession_ClassifiesMessages(t *testing.T) {
	c := newTestSession(t)
	c.serverSend(t, `{"serverContent":{"modelTurn":{"parts":[{"text":"hi"}]}}}`)
	c.serverSend(t, `{"toolCall":{"functionCalls":[{"name":"f"}]}}`)
	c.serverSend(t, `{"toolCallCancellation":{"functionIds":["1"]}}`)
	c.serverSend(t, `{"unknownType":{}}`)
	require.NoError(t, c.peer.Close(transport.CloseNormal, ""))

	stream, err := c.session.Receive()
	require.NoError(t, err)

	var got []ServerMessage
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		msg, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, msg)
	}

	require.Len(t, got, 3)

	content, ok := got[0].(*ServerContent)
	require.True(t, ok, "expected *ServerContent, got %T", got[0])
	assert.Equal(t, "hi", content.Text())

	call, ok := got[1].(*ToolCall)
	require.True(t, ok, "expected *ToolCall, got %T", got[1])
	require.Len(t, call.FunctionCalls, 1)
	assert.Equal(t, "f", call.FunctionCalls[0].Name)

	cancellation, ok := got[2].(*ToolCallCancellation)
	require.True(t, ok, "expected *ToolCallCancellation, got %T", got[2])
	assert.Equal(t, []string{"1"}, cancellation.FunctionIDs)
}

func TestSession_SkipsNonObjectMessages(t *testing.T) {
	c := newTestSession(t)
	c.serverSend(t, `[1,2,3]`)
	c.serverSend(t, `null`)
	c.serverSend(t, `"text"`)
	c.serverSend(t, `{"serverContent":{"turnComplete":true}}`)

	stream, err := c.session.Receive()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := stream.Next(ctx)
	require.NoError(t, err)

	content, ok := msg.(*ServerContent)
	require.True(t, ok)
	assert.True(t, content.TurnComplete)
}

func TestSession_FirstMatchingKeyWins(t *testing.T) {
	c := newTestSession(t)
	c.serverSend(t, `{"toolCall":{"functionCalls":[]},"serverContent":{"interrupted":true}}`)

	stream, err := c.session.Receive()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.IsType(t, &ServerContent{}, msg)
}

func TestSession_ParseFailureDoesNotEndStream(t *testing.T) {
	c := newTestSession(t)
	c.serverSend(t, `{"toolCall":"not an object"}`)
	c.serverSend(t, `{"serverContent":{"interrupted":true}}`)

	stream, err := c.session.Receive()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, ErrParseFailed)

	msg, err := stream.Next(ctx)
	require.NoError(t, err)
	content, ok := msg.(*ServerContent)
	require.True(t, ok)
	assert.True(t, content.Interrupted)
}

func TestSession_AudioPartsAreDecoded(t *testing.T) {
	c := newTestSession(t)
	// "AAH/" is base64 for 00 01 ff
	c.serverSend(t, `{"serverContent":{"modelTurn":{"parts":[
		{"text":"ignored"},
		{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"AAH/"}},
		{"inlineData":{"mimeType":"image/png","data":"AAH/"}}
	]}}}`)

	stream, err := c.session.Receive()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := stream.Next(ctx)
	require.NoError(t, err)

	blobs := msg.(*ServerContent).AudioParts()
	require.Len(t, blobs, 1)
	assert.Equal(t, []byte{0x00, 0x01, 0xff}, blobs[0].Data)
}

func TestSession_SendMediaChunksOneFramePerChunk(t *testing.T) {
	c := newTestSession(t)
	a := MediaBlob{MimeType: "audio/pcm", Data: "YQ=="}
	b := MediaBlob{MimeType: "image/jpeg", Data: "Yg=="}

	require.NoError(t, c.session.SendMediaChunks([]MediaBlob{a, b}))

	for _, want := range []MediaBlob{a, b} {
		frame := c.serverRead(t)
		require.Contains(t, frame, "realtimeInput")

		var input struct {
			MediaChunks []MediaBlob `json:"mediaChunks"`
		}
		require.NoError(t, json.Unmarshal(frame["realtimeInput"], &input))
		require.Len(t, input.MediaChunks, 1)
		assert.Equal(t, want, input.MediaChunks[0])
	}
}

func TestSession_SendMediaChunksStopsAtFirstFailure(t *testing.T) {
	c := newTestSession(t)
	// Closing the transport underneath the session makes every send fail
	require.NoError(t, c.handler.Handler.Close(transport.CloseNormal, ""))

	err := c.session.SendMediaChunks([]MediaBlob{{MimeType: "a", Data: ""}, {MimeType: "b", Data: ""}})
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrNotOpen)
	assert.Contains(t, err.Error(), "media chunk 1 of 2")
}

func TestSession_SendWireFormat(t *testing.T) {
	c := newTestSession(t)
	require.NoError(t, c.session.Send([]*genai.Part{genai.NewPartFromText("hello")}, false))

	frame := c.serverRead(t)
	var content ContentTurn
	require.NoError(t, json.Unmarshal(frame["clientContent"], &content))
	assert.False(t, content.TurnComplete)
	require.Len(t, content.Turns, 1)
	assert.Equal(t, "user", content.Turns[0].Role)
	assert.Equal(t, "hello", content.Turns[0].Parts[0].Text)

	require.NoError(t, c.session.SendText("again"))
	frame = c.serverRead(t)
	require.NoError(t, json.Unmarshal(frame["clientContent"], &content))
	assert.True(t, content.TurnComplete)
}

func TestSession_SendFunctionResponses(t *testing.T) {
	c := newTestSession(t)
	responses := []*genai.FunctionResponse{{
		ID:       "call-1",
		Name:     "lookup",
		Response: map[string]any{"output": "42"},
	}}
	require.NoError(t, c.session.SendFunctionResponses(responses))

	frame := c.serverRead(t)
	var payload struct {
		FunctionResponses []*genai.FunctionResponse `json:"functionResponses"`
	}
	require.NoError(t, json.Unmarshal(frame["toolResponse"], &payload))
	require.Len(t, payload.FunctionResponses, 1)
	assert.Equal(t, "call-1", payload.FunctionResponses[0].ID)
	assert.Equal(t, "lookup", payload.FunctionResponses[0].Name)
}

func TestSession_SendMediaStream(t *testing.T) {
	c := newTestSession(t)
	ch := make(chan MediaBlob, 3)
	ch <- MediaBlob{MimeType: "audio/pcm", Data: "MQ=="}
	ch <- MediaBlob{MimeType: "audio/pcm", Data: "Mg=="}
	close(ch)

	require.NoError(t, c.session.SendMediaStream(context.Background(), ChannelReader(ch)))

	for _, want := range []string{"MQ==", "Mg=="} {
		frame := c.serverRead(t)
		assert.Contains(t, string(frame["realtimeInput"]), want)
	}
}

type failingReader struct{ err error }

func (f failingReader) ReadChunk(ctx context.Context) (MediaBlob, error) {
	return MediaBlob{}, f.err
}

func TestSession_SendMediaStreamWrapsErrors(t *testing.T) {
	c := newTestSession(t)
	readErr := errors.New("camera unplugged")

	err := c.session.SendMediaStream(context.Background(), failingReader{err: readErr})
	assert.ErrorIs(t, err, ErrRequest)
	assert.ErrorIs(t, err, readErr)
	assert.Contains(t, err.Error(), "stream processing failed")
}

func TestState_TryBegin(t *testing.T) {
	var s State

	assert.True(t, s.TryBegin(CaptureAudio))
	assert.False(t, s.TryBegin(CaptureAudio))
	assert.True(t, s.TryBegin(CaptureVideo), "kinds are independent")

	s.End(CaptureAudio)
	assert.False(t, s.Active(CaptureAudio))
	assert.True(t, s.TryBegin(CaptureAudio))
}

func TestSession_HealthCheck(t *testing.T) {
	c := newTestSession(t)

	ok, err := c.session.HealthCheck(context.Background())
	assert.True(t, ok)
	assert.NoError(t, err)

	require.NoError(t, c.session.Close())
	ok, err = c.session.HealthCheck(context.Background())
	assert.False(t, ok)
	assert.Error(t, err)
}

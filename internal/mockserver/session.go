package mockserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/lexiqai/live-gateway/internal/audio"
	"github.com/lexiqai/live-gateway/internal/transport"
)

// Client frames, keyed by their single top-level field
type clientFrame struct {
	Setup *struct {
		Model string `json:"model"`
	} `json:"setup,omitempty"`
	ClientContent *struct {
		Turns        []*genai.Content `json:"turns"`
		TurnComplete bool             `json:"turnComplete"`
	} `json:"clientContent,omitempty"`
	RealtimeInput *struct {
		MediaChunks []struct {
			MimeType string `json:"mimeType"`
			Data     string `json:"data"`
		} `json:"mediaChunks"`
	} `json:"realtimeInput,omitempty"`
	ToolResponse *struct {
		FunctionResponses []*genai.FunctionResponse `json:"functionResponses"`
	} `json:"toolResponse,omitempty"`
}

type serverContent struct {
	ModelTurn    *genai.Content `json:"modelTurn,omitempty"`
	Interrupted  bool           `json:"interrupted,omitempty"`
	TurnComplete bool           `json:"turnComplete,omitempty"`
}

// Text commands understood in clientContent turns
const (
	commandCall      = "/call "
	commandInterrupt = "/interrupt"
	commandCancel    = "/cancel"
)

// mockSession holds the state of one connected client
type mockSession struct {
	id     string
	peer   transport.Peer
	opts   Options
	logger zerolog.Logger

	model        string
	setupDone    bool
	audioChunks  int
	videoFrames  int
	pendingCalls []string
}

func newMockSession(peer transport.Peer, opts Options, logger zerolog.Logger) *mockSession {
	id := uuid.New().String()
	return &mockSession{
		id:     id,
		peer:   peer,
		opts:   opts,
		logger: logger.With().Str("mock_session_id", id).Logger(),
	}
}

// processIncomingMessages handles client frames in arrival order
func (s *mockSession) processIncomingMessages(ctx context.Context) {
	inbox := s.peer.Listen()
	for {
		raw, err := inbox.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("Read error")
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.logger.Error().Err(err).Msg("Failed to parse client message")
			continue
		}

		if err := s.handle(&frame); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to reply to client")
			return
		}
	}
}

func (s *mockSession) handle(frame *clientFrame) error {
	switch {
	case frame.Setup != nil:
		s.model = frame.Setup.Model
		s.setupDone = true
		s.logger.Info().Str("model", s.model).Msg("Session setup")
		return s.send(map[string]any{"setupComplete": struct{}{}})

	case !s.setupDone:
		s.logger.Warn().Msg("Client message before setup, closing")
		return fmt.Errorf("client skipped setup")

	case frame.ClientContent != nil:
		return s.handleClientContent(frame.ClientContent.Turns)

	case frame.RealtimeInput != nil:
		for _, chunk := range frame.RealtimeInput.MediaChunks {
			if err := s.handleMediaChunk(chunk.MimeType, chunk.Data); err != nil {
				return err
			}
		}
		return nil

	case frame.ToolResponse != nil:
		return s.handleToolResponse(frame.ToolResponse.FunctionResponses)

	default:
		s.logger.Warn().Msg("Unknown client message")
		return nil
	}
}

func (s *mockSession) handleClientContent(turns []*genai.Content) error {
	var text strings.Builder
	for _, turn := range turns {
		if turn == nil {
			continue
		}
		for _, part := range turn.Parts {
			if part != nil {
				text.WriteString(part.Text)
			}
		}
	}
	prompt := strings.TrimSpace(text.String())

	switch {
	case strings.HasPrefix(prompt, commandCall):
		name := strings.TrimSpace(strings.TrimPrefix(prompt, commandCall))
		call := &genai.FunctionCall{ID: uuid.New().String(), Name: name, Args: map[string]any{"prompt": prompt}}
		s.pendingCalls = append(s.pendingCalls, call.ID)
		return s.send(map[string]any{"toolCall": map[string]any{"functionCalls": []*genai.FunctionCall{call}}})

	case prompt == commandInterrupt:
		return s.sendContent(serverContent{Interrupted: true})

	case prompt == commandCancel:
		ids := s.pendingCalls
		s.pendingCalls = nil
		return s.send(map[string]any{"toolCallCancellation": map[string]any{"functionIds": ids}})

	default:
		return s.sendContent(serverContent{
			ModelTurn:    genai.NewContentFromText("echo: "+prompt, genai.RoleModel),
			TurnComplete: true,
		})
	}
}

func (s *mockSession) handleMediaChunk(mimeType, data string) error {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		s.videoFrames++
		return nil
	case !strings.HasPrefix(mimeType, "audio/"):
		s.logger.Debug().Str("mime_type", mimeType).Msg("Ignoring media chunk")
		return nil
	}

	s.audioChunks++
	if !s.opts.EchoAudio {
		return nil
	}

	raw, err := audio.DecodeBase64(data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to decode audio chunk")
		return nil
	}
	samples, err := audio.PCM16ToFloat32(raw)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Dropping malformed audio chunk")
		return nil
	}
	pcm := audio.ResampleToPCM16(samples, s.opts.InputRate, s.opts.OutputRate)

	return s.sendContent(serverContent{
		ModelTurn: genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(audio.EncodePCM16(pcm), audio.PCMMimeType(s.opts.OutputRate)),
		}, genai.RoleModel),
	})
}

func (s *mockSession) handleToolResponse(responses []*genai.FunctionResponse) error {
	names := make([]string, 0, len(responses))
	for _, r := range responses {
		if r == nil {
			continue
		}
		names = append(names, r.Name)
		s.removePending(r.ID)
	}
	return s.sendContent(serverContent{
		ModelTurn:    genai.NewContentFromText("received results for "+strings.Join(names, ", "), genai.RoleModel),
		TurnComplete: true,
	})
}

func (s *mockSession) removePending(id string) {
	for i, pending := range s.pendingCalls {
		if pending == id {
			s.pendingCalls = append(s.pendingCalls[:i], s.pendingCalls[i+1:]...)
			return
		}
	}
}

func (s *mockSession) sendContent(c serverContent) error {
	return s.send(map[string]any{"serverContent": c})
}

func (s *mockSession) send(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode server message: %w", err)
	}
	return s.peer.Send(data)
}

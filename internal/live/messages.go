package live

import (
	"strings"

	"google.golang.org/genai"

	"github.com/lexiqai/live-gateway/internal/audio"
)

// MediaBlob is one realtime chunk: a mime type and a base64 payload
type MediaBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// NewMediaBlob base64-encodes raw into a blob
func NewMediaBlob(mimeType string, raw []byte) MediaBlob {
	return MediaBlob{MimeType: mimeType, Data: audio.EncodeBase64(raw)}
}

// ContentTurn is the payload of a clientContent frame
type ContentTurn struct {
	Turns        []*genai.Content `json:"turns"`
	TurnComplete bool             `json:"turnComplete"`
}

type clientContentFrame struct {
	ClientContent ContentTurn `json:"clientContent"`
}

type realtimeInput struct {
	MediaChunks []MediaBlob `json:"mediaChunks"`
}

type realtimeInputFrame struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type toolResponse struct {
	FunctionResponses []*genai.FunctionResponse `json:"functionResponses"`
}

type toolResponseFrame struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

// Top-level keys of server frames
const (
	keyServerContent        = "serverContent"
	keyToolCall             = "toolCall"
	keyToolCallCancellation = "toolCallCancellation"
	keySetupComplete        = "setupComplete"
)

// ServerMessage is one classified inbound message:
// *ServerContent, *ToolCall or *ToolCallCancellation.
type ServerMessage interface {
	Type() string
	isServerMessage()
}

// Transcription is incremental speech-to-text of either side of the conversation
type Transcription struct {
	Text string `json:"text,omitempty"`
}

// ServerContent carries model output and turn signals
type ServerContent struct {
	ModelTurn           *genai.Content `json:"modelTurn,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	GenerationComplete  bool           `json:"generationComplete,omitempty"`
	InputTranscription  *Transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *Transcription `json:"outputTranscription,omitempty"`
}

func (*ServerContent) Type() string   { return keyServerContent }
func (*ServerContent) isServerMessage() {}

// AudioParts returns the inline audio payloads of the model turn in order.
// Payloads arrive base64 on the wire and are already decoded here.
func (c *ServerContent) AudioParts() []*genai.Blob {
	if c.ModelTurn == nil {
		return nil
	}
	var blobs []*genai.Blob
	for _, part := range c.ModelTurn.Parts {
		if part == nil || part.InlineData == nil {
			continue
		}
		if strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
			blobs = append(blobs, part.InlineData)
		}
	}
	return blobs
}

// Text concatenates the text parts of the model turn
func (c *ServerContent) Text() string {
	if c.ModelTurn == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range c.ModelTurn.Parts {
		if part != nil && part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// ToolCall asks the client to run one or more functions
type ToolCall struct {
	FunctionCalls []*genai.FunctionCall `json:"functionCalls"`
}

func (*ToolCall) Type() string   { return keyToolCall }
func (*ToolCall) isServerMessage() {}

// ToolCallCancellation withdraws previously issued calls
type ToolCallCancellation struct {
	FunctionIDs []string `json:"functionIds"`
}

func (*ToolCallCancellation) Type() string   { return keyToolCallCancellation }
func (*ToolCallCancellation) isServerMessage() {}

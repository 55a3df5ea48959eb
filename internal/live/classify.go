package live

import (
	"encoding/json"
	"sort"

	"github.com/rs/zerolog"

	"github.com/lexiqai/live-gateway/internal/observability"
)

// classify turns one decoded frame into a ServerMessage.
// Keys are checked in a fixed order (serverContent, toolCall, toolCallCancellation)
// and the first present key wins. A nil message with a nil error means the
// frame was skipped after logging.
func classify(raw json.RawMessage, logger zerolog.Logger) (ServerMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		logger.Warn().Str("payload", truncate(raw, 200)).Msg("Skipping invalid message: not a JSON object")
		observability.RecordDroppedMessage("invalid")
		return nil, nil
	}

	var msg ServerMessage
	switch {
	case has(fields, keyServerContent):
		msg = &ServerContent{}
	case has(fields, keyToolCall):
		msg = &ToolCall{}
	case has(fields, keyToolCallCancellation):
		msg = &ToolCallCancellation{}
	default:
		logger.Warn().Strs("keys", sortedKeys(fields)).Msg("Skipping unknown message type")
		observability.RecordDroppedMessage("unknown")
		return nil, nil
	}

	payload := fields[msg.Type()]
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if err := json.Unmarshal(payload, msg); err != nil {
		observability.RecordDroppedMessage("parse_failed")
		return nil, NewError(CodeParseFailed, "failed to parse "+msg.Type()+" message", err)
	}

	observability.RecordServerMessage(msg.Type())
	return msg, nil
}

func has(fields map[string]json.RawMessage, key string) bool {
	_, ok := fields[key]
	return ok
}

func sortedKeys(fields map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(raw []byte, n int) string {
	if len(raw) <= n {
		return string(raw)
	}
	return string(raw[:n]) + "..."
}

package observability

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestWithSessionID(t *testing.T) {
	var buf bytes.Buffer
	logger := WithSessionID(zerolog.New(&buf), "sess-1")
	logger.Info().Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected JSON log line, got error %v", err)
	}
	if entry["session_id"] != "sess-1" {
		t.Errorf("Expected session_id sess-1, got %v", entry["session_id"])
	}
}

func TestWithSessionID_GeneratesWhenEmpty(t *testing.T) {
	var buf bytes.Buffer
	logger := WithSessionID(zerolog.New(&buf), "")
	logger.Info().Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected JSON log line, got error %v", err)
	}
	if id, _ := entry["session_id"].(string); id == "" {
		t.Error("Expected a generated session_id")
	}
}

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo(&buf, "WARN")
	l.Info("dropped")
	l.Warn("kept", "ride_id", "r1")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("expected exactly one json line, got %q: %v", buf.String(), err)
	}
	if entry["msg"] != "kept" || entry["ride_id"] != "r1" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	scoped := NewLoggerTo(&buf, "info").With("request_id", "abc")
	ctx := WithContext(context.Background(), scoped)

	FromContext(ctx, Discard()).Info("hello")
	if !bytes.Contains(buf.Bytes(), []byte(`"request_id":"abc"`)) {
		t.Fatalf("expected scoped attributes, got %s", buf.String())
	}
	if FromContext(context.Background(), scoped) != scoped {
		t.Fatal("expected fallback logger")
	}
}

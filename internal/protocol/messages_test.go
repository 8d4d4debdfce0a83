package protocol

import (
	"encoding/json"
	"testing"
)

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(MsgPromptShow, "sess-1", PromptShowPayload{
		UID:            10140,
		PackageName:    "com.example.terminal",
		TimeoutSeconds: 30,
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if env.Type != MsgPromptShow {
		t.Errorf("type = %s", env.Type)
	}
	if env.SessionID != "sess-1" {
		t.Errorf("session id = %q", env.SessionID)
	}
	if env.ID == "" {
		t.Error("expected a generated message id")
	}
	if env.Timestamp.IsZero() {
		t.Error("expected a timestamp")
	}

	var decoded PromptShowPayload
	if err := env.Decode(&decoded); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.UID != 10140 || decoded.PackageName != "com.example.terminal" {
		t.Errorf("payload = %+v", decoded)
	}
}

func TestNewEnvelope_NilPayload(t *testing.T) {
	env, err := NewEnvelope(MsgPromptDismiss, "sess-1", nil)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if env.Payload != nil {
		t.Errorf("payload = %s, want empty", env.Payload)
	}
}

func TestEnvelope_IDsAreUnique(t *testing.T) {
	a, _ := NewEnvelope(MsgError, "", ErrorPayload{Code: "bad_message"})
	b, _ := NewEnvelope(MsgError, "", ErrorPayload{Code: "bad_message"})
	if a.ID == b.ID {
		t.Errorf("both envelopes got id %q", a.ID)
	}
}

func TestEnvelope_WireShape(t *testing.T) {
	// Field names are part of the frontend contract.
	env, _ := NewEnvelope(MsgPromptTick, "sess-2", PromptTickPayload{Remaining: 9})
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"type", "id", "session_id", "payload", "timestamp"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("wire message missing %q", key)
		}
	}
}

package wire

import (
	"encoding/json"
	"testing"
)

func TestClientMessageRoundTrip(t *testing.T) {
	orig := ClientMessage{
		Kind: KindTerminalInput,
		Payload: &TerminalInput{
			SessionID: "sess-1",
			Bytes:     ByteSeq("echo hi\r"),
		},
	}

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded ClientMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Kind != KindTerminalInput {
		t.Fatalf("Kind = %q, want %q", decoded.Kind, KindTerminalInput)
	}
	payload, ok := decoded.Payload.(*TerminalInput)
	if !ok {
		t.Fatalf("Payload type = %T, want *TerminalInput", decoded.Payload)
	}
	if payload.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want %q", payload.SessionID, "sess-1")
	}
	if string(payload.Bytes) != "echo hi\r" {
		t.Errorf("Bytes = %q, want %q", payload.Bytes, "echo hi\r")
	}
}

func TestByteSeqEncodesAsIntArray(t *testing.T) {
	data, err := json.Marshal(ByteSeq("hi"))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != "[104,105]" {
		t.Errorf("ByteSeq JSON = %s, want [104,105]", data)
	}
}

func TestServerMessageRoundTrip_TerminalInput(t *testing.T) {
	orig := ServerMessage{
		Kind: KindSrvTerminalInput,
		Payload: &SrvTerminalInput{
			SessionID: "sess-2",
			Bytes:     ByteSeq{1, 2, 3},
		},
	}
	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded ServerMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	payload, ok := decoded.Payload.(*SrvTerminalInput)
	if !ok {
		t.Fatalf("Payload type = %T, want *SrvTerminalInput", decoded.Payload)
	}
	if payload.SessionID != "sess-2" {
		t.Errorf("SessionID = %q, want %q", payload.SessionID, "sess-2")
	}
}

func TestServerMessage_ErrorPayload(t *testing.T) {
	orig := ServerMessage{Kind: KindError, Payload: &Error{Code: ErrSessionNotFound, Message: "no such session"}}
	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded ServerMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	payload := decoded.Payload.(*Error)
	if payload.Code != ErrSessionNotFound {
		t.Errorf("Code = %q, want %q", payload.Code, ErrSessionNotFound)
	}
}

func TestUnmarshalUnknownClientKind(t *testing.T) {
	var m ClientMessage
	err := json.Unmarshal([]byte(`{"type":"not_a_real_kind"}`), &m)
	if err == nil {
		t.Fatal("expected error for unknown message kind, got nil")
	}
}

func TestMarshalIncludesTypeField(t *testing.T) {
	data, err := json.Marshal(ClientMessage{Kind: KindPing, Payload: &Ping{}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if raw["type"] != string(KindPing) {
		t.Errorf("type = %v, want %q", raw["type"], KindPing)
	}
}

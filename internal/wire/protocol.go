// Package wire implements the daemon↔server↔browser message protocol: two
// tagged unions, ClientMessage and ServerMessage, each carrying a Kind
// discriminator and a typed payload. Messages travel as JSON text frames
// over a github.com/coder/websocket connection.
package wire

import (
	"encoding/json"
	"fmt"
)

// ClientKind discriminates a ClientMessage's payload.
type ClientKind string

const (
	KindAuthenticate         ClientKind = "authenticate"
	KindTerminalInput        ClientKind = "terminal_input"
	KindTerminalResize       ClientKind = "terminal_resize"
	KindTerminalOutput       ClientKind = "terminal_output"
	KindTerminalHistory      ClientKind = "terminal_history"
	KindListSessions         ClientKind = "list_sessions"
	KindStartSession         ClientKind = "start_session"
	KindStopSession          ClientKind = "stop_session"
	KindDeleteSession        ClientKind = "delete_session"
	KindAttachSession        ClientKind = "attach_session"
	KindDetachSession        ClientKind = "detach_session"
	KindJoinSession          ClientKind = "join_session"
	KindRequestRemoteSession ClientKind = "request_remote_session"
	KindRemoteSessionResult  ClientKind = "remote_session_result"
	KindListFiles            ClientKind = "list_files"
	KindReadFile             ClientKind = "read_file"
	KindWriteFile            ClientKind = "write_file"
	KindRegisterMachine      ClientKind = "register_machine"
	KindUpdateMachineStatus  ClientKind = "update_machine_status"
	KindListMachines         ClientKind = "list_machines"
	KindPing                 ClientKind = "ping"
	KindGetGitStatus         ClientKind = "get_git_status"
	KindGetGitDiff           ClientKind = "get_git_diff"
	KindGitCommit            ClientKind = "git_commit"
	KindGitStatusResponse    ClientKind = "git_status_response"
	KindGitDiffResponse      ClientKind = "git_diff_response"
	KindGitCommitResponse    ClientKind = "git_commit_response"
)

// ServerKind discriminates a ServerMessage's payload.
type ServerKind string

const (
	KindAuthenticated        ServerKind = "authenticated"
	KindError                ServerKind = "error"
	KindSrvTerminalOutput    ServerKind = "terminal_output"
	KindSrvTerminalHistory   ServerKind = "terminal_history"
	KindSrvTerminalInput     ServerKind = "terminal_input" // first-class, replaces the nested-envelope tunneling hack
	KindTerminalReady        ServerKind = "terminal_ready"
	KindTerminalError        ServerKind = "terminal_error"
	KindSessionsList         ServerKind = "sessions_list"
	KindSessionStarted       ServerKind = "session_started"
	KindSessionStopped       ServerKind = "session_stopped"
	KindSessionDeleted       ServerKind = "session_deleted"
	KindSessionUpdated       ServerKind = "session_updated"
	KindSessionStatusChanged ServerKind = "session_status_changed"
	KindStartRemoteSession   ServerKind = "start_remote_session"
	KindRemoteSessionResponse ServerKind = "remote_session_response"
	KindFileList             ServerKind = "file_list"
	KindFileContent          ServerKind = "file_content"
	KindFileError            ServerKind = "file_error"
	KindMachineRegistered    ServerKind = "machine_registered"
	KindMachineUpdated       ServerKind = "machine_updated"
	KindMachineList          ServerKind = "machine_list"
	KindPong                 ServerKind = "pong"
	KindGitStatus            ServerKind = "git_status"
	KindGitDiff              ServerKind = "git_diff"
	KindGitCommitResult      ServerKind = "git_commit_result"
	KindGitStatusRequest     ServerKind = "git_status_request"
	KindGitDiffRequest       ServerKind = "git_diff_request"
	KindGitCommitRequest     ServerKind = "git_commit_request"
)

// ByteSeq encodes a byte sequence as a JSON array of 0..255 integers rather
// than a base64 string, matching this protocol's payload field convention.
type ByteSeq []byte

func (b ByteSeq) MarshalJSON() ([]byte, error) {
	ints := make([]int, len(b))
	for i, c := range b {
		ints[i] = int(c)
	}
	return json.Marshal(ints)
}

func (b *ByteSeq) UnmarshalJSON(data []byte) error {
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	out := make([]byte, len(ints))
	for i, n := range ints {
		out[i] = byte(n)
	}
	*b = out
	return nil
}

// ClientMessage is the sum type for daemon/browser → server traffic.
type ClientMessage struct {
	Kind    ClientKind
	Payload any
}

type envelope struct {
	Type string `json:"type"`
}

// MarshalJSON flattens Payload's fields alongside the "type" discriminator.
func (m ClientMessage) MarshalJSON() ([]byte, error) {
	return marshalTagged(string(m.Kind), m.Payload)
}

// UnmarshalJSON reads the "type" field, then decodes Payload into the
// concrete struct that newClientPayload's switch on the kind selects.
func (m *ClientMessage) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("wire: decode envelope: %w", err)
	}
	m.Kind = ClientKind(env.Type)
	payload, err := newClientPayload(m.Kind)
	if err != nil {
		return err
	}
	if payload != nil {
		if err := json.Unmarshal(data, payload); err != nil {
			return fmt.Errorf("wire: decode %s payload: %w", env.Type, err)
		}
	}
	m.Payload = payload
	return nil
}

// ServerMessage is the sum type for server → daemon/browser traffic.
type ServerMessage struct {
	Kind    ServerKind
	Payload any
}

func (m ServerMessage) MarshalJSON() ([]byte, error) {
	return marshalTagged(string(m.Kind), m.Payload)
}

func (m *ServerMessage) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("wire: decode envelope: %w", err)
	}
	m.Kind = ServerKind(env.Type)
	payload, err := newServerPayload(m.Kind)
	if err != nil {
		return err
	}
	if payload != nil {
		if err := json.Unmarshal(data, payload); err != nil {
			return fmt.Errorf("wire: decode %s payload: %w", env.Type, err)
		}
	}
	m.Payload = payload
	return nil
}

// marshalTagged marshals payload, then injects "type" = kind into the
// resulting object. Used by both message unions so the wire shape stays a
// single flat JSON object rather than a nested {"type":..,"payload":{...}}.
func marshalTagged(kind string, payload any) ([]byte, error) {
	var fields map[string]json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("wire: marshal %s payload: %w", kind, err)
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("wire: payload for %s is not a JSON object: %w", kind, err)
		}
	} else {
		fields = map[string]json.RawMessage{}
	}
	typeJSON, _ := json.Marshal(kind)
	fields["type"] = typeJSON
	return json.Marshal(fields)
}

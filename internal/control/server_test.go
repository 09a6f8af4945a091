package control

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/tetherhq/tether/internal/bridge"
	"github.com/tetherhq/tether/internal/mux"
	"github.com/tetherhq/tether/internal/persist"
	"github.com/tetherhq/tether/internal/sessionmgr"
	"github.com/tetherhq/tether/internal/wire"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	store := persist.New(t.TempDir(), 0)
	mx := mux.New(store)
	mgr := sessionmgr.New(mx, bridge.Deps{}, nil)
	s := NewServer(mgr, "", nil)

	h := http.NewServeMux()
	s.registerRoutes(h)
	hs := httptest.NewServer(h)
	t.Cleanup(hs.Close)
	return s, hs
}

func TestHandleStartAndListSessions(t *testing.T) {
	_, hs := newTestServer(t)

	body := bytes.NewBufferString(`{"tag":"fox","command":["/bin/cat"],"working_dir":"/tmp"}`)
	resp, err := http.Post(hs.URL+"/sessions", "application/json", body)
	if err != nil {
		t.Fatalf("POST /sessions: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var started sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&started); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if started.Tag != "fox" || started.Status != "running" {
		t.Fatalf("unexpected start response: %+v", started)
	}

	lresp, err := http.Get(hs.URL + "/sessions")
	if err != nil {
		t.Fatalf("GET /sessions: %v", err)
	}
	defer lresp.Body.Close()
	var list []sessionResponse
	if err := json.NewDecoder(lresp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].ID != started.ID {
		t.Fatalf("expected listed session to match started one, got %+v", list)
	}
}

func TestHandleKillSession(t *testing.T) {
	_, hs := newTestServer(t)

	body := bytes.NewBufferString(`{"tag":"owl","command":["/bin/cat"],"working_dir":"/tmp"}`)
	resp, err := http.Post(hs.URL+"/sessions", "application/json", body)
	if err != nil {
		t.Fatalf("POST /sessions: %v", err)
	}
	var started sessionResponse
	json.NewDecoder(resp.Body).Decode(&started)
	resp.Body.Close()

	kresp, err := http.Post(hs.URL+"/sessions/"+started.ID+"/kill", "application/json", nil)
	if err != nil {
		t.Fatalf("POST kill: %v", err)
	}
	defer kresp.Body.Close()
	if kresp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", kresp.StatusCode)
	}

	lresp, _ := http.Get(hs.URL + "/sessions")
	defer lresp.Body.Close()
	var list []sessionResponse
	json.NewDecoder(lresp.Body).Decode(&list)
	if len(list) != 0 {
		t.Fatalf("expected no sessions after kill, got %+v", list)
	}
}

func TestHandleAttach_HandshakeAndInput(t *testing.T) {
	_, hs := newTestServer(t)

	body := bytes.NewBufferString(`{"tag":"t","command":["/bin/cat"],"working_dir":"/tmp"}`)
	resp, err := http.Post(hs.URL+"/sessions", "application/json", body)
	if err != nil {
		t.Fatalf("POST /sessions: %v", err)
	}
	var started sessionResponse
	json.NewDecoder(resp.Body).Decode(&started)
	resp.Body.Close()

	wsURL := "ws" + strings.TrimPrefix(hs.URL, "http") + "/attach"
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	send := func(kind wire.ClientKind, payload any) {
		data, err := json.Marshal(wire.ClientMessage{Kind: kind, Payload: payload})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	msgs := make(chan wire.ServerMessage, 32)
	go func() {
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			var sm wire.ServerMessage
			if err := json.Unmarshal(data, &sm); err != nil {
				continue
			}
			msgs <- sm
		}
	}()
	recv := func(t *testing.T) wire.ServerMessage {
		t.Helper()
		select {
		case sm := <-msgs:
			return sm
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for server message")
		}
		return wire.ServerMessage{}
	}

	send(wire.KindAttachSession, &wire.AttachSession{SessionID: started.ID})

	ready := recv(t)
	if ready.Kind != wire.KindTerminalReady {
		t.Fatalf("expected terminal_ready, got %q", ready.Kind)
	}
	hist := recv(t)
	if hist.Kind != wire.KindSrvTerminalHistory {
		t.Fatalf("expected srv_terminal_history, got %q", hist.Kind)
	}

	send(wire.KindTerminalInput, &wire.TerminalInput{SessionID: started.ID, Bytes: wire.ByteSeq("echo hi\n")})

	deadline := time.After(3 * time.Second)
	for {
		select {
		case sm := <-msgs:
			if sm.Kind != wire.KindSrvTerminalOutput {
				continue
			}
			op := sm.Payload.(*wire.SrvTerminalOutput)
			if strings.Contains(string(op.Bytes), "echo hi") {
				return
			}
		case <-deadline:
			t.Fatal("never saw echoed input in terminal output")
		}
	}
}

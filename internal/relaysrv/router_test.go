package relaysrv

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/tetherhq/tether/internal/wire"
)

func newTestRouter(t *testing.T) (*Router, *Catalog) {
	t.Helper()
	cat, err := OpenCatalog(":memory:")
	if err != nil {
		t.Fatalf("OpenCatalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })
	if err := cat.CreateAuthToken("tok-1", "user-1"); err != nil {
		t.Fatalf("CreateAuthToken: %v", err)
	}
	return NewRouter(cat, nil), cat
}

func newTestServer(t *testing.T, rt *Router) (bridgeURL, webURL string) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/bridge", rt.HandleBridge)
	mux.HandleFunc("/web", rt.HandleWeb)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	base := "ws" + strings.TrimPrefix(srv.URL, "http")
	return base + "/bridge", base + "/web"
}

type testPeer struct {
	conn *websocket.Conn
	recv chan wire.ServerMessage
}

func dialPeer(t *testing.T, url string) *testPeer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	p := &testPeer{conn: conn, recv: make(chan wire.ServerMessage, 32)}
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
			p.recv <- sm
		}
	}()
	t.Cleanup(func() { conn.CloseNow() })
	return p
}

func (p *testPeer) send(t *testing.T, kind wire.ClientKind, payload any) {
	t.Helper()
	data, err := json.Marshal(wire.ClientMessage{Kind: kind, Payload: payload})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := p.conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (p *testPeer) expect(t *testing.T, kind wire.ServerKind) wire.ServerMessage {
	t.Helper()
	select {
	case sm := <-p.recv:
		if sm.Kind != kind {
			t.Fatalf("expected server message %q, got %q", kind, sm.Kind)
		}
		return sm
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for server message %q", kind)
	}
	return wire.ServerMessage{}
}

func TestRouter_CLIAttachThenWebJoinSeesHistoryAndOutput(t *testing.T) {
	rt, cat := newTestRouter(t)
	bridgeURL, webURL := newTestServer(t, rt)

	if err := cat.CreateSession(SessionRecord{
		ID: "sess-1", Tag: "happy-fox-1", UserID: "user-1",
		MachineID: "m1", MachineName: "laptop", Status: StatusInitializing, CWD: "/tmp",
	}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	cli := dialPeer(t, bridgeURL)
	cli.send(t, wire.KindAuthenticate, &wire.Authenticate{Token: "tok-1"})
	cli.expect(t, wire.KindAuthenticated)

	cli.send(t, wire.KindAttachSession, &wire.AttachSession{
		SessionID: "sess-1", Tag: "happy-fox-1", MachineID: "m1", MachineName: "laptop", CWD: "/tmp",
	})
	cli.expect(t, wire.KindSessionUpdated)
	cli.expect(t, wire.KindTerminalReady)

	cli.send(t, wire.KindTerminalHistory, &wire.TerminalHistory{SessionID: "sess-1", Bytes: wire.ByteSeq("hello\n")})

	web := dialPeer(t, webURL)
	web.send(t, wire.KindAuthenticate, &wire.Authenticate{Token: "tok-1"})
	web.expect(t, wire.KindAuthenticated)

	web.send(t, wire.KindJoinSession, &wire.JoinSession{Tag: "happy-fox-1"})
	web.expect(t, wire.KindTerminalReady)
	hist := web.expect(t, wire.KindSrvTerminalHistory)
	hp := hist.Payload.(*wire.SrvTerminalHistory)
	if string(hp.Bytes) != "hello\n" {
		t.Fatalf("unexpected history: %q", hp.Bytes)
	}

	cli.send(t, wire.KindTerminalOutput, &wire.TerminalOutput{SessionID: "sess-1", Bytes: wire.ByteSeq("more output")})
	out := web.expect(t, wire.KindSrvTerminalOutput)
	op := out.Payload.(*wire.SrvTerminalOutput)
	if string(op.Bytes) != "more output" {
		t.Fatalf("unexpected output: %q", op.Bytes)
	}
}

func TestRouter_WebInputForwardsToCLIAsFirstClass(t *testing.T) {
	rt, cat := newTestRouter(t)
	bridgeURL, webURL := newTestServer(t, rt)

	if err := cat.CreateSession(SessionRecord{
		ID: "sess-2", Tag: "t2", UserID: "user-1",
		MachineID: "m1", Status: StatusInitializing,
	}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	cli := dialPeer(t, bridgeURL)
	cli.send(t, wire.KindAuthenticate, &wire.Authenticate{Token: "tok-1"})
	cli.expect(t, wire.KindAuthenticated)
	cli.send(t, wire.KindAttachSession, &wire.AttachSession{SessionID: "sess-2", Tag: "t2", MachineID: "m1"})
	cli.expect(t, wire.KindSessionUpdated)
	cli.expect(t, wire.KindTerminalReady)

	web := dialPeer(t, webURL)
	web.send(t, wire.KindAuthenticate, &wire.Authenticate{Token: "tok-1"})
	web.expect(t, wire.KindAuthenticated)
	web.send(t, wire.KindAttachSession, &wire.AttachSession{SessionID: "sess-2"})
	web.expect(t, wire.KindTerminalReady)

	web.send(t, wire.KindTerminalInput, &wire.TerminalInput{SessionID: "sess-2", Bytes: wire.ByteSeq("ls\n")})

	in := cli.expect(t, wire.KindSrvTerminalInput)
	ip := in.Payload.(*wire.SrvTerminalInput)
	if string(ip.Bytes) != "ls\n" {
		t.Fatalf("unexpected forwarded input: %q", ip.Bytes)
	}
}

func TestRouter_RequestRemoteSessionRoundTrip(t *testing.T) {
	rt, cat := newTestRouter(t)
	bridgeURL, webURL := newTestServer(t, rt)

	if err := cat.CreateSession(SessionRecord{
		ID: "sess-3", Tag: "t3", UserID: "user-1",
		MachineID: "m1", Status: StatusInitializing,
	}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	cli := dialPeer(t, bridgeURL)
	cli.send(t, wire.KindAuthenticate, &wire.Authenticate{Token: "tok-1"})
	cli.expect(t, wire.KindAuthenticated)
	cli.send(t, wire.KindRegisterMachine, &wire.RegisterMachine{MachineID: "m1", Name: "laptop", Platform: "linux"})
	cli.expect(t, wire.KindMachineRegistered)
	cli.send(t, wire.KindAttachSession, &wire.AttachSession{SessionID: "sess-3", Tag: "t3", MachineID: "m1"})
	cli.expect(t, wire.KindSessionUpdated)
	cli.expect(t, wire.KindTerminalReady)

	web := dialPeer(t, webURL)
	web.send(t, wire.KindAuthenticate, &wire.Authenticate{Token: "tok-1"})
	web.expect(t, wire.KindAuthenticated)

	web.send(t, wire.KindRequestRemoteSession, &wire.RequestRemoteSession{MachineID: "m1", CWD: "/tmp", Args: []string{"claude"}})

	start := cli.expect(t, wire.KindStartRemoteSession)
	sp := start.Payload.(*wire.StartRemoteSession)
	if sp.MachineID != "m1" {
		t.Fatalf("unexpected start_remote_session payload: %+v", sp)
	}

	cli.send(t, wire.KindRemoteSessionResult, &wire.RemoteSessionResult{RequestID: sp.RequestID, Success: true})
	resp := web.expect(t, wire.KindRemoteSessionResponse)
	rp := resp.Payload.(*wire.RemoteSessionResponse)
	if !rp.Success || rp.RequestID != sp.RequestID {
		t.Fatalf("unexpected remote_session_response: %+v", rp)
	}
}

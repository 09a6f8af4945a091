package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/tetherhq/tether/internal/wire"
)

// Client is the terminal front-end's handle to a daemon's local control API.
//
// Grounded on internal/transport/client.go's http.Client-plus-helper-methods
// shape, pointed at a loopback TCP address instead of a Unix socket.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a Client for the control server listening at addr
// (e.g. "127.0.0.1:16790").
func NewClient(addr string) *Client {
	return &Client{baseURL: "http://" + addr, http: &http.Client{}}
}

// StartSessionParams describes a session a CLI caller wants running.
type StartSessionParams struct {
	Tag        string
	Command    []string
	WorkingDir string
	Cols, Rows int
}

// SessionInfo is the client-facing view of a session returned by the
// control API.
type SessionInfo struct {
	ID         string
	Tag        string
	Status     string
	WorkingDir string
}

// StartSession asks the daemon to start (or reuse) a tagged session.
func (c *Client) StartSession(p StartSessionParams) (SessionInfo, error) {
	body, err := json.Marshal(startSessionRequest{
		Tag: p.Tag, Command: p.Command, WorkingDir: p.WorkingDir, Cols: p.Cols, Rows: p.Rows,
	})
	if err != nil {
		return SessionInfo{}, err
	}
	resp, err := c.post("/sessions", body)
	if err != nil {
		return SessionInfo{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return SessionInfo{}, err
	}
	var out sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return SessionInfo{}, fmt.Errorf("decode response: %w", err)
	}
	return SessionInfo(out), nil
}

// ListSessions returns every session the daemon currently knows about.
func (c *Client) ListSessions() ([]SessionInfo, error) {
	resp, err := c.get("/sessions")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	var raw []sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	out := make([]SessionInfo, len(raw))
	for i, r := range raw {
		out[i] = SessionInfo(r)
	}
	return out, nil
}

// KillSession terminates a running session by id or tag.
func (c *Client) KillSession(idOrTag string) error {
	resp, err := c.post("/sessions/"+idOrTag+"/kill", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, http.StatusOK)
}

// DialAttach opens the control server's WebSocket attach endpoint, which
// speaks wire.ClientMessage/wire.ServerMessage directly. The session is
// chosen afterwards by sending an AttachSession message on the connection.
func (c *Client) DialAttach(ctx context.Context) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/attach"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial attach: %w", err)
	}
	return conn, nil
}

func (c *Client) get(path string) (*http.Response, error) {
	return c.http.Get(c.baseURL + path)
}

func (c *Client) post(path string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	return c.http.Post(c.baseURL+path, "application/json", r)
}

func checkStatus(resp *http.Response, expected int) error {
	if resp.StatusCode == expected {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	var errResp errorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errResp.Error)
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
}

// SendAttach writes a ClientMessage onto an attach connection.
func SendAttach(ctx context.Context, conn *websocket.Conn, kind wire.ClientKind, payload any) error {
	data, err := json.Marshal(wire.ClientMessage{Kind: kind, Payload: payload})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// RecvAttach reads and decodes one ServerMessage from an attach connection.
func RecvAttach(ctx context.Context, conn *websocket.Conn) (wire.ServerMessage, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return wire.ServerMessage{}, err
	}
	var sm wire.ServerMessage
	if err := json.Unmarshal(data, &sm); err != nil {
		return wire.ServerMessage{}, err
	}
	return sm, nil
}

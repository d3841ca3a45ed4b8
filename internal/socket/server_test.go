package socket

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"agenthub/internal/auth"
	"agenthub/internal/model"
	"agenthub/internal/rpc"
	"agenthub/internal/sse"
	"agenthub/internal/store"
	hubsync "agenthub/internal/sync"
	"agenthub/internal/terminal"
)

const testCLIToken = "cli-secret"

func newTestServer(t *testing.T) (*httptest.Server, *hubsync.Engine, auth.TokenConfig) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	tokenCfg := auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	registry := rpc.NewRegistry(2 * time.Second)
	engine := hubsync.NewEngine(hubsync.EngineOptions{
		Store:  st,
		Events: sse.NewManager(time.Hour, nil),
		RPC:    registry,
	})
	s := NewServer(Deps{
		Engine:      engine,
		RPC:         registry,
		Terminals:   terminal.NewRegistry(4, 4),
		TokenConfig: tokenCfg,
		CLIToken:    testCLIToken,
	})

	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return srv, engine, tokenCfg
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?EIO=4&transport=websocket"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForPrefix(t *testing.T, c *websocket.Conn, prefix string, timeout time.Duration) string {
	t.Helper()
	// gorilla/websocket read errors, including deadline timeouts, are
	// permanent, so the deadline is set once for the whole window instead of
	// being renewed per read.
	_ = c.SetReadDeadline(time.Now().Add(timeout))
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage (waiting for %q): %v", prefix, err)
		}
		msg := string(data)
		if msg == "2" {
			_ = c.WriteMessage(websocket.TextMessage, []byte("3"))
			continue
		}
		if strings.HasPrefix(msg, prefix) {
			_ = c.SetReadDeadline(time.Time{})
			return msg
		}
	}
}

// connNamespace records which socket.io namespace each test connection was
// connected on, so expectSilence can address its barrier ping correctly.
var connNamespace = map[*websocket.Conn]string{}

var silenceAckID = 9000

// expectSilence fails if a frame containing marker arrives before the
// timeout. A read deadline cannot be used to detect the quiet window because
// gorilla/websocket read timeouts permanently fail the connection, and
// several tests keep using the connection afterwards. Instead this waits out
// the window, then sends a "ping" event with an ack id as a barrier and
// inspects every frame the server emitted before the ack comes back.
func expectSilence(t *testing.T, c *websocket.Conn, marker string, timeout time.Duration) {
	t.Helper()
	ns, ok := connNamespace[c]
	if !ok {
		t.Fatalf("expectSilence: connection was not connected via a test helper")
	}
	time.Sleep(timeout)

	silenceAckID++
	id := silenceAckID
	packet := fmt.Sprintf(`42%s,%d["ping"]`, ns, id)
	if err := c.WriteMessage(websocket.TextMessage, []byte(packet)); err != nil {
		t.Fatalf("WriteMessage(ping): %v", err)
	}
	ackPrefix := fmt.Sprintf("43%s,%d", ns, id)

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage (waiting for silence barrier): %v", err)
		}
		msg := string(data)
		if msg == "2" {
			_ = c.WriteMessage(websocket.TextMessage, []byte("3"))
			continue
		}
		if strings.HasPrefix(msg, ackPrefix) {
			_ = c.SetReadDeadline(time.Time{})
			return
		}
		if strings.Contains(msg, marker) {
			t.Fatalf("unexpected frame: %s", msg)
		}
	}
}

func connectCLI(t *testing.T, c *websocket.Conn, payload map[string]any) {
	t.Helper()
	_ = waitForPrefix(t, c, "0{", 2*time.Second)
	data, _ := json.Marshal(payload)
	if err := c.WriteMessage(websocket.TextMessage, []byte("40/cli,"+string(data))); err != nil {
		t.Fatalf("WriteMessage(connect): %v", err)
	}
	_ = waitForPrefix(t, c, "40/cli,", 2*time.Second)
	connNamespace[c] = "/cli"
}

func connectTerminal(t *testing.T, c *websocket.Conn, token string) {
	t.Helper()
	_ = waitForPrefix(t, c, "0{", 2*time.Second)
	data, _ := json.Marshal(map[string]any{"token": token})
	if err := c.WriteMessage(websocket.TextMessage, []byte("40/terminal,"+string(data))); err != nil {
		t.Fatalf("WriteMessage(connect): %v", err)
	}
	_ = waitForPrefix(t, c, "40/terminal,", 2*time.Second)
	connNamespace[c] = "/terminal"
}

func mustSession(t *testing.T, engine *hubsync.Engine, namespace, tag string) *model.Session {
	t.Helper()
	sess, err := engine.GetOrCreateSession(namespace, tag, nil, nil)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	return sess
}

func TestHandshakeAndPingAck(t *testing.T) {
	srv, engine, _ := newTestServer(t)
	sess := mustSession(t, engine, "alpha", "tag")

	conn := dial(t, srv)
	connectCLI(t, conn, map[string]any{
		"token":      testCLIToken + ".alpha",
		"clientType": "session-scoped",
		"sessionId":  sess.ID,
	})

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`42/cli,1["ping"]`)); err != nil {
		t.Fatalf("WriteMessage(ping): %v", err)
	}
	ack := waitForPrefix(t, conn, "43/cli,1", 2*time.Second)
	if ack != "43/cli,1[]" {
		t.Fatalf("unexpected ack: %s", ack)
	}
}

func TestForeignSessionScopeSilentlyDemoted(t *testing.T) {
	srv, engine, _ := newTestServer(t)
	sess := mustSession(t, engine, "beta", "tag")

	// Connecting scoped to another namespace's session succeeds without an
	// error event; the session scope is just not granted.
	conn := dial(t, srv)
	connectCLI(t, conn, map[string]any{
		"token":      testCLIToken + ".alpha",
		"clientType": "session-scoped",
		"sessionId":  sess.ID,
	})
	expectSilence(t, conn, `"error"`, 300*time.Millisecond)

	// An explicit request on the denied id does get the tagged error.
	alive, _ := json.Marshal(map[string]any{"sid": sess.ID, "time": time.Now().UnixMilli()})
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`42/cli,["session-alive",`+string(alive)+`]`)); err != nil {
		t.Fatalf("WriteMessage(session-alive): %v", err)
	}

	raw := waitForPrefix(t, conn, `42/cli,["error"`, 2*time.Second)
	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(raw[strings.Index(raw, "["):]), &arr); err != nil || len(arr) < 2 {
		t.Fatalf("bad error event: %s", raw)
	}
	var errBody struct {
		Message string `json:"message"`
		Code    string `json:"code"`
		Scope   string `json:"scope"`
		ID      string `json:"id"`
	}
	if err := json.Unmarshal(arr[1], &errBody); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if errBody.Code != "access-denied" || errBody.Scope != "session" || errBody.ID != sess.ID {
		t.Fatalf("unexpected error body: %+v", errBody)
	}
}

func TestUpdateBroadcastToWatcher(t *testing.T) {
	srv, engine, _ := newTestServer(t)
	sess := mustSession(t, engine, "alpha", "tag")
	mustSession(t, engine, "beta", "tag")

	watcher := dial(t, srv)
	connectCLI(t, watcher, map[string]any{"token": testCLIToken + ".alpha"})

	foreign := dial(t, srv)
	connectCLI(t, foreign, map[string]any{"token": testCLIToken + ".beta"})

	sender := dial(t, srv)
	connectCLI(t, sender, map[string]any{
		"token":      testCLIToken + ".alpha",
		"clientType": "session-scoped",
		"sessionId":  sess.ID,
	})

	msg, _ := json.Marshal(map[string]any{
		"sid":     sess.ID,
		"content": map[string]any{"role": "agent", "text": "done"},
	})
	if err := sender.WriteMessage(websocket.TextMessage, []byte(`42/cli,["message",`+string(msg)+`]`)); err != nil {
		t.Fatalf("WriteMessage(message): %v", err)
	}

	raw := waitForPrefix(t, watcher, "42/cli,", 2*time.Second)
	var arr []any
	if err := json.Unmarshal([]byte(raw[strings.Index(raw, "["):]), &arr); err != nil {
		t.Fatalf("unmarshal update: %v (%s)", err, raw)
	}
	if len(arr) < 2 || arr[0] != "update" {
		t.Fatalf("unexpected event: %v", arr)
	}
	update, _ := arr[1].(map[string]any)
	body, _ := update["body"].(map[string]any)
	if body["t"] != "new-message" || body["sid"] != sess.ID {
		t.Fatalf("unexpected update body: %v", body)
	}
	if update["seq"].(float64) != 1 {
		t.Fatalf("expected seq 1, got %v", update["seq"])
	}

	// The other namespace's watcher sees nothing.
	expectSilence(t, foreign, `"update"`, 300*time.Millisecond)
}

func TestVersionedMetadataAckShapes(t *testing.T) {
	srv, engine, _ := newTestServer(t)
	sess := mustSession(t, engine, "alpha", "tag")

	conn := dial(t, srv)
	connectCLI(t, conn, map[string]any{
		"token":      testCLIToken + ".alpha",
		"clientType": "session-scoped",
		"sessionId":  sess.ID,
	})

	send := func(ackID int, expectedVersion int64, name string) map[string]any {
		t.Helper()
		body, _ := json.Marshal(map[string]any{
			"sid":             sess.ID,
			"expectedVersion": expectedVersion,
			"metadata":        map[string]any{"name": name},
		})
		packet := "42/cli," + jsonItoa(ackID) + `["update-metadata",` + string(body) + `]`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(packet)); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
		raw := waitForPrefix(t, conn, "43/cli,"+jsonItoa(ackID), 2*time.Second)
		var arr []map[string]any
		if err := json.Unmarshal([]byte(raw[strings.Index(raw, "["):]), &arr); err != nil || len(arr) < 1 {
			t.Fatalf("bad ack: %s", raw)
		}
		return arr[0]
	}

	ok := send(7, sess.MetadataVersion, "first")
	if ok["result"] != "success" || ok["version"].(float64) != float64(sess.MetadataVersion+1) {
		t.Fatalf("unexpected success ack: %v", ok)
	}

	stale := send(8, sess.MetadataVersion, "second")
	if stale["result"] != "version-mismatch" {
		t.Fatalf("expected version-mismatch, got %v", stale)
	}
	current, _ := stale["metadata"].(map[string]any)
	if current["name"] != "first" {
		t.Fatalf("mismatch ack should carry current value, got %v", stale["metadata"])
	}
}

func TestTerminalPairingAndExactlyOnceExit(t *testing.T) {
	srv, engine, tokenCfg := newTestServer(t)
	sess := mustSession(t, engine, "alpha", "tag")

	host := dial(t, srv)
	connectCLI(t, host, map[string]any{
		"token":      testCLIToken + ".alpha",
		"clientType": "session-scoped",
		"sessionId":  sess.ID,
	})

	token, err := auth.CreateToken(1, "alpha", tokenCfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	controller := dial(t, srv)
	connectTerminal(t, controller, token)

	create, _ := json.Marshal(map[string]any{
		"sessionId":  sess.ID,
		"terminalId": "t1",
		"cols":       80,
		"rows":       24,
	})
	if err := controller.WriteMessage(websocket.TextMessage, []byte(`42/terminal,5["terminal:create",`+string(create)+`]`)); err != nil {
		t.Fatalf("WriteMessage(create): %v", err)
	}

	openRaw := waitForPrefix(t, host, `42/cli,["terminal:open"`, 2*time.Second)
	if !strings.Contains(openRaw, `"t1"`) {
		t.Fatalf("unexpected terminal:open: %s", openRaw)
	}
	ack := waitForPrefix(t, controller, "43/terminal,5", 2*time.Second)
	if !strings.Contains(ack, `"ok":true`) {
		t.Fatalf("unexpected create ack: %s", ack)
	}

	// Output flows host -> controller.
	output, _ := json.Marshal(map[string]any{"terminalId": "t1", "sid": sess.ID, "data": "hello"})
	if err := host.WriteMessage(websocket.TextMessage, []byte(`42/cli,["terminal:output",`+string(output)+`]`)); err != nil {
		t.Fatalf("WriteMessage(output): %v", err)
	}
	outRaw := waitForPrefix(t, controller, `42/terminal,["terminal:output"`, 2*time.Second)
	if !strings.Contains(outRaw, `"hello"`) {
		t.Fatalf("unexpected terminal:output: %s", outRaw)
	}

	// A forged sid is dropped without a reply.
	forged, _ := json.Marshal(map[string]any{"terminalId": "t1", "sid": "other", "data": "nope"})
	if err := host.WriteMessage(websocket.TextMessage, []byte(`42/cli,["terminal:output",`+string(forged)+`]`)); err != nil {
		t.Fatalf("WriteMessage(forged): %v", err)
	}
	expectSilence(t, controller, `"nope"`, 300*time.Millisecond)

	// Exit forwards exactly once.
	exit, _ := json.Marshal(map[string]any{"terminalId": "t1", "sid": sess.ID, "code": 0})
	for i := 0; i < 2; i++ {
		if err := host.WriteMessage(websocket.TextMessage, []byte(`42/cli,["terminal:exit",`+string(exit)+`]`)); err != nil {
			t.Fatalf("WriteMessage(exit): %v", err)
		}
	}
	_ = waitForPrefix(t, controller, `42/terminal,["terminal:exit"`, 2*time.Second)
	expectSilence(t, controller, `terminal:exit`, 300*time.Millisecond)
}

func jsonItoa(n int) string {
	data, _ := json.Marshal(n)
	return string(data)
}

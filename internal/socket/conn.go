package socket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	clientTypeSession = "session-scoped"
	clientTypeMachine = "machine-scoped"
	clientTypeWatcher = "namespace-scoped"
)

// Reason codes carried by the error event.
const (
	codeNamespaceMissing = "namespace-missing"
	codeAccessDenied     = "access-denied"
	codeNotFound         = "not-found"
	codeUnauthorized     = "unauthorized"
	codeBadRequest       = "bad-request"
	codeInternal         = "internal-error"
)

var errConnClosed = errors.New("connection closed")

type conn struct {
	ws *websocket.Conn

	sid string

	connected atomic.Bool

	// Set during handshake; immutable afterwards.
	nsPath     string
	namespace  string
	clientType string
	sessionID  string
	machineID  string

	sendMu sync.Mutex

	ackMu      sync.Mutex
	nextAckID  int
	pendingAck map[int]chan []json.RawMessage

	pingMu       sync.Mutex
	awaitingPong bool
	pingSentAt   time.Time
	nextPingAt   time.Time

	closed atomic.Bool
	done   chan struct{}
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:         ws,
		sid:        uuid.NewString(),
		pendingAck: make(map[int]chan []json.RawMessage),
		nextPingAt: time.Now().Add(pingInterval),
		done:       make(chan struct{}),
	}
}

func (c *conn) ID() string { return c.sid }

func (c *conn) close() {
	if c.closed.Swap(true) {
		return
	}
	close(c.done)
	_ = c.ws.Close()
}

func (c *conn) writeText(msg string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *conn) readLoop(onMessage func(string)) {
	defer c.close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		onMessage(string(data))
	}
}

func (c *conn) pingLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if c.closed.Load() {
			return
		}
		now := time.Now()
		c.pingMu.Lock()
		awaiting := c.awaitingPong
		pingSentAt := c.pingSentAt
		nextPingAt := c.nextPingAt
		if awaiting && now.Sub(pingSentAt) > pingTimeout {
			c.pingMu.Unlock()
			c.close()
			return
		}
		if !awaiting && !now.Before(nextPingAt) {
			c.awaitingPong = true
			c.pingSentAt = now
			c.nextPingAt = now.Add(pingInterval)
			c.pingMu.Unlock()
			_ = c.writeText(string(enginePing))
			continue
		}
		c.pingMu.Unlock()
	}
}

func (c *conn) markPong() {
	c.pingMu.Lock()
	c.awaitingPong = false
	c.pingMu.Unlock()
}

// sendEvent emits an event on the connection's namespace without expecting
// an ack.
func (c *conn) sendEvent(event string, args ...any) error {
	packet, err := buildEventPacket(c.nsPath, nil, event, args...)
	if err != nil {
		return err
	}
	return c.writeText(string(engineMessage) + packet)
}

// sendError emits the structured error event clients key off: message plus a
// tagged reason code, the entity scope, and the offending id.
func (c *conn) sendError(message, code, scope, id string) error {
	payload := map[string]any{"message": message}
	if code != "" {
		payload["code"] = code
	}
	if scope != "" {
		payload["scope"] = scope
	}
	if id != "" {
		payload["id"] = id
	}
	return c.sendEvent("error", payload)
}

func (c *conn) sendAck(id int, args ...any) error {
	packet, err := buildAckPacket(c.nsPath, id, args...)
	if err != nil {
		return err
	}
	return c.writeText(string(engineMessage) + packet)
}

// EmitWithAck sends an event carrying an ack id and blocks until the peer
// acks, ctx expires, or the connection closes. It satisfies rpc.Conn.
func (c *conn) EmitWithAck(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	c.ackMu.Lock()
	c.nextAckID++
	id := c.nextAckID
	ch := make(chan []json.RawMessage, 1)
	c.pendingAck[id] = ch
	c.ackMu.Unlock()

	dropPending := func() {
		c.ackMu.Lock()
		delete(c.pendingAck, id)
		c.ackMu.Unlock()
	}

	packet, err := buildEventPacket(c.nsPath, &id, event, payload)
	if err != nil {
		dropPending()
		return nil, err
	}
	if err := c.writeText(string(engineMessage) + packet); err != nil {
		dropPending()
		return nil, err
	}

	select {
	case resp := <-ch:
		if len(resp) == 0 {
			return json.RawMessage("null"), nil
		}
		return resp[0], nil
	case <-ctx.Done():
		dropPending()
		return nil, ctx.Err()
	case <-c.done:
		dropPending()
		return nil, errConnClosed
	}
}

func (c *conn) resolveAck(id int, args []json.RawMessage) {
	c.ackMu.Lock()
	ch := c.pendingAck[id]
	delete(c.pendingAck, id)
	c.ackMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- args:
	default:
	}
}

package socket

import (
	"errors"

	"agenthub/internal/rpc"
	hubsync "agenthub/internal/sync"
	"agenthub/internal/terminal"
)

// handleTerminalEvent dispatches events from terminal controller sockets.
func (s *Server) handleTerminalEvent(c *conn, pkt eventPacket) {
	switch pkt.Event {
	case "ping":
		if pkt.ID != nil {
			_ = c.sendAck(*pkt.ID)
		}

	case "rpc-call":
		s.handleRPCCall(c, pkt)

	case "terminal:create":
		s.handleTerminalCreate(c, pkt)

	case "terminal:write":
		s.forwardTerminalFromController(c, pkt, "terminal:write")

	case "terminal:resize":
		s.forwardTerminalFromController(c, pkt, "terminal:resize")

	case "terminal:close":
		s.handleTerminalClose(c, pkt)
	}
}

func (s *Server) handleTerminalCreate(c *conn, pkt eventPacket) {
	if pkt.ID == nil {
		return
	}
	var body struct {
		SessionID  string `json:"sessionId"`
		TerminalID string `json:"terminalId"`
		Cols       int    `json:"cols"`
		Rows       int    `json:"rows"`
	}
	if !decodeArg(pkt, &body) || body.SessionID == "" || body.TerminalID == "" {
		_ = c.sendAck(*pkt.ID, map[string]any{"ok": false, "error": "Missing sessionId or terminalId"})
		return
	}

	if _, err := s.engine.ResolveSession(c.namespace, body.SessionID); err != nil {
		s.sendAccessError(c, err, "session", body.SessionID)
		_ = c.sendAck(*pkt.ID, map[string]any{"ok": false, "error": "Session unavailable"})
		return
	}

	host := s.pickSessionHost(body.SessionID)
	if host == nil {
		_ = c.sendAck(*pkt.ID, map[string]any{"ok": false, "error": "No agent connection for session"})
		return
	}

	err := s.terminals.Register(terminal.Entry{
		TerminalID:   body.TerminalID,
		SessionID:    body.SessionID,
		ControllerID: c.sid,
		HostID:       host.sid,
	})
	if err != nil {
		_ = c.sendAck(*pkt.ID, map[string]any{"ok": false, "error": terminalErrorMessage(err)})
		return
	}

	if err := host.sendEvent("terminal:open", map[string]any{
		"terminalId": body.TerminalID,
		"sid":        body.SessionID,
		"cols":       body.Cols,
		"rows":       body.Rows,
	}); err != nil {
		s.terminals.Remove(body.TerminalID)
		_ = c.sendAck(*pkt.ID, map[string]any{"ok": false, "error": "Agent connection lost"})
		return
	}
	_ = c.sendAck(*pkt.ID, map[string]any{"ok": true, "terminalId": body.TerminalID})
}

// pickSessionHost returns a session-scoped CLI connection for the session,
// or nil when none is online.
func (s *Server) pickSessionHost(sessionID string) *conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.roomSessions[sessionID] {
		if c.clientType == clientTypeSession {
			return c
		}
	}
	return nil
}

// forwardTerminalFromController relays input/resize to the hosting CLI
// connection. Unknown or foreign terminal ids are dropped silently.
func (s *Server) forwardTerminalFromController(c *conn, pkt eventPacket, event string) {
	var body struct {
		TerminalID string `json:"terminalId"`
		Data       string `json:"data"`
		Cols       int    `json:"cols"`
		Rows       int    `json:"rows"`
	}
	if !decodeArg(pkt, &body) || body.TerminalID == "" {
		return
	}

	entry, ok := s.terminals.ResolveFromController(body.TerminalID, c.sid)
	if !ok {
		return
	}
	host := s.connByID(entry.HostID)
	if host == nil {
		return
	}

	payload := map[string]any{
		"terminalId": body.TerminalID,
		"sid":        entry.SessionID,
	}
	if event == "terminal:write" {
		payload["data"] = body.Data
	} else {
		payload["cols"] = body.Cols
		payload["rows"] = body.Rows
	}
	_ = host.sendEvent(event, payload)
}

func (s *Server) handleTerminalClose(c *conn, pkt eventPacket) {
	var body struct {
		TerminalID string `json:"terminalId"`
	}
	if !decodeArg(pkt, &body) || body.TerminalID == "" {
		return
	}

	if _, ok := s.terminals.ResolveFromController(body.TerminalID, c.sid); !ok {
		return
	}
	entry, removed := s.terminals.Remove(body.TerminalID)
	if !removed {
		return
	}
	if host := s.connByID(entry.HostID); host != nil {
		_ = host.sendEvent("terminal:close", map[string]any{
			"terminalId": body.TerminalID,
			"sid":        entry.SessionID,
		})
	}
}

func terminalErrorMessage(err error) string {
	switch {
	case errors.Is(err, terminal.ErrTerminalInUse):
		return "Terminal id already in use"
	case errors.Is(err, terminal.ErrSocketLimit):
		return "Too many terminals for this connection"
	case errors.Is(err, terminal.ErrSessionLimit):
		return "Too many terminals for this session"
	}
	return "Terminal registration failed"
}

func rpcErrorMessage(err error) string {
	switch {
	case errors.Is(err, rpc.ErrMethodNotRegistered):
		return "Method not found"
	case errors.Is(err, rpc.ErrTimeout):
		return "RPC timeout"
	case errors.Is(err, hubsync.ErrAccessDenied):
		return "Access denied"
	case errors.Is(err, hubsync.ErrNotFound):
		return "Not found"
	case errors.Is(err, hubsync.ErrNamespaceMissing):
		return "Namespace required"
	}
	return "RPC failed"
}

package socket

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"agenthub/internal/store"
	hubsync "agenthub/internal/sync"
)

// handleCLIEvent dispatches events from agent connections. Events run on the
// connection's read loop, so a single connection's operations apply in the
// order it sent them.
func (s *Server) handleCLIEvent(c *conn, pkt eventPacket) {
	switch pkt.Event {
	case "ping":
		if pkt.ID != nil {
			_ = c.sendAck(*pkt.ID)
		}

	case "session":
		s.handleSessionRegister(c, pkt)

	case "message":
		s.handleAgentMessage(c, pkt)

	case "update-metadata":
		s.handleSessionMetadataUpdate(c, pkt)

	case "update-state":
		s.handleSessionStateUpdate(c, pkt)

	case "session-alive":
		s.handleSessionAlive(c, pkt)

	case "session-end":
		var body struct {
			SID string `json:"sid"`
		}
		if !decodeArg(pkt, &body) || body.SID == "" {
			return
		}
		if err := s.engine.HandleSessionEnd(c.namespace, body.SID); err != nil {
			s.sendAccessError(c, err, "session", body.SID)
		}

	case "session-todos":
		var body struct {
			SID   string `json:"sid"`
			Todos any    `json:"todos"`
			Time  int64  `json:"time"`
		}
		if !decodeArg(pkt, &body) || body.SID == "" {
			return
		}
		if err := s.engine.SetSessionTodos(c.namespace, body.SID, body.Todos, body.Time); err != nil {
			s.sendAccessError(c, err, "session", body.SID)
		}

	case "machine-alive":
		var body struct {
			MachineID string `json:"machineId"`
		}
		if !decodeArg(pkt, &body) || body.MachineID == "" {
			return
		}
		if err := s.engine.HandleMachineAlive(c.namespace, body.MachineID); err != nil {
			s.sendAccessError(c, err, "machine", body.MachineID)
		}

	case "machine-update-metadata":
		s.handleMachineMetadataUpdate(c, pkt)

	case "machine-update-state":
		s.handleMachineStateUpdate(c, pkt)

	case "rpc-register":
		var body struct {
			Method string `json:"method"`
		}
		if !decodeArg(pkt, &body) || body.Method == "" {
			return
		}
		method, ok := s.scopedMethod(c, body.Method)
		if !ok {
			return
		}
		s.rpcReg.Register(method, c)

	case "rpc-unregister":
		var body struct {
			Method string `json:"method"`
		}
		if !decodeArg(pkt, &body) || body.Method == "" {
			return
		}
		method, ok := s.scopedMethod(c, body.Method)
		if !ok {
			return
		}
		s.rpcReg.Unregister(method, c)

	case "rpc-call":
		s.handleRPCCall(c, pkt)

	case "toast":
		if len(pkt.Args) < 1 {
			return
		}
		var payload any
		if json.Unmarshal(pkt.Args[0], &payload) != nil {
			return
		}
		_ = s.engine.Toast(c.namespace, payload)

	case "terminal:ready":
		s.forwardTerminalFromHost(c, pkt, "terminal:ready")

	case "terminal:output":
		s.forwardTerminalFromHost(c, pkt, "terminal:output")

	case "terminal:error":
		s.forwardTerminalFromHost(c, pkt, "terminal:error")

	case "terminal:exit":
		s.handleTerminalExit(c, pkt)
	}
}

// scopedMethod prefixes the method with the entity this connection serves.
// Watcher connections own no entity and cannot register handlers.
func (s *Server) scopedMethod(c *conn, method string) (string, bool) {
	switch c.clientType {
	case clientTypeSession:
		return hubsync.SessionMethod(c.sessionID, method), true
	case clientTypeMachine:
		return hubsync.MachineMethod(c.machineID, method), true
	}
	return "", false
}

func (s *Server) handleSessionRegister(c *conn, pkt eventPacket) {
	if pkt.ID == nil {
		return
	}
	var body struct {
		Tag        string         `json:"tag"`
		Metadata   map[string]any `json:"metadata"`
		AgentState any            `json:"agentState"`
	}
	if !decodeArg(pkt, &body) || body.Tag == "" {
		_ = c.sendAck(*pkt.ID, map[string]any{"ok": false, "error": "Missing tag"})
		return
	}

	sess, err := s.engine.GetOrCreateSession(c.namespace, body.Tag, body.Metadata, body.AgentState)
	if err != nil {
		_ = c.sendAck(*pkt.ID, map[string]any{"ok": false, "error": "Session registration failed"})
		return
	}
	_ = c.sendAck(*pkt.ID, map[string]any{"ok": true, "session": hubsync.SessionPayload(sess)})
}

// handleAgentMessage appends agent output. The sid must match the session
// this connection is scoped to; anything else is dropped without a reply.
func (s *Server) handleAgentMessage(c *conn, pkt eventPacket) {
	if c.clientType != clientTypeSession {
		return
	}
	var body struct {
		SID     string `json:"sid"`
		LocalID string `json:"localId"`
		Content any    `json:"content"`
	}
	if !decodeArg(pkt, &body) {
		return
	}
	if body.SID == "" || body.SID != c.sessionID {
		return
	}

	if _, err := s.engine.AddAgentMessage(c.namespace, body.SID, body.LocalID, body.Content); err != nil {
		s.logger.Warn("agent message rejected",
			zap.String("sessionId", body.SID),
			zap.Error(err))
	}
}

func (s *Server) handleSessionAlive(c *conn, pkt eventPacket) {
	var body struct {
		SID            string `json:"sid"`
		Time           int64  `json:"time"`
		Thinking       bool   `json:"thinking"`
		PermissionMode string `json:"permissionMode"`
		ModelMode      string `json:"modelMode"`
		MachineID      string `json:"machineId"`
	}
	if !decodeArg(pkt, &body) || body.SID == "" {
		return
	}
	err := s.engine.HandleSessionAlive(c.namespace, body.SID, hubsync.SessionAliveInput{
		Thinking:       body.Thinking,
		PermissionMode: body.PermissionMode,
		ModelMode:      body.ModelMode,
		MachineID:      body.MachineID,
		At:             body.Time,
	})
	if err != nil {
		s.sendAccessError(c, err, "session", body.SID)
	}
}

func (s *Server) handleSessionMetadataUpdate(c *conn, pkt eventPacket) {
	if pkt.ID == nil {
		return
	}
	var body struct {
		SID             string         `json:"sid"`
		ExpectedVersion int64          `json:"expectedVersion"`
		Metadata        map[string]any `json:"metadata"`
	}
	if !decodeArg(pkt, &body) || body.SID == "" {
		return
	}

	res, err := s.engine.UpdateSessionMetadata(c.namespace, body.SID, body.ExpectedVersion, body.Metadata)
	if err != nil {
		s.sendAccessError(c, err, "session", body.SID)
		_ = c.sendAck(*pkt.ID, map[string]any{"result": string(store.UpdateError)})
		return
	}
	_ = c.sendAck(*pkt.ID, map[string]any{
		"result":   string(res.Outcome),
		"version":  res.Version,
		"metadata": res.Value,
	})
}

func (s *Server) handleSessionStateUpdate(c *conn, pkt eventPacket) {
	if pkt.ID == nil {
		return
	}
	var body struct {
		SID             string `json:"sid"`
		ExpectedVersion int64  `json:"expectedVersion"`
		AgentState      any    `json:"agentState"`
	}
	if !decodeArg(pkt, &body) || body.SID == "" {
		return
	}

	res, err := s.engine.UpdateSessionAgentState(c.namespace, body.SID, body.ExpectedVersion, body.AgentState)
	if err != nil {
		s.sendAccessError(c, err, "session", body.SID)
		_ = c.sendAck(*pkt.ID, map[string]any{"result": string(store.UpdateError)})
		return
	}
	_ = c.sendAck(*pkt.ID, map[string]any{
		"result":     string(res.Outcome),
		"version":    res.Version,
		"agentState": res.Value,
	})
}

func (s *Server) handleMachineMetadataUpdate(c *conn, pkt eventPacket) {
	if pkt.ID == nil {
		return
	}
	var body struct {
		MachineID       string `json:"machineId"`
		ExpectedVersion int64  `json:"expectedVersion"`
		Metadata        any    `json:"metadata"`
	}
	if !decodeArg(pkt, &body) || body.MachineID == "" {
		return
	}

	res, err := s.engine.UpdateMachineMetadata(c.namespace, body.MachineID, body.ExpectedVersion, body.Metadata)
	if err != nil {
		s.sendAccessError(c, err, "machine", body.MachineID)
		_ = c.sendAck(*pkt.ID, map[string]any{"result": string(store.UpdateError)})
		return
	}
	_ = c.sendAck(*pkt.ID, map[string]any{
		"result":   string(res.Outcome),
		"version":  res.Version,
		"metadata": res.Value,
	})
}

func (s *Server) handleMachineStateUpdate(c *conn, pkt eventPacket) {
	if pkt.ID == nil {
		return
	}
	var body struct {
		MachineID       string `json:"machineId"`
		ExpectedVersion int64  `json:"expectedVersion"`
		RunnerState     any    `json:"runnerState"`
	}
	if !decodeArg(pkt, &body) || body.MachineID == "" {
		return
	}

	res, err := s.engine.UpdateMachineRunnerState(c.namespace, body.MachineID, body.ExpectedVersion, body.RunnerState)
	if err != nil {
		s.sendAccessError(c, err, "machine", body.MachineID)
		_ = c.sendAck(*pkt.ID, map[string]any{"result": string(store.UpdateError)})
		return
	}
	_ = c.sendAck(*pkt.ID, map[string]any{
		"result":      string(res.Outcome),
		"version":     res.Version,
		"runnerState": res.Value,
	})
}

func (s *Server) handleRPCCall(c *conn, pkt eventPacket) {
	if pkt.ID == nil {
		return
	}
	var body struct {
		SessionID string          `json:"sessionId"`
		MachineID string          `json:"machineId"`
		Method    string          `json:"method"`
		Params    json.RawMessage `json:"params"`
	}
	if !decodeArg(pkt, &body) || body.Method == "" {
		return
	}

	var (
		result json.RawMessage
		err    error
	)
	switch {
	case body.SessionID != "":
		result, err = s.engine.InvokeSessionRPC(context.Background(), c.namespace, body.SessionID, body.Method, body.Params)
	case body.MachineID != "":
		result, err = s.engine.InvokeMachineRPC(context.Background(), c.namespace, body.MachineID, body.Method, body.Params)
	default:
		_ = c.sendAck(*pkt.ID, map[string]any{"ok": false, "error": "Missing sessionId or machineId"})
		return
	}

	if err != nil {
		_ = c.sendAck(*pkt.ID, map[string]any{"ok": false, "error": rpcErrorMessage(err)})
		return
	}
	_ = c.sendAck(*pkt.ID, map[string]any{"ok": true, "result": result})
}

// forwardTerminalFromHost relays pty traffic from the hosting CLI connection
// to the controlling socket. Payloads naming a terminal this connection does
// not host, or a mismatched session, are dropped silently: they are stale or
// forged, and an error reply would leak whether the id exists.
func (s *Server) forwardTerminalFromHost(c *conn, pkt eventPacket, event string) {
	var body struct {
		TerminalID string `json:"terminalId"`
		SID        string `json:"sid"`
		Data       string `json:"data"`
		Message    string `json:"message"`
	}
	if !decodeArg(pkt, &body) || body.TerminalID == "" {
		return
	}

	entry, ok := s.terminals.ResolveFromHost(body.TerminalID, c.sid, body.SID)
	if !ok {
		return
	}
	controller := s.connByID(entry.ControllerID)
	if controller == nil {
		return
	}
	payload := map[string]any{"terminalId": body.TerminalID}
	if body.Data != "" {
		payload["data"] = body.Data
	}
	if body.Message != "" {
		payload["message"] = body.Message
	}
	_ = controller.sendEvent(event, payload)
}

// handleTerminalExit forwards the exit to the controller at most once: the
// registry removal decides the winner, so a duplicate exit resolves to a
// no-op.
func (s *Server) handleTerminalExit(c *conn, pkt eventPacket) {
	var body struct {
		TerminalID string `json:"terminalId"`
		SID        string `json:"sid"`
		Code       *int   `json:"code"`
	}
	if !decodeArg(pkt, &body) || body.TerminalID == "" {
		return
	}

	if _, ok := s.terminals.ResolveFromHost(body.TerminalID, c.sid, body.SID); !ok {
		return
	}
	entry, removed := s.terminals.Remove(body.TerminalID)
	if !removed {
		return
	}
	controller := s.connByID(entry.ControllerID)
	if controller == nil {
		return
	}
	_ = controller.sendEvent("terminal:exit", map[string]any{
		"terminalId": body.TerminalID,
		"code":       body.Code,
	})
}

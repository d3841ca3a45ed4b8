package socket

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"agenthub/internal/auth"
	"agenthub/internal/rpc"
	hubsync "agenthub/internal/sync"
	"agenthub/internal/terminal"
)

const (
	maxPayload   int64 = 1000000
	writeTimeout       = 10 * time.Second
	pingInterval       = 25 * time.Second
	pingTimeout        = 20 * time.Second

	nsCLI      = "/cli"
	nsTerminal = "/terminal"
)

type Deps struct {
	Engine      *hubsync.Engine
	RPC         *rpc.Registry
	Terminals   *terminal.Registry
	TokenConfig auth.TokenConfig
	CLIToken    string
	Logger      *zap.Logger
}

type Server struct {
	engine      *hubsync.Engine
	rpcReg      *rpc.Registry
	terminals   *terminal.Registry
	tokenConfig auth.TokenConfig
	cliToken    string
	logger      *zap.Logger

	upgrader websocket.Upgrader

	mu            sync.RWMutex
	roomNamespace map[string]map[*conn]struct{}
	roomSessions  map[string]map[*conn]struct{}
	roomMachines  map[string]map[*conn]struct{}
	connsByID     map[string]*conn
	tornDown      map[*conn]struct{}
}

func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		engine:      deps.Engine,
		rpcReg:      deps.RPC,
		terminals:   deps.Terminals,
		tokenConfig: deps.TokenConfig,
		cliToken:    deps.CLIToken,
		logger:      logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		roomNamespace: make(map[string]map[*conn]struct{}),
		roomSessions:  make(map[string]map[*conn]struct{}),
		roomMachines:  make(map[string]map[*conn]struct{}),
		connsByID:     make(map[string]*conn),
		tornDown:      make(map[*conn]struct{}),
	}
	deps.Engine.SetBroadcaster(s)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(maxPayload)

	c := newConn(ws)
	s.mu.Lock()
	s.connsByID[c.sid] = c
	s.mu.Unlock()
	defer s.unregisterConn(c)

	open := map[string]any{
		"sid":          c.sid,
		"upgrades":     []string{},
		"pingInterval": pingInterval.Milliseconds(),
		"pingTimeout":  pingTimeout.Milliseconds(),
		"maxPayload":   maxPayload,
	}
	openBytes, _ := json.Marshal(open)
	_ = c.writeText(string(engineOpen) + string(openBytes))

	go c.pingLoop()
	c.readLoop(func(msg string) {
		s.handleMessage(c, msg)
	})
}

// unregisterConn runs the ordered teardown exactly once: RPC registrations
// first, then terminal pairings (notifying the surviving peer), then rooms,
// and finally the connection-changed announcement.
func (s *Server) unregisterConn(c *conn) {
	s.mu.Lock()
	if _, done := s.tornDown[c]; done {
		s.mu.Unlock()
		c.close()
		return
	}
	s.tornDown[c] = struct{}{}
	delete(s.connsByID, c.sid)
	s.mu.Unlock()

	if c.connected.Load() {
		s.rpcReg.UnregisterAll(c)

		switch c.nsPath {
		case nsCLI:
			for _, e := range s.terminals.RemoveByHost(c.sid) {
				if controller := s.connByID(e.ControllerID); controller != nil {
					_ = controller.sendEvent("terminal:exit", map[string]any{
						"terminalId": e.TerminalID,
						"reason":     "agent-disconnected",
					})
				}
			}
		case nsTerminal:
			for _, e := range s.terminals.RemoveByController(c.sid) {
				if host := s.connByID(e.HostID); host != nil {
					_ = host.sendEvent("terminal:close", map[string]any{
						"terminalId": e.TerminalID,
						"sid":        e.SessionID,
					})
				}
			}
		}

		s.mu.Lock()
		s.leaveRoom(s.roomNamespace, c.namespace, c)
		if c.sessionID != "" {
			s.leaveRoom(s.roomSessions, c.sessionID, c)
		}
		if c.machineID != "" {
			s.leaveRoom(s.roomMachines, c.machineID, c)
		}
		s.mu.Unlock()

		s.engine.NotifyConnectionChanged(c.namespace, c.clientType, false)
	}

	c.close()
}

func (s *Server) connByID(id string) *conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connsByID[id]
}

func (s *Server) joinRoom(rooms map[string]map[*conn]struct{}, key string, c *conn) {
	if key == "" {
		return
	}
	set, ok := rooms[key]
	if !ok {
		set = make(map[*conn]struct{})
		rooms[key] = set
	}
	set[c] = struct{}{}
}

func (s *Server) leaveRoom(rooms map[string]map[*conn]struct{}, key string, c *conn) {
	set, ok := rooms[key]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(rooms, key)
	}
}

// BroadcastUpdate delivers one ordered "update" frame to the CLI connections
// that should see it: namespace-scoped watchers plus whoever is joined to
// the session or machine the update concerns.
func (s *Server) BroadcastUpdate(namespace string, update hubsync.UpdateEvent) {
	payload, err := buildEventPacket(nsCLI, nil, "update", update)
	if err != nil {
		s.logger.Warn("drop unencodable update", zap.Error(err))
		return
	}

	s.mu.RLock()
	targets := make(map[*conn]struct{})
	for c := range s.roomNamespace[namespace] {
		targets[c] = struct{}{}
	}
	if update.Body.SessionID != "" {
		for c := range s.roomSessions[update.Body.SessionID] {
			targets[c] = struct{}{}
		}
	}
	if update.Body.MachineID != "" {
		for c := range s.roomMachines[update.Body.MachineID] {
			targets[c] = struct{}{}
		}
	}
	conns := make([]*conn, 0, len(targets))
	for c := range targets {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		if c.namespace != namespace {
			continue
		}
		if err := c.writeText(string(engineMessage) + payload); err != nil {
			s.unregisterConn(c)
		}
	}
}

func (s *Server) handleMessage(c *conn, msg string) {
	if msg == "" {
		return
	}

	switch enginePacketType(msg[0]) {
	case enginePong:
		c.markPong()
	case engineMessage:
		s.handleSocketPayload(c, msg[1:])
	case engineClose:
		c.close()
	}
}

func (s *Server) handleSocketPayload(c *conn, payload string) {
	if payload == "" {
		return
	}

	switch socketPacketType(payload[0]) {
	case socketConnect:
		s.handleConnect(c, payload)
	case socketEvent:
		s.handleEvent(c, payload)
	case socketAck:
		ack, err := parseAckPacket(payload)
		if err != nil {
			return
		}
		c.resolveAck(ack.ID, ack.Args)
	}
}

type connectAuth struct {
	Token      string `json:"token"`
	ClientType string `json:"clientType"`
	SessionID  string `json:"sessionId"`
	MachineID  string `json:"machineId"`
}

func (s *Server) handleConnect(c *conn, payload string) {
	if c.connected.Load() {
		return
	}

	nsPath, rest := parseNamespacePrefix(payload[1:])
	if nsPath != nsCLI && nsPath != nsTerminal {
		_ = c.sendError("Unknown namespace", codeNotFound, "namespace", nsPath)
		c.close()
		return
	}
	c.nsPath = nsPath

	if rest == "" {
		_ = c.sendError("Missing auth", codeUnauthorized, "auth", "")
		c.close()
		return
	}
	var authObj connectAuth
	if err := json.Unmarshal([]byte(rest), &authObj); err != nil {
		_ = c.sendError("Invalid auth", codeUnauthorized, "auth", "")
		c.close()
		return
	}
	if authObj.Token == "" {
		_ = c.sendError("Missing token", codeUnauthorized, "auth", "")
		c.close()
		return
	}

	switch nsPath {
	case nsCLI:
		s.connectCLI(c, authObj)
	case nsTerminal:
		s.connectTerminal(c, authObj)
	}
}

func (s *Server) connectCLI(c *conn, authObj connectAuth) {
	namespace, ok := auth.VerifyCLIToken(authObj.Token, s.cliToken)
	if !ok {
		_ = c.sendError("Invalid authentication token", codeUnauthorized, "auth", "")
		c.close()
		return
	}

	clientType := authObj.ClientType
	if clientType == "" {
		clientType = clientTypeWatcher
	}
	// Scope resolution failures at connect time are silent: the connection
	// comes up demoted to a namespace watcher with no session/machine room,
	// and only a later explicit request on the denied id gets an error event.
	switch clientType {
	case clientTypeSession:
		if authObj.SessionID == "" {
			_ = c.sendError("Missing sessionId", codeBadRequest, "session", "")
			c.close()
			return
		}
		if _, err := s.engine.ResolveSession(namespace, authObj.SessionID); err != nil {
			s.logger.Info("session scope denied at connect",
				zap.String("sessionId", authObj.SessionID),
				zap.String("namespace", namespace))
			clientType = clientTypeWatcher
			authObj.SessionID = ""
		}
	case clientTypeMachine:
		if authObj.MachineID == "" {
			_ = c.sendError("Missing machineId", codeBadRequest, "machine", "")
			c.close()
			return
		}
		if _, err := s.engine.GetOrCreateMachine(namespace, authObj.MachineID, nil); err != nil {
			s.logger.Info("machine scope denied at connect",
				zap.String("machineId", authObj.MachineID),
				zap.String("namespace", namespace))
			clientType = clientTypeWatcher
			authObj.MachineID = ""
		}
	case clientTypeWatcher:
	default:
		_ = c.sendError("Invalid client type", codeBadRequest, "auth", "")
		c.close()
		return
	}

	c.namespace = namespace
	c.clientType = clientType
	c.sessionID = authObj.SessionID
	c.machineID = authObj.MachineID
	s.finishConnect(c)
}

func (s *Server) connectTerminal(c *conn, authObj connectAuth) {
	claims, err := auth.VerifyToken(authObj.Token, s.tokenConfig)
	if err != nil {
		_ = c.sendError("Invalid authentication token", codeUnauthorized, "auth", "")
		c.close()
		return
	}

	c.namespace = claims.Namespace
	c.clientType = "terminal"
	s.finishConnect(c)
}

func (s *Server) finishConnect(c *conn) {
	c.connected.Store(true)

	s.mu.Lock()
	if c.nsPath == nsCLI {
		s.joinRoom(s.roomNamespace, c.namespace, c)
		if c.sessionID != "" {
			s.joinRoom(s.roomSessions, c.sessionID, c)
		}
		if c.machineID != "" {
			s.joinRoom(s.roomMachines, c.machineID, c)
		}
	}
	s.mu.Unlock()

	packet, err := buildConnectPacket(c.nsPath, c.sid)
	if err == nil {
		_ = c.writeText(string(engineMessage) + packet)
	}

	s.logger.Info("socket connected",
		zap.String("sid", c.sid),
		zap.String("namespace", c.namespace),
		zap.String("path", c.nsPath),
		zap.String("clientType", c.clientType))
	s.engine.NotifyConnectionChanged(c.namespace, c.clientType, true)
}

func (s *Server) sendAccessError(c *conn, err error, scope, id string) {
	switch {
	case errors.Is(err, hubsync.ErrNamespaceMissing):
		_ = c.sendError("Namespace required", codeNamespaceMissing, scope, id)
	case errors.Is(err, hubsync.ErrAccessDenied):
		_ = c.sendError(scopeDeniedMessage(scope), codeAccessDenied, scope, id)
	case errors.Is(err, hubsync.ErrNotFound):
		_ = c.sendError(scopeNotFoundMessage(scope), codeNotFound, scope, id)
	default:
		_ = c.sendError("Internal error", codeInternal, scope, id)
	}
}

func scopeDeniedMessage(scope string) string {
	if scope == "machine" {
		return "Machine access denied"
	}
	return "Session access denied"
}

func scopeNotFoundMessage(scope string) string {
	if scope == "machine" {
		return "Machine not found"
	}
	return "Session not found"
}

func (s *Server) handleEvent(c *conn, payload string) {
	if !c.connected.Load() {
		return
	}

	pkt, err := parseEventPacket(payload)
	if err != nil {
		return
	}

	switch c.nsPath {
	case nsCLI:
		s.handleCLIEvent(c, pkt)
	case nsTerminal:
		s.handleTerminalEvent(c, pkt)
	}
}

func decodeArg(pkt eventPacket, dst any) bool {
	if len(pkt.Args) < 1 {
		return false
	}
	return json.Unmarshal(pkt.Args[0], dst) == nil
}

// Package terminal tracks live terminal pairings between a controlling
// socket (the web/terminal client) and the CLI connection hosting the pty.
package terminal

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrTerminalInUse = errors.New("terminal id already in use")
	ErrSocketLimit   = errors.New("too many terminals for socket")
	ErrSessionLimit  = errors.New("too many terminals for session")
)

// Entry is one live terminal. ControllerID is the socket that opened it;
// HostID is the CLI connection running the pty.
type Entry struct {
	TerminalID   string
	SessionID    string
	ControllerID string
	HostID       string
	CreatedAt    time.Time
}

type Registry struct {
	mu             sync.Mutex
	byTerminal     map[string]*Entry
	byController   map[string]map[string]*Entry
	byHost         map[string]map[string]*Entry
	bySession      map[string]map[string]*Entry
	perSocketLimit int
	perSessionCap  int
}

func NewRegistry(perSocket, perSession int) *Registry {
	if perSocket <= 0 {
		perSocket = 4
	}
	if perSession <= 0 {
		perSession = 4
	}
	return &Registry{
		byTerminal:     make(map[string]*Entry),
		byController:   make(map[string]map[string]*Entry),
		byHost:         make(map[string]map[string]*Entry),
		bySession:      make(map[string]map[string]*Entry),
		perSocketLimit: perSocket,
		perSessionCap:  perSession,
	}
}

// Register claims a terminal id for a controller/host pair. The id must be
// free and both the controller and the session must be under their caps.
func (r *Registry) Register(e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byTerminal[e.TerminalID]; taken {
		return ErrTerminalInUse
	}
	if len(r.byController[e.ControllerID]) >= r.perSocketLimit {
		return ErrSocketLimit
	}
	if len(r.bySession[e.SessionID]) >= r.perSessionCap {
		return ErrSessionLimit
	}

	entry := e
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	r.byTerminal[entry.TerminalID] = &entry
	r.index(r.byController, entry.ControllerID, &entry)
	r.index(r.byHost, entry.HostID, &entry)
	r.index(r.bySession, entry.SessionID, &entry)
	return nil
}

func (r *Registry) index(m map[string]map[string]*Entry, key string, e *Entry) {
	if m[key] == nil {
		m[key] = make(map[string]*Entry)
	}
	m[key][e.TerminalID] = e
}

// ResolveFromHost returns the entry for terminalID only when hostID owns it
// and sessionID matches; stale or forged payloads resolve to nothing.
func (r *Registry) ResolveFromHost(terminalID, hostID, sessionID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byTerminal[terminalID]
	if !ok || e.HostID != hostID || e.SessionID != sessionID {
		return Entry{}, false
	}
	return *e, true
}

// ResolveFromController returns the entry only when controllerID opened it.
func (r *Registry) ResolveFromController(terminalID, controllerID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byTerminal[terminalID]
	if !ok || e.ControllerID != controllerID {
		return Entry{}, false
	}
	return *e, true
}

// Remove drops the terminal and reports whether it was still present. The
// first caller wins; an exit arriving after removal resolves to false.
func (r *Registry) Remove(terminalID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byTerminal[terminalID]
	if !ok {
		return Entry{}, false
	}
	r.removeLocked(e)
	return *e, true
}

func (r *Registry) removeLocked(e *Entry) {
	delete(r.byTerminal, e.TerminalID)
	r.unindex(r.byController, e.ControllerID, e.TerminalID)
	r.unindex(r.byHost, e.HostID, e.TerminalID)
	r.unindex(r.bySession, e.SessionID, e.TerminalID)
}

func (r *Registry) unindex(m map[string]map[string]*Entry, key, terminalID string) {
	delete(m[key], terminalID)
	if len(m[key]) == 0 {
		delete(m, key)
	}
}

// RemoveByController tears down every terminal a disconnecting controller
// socket opened, returning them so the hosts can be told to close ptys.
func (r *Registry) RemoveByController(controllerID string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeAllLocked(r.byController[controllerID])
}

// RemoveByHost tears down every terminal hosted on a disconnecting CLI
// connection, returning them so controllers can be told the terminal died.
func (r *Registry) RemoveByHost(hostID string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeAllLocked(r.byHost[hostID])
}

func (r *Registry) removeAllLocked(set map[string]*Entry) []Entry {
	removed := make([]Entry, 0, len(set))
	for _, e := range set {
		removed = append(removed, *e)
	}
	for _, e := range removed {
		r.removeLocked(r.byTerminal[e.TerminalID])
	}
	return removed
}

func (r *Registry) CountForController(controllerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byController[controllerID])
}

func (r *Registry) CountForSession(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySession[sessionID])
}

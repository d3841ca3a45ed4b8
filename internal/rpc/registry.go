// Package rpc maps method names to the single socket connection allowed to
// serve each one, and relays invocations with an ack timeout.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

var (
	ErrMethodNotRegistered = errors.New("rpc method not registered")
	ErrTimeout             = errors.New("rpc call timed out")
)

// Conn is the transport a registered handler lives on. EmitWithAck blocks
// until the peer acks or ctx expires.
type Conn interface {
	ID() string
	EmitWithAck(ctx context.Context, event string, payload any) (json.RawMessage, error)
}

type Registry struct {
	mu       sync.RWMutex
	byMethod map[string]Conn
	byConn   map[string]map[string]struct{}
	timeout  time.Duration
}

func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Registry{
		byMethod: make(map[string]Conn),
		byConn:   make(map[string]map[string]struct{}),
		timeout:  timeout,
	}
}

// Register makes conn the owner of method. A method already owned by another
// connection is silently taken over; the previous owner stops receiving
// calls.
func (r *Registry) Register(method string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byMethod[method]; ok && prev.ID() != conn.ID() {
		delete(r.byConn[prev.ID()], method)
		if len(r.byConn[prev.ID()]) == 0 {
			delete(r.byConn, prev.ID())
		}
	}
	r.byMethod[method] = conn
	if r.byConn[conn.ID()] == nil {
		r.byConn[conn.ID()] = make(map[string]struct{})
	}
	r.byConn[conn.ID()][method] = struct{}{}
}

// Unregister removes method only if conn still owns it; a stale unregister
// after a takeover is a no-op.
func (r *Registry) Unregister(method string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	owner, ok := r.byMethod[method]
	if !ok || owner.ID() != conn.ID() {
		return
	}
	delete(r.byMethod, method)
	delete(r.byConn[conn.ID()], method)
	if len(r.byConn[conn.ID()]) == 0 {
		delete(r.byConn, conn.ID())
	}
}

// UnregisterAll drops every method conn owns and returns their names.
func (r *Registry) UnregisterAll(conn Conn) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	methods := make([]string, 0, len(r.byConn[conn.ID()]))
	for method := range r.byConn[conn.ID()] {
		if owner, ok := r.byMethod[method]; ok && owner.ID() == conn.ID() {
			delete(r.byMethod, method)
		}
		methods = append(methods, method)
	}
	delete(r.byConn, conn.ID())
	return methods
}

func (r *Registry) Lookup(method string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byMethod[method]
	return conn, ok
}

// Invoke relays a call to the method's owner and waits for the ack. A timeout
// or a connection dropping mid-call both surface as ErrTimeout and leave the
// registration untouched.
func (r *Registry) Invoke(ctx context.Context, method string, params any) (json.RawMessage, error) {
	conn, ok := r.Lookup(method)
	if !ok {
		return nil, ErrMethodNotRegistered
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	result, err := conn.EmitWithAck(ctx, "rpc-request", map[string]any{
		"method": method,
		"params": params,
	})
	if err != nil {
		// A deadline, a cancel, and the owner disconnecting mid-call all
		// look the same to the caller: the call never completed.
		return nil, ErrTimeout
	}
	return result, nil
}

// Package sync holds the hub's domain logic: namespace-scoped access checks,
// versioned state writes, message flow, permission resolution, and the event
// fan-out that keeps CLI connections and SSE watchers consistent.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agenthub/internal/model"
	"agenthub/internal/rpc"
	"agenthub/internal/sse"
	"agenthub/internal/store"
)

// UpdateBody is the tagged union carried by "update" events to CLI
// connections.
type UpdateBody struct {
	Type       string          `json:"t"`
	SessionID  string          `json:"sid,omitempty"`
	MachineID  string          `json:"machineId,omitempty"`
	Message    *MessagePayload `json:"message,omitempty"`
	Metadata   any             `json:"metadata,omitempty"`
	AgentState any             `json:"agentState,omitempty"`
	Version    int64           `json:"version,omitempty"`
}

const (
	UpdateNewMessage = "new-message"
	UpdateSession    = "update-session"
	UpdateMachine    = "update-machine"
)

// UpdateEvent is one ordered broadcast frame. Seq is the session or machine
// seq the update landed at.
type UpdateEvent struct {
	ID        string     `json:"id"`
	Seq       int64      `json:"seq"`
	CreatedAt int64      `json:"createdAt"`
	Body      UpdateBody `json:"body"`
}

// MessagePayload is the wire shape of a stored message.
type MessagePayload struct {
	ID        string `json:"id"`
	Seq       int64  `json:"seq"`
	LocalID   string `json:"localId,omitempty"`
	Content   any    `json:"content"`
	CreatedAt int64  `json:"createdAt"`
}

func toMessagePayload(m *model.Message) *MessagePayload {
	return &MessagePayload{
		ID:        m.ID,
		Seq:       m.Seq,
		LocalID:   m.LocalID,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}

// Broadcaster delivers update events to the CLI connections of a namespace.
// The socket server implements it; a nil broadcaster drops updates.
type Broadcaster interface {
	BroadcastUpdate(namespace string, update UpdateEvent)
}

type Engine struct {
	store       *store.Store
	events      *sse.Manager
	rpc         *rpc.Registry
	broadcaster Broadcaster
	logger      *zap.Logger
	pageMax     int
}

type EngineOptions struct {
	Store          *store.Store
	Events         *sse.Manager
	RPC            *rpc.Registry
	Logger         *zap.Logger
	MessagePageMax int
}

func NewEngine(opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pageMax := opts.MessagePageMax
	if pageMax <= 0 {
		pageMax = 200
	}
	return &Engine{
		store:   opts.Store,
		events:  opts.Events,
		rpc:     opts.RPC,
		logger:  logger,
		pageMax: pageMax,
	}
}

func (e *Engine) SetBroadcaster(b Broadcaster) { e.broadcaster = b }

func (e *Engine) Store() *store.Store { return e.store }

func (e *Engine) broadcast(namespace string, body UpdateBody, seq int64) {
	if e.broadcaster == nil {
		return
	}
	e.broadcaster.BroadcastUpdate(namespace, UpdateEvent{
		ID:        uuid.NewString(),
		Seq:       seq,
		CreatedAt: time.Now().UnixMilli(),
		Body:      body,
	})
}

// GetOrCreateSession registers a session under the caller's namespace,
// announcing it to watchers when the row is new.
func (e *Engine) GetOrCreateSession(namespace, tag string, metadata map[string]any, agentState any) (*model.Session, error) {
	if namespace == "" {
		return nil, ErrNamespaceMissing
	}
	sess, created, err := e.store.GetOrCreateSession(namespace, tag, metadata, agentState)
	if err != nil {
		return nil, err
	}
	if created {
		e.logger.Info("session created",
			zap.String("sessionId", sess.ID),
			zap.String("namespace", namespace))
		e.publishSessionEvent(sse.EventSessionAdded, sess)
	}
	return sess, nil
}

func (e *Engine) ListSessions(namespace string) ([]*model.Session, error) {
	if namespace == "" {
		return nil, ErrNamespaceMissing
	}
	return e.store.ListSessions(namespace)
}

// UpdateSessionMetadata applies a versioned metadata write and, on success,
// fans the new value out to CLI peers and SSE watchers.
func (e *Engine) UpdateSessionMetadata(namespace, sessionID string, expectedVersion int64, value map[string]any) (store.UpdateResult[map[string]any], error) {
	if _, err := e.ResolveSession(namespace, sessionID); err != nil {
		return store.UpdateResult[map[string]any]{Outcome: store.UpdateError}, err
	}
	res, err := e.store.UpdateSessionMetadata(sessionID, expectedVersion, value)
	if err != nil || res.Outcome != store.UpdateSuccess {
		return res, err
	}

	sess, err := e.store.GetSession(sessionID)
	if err != nil {
		return res, nil
	}
	e.broadcast(namespace, UpdateBody{
		Type:      UpdateSession,
		SessionID: sessionID,
		Metadata:  res.Value,
		Version:   res.Version,
	}, sess.Seq)
	e.publishSessionUpdated(sess)
	return res, nil
}

func (e *Engine) UpdateSessionAgentState(namespace, sessionID string, expectedVersion int64, value any) (store.UpdateResult[any], error) {
	if _, err := e.ResolveSession(namespace, sessionID); err != nil {
		return store.UpdateResult[any]{Outcome: store.UpdateError}, err
	}
	res, err := e.store.UpdateSessionAgentState(sessionID, expectedVersion, value)
	if err != nil || res.Outcome != store.UpdateSuccess {
		return res, err
	}

	sess, err := e.store.GetSession(sessionID)
	if err != nil {
		return res, nil
	}
	e.broadcast(namespace, UpdateBody{
		Type:       UpdateSession,
		SessionID:  sessionID,
		AgentState: res.Value,
		Version:    res.Version,
	}, sess.Seq)
	e.publishSessionUpdated(sess)
	return res, nil
}

// SessionAliveInput is the liveness beacon a CLI actor sends periodically.
type SessionAliveInput struct {
	Thinking       bool
	PermissionMode string
	ModelMode      string
	MachineID      string
	At             int64
}

// HandleSessionAlive refreshes activity state and optionally binds the
// session to a machine. The machine must live in the same namespace.
func (e *Engine) HandleSessionAlive(namespace, sessionID string, input SessionAliveInput) error {
	sess, err := e.ResolveSession(namespace, sessionID)
	if err != nil {
		return err
	}
	if input.At <= 0 {
		input.At = time.Now().UnixMilli()
	}

	if input.MachineID != "" && input.MachineID != sess.MachineID {
		if _, err := e.ResolveMachine(namespace, input.MachineID); err != nil {
			return err
		}
		if err := e.store.SetSessionMachine(sessionID, input.MachineID); err != nil {
			return err
		}
	}

	err = e.store.SetSessionActivity(sessionID, store.SessionActivity{
		Active:         true,
		Thinking:       input.Thinking,
		PermissionMode: input.PermissionMode,
		ModelMode:      input.ModelMode,
		At:             input.At,
	})
	if err != nil {
		return err
	}

	updated, err := e.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	e.publishSessionUpdated(updated)
	return nil
}

func (e *Engine) HandleSessionEnd(namespace, sessionID string) error {
	if _, err := e.ResolveSession(namespace, sessionID); err != nil {
		return err
	}
	err := e.store.SetSessionActivity(sessionID, store.SessionActivity{
		Active: false,
		At:     time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	sess, err := e.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	e.publishSessionUpdated(sess)
	return nil
}

// SetSessionTodos stores a todo snapshot stamped with the agent's own report
// time, so a snapshot delayed in flight cannot overwrite a fresher one. A
// missing timestamp falls back to arrival time.
func (e *Engine) SetSessionTodos(namespace, sessionID string, todos any, at int64) error {
	if _, err := e.ResolveSession(namespace, sessionID); err != nil {
		return err
	}
	if at <= 0 {
		at = time.Now().UnixMilli()
	}
	if err := e.store.SetSessionTodos(sessionID, todos, at); err != nil {
		return err
	}
	sess, err := e.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	e.publishSessionUpdated(sess)
	return nil
}

// GetOrCreateMachine registers a machine id for the namespace. An id owned
// by another namespace is a denial, never a takeover.
func (e *Engine) GetOrCreateMachine(namespace, machineID string, metadata any) (*model.Machine, error) {
	if namespace == "" {
		return nil, ErrNamespaceMissing
	}
	m, created, err := e.store.GetOrCreateMachine(machineID, namespace, metadata)
	if errors.Is(err, store.ErrNamespaceConflict) {
		return nil, ErrAccessDenied
	}
	if err != nil {
		return nil, err
	}
	if created {
		e.logger.Info("machine registered",
			zap.String("machineId", machineID),
			zap.String("namespace", namespace))
		e.publishMachineUpdated(m)
	}
	return m, nil
}

func (e *Engine) ListMachines(namespace string) ([]*model.Machine, error) {
	if namespace == "" {
		return nil, ErrNamespaceMissing
	}
	return e.store.ListMachines(namespace)
}

func (e *Engine) UpdateMachineMetadata(namespace, machineID string, expectedVersion int64, value any) (store.UpdateResult[any], error) {
	if _, err := e.ResolveMachine(namespace, machineID); err != nil {
		return store.UpdateResult[any]{Outcome: store.UpdateError}, err
	}
	res, err := e.store.UpdateMachineMetadata(machineID, expectedVersion, value)
	if err != nil || res.Outcome != store.UpdateSuccess {
		return res, err
	}

	m, err := e.store.GetMachine(machineID)
	if err != nil {
		return res, nil
	}
	e.broadcast(namespace, UpdateBody{
		Type:      UpdateMachine,
		MachineID: machineID,
		Metadata:  res.Value,
		Version:   res.Version,
	}, m.Seq)
	e.publishMachineUpdated(m)
	return res, nil
}

func (e *Engine) UpdateMachineRunnerState(namespace, machineID string, expectedVersion int64, value any) (store.UpdateResult[any], error) {
	if _, err := e.ResolveMachine(namespace, machineID); err != nil {
		return store.UpdateResult[any]{Outcome: store.UpdateError}, err
	}
	res, err := e.store.UpdateMachineRunnerState(machineID, expectedVersion, value)
	if err != nil || res.Outcome != store.UpdateSuccess {
		return res, err
	}

	m, err := e.store.GetMachine(machineID)
	if err != nil {
		return res, nil
	}
	e.broadcast(namespace, UpdateBody{
		Type:       UpdateMachine,
		MachineID:  machineID,
		AgentState: res.Value,
		Version:    res.Version,
	}, m.Seq)
	e.publishMachineUpdated(m)
	return res, nil
}

func (e *Engine) HandleMachineAlive(namespace, machineID string) error {
	m, err := e.ResolveMachine(namespace, machineID)
	if err != nil {
		return err
	}
	if err := e.store.SetMachineActivity(machineID, true, time.Now().UnixMilli()); err != nil {
		return err
	}
	m, err = e.store.GetMachine(m.ID)
	if err != nil {
		return err
	}
	e.publishMachineUpdated(m)
	return nil
}

// NotifyConnectionChanged tells every watcher, in every namespace, that a
// CLI or terminal connection came or went.
func (e *Engine) NotifyConnectionChanged(namespace, clientType string, connected bool) {
	if e.events == nil {
		return
	}
	e.events.Publish(sse.Event{
		Type:      sse.EventConnectionChanged,
		Namespace: namespace,
		Payload: map[string]any{
			"namespace":  namespace,
			"clientType": clientType,
			"connected":  connected,
			"time":       time.Now().UnixMilli(),
		},
	})
}

// Toast relays an ephemeral user-facing notification to the namespace's
// watchers.
func (e *Engine) Toast(namespace string, payload any) error {
	if namespace == "" {
		return ErrNamespaceMissing
	}
	if e.events != nil {
		e.events.Publish(sse.Event{
			Type:      sse.EventToast,
			Namespace: namespace,
			Payload:   payload,
		})
	}
	return nil
}

// InvokeSessionRPC relays a method call to the CLI connection serving the
// session. Methods are namespaced per session so two sessions can both
// register "bash".
func (e *Engine) InvokeSessionRPC(ctx context.Context, namespace, sessionID, method string, params any) (json.RawMessage, error) {
	if _, err := e.ResolveSession(namespace, sessionID); err != nil {
		return nil, err
	}
	return e.rpc.Invoke(ctx, SessionMethod(sessionID, method), params)
}

func (e *Engine) InvokeMachineRPC(ctx context.Context, namespace, machineID, method string, params any) (json.RawMessage, error) {
	if _, err := e.ResolveMachine(namespace, machineID); err != nil {
		return nil, err
	}
	return e.rpc.Invoke(ctx, MachineMethod(machineID, method), params)
}

// SessionMethod scopes an RPC method name to one session.
func SessionMethod(sessionID, method string) string { return sessionID + ":" + method }

// MachineMethod scopes an RPC method name to one machine.
func MachineMethod(machineID, method string) string { return "machine:" + machineID + ":" + method }

func (e *Engine) publishSessionUpdated(sess *model.Session) {
	e.publishSessionEvent(sse.EventSessionUpdated, sess)
}

func (e *Engine) publishSessionEvent(eventType string, sess *model.Session) {
	if e.events == nil {
		return
	}
	e.events.Publish(sse.Event{
		Type:      eventType,
		Namespace: sess.Namespace,
		SessionID: sess.ID,
		Payload:   SessionPayload(sess),
	})
}

func (e *Engine) publishMachineUpdated(m *model.Machine) {
	if e.events == nil {
		return
	}
	e.events.Publish(sse.Event{
		Type:      sse.EventMachineUpdated,
		Namespace: m.Namespace,
		MachineID: m.ID,
		Payload:   MachinePayload(m),
	})
}

// SessionPayload is the JSON shape sessions take on the HTTP and SSE
// surfaces.
func SessionPayload(s *model.Session) map[string]any {
	return map[string]any{
		"id":                s.ID,
		"machineId":         s.MachineID,
		"tag":               s.Tag,
		"seq":               s.Seq,
		"metadata":          s.Metadata,
		"metadataVersion":   s.MetadataVersion,
		"agentState":        s.AgentState,
		"agentStateVersion": s.AgentStateVersion,
		"todos":             s.Todos,
		"active":            s.Active,
		"activeAt":          s.ActiveAt,
		"thinking":          s.Thinking,
		"thinkingAt":        s.ThinkingAt,
		"permissionMode":    s.PermissionMode,
		"modelMode":         s.ModelMode,
		"createdAt":         s.CreatedAt,
		"updatedAt":         s.UpdatedAt,
	}
}

func MachinePayload(m *model.Machine) map[string]any {
	return map[string]any{
		"id":                 m.ID,
		"metadata":           m.Metadata,
		"metadataVersion":    m.MetadataVersion,
		"runnerState":        m.RunnerState,
		"runnerStateVersion": m.RunnerStateVersion,
		"active":             m.Active,
		"activeAt":           m.ActiveAt,
		"seq":                m.Seq,
		"createdAt":          m.CreatedAt,
		"updatedAt":          m.UpdatedAt,
	}
}

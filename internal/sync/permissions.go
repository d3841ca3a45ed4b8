package sync

import (
	"fmt"
	"time"

	"agenthub/internal/store"
)

// Permission decisions mutate the session's agent state: the pending entry
// under requests[id] moves to completedRequests[id] carrying the verdict.
// The write goes through the same versioned path as any other agent-state
// update, retried a few times if a concurrent writer got there first.
const permissionUpdateAttempts = 3

// ApprovePermission grants a pending tool-permission request. mode, when
// non-empty, also switches the session's permission mode as part of the
// same decision.
func (e *Engine) ApprovePermission(namespace, sessionID, requestID, mode string) error {
	decision := map[string]any{"approved": true}
	if mode != "" {
		decision["mode"] = mode
	}
	return e.resolvePermission(namespace, sessionID, requestID, decision)
}

func (e *Engine) DenyPermission(namespace, sessionID, requestID string) error {
	return e.resolvePermission(namespace, sessionID, requestID, map[string]any{"approved": false})
}

func (e *Engine) resolvePermission(namespace, sessionID, requestID string, decision map[string]any) error {
	for attempt := 0; attempt < permissionUpdateAttempts; attempt++ {
		sess, err := e.ResolveSession(namespace, sessionID)
		if err != nil {
			return err
		}
		if !sess.Active {
			return ErrSessionInactive
		}

		next, err := completeRequest(sess.AgentState, requestID, decision)
		if err != nil {
			return err
		}

		res, err := e.store.UpdateSessionAgentState(sessionID, sess.AgentStateVersion, next)
		if err != nil {
			return err
		}
		switch res.Outcome {
		case store.UpdateSuccess:
			updated, err := e.store.GetSession(sessionID)
			if err != nil {
				return err
			}
			e.broadcast(namespace, UpdateBody{
				Type:       UpdateSession,
				SessionID:  sessionID,
				AgentState: res.Value,
				Version:    res.Version,
			}, updated.Seq)
			e.publishSessionUpdated(updated)
			return nil
		case store.UpdateVersionMismatch:
			continue
		default:
			return fmt.Errorf("agent state update failed")
		}
	}
	return fmt.Errorf("agent state update contended after %d attempts", permissionUpdateAttempts)
}

// completeRequest rebuilds the agent state with requests[requestID] moved to
// completedRequests[requestID]. The original request fields survive; the
// decision fields and resolvedAt are layered on top.
func completeRequest(state any, requestID string, decision map[string]any) (map[string]any, error) {
	stateMap, _ := state.(map[string]any)
	requests, _ := stateMap["requests"].(map[string]any)
	pending, ok := requests[requestID]
	if !ok {
		return nil, ErrRequestNotFound
	}

	next := make(map[string]any, len(stateMap))
	for k, v := range stateMap {
		next[k] = v
	}

	nextRequests := make(map[string]any, len(requests))
	for k, v := range requests {
		if k != requestID {
			nextRequests[k] = v
		}
	}
	next["requests"] = nextRequests

	completed := make(map[string]any)
	if prev, ok := stateMap["completedRequests"].(map[string]any); ok {
		for k, v := range prev {
			completed[k] = v
		}
	}

	entry := make(map[string]any)
	if fields, ok := pending.(map[string]any); ok {
		for k, v := range fields {
			entry[k] = v
		}
	} else {
		entry["request"] = pending
	}
	for k, v := range decision {
		entry[k] = v
	}
	entry["resolvedAt"] = time.Now().UnixMilli()
	completed[requestID] = entry
	next["completedRequests"] = completed

	return next, nil
}

package sync

import (
	"errors"

	"agenthub/internal/model"
	"agenthub/internal/store"
)

// ResolveSession is the single access gate for session-scoped operations.
// The distinction between "no such id" and "id owned by another namespace"
// is deliberate: the latter is a denial, not a 404, so probing cannot tell
// tenants apart from non-existence by creating ids.
func (e *Engine) ResolveSession(namespace, id string) (*model.Session, error) {
	if namespace == "" {
		return nil, ErrNamespaceMissing
	}
	sess, err := e.store.GetSession(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if sess.Namespace != namespace {
		return nil, ErrAccessDenied
	}
	return sess, nil
}

func (e *Engine) ResolveMachine(namespace, id string) (*model.Machine, error) {
	if namespace == "" {
		return nil, ErrNamespaceMissing
	}
	m, err := e.store.GetMachine(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if m.Namespace != namespace {
		return nil, ErrAccessDenied
	}
	return m, nil
}

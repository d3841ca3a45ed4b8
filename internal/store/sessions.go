package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"agenthub/internal/model"
)

const sessionColumns = `id, namespace, machine_id, tag, seq,
	metadata, metadata_version, agent_state, agent_state_version,
	todos, todos_updated_at, active, active_at, thinking, thinking_at,
	permission_mode, model_mode, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	var (
		sess       model.Session
		metadata   string
		agentState string
		todos      string
	)
	err := row.Scan(
		&sess.ID, &sess.Namespace, &sess.MachineID, &sess.Tag, &sess.Seq,
		&metadata, &sess.MetadataVersion, &agentState, &sess.AgentStateVersion,
		&todos, &sess.TodosUpdatedAt, &sess.Active, &sess.ActiveAt,
		&sess.Thinking, &sess.ThinkingAt,
		&sess.PermissionMode, &sess.ModelMode, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(metadata, &sess.Metadata); err != nil {
		return nil, fmt.Errorf("decode session metadata: %w", err)
	}
	if err := unmarshalJSON(agentState, &sess.AgentState); err != nil {
		return nil, fmt.Errorf("decode session agent state: %w", err)
	}
	if err := unmarshalJSON(todos, &sess.Todos); err != nil {
		return nil, fmt.Errorf("decode session todos: %w", err)
	}
	return &sess, nil
}

// GetOrCreateSession finds the session a CLI actor identifies by tag within
// its namespace, creating it on first contact. The second return reports
// whether a new row was created.
func (s *Store) GetOrCreateSession(namespace, tag string, metadata map[string]any, agentState any) (*model.Session, bool, error) {
	existing, err := s.getSessionByTag(namespace, tag)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	metadataJSON, err := marshalJSON(metadata)
	if err != nil {
		return nil, false, err
	}
	agentStateJSON, err := marshalJSON(agentState)
	if err != nil {
		return nil, false, err
	}

	now := nowMillis()
	id := uuid.NewString()
	_, err = s.db.Exec(`INSERT INTO sessions
		(id, namespace, tag, metadata, agent_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, namespace, tag, metadataJSON, agentStateJSON, now, now)
	if err != nil {
		// Another connection may have created the same tag between the
		// lookup and the insert.
		if existing, lookupErr := s.getSessionByTag(namespace, tag); lookupErr == nil {
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("create session: %w", err)
	}

	created, err := s.GetSession(id)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

func (s *Store) getSessionByTag(namespace, tag string) (*model.Session, error) {
	row := s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions WHERE namespace = ? AND tag = ?`,
		namespace, tag)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

func (s *Store) GetSession(id string) (*model.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

func (s *Store) ListSessions(namespace string) ([]*model.Session, error) {
	rows, err := s.db.Query(
		`SELECT `+sessionColumns+` FROM sessions WHERE namespace = ? ORDER BY updated_at DESC`,
		namespace)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*model.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSessionMetadata applies an optimistic-concurrency write. On a version
// mismatch the result carries the current version and value so the caller can
// retry against fresh state.
func (s *Store) UpdateSessionMetadata(id string, expectedVersion int64, value map[string]any) (UpdateResult[map[string]any], error) {
	valueJSON, err := marshalJSON(value)
	if err != nil {
		return UpdateResult[map[string]any]{Outcome: UpdateError}, err
	}

	res, err := s.db.Exec(`UPDATE sessions
		SET metadata = ?, metadata_version = metadata_version + 1, updated_at = ?
		WHERE id = ? AND metadata_version = ?`,
		valueJSON, nowMillis(), id, expectedVersion)
	if err != nil {
		return UpdateResult[map[string]any]{Outcome: UpdateError}, fmt.Errorf("update session metadata: %w", err)
	}

	affected, _ := res.RowsAffected()
	current, getErr := s.GetSession(id)
	if getErr != nil {
		return UpdateResult[map[string]any]{Outcome: UpdateError}, getErr
	}
	if affected == 0 {
		return UpdateResult[map[string]any]{
			Outcome: UpdateVersionMismatch,
			Version: current.MetadataVersion,
			Value:   current.Metadata,
		}, nil
	}
	return UpdateResult[map[string]any]{
		Outcome: UpdateSuccess,
		Version: current.MetadataVersion,
		Value:   current.Metadata,
	}, nil
}

func (s *Store) UpdateSessionAgentState(id string, expectedVersion int64, value any) (UpdateResult[any], error) {
	valueJSON, err := marshalJSON(value)
	if err != nil {
		return UpdateResult[any]{Outcome: UpdateError}, err
	}

	res, err := s.db.Exec(`UPDATE sessions
		SET agent_state = ?, agent_state_version = agent_state_version + 1, updated_at = ?
		WHERE id = ? AND agent_state_version = ?`,
		valueJSON, nowMillis(), id, expectedVersion)
	if err != nil {
		return UpdateResult[any]{Outcome: UpdateError}, fmt.Errorf("update session agent state: %w", err)
	}

	affected, _ := res.RowsAffected()
	current, getErr := s.GetSession(id)
	if getErr != nil {
		return UpdateResult[any]{Outcome: UpdateError}, getErr
	}
	if affected == 0 {
		return UpdateResult[any]{
			Outcome: UpdateVersionMismatch,
			Version: current.AgentStateVersion,
			Value:   current.AgentState,
		}, nil
	}
	return UpdateResult[any]{
		Outcome: UpdateSuccess,
		Version: current.AgentStateVersion,
		Value:   current.AgentState,
	}, nil
}

// SessionActivity is the liveness snapshot a CLI actor reports while alive.
type SessionActivity struct {
	Active         bool
	Thinking       bool
	PermissionMode string
	ModelMode      string
	At             int64
}

func (s *Store) SetSessionActivity(id string, act SessionActivity) error {
	if act.PermissionMode == "" {
		act.PermissionMode = "default"
	}
	if act.ModelMode == "" {
		act.ModelMode = "default"
	}
	res, err := s.db.Exec(`UPDATE sessions
		SET active = ?, active_at = ?, thinking = ?, thinking_at = ?,
			permission_mode = ?, model_mode = ?, updated_at = ?
		WHERE id = ?`,
		act.Active, act.At, act.Thinking, act.At,
		act.PermissionMode, act.ModelMode, nowMillis(), id)
	if err != nil {
		return fmt.Errorf("set session activity: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSessionTodos stores the agent's current todo list. Writes are monotonic
// on the reported timestamp; a stale report is dropped without error.
func (s *Store) SetSessionTodos(id string, todos any, at int64) error {
	todosJSON, err := marshalJSON(todos)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE sessions
		SET todos = ?, todos_updated_at = ?, updated_at = ?
		WHERE id = ? AND todos_updated_at < ?`,
		todosJSON, at, nowMillis(), id, at)
	if err != nil {
		return fmt.Errorf("set session todos: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		var exists int
		if err := s.db.QueryRow(`SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("set session todos: %w", err)
		}
	}
	return nil
}

func (s *Store) SetSessionMachine(id, machineID string) error {
	res, err := s.db.Exec(`UPDATE sessions SET machine_id = ?, updated_at = ? WHERE id = ?`,
		machineID, nowMillis(), id)
	if err != nil {
		return fmt.Errorf("set session machine: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

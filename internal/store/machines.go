package store

import (
	"database/sql"
	"errors"
	"fmt"

	"agenthub/internal/model"
)

const machineColumns = `id, namespace, metadata, metadata_version,
	runner_state, runner_state_version, active, active_at, seq, created_at, updated_at`

func scanMachine(row rowScanner) (*model.Machine, error) {
	var (
		m           model.Machine
		metadata    string
		runnerState string
	)
	err := row.Scan(
		&m.ID, &m.Namespace, &metadata, &m.MetadataVersion,
		&runnerState, &m.RunnerStateVersion, &m.Active, &m.ActiveAt,
		&m.Seq, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(metadata, &m.Metadata); err != nil {
		return nil, fmt.Errorf("decode machine metadata: %w", err)
	}
	if err := unmarshalJSON(runnerState, &m.RunnerState); err != nil {
		return nil, fmt.Errorf("decode machine runner state: %w", err)
	}
	return &m, nil
}

// GetOrCreateMachine registers a client-chosen machine id within a namespace.
// An id already claimed by another namespace is a hard failure, never a
// silent re-parent.
func (s *Store) GetOrCreateMachine(id, namespace string, metadata any) (*model.Machine, bool, error) {
	existing, err := s.GetMachine(id)
	if err == nil {
		if existing.Namespace != namespace {
			return nil, false, ErrNamespaceConflict
		}
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	metadataJSON, err := marshalJSON(metadata)
	if err != nil {
		return nil, false, err
	}

	now := nowMillis()
	_, err = s.db.Exec(`INSERT INTO machines (id, namespace, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, namespace, metadataJSON, now, now)
	if err != nil {
		if existing, lookupErr := s.GetMachine(id); lookupErr == nil {
			if existing.Namespace != namespace {
				return nil, false, ErrNamespaceConflict
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("create machine: %w", err)
	}

	created, err := s.GetMachine(id)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

func (s *Store) GetMachine(id string) (*model.Machine, error) {
	row := s.db.QueryRow(`SELECT `+machineColumns+` FROM machines WHERE id = ?`, id)
	m, err := scanMachine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (s *Store) ListMachines(namespace string) ([]*model.Machine, error) {
	rows, err := s.db.Query(
		`SELECT `+machineColumns+` FROM machines WHERE namespace = ? ORDER BY updated_at DESC`,
		namespace)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	defer rows.Close()

	machines := []*model.Machine{}
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

// UpdateMachineMetadata bumps the machine broadcast seq alongside the field
// version so watchers can order update events.
func (s *Store) UpdateMachineMetadata(id string, expectedVersion int64, value any) (UpdateResult[any], error) {
	valueJSON, err := marshalJSON(value)
	if err != nil {
		return UpdateResult[any]{Outcome: UpdateError}, err
	}

	res, err := s.db.Exec(`UPDATE machines
		SET metadata = ?, metadata_version = metadata_version + 1, seq = seq + 1, updated_at = ?
		WHERE id = ? AND metadata_version = ?`,
		valueJSON, nowMillis(), id, expectedVersion)
	if err != nil {
		return UpdateResult[any]{Outcome: UpdateError}, fmt.Errorf("update machine metadata: %w", err)
	}

	affected, _ := res.RowsAffected()
	current, getErr := s.GetMachine(id)
	if getErr != nil {
		return UpdateResult[any]{Outcome: UpdateError}, getErr
	}
	if affected == 0 {
		return UpdateResult[any]{
			Outcome: UpdateVersionMismatch,
			Version: current.MetadataVersion,
			Value:   current.Metadata,
		}, nil
	}
	return UpdateResult[any]{
		Outcome: UpdateSuccess,
		Version: current.MetadataVersion,
		Value:   current.Metadata,
	}, nil
}

func (s *Store) UpdateMachineRunnerState(id string, expectedVersion int64, value any) (UpdateResult[any], error) {
	valueJSON, err := marshalJSON(value)
	if err != nil {
		return UpdateResult[any]{Outcome: UpdateError}, err
	}

	res, err := s.db.Exec(`UPDATE machines
		SET runner_state = ?, runner_state_version = runner_state_version + 1, seq = seq + 1, updated_at = ?
		WHERE id = ? AND runner_state_version = ?`,
		valueJSON, nowMillis(), id, expectedVersion)
	if err != nil {
		return UpdateResult[any]{Outcome: UpdateError}, fmt.Errorf("update machine runner state: %w", err)
	}

	affected, _ := res.RowsAffected()
	current, getErr := s.GetMachine(id)
	if getErr != nil {
		return UpdateResult[any]{Outcome: UpdateError}, getErr
	}
	if affected == 0 {
		return UpdateResult[any]{
			Outcome: UpdateVersionMismatch,
			Version: current.RunnerStateVersion,
			Value:   current.RunnerState,
		}, nil
	}
	return UpdateResult[any]{
		Outcome: UpdateSuccess,
		Version: current.RunnerStateVersion,
		Value:   current.RunnerState,
	}, nil
}

func (s *Store) SetMachineActivity(id string, active bool, at int64) error {
	res, err := s.db.Exec(`UPDATE machines
		SET active = ?, active_at = ?, updated_at = ?
		WHERE id = ?`,
		active, at, nowMillis(), id)
	if err != nil {
		return fmt.Errorf("set machine activity: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

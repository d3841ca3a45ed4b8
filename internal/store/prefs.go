package store

import (
	"database/sql"
	"errors"
	"fmt"

	"agenthub/internal/model"
)

// GetSortPreference returns the stored row, or the default shape (auto mode,
// empty manual order, version 1, updatedAt 0) when the user has never written
// one.
func (s *Store) GetSortPreference(userID int64, namespace string) (model.SessionSortPreference, error) {
	var (
		pref        model.SessionSortPreference
		manualOrder string
	)
	err := s.db.QueryRow(
		`SELECT user_id, namespace, sort_mode, manual_order, version, created_at, updated_at
		 FROM session_sort_prefs WHERE user_id = ? AND namespace = ?`,
		userID, namespace).
		Scan(&pref.UserID, &pref.Namespace, &pref.SortMode, &manualOrder,
			&pref.Version, &pref.CreatedAt, &pref.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DefaultSortPreference(userID, namespace), nil
	}
	if err != nil {
		return model.SessionSortPreference{}, fmt.Errorf("get sort preference: %w", err)
	}
	pref.ManualOrder = model.ManualOrder{
		GroupOrder:   []string{},
		SessionOrder: map[string][]string{},
	}
	if err := unmarshalJSON(manualOrder, &pref.ManualOrder); err != nil {
		return model.SessionSortPreference{}, fmt.Errorf("decode manual order: %w", err)
	}
	return pref, nil
}

// UpdateSortPreference is a versioned write against the virtual default: the
// first accepted write must carry expectedVersion 1 and lands as version 2.
func (s *Store) UpdateSortPreference(userID int64, namespace string, expectedVersion int64, sortMode string, order model.ManualOrder) (UpdateResult[model.SessionSortPreference], error) {
	current, err := s.GetSortPreference(userID, namespace)
	if err != nil {
		return UpdateResult[model.SessionSortPreference]{Outcome: UpdateError}, err
	}
	if current.Version != expectedVersion {
		return UpdateResult[model.SessionSortPreference]{
			Outcome: UpdateVersionMismatch,
			Version: current.Version,
			Value:   current,
		}, nil
	}

	orderJSON, err := marshalJSON(order)
	if err != nil {
		return UpdateResult[model.SessionSortPreference]{Outcome: UpdateError}, err
	}

	now := nowMillis()
	res, err := s.db.Exec(`UPDATE session_sort_prefs
		SET sort_mode = ?, manual_order = ?, version = version + 1, updated_at = ?
		WHERE user_id = ? AND namespace = ? AND version = ?`,
		sortMode, orderJSON, now, userID, namespace, expectedVersion)
	if err != nil {
		return UpdateResult[model.SessionSortPreference]{Outcome: UpdateError}, fmt.Errorf("update sort preference: %w", err)
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		// No stored row yet: materialize the default at the next version.
		_, err = s.db.Exec(`INSERT INTO session_sort_prefs
			(user_id, namespace, sort_mode, manual_order, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			userID, namespace, sortMode, orderJSON, expectedVersion+1, now, now)
		if err != nil {
			refreshed, getErr := s.GetSortPreference(userID, namespace)
			if getErr != nil {
				return UpdateResult[model.SessionSortPreference]{Outcome: UpdateError}, getErr
			}
			return UpdateResult[model.SessionSortPreference]{
				Outcome: UpdateVersionMismatch,
				Version: refreshed.Version,
				Value:   refreshed,
			}, nil
		}
	}

	updated, err := s.GetSortPreference(userID, namespace)
	if err != nil {
		return UpdateResult[model.SessionSortPreference]{Outcome: UpdateError}, err
	}
	return UpdateResult[model.SessionSortPreference]{
		Outcome: UpdateSuccess,
		Version: updated.Version,
		Value:   updated,
	}, nil
}

package store

import (
	"database/sql"
	"errors"
	"fmt"

	"agenthub/internal/model"
)

// GetOrCreateUser binds an external identity (platform + platform user id) to
// a namespace. The binding is permanent; a later exchange under a different
// namespace fails rather than re-parenting the user.
func (s *Store) GetOrCreateUser(platform, platformUserID, namespace string) (*model.User, error) {
	existing, err := s.getUserByPlatform(platform, platformUserID)
	if err == nil {
		if existing.Namespace != namespace {
			return nil, ErrNamespaceConflict
		}
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := nowMillis()
	res, err := s.db.Exec(`INSERT INTO users (platform, platform_user_id, namespace, created_at)
		VALUES (?, ?, ?, ?)`,
		platform, platformUserID, namespace, now)
	if err != nil {
		if existing, lookupErr := s.getUserByPlatform(platform, platformUserID); lookupErr == nil {
			if existing.Namespace != namespace {
				return nil, ErrNamespaceConflict
			}
			return existing, nil
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return &model.User{
		ID:             id,
		Platform:       platform,
		PlatformUserID: platformUserID,
		Namespace:      namespace,
		CreatedAt:      now,
	}, nil
}

func (s *Store) getUserByPlatform(platform, platformUserID string) (*model.User, error) {
	var u model.User
	err := s.db.QueryRow(
		`SELECT id, platform, platform_user_id, namespace, created_at
		 FROM users WHERE platform = ? AND platform_user_id = ?`,
		platform, platformUserID).
		Scan(&u.ID, &u.Platform, &u.PlatformUserID, &u.Namespace, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) GetUser(id int64) (*model.User, error) {
	var u model.User
	err := s.db.QueryRow(
		`SELECT id, platform, platform_user_id, namespace, created_at FROM users WHERE id = ?`,
		id).
		Scan(&u.ID, &u.Platform, &u.PlatformUserID, &u.Namespace, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

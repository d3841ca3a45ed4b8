package store

import (
	"fmt"

	"agenthub/internal/model"
)

// AddPushSubscription upserts by (namespace, endpoint); re-registering the
// same endpoint refreshes its keys.
func (s *Store) AddPushSubscription(namespace, endpoint, p256dh, auth string) (*model.PushSubscription, error) {
	now := nowMillis()
	_, err := s.db.Exec(`INSERT INTO push_subscriptions (namespace, endpoint, p256dh, auth, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace, endpoint) DO UPDATE SET p256dh = excluded.p256dh, auth = excluded.auth`,
		namespace, endpoint, p256dh, auth, now)
	if err != nil {
		return nil, fmt.Errorf("add push subscription: %w", err)
	}

	var sub model.PushSubscription
	err = s.db.QueryRow(
		`SELECT id, namespace, endpoint, p256dh, auth, created_at
		 FROM push_subscriptions WHERE namespace = ? AND endpoint = ?`,
		namespace, endpoint).
		Scan(&sub.ID, &sub.Namespace, &sub.Endpoint, &sub.P256dh, &sub.Auth, &sub.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("add push subscription: %w", err)
	}
	return &sub, nil
}

func (s *Store) ListPushSubscriptions(namespace string) ([]*model.PushSubscription, error) {
	rows, err := s.db.Query(
		`SELECT id, namespace, endpoint, p256dh, auth, created_at
		 FROM push_subscriptions WHERE namespace = ?`,
		namespace)
	if err != nil {
		return nil, fmt.Errorf("list push subscriptions: %w", err)
	}
	defer rows.Close()

	subs := []*model.PushSubscription{}
	for rows.Next() {
		var sub model.PushSubscription
		if err := rows.Scan(&sub.ID, &sub.Namespace, &sub.Endpoint, &sub.P256dh, &sub.Auth, &sub.CreatedAt); err != nil {
			return nil, err
		}
		subs = append(subs, &sub)
	}
	return subs, rows.Err()
}

func (s *Store) DeletePushSubscription(namespace, endpoint string) error {
	res, err := s.db.Exec(
		`DELETE FROM push_subscriptions WHERE namespace = ? AND endpoint = ?`,
		namespace, endpoint)
	if err != nil {
		return fmt.Errorf("delete push subscription: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

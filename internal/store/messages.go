package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"agenthub/internal/model"
)

// AddMessage appends a message to a session, assigning the next per-session
// seq and mirroring it onto the session row. A non-empty localID dedupes
// optimistic resends: the already-stored message comes back with created
// false.
func (s *Store) AddMessage(sessionID, localID string, content any) (*model.Message, bool, error) {
	if localID != "" {
		existing, err := s.getMessageByLocalID(sessionID, localID)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	}

	contentJSON, err := marshalJSON(content)
	if err != nil {
		return nil, false, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, fmt.Errorf("add message: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRow(`SELECT seq FROM sessions WHERE id = ?`, sessionID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("add message: %w", err)
	}

	msg := &model.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Content:   content,
		CreatedAt: nowMillis(),
		Seq:       seq + 1,
		LocalID:   localID,
	}

	_, err = tx.Exec(`INSERT INTO messages (id, session_id, seq, local_id, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Seq, msg.LocalID, contentJSON, msg.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.Exec(`UPDATE sessions SET seq = ?, updated_at = ? WHERE id = ?`,
		msg.Seq, msg.CreatedAt, sessionID)
	if err != nil {
		return nil, false, fmt.Errorf("bump session seq: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("add message: %w", err)
	}
	return msg, true, nil
}

func (s *Store) getMessageByLocalID(sessionID, localID string) (*model.Message, error) {
	row := s.db.QueryRow(
		`SELECT id, session_id, seq, local_id, content, created_at
		 FROM messages WHERE session_id = ? AND local_id = ?`,
		sessionID, localID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

func scanMessage(row rowScanner) (*model.Message, error) {
	var (
		msg     model.Message
		content string
	)
	if err := row.Scan(&msg.ID, &msg.SessionID, &msg.Seq, &msg.LocalID, &content, &msg.CreatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(content, &msg.Content); err != nil {
		return nil, fmt.Errorf("decode message content: %w", err)
	}
	return &msg, nil
}

// ListMessagesBefore returns up to limit messages with seq strictly below
// beforeSeq, in ascending seq order. A beforeSeq <= 0 means "from the
// newest". hasMore reports whether anything older than the returned window
// exists.
func (s *Store) ListMessagesBefore(sessionID string, limit int, beforeSeq int64) ([]*model.Message, bool, error) {
	if limit <= 0 {
		return []*model.Message{}, false, nil
	}
	query := `SELECT id, session_id, seq, local_id, content, created_at
		FROM messages WHERE session_id = ?`
	args := []any{sessionID}
	if beforeSeq > 0 {
		query += ` AND seq < ?`
		args = append(args, beforeSeq)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := []*model.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, false, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	// Newest-first from the query; flip to ascending for the caller.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	if len(messages) == 0 {
		return messages, false, nil
	}

	var older int
	err = s.db.QueryRow(
		`SELECT COUNT(*) FROM (SELECT 1 FROM messages WHERE session_id = ? AND seq < ? LIMIT 1)`,
		sessionID, messages[0].Seq).Scan(&older)
	if err != nil {
		return nil, false, fmt.Errorf("probe older messages: %w", err)
	}
	return messages, older > 0, nil
}

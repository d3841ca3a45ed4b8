package sync

import (
	"agenthub/internal/model"
	"agenthub/internal/sse"
)

// SendMessageInput is a user-authored message bound for a session's CLI
// agent. LocalID dedupes optimistic resends; AllowInactive lets trusted
// callers queue into a session whose agent is not currently connected.
type SendMessageInput struct {
	Text          string
	Attachments   []any
	LocalID       string
	SentFrom      string
	AllowInactive bool
}

// SendMessage wraps the text in the user-message envelope, persists it with
// the next seq, forwards it to the session's CLI connections, and notifies
// exact-session SSE watchers.
func (e *Engine) SendMessage(namespace, sessionID string, input SendMessageInput) (*model.Message, error) {
	sess, err := e.ResolveSession(namespace, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Active && !input.AllowInactive {
		return nil, ErrSessionInactive
	}

	content := map[string]any{
		"type": "text",
		"text": input.Text,
	}
	if len(input.Attachments) > 0 {
		content["attachments"] = input.Attachments
	}
	envelope := map[string]any{
		"role":    "user",
		"content": content,
	}
	if input.SentFrom != "" {
		envelope["meta"] = map[string]any{"sentFrom": input.SentFrom}
	}

	msg, created, err := e.store.AddMessage(sessionID, input.LocalID, envelope)
	if err != nil {
		return nil, err
	}
	if !created {
		// Duplicate localId: already stored and already announced.
		return msg, nil
	}

	e.broadcast(namespace, UpdateBody{
		Type:      UpdateNewMessage,
		SessionID: sessionID,
		Message:   toMessagePayload(msg),
	}, msg.Seq)

	if e.events != nil {
		e.events.Publish(sse.Event{
			Type:      sse.EventMessageReceived,
			Namespace: namespace,
			SessionID: sessionID,
			Payload: map[string]any{
				"sessionId": sessionID,
				"message":   toMessagePayload(msg),
			},
		})
	}
	return msg, nil
}

// AddAgentMessage persists a message produced by the CLI side (agent output)
// and fans it out the same way as user messages.
func (e *Engine) AddAgentMessage(namespace, sessionID, localID string, content any) (*model.Message, error) {
	if _, err := e.ResolveSession(namespace, sessionID); err != nil {
		return nil, err
	}
	msg, created, err := e.store.AddMessage(sessionID, localID, content)
	if err != nil {
		return nil, err
	}
	if !created {
		return msg, nil
	}

	e.broadcast(namespace, UpdateBody{
		Type:      UpdateNewMessage,
		SessionID: sessionID,
		Message:   toMessagePayload(msg),
	}, msg.Seq)

	if e.events != nil {
		e.events.Publish(sse.Event{
			Type:      sse.EventMessageReceived,
			Namespace: namespace,
			SessionID: sessionID,
			Payload: map[string]any{
				"sessionId": sessionID,
				"message":   toMessagePayload(msg),
			},
		})
	}
	return msg, nil
}

// PageInfo describes the window a messages page covers and how to fetch the
// next older one.
type PageInfo struct {
	Limit         int   `json:"limit"`
	BeforeSeq     int64 `json:"beforeSeq,omitempty"`
	NextBeforeSeq int64 `json:"nextBeforeSeq,omitempty"`
	HasMore       bool  `json:"hasMore"`
}

type MessagesPage struct {
	Messages []*MessagePayload `json:"messages"`
	Page     PageInfo          `json:"page"`
}

// GetMessagesPage returns messages in ascending seq order, newest window
// first. The limit is clamped to the configured maximum; beforeSeq <= 0
// starts from the latest message.
func (e *Engine) GetMessagesPage(namespace, sessionID string, limit int, beforeSeq int64) (*MessagesPage, error) {
	if _, err := e.ResolveSession(namespace, sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > e.pageMax {
		limit = e.pageMax
	}

	messages, hasMore, err := e.store.ListMessagesBefore(sessionID, limit, beforeSeq)
	if err != nil {
		return nil, err
	}

	page := &MessagesPage{
		Messages: make([]*MessagePayload, 0, len(messages)),
		Page: PageInfo{
			Limit:     limit,
			BeforeSeq: beforeSeq,
			HasMore:   hasMore,
		},
	}
	for _, m := range messages {
		page.Messages = append(page.Messages, toMessagePayload(m))
	}
	if hasMore && len(messages) > 0 {
		page.Page.NextBeforeSeq = messages[0].Seq
	}
	return page, nil
}

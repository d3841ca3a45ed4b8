package sync

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"agenthub/internal/model"
	"agenthub/internal/rpc"
	"agenthub/internal/sse"
	"agenthub/internal/store"
)

type captureBroadcaster struct {
	mu      sync.Mutex
	updates []UpdateEvent
	byNS    map[string]int
}

func (c *captureBroadcaster) BroadcastUpdate(namespace string, update UpdateEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byNS == nil {
		c.byNS = make(map[string]int)
	}
	c.updates = append(c.updates, update)
	c.byNS[namespace]++
}

func (c *captureBroadcaster) ofType(t string) []UpdateEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []UpdateEvent
	for _, u := range c.updates {
		if u.Body.Type == t {
			out = append(out, u)
		}
	}
	return out
}

func newTestEngine(t *testing.T) (*Engine, *captureBroadcaster) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	e := NewEngine(EngineOptions{
		Store:          s,
		Events:         sse.NewManager(time.Hour, nil),
		RPC:            rpc.NewRegistry(time.Second),
		MessagePageMax: 50,
	})
	b := &captureBroadcaster{}
	e.SetBroadcaster(b)
	return e, b
}

func activeSession(t *testing.T, e *Engine, namespace, tag string) *model.Session {
	t.Helper()
	sess, err := e.GetOrCreateSession(namespace, tag, nil, nil)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if err := e.HandleSessionAlive(namespace, sess.ID, SessionAliveInput{}); err != nil {
		t.Fatalf("HandleSessionAlive: %v", err)
	}
	refreshed, err := e.ResolveSession(namespace, sess.ID)
	if err != nil {
		t.Fatalf("ResolveSession: %v", err)
	}
	return refreshed
}

func TestResolveSessionAccess(t *testing.T) {
	e, _ := newTestEngine(t)
	sess, err := e.GetOrCreateSession("alpha", "tag", nil, nil)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}

	if _, err := e.ResolveSession("alpha", sess.ID); err != nil {
		t.Fatalf("owner should resolve: %v", err)
	}
	if _, err := e.ResolveSession("beta", sess.ID); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	if _, err := e.ResolveSession("alpha", "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := e.ResolveSession("", sess.ID); !errors.Is(err, ErrNamespaceMissing) {
		t.Fatalf("expected ErrNamespaceMissing, got %v", err)
	}
}

func TestSendMessageRequiresActiveSession(t *testing.T) {
	e, b := newTestEngine(t)
	sess, err := e.GetOrCreateSession("alpha", "tag", nil, nil)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}

	if _, err := e.SendMessage("alpha", sess.ID, SendMessageInput{Text: "hi"}); !errors.Is(err, ErrSessionInactive) {
		t.Fatalf("expected ErrSessionInactive, got %v", err)
	}

	msg, err := e.SendMessage("alpha", sess.ID, SendMessageInput{Text: "hi", AllowInactive: true, SentFrom: "web"})
	if err != nil {
		t.Fatalf("SendMessage AllowInactive: %v", err)
	}
	if msg.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", msg.Seq)
	}

	envelope, ok := msg.Content.(map[string]any)
	if !ok || envelope["role"] != "user" {
		t.Fatalf("unexpected envelope: %+v", msg.Content)
	}
	content, ok := envelope["content"].(map[string]any)
	if !ok || content["type"] != "text" || content["text"] != "hi" {
		t.Fatalf("unexpected content: %+v", envelope["content"])
	}
	meta, ok := envelope["meta"].(map[string]any)
	if !ok || meta["sentFrom"] != "web" {
		t.Fatalf("unexpected meta: %+v", envelope["meta"])
	}

	updates := b.ofType(UpdateNewMessage)
	if len(updates) != 1 || updates[0].Seq != 1 {
		t.Fatalf("expected one new-message update at seq 1, got %+v", updates)
	}
}

func TestSendMessageDedupeByLocalID(t *testing.T) {
	e, b := newTestEngine(t)
	sess := activeSession(t, e, "alpha", "tag")

	first, err := e.SendMessage("alpha", sess.ID, SendMessageInput{Text: "one", LocalID: "l1"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	again, err := e.SendMessage("alpha", sess.ID, SendMessageInput{Text: "one again", LocalID: "l1"})
	if err != nil {
		t.Fatalf("SendMessage dup: %v", err)
	}
	if again.ID != first.ID || again.Seq != first.Seq {
		t.Fatalf("expected dedupe, got %+v vs %+v", again, first)
	}
	if got := len(b.ofType(UpdateNewMessage)); got != 1 {
		t.Fatalf("duplicate must not re-announce, got %d updates", got)
	}
}

func TestGetMessagesPage(t *testing.T) {
	e, _ := newTestEngine(t)
	sess := activeSession(t, e, "alpha", "tag")

	for i := 0; i < 5; i++ {
		if _, err := e.SendMessage("alpha", sess.ID, SendMessageInput{Text: "m"}); err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
	}

	page, err := e.GetMessagesPage("alpha", sess.ID, 2, 0)
	if err != nil {
		t.Fatalf("GetMessagesPage: %v", err)
	}
	if len(page.Messages) != 2 || page.Messages[0].Seq != 4 || page.Messages[1].Seq != 5 {
		t.Fatalf("expected ascending window [4 5], got %+v", page.Messages)
	}
	if !page.Page.HasMore || page.Page.NextBeforeSeq != 4 {
		t.Fatalf("unexpected page info: %+v", page.Page)
	}

	older, err := e.GetMessagesPage("alpha", sess.ID, 10, page.Page.NextBeforeSeq)
	if err != nil {
		t.Fatalf("GetMessagesPage older: %v", err)
	}
	if len(older.Messages) != 3 || older.Page.HasMore {
		t.Fatalf("unexpected older page: %d messages hasMore=%v", len(older.Messages), older.Page.HasMore)
	}

	// Limit above the configured max is clamped, not an error.
	clamped, err := e.GetMessagesPage("alpha", sess.ID, 10000, 0)
	if err != nil {
		t.Fatalf("GetMessagesPage clamped: %v", err)
	}
	if clamped.Page.Limit != 50 {
		t.Fatalf("expected clamp to 50, got %d", clamped.Page.Limit)
	}
}

func TestPermissionLifecycle(t *testing.T) {
	e, _ := newTestEngine(t)
	sess := activeSession(t, e, "alpha", "tag")

	state := map[string]any{
		"requests": map[string]any{
			"r1": map[string]any{"tool": "bash", "arguments": map[string]any{"cmd": "ls"}},
			"r2": map[string]any{"tool": "edit"},
		},
	}
	if _, err := e.UpdateSessionAgentState("alpha", sess.ID, sess.AgentStateVersion, state); err != nil {
		t.Fatalf("seed agent state: %v", err)
	}

	if err := e.ApprovePermission("alpha", sess.ID, "r1", "acceptEdits"); err != nil {
		t.Fatalf("ApprovePermission: %v", err)
	}

	refreshed, err := e.ResolveSession("alpha", sess.ID)
	if err != nil {
		t.Fatalf("ResolveSession: %v", err)
	}
	stateMap := refreshed.AgentState.(map[string]any)
	requests := stateMap["requests"].(map[string]any)
	if _, still := requests["r1"]; still {
		t.Fatalf("approved request should leave requests")
	}
	if _, keeps := requests["r2"]; !keeps {
		t.Fatalf("unrelated request must survive")
	}
	completed := stateMap["completedRequests"].(map[string]any)
	entry := completed["r1"].(map[string]any)
	if entry["approved"] != true || entry["mode"] != "acceptEdits" || entry["tool"] != "bash" {
		t.Fatalf("unexpected completed entry: %+v", entry)
	}

	// Already resolved: a second decision finds nothing pending.
	if err := e.ApprovePermission("alpha", sess.ID, "r1", ""); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}

	if err := e.DenyPermission("alpha", sess.ID, "r2"); err != nil {
		t.Fatalf("DenyPermission: %v", err)
	}
	refreshed, _ = e.ResolveSession("alpha", sess.ID)
	completed = refreshed.AgentState.(map[string]any)["completedRequests"].(map[string]any)
	if entry := completed["r2"].(map[string]any); entry["approved"] != false {
		t.Fatalf("expected denied entry, got %+v", entry)
	}
}

func TestPermissionOnInactiveSession(t *testing.T) {
	e, _ := newTestEngine(t)
	sess := activeSession(t, e, "alpha", "tag")

	state := map[string]any{"requests": map[string]any{"r1": map[string]any{"tool": "bash"}}}
	if _, err := e.UpdateSessionAgentState("alpha", sess.ID, sess.AgentStateVersion, state); err != nil {
		t.Fatalf("seed agent state: %v", err)
	}
	if err := e.HandleSessionEnd("alpha", sess.ID); err != nil {
		t.Fatalf("HandleSessionEnd: %v", err)
	}

	if err := e.ApprovePermission("alpha", sess.ID, "r1", ""); !errors.Is(err, ErrSessionInactive) {
		t.Fatalf("expected ErrSessionInactive, got %v", err)
	}
}

func TestMachineRegistrationAndUpdates(t *testing.T) {
	e, b := newTestEngine(t)

	m, err := e.GetOrCreateMachine("alpha", "m1", map[string]any{"host": "dev"})
	if err != nil {
		t.Fatalf("GetOrCreateMachine: %v", err)
	}
	if _, err := e.GetOrCreateMachine("beta", "m1", nil); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied for foreign namespace, got %v", err)
	}

	res, err := e.UpdateMachineRunnerState("alpha", m.ID, m.RunnerStateVersion, map[string]any{"status": "running"})
	if err != nil {
		t.Fatalf("UpdateMachineRunnerState: %v", err)
	}
	if res.Outcome != store.UpdateSuccess || res.Version != m.RunnerStateVersion+1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	updates := b.ofType(UpdateMachine)
	if len(updates) != 1 || updates[0].Body.MachineID != "m1" {
		t.Fatalf("expected one update-machine broadcast, got %+v", updates)
	}
}

func TestSessionAliveBindsMachine(t *testing.T) {
	e, _ := newTestEngine(t)
	sess, err := e.GetOrCreateSession("alpha", "tag", nil, nil)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if _, err := e.GetOrCreateMachine("alpha", "m1", nil); err != nil {
		t.Fatalf("GetOrCreateMachine: %v", err)
	}
	if _, err := e.GetOrCreateMachine("beta", "m2", nil); err != nil {
		t.Fatalf("GetOrCreateMachine beta: %v", err)
	}

	// Binding to a machine in another namespace is refused.
	err = e.HandleSessionAlive("alpha", sess.ID, SessionAliveInput{MachineID: "m2"})
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}

	if err := e.HandleSessionAlive("alpha", sess.ID, SessionAliveInput{MachineID: "m1", Thinking: true, PermissionMode: "plan"}); err != nil {
		t.Fatalf("HandleSessionAlive: %v", err)
	}
	refreshed, err := e.ResolveSession("alpha", sess.ID)
	if err != nil {
		t.Fatalf("ResolveSession: %v", err)
	}
	if refreshed.MachineID != "m1" || !refreshed.Active || !refreshed.Thinking || refreshed.PermissionMode != "plan" {
		t.Fatalf("unexpected session state: %+v", refreshed)
	}
}

func TestSessionTodosStaleReportDropped(t *testing.T) {
	e, _ := newTestEngine(t)
	sess, err := e.GetOrCreateSession("alpha", "tag", nil, nil)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}

	if err := e.SetSessionTodos("alpha", sess.ID, []any{"new plan"}, 2000); err != nil {
		t.Fatalf("SetSessionTodos: %v", err)
	}
	// A snapshot stamped earlier than the stored one arrives late and must
	// not win, however long it spent in flight.
	if err := e.SetSessionTodos("alpha", sess.ID, []any{"old plan"}, 1000); err != nil {
		t.Fatalf("SetSessionTodos(stale): %v", err)
	}

	refreshed, err := e.ResolveSession("alpha", sess.ID)
	if err != nil {
		t.Fatalf("ResolveSession: %v", err)
	}
	todos, ok := refreshed.Todos.([]any)
	if !ok || len(todos) != 1 || todos[0] != "new plan" {
		t.Fatalf("stale report overwrote todos: %v", refreshed.Todos)
	}
	if refreshed.TodosUpdatedAt != 2000 {
		t.Fatalf("expected todosUpdatedAt 2000, got %d", refreshed.TodosUpdatedAt)
	}

	if err := e.SetSessionTodos("alpha", sess.ID, []any{"newer plan"}, 3000); err != nil {
		t.Fatalf("SetSessionTodos(newer): %v", err)
	}
	refreshed, err = e.ResolveSession("alpha", sess.ID)
	if err != nil {
		t.Fatalf("ResolveSession: %v", err)
	}
	if refreshed.TodosUpdatedAt != 3000 {
		t.Fatalf("expected todosUpdatedAt 3000, got %d", refreshed.TodosUpdatedAt)
	}
}

package terminal

import (
	"errors"
	"fmt"
	"testing"
)

func TestRegisterAndResolve(t *testing.T) {
	r := NewRegistry(4, 4)
	err := r.Register(Entry{TerminalID: "t1", SessionID: "s1", ControllerID: "web1", HostID: "cli1"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, ok := r.ResolveFromHost("t1", "cli1", "s1"); !ok {
		t.Fatalf("expected resolve from owning host")
	}
	if _, ok := r.ResolveFromHost("t1", "cli2", "s1"); ok {
		t.Fatalf("foreign host must not resolve")
	}
	if _, ok := r.ResolveFromHost("t1", "cli1", "s2"); ok {
		t.Fatalf("mismatched session must not resolve")
	}
	if _, ok := r.ResolveFromController("t1", "web1"); !ok {
		t.Fatalf("expected resolve from owning controller")
	}
	if _, ok := r.ResolveFromController("t1", "web2"); ok {
		t.Fatalf("foreign controller must not resolve")
	}
}

func TestRegisterDuplicateID(t *testing.T) {
	r := NewRegistry(4, 4)
	if err := r.Register(Entry{TerminalID: "t1", SessionID: "s1", ControllerID: "web1", HostID: "cli1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := r.Register(Entry{TerminalID: "t1", SessionID: "s2", ControllerID: "web2", HostID: "cli2"})
	if !errors.Is(err, ErrTerminalInUse) {
		t.Fatalf("expected ErrTerminalInUse, got %v", err)
	}
}

func TestCaps(t *testing.T) {
	r := NewRegistry(2, 3)

	for i := 0; i < 2; i++ {
		err := r.Register(Entry{
			TerminalID:   fmt.Sprintf("sock-%d", i),
			SessionID:    fmt.Sprintf("s-%d", i),
			ControllerID: "web1",
			HostID:       "cli1",
		})
		if err != nil {
			t.Fatalf("Register %d: %v", i, err)
		}
	}
	err := r.Register(Entry{TerminalID: "sock-2", SessionID: "s-2", ControllerID: "web1", HostID: "cli1"})
	if !errors.Is(err, ErrSocketLimit) {
		t.Fatalf("expected ErrSocketLimit, got %v", err)
	}

	for i := 0; i < 3; i++ {
		err := r.Register(Entry{
			TerminalID:   fmt.Sprintf("sess-%d", i),
			SessionID:    "shared",
			ControllerID: fmt.Sprintf("web-%d", i+2),
			HostID:       "cli1",
		})
		if err != nil {
			t.Fatalf("Register %d: %v", i, err)
		}
	}
	err = r.Register(Entry{TerminalID: "sess-3", SessionID: "shared", ControllerID: "web9", HostID: "cli1"})
	if !errors.Is(err, ErrSessionLimit) {
		t.Fatalf("expected ErrSessionLimit, got %v", err)
	}
}

func TestRemoveIsExactlyOnce(t *testing.T) {
	r := NewRegistry(4, 4)
	if err := r.Register(Entry{TerminalID: "t1", SessionID: "s1", ControllerID: "web1", HostID: "cli1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, ok := r.Remove("t1"); !ok {
		t.Fatalf("first Remove should win")
	}
	if _, ok := r.Remove("t1"); ok {
		t.Fatalf("second Remove must be a no-op")
	}
	if _, ok := r.ResolveFromHost("t1", "cli1", "s1"); ok {
		t.Fatalf("removed terminal must not resolve")
	}

	// The id is free again after removal.
	if err := r.Register(Entry{TerminalID: "t1", SessionID: "s1", ControllerID: "web1", HostID: "cli1"}); err != nil {
		t.Fatalf("re-register after remove: %v", err)
	}
}

func TestRemoveByControllerAndHost(t *testing.T) {
	r := NewRegistry(4, 4)
	entries := []Entry{
		{TerminalID: "t1", SessionID: "s1", ControllerID: "web1", HostID: "cli1"},
		{TerminalID: "t2", SessionID: "s1", ControllerID: "web1", HostID: "cli2"},
		{TerminalID: "t3", SessionID: "s2", ControllerID: "web2", HostID: "cli1"},
	}
	for _, e := range entries {
		if err := r.Register(e); err != nil {
			t.Fatalf("Register %s: %v", e.TerminalID, err)
		}
	}

	removed := r.RemoveByController("web1")
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed for web1, got %d", len(removed))
	}
	if _, ok := r.ResolveFromController("t3", "web2"); !ok {
		t.Fatalf("web2 terminal must survive web1 teardown")
	}

	removed = r.RemoveByHost("cli1")
	if len(removed) != 1 || removed[0].TerminalID != "t3" {
		t.Fatalf("expected t3 removed for cli1, got %+v", removed)
	}
	if r.CountForSession("s2") != 0 {
		t.Fatalf("session index should be empty after host teardown")
	}
}

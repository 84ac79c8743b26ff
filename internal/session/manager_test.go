package session

import (
	"errors"
	"testing"

	"github.com/ent0n29/voicebench/internal/protocol"
)

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager()
	s := m.Create(CreateRequest{Mode: protocol.ModeStaged, SystemPrompt: "be brief"})
	if s.ID == "" {
		t.Fatalf("session ID should not be empty")
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Mode != protocol.ModeStaged || got.SystemPrompt != "be brief" || got.Status != StatusActive {
		t.Fatalf("unexpected session state: %+v", got)
	}

	ended, err := m.End(s.ID, "transport closed")
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded || ended.EndedAt == nil {
		t.Fatalf("ended = %+v, want ended status with EndedAt", ended)
	}
	if ended.LastError != "transport closed" {
		t.Fatalf("LastError = %q, want %q", ended.LastError, "transport closed")
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
}

func TestManagerAppendTurnNumbersMonotonically(t *testing.T) {
	m := NewManager()
	s := m.Create(CreateRequest{})
	for i := 1; i <= 3; i++ {
		turn, err := m.AppendTurn(s.ID, Turn{AgentText: "hi", Interrupted: i == 2})
		if err != nil {
			t.Fatalf("AppendTurn() error = %v", err)
		}
		if turn.Number != i || turn.SessionID != s.ID {
			t.Fatalf("turn = %+v, want number %d", turn, i)
		}
	}

	got, _ := m.Get(s.ID)
	if got.TurnCount != 3 || got.InterruptionCount != 1 {
		t.Fatalf("counts = (%d,%d), want (3,1)", got.TurnCount, got.InterruptionCount)
	}

	turns, err := m.Turns(s.ID)
	if err != nil {
		t.Fatalf("Turns() error = %v", err)
	}
	turns[0].AgentText = "mutated"
	again, _ := m.Turns(s.ID)
	if again[0].AgentText != "hi" {
		t.Fatalf("stored turn was mutated through returned slice")
	}
}

func TestManagerRejectsTurnsAfterEnd(t *testing.T) {
	m := NewManager()
	s := m.Create(CreateRequest{})
	if _, err := m.End(s.ID, ""); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if _, err := m.AppendTurn(s.ID, Turn{}); !errors.Is(err, ErrEnded) {
		t.Fatalf("AppendTurn() error = %v, want ErrEnded", err)
	}
	if _, err := m.AppendTurn("missing", Turn{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("AppendTurn() error = %v, want ErrNotFound", err)
	}
}

func TestManagerRemoteIDAndList(t *testing.T) {
	m := NewManager()
	a := m.Create(CreateRequest{})
	b := m.Create(CreateRequest{})
	if err := m.SetRemoteID(a.ID, "remote-a"); err != nil {
		t.Fatalf("SetRemoteID() error = %v", err)
	}
	if err := m.SetRemoteID("missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetRemoteID() error = %v, want ErrNotFound", err)
	}

	list := m.List()
	if len(list) != 2 {
		t.Fatalf("len(List()) = %d, want 2", len(list))
	}
	seen := map[string]string{}
	for _, s := range list {
		seen[s.ID] = s.RemoteID
	}
	if seen[a.ID] != "remote-a" || seen[b.ID] != "" {
		t.Fatalf("remote ids = %v, want only %s set", seen, a.ID)
	}
}

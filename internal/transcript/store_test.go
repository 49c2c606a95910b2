package transcript

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roelfdiedericks/duoprompt/internal/bus"
	"github.com/roelfdiedericks/duoprompt/internal/protocol"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "transcript.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndSessionTurns(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().Truncate(time.Millisecond)

	turns := []Turn{
		{SessionID: "s1", Direction: protocol.PrimaryToSecondary, From: "a", To: "b", Text: "X is Y", Status: protocol.StatusOK, At: base},
		{SessionID: "s1", Direction: protocol.SecondaryToPrimary, From: "b", To: "a", Text: "I disagree", Status: protocol.StatusOK, At: base.Add(time.Second)},
		{SessionID: "s2", Direction: protocol.PrimaryToSecondary, From: "a", To: "b", Text: "other", Status: protocol.StatusBusy, At: base.Add(2 * time.Second)},
	}
	for i := range turns {
		if err := s.Append(&turns[i]); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if turns[i].ID == "" {
			t.Error("Append should assign an ID")
		}
	}

	got, err := s.SessionTurns("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Text != "X is Y" || got[1].Text != "I disagree" {
		t.Fatalf("SessionTurns = %+v", got)
	}
	if got[0].Direction != protocol.PrimaryToSecondary || got[0].Status != protocol.StatusOK || !got[0].At.Equal(base) {
		t.Errorf("round trip lost fields: %+v", got[0])
	}

	sessions, err := s.Sessions(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 || sessions[0].ID != "s2" || sessions[1].Turns != 2 {
		t.Errorf("Sessions = %+v", sessions)
	}
}

func TestAppendRequiresSession(t *testing.T) {
	s := openTestStore(t)
	if err := s.Append(&Turn{Text: "orphan"}); err == nil {
		t.Error("turn without a session should be rejected")
	}
}

func TestRecentAndSearch(t *testing.T) {
	s := openTestStore(t)
	base := time.Now()
	texts := []string{"alpha", "beta 100%", "gamma", "Alpha again"}
	for i, text := range texts {
		if err := s.Append(&Turn{SessionID: "s", Text: text, At: base.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatal(err)
		}
	}

	recent, err := s.Recent(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].Text != "Alpha again" || recent[1].Text != "gamma" {
		t.Errorf("Recent = %+v", recent)
	}

	tests := []struct {
		query string
		want  int
	}{
		{"alpha", 2},
		{"100%", 1},
		{"%", 1},
		{"   ", 0},
		{"delta", 0},
	}
	for _, tt := range tests {
		got, err := s.Search(tt.query, 10)
		if err != nil {
			t.Fatalf("Search(%q): %v", tt.query, err)
		}
		if len(got) != tt.want {
			t.Errorf("Search(%q) = %d turns, want %d", tt.query, len(got), tt.want)
		}
	}
}

func TestRecordSubscribesToTurns(t *testing.T) {
	s := openTestStore(t)
	events := bus.NewEvents()
	stop := s.Record(events)
	defer stop()

	events.Publish(bus.TopicRelayTurn, bus.TurnEvent{
		SessionID: "live",
		TurnID:    "turn-1",
		Direction: protocol.PrimaryToSecondary,
		Text:      "relayed",
		Status:    protocol.StatusOK,
		At:        time.Now(),
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := s.SessionTurns("live")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) == 1 {
			if got[0].ID != "turn-1" {
				t.Errorf("ID = %s, want turn-1", got[0].ID)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("turn event never recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

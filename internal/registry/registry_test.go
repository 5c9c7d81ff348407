package registry

import (
	"fmt"
	"sync"
	"testing"
)

func newTestStore() *Store {
	return NewStore(nil)
}

func TestJoinReturnsPriorMembership(t *testing.T) {
	s := newTestStore()
	s.AddUser("a")
	s.AddUser("b")
	s.AddUser("c")

	res, err := s.JoinRoom("a", "lobby", "Alice", "video")
	if err != nil {
		t.Fatalf("first join failed: %v", err)
	}
	if len(res.Members) != 0 {
		t.Errorf("first joiner saw %d members, want 0", len(res.Members))
	}

	if _, err := s.JoinRoom("b", "lobby", "Bob", "video"); err != nil {
		t.Fatalf("second join failed: %v", err)
	}

	res, err = s.JoinRoom("c", "lobby", "Carol", "video")
	if err != nil {
		t.Fatalf("third join failed: %v", err)
	}
	if len(res.Members) != 2 {
		t.Fatalf("third joiner saw %d members, want 2", len(res.Members))
	}
	for _, m := range res.Members {
		if m.ID == "c" {
			t.Error("member snapshot includes the joiner")
		}
	}
}

func TestJoinUnknownUser(t *testing.T) {
	s := newTestStore()
	if _, err := s.JoinRoom("ghost", "lobby", "Ghost", ""); err != ErrUserNotInitialized {
		t.Errorf("err = %v, want ErrUserNotInitialized", err)
	}
}

func TestRoomDeletedWhenEmpty(t *testing.T) {
	s := newTestStore()
	s.AddUser("a")
	s.AddUser("b")
	s.JoinRoom("a", "lobby", "Alice", "")
	s.JoinRoom("b", "lobby", "Bob", "")

	res, ok := s.LeaveRoom("a")
	if !ok {
		t.Fatal("leave failed")
	}
	if res.RoomDeleted {
		t.Error("room reported deleted with a member remaining")
	}
	if len(res.Remaining) != 1 || res.Remaining[0].ID != "b" {
		t.Errorf("remaining = %+v, want [b]", res.Remaining)
	}

	res, ok = s.LeaveRoom("b")
	if !ok {
		t.Fatal("second leave failed")
	}
	if !res.RoomDeleted {
		t.Error("room not deleted after last member left")
	}
	if _, ok := s.RoomInfo("lobby"); ok {
		t.Error("empty room still queryable")
	}

	// Rejoining recreates the room rather than resurrecting state.
	if _, err := s.JoinRoom("a", "lobby", "Alice", ""); err != nil {
		t.Fatalf("rejoin failed: %v", err)
	}
	if n := s.MemberCount("lobby"); n != 1 {
		t.Errorf("recreated room has %d members, want 1", n)
	}
}

func TestRoomSwitchLeavesOldRoom(t *testing.T) {
	s := newTestStore()
	s.AddUser("a")
	s.AddUser("b")
	s.JoinRoom("a", "red", "Alice", "")
	s.JoinRoom("b", "red", "Bob", "")

	res, err := s.JoinRoom("a", "blue", "Alice", "")
	if err != nil {
		t.Fatalf("switch failed: %v", err)
	}
	if res.Left == nil {
		t.Fatal("switch did not report the leave from the old room")
	}
	if res.Left.RoomID != "red" {
		t.Errorf("left room = %q, want red", res.Left.RoomID)
	}
	if len(res.Left.Remaining) != 1 || res.Left.Remaining[0].ID != "b" {
		t.Errorf("old-room remaining = %+v, want [b]", res.Left.Remaining)
	}
	if s.SameRoom("a", "b") {
		t.Error("users still report sharing a room after the switch")
	}
	if n := s.MemberCount("blue"); n != 1 {
		t.Errorf("new room has %d members, want 1", n)
	}
}

func TestRejoinSameRoomIsNotASwitch(t *testing.T) {
	s := newTestStore()
	s.AddUser("a")
	s.JoinRoom("a", "lobby", "Alice", "")

	res, err := s.JoinRoom("a", "lobby", "Alice", "")
	if err != nil {
		t.Fatalf("rejoin failed: %v", err)
	}
	if res.Left != nil {
		t.Error("rejoin of the same room reported a leave")
	}
	if len(res.Members) != 0 {
		t.Errorf("rejoin member snapshot includes the joiner: %+v", res.Members)
	}
	if n := s.MemberCount("lobby"); n != 1 {
		t.Errorf("member count = %d, want 1", n)
	}
}

func TestRemoveUserIdempotent(t *testing.T) {
	s := newTestStore()
	s.AddUser("a")
	s.JoinRoom("a", "lobby", "Alice", "")

	if res, ok := s.RemoveUser("a"); !ok || res.RoomID != "lobby" {
		t.Errorf("first remove = (%+v, %v), want lobby leave", res, ok)
	}
	if _, ok := s.RemoveUser("a"); ok {
		t.Error("second remove reported a leave")
	}
	if _, ok := s.RemoveUser("never-existed"); ok {
		t.Error("removing unknown user reported a leave")
	}
	if _, ok := s.User("a"); ok {
		t.Error("user record survived removal")
	}
}

func TestSameRoom(t *testing.T) {
	s := newTestStore()
	s.AddUser("a")
	s.AddUser("b")
	s.AddUser("c")
	s.JoinRoom("a", "red", "Alice", "")
	s.JoinRoom("b", "red", "Bob", "")
	s.JoinRoom("c", "blue", "Carol", "")

	tests := []struct {
		x, y string
		want bool
	}{
		{"a", "b", true},
		{"b", "a", true},
		{"a", "c", false},
		{"a", "ghost", false},
		{"ghost", "a", false},
	}
	for _, tt := range tests {
		if got := s.SameRoom(tt.x, tt.y); got != tt.want {
			t.Errorf("SameRoom(%q, %q) = %v, want %v", tt.x, tt.y, got, tt.want)
		}
	}
}

func TestSetTrackEnabled(t *testing.T) {
	s := newTestStore()
	s.AddUser("a")

	if !s.SetTrackEnabled("a", "audio", false) {
		t.Fatal("audio toggle rejected")
	}
	u, _ := s.User("a")
	if u.AudioEnabled {
		t.Error("audio still enabled after toggle")
	}
	if !u.VideoEnabled {
		t.Error("video flag changed by audio toggle")
	}
	if s.SetTrackEnabled("a", "hologram", true) {
		t.Error("unknown kind accepted")
	}
	if s.SetTrackEnabled("ghost", "audio", true) {
		t.Error("unknown user accepted")
	}
}

func TestConcurrentJoinsSingleRoomEach(t *testing.T) {
	s := newTestStore()
	const users = 32

	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		id := fmt.Sprintf("user-%d", i)
		s.AddUser(id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.JoinRoom(id, "red", id, "")
			s.JoinRoom(id, "blue", id, "")
		}()
	}
	wg.Wait()

	if n := s.MemberCount("red"); n != 0 {
		t.Errorf("red kept %d members after everyone switched", n)
	}
	if n := s.MemberCount("blue"); n != users {
		t.Errorf("blue has %d members, want %d", n, users)
	}
	rooms, total := s.Counts()
	if rooms != 1 || total != users {
		t.Errorf("Counts() = (%d, %d), want (1, %d)", rooms, total, users)
	}
}

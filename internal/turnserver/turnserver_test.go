package turnserver

import (
	"context"
	"testing"

	"github.com/mikeyg42/roomcall/internal/config"
)

func testConfig() config.TURNConfig {
	return config.TURNConfig{
		Port:      3478,
		Realm:     "roomcall",
		PublicIP:  "203.0.113.9",
		Users:     "alice=wonderland bob=builder",
		ThreadNum: 2,
	}
}

func TestUserParsing(t *testing.T) {
	s := New(context.Background(), testConfig(), nil)

	if len(s.users) != 2 {
		t.Fatalf("parsed %d users, want 2", len(s.users))
	}
	for _, name := range []string{"alice", "bob"} {
		key, ok := s.users[name]
		if !ok {
			t.Errorf("user %q not parsed", name)
			continue
		}
		if len(key) == 0 {
			t.Errorf("user %q has an empty auth key", name)
		}
	}
	if s.users["alice"] != nil && s.users["bob"] != nil &&
		string(s.users["alice"]) == string(s.users["bob"]) {
		t.Error("distinct credentials produced identical auth keys")
	}
}

func TestEmptyUserList(t *testing.T) {
	cfg := testConfig()
	cfg.Users = ""
	s := New(context.Background(), cfg, nil)
	if len(s.users) != 0 {
		t.Errorf("parsed %d users from empty list", len(s.users))
	}
}

func TestICEServerAdvertisement(t *testing.T) {
	s := New(context.Background(), testConfig(), nil)
	entry := s.ICEServer()

	if len(entry.URLs) != 2 {
		t.Fatalf("advertised %d URLs, want stun and turn", len(entry.URLs))
	}
	if entry.URLs[0] != "stun:203.0.113.9:3478" {
		t.Errorf("stun URL = %q", entry.URLs[0])
	}
	if entry.URLs[1] != "turn:203.0.113.9:3478" {
		t.Errorf("turn URL = %q", entry.URLs[1])
	}
	if entry.Username != "alice" || entry.Credential != "wonderland" {
		t.Errorf("credentials = (%q, %q), want first configured pair", entry.Username, entry.Credential)
	}
}

func TestLifecycleStates(t *testing.T) {
	s := New(context.Background(), testConfig(), nil)

	if state := s.GetState(); state != "uninitialized" {
		t.Errorf("initial state = %q, want uninitialized", state)
	}
	if s.IsRunning() {
		t.Error("server reports running before Start")
	}
	// Stop before Start is a no-op.
	if err := s.Stop(); err != nil {
		t.Errorf("Stop on unstarted server: %v", err)
	}
}

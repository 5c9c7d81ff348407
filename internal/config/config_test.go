package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := NewDefaultConfig()

	if cfg.Relay.ListenAddr != ":7000" {
		t.Errorf("ListenAddr = %q, want :7000", cfg.Relay.ListenAddr)
	}
	if cfg.Relay.PongWait <= cfg.Relay.PingInterval {
		t.Errorf("PongWait (%v) must exceed PingInterval (%v)", cfg.Relay.PongWait, cfg.Relay.PingInterval)
	}
	if cfg.Client.ConnectTimeout != 30*time.Second {
		t.Errorf("ConnectTimeout = %v, want 30s", cfg.Client.ConnectTimeout)
	}
	if len(cfg.WebRTC.STUNURLs) == 0 {
		t.Error("no default STUN servers")
	}
	if cfg.WebRTC.BundlePolicy != "max-bundle" || cfg.WebRTC.RTCPMuxPolicy != "require" {
		t.Errorf("unexpected negotiation policy: %+v", cfg.WebRTC)
	}
	if cfg.TURN.Enabled {
		t.Error("TURN enabled by default")
	}
	if cfg.Redis.Host != "" {
		t.Error("presence mirror enabled by default")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_ADDR", ":9100")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("SIGNAL_URL", "ws://relay.example:9100/ws")
	t.Setenv("ROOM_ID", "standup")
	t.Setenv("STUN_URLS", "stun:stun.example.com:3478")
	t.Setenv("TURN_ENABLED", "true")
	t.Setenv("TURN_PORT", "3479")
	t.Setenv("TURN_USERS", "alice=secret")
	t.Setenv("REDIS_HOST", "redis.internal")

	cfg := Load()

	if cfg.Relay.ListenAddr != ":9100" {
		t.Errorf("ListenAddr = %q, want :9100", cfg.Relay.ListenAddr)
	}
	if len(cfg.Relay.AllowedOrigins) != 2 || cfg.Relay.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("AllowedOrigins = %v", cfg.Relay.AllowedOrigins)
	}
	if cfg.Client.ServerURL != "ws://relay.example:9100/ws" {
		t.Errorf("ServerURL = %q", cfg.Client.ServerURL)
	}
	if cfg.Client.RoomID != "standup" {
		t.Errorf("RoomID = %q, want standup", cfg.Client.RoomID)
	}
	if len(cfg.WebRTC.STUNURLs) != 1 || cfg.WebRTC.STUNURLs[0] != "stun:stun.example.com:3478" {
		t.Errorf("STUNURLs = %v", cfg.WebRTC.STUNURLs)
	}
	if !cfg.TURN.Enabled || cfg.TURN.Port != 3479 || cfg.TURN.Users != "alice=secret" {
		t.Errorf("TURN = %+v", cfg.TURN)
	}
	if cfg.Redis.Host != "redis.internal" || cfg.Redis.Port != "6379" {
		t.Errorf("Redis = %+v", cfg.Redis)
	}
}

func TestLoadBadValuesFallBack(t *testing.T) {
	t.Setenv("TURN_ENABLED", "definitely")
	t.Setenv("TURN_PORT", "not-a-port")

	cfg := Load()
	if cfg.TURN.Enabled {
		t.Error("unparseable TURN_ENABLED treated as true")
	}
	if cfg.TURN.Port != 3478 {
		t.Errorf("TURN port = %d, want default 3478", cfg.TURN.Port)
	}
}

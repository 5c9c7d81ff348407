package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration for both binaries. The
// relay and client each read only their own section plus WebRTC/TURN.
type Config struct {
	Relay  RelayConfig
	Client ClientConfig
	WebRTC WebRTCPolicy
	TURN   TURNConfig
	Redis  RedisConfig
}

// RelayConfig configures the signaling relay server.
type RelayConfig struct {
	ListenAddr     string
	AllowedOrigins []string
	// WriteTimeout bounds a single websocket write; PingInterval and
	// PongWait implement the keepalive that detects dead clients.
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
	// SendBuffer is the per-client outbound queue depth.
	SendBuffer int
}

// ClientConfig configures the headless call client.
type ClientConfig struct {
	ServerURL      string
	RoomID         string
	RoomType       string
	DisplayName    string
	AudioEnabled   bool
	VideoEnabled   bool
	ConnectTimeout time.Duration
}

// WebRTCPolicy is the negotiation policy the relay advertises to every
// peer. STUNURLs are merged with the embedded TURN server when enabled.
type WebRTCPolicy struct {
	STUNURLs             []string
	ICECandidatePoolSize uint8
	BundlePolicy         string
	RTCPMuxPolicy        string
	ICETransportPolicy   string
}

// TURNConfig configures the optional embedded TURN/STUN server.
type TURNConfig struct {
	Enabled  bool
	Port     int
	Realm    string
	PublicIP string
	// Users is a comma-free "user=pass user=pass" list, parsed into
	// long-term credentials.
	Users     string
	ThreadNum int
}

// RedisConfig configures the optional presence mirror. An empty Host
// disables it.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// NewDefaultConfig returns a Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		Relay: RelayConfig{
			ListenAddr:     ":7000",
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			WriteTimeout:   10 * time.Second,
			PingInterval:   54 * time.Second,
			PongWait:       60 * time.Second,
			SendBuffer:     256,
		},
		Client: ClientConfig{
			ServerURL:      "ws://localhost:7000/ws",
			RoomType:       "video",
			DisplayName:    "anonymous",
			AudioEnabled:   true,
			VideoEnabled:   true,
			ConnectTimeout: 30 * time.Second,
		},
		WebRTC: WebRTCPolicy{
			STUNURLs: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
			ICECandidatePoolSize: 2,
			BundlePolicy:         "max-bundle",
			RTCPMuxPolicy:        "require",
			ICETransportPolicy:   "all",
		},
		TURN: TURNConfig{
			Enabled:   false,
			Port:      3478,
			Realm:     "roomcall",
			ThreadNum: 4,
		},
		Redis: RedisConfig{
			Port: "6379",
		},
	}
}

// Load returns the default config with environment overrides applied.
func Load() *Config {
	cfg := NewDefaultConfig()

	cfg.Relay.ListenAddr = getEnv("RELAY_ADDR", cfg.Relay.ListenAddr)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.Relay.AllowedOrigins = strings.Split(origins, ",")
	}

	cfg.Client.ServerURL = getEnv("SIGNAL_URL", cfg.Client.ServerURL)
	cfg.Client.RoomID = getEnv("ROOM_ID", cfg.Client.RoomID)
	cfg.Client.DisplayName = getEnv("DISPLAY_NAME", cfg.Client.DisplayName)

	if urls := os.Getenv("STUN_URLS"); urls != "" {
		cfg.WebRTC.STUNURLs = strings.Split(urls, ",")
	}

	cfg.TURN.Enabled = getEnvBool("TURN_ENABLED", cfg.TURN.Enabled)
	cfg.TURN.Port = getEnvInt("TURN_PORT", cfg.TURN.Port)
	cfg.TURN.Realm = getEnv("TURN_REALM", cfg.TURN.Realm)
	cfg.TURN.PublicIP = getEnv("TURN_PUBLIC_IP", cfg.TURN.PublicIP)
	cfg.TURN.Users = getEnv("TURN_USERS", cfg.TURN.Users)

	cfg.Redis.Host = getEnv("REDIS_HOST", cfg.Redis.Host)
	cfg.Redis.Port = getEnv("REDIS_PORT", cfg.Redis.Port)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

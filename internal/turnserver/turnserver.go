// Package turnserver runs the optional relay-side TURN/STUN server.
// When enabled, its URL and long-term credentials are folded into the
// WebRTC config advertised to every peer, so the whole room shares one
// set of traversal endpoints.
package turnserver

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/pion/turn/v4"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/mikeyg42/roomcall/internal/config"
	"github.com/mikeyg42/roomcall/internal/protocol"
)

var userRe = regexp.MustCompile(`(\w+)=(\w+)`)

// Server wraps a pion TURN server bound to the relay's lifetime.
type Server struct {
	cfg   config.TURNConfig
	log   *zap.Logger
	users map[string][]byte

	mu        sync.RWMutex
	server    *turn.Server
	ctx       context.Context
	cancel    context.CancelFunc
	isRunning bool
	done      chan struct{}
	startTime time.Time
}

// Stats reports the server's current load and uptime.
type Stats struct {
	ActiveAllocations int
	Uptime            time.Duration
	CurrentState      string
}

func New(ctx context.Context, cfg config.TURNConfig, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	serverCtx, cancel := context.WithCancel(ctx)

	users := map[string][]byte{}
	for _, kv := range userRe.FindAllStringSubmatch(cfg.Users, -1) {
		users[kv[1]] = turn.GenerateAuthKey(kv[1], cfg.Realm, kv[2])
	}

	return &Server{
		cfg:    cfg,
		log:    log.Named("turn"),
		users:  users,
		ctx:    serverCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ICEServer returns the advertisement entry for this server. Only one
// credential pair is advertised even when multiple users are
// configured; the rest exist for out-of-band clients.
func (s *Server) ICEServer() protocol.ICEServer {
	entry := protocol.ICEServer{
		URLs: []string{
			fmt.Sprintf("stun:%s:%d", s.cfg.PublicIP, s.cfg.Port),
			fmt.Sprintf("turn:%s:%d", s.cfg.PublicIP, s.cfg.Port),
		},
	}
	for _, kv := range userRe.FindAllStringSubmatch(s.cfg.Users, -1) {
		entry.Username = kv[1]
		entry.Credential = kv[2]
		break
	}
	return entry
}

func (s *Server) newTURNServer(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("0.0.0.0:%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to parse server address: %w", err)
	}

	// UDP listeners share the same local address:port via SO_REUSEPORT;
	// the kernel load-balances received packets per IP 5-tuple.
	listenerConfig := &net.ListenConfig{
		Control: func(network, address string, conn syscall.RawConn) error {
			var operr error
			if err := conn.Control(func(fd uintptr) {
				operr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				return err
			}
			return operr
		},
	}

	relayAddressGenerator := &turn.RelayAddressGeneratorPortRange{
		RelayAddress: net.ParseIP(s.cfg.PublicIP),
		Address:      "0.0.0.0",
		MinPort:      49152,
		MaxPort:      65535,
	}
	if err := relayAddressGenerator.Validate(); err != nil {
		return fmt.Errorf("invalid relay address generator: %w", err)
	}

	threads := s.cfg.ThreadNum
	if threads < 1 {
		threads = 1
	}
	packetConnConfigs := make([]turn.PacketConnConfig, threads)
	for i := 0; i < threads; i++ {
		conn, listErr := listenerConfig.ListenPacket(ctx, addr.Network(), addr.String())
		if listErr != nil {
			return fmt.Errorf("failed to allocate UDP listener at %s: %w", addr.String(), listErr)
		}
		packetConnConfigs[i] = turn.PacketConnConfig{
			PacketConn:            conn,
			RelayAddressGenerator: relayAddressGenerator,
		}
		s.log.Info("TURN listener ready", zap.Int("index", i), zap.String("addr", conn.LocalAddr().String()))
	}

	server, err := turn.NewServer(turn.ServerConfig{
		Realm: s.cfg.Realm,
		AuthHandler: func(username string, realm string, srcAddr net.Addr) ([]byte, bool) {
			if key, ok := s.users[username]; ok {
				return key, true
			}
			return nil, false
		},
		PacketConnConfigs: packetConnConfigs,
	})
	if err != nil {
		return fmt.Errorf("failed to create TURN server: %w", err)
	}

	s.server = server
	return nil
}

func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("TURN server is already running")
	}
	if err := s.newTURNServer(s.ctx); err != nil {
		return fmt.Errorf("failed to initialize TURN server: %w", err)
	}

	s.startTime = time.Now()
	go func() {
		defer close(s.done)
		s.serve()
	}()

	s.isRunning = true
	s.log.Info("TURN server started", zap.Int("port", s.cfg.Port), zap.String("realm", s.cfg.Realm))
	return nil
}

func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}

	s.cancel()
	if s.server != nil {
		if err := s.server.Close(); err != nil {
			return fmt.Errorf("failed to close TURN server: %w", err)
		}
	}
	s.isRunning = false

	select {
	case <-s.done:
		s.log.Info("TURN server stopped")
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timeout waiting for TURN server to stop")
	}
	return nil
}

func (s *Server) serve() {
	healthCheck := time.NewTicker(30 * time.Second)
	defer healthCheck.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-healthCheck.C:
			s.mu.RLock()
			running := s.isRunning
			s.mu.RUnlock()
			if !running {
				continue
			}
			if err := s.checkPort(); err != nil {
				s.log.Warn("TURN port check failed", zap.Error(err))
			}
		}
	}
}

// checkPort verifies the listen port is still bindable by a probe
// socket; failure indicates the port was hijacked or exhausted.
func (s *Server) checkPort() error {
	conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", s.cfg.Port+1))
	if err != nil {
		return fmt.Errorf("UDP probe near port %d failed: %w", s.cfg.Port, err)
	}
	conn.Close()
	return nil
}

func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// GetState returns uninitialized, stopped, idle or active.
func (s *Server) GetState() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.server == nil {
		return "uninitialized"
	}
	if !s.isRunning {
		return "stopped"
	}
	if s.server.AllocationCount() > 0 {
		return "active"
	}
	return "idle"
}

func (s *Server) GetStats() Stats {
	stats := Stats{
		Uptime:       time.Since(s.startTime),
		CurrentState: s.GetState(),
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.server != nil {
		stats.ActiveAllocations = s.server.AllocationCount()
	}
	return stats
}

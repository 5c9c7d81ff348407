// The relay is the signaling server: one process serving the websocket
// endpoint, the room registry, and optionally an embedded TURN server
// whose credentials are advertised to every peer that joins.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/mikeyg42/roomcall/internal/config"
	"github.com/mikeyg42/roomcall/internal/presence"
	"github.com/mikeyg42/roomcall/internal/protocol"
	"github.com/mikeyg42/roomcall/internal/registry"
	"github.com/mikeyg42/roomcall/internal/relay"
	"github.com/mikeyg42/roomcall/internal/turnserver"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	log := newLogger(*debug)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config.Load(), log); err != nil {
		log.Fatal("relay exited", zap.Error(err))
	}
	log.Info("relay shut down cleanly")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	store := registry.NewStore(log)

	mirror, err := presence.Connect(ctx, cfg.Redis, log)
	if err != nil {
		log.Warn("presence mirror unavailable, continuing without it", zap.Error(err))
	}
	defer mirror.Close()

	var turnSrv *turnserver.Server
	if cfg.TURN.Enabled {
		turnSrv = turnserver.New(ctx, cfg.TURN, log)
		if err := turnSrv.Start(); err != nil {
			return err
		}
		defer turnSrv.Stop()
	}

	hub := relay.NewHub(cfg.Relay, advertisedConfig(cfg, turnSrv), store, mirror, log)
	go hub.Run()
	defer hub.Stop()

	var status relay.TURNStatus
	if turnSrv != nil {
		status = turnSrv
	}
	server := relay.NewServer(hub, cfg.Relay.AllowedOrigins, status, log)
	if err := server.Run(ctx, cfg.Relay.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// advertisedConfig assembles the WebRTC configuration every joining
// peer receives. All peers in a room see the same server list, so their
// candidate pools are symmetric.
func advertisedConfig(cfg *config.Config, turnSrv *turnserver.Server) protocol.WebRTCConfig {
	rtcCfg := protocol.WebRTCConfig{
		ICECandidatePoolSize: cfg.WebRTC.ICECandidatePoolSize,
		BundlePolicy:         cfg.WebRTC.BundlePolicy,
		RTCPMuxPolicy:        cfg.WebRTC.RTCPMuxPolicy,
		ICETransportPolicy:   cfg.WebRTC.ICETransportPolicy,
	}
	if len(cfg.WebRTC.STUNURLs) > 0 {
		rtcCfg.ICEServers = append(rtcCfg.ICEServers, protocol.ICEServer{URLs: cfg.WebRTC.STUNURLs})
	}
	if turnSrv != nil {
		rtcCfg.ICEServers = append(rtcCfg.ICEServers, turnSrv.ICEServer())
	}
	return rtcCfg
}

func newLogger(debug bool) *zap.Logger {
	var log *zap.Logger
	var err error
	if debug {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(log)
	return log
}

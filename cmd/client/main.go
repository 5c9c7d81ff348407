// The client is a headless call participant: it captures local media,
// joins a room through the relay, and negotiates a peer connection with
// every other member. SIGUSR1 toggles screen sharing, SIGUSR2 toggles
// the microphone.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/roomcall/internal/config"
	"github.com/mikeyg42/roomcall/internal/media"
	"github.com/mikeyg42/roomcall/internal/protocol"
	"github.com/mikeyg42/roomcall/internal/rtc"
	"github.com/mikeyg42/roomcall/internal/transport"
)

func main() {
	cfg := config.Load()
	serverURL := flag.String("server", cfg.Client.ServerURL, "relay websocket URL")
	roomID := flag.String("room", cfg.Client.RoomID, "room to join")
	roomType := flag.String("room-type", cfg.Client.RoomType, "room type advertised on join")
	name := flag.String("name", cfg.Client.DisplayName, "display name")
	noAudio := flag.Bool("no-audio", false, "join without a microphone")
	noVideo := flag.Bool("no-video", false, "join without a camera")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	log := newLogger(*debug)
	defer log.Sync()

	if *roomID == "" {
		log.Fatal("a room id is required (-room or ROOM_ID)")
	}
	cfg.Client.ServerURL = *serverURL
	cfg.Client.RoomID = *roomID
	cfg.Client.RoomType = *roomType
	cfg.Client.DisplayName = *name
	cfg.Client.AudioEnabled = !*noAudio
	cfg.Client.VideoEnabled = !*noVideo

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("client exited", zap.Error(err))
	}
	log.Info("client shut down cleanly")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	boot, err := media.NewBootstrap(log)
	if err != nil {
		return err
	}
	stream, err := boot.AcquireLocalStream(cfg.Client.VideoEnabled, cfg.Client.AudioEnabled)
	if err != nil {
		return err
	}
	defer boot.ReleaseStream(stream)

	a := &app{
		cfg:    cfg,
		log:    log.Named("client"),
		boot:   boot,
		camera: stream,
	}
	a.watchToggleSignals(ctx)

	// Each pass is one full relay session. Transport loss tears down all
	// peer sessions; the next pass is a brand-new join under a fresh id.
	for {
		err := a.runSession(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			a.log.Warn("relay session ended, rejoining", zap.Error(err))
			continue
		}
		return nil
	}
}

// app holds one client process's state across relay sessions.
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	boot   *media.Bootstrap
	camera mediadevices.MediaStream

	mu      sync.Mutex
	engine  *rtc.Engine
	tr      *transport.Transport
	selfID  string
	screen  mediadevices.MediaStream
	sharing bool
}

func (a *app) runSession(ctx context.Context) error {
	tr, err := transport.Dial(ctx, a.cfg.Client.ServerURL, a.log)
	if err != nil {
		return err
	}
	defer tr.Close()

	a.mu.Lock()
	a.tr = tr
	a.engine = nil
	a.mu.Unlock()

	tr.On(protocol.TypeJoinedRoom, a.onJoinedRoom)
	tr.On(protocol.TypeUserJoined, a.onUserJoined)
	tr.On(protocol.TypeOffer, a.onOffer)
	tr.On(protocol.TypeAnswer, a.onAnswer)
	tr.On(protocol.TypeICECandidate, a.onCandidate)
	tr.On(protocol.TypeUserLeft, a.onUserLeft)
	tr.On(protocol.TypeCallFailed, a.onCallFailed)
	tr.On(protocol.TypeError, a.onRelayError)

	if err := tr.Send(protocol.TypeJoinRoom, protocol.JoinRoom{
		RoomID:   a.cfg.Client.RoomID,
		UserName: a.cfg.Client.DisplayName,
		RoomType: a.cfg.Client.RoomType,
	}); err != nil {
		return err
	}

	go a.logStatsUntil(ctx)
	go func() {
		<-ctx.Done()
		tr.Close()
	}()

	err = tr.Run()

	a.mu.Lock()
	if a.engine != nil {
		a.engine.CloseAll()
		a.engine = nil
	}
	a.mu.Unlock()
	return err
}

// onJoinedRoom builds the negotiation engine from the relay's
// advertised configuration. Existing members will call us; we sit back
// and answer.
func (a *app) onJoinedRoom(env *protocol.Envelope) {
	var msg protocol.JoinedRoom
	if err := protocol.DecodePayload(env, &msg); err != nil {
		a.log.Warn("bad joined-room payload", zap.Error(err))
		return
	}

	api, err := a.boot.API()
	if err != nil {
		a.log.Error("failed to build WebRTC API", zap.Error(err))
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.selfID = msg.UserID
	engine := rtc.NewEngine(api, msg.WebRTCConfig.Configuration(), &relaySignaler{tr: a.tr}, a.log)
	engine.OnPeerConnected = func(peerID string) {
		a.log.Info("in call with peer", zap.String("peer", peerID))
	}
	engine.OnPeerFailed = func(peerID string, err error) {
		a.log.Warn("peer unreachable", zap.String("peer", peerID), zap.Error(err))
	}
	engine.OnRemoteTrack = a.consumeTrack
	engine.SetLocalTracks(localTracks(a.camera))
	a.engine = engine

	a.log.Info("joined room",
		zap.String("room", msg.RoomID),
		zap.String("self", msg.UserID),
		zap.Int("peers", len(msg.Users)))

	go func() {
		if err := rtc.CheckSTUN(context.Background(), rtc.STUNURLs(msg.WebRTCConfig.ICEServers), a.log); err != nil {
			a.log.Warn("server-reflexive candidates may be unavailable", zap.Error(err))
		}
	}()
}

func (a *app) onUserJoined(env *protocol.Envelope) {
	var msg protocol.UserJoined
	if err := protocol.DecodePayload(env, &msg); err != nil {
		a.log.Warn("bad user-joined payload", zap.Error(err))
		return
	}
	engine := a.currentEngine()
	if engine == nil {
		return
	}
	a.log.Info("peer joined, calling", zap.String("peer", msg.UserID), zap.String("name", msg.UserName))
	if err := engine.Call(msg.UserID); err != nil {
		a.log.Warn("failed to call peer", zap.String("peer", msg.UserID), zap.Error(err))
	}
}

func (a *app) onOffer(env *protocol.Envelope) {
	var msg protocol.Offer
	if err := protocol.DecodePayload(env, &msg); err != nil {
		a.log.Warn("bad offer payload", zap.Error(err))
		return
	}
	engine := a.currentEngine()
	if engine == nil {
		return
	}
	if err := engine.HandleOffer(msg.FromUserID, msg.Offer); err != nil {
		a.log.Warn("failed to handle offer", zap.String("peer", msg.FromUserID), zap.Error(err))
	}
}

func (a *app) onAnswer(env *protocol.Envelope) {
	var msg protocol.Answer
	if err := protocol.DecodePayload(env, &msg); err != nil {
		a.log.Warn("bad answer payload", zap.Error(err))
		return
	}
	engine := a.currentEngine()
	if engine == nil {
		return
	}
	if err := engine.HandleAnswer(msg.FromUserID, msg.Answer); err != nil {
		a.log.Warn("failed to handle answer", zap.String("peer", msg.FromUserID), zap.Error(err))
	}
}

func (a *app) onCandidate(env *protocol.Envelope) {
	var msg protocol.ICECandidate
	if err := protocol.DecodePayload(env, &msg); err != nil {
		a.log.Warn("bad candidate payload", zap.Error(err))
		return
	}
	engine := a.currentEngine()
	if engine == nil {
		return
	}
	if err := engine.HandleCandidate(msg.FromUserID, msg.Candidate); err != nil {
		a.log.Warn("failed to handle candidate", zap.String("peer", msg.FromUserID), zap.Error(err))
	}
}

func (a *app) onUserLeft(env *protocol.Envelope) {
	var msg protocol.UserLeft
	if err := protocol.DecodePayload(env, &msg); err != nil {
		a.log.Warn("bad user-left payload", zap.Error(err))
		return
	}
	a.log.Info("peer left", zap.String("peer", msg.UserID), zap.Int("remaining", msg.UserCount))
	if engine := a.currentEngine(); engine != nil {
		engine.Close(msg.UserID)
	}
}

func (a *app) onCallFailed(env *protocol.Envelope) {
	var msg protocol.CallFailed
	if err := protocol.DecodePayload(env, &msg); err != nil {
		return
	}
	a.log.Warn("negotiation message undeliverable", zap.String("reason", msg.Error))
}

func (a *app) onRelayError(env *protocol.Envelope) {
	var msg protocol.ErrorMessage
	if err := protocol.DecodePayload(env, &msg); err != nil {
		return
	}
	a.log.Warn("relay rejected a message", zap.String("message", msg.Message))
}

func (a *app) currentEngine() *rtc.Engine {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.engine
}

// consumeTrack drains a remote track. A headless client has nowhere to
// render, so it just keeps RTP flowing and accounts for it.
func (a *app) consumeTrack(peerID string, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	go func() {
		var packets, frames, bytes uint64
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				a.log.Debug("remote track ended",
					zap.String("peer", peerID),
					zap.String("kind", track.Kind().String()),
					zap.Uint64("packets", packets),
					zap.Uint64("frames", frames),
					zap.Uint64("bytes", bytes))
				return
			}
			packets++
			bytes += uint64(pkt.MarshalSize())
			if frameBoundary(pkt) {
				frames++
			}
		}
	}()
}

// frameBoundary reports whether the packet closes an access unit; the
// marker bit is set on the last packet of each video frame.
func frameBoundary(pkt *rtp.Packet) bool {
	return pkt.Marker
}

func (a *app) logStatsUntil(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			engine := a.currentEngine()
			if engine == nil {
				continue
			}
			for _, s := range engine.Stats() {
				a.log.Info("session stats",
					zap.String("peer", s.PeerID),
					zap.String("state", s.State),
					zap.Uint64("bytesSent", s.BytesSent),
					zap.Uint64("bytesReceived", s.BytesReceived))
			}
		}
	}
}

// watchToggleSignals listens for the runtime media controls. SIGUSR1
// swaps camera video for screen capture and back; SIGUSR2 mutes and
// unmutes the microphone.
func (a *app) watchToggleSignals(ctx context.Context) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for {
			select {
			case <-ctx.Done():
				signal.Stop(ch)
				return
			case sig := <-ch:
				switch sig {
				case syscall.SIGUSR1:
					a.toggleScreenShare()
				case syscall.SIGUSR2:
					a.toggleMicrophone()
				}
			}
		}
	}()
}

func (a *app) toggleScreenShare() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.engine == nil {
		return
	}

	if a.sharing {
		a.engine.UpdateStream(videoTracks(a.camera))
		a.boot.ReleaseStream(a.screen)
		a.screen = nil
		a.sharing = false
		a.log.Info("screen share stopped, camera restored")
		return
	}

	screen, err := a.boot.AcquireScreenStream()
	if err != nil {
		a.log.Warn("screen share unavailable", zap.Error(err))
		return
	}
	a.engine.UpdateStream(videoTracks(screen))
	a.screen = screen
	a.sharing = true
	a.log.Info("screen share started")
}

func (a *app) toggleMicrophone() {
	engine := a.currentEngine()
	if engine == nil {
		return
	}
	enabled, err := a.boot.ToggleTrackKind("audio")
	if err != nil {
		return
	}
	engine.SetKindEnabled(webrtc.RTPCodecTypeAudio, enabled)
	a.log.Info("microphone toggled", zap.Bool("enabled", enabled))
}

// relaySignaler adapts the websocket transport to the negotiation
// engine's outbound interface.
type relaySignaler struct {
	tr *transport.Transport
}

func (s *relaySignaler) SendOffer(peerID string, sdp webrtc.SessionDescription) error {
	return s.tr.Send(protocol.TypeOffer, protocol.Offer{Offer: sdp, TargetUserID: peerID})
}

func (s *relaySignaler) SendAnswer(peerID string, sdp webrtc.SessionDescription) error {
	return s.tr.Send(protocol.TypeAnswer, protocol.Answer{Answer: sdp, TargetUserID: peerID})
}

func (s *relaySignaler) SendCandidate(peerID string, candidate webrtc.ICECandidateInit) error {
	return s.tr.Send(protocol.TypeICECandidate, protocol.ICECandidate{Candidate: candidate, TargetUserID: peerID})
}

func localTracks(stream mediadevices.MediaStream) []webrtc.TrackLocal {
	tracks := make([]webrtc.TrackLocal, 0, 2)
	for _, t := range stream.GetTracks() {
		tracks = append(tracks, t)
	}
	return tracks
}

func videoTracks(stream mediadevices.MediaStream) []webrtc.TrackLocal {
	tracks := make([]webrtc.TrackLocal, 0, 1)
	for _, t := range stream.GetVideoTracks() {
		tracks = append(tracks, t)
	}
	return tracks
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

// Package rtc drives WebRTC negotiation against every remote peer in
// the room. Each peer gets an independent session; a failure or glare
// event on one never disturbs the others.
package rtc

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultRestartDelay   = time.Second
)

// Signaler carries outbound negotiation messages to one peer. The
// relay transport implements it on the client.
type Signaler interface {
	SendOffer(peerID string, sdp webrtc.SessionDescription) error
	SendAnswer(peerID string, sdp webrtc.SessionDescription) error
	SendCandidate(peerID string, candidate webrtc.ICECandidateInit) error
}

// SessionStats is a point-in-time snapshot of one peer session.
type SessionStats struct {
	PeerID        string        `json:"peerId"`
	Role          string        `json:"role"`
	State         string        `json:"state"`
	BytesSent     uint64        `json:"bytesSent"`
	BytesReceived uint64        `json:"bytesReceived"`
	Age           time.Duration `json:"age"`
}

// Engine owns every peer session and the local track set shared across
// them. Exported methods are safe for concurrent use.
type Engine struct {
	api      *webrtc.API
	cfg      webrtc.Configuration
	signaler Signaler
	log      *zap.Logger

	mu          sync.Mutex
	sessions    map[string]*session
	orphans     map[string][]webrtc.ICECandidateInit
	localTracks []webrtc.TrackLocal

	connectTimeout time.Duration
	restartDelay   time.Duration

	// Set before the first session is created; not guarded.
	OnPeerConnected func(peerID string)
	OnPeerFailed    func(peerID string, err error)
	OnRemoteTrack   func(peerID string, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
}

// NewEngine builds an engine around the API produced by the media
// bootstrap. The configuration normally comes from the relay's
// joined-room advertisement.
func NewEngine(api *webrtc.API, cfg webrtc.Configuration, signaler Signaler, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		api:            api,
		cfg:            cfg,
		signaler:       signaler,
		log:            log.Named("rtc"),
		sessions:       make(map[string]*session),
		orphans:        make(map[string][]webrtc.ICECandidateInit),
		connectTimeout: defaultConnectTimeout,
		restartDelay:   defaultRestartDelay,
	}
}

// SetLocalTracks installs the tracks attached to every session created
// from now on. Existing sessions are untouched; use UpdateStream for
// those.
func (e *Engine) SetLocalTracks(tracks []webrtc.TrackLocal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.localTracks = tracks
}

// Call starts negotiation with a peer as the offerer. Any existing
// session for the peer is torn down first, so repeated calls converge
// on a single fresh session.
func (e *Engine) Call(peerID string) error {
	e.mu.Lock()
	if old, ok := e.sessions[peerID]; ok {
		e.teardownLocked(old)
	}
	s, err := e.newSessionLocked(peerID, roleCaller)
	if err != nil {
		e.mu.Unlock()
		return err
	}

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		e.teardownLocked(s)
		e.mu.Unlock()
		return fmt.Errorf("failed to create offer for %s: %w", peerID, err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		e.teardownLocked(s)
		e.mu.Unlock()
		return fmt.Errorf("failed to set local offer for %s: %w", peerID, err)
	}
	e.armConnectTimerLocked(s)
	e.mu.Unlock()

	e.log.Info("calling peer", zap.String("peer", peerID))
	if err := e.signaler.SendOffer(peerID, offer); err != nil {
		e.closeSession(peerID, s)
		return fmt.Errorf("failed to send offer to %s: %w", peerID, err)
	}
	return nil
}

// HandleOffer answers an inbound offer. A connected peer re-offering
// on its established transport (an ICE restart or a track change) is
// renegotiated on the same connection, so the DTLS association
// survives. Any other existing session loses to the newest offer: it
// is torn down and replaced, whatever state it was in.
func (e *Engine) HandleOffer(peerID string, sdp webrtc.SessionDescription) error {
	e.mu.Lock()
	if old, ok := e.sessions[peerID]; ok {
		if old.state == stateConnected && old.pc.SignalingState() == webrtc.SignalingStateStable {
			answer, err := e.renegotiateLocked(old, sdp)
			e.mu.Unlock()
			if err != nil {
				return err
			}
			e.log.Info("renegotiated with peer", zap.String("peer", peerID))
			if err := e.signaler.SendAnswer(peerID, answer); err != nil {
				return fmt.Errorf("failed to send renegotiation answer to %s: %w", peerID, err)
			}
			return nil
		}
		e.log.Info("replacing session on inbound offer",
			zap.String("peer", peerID), zap.String("oldState", old.state.String()))
		e.teardownLocked(old)
	}
	s, err := e.newSessionLocked(peerID, roleCallee)
	if err != nil {
		e.mu.Unlock()
		return err
	}

	if err := s.pc.SetRemoteDescription(sdp); err != nil {
		e.teardownLocked(s)
		e.mu.Unlock()
		return fmt.Errorf("failed to set remote offer from %s: %w", peerID, err)
	}
	s.remoteDescSet = true
	e.replayCandidatesLocked(s, e.orphans[peerID])
	delete(e.orphans, peerID)

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		e.teardownLocked(s)
		e.mu.Unlock()
		return fmt.Errorf("failed to create answer for %s: %w", peerID, err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		e.teardownLocked(s)
		e.mu.Unlock()
		return fmt.Errorf("failed to set local answer for %s: %w", peerID, err)
	}
	e.armConnectTimerLocked(s)
	e.mu.Unlock()

	e.log.Info("answering peer", zap.String("peer", peerID))
	if err := e.signaler.SendAnswer(peerID, answer); err != nil {
		e.closeSession(peerID, s)
		return fmt.Errorf("failed to send answer to %s: %w", peerID, err)
	}
	return nil
}

// HandleAnswer completes negotiation started by Call. Answers for
// unknown or already-answered sessions are stale leftovers from a
// replaced session and are dropped.
func (e *Engine) HandleAnswer(peerID string, sdp webrtc.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[peerID]
	if !ok {
		e.log.Warn("dropping answer for unknown peer", zap.String("peer", peerID))
		return nil
	}
	if s.remoteDescSet || s.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		e.log.Warn("dropping stale answer",
			zap.String("peer", peerID),
			zap.String("signalingState", s.pc.SignalingState().String()))
		return nil
	}

	if err := s.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("failed to set remote answer from %s: %w", peerID, err)
	}
	s.remoteDescSet = true
	e.replayCandidatesLocked(s, s.pending)
	s.pending = nil
	return nil
}

// HandleCandidate applies or queues one remote ICE candidate.
// Candidates arriving before any session exists wait in a per-peer
// orphan queue; candidates arriving before the remote description wait
// on the session. A candidate the peer connection rejects is logged
// and skipped, never fatal.
func (e *Engine) HandleCandidate(peerID string, candidate webrtc.ICECandidateInit) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[peerID]
	if !ok {
		e.orphans[peerID] = append(e.orphans[peerID], candidate)
		return nil
	}
	if !s.remoteDescSet {
		s.pending = append(s.pending, candidate)
		return nil
	}
	if err := s.pc.AddICECandidate(candidate); err != nil {
		e.log.Warn("discarding unusable candidate",
			zap.String("peer", peerID), zap.Error(err))
	}
	return nil
}

// UpdateStream swaps the media flowing to every session. A kind the
// session already sends gets its track replaced in place with no
// renegotiation; a kind the session was only receiving gets the track
// added fresh, followed by a renegotiation offer once signaling is
// stable. Kinds with no matching new track keep their current one.
// Idempotent: repeating the same stream changes nothing.
func (e *Engine) UpdateStream(tracks []webrtc.TrackLocal) {
	e.mu.Lock()

	byKind := make(map[webrtc.RTPCodecType]webrtc.TrackLocal, len(tracks))
	for _, t := range tracks {
		byKind[t.Kind()] = t
		e.replaceLocalTrackLocked(t)
	}

	type pendingOffer struct {
		peerID string
		sdp    webrtc.SessionDescription
	}
	var offers []pendingOffer

	for _, s := range e.sessions {
		if s.state == stateClosed {
			continue
		}
		added := false
		for kind, t := range byKind {
			tr := transceiverOfKind(s.pc, kind)
			if tr != nil && tr.Sender() != nil && isSending(tr) {
				if err := tr.Sender().ReplaceTrack(t); err != nil {
					e.log.Warn("failed to replace track",
						zap.String("peer", s.peerID),
						zap.String("kind", kind.String()),
						zap.Error(err))
				}
				continue
			}
			// The session never sent this kind; attach the track and
			// negotiate it in. AddTrack reuses the recvonly transceiver.
			if _, err := s.pc.AddTrack(t); err != nil {
				e.log.Warn("failed to add track",
					zap.String("peer", s.peerID),
					zap.String("kind", kind.String()),
					zap.Error(err))
				continue
			}
			added = true
		}
		if !added {
			continue
		}
		if s.pc.SignalingState() != webrtc.SignalingStateStable {
			e.log.Warn("deferring renegotiation, signaling not stable",
				zap.String("peer", s.peerID))
			continue
		}
		offer, err := s.pc.CreateOffer(nil)
		if err == nil {
			err = s.pc.SetLocalDescription(offer)
		}
		if err != nil {
			e.log.Warn("failed to build renegotiation offer",
				zap.String("peer", s.peerID), zap.Error(err))
			continue
		}
		s.remoteDescSet = false
		offers = append(offers, pendingOffer{peerID: s.peerID, sdp: offer})
	}
	e.mu.Unlock()

	for _, o := range offers {
		if err := e.signaler.SendOffer(o.peerID, o.sdp); err != nil {
			e.log.Warn("failed to send renegotiation offer",
				zap.String("peer", o.peerID), zap.Error(err))
		}
	}
}

func transceiverOfKind(pc *webrtc.PeerConnection, kind webrtc.RTPCodecType) *webrtc.RTPTransceiver {
	for _, tr := range pc.GetTransceivers() {
		if tr.Kind() == kind {
			return tr
		}
	}
	return nil
}

// isSending reports whether the transceiver carries outbound media. A
// muted sender (track replaced with nil) still counts: its direction
// was negotiated to send, so a new track belongs in it, not in a fresh
// transceiver.
func isSending(tr *webrtc.RTPTransceiver) bool {
	if tr.Sender() != nil && tr.Sender().Track() != nil {
		return true
	}
	d := tr.Direction()
	return d == webrtc.RTPTransceiverDirectionSendrecv || d == webrtc.RTPTransceiverDirectionSendonly
}

// SetKindEnabled mutes or unmutes one media kind across all sessions.
// Muting replaces the sender's track with nil so packets stop at the
// source; unmuting restores the stored local track of that kind.
func (e *Engine) SetKindEnabled(kind webrtc.RTPCodecType, enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var restore webrtc.TrackLocal
	if enabled {
		for _, t := range e.localTracks {
			if t.Kind() == kind {
				restore = t
				break
			}
		}
		if restore == nil {
			e.log.Warn("no local track to restore", zap.String("kind", kind.String()))
			return
		}
	}
	for _, s := range e.sessions {
		if s.state == stateClosed {
			continue
		}
		for _, tr := range s.pc.GetTransceivers() {
			if tr.Kind() != kind || tr.Sender() == nil {
				continue
			}
			if err := tr.Sender().ReplaceTrack(restore); err != nil {
				e.log.Warn("failed to toggle track",
					zap.String("peer", s.peerID), zap.Error(err))
			}
		}
	}
}

// Close tears down the session for one peer, if any. Safe to call for
// peers that were never called or are already closed.
func (e *Engine) Close(peerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.orphans, peerID)
	if s, ok := e.sessions[peerID]; ok {
		e.teardownLocked(s)
	}
}

// CloseAll tears down every session and clears all queued candidates.
func (e *Engine) CloseAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.sessions {
		e.teardownLocked(s)
	}
	e.orphans = make(map[string][]webrtc.ICECandidateInit)
}

// SessionCount reports live sessions.
func (e *Engine) SessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Stats snapshots every live session's transport counters.
func (e *Engine) Stats() []SessionStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]SessionStats, 0, len(e.sessions))
	for _, s := range e.sessions {
		stat := SessionStats{
			PeerID: s.peerID,
			Role:   string(s.role),
			State:  s.state.String(),
			Age:    time.Since(s.createdAt),
		}
		for _, v := range s.pc.GetStats() {
			switch rs := v.(type) {
			case webrtc.TransportStats:
				stat.BytesSent += rs.BytesSent
				stat.BytesReceived += rs.BytesReceived
			}
		}
		out = append(out, stat)
	}
	return out
}

func (e *Engine) newSessionLocked(peerID string, role sessionRole) (*session, error) {
	pc, err := e.api.NewPeerConnection(e.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection for %s: %w", peerID, err)
	}

	s := &session{
		peerID:       peerID,
		role:         role,
		pc:           pc,
		state:        stateConnecting,
		restartsLeft: 1,
		createdAt:    time.Now(),
	}

	sent := make(map[webrtc.RTPCodecType]bool)
	for _, t := range e.localTracks {
		if _, err := pc.AddTrack(t); err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to attach %s track for %s: %w", t.Kind(), peerID, err)
		}
		sent[t.Kind()] = true
	}
	// Still receive kinds we do not send, so a muted or camera-less
	// participant sees and hears the room.
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if sent[kind] {
			continue
		}
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to add recvonly %s transceiver for %s: %w", kind, peerID, err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		if !e.sessionLive(peerID, s) {
			return
		}
		if err := e.signaler.SendCandidate(peerID, init); err != nil {
			e.log.Warn("failed to send candidate", zap.String("peer", peerID), zap.Error(err))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		e.log.Info("remote track arrived",
			zap.String("peer", peerID),
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType))
		if e.OnRemoteTrack != nil {
			e.OnRemoteTrack(peerID, track, receiver)
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		e.log.Debug("ICE state changed",
			zap.String("peer", peerID), zap.String("state", state.String()))
		if state == webrtc.ICEConnectionStateFailed {
			e.scheduleRestart(peerID, s)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			e.markConnected(peerID, s)
		case webrtc.PeerConnectionStateFailed:
			e.failIfExhausted(peerID, s)
		}
	})

	e.sessions[peerID] = s
	return s, nil
}

// sessionLive reports whether s is still the registered session for
// its peer. Timer and pion callbacks gate on this so a replaced
// session's stragglers cannot touch its successor.
func (e *Engine) sessionLive(peerID string, s *session) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[peerID] == s && s.state != stateClosed
}

func (e *Engine) armConnectTimerLocked(s *session) {
	peerID := s.peerID
	s.connectTimer = time.AfterFunc(e.connectTimeout, func() {
		e.mu.Lock()
		if e.sessions[peerID] != s || s.state != stateConnecting {
			e.mu.Unlock()
			return
		}
		e.teardownLocked(s)
		e.mu.Unlock()

		e.log.Warn("connection attempt timed out", zap.String("peer", peerID))
		if e.OnPeerFailed != nil {
			e.OnPeerFailed(peerID, fmt.Errorf("connection to %s timed out after %s", peerID, e.connectTimeout))
		}
	})
}

func (e *Engine) markConnected(peerID string, s *session) {
	e.mu.Lock()
	if e.sessions[peerID] != s || s.state == stateClosed {
		e.mu.Unlock()
		return
	}
	s.state = stateConnected
	s.connectedAt = time.Now()
	s.stopTimers()
	e.mu.Unlock()

	e.log.Info("peer connected", zap.String("peer", peerID), zap.String("role", string(s.role)))
	if e.OnPeerConnected != nil {
		e.OnPeerConnected(peerID)
	}
}

// scheduleRestart arms the one-shot recovery timer. The delay lets a
// transient network blip resolve on its own before a restart offer
// goes out.
func (e *Engine) scheduleRestart(peerID string, s *session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessions[peerID] != s || s.state == stateClosed || s.restartTimer != nil {
		return
	}
	if s.restartsLeft == 0 {
		return
	}
	s.restartTimer = time.AfterFunc(e.restartDelay, func() {
		e.tryRestart(peerID, s)
	})
}

func (e *Engine) tryRestart(peerID string, s *session) {
	e.mu.Lock()
	if e.sessions[peerID] != s || s.state == stateClosed {
		e.mu.Unlock()
		return
	}
	s.restartTimer = nil
	if s.restartsLeft == 0 || s.pc.SignalingState() != webrtc.SignalingStateStable {
		e.mu.Unlock()
		e.failSession(peerID, s, fmt.Errorf("ICE failed for %s and restart is unavailable", peerID))
		return
	}
	s.restartsLeft--

	offer, err := s.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err == nil {
		err = s.pc.SetLocalDescription(offer)
	}
	if err != nil {
		e.mu.Unlock()
		e.failSession(peerID, s, fmt.Errorf("ICE restart for %s failed: %w", peerID, err))
		return
	}
	s.remoteDescSet = false
	s.state = stateConnecting
	e.mu.Unlock()

	e.log.Info("attempting ICE restart", zap.String("peer", peerID))
	if err := e.signaler.SendOffer(peerID, offer); err != nil {
		e.failSession(peerID, s, fmt.Errorf("failed to send restart offer to %s: %w", peerID, err))
	}
}

func (e *Engine) failIfExhausted(peerID string, s *session) {
	e.mu.Lock()
	exhausted := e.sessions[peerID] == s && s.state != stateClosed && s.restartsLeft == 0 && s.restartTimer == nil
	e.mu.Unlock()
	if exhausted {
		e.failSession(peerID, s, fmt.Errorf("connection to %s failed", peerID))
	}
}

func (e *Engine) failSession(peerID string, s *session, cause error) {
	e.mu.Lock()
	if e.sessions[peerID] != s || s.state == stateClosed {
		e.mu.Unlock()
		return
	}
	s.state = stateFailed
	e.teardownLocked(s)
	e.mu.Unlock()

	e.log.Warn("session failed", zap.String("peer", peerID), zap.Error(cause))
	if e.OnPeerFailed != nil {
		e.OnPeerFailed(peerID, cause)
	}
}

func (e *Engine) closeSession(peerID string, s *session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessions[peerID] == s {
		e.teardownLocked(s)
	}
}

// renegotiateLocked applies a re-offer to an established session and
// builds the answer on the same peer connection. The session keeps its
// state and candidate history; a failure leaves it intact for the
// caller to report.
func (e *Engine) renegotiateLocked(s *session, sdp webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := s.pc.SetRemoteDescription(sdp); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set renegotiation offer from %s: %w", s.peerID, err)
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to answer renegotiation from %s: %w", s.peerID, err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to apply renegotiation answer for %s: %w", s.peerID, err)
	}
	return answer, nil
}

func (e *Engine) replayCandidatesLocked(s *session, queued []webrtc.ICECandidateInit) {
	for _, c := range queued {
		if err := s.pc.AddICECandidate(c); err != nil {
			e.log.Warn("discarding queued candidate",
				zap.String("peer", s.peerID), zap.Error(err))
		}
	}
}

func (e *Engine) replaceLocalTrackLocked(t webrtc.TrackLocal) {
	for i, existing := range e.localTracks {
		if existing.Kind() == t.Kind() {
			e.localTracks[i] = t
			return
		}
	}
	e.localTracks = append(e.localTracks, t)
}

func (e *Engine) teardownLocked(s *session) {
	if s.state == stateClosed {
		return
	}
	s.stopTimers()
	s.state = stateClosed
	if e.sessions[s.peerID] == s {
		delete(e.sessions, s.peerID)
	}
	if err := s.pc.Close(); err != nil {
		e.log.Warn("error closing peer connection",
			zap.String("peer", s.peerID), zap.Error(err))
	}
}

package rtc

import (
	"time"

	"github.com/pion/webrtc/v4"
)

type sessionRole string

const (
	roleCaller sessionRole = "caller"
	roleCallee sessionRole = "callee"
)

type sessionState int

const (
	stateConnecting sessionState = iota
	stateConnected
	stateFailed
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateFailed:
		return "failed"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// session is the negotiation state for one remote peer. All fields are
// guarded by the engine mutex; pion callbacks re-enter through the
// engine, which verifies the session is still the live one for its
// peer before acting.
type session struct {
	peerID string
	role   sessionRole
	pc     *webrtc.PeerConnection
	state  sessionState

	// Candidates received before the remote description is applied.
	// Replayed in arrival order exactly once, then the queue stays
	// empty for the session's lifetime.
	pending       []webrtc.ICECandidateInit
	remoteDescSet bool

	connectTimer *time.Timer
	restartTimer *time.Timer
	restartsLeft int

	createdAt   time.Time
	connectedAt time.Time
}

func (s *session) stopTimers() {
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
}

package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// Type tags a signaling message. Every message on the wire is an
// Envelope whose payload shape is fixed by its tag.
type Type string

const (
	TypeJoinRoom     Type = "join-room"
	TypeJoinedRoom   Type = "joined-room"
	TypeUserJoined   Type = "user-joined"
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice-candidate"
	TypeUserLeft     Type = "user-left"
	TypeLeaveRoom    Type = "leave-room"
	TypeError        Type = "error"
	TypeCallFailed   Type = "call-failed"
)

// Envelope is the wire frame for all signaling traffic.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinRoom is sent by a client to enter a room.
type JoinRoom struct {
	RoomID   string `json:"roomId"`
	UserName string `json:"userName"`
	RoomType string `json:"roomType,omitempty"`
}

// RoomUser describes one current member in a joined-room reply.
type RoomUser struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	IsAudioEnabled bool   `json:"isAudioEnabled"`
	IsVideoEnabled bool   `json:"isVideoEnabled"`
}

// JoinedRoom is the relay's reply to join-room. Users holds the room
// membership as it was immediately before the join, excluding the joiner.
type JoinedRoom struct {
	RoomID       string       `json:"roomId"`
	UserID       string       `json:"userId"`
	UserName     string       `json:"userName"`
	RoomType     string       `json:"roomType,omitempty"`
	Users        []RoomUser   `json:"users"`
	WebRTCConfig WebRTCConfig `json:"webrtcConfig"`
}

// UserJoined is broadcast to existing room members when a peer joins.
type UserJoined struct {
	UserID         string `json:"userId"`
	UserName       string `json:"userName"`
	IsAudioEnabled bool   `json:"isAudioEnabled"`
	IsVideoEnabled bool   `json:"isVideoEnabled"`
}

// Offer carries an SDP offer. TargetUserID is set by the sender; the
// relay stamps FromUserID, FromUserName and Timestamp before forwarding
// and never looks inside the session description itself.
type Offer struct {
	Offer        webrtc.SessionDescription `json:"offer"`
	TargetUserID string                    `json:"targetUserId,omitempty"`
	FromUserID   string                    `json:"fromUserId,omitempty"`
	FromUserName string                    `json:"fromUserName,omitempty"`
	Timestamp    time.Time                 `json:"timestamp,omitzero"`
	WebRTCConfig *WebRTCConfig             `json:"webrtcConfig,omitempty"`
}

// Answer carries an SDP answer, stamped the same way as Offer.
type Answer struct {
	Answer       webrtc.SessionDescription `json:"answer"`
	TargetUserID string                    `json:"targetUserId,omitempty"`
	FromUserID   string                    `json:"fromUserId,omitempty"`
	FromUserName string                    `json:"fromUserName,omitempty"`
	Timestamp    time.Time                 `json:"timestamp,omitzero"`
}

// ICECandidate carries one trickled candidate.
type ICECandidate struct {
	Candidate    webrtc.ICECandidateInit `json:"candidate"`
	TargetUserID string                  `json:"targetUserId,omitempty"`
	FromUserID   string                  `json:"fromUserId,omitempty"`
	FromUserName string                  `json:"fromUserName,omitempty"`
	Timestamp    time.Time               `json:"timestamp,omitzero"`
}

// UserLeft is broadcast to remaining members when a peer leaves or its
// transport drops. UserCount is the member count after removal.
type UserLeft struct {
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	UserCount int       `json:"userCount"`
	Timestamp time.Time `json:"timestamp"`
}

// LeaveRoom has no payload; the sender is identified by its connection.
type LeaveRoom struct{}

// ErrorMessage reports a relay-side problem to one connection.
type ErrorMessage struct {
	Message string `json:"message"`
}

// CallFailed tells a sender that a targeted negotiation message could
// not be delivered.
type CallFailed struct {
	Error string `json:"error"`
}

const (
	// CallFailedTargetUnavailable is the reason used when the target
	// peer is unknown or not in the sender's room.
	CallFailedTargetUnavailable = "target-unavailable"
)

// Encode wraps a payload in an Envelope and marshals the whole frame.
func Encode(t Type, payload any) ([]byte, error) {
	env := Envelope{Type: t}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// Decode parses a wire frame into its envelope. The payload stays raw;
// use DecodePayload with the struct matching the tag.
func Decode(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("frame missing type tag")
	}
	return &env, nil
}

// DecodePayload unmarshals an envelope payload into dst and validates
// the required fields for the envelope's tag. Messages with missing
// required fields are rejected rather than handled with zero values.
func DecodePayload(env *Envelope, dst any) error {
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, dst); err != nil {
			return fmt.Errorf("malformed %s payload: %w", env.Type, err)
		}
	}
	if v, ok := dst.(interface{ validate() error }); ok {
		if err := v.validate(); err != nil {
			return fmt.Errorf("invalid %s payload: %w", env.Type, err)
		}
	}
	return nil
}

func (m *JoinRoom) validate() error {
	if m.RoomID == "" {
		return fmt.Errorf("roomId is required")
	}
	if m.UserName == "" {
		return fmt.Errorf("userName is required")
	}
	return nil
}

func (m *Offer) validate() error {
	if m.Offer.SDP == "" {
		return fmt.Errorf("offer.sdp is required")
	}
	if m.TargetUserID == "" && m.FromUserID == "" {
		return fmt.Errorf("targetUserId is required")
	}
	return nil
}

func (m *Answer) validate() error {
	if m.Answer.SDP == "" {
		return fmt.Errorf("answer.sdp is required")
	}
	if m.TargetUserID == "" && m.FromUserID == "" {
		return fmt.Errorf("targetUserId is required")
	}
	return nil
}

func (m *ICECandidate) validate() error {
	if m.Candidate.Candidate == "" {
		return fmt.Errorf("candidate is required")
	}
	if m.TargetUserID == "" && m.FromUserID == "" {
		return fmt.Errorf("targetUserId is required")
	}
	return nil
}

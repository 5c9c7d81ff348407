// Package relay implements the signaling relay: it admits websocket
// clients, keeps the room registry up to date, and routes opaque
// negotiation messages between peers that share a room. It never
// inspects offer/answer/candidate payloads beyond the routing fields.
package relay

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/roomcall/internal/config"
	"github.com/mikeyg42/roomcall/internal/presence"
	"github.com/mikeyg42/roomcall/internal/protocol"
	"github.com/mikeyg42/roomcall/internal/registry"
)

type eventKind int

const (
	eventRegister eventKind = iota
	eventMessage
	eventUnregister
)

type event struct {
	kind   eventKind
	client *client
	env    *protocol.Envelope
}

// Hub owns the connected-client table and the dispatch loop. Every
// inbound message is handled to completion before the next one, so
// handlers can mutate the registry without observing each other's
// half-finished work.
type Hub struct {
	cfg       config.RelayConfig
	rtcConfig protocol.WebRTCConfig
	registry  *registry.Store
	mirror    *presence.Mirror
	log       *zap.Logger

	clients map[string]*client
	inbound chan event
	done    chan struct{}
}

func NewHub(cfg config.RelayConfig, rtcConfig protocol.WebRTCConfig, store *registry.Store, mirror *presence.Mirror, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		cfg:       cfg,
		rtcConfig: rtcConfig,
		registry:  store,
		mirror:    mirror,
		log:       log.Named("relay"),
		clients:   make(map[string]*client),
		inbound:   make(chan event, 64),
		done:      make(chan struct{}),
	}
}

// Run is the single dispatch loop. The clients map is touched only
// here, so handlers never race each other. Returns when Stop is called,
// after closing every connection.
func (h *Hub) Run() {
	for {
		select {
		case ev := <-h.inbound:
			h.dispatch(ev)
		case <-h.done:
			for _, c := range h.clients {
				c.close()
			}
			return
		}
	}
}

// Stop shuts the dispatch loop down.
func (h *Hub) Stop() {
	close(h.done)
}

func (h *Hub) post(ev event) {
	select {
	case h.inbound <- ev:
	case <-h.done:
	}
}

func (h *Hub) dispatch(ev event) {
	switch ev.kind {
	case eventRegister:
		h.clients[ev.client.id] = ev.client
		h.registry.AddUser(ev.client.id)
		h.log.Debug("client registered", zap.String("user", ev.client.id))
	case eventUnregister:
		h.handleDisconnect(ev.client)
	case eventMessage:
		h.handleMessage(ev.client, ev.env)
	}
}

// handleMessage processes one inbound frame. An unexpected failure in a
// handler is caught and reported to the offending connection only; it
// must not take down the dispatch loop or other rooms.
func (h *Hub) handleMessage(c *client, env *protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("handler panic",
				zap.String("user", c.id),
				zap.String("type", string(env.Type)),
				zap.Any("panic", r))
			c.sendError("internal error handling " + string(env.Type))
		}
	}()

	var err error
	switch env.Type {
	case protocol.TypeJoinRoom:
		err = h.handleJoin(c, env)
	case protocol.TypeLeaveRoom:
		h.handleLeave(c)
	case protocol.TypeOffer:
		err = h.handleOffer(c, env)
	case protocol.TypeAnswer:
		err = h.handleAnswer(c, env)
	case protocol.TypeICECandidate:
		err = h.handleCandidate(c, env)
	default:
		err = errors.New("unsupported message type: " + string(env.Type))
	}
	if err != nil {
		h.log.Warn("rejected message",
			zap.String("user", c.id),
			zap.String("type", string(env.Type)),
			zap.Error(err))
		c.sendError(err.Error())
	}
}

func (h *Hub) handleJoin(c *client, env *protocol.Envelope) error {
	var msg protocol.JoinRoom
	if err := protocol.DecodePayload(env, &msg); err != nil {
		return err
	}

	res, err := h.registry.JoinRoom(c.id, msg.RoomID, msg.UserName, msg.RoomType)
	if err != nil {
		return err
	}

	// Switching rooms carries the same side effects as an explicit
	// leave from the old room.
	if res.Left != nil {
		h.broadcastUserLeft(res.Left)
	}

	users := make([]protocol.RoomUser, 0, len(res.Members))
	for _, m := range res.Members {
		users = append(users, protocol.RoomUser{
			ID:             m.ID,
			Name:           m.Name,
			IsAudioEnabled: m.AudioEnabled,
			IsVideoEnabled: m.VideoEnabled,
		})
	}
	c.send(protocol.TypeJoinedRoom, protocol.JoinedRoom{
		RoomID:       res.RoomID,
		UserID:       c.id,
		UserName:     res.User.Name,
		RoomType:     res.RoomType,
		Users:        users,
		WebRTCConfig: h.rtcConfig,
	})

	joined := protocol.UserJoined{
		UserID:         c.id,
		UserName:       res.User.Name,
		IsAudioEnabled: res.User.AudioEnabled,
		IsVideoEnabled: res.User.VideoEnabled,
	}
	for _, m := range res.Members {
		if peer, ok := h.clients[m.ID]; ok {
			peer.send(protocol.TypeUserJoined, joined)
		}
	}

	h.mirror.AddPeer(context.Background(), res.RoomID, c.id)
	return nil
}

func (h *Hub) handleLeave(c *client) {
	if res, ok := h.registry.LeaveRoom(c.id); ok {
		h.broadcastUserLeft(res)
	}
}

// handleDisconnect is the transport-loss teardown: membership and the
// user record go away; reconnecting is a brand-new join.
func (h *Hub) handleDisconnect(c *client) {
	delete(h.clients, c.id)
	if res, ok := h.registry.RemoveUser(c.id); ok {
		h.broadcastUserLeft(res)
	}
	h.log.Debug("client unregistered", zap.String("user", c.id))
}

func (h *Hub) broadcastUserLeft(res *registry.LeaveResult) {
	left := protocol.UserLeft{
		UserID:    res.User.ID,
		UserName:  res.User.Name,
		UserCount: len(res.Remaining),
		Timestamp: res.Timestamp,
	}
	for _, m := range res.Remaining {
		if peer, ok := h.clients[m.ID]; ok {
			peer.send(protocol.TypeUserLeft, left)
		}
	}
	h.mirror.RemovePeer(context.Background(), res.RoomID, res.User.ID, res.RoomDeleted)
}

func (h *Hub) handleOffer(c *client, env *protocol.Envelope) error {
	var msg protocol.Offer
	if err := protocol.DecodePayload(env, &msg); err != nil {
		return err
	}
	target, ok := h.routeTarget(c, msg.TargetUserID)
	if !ok {
		return nil
	}
	sender, _ := h.registry.User(c.id)
	msg.TargetUserID = ""
	msg.FromUserID = c.id
	msg.FromUserName = sender.Name
	msg.Timestamp = time.Now()
	cfg := h.rtcConfig
	msg.WebRTCConfig = &cfg
	target.send(protocol.TypeOffer, msg)
	return nil
}

func (h *Hub) handleAnswer(c *client, env *protocol.Envelope) error {
	var msg protocol.Answer
	if err := protocol.DecodePayload(env, &msg); err != nil {
		return err
	}
	target, ok := h.routeTarget(c, msg.TargetUserID)
	if !ok {
		return nil
	}
	sender, _ := h.registry.User(c.id)
	msg.TargetUserID = ""
	msg.FromUserID = c.id
	msg.FromUserName = sender.Name
	msg.Timestamp = time.Now()
	target.send(protocol.TypeAnswer, msg)
	return nil
}

func (h *Hub) handleCandidate(c *client, env *protocol.Envelope) error {
	var msg protocol.ICECandidate
	if err := protocol.DecodePayload(env, &msg); err != nil {
		return err
	}
	target, ok := h.routeTarget(c, msg.TargetUserID)
	if !ok {
		return nil
	}
	sender, _ := h.registry.User(c.id)
	msg.TargetUserID = ""
	msg.FromUserID = c.id
	msg.FromUserName = sender.Name
	msg.Timestamp = time.Now()
	target.send(protocol.TypeICECandidate, msg)
	return nil
}

// routeTarget resolves a forwarding target. Forwarding happens only
// when sender and target are both registered and share a room;
// otherwise the sender gets call-failed and nothing is forwarded.
func (h *Hub) routeTarget(c *client, targetID string) (*client, bool) {
	target, connected := h.clients[targetID]
	if !connected || !h.registry.SameRoom(c.id, targetID) {
		c.send(protocol.TypeCallFailed, protocol.CallFailed{
			Error: protocol.CallFailedTargetUnavailable,
		})
		return nil, false
	}
	return target, true
}

package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/mikeyg42/roomcall/internal/config"
	"github.com/mikeyg42/roomcall/internal/protocol"
	"github.com/mikeyg42/roomcall/internal/registry"
)

const readWait = 3 * time.Second

func newTestRelay(t *testing.T, allowedOrigins []string) *httptest.Server {
	t.Helper()

	rtcCfg := protocol.WebRTCConfig{
		ICEServers:    []protocol.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}},
		BundlePolicy:  "max-bundle",
		RTCPMuxPolicy: "require",
	}
	hub := NewHub(config.NewDefaultConfig().Relay, rtcCfg, registry.NewStore(nil), nil, nil)
	go hub.Run()
	t.Cleanup(hub.Stop)

	srv := NewServer(hub, allowedOrigins, nil, nil)
	ts := httptest.NewServer(srv.router)
	t.Cleanup(ts.Close)
	return ts
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialTestClient(t *testing.T, ts *httptest.Server) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(msgType protocol.Type, payload any) {
	c.t.Helper()
	frame, err := protocol.Encode(msgType, payload)
	if err != nil {
		c.t.Fatalf("encode %s failed: %v", msgType, err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.t.Fatalf("write %s failed: %v", msgType, err)
	}
}

// expect reads the next frame and fails unless it carries msgType.
func (c *testClient) expect(msgType protocol.Type) *protocol.Envelope {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(readWait))
	_, frame, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("waiting for %s: %v", msgType, err)
	}
	env, err := protocol.Decode(frame)
	if err != nil {
		c.t.Fatalf("waiting for %s, got undecodable frame: %v", msgType, err)
	}
	if env.Type != msgType {
		c.t.Fatalf("got %s, want %s (payload %s)", env.Type, msgType, env.Payload)
	}
	return env
}

func (c *testClient) join(room, name string) protocol.JoinedRoom {
	c.t.Helper()
	c.send(protocol.TypeJoinRoom, protocol.JoinRoom{RoomID: room, UserName: name, RoomType: "video"})
	env := c.expect(protocol.TypeJoinedRoom)
	var msg protocol.JoinedRoom
	if err := protocol.DecodePayload(env, &msg); err != nil {
		c.t.Fatalf("bad joined-room payload: %v", err)
	}
	return msg
}

func testOffer(target string) protocol.Offer {
	return protocol.Offer{
		Offer:        webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\n"},
		TargetUserID: target,
	}
}

func TestJoinAdvertisesConfigAndMembers(t *testing.T) {
	ts := newTestRelay(t, nil)

	alice := dialTestClient(t, ts)
	aliceRoom := alice.join("lobby", "Alice")
	if aliceRoom.UserID == "" {
		t.Fatal("no user id assigned")
	}
	if len(aliceRoom.Users) != 0 {
		t.Errorf("first joiner saw %d members, want 0", len(aliceRoom.Users))
	}
	if len(aliceRoom.WebRTCConfig.ICEServers) != 1 {
		t.Fatalf("advertised %d ICE servers, want 1", len(aliceRoom.WebRTCConfig.ICEServers))
	}

	bob := dialTestClient(t, ts)
	bobRoom := bob.join("lobby", "Bob")
	if len(bobRoom.Users) != 1 || bobRoom.Users[0].ID != aliceRoom.UserID {
		t.Errorf("second joiner users = %+v, want [Alice]", bobRoom.Users)
	}
	if bobRoom.WebRTCConfig.BundlePolicy != aliceRoom.WebRTCConfig.BundlePolicy {
		t.Error("peers received different negotiation policies")
	}

	env := alice.expect(protocol.TypeUserJoined)
	var joined protocol.UserJoined
	if err := protocol.DecodePayload(env, &joined); err != nil {
		t.Fatalf("bad user-joined payload: %v", err)
	}
	if joined.UserID != bobRoom.UserID || joined.UserName != "Bob" {
		t.Errorf("user-joined = %+v, want Bob", joined)
	}
}

func TestOfferForwardingStampsSender(t *testing.T) {
	ts := newTestRelay(t, nil)

	alice := dialTestClient(t, ts)
	aliceRoom := alice.join("lobby", "Alice")
	bob := dialTestClient(t, ts)
	bobRoom := bob.join("lobby", "Bob")
	alice.expect(protocol.TypeUserJoined)

	before := time.Now()
	alice.send(protocol.TypeOffer, testOffer(bobRoom.UserID))

	env := bob.expect(protocol.TypeOffer)
	var got protocol.Offer
	if err := protocol.DecodePayload(env, &got); err != nil {
		t.Fatalf("bad forwarded offer: %v", err)
	}
	if got.FromUserID != aliceRoom.UserID || got.FromUserName != "Alice" {
		t.Errorf("sender stamp = (%q, %q), want Alice's", got.FromUserID, got.FromUserName)
	}
	if got.TargetUserID != "" {
		t.Errorf("forwarded offer kept targetUserId %q", got.TargetUserID)
	}
	if got.Timestamp.Before(before.Add(-time.Second)) {
		t.Errorf("timestamp %v not stamped at forward time", got.Timestamp)
	}
	if got.WebRTCConfig == nil {
		t.Error("forwarded offer missing webrtcConfig")
	}
	if got.Offer.SDP == "" {
		t.Error("session description not carried through")
	}
}

func TestCandidateAndAnswerRouting(t *testing.T) {
	ts := newTestRelay(t, nil)

	alice := dialTestClient(t, ts)
	aliceRoom := alice.join("lobby", "Alice")
	bob := dialTestClient(t, ts)
	bobRoom := bob.join("lobby", "Bob")
	alice.expect(protocol.TypeUserJoined)

	bob.send(protocol.TypeAnswer, protocol.Answer{
		Answer:       webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"},
		TargetUserID: aliceRoom.UserID,
	})
	env := alice.expect(protocol.TypeAnswer)
	var answer protocol.Answer
	if err := protocol.DecodePayload(env, &answer); err != nil {
		t.Fatalf("bad forwarded answer: %v", err)
	}
	if answer.FromUserID != bobRoom.UserID {
		t.Errorf("answer fromUserId = %q, want Bob's", answer.FromUserID)
	}

	alice.send(protocol.TypeICECandidate, protocol.ICECandidate{
		Candidate:    webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2122260223 192.168.1.7 51816 typ host"},
		TargetUserID: bobRoom.UserID,
	})
	env = bob.expect(protocol.TypeICECandidate)
	var cand protocol.ICECandidate
	if err := protocol.DecodePayload(env, &cand); err != nil {
		t.Fatalf("bad forwarded candidate: %v", err)
	}
	if cand.FromUserID != aliceRoom.UserID || cand.Candidate.Candidate == "" {
		t.Errorf("forwarded candidate = %+v", cand)
	}
}

func TestTargetUnavailable(t *testing.T) {
	ts := newTestRelay(t, nil)

	alice := dialTestClient(t, ts)
	alice.join("red", "Alice")
	carol := dialTestClient(t, ts)
	carolRoom := carol.join("blue", "Carol")

	// Unknown peer.
	alice.send(protocol.TypeOffer, testOffer("no-such-user"))
	env := alice.expect(protocol.TypeCallFailed)
	var failed protocol.CallFailed
	if err := protocol.DecodePayload(env, &failed); err != nil {
		t.Fatalf("bad call-failed payload: %v", err)
	}
	if failed.Error != protocol.CallFailedTargetUnavailable {
		t.Errorf("reason = %q, want %q", failed.Error, protocol.CallFailedTargetUnavailable)
	}

	// Connected peer in a different room; must not be reachable.
	alice.send(protocol.TypeOffer, testOffer(carolRoom.UserID))
	alice.expect(protocol.TypeCallFailed)

	carol.conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := carol.conn.ReadMessage(); err == nil {
		t.Error("cross-room offer was forwarded")
	}
}

func TestLeaveAndDisconnectBroadcast(t *testing.T) {
	ts := newTestRelay(t, nil)

	alice := dialTestClient(t, ts)
	aliceRoom := alice.join("lobby", "Alice")
	bob := dialTestClient(t, ts)
	bobRoom := bob.join("lobby", "Bob")
	carol := dialTestClient(t, ts)
	carol.join("lobby", "Carol")
	alice.expect(protocol.TypeUserJoined)
	alice.expect(protocol.TypeUserJoined)
	bob.expect(protocol.TypeUserJoined)

	// Explicit leave.
	alice.send(protocol.TypeLeaveRoom, nil)
	env := bob.expect(protocol.TypeUserLeft)
	var left protocol.UserLeft
	if err := protocol.DecodePayload(env, &left); err != nil {
		t.Fatalf("bad user-left payload: %v", err)
	}
	if left.UserID != aliceRoom.UserID || left.UserCount != 2 {
		t.Errorf("user-left = %+v, want Alice with 2 remaining", left)
	}
	carol.expect(protocol.TypeUserLeft)

	// Transport loss.
	bob.conn.Close()
	env = carol.expect(protocol.TypeUserLeft)
	if err := protocol.DecodePayload(env, &left); err != nil {
		t.Fatalf("bad user-left payload: %v", err)
	}
	if left.UserID != bobRoom.UserID || left.UserCount != 1 {
		t.Errorf("user-left = %+v, want Bob with 1 remaining", left)
	}
}

func TestRoomSwitchNotifiesOldRoom(t *testing.T) {
	ts := newTestRelay(t, nil)

	alice := dialTestClient(t, ts)
	alice.join("red", "Alice")
	bob := dialTestClient(t, ts)
	bobRoom := bob.join("red", "Bob")
	alice.expect(protocol.TypeUserJoined)

	bob.join("blue", "Bob")
	env := alice.expect(protocol.TypeUserLeft)
	var left protocol.UserLeft
	if err := protocol.DecodePayload(env, &left); err != nil {
		t.Fatalf("bad user-left payload: %v", err)
	}
	if left.UserID != bobRoom.UserID {
		t.Errorf("user-left for %q, want Bob", left.UserID)
	}
}

func TestBadFramesAreRejectedNotFatal(t *testing.T) {
	ts := newTestRelay(t, nil)
	alice := dialTestClient(t, ts)

	if err := alice.conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	alice.expect(protocol.TypeError)

	alice.send(protocol.Type("time-travel"), nil)
	alice.expect(protocol.TypeError)

	// Join without a room id fails validation but leaves the
	// connection usable.
	alice.send(protocol.TypeJoinRoom, protocol.JoinRoom{UserName: "Alice"})
	alice.expect(protocol.TypeError)

	alice.join("lobby", "Alice")
}

func TestInfoEndpoints(t *testing.T) {
	ts := newTestRelay(t, nil)

	res, err := http.Get(ts.URL + "/health")
	if err != nil || res.StatusCode != http.StatusOK {
		t.Fatalf("/health = (%v, %v), want 200", res, err)
	}
	res.Body.Close()

	res, err = http.Get(ts.URL + "/api/rooms/lobby")
	if err != nil || res.StatusCode != http.StatusNotFound {
		t.Fatalf("/api/rooms before join = (%v, %v), want 404", res, err)
	}
	res.Body.Close()

	alice := dialTestClient(t, ts)
	alice.join("lobby", "Alice")

	res, err = http.Get(ts.URL + "/api/rooms/lobby")
	if err != nil || res.StatusCode != http.StatusOK {
		t.Fatalf("/api/rooms after join = (%v, %v), want 200", res, err)
	}
	res.Body.Close()

	res, err = http.Get(ts.URL + "/api/stats")
	if err != nil || res.StatusCode != http.StatusOK {
		t.Fatalf("/api/stats = (%v, %v), want 200", res, err)
	}
	res.Body.Close()
}

func TestOriginFilter(t *testing.T) {
	ts := newTestRelay(t, []string{"https://app.example"})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	// Disallowed browser origin is refused at the HTTP layer.
	header := http.Header{"Origin": []string{"https://evil.example"}}
	if _, res, err := websocket.DefaultDialer.Dial(url, header); err == nil {
		t.Error("dial with disallowed origin succeeded")
	} else if res != nil && res.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", res.StatusCode)
	}

	// No Origin header (native client) passes.
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial without origin failed: %v", err)
	}
	conn.Close()
}

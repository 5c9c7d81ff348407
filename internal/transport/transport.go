// Package transport is the client's persistent, ordered signaling
// channel. The negotiation engine never touches the websocket directly;
// it sees only send, receive-by-type, and connection-lost.
package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/roomcall/internal/protocol"
)

const writeTimeout = 10 * time.Second

// Handler consumes one inbound envelope of a registered type.
type Handler func(env *protocol.Envelope)

// Transport wraps one websocket connection. Messages of one type are
// delivered in arrival order; registration must finish before Run.
type Transport struct {
	url  string
	log  *zap.Logger
	conn *websocket.Conn

	writeMu  sync.Mutex
	handlers map[protocol.Type]Handler
	onLost   func(error)
	closed   atomic.Bool
}

// Dial connects to the relay, retrying with exponential backoff until
// ctx is cancelled or the backoff gives up.
func Dial(ctx context.Context, url string, log *zap.Logger) (*Transport, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("transport")

	var conn *websocket.Conn
	op := func() error {
		c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			log.Warn("dial failed, will retry", zap.String("url", url), zap.Error(err))
			return err
		}
		conn = c
		return nil
	}

	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = 500 * time.Millisecond
	ebo.MaxInterval = 10 * time.Second
	ebo.MaxElapsedTime = 2 * time.Minute
	if err := backoff.Retry(op, backoff.WithContext(ebo, ctx)); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	log.Info("connected to signaling relay", zap.String("url", url))
	return &Transport{
		url:      url,
		log:      log,
		conn:     conn,
		handlers: make(map[protocol.Type]Handler),
	}, nil
}

// On registers the handler for one message type. Not safe to call once
// Run has started.
func (t *Transport) On(msgType protocol.Type, h Handler) {
	t.handlers[msgType] = h
}

// OnLost registers the connection-lost notification. It fires at most
// once and never after Close.
func (t *Transport) OnLost(fn func(error)) {
	t.onLost = fn
}

// Send encodes and writes one message. Writes are serialized; the
// transport preserves send order to any one receiver.
func (t *Transport) Send(msgType protocol.Type, payload any) error {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", msgType, err)
	}
	return nil
}

// Run reads frames and dispatches them by type until the connection
// drops or Close is called. It returns the read error on loss, nil on
// deliberate close.
func (t *Transport) Run() error {
	for {
		_, frame, err := t.conn.ReadMessage()
		if err != nil {
			if t.closed.Load() {
				return nil
			}
			t.log.Warn("signaling connection lost", zap.Error(err))
			if t.onLost != nil {
				t.onLost(err)
			}
			return err
		}

		env, err := protocol.Decode(frame)
		if err != nil {
			t.log.Warn("discarding malformed frame", zap.Error(err))
			continue
		}
		h, ok := t.handlers[env.Type]
		if !ok {
			t.log.Debug("no handler for message type", zap.String("type", string(env.Type)))
			continue
		}
		h(env)
	}
}

// Close shuts the connection down without firing the lost callback.
func (t *Transport) Close() error {
	t.closed.Store(true)
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.conn.Close()
}

package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/roomcall/internal/protocol"
)

// client is one websocket connection. The read pump feeds frames into
// the hub's dispatch loop; the write pump serializes outbound frames
// and keepalive pings.
type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	out  chan []byte
	log  *zap.Logger

	closeOnce sync.Once
}

func newClient(id string, hub *Hub, conn *websocket.Conn) *client {
	return &client{
		id:   id,
		hub:  hub,
		conn: conn,
		out:  make(chan []byte, hub.cfg.SendBuffer),
		log:  hub.log.With(zap.String("user", id)),
	}
}

// send encodes and queues one message. A client whose buffer stays full
// loses frames rather than stalling the dispatch loop.
func (c *client) send(t protocol.Type, payload any) {
	data, err := protocol.Encode(t, payload)
	if err != nil {
		c.log.Error("failed to encode message", zap.String("type", string(t)), zap.Error(err))
		return
	}
	select {
	case c.out <- data:
	default:
		c.log.Warn("send buffer full, dropping frame", zap.String("type", string(t)))
	}
}

func (c *client) sendError(message string) {
	c.send(protocol.TypeError, protocol.ErrorMessage{Message: message})
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

func (c *client) readPump() {
	defer func() {
		c.hub.post(event{kind: eventUnregister, client: c})
		c.close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		env, err := protocol.Decode(frame)
		if err != nil {
			c.sendError(err.Error())
			continue
		}
		c.hub.post(event{kind: eventMessage, client: c, env: env})
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame, ok := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Warn("websocket write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

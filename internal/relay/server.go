package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware.
		return true
	},
}

// TURNStatus is implemented by the embedded TURN server so /api/stats
// can report its state without the relay importing it.
type TURNStatus interface {
	GetState() string
}

// Server is the relay's HTTP surface: the websocket signaling endpoint
// plus read-only informational endpoints.
type Server struct {
	hub    *Hub
	turn   TURNStatus
	log    *zap.Logger
	router *gin.Engine
}

func NewServer(hub *Hub, allowedOrigins []string, turn TURNStatus, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{hub: hub, turn: turn, log: log.Named("http")}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(originFilter(allowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/ws", s.handleSignaling)

	api := router.Group("/api")
	{
		api.GET("/rooms/:roomId", s.handleRoomInfo)
		api.GET("/stats", s.handleStats)
	}

	s.router = router
	return s
}

// Run blocks serving HTTP until the listener fails or ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	s.log.Info("signaling relay listening", zap.String("addr", addr))
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// handleSignaling upgrades the connection, mints the user id, and hands
// the socket to the hub. The user record exists before the first frame
// from this connection can be dispatched, because registration goes
// through the same ordered inbound channel.
func (s *Server) handleSignaling(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	userID := uuid.New().String()
	cl := newClient(userID, s.hub, conn)
	s.hub.post(event{kind: eventRegister, client: cl})

	go cl.writePump()
	go cl.readPump()
}

func (s *Server) handleRoomInfo(c *gin.Context) {
	roomID := c.Param("roomId")
	room, ok := s.hub.registry.RoomInfo(roomID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":          room.ID,
		"type":        room.Type,
		"createdAt":   room.CreatedAt,
		"memberCount": s.hub.registry.MemberCount(roomID),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	rooms, users := s.hub.registry.Counts()
	stats := gin.H{"rooms": rooms, "users": users}
	if s.turn != nil {
		stats["turn"] = s.turn.GetState()
	}
	c.JSON(http.StatusOK, stats)
}

// originFilter rejects browser connections from origins outside the
// allow list. Requests without an Origin header (native clients) pass.
func originFilter(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			origin = c.GetHeader("Sec-WebSocket-Origin")
		}
		if origin == "" {
			c.Next()
			return
		}

		allowed := false
		for _, a := range allowedOrigins {
			if origin == a {
				allowed = true
				break
			}
		}
		if !allowed {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
			return
		}

		c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

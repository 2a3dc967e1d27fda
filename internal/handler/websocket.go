package handler

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"syncd/internal/auth"
	"syncd/internal/hub"
	"syncd/internal/wire"
)

// maxGarbageFrames is how many unparseable envelopes a connection may send
// before it is treated as protocol corruption and closed.
const maxGarbageFrames = 3

const writeWait = 10 * time.Second

type WebSocketHandler struct {
	Manager     *hub.Manager
	TokenConfig auth.TokenConfig
	Log         zerolog.Logger
	IdleTimeout time.Duration
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsSocket serializes writes to one gorilla connection; the actor and the
// read loop may both send on it.
type wsSocket struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSocket) WriteJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(v)
}

func (s *wsSocket) Close() error {
	return s.conn.Close()
}

func (h *WebSocketHandler) Serve(c *gin.Context) {
	tokenString := c.Query("token")
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": wire.CodeAuthenticationFailed})
		return
	}
	claims, err := auth.VerifyToken(tokenString, h.TokenConfig)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": wire.CodeAuthenticationFailed})
		return
	}

	deviceID := c.Query("deviceId")
	if deviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": wire.CodeValidation})
		return
	}

	idle := h.IdleTimeout
	if idle <= 0 {
		idle = 60 * time.Second
	}
	pingPeriod := (idle * 9) / 10

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	sock := &wsSocket{conn: ws}
	conn := h.Manager.Attach(claims.AccountID, deviceID, sock)
	defer func() {
		h.Manager.Detach(conn)
		_ = ws.Close()
	}()

	ws.SetReadLimit(1024 * 1024)
	_ = ws.SetReadDeadline(time.Now().Add(idle))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(idle))
	})

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(writeWait)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					_ = ws.Close()
					return
				}
			}
		}
	}()

	garbage := 0
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(idle))

		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			garbage++
			_ = sock.WriteJSON(wire.NewError("", wire.CodeValidation, "unparseable envelope"))
			if garbage >= maxGarbageFrames {
				h.Log.Warn().Str("account", claims.AccountID).Str("device", deviceID).Msg("closing connection after repeated protocol errors")
				return
			}
			continue
		}

		h.Manager.Receive(conn, env)
	}
}

package ws

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// 默认只允许本地开发环境的来源
var defaultAllowedOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

type Manager struct {
	h        *Hub
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func NewManager(h *Hub, log zerolog.Logger, allowedOrigins []string) *Manager {
	if len(allowedOrigins) == 0 {
		allowedOrigins = defaultAllowedOrigins
	}
	m := &Manager{h: h, log: log}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
				return true
			}
			for _, p := range allowedOrigins {
				if p == "*" || strings.HasPrefix(origin, p) {
					return true
				}
			}
			return false
		},
	}
	return m
}

// JoinParams 从请求里解析房间和身份：鉴权中间件写入的上下文优先，其次是 query
func JoinParams(c *gin.Context) (RoomID, Participant, bool) {
	var room RoomID
	if id := c.Query("submissionId"); id != "" {
		room = SubmissionRoom(id)
	} else if id := c.Query("documentId"); id != "" {
		room = DocumentRoom(id)
	}

	p := Participant{
		UserID:    firstNonEmpty(c.GetString("userId"), c.Query("userId")),
		UserName:  firstNonEmpty(c.GetString("userName"), c.Query("userName")),
		UserEmail: firstNonEmpty(c.GetString("userEmail"), c.Query("userEmail")),
	}
	ok := room.Valid() && p.UserID != "" && p.UserName != ""
	return room, p, ok
}

func (m *Manager) WebSocketConnect(c *gin.Context) {
	room, p, ok := JoinParams(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "submissionId or documentId, userId and userName are required"})
		return
	}

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.log.Warn().Err(err).Str("origin", c.Request.Header.Get("Origin")).Msg("websocket upgrade error")
		return
	}

	log := m.log.With().Str("room", room.String()).Str("user_id", p.UserID).Logger()
	wsConn := NewConn(conn, m.h, log)
	// 阻塞至连接关闭
	if err := wsConn.Serve(room, p); err != nil {
		log.Warn().Err(err).Msg("join refused")
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

package handlers

import (
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"collabReview/backend/internal/httpapi/middleware"
	"collabReview/backend/internal/tracked"
	"collabReview/backend/internal/ws"
)

// 审批 / 撤销需要的角色
var reviewerRoles = []string{"admin", "editor"}

// Handlers 是 HTTP 层的薄胶水：调用变更引擎，成功后把通知推进对应房间
type Handlers struct {
	engine *tracked.Engine
	hub    *ws.Hub
	log    zerolog.Logger
	now    func() time.Time
}

func New(engine *tracked.Engine, hub *ws.Hub, log zerolog.Logger) *Handlers {
	return &Handlers{engine: engine, hub: hub, log: log, now: time.Now}
}

// Register 挂载 /collab 下除 websocket 以外的业务路由
func (h *Handlers) Register(g *gin.RouterGroup) {
	g.GET("/rooms", h.ListRooms)
	g.GET("/rooms/:kind/:id", h.GetRoom)
	g.POST("/rooms/:kind/:id", h.PostRoom)

	g.POST("/submissions/:submissionId/changes", h.CreateChange)
	g.GET("/submissions/:submissionId/changes", h.ListChanges)
	g.GET("/submissions/:submissionId/fields/:field/proposed", h.GetProposed)
	g.POST("/submissions/:submissionId/fields/:field/proposed/rich", h.ResolveRichText)

	g.GET("/changes/:changeId", h.GetChange)
	g.PUT("/changes/:changeId/status", h.UpdateStatus)
	g.POST("/changes/:changeId/undo", h.Undo)
	g.POST("/changes/:changeId/comments", h.AddComment)
	g.GET("/changes/:changeId/comments", h.ListComments)

	g.GET("/history", h.History)
}

func actorFrom(c *gin.Context) tracked.Actor {
	return tracked.Actor{ID: c.GetString(middleware.CtxUserID), Name: c.GetString(middleware.CtxUserName)}
}

func requireRole(c *gin.Context, roles ...string) bool {
	if slices.Contains(roles, c.GetString(middleware.CtxRole)) {
		return true
	}
	c.JSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
	return false
}

// writeError 把引擎的哨兵错误映射成 HTTP 状态码
func (h *Handlers) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, tracked.ErrChangeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, tracked.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, tracked.ErrInvalidStatus),
		errors.Is(err, tracked.ErrEmptyComment),
		errors.Is(err, tracked.ErrMissingField),
		errors.Is(err, tracked.ErrInvalidSubmissionID):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// notify 向 submission 房间推送一条服务端消息，失败只记日志
func (h *Handlers) notify(submissionID, typ string, data any) {
	room := ws.SubmissionRoom(submissionID)
	msg, err := ws.BuildPushMessage(room, typ, data, h.now().UTC())
	if err != nil {
		h.log.Warn().Err(err).Str("type", typ).Msg("build push message failed")
		return
	}
	n := h.hub.Broadcast(room, msg)
	h.log.Debug().Str("room", room.String()).Str("type", typ).Int("delivered", n).Msg("pushed")
}

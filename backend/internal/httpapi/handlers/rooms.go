package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"collabReview/backend/internal/ws"
)

const maxPushBody = 1 << 20

func roomFromPath(c *gin.Context) (ws.RoomID, bool) {
	kind, ok := ws.ParseRoomKind(c.Param("kind"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room kind must be document or submission"})
		return ws.RoomID{}, false
	}
	room := ws.RoomID{Kind: kind, ID: c.Param("id")}
	if !room.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room id is required"})
		return ws.RoomID{}, false
	}
	return room, true
}

func (h *Handlers) ListRooms(c *gin.Context) {
	rooms, err := h.hub.Rooms(c.Request.Context())
	if err != nil {
		if errors.Is(err, ws.ErrHubClosed) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		h.log.Warn().Err(err).Msg("list rooms from presence failed")
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// GetRoom 返回 {roomId, users, userCount}
func (h *Handlers) GetRoom(c *gin.Context) {
	room, ok := roomFromPath(c)
	if !ok {
		return
	}
	snap, err := h.hub.Snapshot(c.Request.Context(), room)
	if err != nil {
		if errors.Is(err, ws.ErrHubClosed) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		// presence 镜像不可用时只返回本进程的视图
		h.log.Warn().Err(err).Str("room", room.String()).Msg("snapshot from presence failed")
	}
	c.JSON(http.StatusOK, snap)
}

// PostRoom 把请求体原样广播到房间
func (h *Handlers) PostRoom(c *gin.Context) {
	room, ok := roomFromPath(c)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPushBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body failed"})
		return
	}
	msg, err := ws.NewPushMessage(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a JSON object with a type field"})
		return
	}
	delivered := h.hub.Broadcast(room, msg)
	c.JSON(http.StatusOK, gin.H{"roomId": room.ID, "delivered": delivered})
}

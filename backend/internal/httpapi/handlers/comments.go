package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"collabReview/backend/internal/tracked"
	"collabReview/backend/internal/ws"
)

type addCommentReq struct {
	Content string `json:"content"`
}

func (h *Handlers) AddComment(c *gin.Context) {
	var req addCommentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cm, err := h.engine.AddComment(c.Request.Context(), c.Param("changeId"), req.Content, actorFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.notify(cm.SubmissionID, ws.TypeCommentAdded, cm)
	c.JSON(http.StatusCreated, cm)
}

func (h *Handlers) ListComments(c *gin.Context) {
	comments, err := h.engine.ListComments(c.Request.Context(), c.Param("changeId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if comments == nil {
		comments = []tracked.ChangeComment{}
	}
	c.JSON(http.StatusOK, gin.H{"comments": comments})
}

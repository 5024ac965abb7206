package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"collabReview/backend/internal/tracked"
	"collabReview/backend/internal/ws"
)

type createChangeReq struct {
	Field            string `json:"field" binding:"required"`
	OldValue         string `json:"oldValue"`
	NewValue         string `json:"newValue"`
	RichTextOldValue string `json:"richTextOldValue"`
	RichTextNewValue string `json:"richTextNewValue"`
}

type updateStatusReq struct {
	Status tracked.Status `json:"status" binding:"required"`
}

type richTextReq struct {
	Document string `json:"document"`
}

// content_updated 推送的 data 部分
type contentUpdate struct {
	Action string                 `json:"action"`
	Change *tracked.TrackedChange `json:"change"`
}

func (h *Handlers) CreateChange(c *gin.Context) {
	var req createChangeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	change, err := h.engine.CreateTrackedChange(c.Request.Context(), tracked.NewChange{
		SubmissionID:     c.Param("submissionId"),
		Field:            req.Field,
		OldValue:         req.OldValue,
		NewValue:         req.NewValue,
		Author:           actorFrom(c),
		RichTextOldValue: req.RichTextOldValue,
		RichTextNewValue: req.RichTextNewValue,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.notify(change.SubmissionID, ws.TypeContentUpdated, contentUpdate{Action: "created", Change: change})
	c.JSON(http.StatusCreated, change)
}

// ListChanges 支持 ?field= 只看某个字段
func (h *Handlers) ListChanges(c *gin.Context) {
	sub := c.Param("submissionId")
	var (
		changes []tracked.TrackedChange
		err     error
	)
	if field := c.Query("field"); field != "" {
		changes, err = h.engine.ListFieldChanges(c.Request.Context(), sub, field)
	} else {
		changes, err = h.engine.ListChanges(c.Request.Context(), sub)
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	if changes == nil {
		changes = []tracked.TrackedChange{}
	}
	c.JSON(http.StatusOK, gin.H{"changes": changes})
}

func (h *Handlers) GetProposed(c *gin.Context) {
	sub, field := c.Param("submissionId"), c.Param("field")
	ctx := c.Request.Context()

	text, ok, err := h.engine.GetCompleteProposedVersion(ctx, sub, field)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no proposed version"})
		return
	}
	rich, _, err := h.engine.GetCompleteRichTextProposedVersion(ctx, sub, field)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"field": field, "text": text, "richText": rich})
}

// ResolveRichText 把最新提议合并进调用方给的原始富文本文档
func (h *Handlers) ResolveRichText(c *gin.Context) {
	var req richTextReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	field := c.Param("field")
	doc, ok, err := h.engine.ResolveRichTextProposedVersion(c.Request.Context(), c.Param("submissionId"), field, req.Document)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no proposed version"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"field": field, "document": doc})
}

func (h *Handlers) GetChange(c *gin.Context) {
	change, err := h.engine.GetChange(c.Request.Context(), c.Param("changeId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, change)
}

func (h *Handlers) UpdateStatus(c *gin.Context) {
	if !requireRole(c, reviewerRoles...) {
		return
	}
	var req updateStatusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	change, err := h.engine.UpdateChangeStatus(c.Request.Context(), c.Param("changeId"), req.Status, actorFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.notify(change.SubmissionID, ws.TypeContentUpdated, contentUpdate{Action: string(change.Status), Change: change})
	c.JSON(http.StatusOK, change)
}

func (h *Handlers) Undo(c *gin.Context) {
	if !requireRole(c, reviewerRoles...) {
		return
	}
	change, err := h.engine.UndoChange(c.Request.Context(), c.Param("changeId"), actorFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.notify(change.SubmissionID, ws.TypeContentUpdated, contentUpdate{Action: "undone", Change: change})
	c.JSON(http.StatusOK, change)
}

// History 的 start/end 接受 RFC3339 或 2006-01-02；只给日期的 end 取当天最后一刻
func (h *Handlers) History(c *gin.Context) {
	start, err := parseBound(c.Query("start"), false)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start: " + err.Error()})
		return
	}
	end, err := parseBound(c.Query("end"), true)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end: " + err.Error()})
		return
	}
	hist, err := h.engine.GetChangeHistory(c.Request.Context(), tracked.HistoryFilter{
		Start:  start,
		End:    end,
		UserID: c.Query("userId"),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, hist)
}

func parseBound(s string, endOfDay bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		d = d.Add(24*time.Hour - time.Nanosecond)
	}
	return d, nil
}

package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/quire/internal/comments"
	"github.com/MarcoPoloResearchLab/quire/internal/notify"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type createCommentPayload struct {
	From int    `json:"from"`
	To   int    `json:"to"`
	Text string `json:"text"`
}

type commentsResponsePayload struct {
	Comments []comments.Comment `json:"comments"`
}

type notificationsResponsePayload struct {
	Notifications []notify.Notification `json:"notifications"`
}

func (h *httpHandler) handleListComments(c *gin.Context) {
	documentID := c.Param("id")
	listed, err := h.comments.List(c.Request.Context(), principalFrom(c), documentID)
	if err != nil {
		h.respondCommentError(c, documentID, err)
		return
	}
	if listed == nil {
		listed = []comments.Comment{}
	}
	c.JSON(http.StatusOK, commentsResponsePayload{Comments: listed})
}

func (h *httpHandler) handleCreateComment(c *gin.Context) {
	principal, ok := requireUser(c)
	if !ok {
		return
	}
	documentID := c.Param("id")

	var request createCommentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	comment, err := h.comments.Create(c.Request.Context(), principal, comments.CreateRequest{
		DocumentID: documentID,
		From:       request.From,
		To:         request.To,
		Text:       request.Text,
	})
	if errors.Is(err, comments.ErrContentPending) {
		c.JSON(http.StatusAccepted, gin.H{"comment": comment, "error": "content_write_pending"})
		return
	}
	if err != nil {
		h.respondCommentError(c, documentID, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"comment": comment})
}

func (h *httpHandler) handleDeleteComment(c *gin.Context) {
	principal, ok := requireUser(c)
	if !ok {
		return
	}
	documentID := c.Param("id")

	err := h.comments.Delete(c.Request.Context(), principal, documentID, c.Param("commentId"))
	if errors.Is(err, comments.ErrContentPending) {
		c.JSON(http.StatusAccepted, gin.H{"error": "content_write_pending"})
		return
	}
	if err != nil {
		h.respondCommentError(c, documentID, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) respondCommentError(c *gin.Context, documentID string, err error) {
	switch {
	case errors.Is(err, comments.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, comments.ErrCommentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, comments.ErrEmptyText):
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_text"})
	case errors.Is(err, comments.ErrInvalidAnchor), errors.Is(err, comments.ErrAnchorOutOfRange):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_anchor"})
	default:
		h.logger.Error("comment request failed", zap.String("document_id", documentID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "comment_failed"})
	}
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	principal, ok := requireUser(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	listed, err := h.notifications.ListForRecipient(c.Request.Context(), principal.Email, limit)
	if errors.Is(err, notify.ErrMissingRecipient) {
		c.JSON(http.StatusOK, notificationsResponsePayload{Notifications: []notify.Notification{}})
		return
	}
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	if listed == nil {
		listed = []notify.Notification{}
	}
	c.JSON(http.StatusOK, notificationsResponsePayload{Notifications: listed})
}

func (h *httpHandler) handleMarkNotificationRead(c *gin.Context) {
	principal, ok := requireUser(c)
	if !ok {
		return
	}
	err := h.notifications.MarkRead(c.Request.Context(), principal.Email, c.Param("id"))
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, notify.ErrMissingRecipient):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case err != nil:
		h.logger.Error("failed to mark notification read", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
	default:
		c.Status(http.StatusNoContent)
	}
}

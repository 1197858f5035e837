package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/quire/internal/documents"
	"github.com/MarcoPoloResearchLab/quire/internal/notify"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type createDocumentPayload struct {
	DocumentID      string `json:"id"`
	Title           string `json:"title"`
	Content         string `json:"content"`
	AnyoneCanAccess bool   `json:"anyoneCanAccess"`
	AnyoneCanEdit   bool   `json:"anyoneCanEdit"`
}

type documentPayload struct {
	DocumentID      string `json:"id"`
	Title           string `json:"title"`
	OwnerID         string `json:"ownerId"`
	Content         string `json:"content"`
	UpdatedAtMillis int64  `json:"updatedAt"`
	LastUpdatedBy   string `json:"lastUpdatedBy"`
	AnyoneCanAccess bool   `json:"anyoneCanAccess"`
	AnyoneCanEdit   bool   `json:"anyoneCanEdit"`
	Access          string `json:"access"`
}

type grantPayload struct {
	Email      string `json:"email"`
	Permission string `json:"permission"`
}

type collaboratorPayload struct {
	DocumentID    string `json:"docId"`
	Email         string `json:"email"`
	Permission    string `json:"permission"`
	AddedAtMillis int64  `json:"addedAt"`
}

func newDocumentPayload(doc documents.Document, verdict documents.Verdict) documentPayload {
	return documentPayload{
		DocumentID:      doc.DocumentID,
		Title:           doc.Title,
		OwnerID:         doc.OwnerID,
		Content:         doc.Content,
		UpdatedAtMillis: doc.UpdatedAtMillis,
		LastUpdatedBy:   doc.LastUpdatedBy,
		AnyoneCanAccess: doc.AnyoneCanAccess,
		AnyoneCanEdit:   doc.AnyoneCanEdit,
		Access:          verdict.String(),
	}
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	principal, ok := requireUser(c)
	if !ok {
		return
	}

	var request createDocumentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	doc, err := h.documents.Create(c.Request.Context(), documents.CreateRequest{
		DocumentID:      request.DocumentID,
		Title:           request.Title,
		OwnerID:         principal.UserID,
		Content:         request.Content,
		AnyoneCanAccess: request.AnyoneCanAccess,
		AnyoneCanEdit:   request.AnyoneCanEdit,
	})
	if err != nil {
		if errors.Is(err, documents.ErrInvalidDocumentID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
			return
		}
		h.logger.Error("failed to create document", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}
	c.JSON(http.StatusCreated, newDocumentPayload(doc, documents.VerdictEdit))
}

// handleGetDocument serves the late-joiner refresh path: the row plus the freshest
// content this instance holds, which may include edits not yet written.
func (h *httpHandler) handleGetDocument(c *gin.Context) {
	documentID := c.Param("id")
	ctx := c.Request.Context()

	doc, err := h.documents.Get(ctx, documentID)
	if errors.Is(err, documents.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load document", zap.String("document_id", documentID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read_failed"})
		return
	}
	collaborators, err := h.documents.Collaborators(ctx, documentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read_failed"})
		return
	}
	verdict := documents.Evaluate(doc, collaborators, principalFrom(c))
	if !verdict.CanView() {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	content, err := h.content.Current(ctx, documentID)
	if err != nil {
		h.logger.Warn("falling back to stored content", zap.String("document_id", documentID), zap.Error(err))
		content = doc.Content
	}
	doc.Content = content
	c.JSON(http.StatusOK, newDocumentPayload(doc, verdict))
}

func (h *httpHandler) handleGrantCollaborator(c *gin.Context) {
	principal, ok := requireUser(c)
	if !ok {
		return
	}
	documentID := c.Param("id")
	ctx := c.Request.Context()

	var request grantPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Email) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	permission, err := documents.NewPermission(request.Permission)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_permission"})
		return
	}

	doc, err := h.documents.Get(ctx, documentID)
	if errors.Is(err, documents.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read_failed"})
		return
	}
	if doc.OwnerID != principal.UserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	collaborator, err := h.documents.Grant(ctx, documentID, request.Email, permission, principal.UserID)
	if err != nil {
		if errors.Is(err, documents.ErrInvalidEmail) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_email"})
			return
		}
		h.logger.Error("failed to grant collaborator", zap.String("document_id", documentID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "grant_failed"})
		return
	}

	_, err = h.notifications.Notify(ctx, notify.Notification{
		RecipientEmail: collaborator.Email,
		SenderEmail:    principal.Email,
		DocumentID:     documentID,
		DocumentTitle:  doc.Title,
		Permission:     string(collaborator.Permission),
		Kind:           notify.KindShare,
	})
	if err != nil {
		h.logger.Warn("share notification failed", zap.String("document_id", documentID), zap.Error(err))
	}

	c.JSON(http.StatusOK, collaboratorPayload{
		DocumentID:    collaborator.DocumentID,
		Email:         collaborator.Email,
		Permission:    string(collaborator.Permission),
		AddedAtMillis: collaborator.AddedAtMillis,
	})
}

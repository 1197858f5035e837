package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/auth"
	"github.com/MarcoPoloResearchLab/quire/internal/collab"
	"github.com/MarcoPoloResearchLab/quire/internal/comments"
	"github.com/MarcoPoloResearchLab/quire/internal/documents"
	"github.com/MarcoPoloResearchLab/quire/internal/notify"
	"github.com/MarcoPoloResearchLab/quire/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const principalContextKey = "quire_principal"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUsers            = errors.New("user resolver dependency required")
	errMissingDocuments        = errors.New("document store dependency required")
	errMissingContent          = errors.New("content source dependency required")
	errMissingComments         = errors.New("comments service dependency required")
	errMissingNotifications    = errors.New("notification service dependency required")
	errMissingHub              = errors.New("collaboration hub dependency required")
)

// SessionValidator authenticates browser requests and WebSocket upgrades.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// PrincipalResolver maps validated claims onto the canonical user.
type PrincipalResolver interface {
	ResolvePrincipal(claims auth.SessionClaims) (users.Principal, error)
}

// ContentSource returns the freshest content of a document, unsaved edits included.
type ContentSource interface {
	Current(ctx context.Context, documentID string) (string, error)
}

type Dependencies struct {
	SessionValidator SessionValidator
	Users            PrincipalResolver
	Documents        *documents.Store
	Content          ContentSource
	Comments         *comments.Service
	Notifications    *notify.Service
	Hub              *collab.Hub
	IDProvider       documents.IDProvider
	AllowedOrigins   []string
	SendBuffer       int
	Logger           *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.SessionValidator == nil:
		return nil, errMissingSessionValidator
	case deps.Users == nil:
		return nil, errMissingUsers
	case deps.Documents == nil:
		return nil, errMissingDocuments
	case deps.Content == nil:
		return nil, errMissingContent
	case deps.Comments == nil:
		return nil, errMissingComments
	case deps.Notifications == nil:
		return nil, errMissingNotifications
	case deps.Hub == nil:
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idProvider := deps.IDProvider
	if idProvider == nil {
		idProvider = documents.NewUUIDProvider()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:      deps.SessionValidator,
		users:         deps.Users,
		documents:     deps.Documents,
		content:       deps.Content,
		comments:      deps.Comments,
		notifications: deps.Notifications,
		hub:           deps.Hub,
		idProvider:    idProvider,
		sendBuffer:    deps.SendBuffer,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)

	identified := router.Group("/")
	identified.Use(handler.identifyRequest)
	identified.GET("/ws", handler.handleWebSocket)
	identified.GET("/documents/:id", handler.handleGetDocument)
	identified.POST("/documents", handler.handleCreateDocument)
	identified.POST("/documents/:id/collaborators", handler.handleGrantCollaborator)
	identified.GET("/documents/:id/comments", handler.handleListComments)
	identified.POST("/documents/:id/comments", handler.handleCreateComment)
	identified.DELETE("/documents/:id/comments/:commentId", handler.handleDeleteComment)
	identified.GET("/notifications", handler.handleListNotifications)
	identified.POST("/notifications/:id/read", handler.handleMarkNotificationRead)

	return router, nil
}

type httpHandler struct {
	sessions      SessionValidator
	users         PrincipalResolver
	documents     *documents.Store
	content       ContentSource
	comments      *comments.Service
	notifications *notify.Service
	hub           *collab.Hub
	idProvider    documents.IDProvider
	sendBuffer    int
	logger        *zap.Logger
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// identifyRequest attaches the caller's principal. Requests without a session
// token continue anonymously; a presented but unusable token is refused.
func (h *httpHandler) identifyRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if errors.Is(err, auth.ErrMissingSessionToken) {
		c.Set(principalContextKey, users.Principal{})
		c.Next()
		return
	}
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	principal, err := h.users.ResolvePrincipal(claims)
	if err != nil {
		h.logger.Warn("principal resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(principalContextKey, principal)
	c.Next()
}

func principalFrom(c *gin.Context) users.Principal {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return users.Principal{}
	}
	principal, _ := value.(users.Principal)
	return principal
}

// requireUser aborts anonymous callers and reports whether the handler may continue.
func requireUser(c *gin.Context) (users.Principal, bool) {
	principal := principalFrom(c)
	if principal.Anonymous() {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return users.Principal{}, false
	}
	return principal, true
}

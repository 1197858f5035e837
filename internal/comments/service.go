// Package comments stores position-anchored comments and keeps their inline
// marks in the document content in step with the comment rows.
package comments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/documents"
	"github.com/MarcoPoloResearchLab/quire/internal/notify"
	"github.com/MarcoPoloResearchLab/quire/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opCreate = "comments.create"
	opDelete = "comments.delete"
	opList   = "comments.list"
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// DocumentDirectory answers document metadata and access questions.
type DocumentDirectory interface {
	Get(ctx context.Context, documentID string) (documents.Document, error)
	Collaborators(ctx context.Context, documentID string) ([]documents.Collaborator, error)
	Verdict(ctx context.Context, documentID string, principal users.Principal) (documents.Verdict, error)
}

// ContentWriter is the persistence path for marked content.
type ContentWriter interface {
	Current(ctx context.Context, documentID string) (string, error)
	Edit(documentID, content, actor, origin string) bool
	Flush(ctx context.Context, documentID string) error
}

// Broadcaster pushes server-produced content to a document room.
type Broadcaster interface {
	BroadcastContent(documentID, content, senderID string) int
}

// Notifier records mention notifications.
type Notifier interface {
	Notify(ctx context.Context, notification notify.Notification) (notify.Notification, error)
}

// IDProvider issues comment identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type ServiceConfig struct {
	Database    *gorm.DB
	Documents   DocumentDirectory
	Content     ContentWriter
	Broadcaster Broadcaster
	Notifier    Notifier
	IDProvider  IDProvider
	Clock       func() time.Time
	Logger      *zap.Logger
}

type Service struct {
	db          *gorm.DB
	documents   DocumentDirectory
	content     ContentWriter
	broadcaster Broadcaster
	notifier    Notifier
	idProvider  IDProvider
	clock       func() time.Time
	logger      *zap.Logger

	// serializes read-mark-write per document
	locks sync.Map
}

func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Database == nil:
		return nil, errors.New("comments: database handle is required")
	case cfg.Documents == nil:
		return nil, errors.New("comments: document directory is required")
	case cfg.Content == nil:
		return nil, errors.New("comments: content writer is required")
	case cfg.IDProvider == nil:
		return nil, errors.New("comments: id provider is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:          cfg.Database,
		documents:   cfg.Documents,
		content:     cfg.Content,
		broadcaster: cfg.Broadcaster,
		notifier:    cfg.Notifier,
		idProvider:  cfg.IDProvider,
		clock:       clock,
		logger:      logger,
	}, nil
}

// CreateRequest anchors a new comment to [From, To) of the current content.
type CreateRequest struct {
	DocumentID string
	From       int
	To         int
	Text       string
}

// Create stores a comment, marks its anchor in the content, writes and broadcasts
// the marked content, then notifies mentioned collaborators. A comment whose marked
// content could not be written yet is returned together with ErrContentPending.
func (s *Service) Create(ctx context.Context, principal users.Principal, request CreateRequest) (Comment, error) {
	if err := s.authorizeEdit(ctx, opCreate, request.DocumentID, principal); err != nil {
		return Comment{}, err
	}
	text := strings.TrimSpace(request.Text)
	if text == "" {
		return Comment{}, newServiceError(opCreate, "empty_text", ErrEmptyText)
	}
	if request.From < 0 || request.To <= request.From {
		return Comment{}, newServiceError(opCreate, "invalid_anchor", ErrInvalidAnchor)
	}

	commentID, err := s.idProvider.NewID()
	if err != nil {
		return Comment{}, newServiceError(opCreate, "id_generation_failed", err)
	}
	comment := Comment{
		CommentID:       commentID,
		DocumentID:      request.DocumentID,
		AnchorFrom:      request.From,
		AnchorTo:        request.To,
		Text:            text,
		AuthorID:        principal.UserID,
		AuthorDisplay:   principal.Label(),
		Status:          StatusOpen,
		CreatedAtMillis: s.clock().UTC().UnixMilli(),
	}

	unlock := s.lock(request.DocumentID)
	current, err := s.content.Current(ctx, request.DocumentID)
	if err != nil {
		unlock()
		return Comment{}, newServiceError(opCreate, "content_read_failed", err)
	}
	marked, err := ApplyMark(current, comment.AnchorFrom, comment.AnchorTo, Mark{
		CommentID: comment.CommentID,
		Author:    comment.AuthorID,
		Status:    StatusOpen,
	})
	if err != nil {
		unlock()
		return Comment{}, newServiceError(opCreate, "mark_failed", err)
	}
	if err := s.db.WithContext(ctx).Create(&comment).Error; err != nil {
		unlock()
		s.logError(opCreate, "insert_failed", err, zap.String("document_id", comment.DocumentID))
		return Comment{}, newServiceError(opCreate, "insert_failed", err)
	}
	s.content.Edit(comment.DocumentID, marked, principal.UserID, "")
	unlock()

	s.broadcast(comment.DocumentID, marked, principal.UserID)
	writeErr := s.content.Flush(ctx, comment.DocumentID)
	s.notifyMentions(ctx, principal, comment)

	if writeErr != nil {
		s.logger.Warn("comment content write pending",
			zap.String("document_id", comment.DocumentID),
			zap.String("comment_id", comment.CommentID),
			zap.Error(writeErr))
		return comment, newServiceError(opCreate, "content_write_pending", fmt.Errorf("%w: %v", ErrContentPending, writeErr))
	}
	return comment, nil
}

// Delete removes a comment and strips every mark carrying its id from the content.
func (s *Service) Delete(ctx context.Context, principal users.Principal, documentID, commentID string) error {
	if err := s.authorizeEdit(ctx, opDelete, documentID, principal); err != nil {
		return err
	}

	unlock := s.lock(documentID)
	result := s.db.WithContext(ctx).
		Where("document_id = ? AND comment_id = ?", documentID, commentID).
		Delete(&Comment{})
	if result.Error != nil {
		unlock()
		s.logError(opDelete, "delete_failed", result.Error, zap.String("document_id", documentID))
		return newServiceError(opDelete, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		unlock()
		return ErrCommentNotFound
	}

	current, err := s.content.Current(ctx, documentID)
	if err != nil {
		unlock()
		return newServiceError(opDelete, "content_read_failed", err)
	}
	stripped, removed, err := StripMark(current, commentID)
	if err != nil {
		unlock()
		return newServiceError(opDelete, "strip_failed", err)
	}
	if removed == 0 {
		unlock()
		return nil
	}
	s.content.Edit(documentID, stripped, principal.UserID, "")
	unlock()

	s.broadcast(documentID, stripped, principal.UserID)
	if err := s.content.Flush(ctx, documentID); err != nil {
		s.logger.Warn("comment removal write pending",
			zap.String("document_id", documentID),
			zap.String("comment_id", commentID),
			zap.Error(err))
		return newServiceError(opDelete, "content_write_pending", fmt.Errorf("%w: %v", ErrContentPending, err))
	}
	return nil
}

// List returns the comments of a document in creation order.
func (s *Service) List(ctx context.Context, principal users.Principal, documentID string) ([]Comment, error) {
	verdict, err := s.documents.Verdict(ctx, documentID, principal)
	if err != nil {
		return nil, newServiceError(opList, "access_check_failed", err)
	}
	if !verdict.CanView() {
		return nil, ErrForbidden
	}
	var comments []Comment
	err = s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("created_at_ms ASC").
		Order("comment_id ASC").
		Find(&comments).Error
	if err != nil {
		s.logError(opList, "query_failed", err, zap.String("document_id", documentID))
		return nil, newServiceError(opList, "query_failed", err)
	}
	return comments, nil
}

func (s *Service) authorizeEdit(ctx context.Context, operation, documentID string, principal users.Principal) error {
	if principal.Anonymous() {
		return ErrForbidden
	}
	verdict, err := s.documents.Verdict(ctx, documentID, principal)
	if err != nil {
		return newServiceError(operation, "access_check_failed", err)
	}
	if !verdict.CanEdit() {
		return ErrForbidden
	}
	return nil
}

func (s *Service) notifyMentions(ctx context.Context, principal users.Principal, comment Comment) {
	if s.notifier == nil {
		return
	}
	collaborators, err := s.documents.Collaborators(ctx, comment.DocumentID)
	if err != nil {
		s.logger.Warn("mention lookup failed", zap.String("document_id", comment.DocumentID), zap.Error(err))
		return
	}
	emails := make([]string, 0, len(collaborators))
	for _, collaborator := range collaborators {
		emails = append(emails, collaborator.Email)
	}
	mentioned := ExtractMentions(comment.Text, emails)
	if len(mentioned) == 0 {
		return
	}

	title := ""
	if doc, err := s.documents.Get(ctx, comment.DocumentID); err == nil {
		title = doc.Title
	}
	for _, email := range mentioned {
		_, err := s.notifier.Notify(ctx, notify.Notification{
			RecipientEmail: email,
			SenderEmail:    principal.Email,
			DocumentID:     comment.DocumentID,
			DocumentTitle:  title,
			CommentID:      comment.CommentID,
			CommentText:    comment.Text,
			Kind:           notify.KindMention,
		})
		if err != nil {
			s.logger.Warn("mention notification failed",
				zap.String("document_id", comment.DocumentID),
				zap.String("comment_id", comment.CommentID),
				zap.Error(err))
		}
	}
}

func (s *Service) broadcast(documentID, content, senderID string) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.BroadcastContent(documentID, content, senderID)
}

func (s *Service) lock(documentID string) func() {
	value, _ := s.locks.LoadOrStore(documentID, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("comments service error", attrs...)
}

package documents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/feed"
	"github.com/MarcoPoloResearchLab/quire/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingFeed       = errors.New("change feed is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingOwner      = errors.New("owner is required")
	noOpLogger           = zap.NewNop()
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

const (
	opStoreNew      = "documents.store.new"
	opCreate        = "documents.create"
	opRead          = "documents.read"
	opWrite         = "documents.write"
	opVerdict       = "documents.verdict"
	opCollaborators = "documents.collaborators"
	opGrant         = "documents.grant"

	queryDocumentID = "document_id = ?"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type StoreConfig struct {
	Database   *gorm.DB
	Feed       feed.Feed
	InstanceID string
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store is the durable storage collaborator: document rows, content snapshots,
// sharing grants, and the change feed that announces accepted writes.
type Store struct {
	db         *gorm.DB
	feed       feed.Feed
	instanceID string
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.Feed == nil {
		return nil, newServiceError(opStoreNew, "missing_feed", errMissingFeed)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		feed:       cfg.Feed,
		instanceID: cfg.InstanceID,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// InstanceID identifies this process on the change feed.
func (s *Store) InstanceID() string {
	return s.instanceID
}

// CreateRequest describes a new document.
type CreateRequest struct {
	DocumentID      string
	Title           string
	OwnerID         string
	Content         string
	AnyoneCanAccess bool
	AnyoneCanEdit   bool
}

func (s *Store) Create(ctx context.Context, request CreateRequest) (Document, error) {
	if strings.TrimSpace(request.OwnerID) == "" {
		return Document{}, newServiceError(opCreate, "missing_owner", errMissingOwner)
	}
	rawID := request.DocumentID
	if strings.TrimSpace(rawID) == "" {
		generated, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opCreate, "id_generation_failed", err)
			return Document{}, newServiceError(opCreate, "id_generation_failed", err)
		}
		rawID = generated
	}
	documentID, err := NewDocumentID(rawID)
	if err != nil {
		return Document{}, newServiceError(opCreate, "invalid_document_id", err)
	}

	now := s.clock().UTC().UnixMilli()
	doc := Document{
		DocumentID:      documentID.String(),
		Title:           strings.TrimSpace(request.Title),
		OwnerID:         strings.TrimSpace(request.OwnerID),
		Content:         request.Content,
		UpdatedAtMillis: now,
		LastUpdatedBy:   strings.TrimSpace(request.OwnerID),
		AnyoneCanAccess: request.AnyoneCanAccess,
		AnyoneCanEdit:   request.AnyoneCanEdit,
		CreatedAtMillis: now,
	}
	if err := s.db.WithContext(ctx).Create(&doc).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String("document_id", doc.DocumentID))
		return Document{}, newServiceError(opCreate, "insert_failed", err)
	}
	return doc, nil
}

// Get loads the full document row.
func (s *Store) Get(ctx context.Context, documentID string) (Document, error) {
	var doc Document
	err := s.db.WithContext(ctx).Where(queryDocumentID, documentID).Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, ErrDocumentNotFound
	}
	if err != nil {
		s.logError(opRead, "query_failed", err, zap.String("document_id", documentID))
		return Document{}, newServiceError(opRead, "query_failed", err)
	}
	return doc, nil
}

// Read returns the current content snapshot.
func (s *Store) Read(ctx context.Context, documentID string) (ContentSnapshot, error) {
	doc, err := s.Get(ctx, documentID)
	if err != nil {
		return ContentSnapshot{}, err
	}
	return doc.Snapshot(), nil
}

// Write stores content under last-writer-wins. Accepted writes are announced on the
// change feed tagged with this instance id; a feed failure does not fail the write.
func (s *Store) Write(ctx context.Context, documentID string, write ContentWrite) (WriteOutcome, error) {
	var decision writeDecision
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Document
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryDocumentID, documentID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrDocumentNotFound
		}
		if err != nil {
			s.logError(opWrite, "document_select_failed", err, zap.String("document_id", documentID))
			return newServiceError(opWrite, "document_select_failed", err)
		}

		decision = resolveWrite(existing, write)
		if !decision.accepted {
			return nil
		}
		updates := map[string]interface{}{
			"content":         decision.updated.Content,
			"updated_at_ms":   decision.updated.UpdatedAtMillis,
			"last_updated_by": decision.updated.LastUpdatedBy,
		}
		if err := tx.Model(&Document{}).Where(queryDocumentID, documentID).Updates(updates).Error; err != nil {
			s.logError(opWrite, "document_update_failed", err, zap.String("document_id", documentID))
			return newServiceError(opWrite, "document_update_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return WriteOutcome{}, txErr
	}

	outcome := WriteOutcome{Accepted: decision.accepted, Stored: decision.updated.Snapshot()}
	if !decision.accepted {
		s.logger.Info("stale content write superseded",
			zap.String("document_id", documentID),
			zap.Int64("incoming_ms", write.UpdatedAt.UnixMilli()),
			zap.Int64("stored_ms", decision.updated.UpdatedAtMillis))
		return outcome, nil
	}

	change := feed.Change{
		DocumentID:      documentID,
		Content:         decision.updated.Content,
		UpdatedAtMillis: decision.updated.UpdatedAtMillis,
		LastUpdatedBy:   decision.updated.LastUpdatedBy,
		Origin:          s.instanceID,
	}
	if err := s.feed.Publish(ctx, change); err != nil {
		s.logger.Warn("change feed publish failed",
			zap.String("document_id", documentID),
			zap.Error(err))
	}
	return outcome, nil
}

// Subscribe streams accepted writes for documentID from every instance.
func (s *Store) Subscribe(ctx context.Context, documentID string) (<-chan feed.Change, func(), error) {
	return s.feed.Subscribe(ctx, documentID)
}

// Collaborators lists the sharing grants of a document.
func (s *Store) Collaborators(ctx context.Context, documentID string) ([]Collaborator, error) {
	var collaborators []Collaborator
	if err := s.db.WithContext(ctx).
		Where(queryDocumentID, documentID).
		Order("added_at_ms ASC").
		Find(&collaborators).Error; err != nil {
		s.logError(opCollaborators, "query_failed", err, zap.String("document_id", documentID))
		return nil, newServiceError(opCollaborators, "query_failed", err)
	}
	return collaborators, nil
}

// Grant adds or updates a collaborator; repeated grants overwrite the permission.
func (s *Store) Grant(ctx context.Context, documentID, email string, permission Permission, grantedBy string) (Collaborator, error) {
	normalized := normalizeEmail(email)
	if normalized == "" {
		return Collaborator{}, newServiceError(opGrant, "invalid_email", ErrInvalidEmail)
	}
	if _, err := NewPermission(string(permission)); err != nil {
		return Collaborator{}, newServiceError(opGrant, "invalid_permission", err)
	}
	if _, err := s.Get(ctx, documentID); err != nil {
		return Collaborator{}, err
	}

	collaborator := Collaborator{
		DocumentID:    documentID,
		Email:         normalized,
		Permission:    permission,
		AddedAtMillis: s.clock().UTC().UnixMilli(),
		AddedByUserID: grantedBy,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_id"}, {Name: "email"}},
		DoUpdates: clause.AssignmentColumns([]string{"permission"}),
	}).Create(&collaborator).Error
	if err != nil {
		s.logError(opGrant, "upsert_failed", err, zap.String("document_id", documentID))
		return Collaborator{}, newServiceError(opGrant, "upsert_failed", err)
	}
	return collaborator, nil
}

// Verdict evaluates what principal may do with documentID.
func (s *Store) Verdict(ctx context.Context, documentID string, principal users.Principal) (Verdict, error) {
	doc, err := s.Get(ctx, documentID)
	if errors.Is(err, ErrDocumentNotFound) {
		return VerdictNone, nil
	}
	if err != nil {
		return VerdictNone, newServiceError(opVerdict, "document_lookup_failed", err)
	}
	collaborators, err := s.Collaborators(ctx, documentID)
	if err != nil {
		return VerdictNone, newServiceError(opVerdict, "collaborator_lookup_failed", err)
	}
	return Evaluate(doc, collaborators, principal), nil
}

func (s *Store) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("documents store error", attrs...)
}

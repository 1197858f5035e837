package documents

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("documents: invalid document id")
	// ErrDocumentNotFound indicates that no document row exists for the identifier.
	ErrDocumentNotFound = errors.New("documents: document not found")
	// ErrInvalidPermission indicates an unknown collaborator permission label.
	ErrInvalidPermission = errors.New("documents: invalid permission")
	// ErrInvalidEmail indicates an empty collaborator email.
	ErrInvalidEmail = errors.New("documents: invalid email")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// Document is the persisted document row: sharing flags plus the current content snapshot.
type Document struct {
	DocumentID      string `gorm:"column:document_id;primaryKey;size:190;not null"`
	Title           string `gorm:"column:title;size:512;not null;default:''"`
	OwnerID         string `gorm:"column:owner_id;size:190;not null;index"`
	Content         string `gorm:"column:content;type:text;not null;default:''"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null;default:0"`
	LastUpdatedBy   string `gorm:"column:last_updated_by;size:190;not null;default:''"`
	AnyoneCanAccess bool   `gorm:"column:anyone_can_access;not null;default:false"`
	AnyoneCanEdit   bool   `gorm:"column:anyone_can_edit;not null;default:false"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// Snapshot projects the content columns of the row.
func (d Document) Snapshot() ContentSnapshot {
	return ContentSnapshot{
		DocumentID:    d.DocumentID,
		Content:       d.Content,
		UpdatedAt:     time.UnixMilli(d.UpdatedAtMillis).UTC(),
		LastUpdatedBy: d.LastUpdatedBy,
	}
}

// Permission is the collaborator grant label, stored verbatim.
type Permission string

const (
	PermissionView Permission = "can view"
	PermissionEdit Permission = "can edit"
)

// NewPermission validates a permission label.
func NewPermission(raw string) (Permission, error) {
	switch Permission(strings.ToLower(strings.TrimSpace(raw))) {
	case PermissionView:
		return PermissionView, nil
	case PermissionEdit:
		return PermissionEdit, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPermission, raw)
	}
}

// Collaborator grants an email address access to a document.
type Collaborator struct {
	DocumentID    string     `gorm:"column:document_id;primaryKey;size:190;not null"`
	Email         string     `gorm:"column:email;primaryKey;size:320;not null"`
	Permission    Permission `gorm:"column:permission;size:32;not null"`
	AddedAtMillis int64      `gorm:"column:added_at_ms;not null"`
	AddedByUserID string     `gorm:"column:added_by;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Collaborator) TableName() string {
	return "document_collaborators"
}

// ContentSnapshot is the durable content record read by late joiners.
type ContentSnapshot struct {
	DocumentID    string
	Content       string
	UpdatedAt     time.Time
	LastUpdatedBy string
}

// ContentWrite is the payload of one persistence write.
type ContentWrite struct {
	Content       string
	UpdatedAt     time.Time
	LastUpdatedBy string
}

// WriteOutcome reports whether a write landed; when rejected, Stored holds the newer row.
type WriteOutcome struct {
	Accepted bool
	Stored   ContentSnapshot
}

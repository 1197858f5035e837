package notify

import "errors"

var (
	// ErrMissingRecipient indicates a notification without a recipient email.
	ErrMissingRecipient = errors.New("notify: recipient email required")
	// ErrUnknownKind indicates an unsupported notification type.
	ErrUnknownKind = errors.New("notify: unknown notification type")
)

// Kind distinguishes why a notification was sent.
type Kind string

const (
	KindMention Kind = "mention"
	KindShare   Kind = "share"
)

// Notification is an inbox entry for one recipient.
type Notification struct {
	NotificationID  string `gorm:"column:notification_id;primaryKey;size:190;not null" json:"id"`
	RecipientEmail  string `gorm:"column:recipient_email;size:320;not null;index" json:"recipientEmail"`
	SenderEmail     string `gorm:"column:sender_email;size:320;not null;default:''" json:"senderEmail"`
	DocumentID      string `gorm:"column:document_id;size:190;not null" json:"docId"`
	DocumentTitle   string `gorm:"column:document_title;size:512;not null;default:''" json:"docTitle"`
	CommentID       string `gorm:"column:comment_id;size:190;not null;default:''" json:"commentId,omitempty"`
	CommentText     string `gorm:"column:comment_text;type:text;not null;default:''" json:"commentText,omitempty"`
	Permission      string `gorm:"column:permission;size:32;not null;default:''" json:"permission,omitempty"`
	Kind            Kind   `gorm:"column:type;size:32;not null" json:"type"`
	Read            bool   `gorm:"column:read;not null;default:false" json:"read"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null" json:"createdAt"`
}

// TableName provides the explicit table binding for GORM.
func (Notification) TableName() string {
	return "notifications"
}

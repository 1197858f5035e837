package comments

import "errors"

var (
	// ErrCommentNotFound indicates that no comment row matches the document and id.
	ErrCommentNotFound = errors.New("comments: comment not found")
	// ErrEmptyText indicates a comment without text.
	ErrEmptyText = errors.New("comments: text required")
	// ErrForbidden indicates that the caller may not change comments on the document.
	ErrForbidden = errors.New("comments: forbidden")
	// ErrContentPending indicates that the comment is stored but the marked content
	// has not reached storage yet; it is retried with the next write.
	ErrContentPending = errors.New("comments: marked content not saved yet")
)

// Status is the lifecycle state carried by a comment and its mark.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Comment is a position-anchored remark on a document. The anchor offsets refer to
// the content as it was when the comment was created.
type Comment struct {
	CommentID       string `gorm:"column:comment_id;primaryKey;size:190;not null" json:"id"`
	DocumentID      string `gorm:"column:document_id;size:190;not null;index" json:"docId"`
	AnchorFrom      int    `gorm:"column:anchor_from;not null" json:"from"`
	AnchorTo        int    `gorm:"column:anchor_to;not null" json:"to"`
	Text            string `gorm:"column:text;type:text;not null" json:"text"`
	AuthorID        string `gorm:"column:author_id;size:190;not null" json:"author"`
	AuthorDisplay   string `gorm:"column:author_display;size:320;not null;default:''" json:"authorDisplay"`
	Status          Status `gorm:"column:status;size:32;not null;default:'open'" json:"status"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null" json:"createdAt"`
}

// TableName provides the explicit table binding for GORM.
func (Comment) TableName() string {
	return "comments"
}

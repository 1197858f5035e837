package users

import (
	"strings"
	"time"
)

// Identity maps a login-provider subject onto the canonical user id used for
// authorship, presence, and sharing.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320;index"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// Principal is the resolved caller attached to HTTP requests and realtime sessions.
type Principal struct {
	UserID      string
	Email       string
	DisplayName string
}

// Anonymous reports whether no authenticated user stands behind the principal.
func (p Principal) Anonymous() bool {
	return p.UserID == ""
}

// Label is the human-facing name, falling back to the email as the editor did.
func (p Principal) Label() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Email
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

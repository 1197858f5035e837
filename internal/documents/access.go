package documents

import (
	"strings"

	"github.com/MarcoPoloResearchLab/quire/internal/users"
)

// Verdict is the outcome of an access check for one principal on one document.
type Verdict int

const (
	VerdictNone Verdict = iota
	VerdictView
	VerdictEdit
)

// CanView reports whether the verdict admits reading and joining the room.
func (v Verdict) CanView() bool {
	return v >= VerdictView
}

// CanEdit reports whether the verdict admits content, cursor, and comment mutations.
func (v Verdict) CanEdit() bool {
	return v == VerdictEdit
}

func (v Verdict) String() string {
	switch v {
	case VerdictEdit:
		return "edit"
	case VerdictView:
		return "view"
	default:
		return "none"
	}
}

// Evaluate decides what principal may do with doc. Owners edit; public documents
// grant view or edit per their flags; collaborators are matched by email.
func Evaluate(doc Document, collaborators []Collaborator, principal users.Principal) Verdict {
	if !principal.Anonymous() && doc.OwnerID == principal.UserID {
		return VerdictEdit
	}

	verdict := VerdictNone
	if doc.AnyoneCanAccess {
		verdict = VerdictView
		if doc.AnyoneCanEdit {
			return VerdictEdit
		}
	}

	email := normalizeEmail(principal.Email)
	if principal.Anonymous() || email == "" {
		return verdict
	}
	for _, collaborator := range collaborators {
		if normalizeEmail(collaborator.Email) != email {
			continue
		}
		switch collaborator.Permission {
		case PermissionEdit:
			return VerdictEdit
		case PermissionView:
			verdict = VerdictView
		}
	}
	return verdict
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

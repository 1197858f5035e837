package documents

import (
	"testing"

	"github.com/MarcoPoloResearchLab/quire/internal/users"
)

func TestEvaluate(t *testing.T) {
	private := Document{DocumentID: "doc-1", OwnerID: "owner-1"}
	publicView := Document{DocumentID: "doc-2", OwnerID: "owner-1", AnyoneCanAccess: true}
	publicEdit := Document{DocumentID: "doc-3", OwnerID: "owner-1", AnyoneCanAccess: true, AnyoneCanEdit: true}
	grants := []Collaborator{
		{DocumentID: "doc-1", Email: "viewer@example.com", Permission: PermissionView},
		{DocumentID: "doc-1", Email: "editor@example.com", Permission: PermissionEdit},
	}

	tests := []struct {
		name      string
		doc       Document
		principal users.Principal
		expected  Verdict
	}{
		{name: "owner", doc: private, principal: users.Principal{UserID: "owner-1"}, expected: VerdictEdit},
		{name: "stranger", doc: private, principal: users.Principal{UserID: "u-9", Email: "x@example.com"}, expected: VerdictNone},
		{name: "anonymous-private", doc: private, principal: users.Principal{}, expected: VerdictNone},
		{name: "viewer", doc: private, principal: users.Principal{UserID: "u-1", Email: "Viewer@Example.com"}, expected: VerdictView},
		{name: "editor", doc: private, principal: users.Principal{UserID: "u-2", Email: "editor@example.com"}, expected: VerdictEdit},
		{name: "anonymous-public-view", doc: publicView, principal: users.Principal{}, expected: VerdictView},
		{name: "anonymous-public-edit", doc: publicEdit, principal: users.Principal{}, expected: VerdictEdit},
		{name: "editor-on-public-view", doc: publicView, principal: users.Principal{UserID: "u-2", Email: "editor@example.com"}, expected: VerdictView},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			collaborators := grants
			if tt.doc.DocumentID != "doc-1" {
				collaborators = nil
			}
			if got := Evaluate(tt.doc, collaborators, tt.principal); got != tt.expected {
				t.Fatalf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestVerdictCapabilities(t *testing.T) {
	if VerdictNone.CanView() || VerdictNone.CanEdit() {
		t.Fatalf("none must grant nothing")
	}
	if !VerdictView.CanView() || VerdictView.CanEdit() {
		t.Fatalf("view must only grant viewing")
	}
	if !VerdictEdit.CanView() || !VerdictEdit.CanEdit() {
		t.Fatalf("edit must grant both")
	}
}

package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/quire/internal/comments"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsOpensCommentsWithoutStatus(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&comments.Comment{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := comments.Comment{
		CommentID:       "c-legacy",
		DocumentID:      "doc-1",
		AnchorFrom:      0,
		AnchorTo:        4,
		Text:            "imported",
		AuthorID:        "user-1",
		CreatedAtMillis: 1700000000000,
	}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert comment: %v", err)
	}
	if err := database.Model(&comments.Comment{}).Where("comment_id = ?", legacy.CommentID).Update("status", "").Error; err != nil {
		testContext.Fatalf("failed to blank status: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored comments.Comment
	if err := database.Where("comment_id = ?", legacy.CommentID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload comment: %v", err)
	}
	if stored.Status != comments.StatusOpen {
		testContext.Fatalf("expected status to be opened, got %q", stored.Status)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationDefaultCommentStatus).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("reapplying migrations must be a no-op: %v", err)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "quire.db")
	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"documents", "document_collaborators", "comments", "notifications", "user_identities", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s", table)
		}
	}
	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}

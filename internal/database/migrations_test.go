package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/logqr/internal/logs"
	"github.com/MarcoPoloResearchLab/logqr/internal/reviews"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsRecountsVisibleReviews(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	now := time.Now().UTC()
	log := logs.Log{LogID: "log-1", UserID: "user-1", Title: "Café", Status: logs.StatusActive, TotalReviews: 7, CreatedAt: now, UpdatedAt: now}
	if err := database.Create(&log).Error; err != nil {
		testContext.Fatalf("failed to insert log: %v", err)
	}
	for index, status := range []string{reviews.StatusVisible, reviews.StatusVisible, reviews.StatusHidden} {
		review := reviews.Review{
			ReviewID:    "review-" + string(rune('a'+index)),
			LogID:       log.LogID,
			IPAddress:   "10.0.0.1",
			SubmittedAt: now,
			Status:      status,
		}
		if err := database.Create(&review).Error; err != nil {
			testContext.Fatalf("failed to insert review: %v", err)
		}
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored logs.Log
	if err := database.Where("log_id = ?", log.LogID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload log: %v", err)
	}
	if stored.TotalReviews != 2 {
		testContext.Fatalf("expected total_reviews to match visible reviews, got %d", stored.TotalReviews)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationRecountVisibleReviews).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := database.Model(&logs.Log{}).Where("log_id = ?", log.LogID).Update("total_reviews", 9).Error; err != nil {
		testContext.Fatalf("failed to update log: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}
	if err := database.Where("log_id = ?", log.LogID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload log: %v", err)
	}
	if stored.TotalReviews != 9 {
		testContext.Fatalf("expected applied migrations to be skipped, got %d", stored.TotalReviews)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "logqr.db")
	database, err := Open(context.Background(), Options{Driver: DriverSQLite, Path: databasePath}, zap.NewNop())
	if err != nil {
		testContext.Fatalf("Open: %v", err)
	}
	testContext.Cleanup(func() { _ = Close(database) })

	for _, table := range []string{"users", "logs", "log_fields", "reviews", "review_field_values", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s", table)
		}
	}
	if !database.Migrator().HasIndex(&reviews.Review{}, "idx_reviews_rate") {
		testContext.Fatalf("expected rate limiter index")
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open(context.Background(), Options{Driver: "mysql"}, nil); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
	if _, err := Open(context.Background(), Options{Driver: DriverPostgres}, nil); err == nil {
		testContext.Fatalf("expected missing dsn error")
	}
}

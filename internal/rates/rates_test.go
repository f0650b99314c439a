package rates_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"settlement-service/internal/database"
	"settlement-service/internal/model"
	"settlement-service/internal/rates"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.Migrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func insertRate(t *testing.T, db *gorm.DB, from, to int, wheeling string, effective time.Time) {
	t.Helper()
	rate := model.ZoneRate{
		FromZone:       from,
		ToZone:         to,
		WheelingCharge: decimal.RequireFromString(wheeling),
		LossFactor:     decimal.RequireFromString("0.02"),
		EffectiveFrom:  effective,
	}
	if err := db.Create(&rate).Error; err != nil {
		t.Fatalf("failed to insert rate: %v", err)
	}
}

func TestLookupPicksNewestEffectiveRate(t *testing.T) {
	db := newTestDB(t)
	table := rates.NewTable(db, testLogger())
	now := time.Now()

	insertRate(t, db, 1, 2, "0.03", now.Add(-48*time.Hour))
	insertRate(t, db, 1, 2, "0.05", now.Add(-time.Hour))
	// Scheduled for tomorrow, must not win today.
	insertRate(t, db, 1, 2, "0.09", now.Add(24*time.Hour))

	rate, err := table.Lookup(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if !rate.WheelingCharge.Equal(decimal.RequireFromString("0.05")) {
		t.Fatalf("wheeling charge = %s, want 0.05", rate.WheelingCharge)
	}
}

func TestLookupMissingPair(t *testing.T) {
	table := rates.NewTable(newTestDB(t), testLogger())

	_, err := table.Lookup(context.Background(), 4, 5)
	if !errors.Is(err, rates.ErrRateNotFound) {
		t.Fatalf("Lookup error = %v, want ErrRateNotFound", err)
	}
}

func TestLookupServesFromCacheUntilRefresh(t *testing.T) {
	db := newTestDB(t)
	table := rates.NewTable(db, testLogger())
	ctx := context.Background()

	insertRate(t, db, 1, 2, "0.05", time.Now().Add(-time.Hour))
	if _, err := table.Lookup(ctx, 1, 2); err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}

	// A newer row lands but the cache still answers with the old rate.
	insertRate(t, db, 1, 2, "0.07", time.Now().Add(-time.Minute))
	rate, err := table.Lookup(ctx, 1, 2)
	if err != nil {
		t.Fatalf("cached Lookup failed: %v", err)
	}
	if !rate.WheelingCharge.Equal(decimal.RequireFromString("0.05")) {
		t.Fatalf("cached wheeling charge = %s, want 0.05", rate.WheelingCharge)
	}

	if err := table.Refresh(ctx); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	rate, err = table.Lookup(ctx, 1, 2)
	if err != nil {
		t.Fatalf("Lookup after refresh failed: %v", err)
	}
	if !rate.WheelingCharge.Equal(decimal.RequireFromString("0.07")) {
		t.Fatalf("refreshed wheeling charge = %s, want 0.07", rate.WheelingCharge)
	}
}

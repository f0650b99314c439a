package coordinator_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"settlement-service/internal/chain"
	"settlement-service/internal/config"
	"settlement-service/internal/coordinator"
	"settlement-service/internal/database"
	"settlement-service/internal/model"
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

func testConfig() config.CoordinatorConfig {
	return config.CoordinatorConfig{
		PollInterval:      time.Second,
		BatchSize:         10,
		MaxAttempts:       3,
		RetryBaseDelay:    5 * time.Second,
		RetryMultiplier:   2.0,
		MaxRetryDelay:     time.Hour,
		SubmissionTimeout: time.Minute,
		Workers:           2,
	}
}

// fakeSubmitter records submissions and answers with a scripted result.
type fakeSubmitter struct {
	mu    sync.Mutex
	calls []chain.Operation
	fn    func(op chain.Operation) (string, error)
}

func (f *fakeSubmitter) Submit(_ context.Context, op chain.Operation) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(op)
	}
	return "tx-" + op.ID.String()[:8], nil
}

func (f *fakeSubmitter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func insertTransferOp(t *testing.T, db *gorm.DB, stl *model.Settlement) model.PendingOperation {
	t.Helper()
	payload, err := json.Marshal(chain.SettlementTransferPayload{
		SettlementID: stl.ID,
		From:         stl.Buyer,
		To:           stl.Seller,
		NetAmount:    stl.NetAmount,
	})
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	op := model.PendingOperation{
		ID:            uuid.New(),
		OperationKind: model.OpSettlementTransfer,
		GroupKey:      stl.ID,
		Payload:       string(payload),
		Status:        model.OpPending,
		MaxAttempts:   3,
		NextRetryAt:   time.Now().Add(-time.Second),
	}
	if err := db.Create(&op).Error; err != nil {
		t.Fatalf("failed to insert operation: %v", err)
	}
	return op
}

func insertSettlement(t *testing.T, db *gorm.DB) *model.Settlement {
	t.Helper()
	stl := model.Settlement{
		ID:           uuid.New(),
		Buyer:        uuid.New(),
		Seller:       uuid.New(),
		BuyOrderID:   uuid.New(),
		SellOrderID:  uuid.New(),
		EnergyAmount: decimal.NewFromInt(10),
		PricePerUnit: decimal.NewFromInt(5),
		GrossAmount:  decimal.NewFromInt(50),
		NetAmount:    decimal.NewFromInt(49),
		Status:       model.SettlementPending,
	}
	if err := db.Create(&stl).Error; err != nil {
		t.Fatalf("failed to insert settlement: %v", err)
	}
	return &stl
}

func reloadOp(t *testing.T, db *gorm.DB, id uuid.UUID) model.PendingOperation {
	t.Helper()
	var op model.PendingOperation
	if err := db.First(&op, "id = ?", id).Error; err != nil {
		t.Fatalf("failed to reload operation: %v", err)
	}
	return op
}

func TestRunOnceSubmitsDueOperation(t *testing.T) {
	db := newTestDB(t)
	sub := &fakeSubmitter{}
	coord := coordinator.New(db, sub, nil, testConfig(), testLogger())

	stl := insertSettlement(t, db)
	op := insertTransferOp(t, db, stl)

	if err := coord.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	got := reloadOp(t, db, op.ID)
	if got.Status != model.OpSubmitted {
		t.Fatalf("status = %s, want submitted", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1", got.AttemptCount)
	}
	if got.ExternalTxRef == "" || got.SubmittedAt == nil {
		t.Fatalf("submitted operation missing tx ref or timestamp: %+v", got)
	}

	if sub.callCount() != 1 {
		t.Fatalf("submissions = %d, want 1", sub.callCount())
	}
	if key := sub.calls[0].IdempotencyKey; key != chain.IdempotencyKey(op.ID) {
		t.Fatalf("idempotency key = %q, want %q", key, chain.IdempotencyKey(op.ID))
	}

	var gotStl model.Settlement
	db.First(&gotStl, "id = ?", stl.ID)
	if gotStl.Status != model.SettlementSubmitted {
		t.Fatalf("settlement status = %s, want submitted", gotStl.Status)
	}
}

func TestFutureOperationsAreNotClaimed(t *testing.T) {
	db := newTestDB(t)
	sub := &fakeSubmitter{}
	coord := coordinator.New(db, sub, nil, testConfig(), testLogger())

	stl := insertSettlement(t, db)
	op := insertTransferOp(t, db, stl)
	db.Model(&model.PendingOperation{}).Where("id = ?", op.ID).
		Update("next_retry_at", time.Now().Add(time.Hour))

	if err := coord.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if sub.callCount() != 0 {
		t.Fatalf("submissions = %d, want 0", sub.callCount())
	}
}

// A retryable failure walks the operation through failed and back to
// a future retry slot until the attempt budget runs out, at which point
// the operation parks in max_retries and the settlement fails.
func TestRetryableFailureExhaustsIntoMaxRetries(t *testing.T) {
	db := newTestDB(t)
	sub := &fakeSubmitter{fn: func(chain.Operation) (string, error) {
		return "", &chain.SubmitError{Retryable: true, Err: fmt.Errorf("gateway timeout")}
	}}
	cfg := testConfig()
	coord := coordinator.New(db, sub, nil, cfg, testLogger())
	ctx := context.Background()

	stl := insertSettlement(t, db)
	op := insertTransferOp(t, db, stl)

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := coord.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce failed: %v", err)
		}
		got := reloadOp(t, db, op.ID)
		if got.AttemptCount != attempt {
			t.Fatalf("attempt count = %d, want %d", got.AttemptCount, attempt)
		}
		if attempt < cfg.MaxAttempts {
			if got.Status != model.OpFailed {
				t.Fatalf("status after attempt %d = %s, want failed", attempt, got.Status)
			}
			if !got.NextRetryAt.After(time.Now()) {
				t.Fatalf("next retry not pushed into the future: %v", got.NextRetryAt)
			}
			// Bring the retry slot forward for the next cycle.
			db.Model(&model.PendingOperation{}).Where("id = ?", op.ID).
				Update("next_retry_at", time.Now().Add(-time.Second))
		}
	}

	got := reloadOp(t, db, op.ID)
	if got.Status != model.OpMaxRetries {
		t.Fatalf("final status = %s, want max_retries", got.Status)
	}
	if got.AttemptCount > got.MaxAttempts {
		t.Fatalf("attempt count %d exceeds max %d", got.AttemptCount, got.MaxAttempts)
	}

	var gotStl model.Settlement
	db.First(&gotStl, "id = ?", stl.ID)
	if gotStl.Status != model.SettlementFailed {
		t.Fatalf("settlement status = %s, want failed", gotStl.Status)
	}

	// Terminal operations never resubmit.
	before := sub.callCount()
	if err := coord.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if sub.callCount() != before {
		t.Fatalf("terminal operation was resubmitted")
	}
}

// Exhausting a mint operation leaves the reading unminted with the
// failure recorded, where FailedMints picks it up for the operator.
func TestMintExhaustionMarksReadingFailed(t *testing.T) {
	db := newTestDB(t)
	sub := &fakeSubmitter{fn: func(chain.Operation) (string, error) {
		return "", &chain.SubmitError{Retryable: true, Err: fmt.Errorf("gateway timeout")}
	}}
	cfg := testConfig()
	coord := coordinator.New(db, sub, nil, cfg, testLogger())
	ctx := context.Background()

	readingID := uuid.New()
	reading := model.MeterReading{
		ID:                 readingID,
		OwnerWallet:        "wallet-1",
		Owner:              uuid.New(),
		KwhAmount:          decimal.NewFromInt(12),
		ReadingTimestamp:   time.Now().Add(-time.Hour),
		VerificationStatus: "verified",
		MintStatus:         model.MintPending,
	}
	if err := db.Create(&reading).Error; err != nil {
		t.Fatalf("failed to insert reading: %v", err)
	}
	payload, err := json.Marshal(chain.TokenMintPayload{
		ReadingID:   readingID,
		OwnerWallet: "wallet-1",
		Amount:      decimal.NewFromInt(12),
	})
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	op := model.PendingOperation{
		ID:            uuid.New(),
		OperationKind: model.OpTokenMint,
		GroupKey:      readingID,
		Payload:       string(payload),
		Status:        model.OpPending,
		MaxAttempts:   cfg.MaxAttempts,
		NextRetryAt:   time.Now().Add(-time.Second),
	}
	if err := db.Create(&op).Error; err != nil {
		t.Fatalf("failed to insert operation: %v", err)
	}

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := coord.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce failed: %v", err)
		}
		db.Model(&model.PendingOperation{}).Where("id = ?", op.ID).
			Update("next_retry_at", time.Now().Add(-time.Second))
	}

	got := reloadOp(t, db, op.ID)
	if got.Status != model.OpMaxRetries {
		t.Fatalf("operation status = %s, want max_retries", got.Status)
	}

	var gotReading model.MeterReading
	db.First(&gotReading, "id = ?", readingID)
	if gotReading.MintStatus != model.MintFailed {
		t.Fatalf("mint status = %s, want failed", gotReading.MintStatus)
	}
	if gotReading.LastError == "" {
		t.Fatalf("reading failure recorded no error")
	}
	if gotReading.MintTxRef != "" {
		t.Fatalf("failed reading carries a mint tx ref: %q", gotReading.MintTxRef)
	}
}

func TestPermanentFailureEscalatesImmediately(t *testing.T) {
	db := newTestDB(t)
	sub := &fakeSubmitter{fn: func(chain.Operation) (string, error) {
		return "", &chain.SubmitError{Retryable: false, Err: fmt.Errorf("malformed payload")}
	}}
	coord := coordinator.New(db, sub, nil, testConfig(), testLogger())

	stl := insertSettlement(t, db)
	op := insertTransferOp(t, db, stl)

	if err := coord.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	got := reloadOp(t, db, op.ID)
	if got.Status != model.OpMaxRetries {
		t.Fatalf("status = %s, want max_retries", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1", got.AttemptCount)
	}
}

// Two operations sharing a group key (same settlement or reading) never
// run at the same time.
func TestSiblingInFlightBlocksClaim(t *testing.T) {
	db := newTestDB(t)
	sub := &fakeSubmitter{}
	coord := coordinator.New(db, sub, nil, testConfig(), testLogger())

	stl := insertSettlement(t, db)
	inFlight := insertTransferOp(t, db, stl)
	now := time.Now()
	db.Model(&model.PendingOperation{}).Where("id = ?", inFlight.ID).
		Updates(map[string]interface{}{"status": model.OpProcessing, "claimed_at": now})

	blocked := insertTransferOp(t, db, stl)

	if err := coord.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if sub.callCount() != 0 {
		t.Fatalf("submissions = %d, want 0 while sibling is processing", sub.callCount())
	}
	got := reloadOp(t, db, blocked.ID)
	if got.Status != model.OpPending {
		t.Fatalf("blocked operation status = %s, want pending", got.Status)
	}
}

func TestStuckProcessingIsRequeued(t *testing.T) {
	db := newTestDB(t)
	sub := &fakeSubmitter{}
	cfg := testConfig()
	coord := coordinator.New(db, sub, nil, cfg, testLogger())

	stl := insertSettlement(t, db)
	op := insertTransferOp(t, db, stl)
	stale := time.Now().Add(-3 * cfg.SubmissionTimeout)
	db.Model(&model.PendingOperation{}).Where("id = ?", op.ID).
		Updates(map[string]interface{}{"status": model.OpProcessing, "claimed_at": stale})

	if err := coord.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	// Requeued as ambiguous and immediately resubmitted under the same
	// idempotency key.
	got := reloadOp(t, db, op.ID)
	if got.Status != model.OpSubmitted {
		t.Fatalf("status = %s, want submitted after requeue", got.Status)
	}
	if sub.callCount() != 1 {
		t.Fatalf("submissions = %d, want 1", sub.callCount())
	}
}

// One physical submission consumes exactly one attempt: the count set
// on successful submit is not incremented again when the confirmation
// comes back failed, so the budget allows MaxAttempts real submissions.
func TestConfirmationFailureConsumesOneAttempt(t *testing.T) {
	db := newTestDB(t)
	cfg := testConfig()
	coord := coordinator.New(db, &fakeSubmitter{}, nil, cfg, testLogger())
	ctx := context.Background()

	stl := insertSettlement(t, db)
	op := insertTransferOp(t, db, stl)
	now := time.Now()
	db.Model(&model.PendingOperation{}).Where("id = ?", op.ID).
		Updates(map[string]interface{}{
			"status":        model.OpSubmitted,
			"attempt_count": 1,
			"submitted_at":  now,
		})

	if err := coord.MarkSubmissionFailed(ctx, op.ID, "program rejected transfer", true); err != nil {
		t.Fatalf("MarkSubmissionFailed failed: %v", err)
	}

	got := reloadOp(t, db, op.ID)
	if got.Status != model.OpFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1", got.AttemptCount)
	}

	// The last submission in the budget still escalates on rejection.
	db.Model(&model.PendingOperation{}).Where("id = ?", op.ID).
		Updates(map[string]interface{}{
			"status":        model.OpSubmitted,
			"attempt_count": cfg.MaxAttempts,
		})
	if err := coord.MarkSubmissionFailed(ctx, op.ID, "program rejected transfer", true); err != nil {
		t.Fatalf("MarkSubmissionFailed failed: %v", err)
	}
	got = reloadOp(t, db, op.ID)
	if got.Status != model.OpMaxRetries {
		t.Fatalf("status = %s, want max_retries", got.Status)
	}
	if got.AttemptCount != cfg.MaxAttempts {
		t.Fatalf("attempt count = %d, want %d", got.AttemptCount, cfg.MaxAttempts)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	cfg := testConfig()
	coord := coordinator.New(newTestDB(t), &fakeSubmitter{}, nil, cfg, testLogger())

	if d := coord.Backoff(0); d != 5*time.Second {
		t.Fatalf("Backoff(0) = %v, want 5s", d)
	}
	if d := coord.Backoff(1); d != 10*time.Second {
		t.Fatalf("Backoff(1) = %v, want 10s", d)
	}
	if d := coord.Backoff(2); d != 20*time.Second {
		t.Fatalf("Backoff(2) = %v, want 20s", d)
	}
	if d := coord.Backoff(40); d != cfg.MaxRetryDelay {
		t.Fatalf("Backoff(40) = %v, want cap %v", d, cfg.MaxRetryDelay)
	}
}

func TestManualRetryResetsOperation(t *testing.T) {
	db := newTestDB(t)
	coord := coordinator.New(db, &fakeSubmitter{}, nil, testConfig(), testLogger())
	ctx := context.Background()

	stl := insertSettlement(t, db)
	op := insertTransferOp(t, db, stl)
	db.Model(&model.PendingOperation{}).Where("id = ?", op.ID).
		Updates(map[string]interface{}{"status": model.OpMaxRetries, "attempt_count": 3, "last_error": "gave up"})

	if err := coord.RetryOperation(ctx, op.ID); err != nil {
		t.Fatalf("RetryOperation failed: %v", err)
	}
	got := reloadOp(t, db, op.ID)
	if got.Status != model.OpPending || got.AttemptCount != 0 {
		t.Fatalf("retried operation = %s/%d, want pending/0", got.Status, got.AttemptCount)
	}

	// A completed operation is not retryable.
	db.Model(&model.PendingOperation{}).Where("id = ?", op.ID).
		Update("status", model.OpCompleted)
	err := coord.RetryOperation(ctx, op.ID)
	if !errors.Is(err, coordinator.ErrOperationNotRetryable) {
		t.Fatalf("RetryOperation error = %v, want ErrOperationNotRetryable", err)
	}
}

func TestStatsCountsByStatus(t *testing.T) {
	db := newTestDB(t)
	coord := coordinator.New(db, &fakeSubmitter{}, nil, testConfig(), testLogger())

	stl := insertSettlement(t, db)
	insertTransferOp(t, db, stl)
	second := insertTransferOp(t, db, stl)
	db.Model(&model.PendingOperation{}).Where("id = ?", second.ID).
		Update("status", model.OpMaxRetries)

	stats, err := coord.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats[model.OpPending] != 1 || stats[model.OpMaxRetries] != 1 {
		t.Fatalf("stats = %v, want one pending and one max_retries", stats)
	}
}

package db

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func setupTestRepo(t *testing.T) *Repository {
	t.Helper()

	repo, err := NewRepository("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to create test repository: %v", err)
	}
	if err := repo.AutoMigrate(); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return repo
}

func createTestUser(t *testing.T, repo *Repository, tgID int64, balance string, panelUUID string) *User {
	t.Helper()

	user := &User{
		TelegramID: tgID,
		Balance:    decimal.RequireFromString(balance),
	}
	if panelUUID != "" {
		user.RemnawaveUUID = &panelUUID
	}
	if err := repo.db.Create(user).Error; err != nil {
		t.Fatalf("failed to create test user: %v", err)
	}
	return user
}

func createTestSubscription(t *testing.T, repo *Repository, userID uint, status SubscriptionStatus) *Subscription {
	t.Helper()

	sub := &Subscription{
		UserID:     userID,
		Status:     status,
		DailyPrice: decimal.RequireFromString("6"),
	}
	if err := repo.db.Create(sub).Error; err != nil {
		t.Fatalf("failed to create test subscription: %v", err)
	}
	return sub
}

func TestChargeForDayDebitsAndExtends(t *testing.T) {
	repo := setupTestRepo(t)
	user := createTestUser(t, repo, 100, "20", "")
	createTestSubscription(t, repo, user.ID, SubscriptionTrial)

	now := time.Date(2025, 6, 15, 0, 5, 0, 0, time.UTC)
	newExpire := now.Add(24 * time.Hour)

	if err := repo.ChargeForDay(user.ID, decimal.RequireFromString("6"), newExpire, now); err != nil {
		t.Fatalf("ChargeForDay failed: %v", err)
	}

	updated, _ := repo.GetUserByID(user.ID)
	if !updated.Balance.Equal(decimal.RequireFromString("14")) {
		t.Errorf("balance = %s, want 14", updated.Balance)
	}

	sub, _ := repo.GetSubscriptionByUserID(user.ID)
	if sub.Status != SubscriptionActive {
		t.Errorf("status = %s, want active after first charge", sub.Status)
	}
	if sub.DaysPaid != 1 {
		t.Errorf("days_paid = %d, want 1", sub.DaysPaid)
	}
	if sub.LastChargeAt == nil || !sub.LastChargeAt.Equal(now) {
		t.Errorf("last_charge_at = %v, want %v", sub.LastChargeAt, now)
	}
	if sub.ExpiresAt == nil || !sub.ExpiresAt.Equal(newExpire) {
		t.Errorf("expires_at = %v, want %v", sub.ExpiresAt, newExpire)
	}

	var count int64
	repo.db.Model(&Transaction{}).
		Where("user_id = ? AND type = ? AND status = ?", user.ID, TransactionSubscription, TransactionCompleted).
		Count(&count)
	if count != 1 {
		t.Errorf("subscription transactions = %d, want 1", count)
	}
}

func TestChargeForDayInsufficientBalance(t *testing.T) {
	repo := setupTestRepo(t)
	user := createTestUser(t, repo, 101, "5", "")
	createTestSubscription(t, repo, user.ID, SubscriptionActive)

	now := time.Now().UTC()
	err := repo.ChargeForDay(user.ID, decimal.RequireFromString("6"), now.Add(24*time.Hour), now)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	// Вся транзакция откатилась: баланс и подписка не тронуты
	updated, _ := repo.GetUserByID(user.ID)
	if !updated.Balance.Equal(decimal.RequireFromString("5")) {
		t.Errorf("balance = %s, want 5", updated.Balance)
	}

	sub, _ := repo.GetSubscriptionByUserID(user.ID)
	if sub.DaysPaid != 0 || sub.LastChargeAt != nil {
		t.Errorf("subscription was modified: days_paid=%d last_charge_at=%v", sub.DaysPaid, sub.LastChargeAt)
	}
}

func TestRevertChargeRestoresState(t *testing.T) {
	repo := setupTestRepo(t)
	user := createTestUser(t, repo, 102, "20", "")
	createTestSubscription(t, repo, user.ID, SubscriptionTrial)

	prev, _ := repo.GetSubscriptionByUserID(user.ID)

	now := time.Date(2025, 6, 15, 0, 5, 0, 0, time.UTC)
	amount := decimal.RequireFromString("6")
	if err := repo.ChargeForDay(user.ID, amount, now.Add(24*time.Hour), now); err != nil {
		t.Fatalf("ChargeForDay failed: %v", err)
	}
	if err := repo.RevertCharge(user.ID, amount, prev); err != nil {
		t.Fatalf("RevertCharge failed: %v", err)
	}

	updated, _ := repo.GetUserByID(user.ID)
	if !updated.Balance.Equal(decimal.RequireFromString("20")) {
		t.Errorf("balance = %s, want 20 after revert", updated.Balance)
	}

	sub, _ := repo.GetSubscriptionByUserID(user.ID)
	if sub.Status != SubscriptionTrial {
		t.Errorf("status = %s, want trial restored", sub.Status)
	}
	if sub.DaysPaid != 0 || sub.LastChargeAt != nil || sub.ExpiresAt != nil {
		t.Errorf("subscription not restored: days_paid=%d last_charge_at=%v expires_at=%v",
			sub.DaysPaid, sub.LastChargeAt, sub.ExpiresAt)
	}

	var count int64
	repo.db.Model(&Transaction{}).
		Where("user_id = ? AND type = ?", user.ID, TransactionRefund).
		Count(&count)
	if count != 1 {
		t.Errorf("refund transactions = %d, want 1", count)
	}
}

func TestCompleteDepositIdempotent(t *testing.T) {
	repo := setupTestRepo(t)
	user := createTestUser(t, repo, 103, "0", "")

	_, err := repo.CreateTransaction(user.ID, TransactionDeposit,
		decimal.RequireFromString("500"), "Пополнение баланса", "pay_10", "yookassa")
	if err != nil {
		t.Fatalf("CreateTransaction failed: %v", err)
	}

	trx, err := repo.CompleteDeposit("pay_10", "yookassa")
	if err != nil {
		t.Fatalf("first CompleteDeposit failed: %v", err)
	}
	if trx.Status != TransactionCompleted {
		t.Errorf("status = %s, want completed", trx.Status)
	}
	if trx.CompletedAt == nil {
		t.Error("completed_at not set")
	}

	_, err = repo.CompleteDeposit("pay_10", "yookassa")
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("second CompleteDeposit err = %v, want ErrAlreadyProcessed", err)
	}

	updated, _ := repo.GetUserByID(user.ID)
	if !updated.Balance.Equal(decimal.RequireFromString("500")) {
		t.Errorf("balance = %s, want 500 (credited once)", updated.Balance)
	}
}

func TestCompleteDepositUnknownPayment(t *testing.T) {
	repo := setupTestRepo(t)

	_, err := repo.CompleteDeposit("pay_missing", "yookassa")
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("err = %v, want gorm.ErrRecordNotFound", err)
	}
}

func TestFailDepositOnlyMarksPending(t *testing.T) {
	repo := setupTestRepo(t)
	user := createTestUser(t, repo, 104, "0", "")

	_, err := repo.CreateTransaction(user.ID, TransactionDeposit,
		decimal.RequireFromString("100"), "Пополнение баланса", "pay_11", "yookassa")
	if err != nil {
		t.Fatalf("CreateTransaction failed: %v", err)
	}

	if err := repo.FailDeposit("pay_11", "yookassa", TransactionCancelled); err != nil {
		t.Fatalf("FailDeposit failed: %v", err)
	}

	var trx Transaction
	repo.db.First(&trx, "payment_id = ?", "pay_11")
	if trx.Status != TransactionCancelled {
		t.Errorf("status = %s, want cancelled", trx.Status)
	}

	// Повторная отмена и отмена после завершения - no-op
	if err := repo.FailDeposit("pay_11", "yookassa", TransactionFailed); err != nil {
		t.Fatalf("repeated FailDeposit failed: %v", err)
	}
	repo.db.First(&trx, "payment_id = ?", "pay_11")
	if trx.Status != TransactionCancelled {
		t.Errorf("status = %s, want cancelled unchanged", trx.Status)
	}
}

func TestListFundedPanelUsers(t *testing.T) {
	repo := setupTestRepo(t)

	funded := createTestUser(t, repo, 105, "50", "11111111-1111-4111-8111-111111111111")
	createTestUser(t, repo, 106, "0", "22222222-2222-4222-8222-222222222222")    // без средств
	createTestUser(t, repo, 107, "50", "")                                       // без панели
	blocked := createTestUser(t, repo, 108, "50", "33333333-3333-4333-8333-333333333333")
	repo.db.Model(blocked).Update("is_blocked", true)

	users, err := repo.ListFundedPanelUsers()
	if err != nil {
		t.Fatalf("ListFundedPanelUsers failed: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("funded users = %d, want 1", len(users))
	}
	if users[0].ID != funded.ID {
		t.Errorf("funded user id = %d, want %d", users[0].ID, funded.ID)
	}

	unfunded, err := repo.ListUnfundedPanelUsers()
	if err != nil {
		t.Fatalf("ListUnfundedPanelUsers failed: %v", err)
	}
	if len(unfunded) != 1 || unfunded[0].TelegramID != 106 {
		t.Errorf("unfunded users = %v, want only telegram_id 106", unfunded)
	}
}

func TestActivateSubscriptionExtendsFromFutureExpiry(t *testing.T) {
	repo := setupTestRepo(t)
	user := createTestUser(t, repo, 109, "0", "")
	sub := createTestSubscription(t, repo, user.ID, SubscriptionInactive)

	future := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Second)
	repo.db.Model(sub).Update("expires_at", future)

	if err := repo.ActivateSubscription(user.ID, 3); err != nil {
		t.Fatalf("ActivateSubscription failed: %v", err)
	}

	updated, _ := repo.GetSubscriptionByUserID(user.ID)
	if updated.Status != SubscriptionActive {
		t.Errorf("status = %s, want active", updated.Status)
	}
	want := future.AddDate(0, 0, 3)
	if updated.ExpiresAt == nil || !updated.ExpiresAt.Equal(want) {
		t.Errorf("expires_at = %v, want %v", updated.ExpiresAt, want)
	}
	if updated.DaysPaid != 3 {
		t.Errorf("days_paid = %d, want 3", updated.DaysPaid)
	}
}

func TestDebitBalanceGuarded(t *testing.T) {
	repo := setupTestRepo(t)
	user := createTestUser(t, repo, 110, "10", "")

	if err := repo.DebitBalance(user.ID, decimal.RequireFromString("10")); err != nil {
		t.Fatalf("DebitBalance failed: %v", err)
	}
	err := repo.DebitBalance(user.ID, decimal.RequireFromString("1"))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	updated, _ := repo.GetUserByID(user.ID)
	if !updated.Balance.IsZero() {
		t.Errorf("balance = %s, want 0", updated.Balance)
	}
}

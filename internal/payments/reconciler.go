package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"remna-bot/internal/billing"
	"remna-bot/internal/db"
	"remna-bot/internal/gates/remnawave"
)

// Outcome - результат обработки уведомления, отдается провайдеру,
// чтобы его логика повторной доставки вела себя корректно
type Outcome string

const (
	OutcomeProcessed        Outcome = "ok"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeIgnored          Outcome = "ignored"
)

// NotificationStatus - терминальное состояние платежа у провайдера
type NotificationStatus string

const (
	NotificationSucceeded NotificationStatus = "succeeded"
	NotificationCanceled  NotificationStatus = "canceled"
)

// Notification - нормализованное уведомление платежного провайдера.
// Проверка подписи и разбор формата конкретного провайдера происходят
// до этого слоя.
type Notification struct {
	PaymentID string
	Method    string
	Status    NotificationStatus
	Amount    decimal.Decimal
	Currency  string
}

// Reconciler применяет уведомления провайдера к журналу транзакций и
// балансу ровно один раз, сколько бы раз их ни доставили
type Reconciler struct {
	repo       *db.Repository
	panel      billing.PanelClient
	dailyPrice decimal.Decimal

	// Уведомление пользователя об оплате, может быть nil
	notifyFn func(telegramID int64, message string)
}

func NewReconciler(repo *db.Repository, panel billing.PanelClient, dailyPrice decimal.Decimal, notifyFn func(int64, string)) *Reconciler {
	return &Reconciler{
		repo:       repo,
		panel:      panel,
		dailyPrice: dailyPrice,
		notifyFn:   notifyFn,
	}
}

// Handle применяет одно уведомление. Списаний здесь не бывает никогда:
// успешный платеж зачисляется, отмененный только помечается.
func (r *Reconciler) Handle(ctx context.Context, n Notification) (Outcome, error) {
	if n.PaymentID == "" {
		return OutcomeIgnored, errors.New("payment id is required")
	}

	switch n.Status {
	case NotificationSucceeded:
		return r.handleSucceeded(ctx, n)
	case NotificationCanceled:
		return r.handleCanceled(n)
	default:
		slog.Warn("Unknown payment notification status", "payment_id", n.PaymentID, "status", n.Status)
		return OutcomeIgnored, nil
	}
}

func (r *Reconciler) handleSucceeded(ctx context.Context, n Notification) (Outcome, error) {
	trx, err := r.repo.CompleteDeposit(n.PaymentID, n.Method)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Неизвестный платеж: логируем и подтверждаем, чтобы провайдер
		// перестал доставлять уведомление повторно
		slog.Warn("Transaction not found for payment", "payment_id", n.PaymentID, "method", n.Method)
		return OutcomeIgnored, nil
	}
	if errors.Is(err, db.ErrAlreadyProcessed) {
		slog.Info("Payment already processed", "payment_id", n.PaymentID)
		return OutcomeAlreadyProcessed, nil
	}
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("complete deposit %s: %w", n.PaymentID, err)
	}

	if !n.Amount.IsZero() && !n.Amount.Equal(trx.Amount) {
		slog.Warn("Webhook amount differs from stored transaction",
			"payment_id", n.PaymentID, "webhook_amount", n.Amount, "stored_amount", trx.Amount)
	}

	slog.Info("Payment completed, balance credited",
		"payment_id", n.PaymentID, "user_id", trx.UserID, "amount", trx.Amount)

	// Дальше только best-effort: продление и уведомление не влияют на
	// корректность самого зачисления
	daysAdded := r.extendAfterDeposit(ctx, trx.UserID)
	r.notifyUser(trx.UserID, trx.Amount, daysAdded)

	return OutcomeProcessed, nil
}

func (r *Reconciler) handleCanceled(n Notification) (Outcome, error) {
	err := r.repo.FailDeposit(n.PaymentID, n.Method, db.TransactionCancelled)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		slog.Warn("Transaction not found for canceled payment", "payment_id", n.PaymentID)
		return OutcomeIgnored, nil
	}
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("fail deposit %s: %w", n.PaymentID, err)
	}

	slog.Info("Payment marked as cancelled", "payment_id", n.PaymentID)
	return OutcomeProcessed, nil
}

// extendAfterDeposit конвертирует пополненный баланс в оплаченные дни:
// продлевает срок в панели на столько целых дней, на сколько хватает
// средств. Ошибки здесь только логируются.
func (r *Reconciler) extendAfterDeposit(ctx context.Context, userID uint) int {
	user, err := r.repo.GetUserByID(userID)
	if err != nil {
		slog.Error("Failed to load user after deposit", "user_id", userID, "error", err)
		return 0
	}
	if !user.Balance.IsPositive() {
		return 0
	}

	sub, err := r.repo.GetSubscriptionByUserID(user.ID)
	if err != nil {
		slog.Error("Failed to load subscription after deposit", "user_id", userID, "error", err)
		return 0
	}

	price := sub.DailyPrice
	if price.IsZero() {
		price = r.dailyPrice
	}
	if !price.IsPositive() {
		return 0
	}

	// Пользователь без доступа в панели: если хватает хотя бы на день,
	// активируем подписку локально, выдача доступа - отдельный процесс
	if user.RemnawaveUUID == nil {
		if sub.Status != db.SubscriptionActive && user.Balance.GreaterThanOrEqual(price) {
			days := int(user.Balance.Div(price).IntPart())
			if err := r.repo.ActivateSubscription(user.ID, days); err != nil {
				slog.Error("Failed to activate subscription after deposit", "user_id", userID, "error", err)
			}
		}
		return 0
	}

	panelUser, err := r.panel.GetUserByUUID(ctx, *user.RemnawaveUUID)
	if err != nil {
		slog.Error("Failed to fetch panel user after deposit", "user_id", userID, "error", err)
		return 0
	}

	deviceCount := panelUser.HWIDDeviceLimit
	if deviceCount < 1 {
		deviceCount = 1
	}
	dailyCost := billing.Charge(price, deviceCount)

	days := user.Balance.Div(dailyCost).IntPart()
	if days <= 0 {
		return 0
	}
	cost := dailyCost.Mul(decimal.NewFromInt(days))

	now := time.Now().UTC()
	base := now
	if panelUser.ExpireAt != nil && panelUser.ExpireAt.After(now) {
		base = *panelUser.ExpireAt
	}
	newExpire := base.AddDate(0, 0, int(days))

	if err := r.panel.UpdateUser(ctx, remnawave.UpdateUserRequest{
		UUID:     *user.RemnawaveUUID,
		ExpireAt: &newExpire,
	}); err != nil {
		slog.Error("Failed to extend panel expiry after deposit", "user_id", userID, "error", err)
		return 0
	}

	if err := r.repo.DebitBalance(user.ID, cost); err != nil {
		slog.Error("Failed to debit balance for prepaid extension", "user_id", userID, "error", err)
	}
	if err := r.repo.RecordPrepaidExtension(user.ID, newExpire, int(days)); err != nil {
		slog.Error("Failed to record prepaid extension", "user_id", userID, "error", err)
	}

	slog.Info("Extended subscription after deposit",
		"user_id", userID, "days", days, "cost", cost, "new_expire", newExpire)
	return int(days)
}

func (r *Reconciler) notifyUser(userID uint, amount decimal.Decimal, daysAdded int) {
	if r.notifyFn == nil {
		return
	}
	user, err := r.repo.GetUserByID(userID)
	if err != nil {
		return
	}

	var text string
	if daysAdded > 0 {
		text = fmt.Sprintf("✅ Оплата %s₽ получена!\nПодписка продлена на %d дн.", amount, daysAdded)
	} else {
		text = fmt.Sprintf("✅ Оплата %s₽ получена!\nВаш баланс: %s₽", amount, user.Balance)
	}
	r.notifyFn(user.TelegramID, text)
}

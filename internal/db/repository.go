package db

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var (
	// ErrInsufficientBalance - на балансе не хватает средств для списания
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrAlreadyProcessed - платеж уже был проведен ранее
	ErrAlreadyProcessed = errors.New("payment already processed")
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(driver, dsn string) (*Repository, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported db driver: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}

	return &Repository{db: db}, nil
}

func (r *Repository) DB() *gorm.DB {
	return r.db
}

func (r *Repository) AutoMigrate() error {
	err := r.db.AutoMigrate(
		&User{},
		&Subscription{},
		&Transaction{},
	)
	if err != nil {
		return err
	}
	return updateSubscriptionStatusConstraint(r.db)
}

// GetUserByID возвращает пользователя по внутреннему ID
func (r *Repository) GetUserByID(id uint) (*User, error) {
	var user User
	if err := r.db.First(&user, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *Repository) GetUserByTelegramID(tgID int64) (*User, error) {
	var user User
	if err := r.db.First(&user, "telegram_id = ?", tgID).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// ListFundedPanelUsers - пользователи с доступом в панели и положительным
// балансом, кандидаты на ежедневное списание
func (r *Repository) ListFundedPanelUsers() ([]User, error) {
	var users []User
	err := r.db.
		Where("remnawave_uuid IS NOT NULL AND balance > 0 AND is_blocked = false").
		Find(&users).Error
	return users, err
}

// ListUnfundedPanelUsers - пользователи с доступом в панели и нулевым или
// отрицательным балансом, кандидаты на отключение
func (r *Repository) ListUnfundedPanelUsers() ([]User, error) {
	var users []User
	err := r.db.
		Where("remnawave_uuid IS NOT NULL AND balance <= 0 AND is_blocked = false").
		Find(&users).Error
	return users, err
}

func (r *Repository) GetSubscriptionByUserID(userID uint) (*Subscription, error) {
	var sub Subscription
	if err := r.db.First(&sub, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

// ChargeForDay проводит дневное списание одной транзакцией БД:
// списывает amount с баланса (только если средств хватает), переносит
// expires_at, отмечает дату списания и пишет запись в журнал транзакций.
func (r *Repository) ChargeForDay(userID uint, amount decimal.Decimal, newExpire, now time.Time) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		// Списание с проверкой баланса в одном UPDATE, чтобы не
		// разъехаться с параллельным зачислением вебхука
		res := tx.Model(&User{}).
			Where("id = ? AND balance >= ?", userID, amount).
			Update("balance", gorm.Expr("balance - ?", amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInsufficientBalance
		}

		var sub Subscription
		if err := tx.First(&sub, "user_id = ?", userID).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{
			"expires_at":     newExpire,
			"last_charge_at": now,
			"days_paid":      gorm.Expr("days_paid + 1"),
		}
		// Первое успешное списание активирует подписку
		if sub.Status == SubscriptionTrial || sub.Status == SubscriptionInactive {
			updates["status"] = SubscriptionActive
		}
		if err := tx.Model(&sub).Updates(updates).Error; err != nil {
			return err
		}

		completedAt := now
		record := Transaction{
			UserID:      userID,
			Type:        TransactionSubscription,
			Status:      TransactionCompleted,
			Amount:      amount,
			Description: "Ежедневное списание за подписку",
			CompletedAt: &completedAt,
		}
		return tx.Create(&record).Error
	})
}

// RevertCharge откатывает дневное списание: возвращает amount на баланс,
// восстанавливает поля подписки из prev и пишет refund-запись в журнал.
// Применяется, когда продление в панели не удалось после списания.
func (r *Repository) RevertCharge(userID uint, amount decimal.Decimal, prev *Subscription) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&User{}).
			Where("id = ?", userID).
			Update("balance", gorm.Expr("balance + ?", amount))
		if res.Error != nil {
			return res.Error
		}

		err := tx.Model(&Subscription{}).
			Where("user_id = ?", userID).
			Updates(map[string]interface{}{
				"expires_at":     prev.ExpiresAt,
				"last_charge_at": prev.LastChargeAt,
				"days_paid":      prev.DaysPaid,
				"status":         prev.Status,
			}).Error
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		record := Transaction{
			UserID:      userID,
			Type:        TransactionRefund,
			Status:      TransactionCompleted,
			Amount:      amount,
			Description: "Возврат списания: панель недоступна",
			CompletedAt: &now,
		}
		return tx.Create(&record).Error
	})
}

func (r *Repository) MarkSubscriptionExpired(userID uint) error {
	return r.db.Model(&Subscription{}).
		Where("user_id = ?", userID).
		Update("status", SubscriptionExpired).Error
}

// CompleteDeposit переводит платеж PENDING -> COMPLETED не более одного
// раза и в той же транзакции зачисляет его сумму на баланс пользователя.
func (r *Repository) CompleteDeposit(paymentID, method string) (*Transaction, error) {
	var trx Transaction
	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&trx, "payment_id = ? AND payment_method = ?", paymentID, method).Error; err != nil {
			return err
		}
		if trx.Status != TransactionPending {
			return ErrAlreadyProcessed
		}

		now := time.Now().UTC()
		res := tx.Model(&Transaction{}).
			Where("id = ? AND status = ?", trx.ID, TransactionPending).
			Updates(map[string]interface{}{
				"status":       TransactionCompleted,
				"completed_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Кто-то успел провести платеж между SELECT и UPDATE
			return ErrAlreadyProcessed
		}

		trx.Status = TransactionCompleted
		trx.CompletedAt = &now

		return tx.Model(&User{}).
			Where("id = ?", trx.UserID).
			Update("balance", gorm.Expr("balance + ?", trx.Amount)).Error
	})
	if err != nil {
		return nil, err
	}
	return &trx, nil
}

// FailDeposit помечает платеж как неуспешный. Баланс не трогаем.
// Повторная доставка того же уведомления - no-op.
func (r *Repository) FailDeposit(paymentID, method string, status TransactionStatus) error {
	var trx Transaction
	if err := r.db.First(&trx, "payment_id = ? AND payment_method = ?", paymentID, method).Error; err != nil {
		return err
	}
	if trx.Status != TransactionPending {
		return nil
	}
	return r.db.Model(&Transaction{}).
		Where("id = ? AND status = ?", trx.ID, TransactionPending).
		Update("status", status).Error
}

func (r *Repository) CreateTransaction(userID uint, trxType TransactionType, amount decimal.Decimal, description, paymentID, method string) (*Transaction, error) {
	trx := Transaction{
		UserID:      userID,
		Type:        trxType,
		Status:      TransactionPending,
		Amount:      amount,
		Description: description,
	}
	if paymentID != "" {
		trx.PaymentID = &paymentID
	}
	if method != "" {
		trx.PaymentMethod = &method
	}
	if err := r.db.Create(&trx).Error; err != nil {
		return nil, err
	}
	return &trx, nil
}

// DebitBalance списывает amount с баланса, если средств хватает
func (r *Repository) DebitBalance(userID uint, amount decimal.Decimal) error {
	res := r.db.Model(&User{}).
		Where("id = ? AND balance >= ?", userID, amount).
		Update("balance", gorm.Expr("balance - ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

// RecordPrepaidExtension фиксирует продление, уже проведенное в панели:
// переносит expires_at, наращивает days_paid и активирует подписку
func (r *Repository) RecordPrepaidExtension(userID uint, newExpire time.Time, days int) error {
	return r.db.Model(&Subscription{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"status":     SubscriptionActive,
			"expires_at": newExpire,
			"days_paid":  gorm.Expr("days_paid + ?", days),
		}).Error
}

// ActivateSubscription включает подписку на days дней: продлевает от
// текущего expires_at если он в будущем, иначе от текущего момента
func (r *Repository) ActivateSubscription(userID uint, days int) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var sub Subscription
		if err := tx.First(&sub, "user_id = ?", userID).Error; err != nil {
			return err
		}

		now := time.Now().UTC()
		base := now
		if sub.ExpiresAt != nil && sub.ExpiresAt.After(now) {
			base = *sub.ExpiresAt
		}
		newExpire := base.AddDate(0, 0, days)

		return tx.Model(&sub).Updates(map[string]interface{}{
			"status":     SubscriptionActive,
			"expires_at": newExpire,
			"days_paid":  gorm.Expr("days_paid + ?", days),
		}).Error
	})
}

package db

import (
	"time"

	"github.com/shopspring/decimal"
)

type SubscriptionStatus string

const (
	SubscriptionInactive SubscriptionStatus = "inactive"
	SubscriptionTrial    SubscriptionStatus = "trial"
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionExpired  SubscriptionStatus = "expired"
)

func (s SubscriptionStatus) String() string {
	return string(s)
}

type TransactionType string

const (
	TransactionDeposit      TransactionType = "deposit"
	TransactionSubscription TransactionType = "subscription"
	TransactionRefund       TransactionType = "refund"
	TransactionBonus        TransactionType = "bonus"
)

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
	TransactionCancelled TransactionStatus = "cancelled"
)

// User - пользователи и их баланс
type User struct {
	ID         uint  `gorm:"primaryKey"`
	TelegramID int64 `gorm:"uniqueIndex;not null"`
	Username   string
	Balance    decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"`

	// UUID пользователя в панели RemnaWave, NULL пока не выдан доступ
	RemnawaveUUID *string `gorm:"size:100;index"`

	IsBlocked bool      `gorm:"default:false"`
	CreatedAt time.Time `gorm:"default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time
}

// Subscription - подписка, один к одному с пользователем
type Subscription struct {
	ID     uint `gorm:"primaryKey"`
	UserID uint `gorm:"uniqueIndex;not null"`

	Status    SubscriptionStatus `gorm:"size:20;default:'inactive';check:status IN ('inactive','trial','active','expired')"`
	ExpiresAt *time.Time

	AutoRenew  bool            `gorm:"default:true"`
	DailyPrice decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"`

	// Дата последнего успешного списания, защита от повторного
	// списания в пределах одних суток
	LastChargeAt *time.Time
	DaysPaid     int `gorm:"default:0"`

	CreatedAt time.Time `gorm:"default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time

	// Relations
	User User `gorm:"foreignKey:UserID"`
}

// Transaction - движения по балансу
type Transaction struct {
	ID     uint `gorm:"primaryKey"`
	UserID uint `gorm:"not null;index"`

	Type   TransactionType   `gorm:"size:20;not null;check:type IN ('deposit','subscription','refund','bonus')"`
	Status TransactionStatus `gorm:"size:20;default:'pending';check:status IN ('pending','completed','failed','cancelled')"`

	Amount      decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	Currency    string          `gorm:"size:10;default:'RUB'"`
	Description string

	// Идентификатор платежа во внешнем провайдере, пара
	// (payment_id, payment_method) - ключ идемпотентности вебхуков
	PaymentID     *string `gorm:"size:100;uniqueIndex:idx_payment_ref"`
	PaymentMethod *string `gorm:"size:50;uniqueIndex:idx_payment_ref"`

	CompletedAt *time.Time
	CreatedAt   time.Time `gorm:"default:CURRENT_TIMESTAMP"`

	// Relations
	User User `gorm:"foreignKey:UserID"`
}

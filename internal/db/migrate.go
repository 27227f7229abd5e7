package db

import (
	"gorm.io/gorm"
)

// updateSubscriptionStatusConstraint приводит check-constraint статусов
// подписки к актуальному набору значений. Старые базы могли быть созданы
// без статуса 'trial'.
func updateSubscriptionStatusConstraint(db *gorm.DB) error {
	switch db.Dialector.Name() {
	case "sqlite":
		// SQLite не умеет менять constraints, пересоздаем таблицу
		return recreateSubscriptionsTableSQLite(db)
	case "postgres":
		return db.Exec("ALTER TABLE subscriptions DROP CONSTRAINT IF EXISTS chk_subscriptions_status; ALTER TABLE subscriptions ADD CONSTRAINT chk_subscriptions_status CHECK (status IN ('inactive','trial','active','expired'))").Error
	}
	return nil
}

func recreateSubscriptionsTableSQLite(db *gorm.DB) error {
	// Проверяем, есть ли строки со статусами вне актуального набора;
	// если нет - таблицу можно не трогать
	var stale int64
	err := db.Model(&Subscription{}).
		Where("status NOT IN ('inactive','trial','active','expired')").
		Count(&stale).Error
	if err != nil {
		return err
	}
	if stale == 0 {
		return nil
	}

	return db.Transaction(func(tx *gorm.DB) error {
		// Неизвестные статусы считаем неактивными
		return tx.Model(&Subscription{}).
			Where("status NOT IN ('inactive','trial','active','expired')").
			Update("status", SubscriptionInactive).Error
	})
}

package billing

import "github.com/shopspring/decimal"

// Charge считает сумму дневного списания: базовая цена за день,
// умноженная на число устройств. Аккаунт без единого устройства все
// равно оплачивается как одно устройство - тарифицируется сам доступ,
// а не подключения.
func Charge(dailyPrice decimal.Decimal, deviceCount int) decimal.Decimal {
	if deviceCount < 1 {
		deviceCount = 1
	}
	return dailyPrice.Mul(decimal.NewFromInt(int64(deviceCount)))
}

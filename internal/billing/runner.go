package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"remna-bot/internal/db"
	"remna-bot/internal/gates/remnawave"
)

// ErrAlreadyRunning - проход списаний уже идет, параллельные запуски запрещены
var ErrAlreadyRunning = errors.New("billing run already in progress")

// PanelClient - операции панели, нужные биллингу
type PanelClient interface {
	GetUserByUUID(ctx context.Context, userUUID string) (*remnawave.PanelUser, error)
	UpdateUser(ctx context.Context, req remnawave.UpdateUserRequest) error
	GetDeviceCount(ctx context.Context, userUUID string) (int, error)
}

// Runner выполняет один полный проход по пользователям: списывает
// дневную плату с тех, у кого есть баланс, и отключает тех, у кого
// баланс исчерпан и срок в панели истек.
type Runner struct {
	repo       *db.Repository
	panel      PanelClient
	dailyPrice decimal.Decimal

	// Гард всего прохода: второй запуск отклоняется, а не ставится в очередь
	runMu sync.Mutex

	stateMu sync.Mutex
	last    LastRun

	now func() time.Time
}

func NewRunner(repo *db.Repository, panel PanelClient, dailyPrice decimal.Decimal) *Runner {
	return &Runner{
		repo:       repo,
		panel:      panel,
		dailyPrice: dailyPrice,
		now:        time.Now,
	}
}

// LastRunStats возвращает снимок состояния последнего прохода
func (r *Runner) LastRunStats() LastRun {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.last
}

// Run выполняет проход списаний. Если проход уже идет, возвращает
// ErrAlreadyRunning не дожидаясь его завершения.
func (r *Runner) Run(ctx context.Context) (*RunReport, error) {
	if !r.runMu.TryLock() {
		return nil, ErrAlreadyRunning
	}
	defer r.runMu.Unlock()

	started := r.now().UTC()
	r.setRunning(started)

	report := &RunReport{StartedAt: started}
	err := r.runPasses(ctx, report)
	report.FinishedAt = r.now().UTC()

	r.recordResult(report, err)

	if err != nil {
		slog.Error("Billing run failed", "error", err,
			"charged", report.UsersCharged, "disabled", report.UsersDisabled)
		return report, err
	}

	slog.Info("Billing run complete",
		"charged", report.UsersCharged,
		"disabled", report.UsersDisabled,
		"push_failures", report.PushFailures,
		"errors", len(report.Errors))
	return report, nil
}

func (r *Runner) runPasses(ctx context.Context, report *RunReport) error {
	// Проход 1: списания с пользователей с положительным балансом
	funded, err := r.repo.ListFundedPanelUsers()
	if err != nil {
		return fmt.Errorf("list funded users: %w", err)
	}
	slog.Info("Billing run: charge pass", "users", len(funded))

	for i := range funded {
		user := &funded[i]
		charged, err := r.chargeUser(ctx, user, report)
		if err != nil {
			// Ошибка одного пользователя не останавливает проход
			slog.Error("Failed to charge user", "telegram_id", user.TelegramID, "error", err)
			report.Errors = append(report.Errors, fmt.Sprintf("charge user %d: %v", user.TelegramID, err))
			continue
		}
		if charged {
			report.UsersCharged++
		}
	}

	// Проход 2: отключение пользователей с исчерпанным балансом
	unfunded, err := r.repo.ListUnfundedPanelUsers()
	if err != nil {
		return fmt.Errorf("list unfunded users: %w", err)
	}
	slog.Info("Billing run: disable pass", "users", len(unfunded))

	for i := range unfunded {
		user := &unfunded[i]
		disabled, err := r.disableUserIfExpired(ctx, user)
		if err != nil {
			slog.Error("Failed to disable user", "telegram_id", user.TelegramID, "error", err)
			report.Errors = append(report.Errors, fmt.Sprintf("disable user %d: %v", user.TelegramID, err))
			continue
		}
		if disabled {
			report.UsersDisabled++
		}
	}

	return nil
}

// chargeUser списывает с одного пользователя дневную плату и продлевает
// его срок в панели на сутки. Возвращает true только при фактическом списании.
func (r *Runner) chargeUser(ctx context.Context, user *db.User, report *RunReport) (bool, error) {
	panelUser, err := r.panel.GetUserByUUID(ctx, *user.RemnawaveUUID)
	if errors.Is(err, remnawave.ErrNotFound) {
		slog.Warn("Panel user not found, skipping charge", "telegram_id", user.TelegramID)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	now := r.now().UTC()

	// Срок уже истек - это кандидат на отключение, не на списание
	if panelUser.ExpireAt != nil && panelUser.ExpireAt.Before(now) {
		return false, nil
	}

	sub, err := r.repo.GetSubscriptionByUserID(user.ID)
	if err != nil {
		return false, err
	}

	// Реактивация истекшей подписки - не дело биллинга
	if sub.Status == db.SubscriptionExpired {
		return false, nil
	}

	// За одни сутки списываем не больше одного раза, повторный проход - no-op
	if sub.LastChargeAt != nil && sameDay(sub.LastChargeAt.UTC(), now) {
		return false, nil
	}

	deviceCount, err := r.panel.GetDeviceCount(ctx, *user.RemnawaveUUID)
	if err != nil {
		return false, err
	}

	price := sub.DailyPrice
	if price.IsZero() {
		price = r.dailyPrice
	}
	amount := Charge(price, deviceCount)

	// Не хватает на день - оставляем как есть до естественного истечения,
	// частично не списываем
	if user.Balance.LessThan(amount) {
		slog.Info("Insufficient balance, skipping charge",
			"telegram_id", user.TelegramID, "balance", user.Balance, "amount", amount)
		return false, nil
	}

	base := now
	if panelUser.ExpireAt != nil && panelUser.ExpireAt.After(now) {
		base = *panelUser.ExpireAt
	}
	newExpire := base.Add(24 * time.Hour)

	prev := *sub

	// Сначала фиксируем списание локально, потом продлеваем в панели:
	// упавший после списания запрос к панели не приводит к повторному
	// списанию при ретрае
	if err := r.repo.ChargeForDay(user.ID, amount, newExpire, now); err != nil {
		if errors.Is(err, db.ErrInsufficientBalance) {
			// Баланс успел измениться после выборки
			return false, nil
		}
		return false, err
	}

	if err := r.panel.UpdateUser(ctx, remnawave.UpdateUserRequest{
		UUID:     *user.RemnawaveUUID,
		ExpireAt: &newExpire,
	}); err != nil {
		// Деньги сняты, доступ не продлен. Возвращаем списание и
		// учитываем сбой отдельной строкой отчета.
		report.PushFailures++
		if revertErr := r.repo.RevertCharge(user.ID, amount, &prev); revertErr != nil {
			slog.Error("Failed to revert charge after push failure",
				"telegram_id", user.TelegramID, "error", revertErr)
			return false, fmt.Errorf("extend push failed (%v), refund also failed: %w", err, revertErr)
		}
		return false, fmt.Errorf("extend push failed, charge refunded: %w", err)
	}

	slog.Info("Charged user",
		"telegram_id", user.TelegramID,
		"amount", amount,
		"devices", deviceCount,
		"new_expire", newExpire)
	return true, nil
}

// disableUserIfExpired отключает пользователя в панели и помечает
// подписку истекшей, если срок в панели уже прошел. Пользователей с
// неистекшим сроком не трогаем: их прошлые списания оплатили время,
// которое еще не израсходовано.
func (r *Runner) disableUserIfExpired(ctx context.Context, user *db.User) (bool, error) {
	panelUser, err := r.panel.GetUserByUUID(ctx, *user.RemnawaveUUID)
	if errors.Is(err, remnawave.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	now := r.now().UTC()
	if panelUser.ExpireAt == nil || !panelUser.ExpireAt.Before(now) {
		return false, nil
	}

	if err := r.panel.UpdateUser(ctx, remnawave.UpdateUserRequest{
		UUID:   *user.RemnawaveUUID,
		Status: remnawave.StatusDisabled,
	}); err != nil {
		return false, err
	}

	if err := r.repo.MarkSubscriptionExpired(user.ID); err != nil {
		return false, err
	}

	slog.Info("Disabled expired user", "telegram_id", user.TelegramID)
	return true, nil
}

func (r *Runner) setRunning(started time.Time) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.last.Running = true
	r.last.At = &started
}

func (r *Runner) recordResult(report *RunReport, err error) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	success := err == nil
	r.last.Running = false
	r.last.Success = &success
	r.last.UsersCharged = report.UsersCharged
	r.last.UsersDisabled = report.UsersDisabled
	r.last.PushFailures = report.PushFailures
	if err != nil {
		r.last.Error = err.Error()
	} else {
		r.last.Error = ""
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"remna-bot/internal/billing"
	"remna-bot/internal/config"
)

// Status - состояние планировщика для админского запроса
type Status struct {
	Enabled        bool       `json:"enabled"`
	BillingTime    string     `json:"billing_time"`
	NextRun        *time.Time `json:"next_run,omitempty"`
	LastRun        *time.Time `json:"last_run,omitempty"`
	LastRunSuccess *bool      `json:"last_run_success,omitempty"`
	LastRunError   string     `json:"last_run_error,omitempty"`
	UsersCharged   int        `json:"users_charged"`
	UsersDisabled  int        `json:"users_disabled"`
	PushFailures   int        `json:"push_failures"`
	IsRunning      bool       `json:"is_running"`
}

// Scheduler запускает ежедневный проход списаний в настроенное время
type Scheduler struct {
	cron   *cron.Cron
	runner *billing.Runner

	// Отправка отчета админу после прохода, может быть nil
	notifyFn func(message string)

	mu          sync.Mutex
	entryID     cron.EntryID
	billingTime string
	started     bool
}

func NewScheduler(runner *billing.Runner, billingTime string, notifyFn func(string)) *Scheduler {
	return &Scheduler{
		cron:        cron.New(),
		runner:      runner,
		notifyFn:    notifyFn,
		billingTime: billingTime,
	}
}

func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	spec, err := cronSpec(s.billingTime)
	if err != nil {
		return err
	}

	id, err := s.cron.AddFunc(spec, s.runBilling)
	if err != nil {
		return fmt.Errorf("failed to add daily billing job: %w", err)
	}
	s.entryID = id
	s.started = true

	s.cron.Start()
	slog.Info("Billing scheduler started", "billing_time", s.billingTime)
	return nil
}

// Stop останавливает расписание. Уже идущий проход не прерывается:
// ждем его завершения, обрывать списание на середине нельзя.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()

	ctx := s.cron.Stop()
	<-ctx.Done()
	slog.Info("Billing scheduler stopped")
}

// Reconfigure меняет время ежедневного запуска. Если новое время сегодня
// уже прошло, следующий запуск будет завтра - как у обычного cron.
func (s *Scheduler) Reconfigure(billingTime string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	spec, err := cronSpec(billingTime)
	if err != nil {
		return err
	}

	if s.entryID != 0 {
		s.cron.Remove(s.entryID)
	}

	id, err := s.cron.AddFunc(spec, s.runBilling)
	if err != nil {
		return fmt.Errorf("failed to reschedule daily billing job: %w", err)
	}
	s.entryID = id
	s.billingTime = billingTime

	slog.Info("Billing scheduler reconfigured", "billing_time", billingTime)
	return nil
}

// ForceRun запускает внеплановый проход. Если проход уже идет,
// возвращает billing.ErrAlreadyRunning.
func (s *Scheduler) ForceRun(ctx context.Context) (*billing.RunReport, error) {
	return s.runner.Run(ctx)
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	enabled := s.started
	billingTime := s.billingTime
	entryID := s.entryID
	s.mu.Unlock()

	st := Status{
		Enabled:     enabled,
		BillingTime: billingTime,
	}

	if enabled && entryID != 0 {
		next := s.cron.Entry(entryID).Next
		if !next.IsZero() {
			st.NextRun = &next
		}
	}

	last := s.runner.LastRunStats()
	st.LastRun = last.At
	st.LastRunSuccess = last.Success
	st.LastRunError = last.Error
	st.UsersCharged = last.UsersCharged
	st.UsersDisabled = last.UsersDisabled
	st.PushFailures = last.PushFailures
	st.IsRunning = last.Running

	return st
}

func (s *Scheduler) runBilling() {
	slog.Info("Running daily billing...")

	report, err := s.runner.Run(context.Background())
	if err != nil {
		if errors.Is(err, billing.ErrAlreadyRunning) {
			// Прошлый проход перевалил за полночь, новый не ставим в очередь
			slog.Warn("Daily billing skipped: previous run still in progress")
			return
		}
		s.sendAdminReport(fmt.Sprintf("🚨 Ежедневное списание завершилось с ошибкой:\n%v", err))
		return
	}

	s.sendAdminReport(fmt.Sprintf(
		"🕒 Ежедневное списание:\n✅ Списано: %d\n⛔ Отключено: %d\n⚠️ Сбои продления: %d\n❗ Ошибки: %d",
		report.UsersCharged, report.UsersDisabled, report.PushFailures, len(report.Errors)))
}

func (s *Scheduler) sendAdminReport(message string) {
	if s.notifyFn == nil {
		return
	}
	s.notifyFn(message)
}

// cronSpec переводит время вида "00:05" в cron-выражение ежедневного запуска
func cronSpec(billingTime string) (string, error) {
	hour, minute, err := config.ParseBillingTime(billingTime)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d * * *", minute, hour), nil
}

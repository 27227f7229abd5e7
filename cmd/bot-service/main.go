package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"remna-bot/internal/billing"
	"remna-bot/internal/config"
	"remna-bot/internal/db"
	"remna-bot/internal/gates/remnawave"
	"remna-bot/internal/paneltest"
	"remna-bot/internal/payments"
	"remna-bot/internal/scheduler"
	"remna-bot/internal/telegram"
	"remna-bot/internal/webapi"
)

func main() {
	// Настраиваем структурированное логирование
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:     slog.LevelInfo,
		AddSource: true,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting bot-service", "version", "1.0.0", "pid", os.Getpid())

	// Загружаем конфигурацию
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Configuration loaded",
		"db_driver", cfg.DBDriver,
		"db_dsn", cfg.DBDsn,
		"panel_url", cfg.PanelURL,
		"billing_time", cfg.BillingTime,
		"daily_price", cfg.DailyPrice,
		"webapi_addr", cfg.WebAPIAddr,
		"has_super_admin", cfg.SuperAdminID != "",
		"has_bot_token", cfg.BotToken != "",
	)

	// Инициализируем репозиторий
	repo, err := db.NewRepository(cfg.DBDriver, cfg.DBDsn)
	if err != nil {
		slog.Error("Failed to initialize database repository", "error", err, "dsn", cfg.DBDsn)
		os.Exit(1)
	}
	slog.Info("Database repository initialized successfully")

	// Выполняем миграции
	if err := repo.AutoMigrate(); err != nil {
		slog.Error("Database migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database migrations completed successfully")

	// Клиент панели RemnaWave
	panel, err := remnawave.NewClient(remnawave.Config{
		BaseURL: cfg.PanelURL,
		APIKey:  cfg.PanelAPIKey,
		Timeout: cfg.PanelTimeout,
	})
	if err != nil {
		slog.Error("Failed to create RemnaWave client", "error", err)
		os.Exit(1)
	}

	// Telegram-нотификатор; без токена уведомления отключены
	notifier, err := telegram.NewNotifier(cfg)
	if err != nil {
		slog.Error("Failed to create Telegram notifier", "error", err)
		slog.Warn("Continuing without Telegram notifications")
		notifier = nil
	}

	// Настраиваем graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Проверяем доступность панели при старте
	panelTest := paneltest.NewIntegrationTest(panel, cfg.PanelURL, notifier.SendAdminReport)
	if err := panelTest.RunStartupTest(ctx); err != nil {
		// Панель может подняться позже, не падаем
		slog.Warn("Panel connectivity test failed, billing will retry on schedule", "error", err)
	}

	// Биллинг: исполнитель прохода и планировщик
	runner := billing.NewRunner(repo, panel, cfg.DailyPrice)
	sched := scheduler.NewScheduler(runner, cfg.BillingTime, notifier.SendAdminReport)

	if err := sched.Start(); err != nil {
		slog.Error("Failed to start billing scheduler", "error", err)
		os.Exit(1)
	}
	defer func() {
		slog.Info("Stopping billing scheduler")
		sched.Stop()
	}()

	// Сверка платежных вебхуков
	reconciler := payments.NewReconciler(repo, panel, cfg.DailyPrice, notifier.SendUserMessage)

	// HTTP-сервер: вебхуки и админские операции
	apiServer := webapi.NewServer(cfg.WebAPIAddr, sched, reconciler)
	go func() {
		slog.Info("Starting web API server")
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Web API server failed", "error", err)
			cancel()
		}
	}()
	defer func() {
		slog.Info("Stopping web API server")
		if err := apiServer.Stop(); err != nil {
			slog.Error("Failed to stop web API server", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("Bot service shutdown completed")
}

package telegram

import (
	"log/slog"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"remna-bot/internal/config"
)

// Notifier отправляет служебные сообщения через Telegram: отчеты о
// списаниях супер-админу и подтверждения оплат пользователям.
// Диалоговый интерфейс бота живет в отдельном сервисе.
type Notifier struct {
	bot *tgbotapi.BotAPI
	cfg *config.Config
}

// NewNotifier создает нотификатор. Без токена возвращает nil - все
// методы nil-безопасны, уведомления просто не отправляются.
func NewNotifier(cfg *config.Config) (*Notifier, error) {
	if cfg.BotToken == "" {
		return nil, nil
	}

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, err
	}
	bot.Debug = false

	slog.Info("Авторизован как телеграм бот", "username", bot.Self.UserName)
	return &Notifier{bot: bot, cfg: cfg}, nil
}

// SendAdminReport отправляет сообщение супер-админу
func (n *Notifier) SendAdminReport(message string) {
	if n == nil || n.cfg.SuperAdminID == "" {
		return
	}

	adminID, err := strconv.ParseInt(n.cfg.SuperAdminID, 10, 64)
	if err != nil {
		return
	}

	msg := tgbotapi.NewMessage(adminID, message)
	if _, err := n.bot.Send(msg); err != nil {
		slog.Error("Failed to send admin report", "error", err)
	}
}

// SendUserMessage отправляет сообщение пользователю по его telegram id
func (n *Notifier) SendUserMessage(telegramID int64, message string) {
	if n == nil {
		return
	}

	msg := tgbotapi.NewMessage(telegramID, message)
	if _, err := n.bot.Send(msg); err != nil {
		slog.Error("Failed to notify user", "telegram_id", telegramID, "error", err)
	}
}

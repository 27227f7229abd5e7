package paneltest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"remna-bot/internal/gates/remnawave"
)

// IntegrationTest проверяет доступность панели RemnaWave при старте.
// Без панели биллинг не может ни продлевать, ни отключать доступ,
// поэтому о недоступности сразу узнает админ.
type IntegrationTest struct {
	client   *remnawave.Client
	baseURL  string
	notifyFn func(message string)
}

func NewIntegrationTest(client *remnawave.Client, baseURL string, notifyFn func(string)) *IntegrationTest {
	return &IntegrationTest{
		client:   client,
		baseURL:  baseURL,
		notifyFn: notifyFn,
	}
}

// RunStartupTest запускает проверку подключения при старте приложения
func (it *IntegrationTest) RunStartupTest(ctx context.Context) error {
	slog.Info("Starting RemnaWave panel connectivity test", "panel_url", it.baseURL)

	if err := it.testConnection(ctx); err != nil {
		errorMsg := fmt.Sprintf("🚨 Панель RemnaWave недоступна при старте!\n\n❌ Ошибка: %v\n🌐 Адрес: %s\n\n⚠️ Списания и продления работать не будут!", err, it.baseURL)
		it.notify(errorMsg)
		return err
	}

	slog.Info("RemnaWave panel connectivity test passed")
	return nil
}

func (it *IntegrationTest) testConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := it.client.Ping(ctx); err != nil {
		return fmt.Errorf("panel ping failed: %w", err)
	}
	return nil
}

func (it *IntegrationTest) notify(message string) {
	if it.notifyFn == nil {
		return
	}
	it.notifyFn(message)
}

package alert

import (
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/coldriver/messagepusher/internal/errlog"
)

// TelegramNotifier delivers error-ledger threshold alerts to operator chat
// ids. It is optional; the supervisor wires it only when a bot token is
// configured.
type TelegramNotifier struct {
	bot     *tgbotapi.BotAPI
	chatIDs []int64
	logger  *slog.Logger
}

func NewTelegramNotifier(token string, chatIDs []int64, logger *slog.Logger) (*TelegramNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return &TelegramNotifier{
		bot:     bot,
		chatIDs: chatIDs,
		logger:  logger.With("component", "alert"),
	}, nil
}

// Notify implements errlog.Notifier. Send failures are logged, never
// propagated: alerting must not take the engine down.
func (t *TelegramNotifier) Notify(severity errlog.Severity, count int, last errlog.Record) {
	text := formatAlert(severity, count, last)
	for _, chatID := range t.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		if _, err := t.bot.Send(msg); err != nil {
			t.logger.Warn("alert delivery failed", "chat_id", chatID, "error", err)
		}
	}
}

func formatAlert(severity errlog.Severity, count int, last errlog.Record) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %d error(s) since last alert\n", strings.ToUpper(string(severity)), count)
	fmt.Fprintf(&sb, "latest: %s: %s\n", last.Type, last.Message)
	fmt.Fprintf(&sb, "at: %s", last.Timestamp.Format("2006-01-02 15:04:05 UTC"))
	for k, v := range last.Context {
		fmt.Fprintf(&sb, "\n%s: %s", k, v)
	}
	return sb.String()
}

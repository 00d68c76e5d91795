package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// telegramMessageLimit is Telegram's hard cap per message.
const telegramMessageLimit = 4096

// TelegramNotifier sends notifications to a fixed set of chats.
type TelegramNotifier struct {
	token   string
	chatIDs []int64
	logger  *slog.Logger

	// The bot is created lazily so construction never needs network.
	botMu sync.Mutex
	bot   *tgbotapi.BotAPI
}

// NewTelegramNotifier validates the configuration; it does not talk to
// the Telegram API until the first Notify.
func NewTelegramNotifier(token string, chatIDs []int64, logger *slog.Logger) (*TelegramNotifier, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram: token is required")
	}
	if len(chatIDs) == 0 {
		return nil, fmt.Errorf("telegram: at least one chat id is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramNotifier{token: token, chatIDs: chatIDs, logger: logger}, nil
}

func (t *TelegramNotifier) Name() string { return "telegram" }

// Notify sends the message to every configured chat. Per-chat failures
// are joined so one dead chat doesn't hide the others.
func (t *TelegramNotifier) Notify(ctx context.Context, message string) error {
	bot, err := t.ensureBot()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	text := truncateMessage(message, telegramMessageLimit)
	var errs []error
	for _, chatID := range t.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		if _, err := bot.Send(msg); err != nil {
			t.logger.Error("telegram send failed", "chat_id", chatID, "error", err)
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}

func (t *TelegramNotifier) ensureBot() (*tgbotapi.BotAPI, error) {
	t.botMu.Lock()
	defer t.botMu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram bot connected", "user", bot.Self.UserName)
	t.bot = bot
	return bot, nil
}

// Package notify delivers settlement alerts to operators. The Telegram
// notifier posts excluded fights to a moderation channel; Noop drops
// everything for deployments without a bot.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/arenax/fight-engine/internal/model"
	"github.com/arenax/fight-engine/internal/rules"
	"github.com/arenax/fight-engine/internal/settle"
)

var (
	_ settle.Notifier = (*Telegram)(nil)
	_ settle.Notifier = Noop{}
)

// Telegram posts exclusion alerts to a fixed chat via the Bot API.
type Telegram struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewTelegram creates a Telegram notifier. The constructor calls the Bot
// API to validate the token.
func NewTelegram(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("notify: create telegram bot: %w", err)
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("notify: invalid chat id %q: %w", chatID, err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Telegram{
		bot:            bot,
		chatID:         id,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// FightExcluded posts the exclusion with its violations, retrying with a
// linearly growing delay. Telegram rate limits are the usual failure here.
func (t *Telegram) FightExcluded(ctx context.Context, fight *model.Fight, violations []rules.Result) error {
	msg := tgbotapi.NewMessage(t.chatID, formatExclusion(fight, violations))
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < t.maxRetries; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := t.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(t.retryDelayBase * time.Duration(i+1))
	}
	return fmt.Errorf("notify: send after %d retries: %w", t.maxRetries, lastErr)
}

func formatExclusion(fight *model.Fight, violations []rules.Result) string {
	var b strings.Builder
	b.WriteString("🚨 *Fight excluded from rankings*\n\n")
	b.WriteString(fmt.Sprintf("Fight: %s\n", escapeMarkdownV2(fight.ID)))
	b.WriteString(fmt.Sprintf("Stake: %s\n", escapeMarkdownV2(fight.Stake.String())))
	b.WriteString(fmt.Sprintf("Status: %s\n\n", escapeMarkdownV2(string(fight.Status))))

	b.WriteString("Violations:\n")
	for i, v := range violations {
		b.WriteString(fmt.Sprintf("%d\\. *%s* \\(%s\\): %s\n",
			i+1,
			escapeMarkdownV2(v.Rule),
			escapeMarkdownV2(string(v.Outcome)),
			escapeMarkdownV2(v.Message)))
	}
	return b.String()
}

// escapeMarkdownV2 escapes the characters Telegram's MarkdownV2 parser
// treats as markup.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteRune('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

// Noop discards every notification.
type Noop struct{}

func (Noop) FightExcluded(context.Context, *model.Fight, []rules.Result) error { return nil }

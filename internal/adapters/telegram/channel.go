package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"proactive-engine/internal/domain"
	"proactive-engine/internal/infra/metrics"
)

// Channel реализует domain.DeliveryChannel поверх Bot API.
type Channel struct {
	bot *tgbotapi.BotAPI
	log zerolog.Logger
}

var _ domain.DeliveryChannel = (*Channel)(nil)

// NewChannel создаёт канал доставки.
func NewChannel(bot *tgbotapi.BotAPI, log zerolog.Logger) *Channel {
	return &Channel{bot: bot, log: log}
}

// Send отправляет сообщение в выбранном формате. Отказ Bot API из-за
// разметки превращается в подсказку формата, а не в ошибку: решение о
// повторе остаётся за отправителем.
func (c *Channel) Send(ctx context.Context, chatID int64, msg domain.OutgoingMessage) (domain.DeliveryResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.DeliveryResult{}, err
	}

	if msg.Format == domain.FormatText {
		return c.sendText(ctx, chatID, msg.Text)
	}

	chattable, err := buildChattable(chatID, msg)
	if err != nil {
		return domain.DeliveryResult{Success: false, FallbackFormat: domain.FormatText}, nil
	}

	start := time.Now()
	_, err = c.bot.Send(chattable)
	metrics.ObserveNetworkRequest("telegram", "send_message", string(msg.Format), start, err)
	if err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) {
			switch {
			case apiErr.Code == 400 && msg.Format != domain.FormatText:
				// Разметка не принята: пробуем обычным текстом.
				c.log.Debug().Int64("chat", chatID).Str("format", string(msg.Format)).Msg("telegram: формат отклонён")
				return domain.DeliveryResult{Success: false, FallbackFormat: domain.FormatText}, nil
			case apiErr.Code == 429:
				return domain.DeliveryResult{Success: false, Retryable: true}, nil
			case apiErr.Code == 403:
				// Пользователь заблокировал бота.
				return domain.DeliveryResult{}, fmt.Errorf("бот заблокирован: %w", err)
			}
		}
		return domain.DeliveryResult{Success: false, Retryable: true}, fmt.Errorf("отправка в telegram: %w", err)
	}
	return domain.DeliveryResult{Success: true}, nil
}

func (c *Channel) sendText(ctx context.Context, chatID int64, text string) (domain.DeliveryResult, error) {
	for _, part := range SplitMessage(text) {
		if err := ctx.Err(); err != nil {
			return domain.DeliveryResult{}, err
		}
		start := time.Now()
		_, err := c.bot.Send(tgbotapi.NewMessage(chatID, part))
		metrics.ObserveNetworkRequest("telegram", "send_message", string(domain.FormatText), start, err)
		if err != nil {
			var apiErr *tgbotapi.Error
			if errors.As(err, &apiErr) && apiErr.Code == 429 {
				return domain.DeliveryResult{Success: false, Retryable: true}, nil
			}
			return domain.DeliveryResult{Success: false, Retryable: true}, fmt.Errorf("отправка в telegram: %w", err)
		}
	}
	return domain.DeliveryResult{Success: true}, nil
}

func buildChattable(chatID int64, msg domain.OutgoingMessage) (tgbotapi.Chattable, error) {
	switch msg.Format {
	case domain.FormatButton:
		if len(msg.Buttons) == 0 {
			return nil, errors.New("нет кнопок")
		}
		row := make([]tgbotapi.InlineKeyboardButton, 0, len(msg.Buttons))
		for _, b := range msg.Buttons {
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(b, b))
		}
		out := tgbotapi.NewMessage(chatID, msg.Text)
		out.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(row)
		return out, nil

	case domain.FormatList:
		var b strings.Builder
		b.WriteString(msg.Text)
		for _, row := range msg.Rows {
			b.WriteString("\n— ")
			b.WriteString(row)
		}
		return tgbotapi.NewMessage(chatID, b.String()), nil

	case domain.FormatCTAURL:
		if msg.LinkURL == "" {
			return nil, errors.New("нет ссылки")
		}
		out := tgbotapi.NewMessage(chatID, msg.Text)
		out.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL(msg.LinkLabel, msg.LinkURL)),
		)
		return out, nil

	default:
		return tgbotapi.NewMessage(chatID, msg.Text), nil
	}
}

package gateway

import (
	"context"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"proactive-engine/internal/domain"
)

// Handler принимает апдейты Bot API и публикует события ответов в очередь.
// Вся классификация ответов живёт в движке; шлюз только нормализует ввод.
type Handler struct {
	bot   *tgbotapi.BotAPI
	users domain.UserRepo
	queue domain.ReplyQueue
	cache domain.Cache
	// integrations — имя интеграции -> базовый URL её OAuth-портала.
	integrations map[string]string
	log          zerolog.Logger
}

// NewHandler создаёт обработчик вебхука.
func NewHandler(bot *tgbotapi.BotAPI, users domain.UserRepo, queue domain.ReplyQueue, cache domain.Cache, integrations map[string]string, log zerolog.Logger) *Handler {
	return &Handler{bot: bot, users: users, queue: queue, cache: cache, integrations: integrations, log: log}
}

// HandleUpdate обрабатывает входящий апдейт.
func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	switch {
	case upd.Message != nil:
		h.handleMessage(ctx, upd.Message)
	case upd.CallbackQuery != nil:
		h.handleCallback(ctx, upd.CallbackQuery)
	case upd.MyChatMember != nil:
		h.handleChatMember(ctx, upd.MyChatMember)
	}
}

// handleChatMember превращает блокировку бота в отчёт о недоставке:
// все ожидающие записи пользователя закроются как undelivered.
func (h *Handler) handleChatMember(ctx context.Context, upd *tgbotapi.ChatMemberUpdated) {
	if upd.NewChatMember.Status != "kicked" && upd.NewChatMember.Status != "left" {
		return
	}
	user, err := h.users.GetByTGID(ctx, upd.From.ID)
	if err != nil {
		h.log.Debug().Err(err).Int64("tg_user", upd.From.ID).Msg("gateway: блокировка от неизвестного пользователя")
		return
	}

	event := domain.ReplyEvent{
		ID:         uuid.NewString(),
		UserID:     user.ID,
		ChatID:     upd.Chat.ID,
		Kind:       domain.ReplyEventReceipt,
		ReceivedAt: time.Unix(int64(upd.Date), 0).UTC(),
		Delivered:  false,
		FailCause:  "бот заблокирован пользователем",
	}
	if err := h.queue.Enqueue(ctx, event); err != nil {
		h.log.Error().Err(err).Int64("user", user.ID).Msg("gateway: публикация отчёта о блокировке")
	}
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)

	locale := msg.From.LanguageCode
	user, err := h.users.UpsertByTGID(ctx, msg.From.ID, msg.Chat.ID, locale, "")
	if err != nil {
		h.log.Error().Err(err).Int64("tg_user", msg.From.ID).Msg("gateway: upsert пользователя")
		return
	}

	if strings.HasPrefix(text, "/start") {
		h.reply(msg.Chat.ID, "Привет! Я буду присылать напоминания и подсказки, когда это уместно. Напиши «стоп», если какая-то тема не нужна.")
		return
	}
	if strings.HasPrefix(text, "/link") {
		h.handleLink(ctx, user, msg.Chat.ID, strings.TrimPrefix(text, "/link"))
		return
	}

	h.publish(ctx, domain.ReplyEvent{
		ID:         uuid.NewString(),
		UserID:     user.ID,
		ChatID:     msg.Chat.ID,
		Kind:       domain.ReplyEventMessage,
		Text:       text,
		ReceivedAt: time.Unix(int64(msg.Date), 0).UTC(),
	})
}

// handleCallback превращает нажатие кнопки в обычный текстовый ответ.
func (h *Handler) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.From == nil || cb.Message == nil {
		return
	}
	user, err := h.users.GetByTGID(ctx, cb.From.ID)
	if err != nil {
		h.log.Error().Err(err).Int64("tg_user", cb.From.ID).Msg("gateway: пользователь кнопки не найден")
		return
	}

	h.publish(ctx, domain.ReplyEvent{
		ID:         uuid.NewString(),
		UserID:     user.ID,
		ChatID:     cb.Message.Chat.ID,
		Kind:       domain.ReplyEventMessage,
		Text:       cb.Data,
		ReceivedAt: time.Now().UTC(),
	})

	if _, err := h.bot.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		h.log.Debug().Err(err).Msg("gateway: ответ на callback")
	}
}

func (h *Handler) publish(ctx context.Context, event domain.ReplyEvent) {
	if event.Text == "" {
		return
	}
	if err := h.queue.Enqueue(ctx, event); err != nil {
		h.log.Error().Err(err).Int64("user", event.UserID).Msg("gateway: публикация события")
	}
}

func (h *Handler) reply(chatID int64, text string) {
	if h.bot == nil {
		return
	}
	if _, err := h.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		h.log.Error().Err(err).Int64("chat", chatID).Msg("gateway: отправка ответа")
	}
}

package gateway

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"proactive-engine/internal/domain"
)

const (
	linkStatePrefix = "oauth:state:"
	linkStateTTL    = 10 * time.Minute
)

// handleLink выдаёт одноразовую ссылку подключения интеграции.
// Состояние OAuth живёт в TTL-кэше, а не в памяти процесса.
func (h *Handler) handleLink(ctx context.Context, user domain.User, chatID int64, args string) {
	name := strings.ToLower(strings.TrimSpace(args))
	baseURL, ok := h.integrations[name]
	if name == "" || !ok {
		h.reply(chatID, "Доступные интеграции: "+strings.Join(h.integrationNames(), ", ")+". Например: /link calendar")
		return
	}

	token := uuid.NewString()
	value := []byte(strconv.FormatInt(user.ID, 10))
	if err := h.cache.Set(ctx, linkStatePrefix+token, value, linkStateTTL); err != nil {
		h.log.Error().Err(err).Int64("user", user.ID).Msg("gateway: сохранение oauth-состояния")
		h.reply(chatID, "Не получилось подготовить подключение, попробуй ещё раз позже.")
		return
	}

	h.reply(chatID, fmt.Sprintf("Подключение «%s»: %s/oauth/start?state=%s\nСсылка действует 10 минут.",
		name, strings.TrimRight(baseURL, "/"), token))
}

// ConfirmLink проверяет state из OAuth-колбэка, гасит его и возвращает
// пользователя. Повторное использование того же state — ошибка.
func (h *Handler) ConfirmLink(ctx context.Context, state string) (domain.User, error) {
	if state == "" {
		return domain.User{}, fmt.Errorf("пустой state")
	}
	key := linkStatePrefix + state
	value, err := h.cache.Get(ctx, key)
	if err != nil {
		return domain.User{}, fmt.Errorf("чтение oauth-состояния: %w", err)
	}
	if value == nil {
		return domain.User{}, fmt.Errorf("state не найден или истёк")
	}
	if err := h.cache.Delete(ctx, key); err != nil {
		h.log.Warn().Err(err).Msg("gateway: удаление oauth-состояния")
	}

	userID, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		return domain.User{}, fmt.Errorf("повреждённое oauth-состояние: %w", err)
	}
	user, err := h.users.GetByID(ctx, userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("пользователь state: %w", err)
	}

	h.reply(user.ChatID, "Интеграция подключена. Теперь я смогу подсказывать по её данным.")
	return user, nil
}

func (h *Handler) integrationNames() []string {
	names := make([]string, 0, len(h.integrations))
	for name := range h.integrations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

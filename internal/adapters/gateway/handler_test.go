package gateway

import (
	"context"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"proactive-engine/internal/domain"
)

type stubQueue struct {
	events []domain.ReplyEvent
}

func (q *stubQueue) Enqueue(_ context.Context, event domain.ReplyEvent) error {
	q.events = append(q.events, event)
	return nil
}

func (q *stubQueue) Pop(_ context.Context) (domain.ReplyEvent, error) {
	return domain.ReplyEvent{}, nil
}

type stubUsers struct {
	user domain.User
}

func (s *stubUsers) UpsertByTGID(_ context.Context, tgUserID, chatID int64, _, _ string) (domain.User, error) {
	s.user.TGUserID = tgUserID
	s.user.ChatID = chatID
	return s.user, nil
}
func (s *stubUsers) GetByTGID(_ context.Context, _ int64) (domain.User, error) { return s.user, nil }
func (s *stubUsers) GetByID(_ context.Context, _ int64) (domain.User, error)   { return s.user, nil }
func (s *stubUsers) ListOnboarded(_ context.Context) ([]domain.User, error)    { return nil, nil }
func (s *stubUsers) TouchActivity(_ context.Context, _ int64, _ time.Time) error {
	return nil
}

type stubLinkCache struct {
	values map[string][]byte
}

func newStubLinkCache() *stubLinkCache { return &stubLinkCache{values: map[string][]byte{}} }

func (s *stubLinkCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.values[key] = value
	return nil
}
func (s *stubLinkCache) Get(_ context.Context, key string) ([]byte, error) {
	return s.values[key], nil
}
func (s *stubLinkCache) Delete(_ context.Context, key string) error {
	delete(s.values, key)
	return nil
}
func (s *stubLinkCache) AcquireLock(_ context.Context, _ string, _ time.Duration) (bool, error) {
	return true, nil
}
func (s *stubLinkCache) ReleaseLock(_ context.Context, _ string) error { return nil }

func TestHandleMessagePublishesReplyEvent(t *testing.T) {
	queue := &stubQueue{}
	users := &stubUsers{user: domain.User{ID: 42}}
	h := NewHandler(nil, users, queue, newStubLinkCache(), nil, zerolog.Nop())

	h.HandleUpdate(context.Background(), tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: 1001, LanguageCode: "ru"},
		Chat: &tgbotapi.Chat{ID: 2002},
		Text: "спасибо, очень вовремя",
		Date: int(time.Date(2025, 4, 7, 12, 0, 0, 0, time.UTC).Unix()),
	}})

	if len(queue.events) != 1 {
		t.Fatalf("ожидали одно событие, получили %d", len(queue.events))
	}
	event := queue.events[0]
	if event.UserID != 42 || event.ChatID != 2002 {
		t.Fatalf("идентификаторы события: user=%d chat=%d", event.UserID, event.ChatID)
	}
	if event.Kind != domain.ReplyEventMessage || event.Text != "спасибо, очень вовремя" {
		t.Fatalf("событие: %+v", event)
	}
	if event.ID == "" {
		t.Fatal("событие без идентификатора")
	}
}

func TestHandleMessageIgnoresEmptyText(t *testing.T) {
	queue := &stubQueue{}
	h := NewHandler(nil, &stubUsers{user: domain.User{ID: 42}}, queue, newStubLinkCache(), nil, zerolog.Nop())

	h.HandleUpdate(context.Background(), tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: 1001},
		Chat: &tgbotapi.Chat{ID: 2002},
		Text: "   ",
	}})

	if len(queue.events) != 0 {
		t.Fatalf("пустой текст не должен публиковаться, событий %d", len(queue.events))
	}
}

func TestLinkRoundTrip(t *testing.T) {
	queue := &stubQueue{}
	cache := newStubLinkCache()
	users := &stubUsers{user: domain.User{ID: 42, ChatID: 2002}}
	h := NewHandler(nil, users, queue, cache, map[string]string{"calendar": "https://cal.local/"}, zerolog.Nop())

	h.HandleUpdate(context.Background(), tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: 1001},
		Chat: &tgbotapi.Chat{ID: 2002},
		Text: "/link calendar",
	}})

	if len(queue.events) != 0 {
		t.Fatalf("команда не должна попадать в очередь, событий %d", len(queue.events))
	}
	if len(cache.values) != 1 {
		t.Fatalf("ожидали одно oauth-состояние, получили %d", len(cache.values))
	}

	var state string
	for key, value := range cache.values {
		state = key[len(linkStatePrefix):]
		if string(value) != "42" {
			t.Fatalf("в состоянии должен лежать id пользователя, лежит %q", value)
		}
	}

	user, err := h.ConfirmLink(context.Background(), state)
	if err != nil {
		t.Fatalf("подтверждение подключения: %v", err)
	}
	if user.ID != 42 {
		t.Fatalf("подтверждение вернуло пользователя %d", user.ID)
	}
	if len(cache.values) != 0 {
		t.Fatal("state должен гаситься после использования")
	}
	if _, err := h.ConfirmLink(context.Background(), state); err == nil {
		t.Fatal("повторное использование state должно отклоняться")
	}
}

func TestChatMemberBlockPublishesReceipt(t *testing.T) {
	queue := &stubQueue{}
	h := NewHandler(nil, &stubUsers{user: domain.User{ID: 42}}, queue, newStubLinkCache(), nil, zerolog.Nop())

	h.HandleUpdate(context.Background(), tgbotapi.Update{MyChatMember: &tgbotapi.ChatMemberUpdated{
		Chat:          tgbotapi.Chat{ID: 2002},
		From:          tgbotapi.User{ID: 1001},
		Date:          int(time.Date(2025, 4, 7, 12, 0, 0, 0, time.UTC).Unix()),
		NewChatMember: tgbotapi.ChatMember{Status: "kicked"},
	}})

	if len(queue.events) != 1 {
		t.Fatalf("ожидали отчёт о блокировке, событий %d", len(queue.events))
	}
	event := queue.events[0]
	if event.Kind != domain.ReplyEventReceipt || event.Delivered {
		t.Fatalf("событие блокировки: %+v", event)
	}
	if event.UserID != 42 || event.RecordID != "" {
		t.Fatalf("отчёт без RecordID относится ко всем записям пользователя: %+v", event)
	}
}

func TestLinkUnknownIntegration(t *testing.T) {
	cache := newStubLinkCache()
	h := NewHandler(nil, &stubUsers{user: domain.User{ID: 42}}, &stubQueue{}, cache, map[string]string{"calendar": "https://cal.local"}, zerolog.Nop())

	h.HandleUpdate(context.Background(), tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: 1001},
		Chat: &tgbotapi.Chat{ID: 2002},
		Text: "/link spotify",
	}})

	if len(cache.values) != 0 {
		t.Fatalf("для неизвестной интеграции состояние не создаётся, записей %d", len(cache.values))
	}
}

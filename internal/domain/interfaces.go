package domain

import (
	"context"
	"time"
)

// UserRepo управляет пользователями.
type UserRepo interface {
	UpsertByTGID(ctx context.Context, tgUserID, chatID int64, locale, tz string) (User, error)
	GetByTGID(ctx context.Context, tgUserID int64) (User, error)
	GetByID(ctx context.Context, userID int64) (User, error)
	ListOnboarded(ctx context.Context) ([]User, error)
	// TouchActivity фиксирует входящее сообщение пользователя.
	TouchActivity(ctx context.Context, userID int64, at time.Time) error
}

// SignalStateRepo хранит историю наблюдения сигналов.
type SignalStateRepo interface {
	ListStates(ctx context.Context, userID int64, dedupKeys []string) (map[string]SignalState, error)
	// SaveState создаёт либо обновляет запись (last-write-wins).
	SaveState(ctx context.Context, state SignalState) error
}

// FeedbackRepo управляет записями обратной связи по проактивным сообщениям.
type FeedbackRepo interface {
	CreatePending(ctx context.Context, rec FeedbackRecord) (FeedbackRecord, error)
	ListPending(ctx context.Context, userID int64) ([]FeedbackRecord, error)
	GetRecordByID(ctx context.Context, id string) (FeedbackRecord, error)
	// CloseOutcome переводит запись в терминальный исход ровно один раз.
	CloseOutcome(ctx context.Context, id string, outcome Outcome, sentiment ReplySentiment, score *float64, latency time.Duration) error
	MarkDeliveryFailed(ctx context.Context, id string, cause string) error
	CountSentSince(ctx context.Context, userID int64, since time.Time) (int, error)
	LastSentAt(ctx context.Context, userID int64) (time.Time, error)
	ListSince(ctx context.Context, userID int64, since time.Time) ([]FeedbackRecord, error)
}

// BehaviorRepo хранит поведенческую модель пользователя.
type BehaviorRepo interface {
	GetBehavior(ctx context.Context, userID int64, key string) (UserBehavior, bool, error)
	UpsertBehavior(ctx context.Context, behavior UserBehavior) error
}

// MessageLogRepo ведёт журнал переписки для дедупликации и рефлексии.
type MessageLogRepo interface {
	SaveSent(ctx context.Context, msg SentMessage) error
	ListRecentSent(ctx context.Context, userID int64, limit int) ([]SentMessage, error)
	SaveIncoming(ctx context.Context, userID int64, text string, at time.Time) error
	ListIncomingSince(ctx context.Context, userID int64, since time.Time) ([]IncomingMessage, error)
}

// IncomingMessage — входящее сообщение пользователя в журнале.
type IncomingMessage struct {
	ID     int64
	UserID int64
	Text   string
	At     time.Time
}

// DeferredRepo хранит отложенные отправки и инсайты.
type DeferredRepo interface {
	SaveDeferredSend(ctx context.Context, send DeferredSend) error
	ListDueDeferredSends(ctx context.Context, now time.Time) ([]DeferredSend, error)
	DeleteDeferredSend(ctx context.Context, id int64) error
	SaveInsight(ctx context.Context, insight DeferredInsight) error
	PruneInsights(ctx context.Context, olderThan time.Time) (int, error)
}

// MemoryRepo хранит извлечённые факты долговременной памяти.
type MemoryRepo interface {
	ListFacts(ctx context.Context, userID int64) ([]MemoryFact, error)
	UpdateFact(ctx context.Context, fact MemoryFact) error
	DeleteFact(ctx context.Context, id int64) error
}

// SignalCollector добывает сигналы одного домена (календарь, LMS, почта).
// Реализация не должна возвращать ошибку из-за неподключённой интеграции:
// в этом случае возвращается пустой список.
type SignalCollector interface {
	Name() string
	Collect(ctx context.Context, user User) ([]Signal, error)
}

// CandidateSource генерирует кандидатов сообщений по собранному контексту.
// Пустой список — штатный и самый частый ответ.
type CandidateSource interface {
	Generate(ctx context.Context, cycle CycleContext) ([]Candidate, error)
}

// OutgoingMessage — подготовленное к отправке сообщение.
type OutgoingMessage struct {
	Format    DeliveryFormat
	Text      string
	Buttons   []string
	Rows      []string
	LinkLabel string
	LinkURL   string
}

// DeliveryResult — ответ канала доставки.
type DeliveryResult struct {
	Success   bool
	Retryable bool
	// FallbackFormat подсказывает формат для повторной попытки,
	// если исходный формат не поддержан.
	FallbackFormat DeliveryFormat
}

// DeliveryChannel отправляет сообщения пользователю.
type DeliveryChannel interface {
	Send(ctx context.Context, chatID int64, msg OutgoingMessage) (DeliveryResult, error)
}

// ReplyQueue передаёт события из шлюза в движок.
type ReplyQueue interface {
	Enqueue(ctx context.Context, event ReplyEvent) error
	Pop(ctx context.Context) (ReplyEvent, error)
}

// Cache — TTL-хранилище ключ/значение c арендой блокировок.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// AcquireLock берёт аренду на ключ; false — аренда уже занята.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

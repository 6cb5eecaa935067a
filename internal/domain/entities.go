package domain

import "time"

// User описывает пользователя ассистента.
type User struct {
	ID        int64
	TGUserID  int64
	ChatID    int64
	Locale    string
	Timezone  string
	WakeTime  int // локальный час подъёма
	SleepTime int // локальный час отхода ко сну
	Onboarded bool
	CreatedAt time.Time
	UpdatedAt time.Time
	// LastActiveAt — последнее входящее сообщение пользователя.
	LastActiveAt time.Time
	// TotalMessages — счётчик входящих сообщений за всё время.
	TotalMessages int
}

// Location возвращает часовой пояс пользователя, по умолчанию UTC.
func (u User) Location() *time.Location {
	if u.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SentMessage — запись журнала исходящих сообщений ассистента.
// Журнал питает кулдаун, дневной лимит и дедупликацию текста.
type SentMessage struct {
	ID       int64
	UserID   int64
	Text     string
	Category Category
	Format   DeliveryFormat
	// Proactive — false для обычных ответов в диалоге.
	Proactive bool
	SentAt    time.Time
}

// DeferredSend — отложенная отправка: лучший кандидат цикла, заблокированный
// тихими часами. Доставляется отдельной развёрткой после пробуждения.
type DeferredSend struct {
	ID        int64
	UserID    int64
	Candidate Candidate
	CreatedAt time.Time
	DueAt     time.Time
	ExpiresAt time.Time
}

// DeferredInsight — кандидат с пограничной оценкой, сохранённый для
// реактивного использования.
type DeferredInsight struct {
	ID        int64
	UserID    int64
	Candidate Candidate
	CreatedAt time.Time
}

// CycleContext — неизменяемый контекст одного проактивного цикла пользователя.
// Собирается один раз оркестратором и передаётся по значению всем стадиям.
type CycleContext struct {
	User        User
	Now         time.Time
	Signals     []Signal
	Trust       TrustInfo
	Suppression CategorySuppression
	// RecentMessages — последние исходящие сообщения для дедупликации текста.
	RecentMessages []SentMessage
}

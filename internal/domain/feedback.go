package domain

import "time"

// Outcome описывает терминальное состояние записи обратной связи.
type Outcome string

const (
	// OutcomePending — сообщение отправлено, реакция ещё не классифицирована.
	OutcomePending Outcome = "pending"
	// OutcomePositiveReply — пользователь ответил положительно внутри окна.
	OutcomePositiveReply Outcome = "positive_reply"
	// OutcomeNeutralReply — пользователь ответил нейтрально внутри окна.
	OutcomeNeutralReply Outcome = "neutral_reply"
	// OutcomeNegativeReply — пользователь ответил отрицательно.
	OutcomeNegativeReply Outcome = "negative_reply"
	// OutcomeLateEngage — ответ пришёл после окна, но до таймаута.
	OutcomeLateEngage Outcome = "late_engage"
	// OutcomeExplicitStop — пользователь прямо попросил прекратить.
	OutcomeExplicitStop Outcome = "explicit_stop"
	// OutcomeIgnored — реакции не было до таймаута.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeUndelivered — канал не доставил сообщение.
	OutcomeUndelivered Outcome = "undelivered"
)

// outcomeScores задаёт фиксированную таблицу очков по исходам.
// У undelivered очков нет: доставка не состоялась, о предпочтениях
// пользователя исход ничего не говорит.
var outcomeScores = map[Outcome]float64{
	OutcomePositiveReply: 1.0,
	OutcomeNeutralReply:  0.4,
	OutcomeLateEngage:    0.3,
	OutcomeIgnored:       -0.2,
	OutcomeNegativeReply: -0.7,
	OutcomeExplicitStop:  -1.0,
}

// Score возвращает очки исхода и признак их наличия.
func (o Outcome) Score() (float64, bool) {
	score, ok := outcomeScores[o]
	return score, ok
}

// Engaged сообщает, считается ли исход вовлечённостью пользователя.
func (o Outcome) Engaged() bool {
	switch o {
	case OutcomePositiveReply, OutcomeNeutralReply, OutcomeLateEngage:
		return true
	}
	return false
}

// Negative сообщает, считается ли исход отрицательной реакцией.
func (o Outcome) Negative() bool {
	return o == OutcomeNegativeReply || o == OutcomeExplicitStop
}

// DeliveryStatus описывает состояние доставки сообщения каналом.
type DeliveryStatus string

const (
	DeliveryStatusSent   DeliveryStatus = "sent"
	DeliveryStatusFailed DeliveryStatus = "failed"
)

// ReplySentiment описывает оценку тональности ответа пользователя.
type ReplySentiment string

const (
	SentimentPositive ReplySentiment = "positive"
	SentimentNegative ReplySentiment = "negative"
	SentimentNeutral  ReplySentiment = "neutral"
)

// FeedbackRecord отслеживает судьбу одного проактивного сообщения.
// Создаётся со статусом pending в момент отправки и ровно один раз
// переводится в терминальный исход; обратных переходов нет.
type FeedbackRecord struct {
	ID              string
	UserID          int64
	Category        Category
	TriggerSignals  []SignalType
	Message         string
	Format          DeliveryFormat
	SentAt          time.Time
	Outcome         Outcome
	DeliveryStatus  DeliveryStatus
	DeliveryError   string
	ReplySentiment  ReplySentiment
	FeedbackScore   *float64
	ResponseLatency time.Duration
}

// ReplyEventKind задаёт тип входящего события из шлюза.
type ReplyEventKind string

const (
	ReplyEventMessage ReplyEventKind = "message"
	ReplyEventReceipt ReplyEventKind = "receipt"
)

// ReplyEvent — входящее событие из шлюза: ответ пользователя либо
// отчёт о доставке.
type ReplyEvent struct {
	ID         string         `json:"id"`
	UserID     int64          `json:"user_id"`
	ChatID     int64          `json:"chat_id"`
	Kind       ReplyEventKind `json:"kind"`
	Text       string         `json:"text,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
	// RecordID и Delivered заполняются только для отчётов о доставке.
	RecordID  string `json:"record_id,omitempty"`
	Delivered bool   `json:"delivered,omitempty"`
	FailCause string `json:"fail_cause,omitempty"`
}

package domain

import (
	"fmt"
	"strings"
	"time"
)

// SignalType описывает тип наблюдения о жизни пользователя.
type SignalType string

const (
	// SignalDeadlineApproaching — приближается дедлайн по заданию.
	SignalDeadlineApproaching SignalType = "deadline_approaching"
	// SignalEventUpcoming — скоро начнётся событие календаря.
	SignalEventUpcoming SignalType = "event_upcoming"
	// SignalScheduleGap — в расписании найден свободный промежуток.
	SignalScheduleGap SignalType = "schedule_gap"
	// SignalGradePosted — выставлена новая оценка.
	SignalGradePosted SignalType = "grade_posted"
	// SignalEmailReceived — пришло заметное письмо.
	SignalEmailReceived SignalType = "email_received"
	// SignalMoodLow — пользователь отмечал плохое настроение.
	SignalMoodLow SignalType = "mood_low"
	// SignalBusyDay — день перегружен событиями.
	SignalBusyDay SignalType = "busy_day"
	// SignalHabitAtRisk — привычка под угрозой срыва.
	SignalHabitAtRisk SignalType = "habit_at_risk"
	// SignalHabitMilestone — достигнута веха по привычке.
	SignalHabitMilestone SignalType = "habit_milestone"
	// SignalEveningWindow — наступило вечернее окно.
	SignalEveningWindow SignalType = "evening_window"
	// SignalMorningWindow — наступило утреннее окно.
	SignalMorningWindow SignalType = "morning_window"
)

// AllSignalTypes перечисляет закрытое множество типов сигналов.
var AllSignalTypes = []SignalType{
	SignalDeadlineApproaching,
	SignalEventUpcoming,
	SignalScheduleGap,
	SignalGradePosted,
	SignalEmailReceived,
	SignalMoodLow,
	SignalBusyDay,
	SignalHabitAtRisk,
	SignalHabitMilestone,
	SignalEveningWindow,
	SignalMorningWindow,
}

// Signal представляет типизированное событие, пришедшее от коллектора.
type Signal struct {
	Type        SignalType
	UserID      int64
	Data        map[string]any
	Timestamp   time.Time
	Source      string
	DedupKey    string
	UrgencyHint int
}

// DefaultUrgency возвращает срочность по умолчанию для типа сигнала.
func (t SignalType) DefaultUrgency() int {
	switch t {
	case SignalDeadlineApproaching, SignalGradePosted, SignalMoodLow:
		return 8
	case SignalEventUpcoming, SignalEmailReceived, SignalBusyDay, SignalHabitAtRisk:
		return 5
	case SignalScheduleGap, SignalHabitMilestone, SignalEveningWindow, SignalMorningWindow:
		return 3
	default:
		return 3
	}
}

// ReemitInterval возвращает минимальный интервал повторной эмиссии сигнала.
func (t SignalType) ReemitInterval() time.Duration {
	switch t {
	case SignalDeadlineApproaching, SignalEventUpcoming:
		return time.Hour
	case SignalGradePosted, SignalHabitMilestone:
		return 168 * time.Hour
	default:
		return 12 * time.Hour
	}
}

// externalIDFields перечисляет поля с внешними идентификаторами в порядке приоритета.
var externalIDFields = []string{"event_id", "assignment_id", "email_id", "grade_id"}

// ComputeDedupKey детерминированно выводит ключ дедупликации сигнала.
// Повторный вызов на том же сигнале обязан вернуть тот же ключ.
func (s Signal) ComputeDedupKey() string {
	for _, field := range externalIDFields {
		if id := stringField(s.Data, field); id != "" {
			return fmt.Sprintf("%s:%s", s.Type, id)
		}
	}
	if habit := stringField(s.Data, "habit"); habit != "" {
		return fmt.Sprintf("%s:%s", s.Type, normalizeKeyPart(habit))
	}
	if title := stringField(s.Data, "title"); title != "" {
		key := normalizeKeyPart(title)
		if date := stringField(s.Data, "date"); date != "" {
			key = key + ":" + date
		}
		return fmt.Sprintf("%s:%s", s.Type, key)
	}
	switch s.Type {
	case SignalEveningWindow, SignalMorningWindow, SignalMoodLow:
		return fmt.Sprintf("%s:daily", s.Type)
	}
	return string(s.Type)
}

// WithDedupKey возвращает сигнал с заполненным ключом дедупликации.
func (s Signal) WithDedupKey() Signal {
	if s.DedupKey == "" {
		s.DedupKey = s.ComputeDedupKey()
	}
	return s
}

// Urgency возвращает срочность сигнала с учётом переопределения коллектором.
func (s Signal) Urgency() int {
	if s.UrgencyHint >= 1 && s.UrgencyHint <= 10 {
		return s.UrgencyHint
	}
	return s.Type.DefaultUrgency()
}

// SignalState хранит историю наблюдения сигнала для пары (user_id, dedup_key).
type SignalState struct {
	UserID    int64
	DedupKey  string
	FirstSeen time.Time
	LastSeen  time.Time
	TimesSeen int
}

func stringField(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	if v, ok := data[key]; ok {
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func normalizeKeyPart(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "_")
}

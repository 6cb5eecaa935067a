package enrich

import (
	"time"

	"proactive-engine/internal/domain"
)

// Service аннотирует сигналы перекрёстными подсказками.
// Чистая синхронная стадия: сигналы не добавляются и не выбрасываются,
// меняются только их данные. Для одного и того же входа результат
// детерминирован.
type Service struct{}

// NewService создаёт обогатитель.
func NewService() *Service {
	return &Service{}
}

// Enrich применяет известные комбинации к пачке сигналов одного цикла.
func (s *Service) Enrich(signals []domain.Signal) []domain.Signal {
	s.suggestTaskForGap(signals)
	s.escalateCare(signals)
	s.suggestBedtime(signals)
	return signals
}

// suggestTaskForGap сопоставляет свободное окно и дедлайн: к самому
// длинному окну прикрепляется задача из самого срочного дедлайна.
func (s *Service) suggestTaskForGap(signals []domain.Signal) {
	gapIdx := -1
	var gapMinutes float64
	for i, sig := range signals {
		if sig.Type != domain.SignalScheduleGap {
			continue
		}
		minutes := floatField(sig.Data, "gap_minutes")
		if gapIdx == -1 || minutes > gapMinutes {
			gapIdx = i
			gapMinutes = minutes
		}
	}
	if gapIdx == -1 {
		return
	}

	deadlineIdx := -1
	var deadlineDue time.Time
	for i, sig := range signals {
		if sig.Type != domain.SignalDeadlineApproaching {
			continue
		}
		due := timeField(sig.Data, "due_at")
		if due.IsZero() {
			continue
		}
		if deadlineIdx == -1 || due.Before(deadlineDue) {
			deadlineIdx = i
			deadlineDue = due
		}
	}
	if deadlineIdx == -1 {
		return
	}

	deadline := signals[deadlineIdx]
	gap := signals[gapIdx]
	if gap.Data == nil {
		gap.Data = make(map[string]any)
		signals[gapIdx] = gap
	}
	if title, ok := deadline.Data["title"].(string); ok && title != "" {
		gap.Data["suggested_task"] = title
	}
	if course, ok := deadline.Data["course"].(string); ok && course != "" {
		gap.Data["suggested_course"] = course
	}
}

// escalateCare помечает сигнал настроения при перегруженном дне.
func (s *Service) escalateCare(signals []domain.Signal) {
	busy := false
	for _, sig := range signals {
		if sig.Type == domain.SignalBusyDay {
			busy = true
			break
		}
	}
	if !busy {
		return
	}
	for i, sig := range signals {
		if sig.Type != domain.SignalMoodLow {
			continue
		}
		if sig.Data == nil {
			sig.Data = make(map[string]any)
			signals[i] = sig
		}
		sig.Data["care_escalation"] = true
	}
}

// suggestBedtime помечает привычку под угрозой в вечернем окне.
func (s *Service) suggestBedtime(signals []domain.Signal) {
	evening := false
	for _, sig := range signals {
		if sig.Type == domain.SignalEveningWindow {
			evening = true
			break
		}
	}
	if !evening {
		return
	}
	for i, sig := range signals {
		if sig.Type != domain.SignalHabitAtRisk {
			continue
		}
		if sig.Data == nil {
			sig.Data = make(map[string]any)
			signals[i] = sig
		}
		sig.Data["bedtime_reminder"] = true
	}
}

func floatField(data map[string]any, key string) float64 {
	if data == nil {
		return 0
	}
	switch v := data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func timeField(data map[string]any, key string) time.Time {
	if data == nil {
		return time.Time{}
	}
	switch v := data[key].(type) {
	case time.Time:
		return v
	case string:
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			return ts
		}
	}
	return time.Time{}
}

package enrich

import (
	"testing"
	"time"

	"proactive-engine/internal/domain"
)

func TestSuggestTaskPicksLongestGapAndNearestDeadline(t *testing.T) {
	svc := NewService()
	soon := time.Date(2026, 9, 2, 18, 0, 0, 0, time.UTC)
	later := soon.Add(48 * time.Hour)

	signals := []domain.Signal{
		{Type: domain.SignalScheduleGap, Data: map[string]any{"gap_minutes": 45.0}},
		{Type: domain.SignalScheduleGap, Data: map[string]any{"gap_minutes": 90.0}},
		{Type: domain.SignalDeadlineApproaching, Data: map[string]any{"title": "Далёкое эссе", "due_at": later.Format(time.RFC3339)}},
		{Type: domain.SignalDeadlineApproaching, Data: map[string]any{"title": "Срочная лаба", "course": "CS101", "due_at": soon.Format(time.RFC3339)}},
	}

	out := svc.Enrich(signals)
	if len(out) != 4 {
		t.Fatalf("обогащение не должно менять количество сигналов")
	}
	if task := out[1].Data["suggested_task"]; task != "Срочная лаба" {
		t.Fatalf("ожидали задачу из ближайшего дедлайна, получили %v", task)
	}
	if course := out[1].Data["suggested_course"]; course != "CS101" {
		t.Fatalf("ожидали курс из ближайшего дедлайна, получили %v", course)
	}
	if _, ok := out[0].Data["suggested_task"]; ok {
		t.Fatalf("короткое окно не должно получать подсказку")
	}
}

func TestEnrichIsDeterministic(t *testing.T) {
	svc := NewService()
	build := func() []domain.Signal {
		return []domain.Signal{
			{Type: domain.SignalScheduleGap, Data: map[string]any{"gap_minutes": 60.0}},
			{Type: domain.SignalDeadlineApproaching, Data: map[string]any{"title": "Отчёт", "due_at": "2026-09-03T12:00:00Z"}},
		}
	}
	first := svc.Enrich(build())
	second := svc.Enrich(build())
	if first[0].Data["suggested_task"] != second[0].Data["suggested_task"] {
		t.Fatalf("одинаковый вход должен давать одинаковые аннотации")
	}
}

func TestCareEscalation(t *testing.T) {
	svc := NewService()
	signals := []domain.Signal{
		{Type: domain.SignalMoodLow},
		{Type: domain.SignalBusyDay},
	}
	out := svc.Enrich(signals)
	if v, ok := out[0].Data["care_escalation"].(bool); !ok || !v {
		t.Fatalf("плохое настроение в загруженный день должно получать care_escalation")
	}
}

func TestBedtimeReminder(t *testing.T) {
	svc := NewService()
	out := svc.Enrich([]domain.Signal{
		{Type: domain.SignalHabitAtRisk, Data: map[string]any{"habit": "sleep"}},
		{Type: domain.SignalEveningWindow},
	})
	if v, ok := out[0].Data["bedtime_reminder"].(bool); !ok || !v {
		t.Fatalf("привычка под угрозой вечером должна получать bedtime_reminder")
	}

	// Без вечернего окна пометки нет.
	out = svc.Enrich([]domain.Signal{{Type: domain.SignalHabitAtRisk, Data: map[string]any{"habit": "sleep"}}})
	if _, ok := out[0].Data["bedtime_reminder"]; ok {
		t.Fatalf("без вечернего окна пометки быть не должно")
	}
}

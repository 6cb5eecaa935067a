package domain

import (
	"math"
	"testing"
	"time"
)

func TestComputeDedupKey(t *testing.T) {
	cases := []struct {
		name     string
		signal   Signal
		expected string
	}{
		{
			name:     "внешний идентификатор важнее заголовка",
			signal:   Signal{Type: SignalEventUpcoming, Data: map[string]any{"event_id": "abc123", "title": "Лекция"}},
			expected: "event_upcoming:abc123",
		},
		{
			name:     "заголовок с датой",
			signal:   Signal{Type: SignalDeadlineApproaching, Data: map[string]any{"title": "Essay Draft", "date": "2026-09-03"}},
			expected: "deadline_approaching:essay_draft:2026-09-03",
		},
		{
			name:     "имя привычки",
			signal:   Signal{Type: SignalHabitAtRisk, Data: map[string]any{"habit": "Early Sleep"}},
			expected: "habit_at_risk:early_sleep",
		},
		{
			name:     "временное окно схлопывается в суточный ключ",
			signal:   Signal{Type: SignalEveningWindow},
			expected: "evening_window:daily",
		},
		{
			name:     "настроение схлопывается в суточный ключ",
			signal:   Signal{Type: SignalMoodLow},
			expected: "mood_low:daily",
		},
		{
			name:     "голый тип при отсутствии данных",
			signal:   Signal{Type: SignalBusyDay},
			expected: "busy_day",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.signal.ComputeDedupKey()
			if got != tc.expected {
				t.Fatalf("ожидали %q, получили %q", tc.expected, got)
			}
			if again := tc.signal.ComputeDedupKey(); again != got {
				t.Fatalf("повторное вычисление дало другой ключ: %q", again)
			}
		})
	}
}

func TestSignalUrgencyTiers(t *testing.T) {
	if got := SignalDeadlineApproaching.DefaultUrgency(); got != 8 {
		t.Fatalf("ожидали срочность 8 для дедлайна, получили %d", got)
	}
	if got := SignalEmailReceived.DefaultUrgency(); got != 5 {
		t.Fatalf("ожидали срочность 5 для письма, получили %d", got)
	}
	if got := SignalEveningWindow.DefaultUrgency(); got != 3 {
		t.Fatalf("ожидали срочность 3 для вечернего окна, получили %d", got)
	}
	s := Signal{Type: SignalEveningWindow, UrgencyHint: 9}
	if got := s.Urgency(); got != 9 {
		t.Fatalf("подсказка коллектора должна переопределять тип, получили %d", got)
	}
}

func TestReemitIntervals(t *testing.T) {
	if got := SignalEventUpcoming.ReemitInterval(); got != time.Hour {
		t.Fatalf("ожидали 1ч для события, получили %v", got)
	}
	if got := SignalGradePosted.ReemitInterval(); got != 168*time.Hour {
		t.Fatalf("ожидали 168ч для оценки, получили %v", got)
	}
	if got := SignalBusyDay.ReemitInterval(); got != 12*time.Hour {
		t.Fatalf("ожидали 12ч по умолчанию, получили %v", got)
	}
}

func TestCompositeScore(t *testing.T) {
	c := Candidate{Relevance: 8, Timing: 7, Urgency: 6}
	got := c.ComputeCompositeScore()
	if math.Abs(got-7.15) > 1e-9 {
		t.Fatalf("ожидали 7.15, получили %v", got)
	}
}

func TestTrustDemote(t *testing.T) {
	if got := TrustDeep.Demote(2); got != TrustBuilding {
		t.Fatalf("ожидали building, получили %s", got)
	}
	if got := TrustNew.Demote(2); got != TrustNew {
		t.Fatalf("понижение не должно опускаться ниже new, получили %s", got)
	}
}

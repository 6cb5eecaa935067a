package collectors

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"proactive-engine/internal/domain"
)

func fixedNow() time.Time {
	return time.Date(2025, 4, 7, 8, 0, 0, 0, time.UTC)
}

func serveJSON(t *testing.T, routes map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, ok := routes[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(payload)
	}))
}

func TestCalendarCollect(t *testing.T) {
	now := fixedNow()
	srv := serveJSON(t, map[string]any{
		"/events": []map[string]any{
			{"event_id": "e1", "title": "Матан", "starts_at": now.Add(2 * time.Hour), "ends_at": now.Add(3 * time.Hour)},
			{"event_id": "e2", "title": "Физика", "starts_at": now.Add(6 * time.Hour), "ends_at": now.Add(7 * time.Hour)},
			{"event_id": "e3", "title": "Завтра", "starts_at": now.Add(30 * time.Hour), "ends_at": now.Add(31 * time.Hour)},
		},
	})
	defer srv.Close()

	collector, err := NewCalendar(srv.URL, time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("создание сборщика: %v", err)
	}
	collector.now = fixedNow

	signals, err := collector.Collect(context.Background(), domain.User{ID: 1})
	if err != nil {
		t.Fatalf("сбор: %v", err)
	}

	counts := map[domain.SignalType]int{}
	for _, sig := range signals {
		counts[sig.Type]++
		if sig.DedupKey == "" {
			t.Fatalf("сигнал %s без ключа дедупликации", sig.Type)
		}
	}
	if counts[domain.SignalEventUpcoming] != 2 {
		t.Fatalf("ожидали 2 событийных сигнала, получили %d", counts[domain.SignalEventUpcoming])
	}
	// Между e1 и e2 три часа свободы.
	if counts[domain.SignalScheduleGap] != 1 {
		t.Fatalf("ожидали сигнал окна, получили %d", counts[domain.SignalScheduleGap])
	}
}

func TestCalendarIntegrationAbsent(t *testing.T) {
	collector, err := NewCalendar("", time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("создание сборщика: %v", err)
	}
	signals, err := collector.Collect(context.Background(), domain.User{ID: 1})
	if err != nil {
		t.Fatalf("неподключённая интеграция не должна давать ошибку: %v", err)
	}
	if len(signals) != 0 {
		t.Fatalf("ожидали пустой список, получили %d", len(signals))
	}
}

func TestLMSDeadlinesAndGrades(t *testing.T) {
	now := fixedNow()
	srv := serveJSON(t, map[string]any{
		"/assignments": []map[string]any{
			{"assignment_id": "a1", "title": "Лаба 3", "course": "Физика", "due_at": now.Add(10 * time.Hour), "link": "https://lms.example/a1"},
			{"assignment_id": "a2", "title": "Эссе", "course": "История", "due_at": now.Add(200 * time.Hour)},
			{"assignment_id": "a3", "title": "Сдано", "course": "Матан", "due_at": now.Add(5 * time.Hour), "submitted": true},
		},
		"/grades": []map[string]any{
			{"grade_id": "g1", "course": "Матан", "assignment": "Контрольная", "value": "5", "posted_at": now.Add(-2 * time.Hour)},
		},
	})
	defer srv.Close()

	collector, err := NewLMS(srv.URL, time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("создание сборщика: %v", err)
	}
	collector.now = fixedNow

	signals, err := collector.Collect(context.Background(), domain.User{ID: 1})
	if err != nil {
		t.Fatalf("сбор: %v", err)
	}
	if len(signals) != 2 {
		t.Fatalf("ожидали дедлайн и оценку, получили %d сигналов", len(signals))
	}
	deadline := signals[0]
	if deadline.Type != domain.SignalDeadlineApproaching {
		t.Fatalf("первый сигнал %s", deadline.Type)
	}
	// До дедлайна 10 часов: срочность повышена.
	if deadline.Urgency() != 9 {
		t.Fatalf("срочность близкого дедлайна %d", deadline.Urgency())
	}
	if deadline.Data["link"] != "https://lms.example/a1" {
		t.Fatalf("ссылка потеряна: %v", deadline.Data["link"])
	}
	if signals[1].Type != domain.SignalGradePosted {
		t.Fatalf("второй сигнал %s", signals[1].Type)
	}
}

func TestHabitsCollect(t *testing.T) {
	srv := serveJSON(t, map[string]any{
		"/habits": []map[string]any{
			{"name": "Бег", "streak": 6, "done_today": false},
			{"name": "Чтение", "streak": 30, "done_today": true},
			{"name": "Медитация", "streak": 3, "done_today": true},
		},
	})
	defer srv.Close()

	collector, err := NewHabits(srv.URL, time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("создание сборщика: %v", err)
	}
	collector.now = fixedNow

	signals, err := collector.Collect(context.Background(), domain.User{ID: 1})
	if err != nil {
		t.Fatalf("сбор: %v", err)
	}
	if len(signals) != 2 {
		t.Fatalf("ожидали риск и веху, получили %d", len(signals))
	}
	if signals[0].Type != domain.SignalHabitAtRisk || signals[0].DedupKey != "habit_at_risk:бег" {
		t.Fatalf("сигнал риска: %s / %s", signals[0].Type, signals[0].DedupKey)
	}
	if signals[1].Type != domain.SignalHabitMilestone {
		t.Fatalf("сигнал вехи: %s", signals[1].Type)
	}
}

type stubMessageLog struct {
	incoming []domain.IncomingMessage
}

func (s *stubMessageLog) SaveSent(_ context.Context, _ domain.SentMessage) error { return nil }
func (s *stubMessageLog) ListRecentSent(_ context.Context, _ int64, _ int) ([]domain.SentMessage, error) {
	return nil, nil
}
func (s *stubMessageLog) SaveIncoming(_ context.Context, _ int64, _ string, _ time.Time) error {
	return nil
}
func (s *stubMessageLog) ListIncomingSince(_ context.Context, _ int64, _ time.Time) ([]domain.IncomingMessage, error) {
	return s.incoming, nil
}

func TestInternalWindowsUseRawUTCHour(t *testing.T) {
	collector := NewInternal(&stubMessageLog{}, zerolog.Nop())
	collector.now = func() time.Time { return time.Date(2025, 4, 7, 21, 0, 0, 0, time.UTC) }

	// Пользователь в UTC+5: локально полночь, но окно вычисляется по UTC.
	signals, err := collector.Collect(context.Background(), domain.User{ID: 1, Timezone: "Asia/Yekaterinburg"})
	if err != nil {
		t.Fatalf("сбор: %v", err)
	}
	if len(signals) != 1 || signals[0].Type != domain.SignalEveningWindow {
		t.Fatalf("ожидали вечернее окно по часу UTC, получили %v", signals)
	}
	if signals[0].DedupKey != "evening_window:daily" {
		t.Fatalf("ключ окна %s", signals[0].DedupKey)
	}
}

func TestInternalLowMood(t *testing.T) {
	log := &stubMessageLog{incoming: []domain.IncomingMessage{
		{Text: "я так устал от этой недели"},
		{Text: "сил нет совсем"},
		{Text: "когда пара по физике?"},
	}}
	collector := NewInternal(log, zerolog.Nop())
	collector.now = func() time.Time { return time.Date(2025, 4, 7, 13, 0, 0, 0, time.UTC) }

	signals, err := collector.Collect(context.Background(), domain.User{ID: 1})
	if err != nil {
		t.Fatalf("сбор: %v", err)
	}
	if len(signals) != 1 || signals[0].Type != domain.SignalMoodLow {
		t.Fatalf("ожидали сигнал настроения, получили %v", signals)
	}
	if signals[0].Urgency() != 8 {
		t.Fatalf("срочность настроения %d", signals[0].Urgency())
	}
}

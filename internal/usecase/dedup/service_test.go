package dedup

import (
	"context"
	"testing"
	"time"

	"proactive-engine/internal/domain"
)

type stubStateRepo struct {
	states map[string]domain.SignalState
	saves  int
}

func newStubStateRepo() *stubStateRepo {
	return &stubStateRepo{states: make(map[string]domain.SignalState)}
}

func (s *stubStateRepo) ListStates(_ context.Context, _ int64, keys []string) (map[string]domain.SignalState, error) {
	out := make(map[string]domain.SignalState)
	for _, key := range keys {
		if state, ok := s.states[key]; ok {
			out[key] = state
		}
	}
	return out, nil
}

func (s *stubStateRepo) SaveState(_ context.Context, state domain.SignalState) error {
	s.states[state.DedupKey] = state
	s.saves++
	return nil
}

func TestFilterEmitsFirstSighting(t *testing.T) {
	repo := newStubStateRepo()
	svc := NewService(repo)
	now := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

	signals := []domain.Signal{{Type: domain.SignalDeadlineApproaching, UserID: 7, Data: map[string]any{"assignment_id": "a1"}}}
	allowed, err := svc.Filter(context.Background(), 7, signals, now)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(allowed) != 1 {
		t.Fatalf("первый показ должен пройти, получили %d", len(allowed))
	}
	state := repo.states["deadline_approaching:a1"]
	if state.TimesSeen != 1 || !state.FirstSeen.Equal(now) {
		t.Fatalf("ожидали новую запись состояния, получили %+v", state)
	}
}

func TestFilterSuppressesWithinInterval(t *testing.T) {
	repo := newStubStateRepo()
	svc := NewService(repo)
	start := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	signals := []domain.Signal{{Type: domain.SignalDeadlineApproaching, UserID: 7, Data: map[string]any{"assignment_id": "a1"}}}

	if _, err := svc.Filter(context.Background(), 7, signals, start); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	// Повтор раньше интервала переэмиссии (1ч для дедлайнов) подавляется.
	allowed, err := svc.Filter(context.Background(), 7, signals, start.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(allowed) != 0 {
		t.Fatalf("повтор внутри интервала должен подавляться")
	}
	state := repo.states["deadline_approaching:a1"]
	if state.TimesSeen != 2 {
		t.Fatalf("счётчик должен расти и при подавлении, получили %d", state.TimesSeen)
	}

	// После интервала от последнего появления сигнал проходит снова.
	allowed, err = svc.Filter(context.Background(), 7, signals, start.Add(30*time.Minute).Add(time.Hour))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(allowed) != 1 {
		t.Fatalf("после интервала сигнал должен пройти снова")
	}
	if repo.states["deadline_approaching:a1"].TimesSeen != 3 {
		t.Fatalf("ожидали три появления")
	}
}

func TestFilterDeduplicatesWithinBatch(t *testing.T) {
	repo := newStubStateRepo()
	svc := NewService(repo)
	now := time.Now().UTC()
	signals := []domain.Signal{
		{Type: domain.SignalEveningWindow, UserID: 7},
		{Type: domain.SignalEveningWindow, UserID: 7},
	}
	allowed, err := svc.Filter(context.Background(), 7, signals, now)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(allowed) != 1 {
		t.Fatalf("дубль внутри пачки должен схлопываться, получили %d", len(allowed))
	}
}

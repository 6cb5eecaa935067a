package dedup

import (
	"context"
	"fmt"
	"time"

	"proactive-engine/internal/domain"
)

// Service подавляет повторную эмиссию уже виденных сигналов.
type Service struct {
	states domain.SignalStateRepo
}

// NewService создаёт дедупликатор.
func NewService(states domain.SignalStateRepo) *Service {
	return &Service{states: states}
}

// Filter возвращает подмножество сигналов, разрешённых к дальнейшей обработке.
// Состояние наблюдения обновляется для каждого сигнала независимо от того,
// был ли он переэмитирован: времени последнего появления и счётчику это нужно.
func (s *Service) Filter(ctx context.Context, userID int64, signals []domain.Signal, now time.Time) ([]domain.Signal, error) {
	if len(signals) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(signals))
	for i := range signals {
		signals[i] = signals[i].WithDedupKey()
		keys = append(keys, signals[i].DedupKey)
	}

	existing, err := s.states.ListStates(ctx, userID, keys)
	if err != nil {
		return nil, fmt.Errorf("загрузка состояний сигналов: %w", err)
	}

	var allowed []domain.Signal
	seenInBatch := make(map[string]struct{}, len(signals))
	for _, sig := range signals {
		if _, dup := seenInBatch[sig.DedupKey]; dup {
			continue
		}
		seenInBatch[sig.DedupKey] = struct{}{}

		state, ok := existing[sig.DedupKey]
		if !ok {
			state = domain.SignalState{
				UserID:    userID,
				DedupKey:  sig.DedupKey,
				FirstSeen: now,
				LastSeen:  now,
				TimesSeen: 1,
			}
			if err := s.states.SaveState(ctx, state); err != nil {
				return nil, fmt.Errorf("создание состояния сигнала: %w", err)
			}
			allowed = append(allowed, sig)
			continue
		}

		emit := !now.Before(state.LastSeen.Add(sig.Type.ReemitInterval()))
		state.TimesSeen++
		state.LastSeen = now
		if err := s.states.SaveState(ctx, state); err != nil {
			return nil, fmt.Errorf("обновление состояния сигнала: %w", err)
		}
		if emit {
			allowed = append(allowed, sig)
		}
	}
	return allowed, nil
}

package reflection

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	// decayAfter — срок без обращений, после которого уверенность факта тает.
	decayAfter = 14 * 24 * time.Hour
	// decayFactor — множитель уверенности за один ночной проход.
	decayFactor = 0.9
	// pruneAfter — возраст, после которого слабые факты удаляются.
	pruneAfter = 30 * 24 * time.Hour
	// confidenceFloor — порог уверенности для удаления.
	confidenceFloor = 0.2
)

// maintainMemory выполняет ночную уборку долговременной памяти:
// распад уверенности, удаление слабых фактов и слияние дублей сущностей.
func (s *Service) maintainMemory(ctx context.Context, userID int64, now time.Time) error {
	facts, err := s.memory.ListFacts(ctx, userID)
	if err != nil {
		return fmt.Errorf("выборка фактов: %w", err)
	}

	byEntity := make(map[string]int64) // нормализованное имя -> id существующего факта
	for _, fact := range facts {
		if now.Sub(fact.LastReferenced) > decayAfter {
			fact.Confidence *= decayFactor
			if fact.Confidence < confidenceFloor && now.Sub(fact.CreatedAt) > pruneAfter {
				if err := s.memory.DeleteFact(ctx, fact.ID); err != nil {
					return fmt.Errorf("удаление факта %d: %w", fact.ID, err)
				}
				continue
			}
			if err := s.memory.UpdateFact(ctx, fact); err != nil {
				return fmt.Errorf("распад факта %d: %w", fact.ID, err)
			}
		}

		key := normalizeEntityName(fact.EntityName)
		if key == "" {
			continue
		}
		keepID, seen := byEntity[key]
		if !seen {
			// Дубликатом считается и сущность, чьё имя вкладывается в уже
			// виденное (и наоборот): "проф. Иванов" и "Иванов".
			merged := false
			for existing, id := range byEntity {
				if strings.Contains(existing, key) || strings.Contains(key, existing) {
					keepID = id
					merged = true
					break
				}
			}
			if !merged {
				byEntity[key] = fact.ID
				continue
			}
		}
		if keepID != fact.ID {
			if err := s.memory.DeleteFact(ctx, fact.ID); err != nil {
				return fmt.Errorf("слияние факта %d: %w", fact.ID, err)
			}
		}
	}
	return nil
}

func normalizeEntityName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

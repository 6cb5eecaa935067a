package rules

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"proactive-engine/internal/domain"
)

const (
	// explorationRate — доля пограничных кандидатов, принимаемых для разведки.
	explorationRate = 0.10
	// explorationMargin — насколько ниже порога кандидат ещё годится для разведки.
	explorationMargin = 1.0
	// insightFloor — минимальная оценка для сохранения отложенного инсайта.
	insightFloor = 4.0
	// overlapThreshold — доля пересечения слов, с которой текст считается повтором.
	overlapThreshold = 0.6
)

// Service — скоринг и отбор кандидатов после генерации.
type Service struct {
	deferred  domain.DeferredRepo
	behaviors domain.BehaviorRepo
	randFn    func() float64
}

// NewService создаёт отборщик. randFn инжектируется для детерминированных
// тестов; nil означает стандартный генератор.
func NewService(deferred domain.DeferredRepo, behaviors domain.BehaviorRepo, randFn func() float64) *Service {
	if randFn == nil {
		randFn = rand.Float64
	}
	return &Service{deferred: deferred, behaviors: behaviors, randFn: randFn}
}

// categoryBoost читает явное мета-предпочтение «такие сообщения полезны»
// и возвращает категорию с надбавкой к составной оценке.
func (s *Service) categoryBoost(ctx context.Context, userID int64) (domain.Category, float64) {
	behavior, ok, err := s.behaviors.GetBehavior(ctx, userID, domain.BehaviorMetaCategoryBoost)
	if err != nil || !ok {
		return "", 0
	}
	category, _ := behavior.Value["category"].(string)
	boost, _ := behavior.Value["boost"].(float64)
	if category == "" || boost <= 0 {
		return "", 0
	}
	return domain.Category(category), boost
}

// Select фильтрует и ранжирует кандидатов. Возвращает выживших по убыванию
// оценки; оркестратор отправляет только первого.
func (s *Service) Select(ctx context.Context, cycle domain.CycleContext, candidates []domain.Candidate) ([]domain.Candidate, error) {
	boostCategory, boost := s.categoryBoost(ctx, cycle.User.ID)

	var survivors []domain.Candidate
	for _, cand := range candidates {
		cand.CompositeScore = cand.ComputeCompositeScore()
		if boostCategory != "" && cand.Category == boostCategory {
			cand.CompositeScore += boost
		}

		// Подавленная категория отсекается независимо от оценки.
		if cycle.Suppression.IsSuppressed(cand.Category) {
			continue
		}

		threshold := cycle.Trust.ScoreThreshold
		switch {
		case cand.CompositeScore >= threshold:
			survivors = append(survivors, cand)
		case s.randFn() < explorationRate &&
			cand.CompositeScore >= threshold-explorationMargin &&
			cand.CompositeScore >= insightFloor:
			// Разведка: изредка пропускаем пограничного кандидата, чтобы
			// модель обратной связи получала данные за пределами порога.
			cand.Explored = true
			survivors = append(survivors, cand)
		case cand.CompositeScore >= insightFloor:
			insight := domain.DeferredInsight{
				UserID:    cycle.User.ID,
				Candidate: cand,
				CreatedAt: cycle.Now,
			}
			if err := s.deferred.SaveInsight(ctx, insight); err != nil {
				return nil, fmt.Errorf("сохранение инсайта: %w", err)
			}
		}
	}

	survivors = s.dropRepeats(cycle.RecentMessages, survivors)
	sort.SliceStable(survivors, func(i, j int) bool {
		return survivors[i].CompositeScore > survivors[j].CompositeScore
	})
	return survivors, nil
}

// dropRepeats убирает кандидатов, чей текст почти дословно повторяет
// недавнее сообщение ассистента.
func (s *Service) dropRepeats(recent []domain.SentMessage, candidates []domain.Candidate) []domain.Candidate {
	if len(recent) == 0 || len(candidates) == 0 {
		return candidates
	}
	out := candidates[:0]
	for _, cand := range candidates {
		repeat := false
		for _, msg := range recent {
			if wordOverlap(cand.Message, msg.Text) > overlapThreshold {
				repeat = true
				break
			}
		}
		if !repeat {
			out = append(out, cand)
		}
	}
	return out
}

// wordOverlap считает коэффициент Жаккара по множествам слов.
func wordOverlap(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	common := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			common++
		}
	}
	union := len(setA) + len(setB) - common
	if union == 0 {
		return 0
	}
	return float64(common) / float64(union)
}

func wordSet(text string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(text))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[strings.Trim(w, ".,!?;:()\"'")] = struct{}{}
	}
	delete(set, "")
	return set
}

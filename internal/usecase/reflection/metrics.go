package reflection

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"proactive-engine/internal/domain"
)

const (
	// recencyHalfLife — период полураспада веса записи обратной связи.
	recencyHalfLife = 14 * 24 * time.Hour
	// minCategorySamples — минимум записей для оценки предпочтения категории.
	minCategorySamples = 3
	// trendDelta — сдвиг вовлечённости, с которого тренд считается движением.
	trendDelta = 0.10
	// suppressionWindow — окно для автоподавления категории.
	suppressionWindow = 14 * 24 * time.Hour
	// autoSuppressSends — отправок без вовлечённости для автоподавления.
	autoSuppressSends = 5
	// autoSuppressNegatives — негативных реакций для автоподавления.
	autoSuppressNegatives = 3
	// probationWindow — срок испытательного снятия подавления.
	probationWindow = 7 * 24 * time.Hour
	// Пределы адаптивного окна вовлечённости.
	windowFloorMinutes = 30.0
	windowCapMinutes   = 180.0
	windowMultiplier   = 3.0
)

// recencyWeight возвращает вес записи с полураспадом в 14 дней.
func recencyWeight(sentAt, now time.Time) float64 {
	age := now.Sub(sentAt)
	if age < 0 {
		age = 0
	}
	return math.Pow(0.5, age.Hours()/recencyHalfLife.Hours())
}

// computeFeedbackMetrics выводит метрики из закрытых записей обратной связи.
func (s *Service) computeFeedbackMetrics(ctx context.Context, user domain.User, records []domain.FeedbackRecord, now time.Time) error {
	closed := make([]domain.FeedbackRecord, 0, len(records))
	for _, rec := range records {
		if rec.Outcome != domain.OutcomePending {
			closed = append(closed, rec)
		}
	}
	if len(closed) == 0 {
		return s.updateSuppression(ctx, user.ID, closed, now)
	}

	if prefs, samples := categoryPreferences(closed, now); len(prefs) > 0 {
		if err := s.save(ctx, user.ID, domain.BehaviorCategoryPreference, map[string]any{"scores": prefs}, samples, now); err != nil {
			return err
		}
	}
	if trends := categoryTrends(closed, now); len(trends) > 0 {
		if err := s.save(ctx, user.ID, domain.BehaviorCategoryTrend, map[string]any{"trends": trends}, len(closed), now); err != nil {
			return err
		}
	}
	peak, avoid := sendHours(user, closed, now)
	if len(peak) > 0 || len(avoid) > 0 {
		if err := s.save(ctx, user.ID, domain.BehaviorSendHours, map[string]any{"peak": peak, "avoid": avoid}, len(closed), now); err != nil {
			return err
		}
	}
	if format, samples := preferredFormat(closed, now); format != "" {
		if err := s.save(ctx, user.ID, domain.BehaviorPreferredFormat, map[string]any{"format": format}, samples, now); err != nil {
			return err
		}
	}
	if latencies := responseLatencies(closed); len(latencies) > 0 {
		minutes := math.Min(math.Max(medianMinutes(latencies)*windowMultiplier, windowFloorMinutes), windowCapMinutes)
		if err := s.save(ctx, user.ID, domain.BehaviorEngagementWindow, map[string]any{"minutes": minutes}, len(latencies), now); err != nil {
			return err
		}
	}

	return s.updateSuppression(ctx, user.ID, closed, now)
}

// categoryPreferences — взвешенный по свежести средний балл категории.
func categoryPreferences(records []domain.FeedbackRecord, now time.Time) (map[string]float64, int) {
	weighted := make(map[domain.Category]float64)
	weights := make(map[domain.Category]float64)
	counts := make(map[domain.Category]int)
	for _, rec := range records {
		score, ok := rec.Outcome.Score()
		if !ok {
			continue
		}
		w := recencyWeight(rec.SentAt, now)
		weighted[rec.Category] += w * score
		weights[rec.Category] += w
		counts[rec.Category]++
	}
	out := make(map[string]float64)
	samples := 0
	for cat, sum := range weighted {
		if counts[cat] < minCategorySamples || weights[cat] == 0 {
			continue
		}
		out[string(cat)] = sum / weights[cat]
		samples += counts[cat]
	}
	return out, samples
}

// categoryTrends сравнивает вовлечённость последней недели с предыдущей.
func categoryTrends(records []domain.FeedbackRecord, now time.Time) map[string]string {
	weekAgo := now.Add(-7 * 24 * time.Hour)
	twoWeeksAgo := now.Add(-14 * 24 * time.Hour)

	type bucket struct{ engaged, total int }
	current := make(map[domain.Category]*bucket)
	previous := make(map[domain.Category]*bucket)

	for _, rec := range records {
		var target map[domain.Category]*bucket
		switch {
		case rec.SentAt.After(weekAgo):
			target = current
		case rec.SentAt.After(twoWeeksAgo):
			target = previous
		default:
			continue
		}
		b := target[rec.Category]
		if b == nil {
			b = &bucket{}
			target[rec.Category] = b
		}
		b.total++
		if rec.Outcome.Engaged() {
			b.engaged++
		}
	}

	trends := make(map[string]string)
	for cat, cur := range current {
		prev := previous[cat]
		if prev == nil || prev.total == 0 || cur.total == 0 {
			continue
		}
		diff := float64(cur.engaged)/float64(cur.total) - float64(prev.engaged)/float64(prev.total)
		switch {
		case diff > trendDelta:
			trends[string(cat)] = "rising"
		case diff < -trendDelta:
			trends[string(cat)] = "falling"
		default:
			trends[string(cat)] = "stable"
		}
	}
	return trends
}

// sendHours находит часы с лучшей и худшей взвешенной вовлечённостью.
func sendHours(user domain.User, records []domain.FeedbackRecord, now time.Time) ([]int, []int) {
	type hourStat struct{ engaged, total float64 }
	stats := make(map[int]*hourStat)
	for _, rec := range records {
		hour := rec.SentAt.In(user.Location()).Hour()
		st := stats[hour]
		if st == nil {
			st = &hourStat{}
			stats[hour] = st
		}
		w := recencyWeight(rec.SentAt, now)
		st.total += w
		if rec.Outcome.Engaged() {
			st.engaged += w
		}
	}
	var peak, avoid []int
	for hour, st := range stats {
		if st.total < 1 {
			continue
		}
		rate := st.engaged / st.total
		if rate >= 0.5 {
			peak = append(peak, hour)
		} else if rate == 0 {
			avoid = append(avoid, hour)
		}
	}
	sort.Ints(peak)
	sort.Ints(avoid)
	return peak, avoid
}

// preferredFormat выбирает формат доставки с лучшей вовлечённостью.
func preferredFormat(records []domain.FeedbackRecord, now time.Time) (string, int) {
	engaged := make(map[domain.DeliveryFormat]float64)
	totals := make(map[domain.DeliveryFormat]float64)
	counts := make(map[domain.DeliveryFormat]int)
	for _, rec := range records {
		if rec.Format == "" {
			continue
		}
		w := recencyWeight(rec.SentAt, now)
		totals[rec.Format] += w
		counts[rec.Format]++
		if rec.Outcome.Engaged() {
			engaged[rec.Format] += w
		}
	}
	best := domain.DeliveryFormat("")
	bestRate := -1.0
	samples := 0
	// Детерминированный обход: результат не должен зависеть от порядка карты.
	for _, format := range []domain.DeliveryFormat{domain.FormatText, domain.FormatButton, domain.FormatList, domain.FormatCTAURL} {
		if counts[format] < minCategorySamples || totals[format] == 0 {
			continue
		}
		rate := engaged[format] / totals[format]
		if rate > bestRate {
			best = format
			bestRate = rate
			samples = counts[format]
		}
	}
	return string(best), samples
}

// updateSuppression пересматривает автоподавления категорий.
// explicit_stop никогда не снимается; остальные причины снимаются только
// если в испытательный срок случилась вовлечённость, иначе срок продлевается.
func (s *Service) updateSuppression(ctx context.Context, userID int64, records []domain.FeedbackRecord, now time.Time) error {
	behavior, ok, err := s.behaviors.GetBehavior(ctx, userID, domain.BehaviorCategorySuppression)
	if err != nil {
		return fmt.Errorf("чтение подавлений: %w", err)
	}
	var suppression domain.CategorySuppression
	if ok {
		raw, err := json.Marshal(behavior.Value)
		if err == nil {
			_ = json.Unmarshal(raw, &suppression)
		}
	}

	windowStart := now.Add(-suppressionWindow)
	type catStat struct{ sends, engaged, negative int }
	stats := make(map[domain.Category]*catStat)
	lastEngagedAt := make(map[domain.Category]time.Time)
	for _, rec := range records {
		if rec.SentAt.Before(windowStart) {
			continue
		}
		st := stats[rec.Category]
		if st == nil {
			st = &catStat{}
			stats[rec.Category] = st
		}
		st.sends++
		if rec.Outcome.Engaged() {
			st.engaged++
			if rec.SentAt.After(lastEngagedAt[rec.Category]) {
				lastEngagedAt[rec.Category] = rec.SentAt
			}
		}
		if rec.Outcome.Negative() {
			st.negative++
		}
	}

	changed := false
	var next []domain.SuppressedCategory
	for _, entry := range suppression.Suppressed {
		if entry.Reason == domain.SuppressReasonExplicitStop {
			next = append(next, entry)
			continue
		}
		probation, _ := time.Parse(time.RFC3339, entry.ProbationUntil)
		since, _ := time.Parse(time.RFC3339, entry.Since)
		engaged := lastEngagedAt[entry.Category]
		if !engaged.IsZero() && engaged.After(since) {
			// Положительная вовлечённость в испытательный срок снимает запрет.
			changed = true
			continue
		}
		if !probation.IsZero() && now.After(probation) {
			entry.ProbationUntil = now.Add(probationWindow).Format(time.RFC3339)
			changed = true
		}
		next = append(next, entry)
	}
	suppression.Suppressed = next

	for cat, st := range stats {
		if suppression.IsSuppressed(cat) {
			continue
		}
		var reason string
		switch {
		case st.negative >= autoSuppressNegatives:
			reason = domain.SuppressReasonNegativeFeedback
		case st.sends >= autoSuppressSends && st.engaged == 0:
			reason = domain.SuppressReasonLowEngagement
		default:
			continue
		}
		suppression.Suppressed = append(suppression.Suppressed, domain.SuppressedCategory{
			Category:       cat,
			Reason:         reason,
			Since:          now.Format(time.RFC3339),
			ProbationUntil: now.Add(probationWindow).Format(time.RFC3339),
		})
		changed = true
		s.log.Info().Int64("user", userID).Str("category", string(cat)).Str("reason", reason).Msg("reflection: категория подавлена")
	}

	if !changed && ok {
		return nil
	}
	sort.Slice(suppression.Suppressed, func(i, j int) bool {
		return suppression.Suppressed[i].Category < suppression.Suppressed[j].Category
	})
	raw, err := json.Marshal(suppression)
	if err != nil {
		return err
	}
	var value map[string]any
	if err := json.Unmarshal(raw, &value); err != nil {
		return err
	}
	return s.behaviors.UpsertBehavior(ctx, domain.UserBehavior{
		UserID:       userID,
		Key:          domain.BehaviorCategorySuppression,
		Value:        value,
		Confidence:   1.0,
		SampleSize:   len(suppression.Suppressed),
		LastComputed: now,
	})
}

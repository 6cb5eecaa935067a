package reflection

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"proactive-engine/internal/domain"
	"proactive-engine/internal/infra/metrics"
)

const (
	// activityLookback — глубина сырой истории для поведенческих метрик.
	activityLookback = 30 * 24 * time.Hour
	// feedbackLookback — глубина истории обратной связи.
	feedbackLookback = 28 * 24 * time.Hour
	// insightRetention — срок хранения отложенных инсайтов.
	insightRetention = 7 * 24 * time.Hour
)

// Service — ночной пересчёт поведенческой модели пользователя.
// Каждый пользователь обрабатывается независимо: ошибка одного
// логируется и не прерывает остальных.
type Service struct {
	users     domain.UserRepo
	feedback  domain.FeedbackRepo
	behaviors domain.BehaviorRepo
	messages  domain.MessageLogRepo
	memory    domain.MemoryRepo
	deferred  domain.DeferredRepo
	log       zerolog.Logger
}

// NewService создаёт сервис рефлексии.
func NewService(users domain.UserRepo, feedback domain.FeedbackRepo, behaviors domain.BehaviorRepo, messages domain.MessageLogRepo, memory domain.MemoryRepo, deferred domain.DeferredRepo, log zerolog.Logger) *Service {
	return &Service{users: users, feedback: feedback, behaviors: behaviors, messages: messages, memory: memory, deferred: deferred, log: log}
}

// RunAll прогоняет рефлексию по всем онбордженным пользователям.
func (s *Service) RunAll(ctx context.Context, now time.Time) error {
	users, err := s.users.ListOnboarded(ctx)
	if err != nil {
		return fmt.Errorf("выборка пользователей: %w", err)
	}
	for _, user := range users {
		start := time.Now()
		if err := s.RunForUser(ctx, user, now); err != nil {
			s.log.Error().Err(err).Int64("user", user.ID).Msg("reflection: пересчёт не удался")
		}
		metrics.ReflectionDuration.Observe(time.Since(start).Seconds())
	}

	pruned, err := s.deferred.PruneInsights(ctx, now.Add(-insightRetention))
	if err != nil {
		s.log.Error().Err(err).Msg("reflection: очистка инсайтов не удалась")
	} else if pruned > 0 {
		s.log.Info().Int("pruned", pruned).Msg("reflection: устаревшие инсайты удалены")
	}
	return nil
}

// RunForUser пересчитывает поведенческую модель одного пользователя.
// Результат — чистая функция сохранённой истории: повторный запуск без
// новой активности даёт идентичные значения.
func (s *Service) RunForUser(ctx context.Context, user domain.User, now time.Time) error {
	incoming, err := s.messages.ListIncomingSince(ctx, user.ID, now.Add(-activityLookback))
	if err != nil {
		return fmt.Errorf("история входящих: %w", err)
	}
	records, err := s.feedback.ListSince(ctx, user.ID, now.Add(-feedbackLookback))
	if err != nil {
		return fmt.Errorf("история обратной связи: %w", err)
	}

	if err := s.computeActivityBehaviors(ctx, user, incoming, records, now); err != nil {
		return err
	}
	if err := s.computeFeedbackMetrics(ctx, user, records, now); err != nil {
		return err
	}
	if err := s.maintainMemory(ctx, user.ID, now); err != nil {
		return err
	}
	return nil
}

// computeActivityBehaviors выводит поведения из сырой активности.
func (s *Service) computeActivityBehaviors(ctx context.Context, user domain.User, incoming []domain.IncomingMessage, records []domain.FeedbackRecord, now time.Time) error {
	if len(incoming) > 0 {
		hours := activeHours(user, incoming)
		if err := s.save(ctx, user.ID, domain.BehaviorActiveHours, map[string]any{"hours": hours}, len(incoming), now); err != nil {
			return err
		}
		if err := s.save(ctx, user.ID, domain.BehaviorMessageLength, map[string]any{"preference": lengthPreference(incoming)}, len(incoming), now); err != nil {
			return err
		}
		if err := s.save(ctx, user.ID, domain.BehaviorLanguageRegister, map[string]any{"register": languageRegister(incoming)}, len(incoming), now); err != nil {
			return err
		}
	}

	latencies := responseLatencies(records)
	if len(latencies) > 0 {
		median := medianMinutes(latencies)
		if err := s.save(ctx, user.ID, domain.BehaviorResponseSpeed, map[string]any{"median_minutes": median}, len(latencies), now); err != nil {
			return err
		}
	}

	rates, samples := signalIgnoreRates(records)
	if samples > 0 {
		if err := s.save(ctx, user.ID, domain.BehaviorSignalSensitivity, map[string]any{"rates": rates}, samples, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) save(ctx context.Context, userID int64, key string, value map[string]any, samples int, now time.Time) error {
	behavior := domain.UserBehavior{
		UserID:       userID,
		Key:          key,
		Value:        value,
		Confidence:   domain.ConfidenceForSamples(samples),
		SampleSize:   samples,
		LastComputed: now,
	}
	if err := s.behaviors.UpsertBehavior(ctx, behavior); err != nil {
		return fmt.Errorf("запись поведения %s: %w", key, err)
	}
	return nil
}

// activeHours возвращает часы (в поясе пользователя), на которые приходится
// заметная доля входящих сообщений.
func activeHours(user domain.User, incoming []domain.IncomingMessage) []int {
	counts := make(map[int]int)
	for _, msg := range incoming {
		counts[msg.At.In(user.Location()).Hour()]++
	}
	threshold := len(incoming) / 12
	var hours []int
	for hour, n := range counts {
		if n > threshold {
			hours = append(hours, hour)
		}
	}
	sort.Ints(hours)
	return hours
}

func lengthPreference(incoming []domain.IncomingMessage) string {
	total := 0
	for _, msg := range incoming {
		total += len(strings.Fields(msg.Text))
	}
	avg := float64(total) / float64(len(incoming))
	switch {
	case avg < 8:
		return "short"
	case avg < 25:
		return "medium"
	default:
		return "long"
	}
}

var casualRegexp = regexp.MustCompile(`[)）]{2,}|ахах|хех|лол|lol|haha|😂|🙃|\bкст\b|\bщас\b`)
var formalRegexp = regexp.MustCompile(`(?i)здравствуйте|пожалуйста|благодарю|не могли бы вы`)

// languageRegister грубо оценивает регистр речи пользователя.
func languageRegister(incoming []domain.IncomingMessage) string {
	casual, formal := 0, 0
	for _, msg := range incoming {
		if casualRegexp.MatchString(msg.Text) {
			casual++
		}
		if formalRegexp.MatchString(msg.Text) {
			formal++
		}
	}
	switch {
	case casual > formal:
		return "casual"
	case formal > casual:
		return "formal"
	default:
		return "neutral"
	}
}

func responseLatencies(records []domain.FeedbackRecord) []time.Duration {
	var out []time.Duration
	for _, rec := range records {
		if rec.ResponseLatency > 0 {
			out = append(out, rec.ResponseLatency)
		}
	}
	return out
}

func medianMinutes(latencies []time.Duration) float64 {
	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid].Minutes()
	}
	return (sorted[mid-1] + sorted[mid]).Minutes() / 2
}

// signalIgnoreRates считает долю игнора по типам сигналов-триггеров.
func signalIgnoreRates(records []domain.FeedbackRecord) (map[string]float64, int) {
	totals := make(map[domain.SignalType]int)
	ignored := make(map[domain.SignalType]int)
	samples := 0
	for _, rec := range records {
		if rec.Outcome == domain.OutcomePending || rec.Outcome == domain.OutcomeUndelivered {
			continue
		}
		for _, sig := range rec.TriggerSignals {
			totals[sig]++
			if rec.Outcome == domain.OutcomeIgnored {
				ignored[sig]++
			}
		}
		samples++
	}
	rates := make(map[string]float64, len(totals))
	for sig, total := range totals {
		rates[string(sig)] = float64(ignored[sig]) / float64(total)
	}
	return rates, samples
}

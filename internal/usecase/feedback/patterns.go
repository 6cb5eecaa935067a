package feedback

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"proactive-engine/internal/domain"
)

// Классификация тональности построена на фиксированных словарях:
// этого достаточно для ограниченной таксономии исходов, а поведение
// остаётся полностью предсказуемым.

var positivePatterns = []string{
	"спасибо", "полезно", "отлично", "супер", "класс", "помогло", "да, давай",
	"thanks", "thank you", "helpful", "great", "nice", "perfect", "👍", "❤",
}

var negativePatterns = []string{
	"не надо", "не нужно", "хватит", "отстань", "бесит", "раздражает", "зачем это",
	"annoying", "useless", "not helpful", "don't need", "👎",
}

var stopRegexps = []*regexp.Regexp{
	regexp.MustCompile(`(?i)хватит (мне )?(присылать|писать|напоминать)`),
	regexp.MustCompile(`(?i)(не пиши|перестань писать|больше не (пиши|присылай))`),
	regexp.MustCompile(`(?i)отпишись|отключи (эти )?уведомлени`),
	regexp.MustCompile(`(?i)stop (sending|messaging|reminding)`),
	regexp.MustCompile(`(?i)unsubscribe`),
}

// ClassifySentiment относит текст ответа к одной из трёх тональностей.
func ClassifySentiment(text string) domain.ReplySentiment {
	lower := strings.ToLower(text)
	if IsExplicitStop(text) {
		return domain.SentimentNegative
	}
	for _, p := range negativePatterns {
		if strings.Contains(lower, p) {
			return domain.SentimentNegative
		}
	}
	for _, p := range positivePatterns {
		if strings.Contains(lower, p) {
			return domain.SentimentPositive
		}
	}
	return domain.SentimentNeutral
}

// IsExplicitStop распознаёт прямую просьбу прекратить рассылку.
func IsExplicitStop(text string) bool {
	for _, re := range stopRegexps {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// categoryKeywords сопоставляет упоминания в тексте с категориями таксономии.
var categoryKeywords = []struct {
	pattern  *regexp.Regexp
	category domain.Category
}{
	{regexp.MustCompile(`(?i)чекин|самочувств|настроени|wellbeing|check-?in`), domain.CategoryWellbeing},
	{regexp.MustCompile(`(?i)дедлайн|deadline`), domain.CategoryDeadlineWarning},
	{regexp.MustCompile(`(?i)напоминани|reminder`), domain.CategoryTaskReminder},
	{regexp.MustCompile(`(?i)привычк|habit`), domain.CategoryHabit},
	{regexp.MustCompile(`(?i)сводк|брифинг|briefing`), domain.CategoryBriefing},
	{regexp.MustCompile(`(?i)оценк|grade`), domain.CategoryGradeAlert},
	{regexp.MustCompile(`(?i)почт|письм|email`), domain.CategoryEmailAlert},
}

// DetectCategory находит категорию, о которой говорит пользователь.
func DetectCategory(text string) (domain.Category, bool) {
	for _, entry := range categoryKeywords {
		if entry.pattern.MatchString(text) {
			return entry.category, true
		}
	}
	return "", false
}

var helpfulRegexp = regexp.MustCompile(`(?i)(полезн|нравятся|помогают|helpful|love (the|these))`)
var noButtonsRegexp = regexp.MustCompile(`(?i)(без кнопок|просто текстом|no buttons|plain text)`)
var avoidMorningRegexp = regexp.MustCompile(`(?i)(не пиши (мне )?утром|not in the morning|no morning)`)
var preferEveningRegexp = regexp.MustCompile(`(?i)(пиши (лучше )?вечером|evenings? (are|is) better|in the evening)`)

// applyMetaFeedback сверяет текст с таблицей мета-паттернов и немедленно
// записывает переопределения поведения с уверенностью 1.0.
func (t *Tracker) applyMetaFeedback(ctx context.Context, userID int64, text string, at time.Time) error {
	if IsExplicitStop(text) {
		if category, ok := DetectCategory(text); ok {
			if err := t.suppressCategory(ctx, userID, category, at); err != nil {
				return err
			}
		}
	}

	if helpfulRegexp.MatchString(text) {
		if category, ok := DetectCategory(text); ok {
			boost := domain.UserBehavior{
				UserID:       userID,
				Key:          domain.BehaviorMetaCategoryBoost,
				Value:        map[string]any{"category": string(category), "boost": 1.0},
				Confidence:   1.0,
				SampleSize:   1,
				LastComputed: at,
			}
			if err := t.behaviors.UpsertBehavior(ctx, boost); err != nil {
				return err
			}
		}
	}

	if noButtonsRegexp.MatchString(text) {
		pref := domain.UserBehavior{
			UserID:       userID,
			Key:          domain.BehaviorMetaFormat,
			Value:        map[string]any{"format": string(domain.FormatText)},
			Confidence:   1.0,
			SampleSize:   1,
			LastComputed: at,
		}
		if err := t.behaviors.UpsertBehavior(ctx, pref); err != nil {
			return err
		}
	}

	switch {
	case avoidMorningRegexp.MatchString(text):
		pref := domain.UserBehavior{
			UserID:       userID,
			Key:          domain.BehaviorMetaTime,
			Value:        map[string]any{"avoid": "morning"},
			Confidence:   1.0,
			SampleSize:   1,
			LastComputed: at,
		}
		if err := t.behaviors.UpsertBehavior(ctx, pref); err != nil {
			return err
		}
	case preferEveningRegexp.MatchString(text):
		pref := domain.UserBehavior{
			UserID:       userID,
			Key:          domain.BehaviorMetaTime,
			Value:        map[string]any{"prefer": "evening"},
			Confidence:   1.0,
			SampleSize:   1,
			LastComputed: at,
		}
		if err := t.behaviors.UpsertBehavior(ctx, pref); err != nil {
			return err
		}
	}
	return nil
}

// loadSuppression читает активные подавления категорий из поведения.
func loadSuppression(ctx context.Context, behaviors domain.BehaviorRepo, userID int64) domain.CategorySuppression {
	behavior, ok, err := behaviors.GetBehavior(ctx, userID, domain.BehaviorCategorySuppression)
	if err != nil || !ok {
		return domain.CategorySuppression{}
	}
	raw, err := json.Marshal(behavior.Value)
	if err != nil {
		return domain.CategorySuppression{}
	}
	var suppression domain.CategorySuppression
	if err := json.Unmarshal(raw, &suppression); err != nil {
		return domain.CategorySuppression{}
	}
	return suppression
}

// saveSuppression сохраняет подавления как поведение с уверенностью 1.0.
func saveSuppression(ctx context.Context, behaviors domain.BehaviorRepo, userID int64, suppression domain.CategorySuppression, at time.Time) error {
	raw, err := json.Marshal(suppression)
	if err != nil {
		return err
	}
	var value map[string]any
	if err := json.Unmarshal(raw, &value); err != nil {
		return err
	}
	return behaviors.UpsertBehavior(ctx, domain.UserBehavior{
		UserID:       userID,
		Key:          domain.BehaviorCategorySuppression,
		Value:        value,
		Confidence:   1.0,
		SampleSize:   len(suppression.Suppressed),
		LastComputed: at,
	})
}

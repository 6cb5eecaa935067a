package domain

import "time"

// Ключи поведенческой модели пользователя.
const (
	BehaviorActiveHours         = "active_hours"
	BehaviorMessageLength       = "message_length"
	BehaviorResponseSpeed       = "response_speed"
	BehaviorLanguageRegister    = "language_register"
	BehaviorSignalSensitivity   = "signal_sensitivity"
	BehaviorCategoryPreference  = "category_preference"
	BehaviorCategoryTrend       = "category_trend"
	BehaviorSendHours           = "send_hours"
	BehaviorPreferredFormat     = "preferred_format"
	BehaviorEngagementWindow    = "engagement_window"
	BehaviorCategorySuppression = "category_suppression"
	BehaviorMetaFormat          = "meta_format_preference"
	BehaviorMetaTime            = "meta_time_preference"
	BehaviorMetaCategoryBoost   = "meta_category_boost"
)

// behaviorConfidenceCap — размер выборки, при котором уверенность достигает 1.0.
const behaviorConfidenceCap = 20

// UserBehavior хранит один вычисленный аспект поведенческой модели.
// Ночная рефлексия перезаписывает значение целиком; явные мета-сигналы
// пишутся немедленно с уверенностью 1.0 и перекрывают статистику.
type UserBehavior struct {
	UserID       int64
	Key          string
	Value        map[string]any
	Confidence   float64
	SampleSize   int
	LastComputed time.Time
}

// ConfidenceForSamples масштабирует уверенность линейно по размеру выборки.
func ConfidenceForSamples(n int) float64 {
	if n <= 0 {
		return 0
	}
	if n >= behaviorConfidenceCap {
		return 1.0
	}
	return float64(n) / float64(behaviorConfidenceCap)
}

// Причины подавления категории.
const (
	SuppressReasonExplicitStop     = "explicit_stop"
	SuppressReasonLowEngagement    = "low_engagement"
	SuppressReasonNegativeFeedback = "negative_feedback"
)

// SuppressedCategory описывает один активный запрет категории.
type SuppressedCategory struct {
	Category Category `json:"category"`
	Reason   string   `json:"reason"`
	Since    string   `json:"since"`
	// ProbationUntil заполняется для снимаемых причин; для explicit_stop
	// запрет постоянный.
	ProbationUntil string `json:"probation_until,omitempty"`
}

// CategorySuppression — значение поведения category_suppression.
type CategorySuppression struct {
	Suppressed []SuppressedCategory `json:"suppressed"`
}

// IsSuppressed проверяет, входит ли категория в активный запрет.
func (cs CategorySuppression) IsSuppressed(cat Category) bool {
	for _, s := range cs.Suppressed {
		if s.Category == cat {
			return true
		}
	}
	return false
}

// MemoryFact — извлечённый факт о пользователе в долговременной памяти.
type MemoryFact struct {
	ID             int64
	UserID         int64
	EntityName     string
	Content        string
	Confidence     float64
	LastReferenced time.Time
	CreatedAt      time.Time
}

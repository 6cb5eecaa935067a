package domain

// Category описывает закрытую таксономию проактивных сообщений.
// Источник кандидатов, скоринг и трекер обратной связи обязаны
// использовать один и тот же набор значений.
type Category string

const (
	CategoryDeadlineWarning Category = "deadline_warning"
	CategoryScheduleInfo    Category = "schedule_info"
	CategoryTaskReminder    Category = "task_reminder"
	CategoryWellbeing       Category = "wellbeing"
	CategorySocial          Category = "social"
	CategoryNudge           Category = "nudge"
	CategoryBriefing        Category = "briefing"
	CategoryMemoryRecall    Category = "memory_recall"
	CategoryGradeAlert      Category = "grade_alert"
	CategoryEmailAlert      Category = "email_alert"
	CategoryHabit           Category = "habit"
)

// AllCategories перечисляет таксономию целиком.
var AllCategories = []Category{
	CategoryDeadlineWarning,
	CategoryScheduleInfo,
	CategoryTaskReminder,
	CategoryWellbeing,
	CategorySocial,
	CategoryNudge,
	CategoryBriefing,
	CategoryMemoryRecall,
	CategoryGradeAlert,
	CategoryEmailAlert,
	CategoryHabit,
}

// ParseCategory проверяет, что строка принадлежит таксономии.
func ParseCategory(raw string) (Category, bool) {
	switch Category(raw) {
	case CategoryDeadlineWarning, CategoryScheduleInfo, CategoryTaskReminder,
		CategoryWellbeing, CategorySocial, CategoryNudge, CategoryBriefing,
		CategoryMemoryRecall, CategoryGradeAlert, CategoryEmailAlert, CategoryHabit:
		return Category(raw), true
	}
	return "", false
}

// ActionType описывает желаемую форму взаимодействия кандидата.
type ActionType string

const (
	// ActionText — обычное текстовое сообщение.
	ActionText ActionType = "text"
	// ActionButtonPrompt — сообщение с кнопками быстрого ответа.
	ActionButtonPrompt ActionType = "button_prompt"
)

// DeliveryFormat описывает способ отрисовки сообщения в канале доставки.
type DeliveryFormat string

const (
	FormatText   DeliveryFormat = "text"
	FormatButton DeliveryFormat = "button"
	FormatList   DeliveryFormat = "list"
	FormatCTAURL DeliveryFormat = "cta_url"
)

// Весовые коэффициенты составной оценки кандидата.
const (
	scoreWeightRelevance = 0.4
	scoreWeightTiming    = 0.35
	scoreWeightUrgency   = 0.25
)

// Candidate представляет оценённое предложение проактивного сообщения.
// Живёт в пределах одного цикла: наружу уходит либо отправка,
// либо отложенная запись.
type Candidate struct {
	Message        string
	Relevance      float64
	Timing         float64
	Urgency        int
	Category       Category
	TriggerSignals []SignalType
	ActionType     ActionType
	Data           map[string]any
	CompositeScore float64
	Explored       bool
}

// ComputeCompositeScore считает взвешенную оценку кандидата.
func (c Candidate) ComputeCompositeScore() float64 {
	return scoreWeightRelevance*c.Relevance +
		scoreWeightTiming*c.Timing +
		scoreWeightUrgency*float64(c.Urgency)
}

// Link возвращает URL из данных кандидата, если он есть.
func (c Candidate) Link() string {
	return stringField(c.Data, "link")
}

package feedback

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"proactive-engine/internal/domain"
)

const (
	// defaultWindow — окно вовлечённости, пока рефлексия не подобрала своё.
	defaultWindow = 60 * time.Minute
	// replyTimeout — после этого срока запись закрывается как ignored.
	replyTimeout = 180 * time.Minute
)

// Tracker классифицирует ответы пользователя и отчёты о доставке
// в ограниченную таксономию исходов.
type Tracker struct {
	feedback  domain.FeedbackRepo
	behaviors domain.BehaviorRepo
	users     domain.UserRepo
	messages  domain.MessageLogRepo
	log       zerolog.Logger
}

// NewTracker создаёт трекер обратной связи.
func NewTracker(feedback domain.FeedbackRepo, behaviors domain.BehaviorRepo, users domain.UserRepo, messages domain.MessageLogRepo, log zerolog.Logger) *Tracker {
	return &Tracker{feedback: feedback, behaviors: behaviors, users: users, messages: messages, log: log}
}

// HandleEvent обрабатывает событие из шлюза.
func (t *Tracker) HandleEvent(ctx context.Context, event domain.ReplyEvent) error {
	switch event.Kind {
	case domain.ReplyEventReceipt:
		return t.handleReceipt(ctx, event)
	default:
		return t.handleMessage(ctx, event)
	}
}

func (t *Tracker) handleMessage(ctx context.Context, event domain.ReplyEvent) error {
	at := event.ReceivedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := t.users.TouchActivity(ctx, event.UserID, at); err != nil {
		return fmt.Errorf("фиксация активности: %w", err)
	}
	if err := t.messages.SaveIncoming(ctx, event.UserID, event.Text, at); err != nil {
		return fmt.Errorf("журнал входящих: %w", err)
	}

	// Явные мета-сигналы применяются немедленно, не дожидаясь ночной
	// рефлексии: прямое слово пользователя весомее статистики.
	if err := t.applyMetaFeedback(ctx, event.UserID, event.Text, at); err != nil {
		return err
	}

	return t.classifyReply(ctx, event.UserID, event.Text, at)
}

func (t *Tracker) handleReceipt(ctx context.Context, event domain.ReplyEvent) error {
	if event.Delivered {
		return nil
	}
	// Отчёт без RecordID относится ко всем ожидающим записям пользователя:
	// так шлюз сообщает о блокировке бота.
	if event.RecordID == "" {
		pending, err := t.feedback.ListPending(ctx, event.UserID)
		if err != nil {
			return fmt.Errorf("выборка ожидающих записей: %w", err)
		}
		for _, rec := range pending {
			if err := t.feedback.MarkDeliveryFailed(ctx, rec.ID, event.FailCause); err != nil {
				return fmt.Errorf("отметка сбоя доставки %s: %w", rec.ID, err)
			}
		}
		t.log.Warn().Int64("user", event.UserID).Str("cause", event.FailCause).Int("records", len(pending)).Msg("feedback: доставка пользователю недоступна")
		return nil
	}
	if err := t.feedback.MarkDeliveryFailed(ctx, event.RecordID, event.FailCause); err != nil {
		return fmt.Errorf("отметка сбоя доставки: %w", err)
	}
	t.log.Warn().Str("record", event.RecordID).Str("cause", event.FailCause).Msg("feedback: доставка не удалась")
	return nil
}

// classifyReply находит ожидающие записи внутри окна вовлечённости и
// переводит их в терминальный исход.
func (t *Tracker) classifyReply(ctx context.Context, userID int64, text string, at time.Time) error {
	pending, err := t.feedback.ListPending(ctx, userID)
	if err != nil {
		return fmt.Errorf("выборка ожидающих записей: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	window := t.engagementWindow(ctx, userID)
	sentiment := ClassifySentiment(text)
	stop := IsExplicitStop(text)

	for _, rec := range pending {
		age := at.Sub(rec.SentAt)
		if age < 0 || age > replyTimeout {
			continue
		}

		var outcome domain.Outcome
		switch {
		case stop:
			outcome = domain.OutcomeExplicitStop
		case age <= window:
			switch sentiment {
			case domain.SentimentPositive:
				outcome = domain.OutcomePositiveReply
			case domain.SentimentNegative:
				outcome = domain.OutcomeNegativeReply
			default:
				outcome = domain.OutcomeNeutralReply
			}
		default:
			// Позже окна, но до таймаута: поздняя вовлечённость,
			// если только ответ не несёт негатив.
			if sentiment == domain.SentimentNegative {
				outcome = domain.OutcomeNegativeReply
			} else {
				outcome = domain.OutcomeLateEngage
			}
		}

		var scorePtr *float64
		if score, ok := outcome.Score(); ok {
			scorePtr = &score
		}
		if err := t.feedback.CloseOutcome(ctx, rec.ID, outcome, sentiment, scorePtr, age); err != nil {
			return fmt.Errorf("закрытие записи %s: %w", rec.ID, err)
		}

		if outcome == domain.OutcomeExplicitStop {
			if err := t.suppressCategory(ctx, userID, rec.Category, at); err != nil {
				return err
			}
		}
	}
	return nil
}

// CloseExpired закрывает записи, пережившие таймаут без реакции.
func (t *Tracker) CloseExpired(ctx context.Context, userID int64, now time.Time) error {
	pending, err := t.feedback.ListPending(ctx, userID)
	if err != nil {
		return fmt.Errorf("выборка ожидающих записей: %w", err)
	}
	for _, rec := range pending {
		if now.Sub(rec.SentAt) <= replyTimeout {
			continue
		}
		outcome := domain.OutcomeIgnored
		if rec.DeliveryStatus == domain.DeliveryStatusFailed {
			outcome = domain.OutcomeUndelivered
		}
		var scorePtr *float64
		if score, ok := outcome.Score(); ok {
			scorePtr = &score
		}
		if err := t.feedback.CloseOutcome(ctx, rec.ID, outcome, "", scorePtr, 0); err != nil {
			return fmt.Errorf("закрытие просроченной записи %s: %w", rec.ID, err)
		}
	}
	return nil
}

// engagementWindow читает адаптивное окно вовлечённости из поведения.
func (t *Tracker) engagementWindow(ctx context.Context, userID int64) time.Duration {
	behavior, ok, err := t.behaviors.GetBehavior(ctx, userID, domain.BehaviorEngagementWindow)
	if err != nil || !ok {
		return defaultWindow
	}
	if minutes, ok := behavior.Value["minutes"].(float64); ok && minutes > 0 {
		return time.Duration(minutes) * time.Minute
	}
	return defaultWindow
}

// suppressCategory немедленно и навсегда запрещает категорию.
func (t *Tracker) suppressCategory(ctx context.Context, userID int64, category domain.Category, at time.Time) error {
	suppression := loadSuppression(ctx, t.behaviors, userID)
	if suppression.IsSuppressed(category) {
		return nil
	}
	suppression.Suppressed = append(suppression.Suppressed, domain.SuppressedCategory{
		Category: category,
		Reason:   domain.SuppressReasonExplicitStop,
		Since:    at.Format(time.RFC3339),
	})
	if err := saveSuppression(ctx, t.behaviors, userID, suppression, at); err != nil {
		return fmt.Errorf("запись подавления: %w", err)
	}
	t.log.Info().Int64("user", userID).Str("category", string(category)).Msg("feedback: категория подавлена по explicit_stop")
	return nil
}

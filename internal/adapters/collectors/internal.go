package collectors

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"proactive-engine/internal/domain"
)

// Окна суток для производных сигналов.
const (
	morningStart = 7
	morningEnd   = 10
	eveningStart = 20
	eveningEnd   = 23
)

var lowMoodMarkers = []string{
	"устал", "устала", "выгорел", "не вывожу", "всё плохо",
	"грустно", "тяжело", "надоело", "сил нет",
	"tired", "burned out", "exhausted", "overwhelmed",
}

// InternalCollector порождает производные сигналы без внешних интеграций:
// окна утра и вечера плюс индикатор сниженного настроения по переписке.
type InternalCollector struct {
	messages domain.MessageLogRepo
	log      zerolog.Logger
	now      func() time.Time
}

var _ domain.SignalCollector = (*InternalCollector)(nil)

// NewInternal создаёт производный сборщик.
func NewInternal(messages domain.MessageLogRepo, log zerolog.Logger) *InternalCollector {
	return &InternalCollector{messages: messages, log: log, now: time.Now}
}

func (c *InternalCollector) Name() string { return "internal" }

// Collect возвращает производные сигналы.
// NOTE: час берётся из сырого UTC-времени, без перевода в пояс
// пользователя; остальные стадии конвертируют. Поведение сохранено
// как есть.
func (c *InternalCollector) Collect(ctx context.Context, user domain.User) ([]domain.Signal, error) {
	now := c.now().UTC()
	hour := now.Hour()

	var signals []domain.Signal
	if hour >= morningStart && hour < morningEnd {
		signals = append(signals, domain.Signal{
			Type:      domain.SignalMorningWindow,
			UserID:    user.ID,
			Timestamp: now,
			Source:    c.Name(),
			Data:      map[string]any{"hour": hour},
		}.WithDedupKey())
	}
	if hour >= eveningStart && hour < eveningEnd {
		signals = append(signals, domain.Signal{
			Type:      domain.SignalEveningWindow,
			UserID:    user.ID,
			Timestamp: now,
			Source:    c.Name(),
			Data:      map[string]any{"hour": hour},
		}.WithDedupKey())
	}

	if mood := c.detectLowMood(ctx, user, now); mood != nil {
		signals = append(signals, *mood)
	}
	return signals, nil
}

// detectLowMood ищет маркеры усталости в переписке за последние сутки.
// Недоступный журнал не срывает сбор остальных сигналов.
func (c *InternalCollector) detectLowMood(ctx context.Context, user domain.User, now time.Time) *domain.Signal {
	incoming, err := c.messages.ListIncomingSince(ctx, user.ID, now.Add(-24*time.Hour))
	if err != nil {
		c.log.Warn().Err(err).Int64("user", user.ID).Msg("internal: журнал сообщений недоступен")
		return nil
	}

	hits := 0
	for _, msg := range incoming {
		lower := strings.ToLower(msg.Text)
		for _, marker := range lowMoodMarkers {
			if strings.Contains(lower, marker) {
				hits++
				break
			}
		}
	}
	if hits < 2 {
		return nil
	}
	sig := domain.Signal{
		Type:      domain.SignalMoodLow,
		UserID:    user.ID,
		Timestamp: now,
		Source:    c.Name(),
		Data:      map[string]any{"markers": hits},
	}.WithDedupKey()
	return &sig
}

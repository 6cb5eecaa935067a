package collectors

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"proactive-engine/internal/domain"
)

// Вехи стрика, достойные отдельного сообщения.
var habitMilestones = map[int]bool{7: true, 14: true, 30: true, 60: true, 100: true}

// HabitsCollector добывает сигналы трекера привычек: стрик под угрозой
// и достигнутые вехи.
type HabitsCollector struct {
	client *integrationClient
	log    zerolog.Logger
	now    func() time.Time
}

var _ domain.SignalCollector = (*HabitsCollector)(nil)

// NewHabits создаёт сборщик привычек.
func NewHabits(baseURL string, timeout time.Duration, log zerolog.Logger) (*HabitsCollector, error) {
	client, err := newIntegrationClient("habits", baseURL, timeout)
	if err != nil {
		return nil, err
	}
	return &HabitsCollector{client: client, log: log, now: time.Now}, nil
}

func (c *HabitsCollector) Name() string { return "habits" }

type habitStatus struct {
	Name      string    `json:"name"`
	Streak    int       `json:"streak"`
	DoneToday bool      `json:"done_today"`
	LastDone  time.Time `json:"last_done"`
}

// Collect возвращает сигналы по привычкам пользователя.
func (c *HabitsCollector) Collect(ctx context.Context, user domain.User) ([]domain.Signal, error) {
	var habits []habitStatus
	if err := c.client.getJSON(ctx, "/habits", user.ID, &habits); err != nil {
		if errors.Is(err, domain.ErrIntegrationUnavailable) {
			return nil, nil
		}
		return nil, err
	}

	now := c.now().UTC()
	var signals []domain.Signal
	for _, h := range habits {
		if h.Name == "" {
			continue
		}
		if !h.DoneToday && h.Streak > 0 {
			signals = append(signals, domain.Signal{
				Type:      domain.SignalHabitAtRisk,
				UserID:    user.ID,
				Timestamp: now,
				Source:    c.Name(),
				Data: map[string]any{
					"habit":  h.Name,
					"streak": h.Streak,
				},
			}.WithDedupKey())
		}
		if h.DoneToday && habitMilestones[h.Streak] {
			signals = append(signals, domain.Signal{
				Type:      domain.SignalHabitMilestone,
				UserID:    user.ID,
				Timestamp: now,
				Source:    c.Name(),
				Data: map[string]any{
					"habit":  h.Name,
					"streak": h.Streak,
				},
			}.WithDedupKey())
		}
	}
	c.log.Debug().Int64("user", user.ID).Int("signals", len(signals)).Msg("привычки: сбор завершён")
	return signals, nil
}
